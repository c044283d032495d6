// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockAdvanceMovesNow(t *testing.T) {
	fake := Fake(epoch)
	fake.Advance(5 * time.Second)
	if got, want := fake.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestFakeClockAfter(t *testing.T) {
	fake := Fake(epoch)
	channel := fake.After(3 * time.Second)

	fake.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-channel:
		if !fired.Equal(epoch.Add(3 * time.Second)) {
			t.Errorf("fired at %v, want deadline", fired)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeClockAfterFuncStopAndReset(t *testing.T) {
	fake := Fake(epoch)
	calls := 0
	timer := fake.AfterFunc(10*time.Second, func() { calls++ })

	if !timer.Stop() {
		t.Fatal("Stop on a pending timer should report true")
	}
	fake.Advance(20 * time.Second)
	if calls != 0 {
		t.Fatalf("stopped timer fired %d times", calls)
	}

	if timer.Reset(5 * time.Second) {
		t.Error("Reset of a stopped timer should report false")
	}
	fake.Advance(5 * time.Second)
	if calls != 1 {
		t.Fatalf("reset timer fired %d times, want 1", calls)
	}
	if timer.Stop() {
		t.Error("Stop after firing should report false")
	}
}

func TestFakeClockAfterFuncSeesDeadline(t *testing.T) {
	fake := Fake(epoch)
	var seen time.Time
	fake.AfterFunc(7*time.Second, func() { seen = fake.Now() })
	fake.Advance(time.Minute)
	if !seen.Equal(epoch.Add(7 * time.Second)) {
		t.Errorf("callback saw %v, want the deadline", seen)
	}
	if !fake.Now().Equal(epoch.Add(time.Minute)) {
		t.Errorf("Now() after Advance = %v", fake.Now())
	}
}

func TestFakeClockTickerDropsUnreadTicks(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	fake.Advance(3 * time.Second)

	received := 0
	for {
		select {
		case <-ticker.C:
			received++
			continue
		default:
		}
		break
	}
	if received != 1 {
		t.Fatalf("received %d buffered ticks, want 1", received)
	}

	fake.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker stopped ticking")
	}
}

func TestFakeClockTickerStop(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()
	if fake.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d after Stop", fake.PendingCount())
	}
	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeClockCallbackOrder(t *testing.T) {
	fake := Fake(epoch)
	var order []int
	fake.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	fake.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("callbacks fired in order %v, want [1 2 3]", order)
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Second)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	<-done
}
