// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a Clock whose time moves only through Advance. It is
// safe for concurrent use.
//
// AfterFunc callbacks run on the goroutine calling Advance, with the
// clock reading the callback's deadline. A callback may stop or reset
// timers and tickers, but must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*schedule
	changed *sync.Cond
}

// schedule is one registered ticker, After channel, or AfterFunc call.
type schedule struct {
	at       time.Time
	interval time.Duration // non-zero for tickers
	channel  chan time.Time
	callback func()
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock has advanced by
// d. A non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&schedule{at: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f to run inside the Advance call that crosses
// now+d. A non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	entry := &schedule{callback: f}

	c.mu.Lock()
	entry.at = c.now.Add(d)
	immediate := d <= 0
	if !immediate {
		c.addLocked(entry)
	}
	c.mu.Unlock()

	if immediate {
		f()
	}

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.removeLocked(entry)
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := c.removeLocked(entry)
			entry.at = c.now.Add(d)
			c.addLocked(entry)
			return wasPending
		},
	}
}

// NewTicker returns a ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	channel := make(chan time.Time, 1)

	c.mu.Lock()
	entry := &schedule{at: c.now.Add(d), interval: d, channel: channel}
	c.addLocked(entry)
	c.mu.Unlock()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(entry)
		},
	}
}

// Advance moves the clock forward by d, firing every schedule whose
// deadline is crossed, earliest first. Tickers crossed several times
// fire several times; ticks the reader has not drained are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.earliestLocked()
		if next == nil || next.at.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		if next.interval > 0 {
			next.at = next.at.Add(next.interval)
		} else {
			c.removeLocked(next)
		}
		firedAt := c.now
		c.mu.Unlock()

		if next.callback != nil {
			next.callback()
			continue
		}
		select {
		case next.channel <- firedAt:
		default:
		}
	}
}

// WaitForTimers blocks until at least n schedules are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount reports how many schedules are pending.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) addLocked(entry *schedule) {
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(entry *schedule) bool {
	index := slices.Index(c.pending, entry)
	if index < 0 {
		return false
	}
	c.pending = slices.Delete(c.pending, index, index+1)
	return true
}

// earliestLocked returns the pending schedule with the smallest
// deadline, preferring the earliest registered on ties.
func (c *FakeClock) earliestLocked() *schedule {
	var earliest *schedule
	for _, entry := range c.pending {
		if earliest == nil || entry.at.Before(earliest.at) {
			earliest = entry
		}
	}
	return earliest
}
