// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets session code schedule heartbeats and watchdogs
// without calling the time package directly.
//
// Production code holds a [Clock] and receives [Real] at construction.
// Tests construct a [FakeClock] with [Fake]; time on a FakeClock only
// moves when the test calls Advance, and every ticker tick and
// AfterFunc callback whose deadline is crossed fires in deadline order
// inside that call.
//
// A goroutine that creates a ticker races with the test that advances
// the clock. [FakeClock.WaitForTimers] closes the race:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go loop(fake)             // loop calls fake.NewTicker(15 * time.Second)
//	fake.WaitForTimers(1)     // ticker registered
//	fake.Advance(15 * time.Second)
package clock
