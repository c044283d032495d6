// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyedmutex provides per-key mutual exclusion with FIFO
// fairness.
//
// A [Mutex] holds one lock entry per key that currently has a holder
// or waiters. [Mutex.Acquire] blocks until the caller owns the key and
// returns the [UnlockFunc] that releases it. Release hands ownership
// straight to the oldest waiter; the waiter resumes on its own
// goroutine, so a long chain of waiters never recurses through the
// releasing goroutine.
//
// Entries are reference counted (holder plus waiters). When the last
// reference is released the entry is removed and the callback
// registered with [Mutex.OnIdle] runs once for that key. Tests assert
// that a workload drains by checking [Mutex.Len] returns to zero.
//
// Acquire never fails. Calling an UnlockFunc twice is a programming
// error and panics.
package keyedmutex
