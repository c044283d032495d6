// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyedmutex

import (
	"slices"
	"sync"
)

// UnlockFunc releases a lock obtained from Acquire.
type UnlockFunc func()

// Mutex is a set of independent FIFO locks addressed by string key.
// The zero value is not usable; construct with New.
type Mutex struct {
	mu      sync.Mutex
	entries map[string]*entry
	onIdle  func(key string)
}

// entry is the lock state for one key. locked stays true across a
// handoff from holder to waiter.
type entry struct {
	locked   bool
	waiters  []chan struct{}
	refCount int
}

// New returns an empty Mutex.
func New() *Mutex {
	return &Mutex{entries: make(map[string]*entry)}
}

// OnIdle registers callback to run each time a key's last holder
// releases it with no waiters queued. The callback runs on the
// releasing goroutine after the entry has been removed. Register
// before the first Acquire.
func (m *Mutex) OnIdle(callback func(key string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIdle = callback
}

// Acquire blocks until the caller holds key and returns the function
// that releases it. Waiters for the same key are served in arrival
// order.
func (m *Mutex) Acquire(key string) UnlockFunc {
	m.mu.Lock()
	current, ok := m.entries[key]
	if !ok {
		current = &entry{}
		m.entries[key] = current
	}
	current.refCount++

	if !current.locked {
		current.locked = true
		m.mu.Unlock()
		return m.unlocker(key, current)
	}

	granted := make(chan struct{})
	current.waiters = append(current.waiters, granted)
	m.mu.Unlock()

	<-granted
	return m.unlocker(key, current)
}

func (m *Mutex) unlocker(key string, held *entry) UnlockFunc {
	var released bool
	return func() {
		m.mu.Lock()
		if released {
			m.mu.Unlock()
			panic("keyedmutex: unlock of key " + key + " called twice")
		}
		released = true
		held.refCount--

		if len(held.waiters) > 0 {
			next := held.waiters[0]
			held.waiters = slices.Delete(held.waiters, 0, 1)
			m.mu.Unlock()
			close(next)
			return
		}

		held.locked = false
		idle := held.refCount == 0
		if idle {
			delete(m.entries, key)
		}
		callback := m.onIdle
		m.mu.Unlock()

		if idle && callback != nil {
			callback(key)
		}
	}
}

// Len reports how many keys have a holder or waiters.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Active returns the keys that have a holder or waiters, sorted.
func (m *Mutex) Active() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Waiters reports how many callers are queued behind the holder of key.
func (m *Mutex) Waiters(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.entries[key]; ok {
		return len(current.waiters)
	}
	return 0
}
