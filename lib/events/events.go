// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Topic names a stream of values of type T. Two topics with the same
// name on one bus must carry the same type.
type Topic[T any] struct {
	name string
}

// NewTopic returns a topic. Topics are usually package-level variables.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name, used as the log attribute when a
// handler panics.
func (t Topic[T]) Name() string { return t.name }

type subscriber struct {
	handler func(any)
}

// Bus dispatches published values to subscribers. The zero value is
// not usable; call [NewBus].
type Bus struct {
	replay bool
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string][]*subscriber
	last        map[string]any
}

// NewBus returns a bus. When replay is true, each topic's most recent
// value is delivered to new subscribers. A nil logger discards handler
// panic reports.
func NewBus(replay bool, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		replay:      replay,
		logger:      logger,
		subscribers: make(map[string][]*subscriber),
		last:        make(map[string]any),
	}
}

// Subscribe registers handler on topic and returns a function that
// removes it. Cancel is idempotent. On a replaying bus with a stored
// value, handler is called once with that value before Subscribe
// returns.
func Subscribe[T any](bus *Bus, topic Topic[T], handler func(T)) (cancel func()) {
	entry := &subscriber{handler: func(value any) { handler(value.(T)) }}

	bus.mu.Lock()
	bus.subscribers[topic.name] = append(bus.subscribers[topic.name], entry)
	stored, hasStored := bus.last[topic.name]
	bus.mu.Unlock()

	cancel = func() { bus.remove(topic.name, entry) }
	if bus.replay && hasStored {
		bus.deliver(topic.name, entry, stored)
	}
	return cancel
}

// Once is Subscribe for a handler that runs at most one time. The
// subscription cancels itself after the first delivery.
func Once[T any](bus *Bus, topic Topic[T], handler func(T)) (cancel func()) {
	var (
		mu         sync.Mutex
		fired      bool
		cancelSelf func()
	)
	unsubscribe := Subscribe(bus, topic, func(value T) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		registered := cancelSelf
		mu.Unlock()
		if registered != nil {
			registered()
		}
		handler(value)
	})

	// A replayed value fires before unsubscribe is known to the handler.
	mu.Lock()
	cancelSelf = unsubscribe
	alreadyFired := fired
	mu.Unlock()
	if alreadyFired {
		unsubscribe()
	}

	return func() {
		mu.Lock()
		fired = true
		mu.Unlock()
		unsubscribe()
	}
}

// Publish delivers value to every current subscriber of topic.
func Publish[T any](bus *Bus, topic Topic[T], value T) {
	bus.mu.Lock()
	if bus.replay {
		bus.last[topic.name] = value
	}
	snapshot := append([]*subscriber(nil), bus.subscribers[topic.name]...)
	bus.mu.Unlock()

	for _, entry := range snapshot {
		if !bus.subscribed(topic.name, entry) {
			continue
		}
		bus.deliver(topic.name, entry, value)
	}
}

// Reset drops every subscriber and every stored value.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]*subscriber)
	b.last = make(map[string]any)
}

// Subscribers reports how many handlers are registered on the named
// topic.
func (b *Bus) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[name])
}

func (b *Bus) remove(name string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subscribers[name]
	for index, entry := range list {
		if entry == target {
			list = append(list[:index:index], list[index+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subscribers, name)
		return
	}
	b.subscribers[name] = list
}

// subscribed reports whether entry is still registered, so a handler
// cancelled by an earlier handler in the same Publish is skipped.
func (b *Bus) subscribed(name string, target *subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.subscribers[name] {
		if entry == target {
			return true
		}
	}
	return false
}

func (b *Bus) deliver(name string, entry *subscriber, value any) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event handler panicked",
				"topic", name,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	entry.handler(value)
}
