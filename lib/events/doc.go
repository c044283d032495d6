// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package events is a small synchronous publish/subscribe bus with
// typed topics.
//
// A [Bus] is created either replaying or not. A replaying bus remembers
// the last value published on each topic and hands it to every new
// subscriber at subscription time, which suits state-like notifications
// ("the session for peer X changed"). A non-replaying bus only delivers
// values published after the subscription, which suits edge-like
// notifications such as an inbound offer that must not be applied
// twice.
//
// Publish calls handlers on the publishing goroutine, in subscription
// order, without holding the bus lock. Handlers may subscribe, cancel or
// publish re-entrantly. A panicking handler is recovered and logged so
// one faulty subscriber cannot break delivery to the rest.
package events
