// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peerwire implements the protocol two chat peers speak over
// their data channel.
//
// Every channel message is one UTF-8 JSON object, a [Frame], carrying
// any combination of an optional correlation id and one payload
// (ping, pong, message, chatState, deleteMessage, read). The receiver
// decides what a frame means by precedence, not by a type tag: a frame
// whose id matches an outstanding request is a reply, whatever else it
// carries.
//
// [Correlator] layers request/response over the unordered,
// fire-and-forget channel. [Correlator.Start] registers a pending entry
// under the frame's id before transmitting, so a reply that arrives
// before Start returns is never lost. [Correlator.Resolve] completes the
// entry when the reply is dispatched, and [Correlator.Close] rejects
// every entry still pending with [ErrClosed].
package peerwire
