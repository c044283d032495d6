// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling relays session descriptions and ICE candidates
// between chat peers through a websocket relay.
//
// Every relay frame is one UTF-8 JSON [Envelope] sent as a binary
// websocket message: {"from", "to", "payload"}, where the payload
// carries exactly one of a handshake, a session description or an ICE
// candidate. The relay routes by the "to" field. A client announces
// itself by sending a handshake envelope addressed to [RelayIdentity]
// immediately after the socket opens; the relay binds the socket to the
// handshake's "from" and refuses to forward anything claiming another
// sender.
//
// [Client] is the node side. It publishes inbound session descriptions
// and candidates addressed to it on its event bus
// ([SessionDescriptionTopic], [ICECandidateTopic]) and drops everything
// else. Handlers run on the client's read-loop goroutine, so signaling
// events are handled one at a time in arrival order. The bus does not
// replay: an offer is applied at most once.
//
// [Relay] is the server side, an http.Handler suitable for
// cmd/chatlink-relay and for httptest in tests.
//
// There is no reconnect. A dropped socket returns the client to the
// closed state and every send fails with [ErrNotOpen] until the caller
// opens it again.
package signaling
