// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs the direct connection to each chat peer.
//
// A [Session] owns one negotiated [transport.Connection] and at most
// one data channel labelled "chat". It moves through New, Negotiating,
// Open, Closing and Closed:
//
//   - Negotiating begins with the first offer, answer, candidate or
//     local channel.
//   - Open begins when the data channel opens. The session then sends a
//     ping every heartbeat interval (at most one in flight) and closes
//     itself if no round trip completes within the idle timeout.
//   - Closing begins when the channel starts shutting down. Sends are
//     refused from here on.
//   - Closed is terminal. Every pending correlated request is rejected
//     with [peerwire.ErrClosed], the connection is torn down, and the
//     session drops its listeners after publishing [CloseTopic].
//
// Frames on the channel follow the peerwire protocol. Inbound frames
// are dispatched by precedence: a reply to a pending request first,
// then ping, message, delete, chat state and read receipt. Inbound
// content goes to the [Messages] collaborator.
//
// A [Manager] keeps at most one session per peer and drives
// negotiation from signaling events. All work for one peer runs inside
// a transaction keyed by the peer id, so offers, answers and
// candidates for the same peer never interleave while different peers
// proceed in parallel.
package session
