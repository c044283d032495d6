// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the boundary between the chat session layer and
// the negotiated peer connection underneath it.
//
// [Connection] exposes the offer/answer/candidate operations of one
// peer connection; [Channel] is one message-oriented data channel on
// it. Neither interface takes callbacks. Everything asynchronous (a
// remote-created channel, a trickled local ICE candidate, connection,
// ICE and signaling state changes, channel open/closing/close/error and
// inbound messages) is published on the object's [events.Bus] under the
// topics declared in this package. Subscribers cancel their
// subscriptions when they are done, which is how a closed session
// detaches from a connection that may still fire late callbacks.
//
// [Pion] is the production [Factory], backed by pion/webrtc. Session
// descriptions and candidates use pion's JSON-compatible
// [webrtc.SessionDescription] and [webrtc.ICECandidateInit] types so
// they can be relayed through signaling unchanged. Loopback candidates
// are enabled so two nodes on one machine can connect.
//
// [MemoryNetwork] is an in-process [Factory] for tests: connections on
// one network negotiate with each other without any ICE, and expose
// control methods to script channel and state events.
//
// [ICEConfig] holds STUN/TURN server configuration;
// [ICEConfigFromServers] converts the node configuration's server list.
package transport
