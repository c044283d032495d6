// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the chat domain types shared by the peer wire
// protocol, the session layer and the message store.
//
// [Message] is one chat message; [ChatState] is a peer's typing
// indicator. JSON tags give the representation used on the peer data
// channel. Fields that only make sense on the local node (FromMe,
// SenderID, ReadTimestamp, Status) are omitted from the wire via
// [Message.WireCopy].
//
// This package depends on no other chatlink packages.
package schema
