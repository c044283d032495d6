// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/bureau-foundation/chatlink/lib/events"
	"github.com/bureau-foundation/chatlink/lib/schema"
)

// OpenEvent is published when the data channel opens.
type OpenEvent struct {
	PeerID string
}

// ClosingEvent is published when the data channel starts closing.
type ClosingEvent struct {
	PeerID string
}

// CloseEvent is published once when the session closes. Err is nil for
// an explicit Close and otherwise names the cause (idle timeout,
// channel closed, connection failed).
type CloseEvent struct {
	PeerID string
	Err    error
}

// StateChangeEvent carries one of the four connection state strings.
type StateChangeEvent struct {
	PeerID string
	State  string
}

// ChatStateEvent carries the peer's new typing state.
type ChatStateEvent struct {
	PeerID string
	State  schema.ChatState
}

// Session topics, published on Session.Events.
var (
	OpenTopic               = events.NewTopic[OpenEvent]("session.open")
	ClosingTopic            = events.NewTopic[ClosingEvent]("session.closing")
	CloseTopic              = events.NewTopic[CloseEvent]("session.close")
	ConnectionStateTopic    = events.NewTopic[StateChangeEvent]("session.connection_state")
	ICEConnectionStateTopic = events.NewTopic[StateChangeEvent]("session.ice_connection_state")
	ICEGatheringStateTopic  = events.NewTopic[StateChangeEvent]("session.ice_gathering_state")
	SignalingStateTopic     = events.NewTopic[StateChangeEvent]("session.signaling_state")
	ChatStateTopic          = events.NewTopic[ChatStateEvent]("session.chat_state")
)

// UpsertTopic is published on Manager.Events for every session the
// manager creates. The manager bus replays the latest value to new
// subscribers.
var UpsertTopic = events.NewTopic[*Session]("session.upsert")
