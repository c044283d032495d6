// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/chatlink/lib/events"
)

// ErrChannelNotOpen is returned by Channel.Send before the channel opens
// or after it starts closing.
var ErrChannelNotOpen = errors.New("data channel is not open")

// Connection is one negotiated peer connection. Every method may be
// called from any goroutine. Asynchronous happenings (remote channels,
// local ICE candidates, state changes) are published on Events using
// the Connection topics below.
type Connection interface {
	// CreateChannel creates a local data channel. The remote side
	// receives it through ChannelReceivedTopic once negotiation
	// completes.
	CreateChannel(label string) (Channel, error)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	SetRemoteDescription(description webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// Events carries the Connection topics. The bus does not replay.
	Events() *events.Bus

	// Close tears down the connection and all its channels.
	Close() error
}

// Channel is one message-oriented data channel.
type Channel interface {
	Label() string

	// ReadyState is "connecting", "open", "closing" or "closed". A
	// subscriber that attaches after the channel opened uses it to
	// catch up.
	ReadyState() string

	// Send transmits one binary message.
	Send(data []byte) error

	Close() error

	// Events carries the Channel topics. The bus does not replay.
	Events() *events.Bus
}

// Factory creates connections. The session manager holds one.
type Factory interface {
	NewConnection() (Connection, error)
}

// Connection topics.
var (
	ChannelReceivedTopic    = events.NewTopic[Channel]("transport.channel_received")
	LocalCandidateTopic     = events.NewTopic[webrtc.ICECandidateInit]("transport.local_candidate")
	ConnectionStateTopic    = events.NewTopic[string]("transport.connection_state")
	ICEConnectionStateTopic = events.NewTopic[string]("transport.ice_connection_state")
	ICEGatheringStateTopic  = events.NewTopic[string]("transport.ice_gathering_state")
	SignalingStateTopic     = events.NewTopic[string]("transport.signaling_state")
)

// Channel topics.
var (
	ChannelOpenTopic    = events.NewTopic[struct{}]("transport.channel_open")
	ChannelClosingTopic = events.NewTopic[struct{}]("transport.channel_closing")
	ChannelCloseTopic   = events.NewTopic[struct{}]("transport.channel_close")
	ChannelErrorTopic   = events.NewTopic[error]("transport.channel_error")
	ChannelMessageTopic = events.NewTopic[[]byte]("transport.channel_message")
)

// State strings shared by every implementation. They match the W3C and
// pion spellings.
const (
	ReadyStateConnecting = "connecting"
	ReadyStateOpen       = "open"
	ReadyStateClosing    = "closing"
	ReadyStateClosed     = "closed"

	ConnectionStateNew          = "new"
	ConnectionStateConnecting   = "connecting"
	ConnectionStateConnected    = "connected"
	ConnectionStateDisconnected = "disconnected"
	ConnectionStateFailed       = "failed"
	ConnectionStateClosed       = "closed"
)
