// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/chatlink/lib/events"
)

// SessionDescriptionEvent is an offer or answer from PeerID.
type SessionDescriptionEvent struct {
	PeerID      string
	Description webrtc.SessionDescription
}

// ICECandidateEvent is a trickled candidate from PeerID.
type ICECandidateEvent struct {
	PeerID    string
	Candidate webrtc.ICECandidateInit
}

// Client topics.
var (
	SessionDescriptionTopic = events.NewTopic[SessionDescriptionEvent]("signaling.session_description")
	ICECandidateTopic       = events.NewTopic[ICECandidateEvent]("signaling.ice_candidate")
)
