// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
)

// ChatStateType is the discriminator of [ChatState].
type ChatStateType string

const (
	ChatStateIdle      ChatStateType = "idle"
	ChatStateComposing ChatStateType = "composing"
	ChatStatePaused    ChatStateType = "paused"
)

// ChatState is a peer's typing indicator. Timestamp (Unix
// milliseconds) is only meaningful for [ChatStatePaused], where it
// records when composing stopped.
type ChatState struct {
	Type      ChatStateType `json:"type"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// Idle returns the idle state.
func Idle() ChatState { return ChatState{Type: ChatStateIdle} }

// Composing returns the composing state.
func Composing() ChatState { return ChatState{Type: ChatStateComposing} }

// Paused returns the paused state stamped at unixMillis.
func Paused(unixMillis int64) ChatState {
	return ChatState{Type: ChatStatePaused, Timestamp: unixMillis}
}

// UnmarshalJSON rejects unknown state types so a malformed frame cannot
// install a state the presentation layer does not understand.
func (s *ChatState) UnmarshalJSON(data []byte) error {
	type plain ChatState
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	switch decoded.Type {
	case ChatStateIdle, ChatStateComposing, ChatStatePaused:
	default:
		return fmt.Errorf("unknown chat state type %q", decoded.Type)
	}
	*s = ChatState(decoded)
	return nil
}
