// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peerwire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/bureau-foundation/chatlink/lib/schema"
)

// ErrMalformedFrame is wrapped by every [Decode] failure.
var ErrMalformedFrame = errors.New("malformed peer frame")

// Frame is one data-channel message. Zero or one payload field is set
// in frames this package produces; inbound frames are dispatched by
// precedence when several are present.
type Frame struct {
	ID string `json:"id,omitempty"`

	Ping          *Ping             `json:"ping,omitempty"`
	Pong          *Pong             `json:"pong,omitempty"`
	Message       *schema.Message   `json:"message,omitempty"`
	ChatState     *schema.ChatState `json:"chatState,omitempty"`
	DeleteMessage *DeleteMessage    `json:"deleteMessage,omitempty"`
	Read          *Read             `json:"read,omitempty"`
}

// Ping is a liveness probe. Timestamp is the sender's Unix milliseconds.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a [Ping]; it carries the ping's id.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// DeleteMessage asks the peer to drop one message from the shared chat.
type DeleteMessage struct {
	MessageID string `json:"messageId"`
}

// Read is a read receipt for one message.
type Read struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// IsAck reports whether the frame is a bare acknowledgment: an id and
// nothing else.
func (f *Frame) IsAck() bool {
	return f.ID != "" && f.Ping == nil && f.Pong == nil && f.Message == nil &&
		f.ChatState == nil && f.DeleteMessage == nil && f.Read == nil
}

// Ack returns the bare acknowledgment for a frame id.
func Ack(id string) Frame { return Frame{ID: id} }

// Encode serializes a frame for the data channel.
func Encode(frame Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding peer frame: %w", err)
	}
	return data, nil
}

// Decode parses one data-channel message. Input that is not valid
// UTF-8, not JSON, or not a JSON object is rejected with an error
// wrapping [ErrMalformedFrame].
func Decode(data []byte) (Frame, error) {
	if !utf8.Valid(data) {
		return Frame{}, fmt.Errorf("%w: invalid UTF-8", ErrMalformedFrame)
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return frame, nil
}
