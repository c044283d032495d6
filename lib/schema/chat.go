// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"
)

// OutgoingStatus tracks delivery of a message this node sent. The
// numeric values are part of the stored and wire representation.
type OutgoingStatus int

const (
	// StatusFailed means the peer never acknowledged the message.
	StatusFailed OutgoingStatus = -1

	// StatusClock means the message is queued or in flight.
	StatusClock OutgoingStatus = 0

	// StatusSent means the peer acknowledged receipt.
	StatusSent OutgoingStatus = 1

	// StatusReceived is reserved for delivery to the peer's device
	// when it differs from the acknowledgment.
	StatusReceived OutgoingStatus = 2

	// StatusRead means the peer sent a read receipt.
	StatusRead OutgoingStatus = 3
)

func (s OutgoingStatus) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusClock:
		return "clock"
	case StatusSent:
		return "sent"
	case StatusReceived:
		return "received"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Message is one chat message. ID, ChatID, Timestamp and the body
// fields travel between peers; FromMe, SenderID, ReadTimestamp and
// Status are local bookkeeping and are overwritten by the receiver.
//
// ChatID is the peer ID of the conversation from the local node's point
// of view. Timestamp is Unix milliseconds.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Timestamp int64  `json:"timestamp"`

	TextMessage         *TextMessage         `json:"textMessage,omitempty"`
	ExtendedTextMessage *ExtendedTextMessage `json:"extendedTextMessage,omitempty"`

	FromMe        bool           `json:"fromMe,omitempty"`
	SenderID      string         `json:"senderId,omitempty"`
	ReadTimestamp *int64         `json:"readTimestamp,omitempty"`
	Status        OutgoingStatus `json:"status,omitempty"`
}

// TextMessage is a plain text body.
type TextMessage struct {
	Text string `json:"text"`
}

// ExtendedTextMessage is a text body with a link preview.
type ExtendedTextMessage struct {
	Text          string `json:"text"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	JPEGThumbnail string `json:"jpegThumbnail"`
}

// Text returns the message's display text, preferring the extended
// body.
func (m *Message) Text() string {
	if m.ExtendedTextMessage != nil {
		return m.ExtendedTextMessage.Text
	}
	if m.TextMessage != nil {
		return m.TextMessage.Text
	}
	return ""
}

// Validate checks the fields every stored or transmitted message must
// carry.
func (m *Message) Validate() error {
	var errs []error
	if m.ID == "" {
		errs = append(errs, errors.New("message id is empty"))
	}
	if m.ChatID == "" {
		errs = append(errs, errors.New("message chat id is empty"))
	}
	if m.TextMessage == nil && m.ExtendedTextMessage == nil {
		errs = append(errs, errors.New("message has no body"))
	}
	return errors.Join(errs...)
}

// WireCopy returns the fields of m that are sent to the peer. Local
// bookkeeping never leaves the node.
func (m *Message) WireCopy() *Message {
	return &Message{
		ID:                  m.ID,
		ChatID:              m.ChatID,
		Timestamp:           m.Timestamp,
		TextMessage:         m.TextMessage,
		ExtendedTextMessage: m.ExtendedTextMessage,
	}
}
