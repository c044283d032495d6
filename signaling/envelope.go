// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// RelayIdentity is the address of the relay itself. Handshakes are sent
// to it.
const RelayIdentity = "signaling@messenger.net"

// ErrMalformedEnvelope is wrapped by every [DecodeEnvelope] failure.
var ErrMalformedEnvelope = errors.New("malformed signaling envelope")

// Envelope is one relay frame.
type Envelope struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Payload Payload `json:"payload"`
}

// Payload carries exactly one of its fields.
type Payload struct {
	Handshake          *Handshake                 `json:"handshake,omitempty"`
	SessionDescription *webrtc.SessionDescription `json:"sessionDescription,omitempty"`
	ICECandidate       *webrtc.ICECandidateInit   `json:"iceCandidate,omitempty"`
}

// Handshake registers the sender with the relay. The client payload is
// reserved for authentication material and is currently empty.
type Handshake struct {
	ClientPayload struct{} `json:"clientPayload"`
}

// HandshakePayload returns the payload a client sends when its socket
// opens.
func HandshakePayload() Payload {
	return Payload{Handshake: &Handshake{}}
}

// EncodeEnvelope serializes an envelope for the relay socket.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding signaling envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses one relay frame. An envelope must be a JSON
// object naming a sender.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if envelope.From == "" {
		return Envelope{}, fmt.Errorf("%w: missing from", ErrMalformedEnvelope)
	}
	return envelope, nil
}
