// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/chatlink/lib/clock"
	"github.com/bureau-foundation/chatlink/lib/schema"
	"github.com/bureau-foundation/chatlink/lib/testutil"
	"github.com/bureau-foundation/chatlink/peerwire"
	"github.com/bureau-foundation/chatlink/transport"
)

const testTimeout = 5 * time.Second

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// relayed is one RelaySDP or RelayICE call.
type relayed struct {
	to          string
	description *webrtc.SessionDescription
	candidate   *webrtc.ICECandidateInit
}

// recordingSignaler records relays without delivering them.
type recordingSignaler struct {
	mu      sync.Mutex
	relayed []relayed
	fail    error
}

func (r *recordingSignaler) RelaySDP(peerID string, description webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.relayed = append(r.relayed, relayed{to: peerID, description: &description})
	return nil
}

func (r *recordingSignaler) RelayICE(peerID string, candidate webrtc.ICECandidateInit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.relayed = append(r.relayed, relayed{to: peerID, candidate: &candidate})
	return nil
}

func (r *recordingSignaler) descriptions() []relayed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []relayed
	for _, entry := range r.relayed {
		if entry.description != nil {
			result = append(result, entry)
		}
	}
	return result
}

func (r *recordingSignaler) candidates() []relayed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []relayed
	for _, entry := range r.relayed {
		if entry.candidate != nil {
			result = append(result, entry)
		}
	}
	return result
}

type deleteCall struct {
	chatID string
	id     string
	sync   bool
}

// memoryMessages is a map-backed Messages that reports every write on
// a channel.
type memoryMessages struct {
	mu       sync.Mutex
	messages map[string]*schema.Message
	addErr   error

	added   chan *schema.Message
	updated chan *schema.Message
	deleted chan deleteCall
}

func newMemoryMessages() *memoryMessages {
	return &memoryMessages{
		messages: make(map[string]*schema.Message),
		added:    make(chan *schema.Message, 16),
		updated:  make(chan *schema.Message, 16),
		deleted:  make(chan deleteCall, 16),
	}
}

func messageKey(chatID, id string) string { return chatID + "/" + id }

func (m *memoryMessages) Add(_ context.Context, message *schema.Message) error {
	m.mu.Lock()
	if m.addErr != nil {
		m.mu.Unlock()
		return m.addErr
	}
	key := messageKey(message.ChatID, message.ID)
	if _, ok := m.messages[key]; ok {
		m.mu.Unlock()
		return fmt.Errorf("message %s exists", key)
	}
	stored := *message
	m.messages[key] = &stored
	m.mu.Unlock()
	m.added <- &stored
	return nil
}

func (m *memoryMessages) Get(_ context.Context, chatID, id string) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[messageKey(chatID, id)]
	if !ok {
		return nil, fmt.Errorf("no message %s/%s", chatID, id)
	}
	copied := *message
	return &copied, nil
}

func (m *memoryMessages) Update(_ context.Context, message *schema.Message) error {
	m.mu.Lock()
	stored := *message
	m.messages[messageKey(message.ChatID, message.ID)] = &stored
	m.mu.Unlock()
	m.updated <- &stored
	return nil
}

func (m *memoryMessages) Delete(_ context.Context, chatID, id string, sync bool) error {
	m.mu.Lock()
	delete(m.messages, messageKey(chatID, id))
	m.mu.Unlock()
	m.deleted <- deleteCall{chatID: chatID, id: id, sync: sync}
	return nil
}

// testConfig returns a session Config on a fake clock.
func testConfig(fake *clock.FakeClock) (Config, *recordingSignaler, *memoryMessages) {
	signaler := &recordingSignaler{}
	messages := newMemoryMessages()
	return Config{
		Signaler:          signaler,
		Messages:          messages,
		Clock:             fake,
		HeartbeatInterval: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, signaler, messages
}

// offerTo runs the offer side on session and the answer side directly
// on remote, which has no session of its own. It returns the
// session's local data channel once it is open.
func offerTo(t *testing.T, session *Session, remote transport.Connection) *transport.MemoryChannel {
	t.Helper()
	if err := session.SetupChannel(); err != nil {
		t.Fatalf("SetupChannel: %v", err)
	}
	offer, err := session.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := session.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if err := remote.SetRemoteDescription(offer); err != nil {
		t.Fatalf("remote SetRemoteDescription: %v", err)
	}
	answer, err := remote.CreateAnswer()
	if err != nil {
		t.Fatalf("remote CreateAnswer: %v", err)
	}
	if err := remote.SetLocalDescription(answer); err != nil {
		t.Fatalf("remote SetLocalDescription: %v", err)
	}
	if err := session.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	if err := session.WaitOpen(context.Background()); err != nil {
		t.Fatalf("WaitOpen: %v", err)
	}
	return session.Connection().(*transport.MemoryConnection).Channels()[0]
}

// connectSessions negotiates offerer with answerer over memory
// connections and waits for both to open.
func connectSessions(t *testing.T, offerer, answerer *Session) {
	t.Helper()
	if err := offerer.SetupChannel(); err != nil {
		t.Fatalf("SetupChannel: %v", err)
	}
	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("offerer SetLocalDescription: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer SetRemoteDescription: %v", err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("answerer SetLocalDescription: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer SetRemoteDescription: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := offerer.WaitOpen(ctx); err != nil {
		t.Fatalf("offerer WaitOpen: %v", err)
	}
	if err := answerer.WaitOpen(ctx); err != nil {
		t.Fatalf("answerer WaitOpen: %v", err)
	}
}

// receiveFrame reads the next frame the channel sent.
func receiveFrame(t *testing.T, channel *transport.MemoryChannel, what string) peerwire.Frame {
	t.Helper()
	data := testutil.RequireReceive(t, channel.Sent(), testTimeout, what)
	frame, err := peerwire.Decode(data)
	if err != nil {
		t.Fatalf("%s: decoding %q: %v", what, data, err)
	}
	return frame
}

func deliverFrame(t *testing.T, channel *transport.MemoryChannel, frame peerwire.Frame) {
	t.Helper()
	data, err := peerwire.Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	channel.Deliver(data)
}

func newMemoryConnection(t *testing.T, network *transport.MemoryNetwork) *transport.MemoryConnection {
	t.Helper()
	connection, err := network.NewConnection()
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	return connection.(*transport.MemoryConnection)
}
