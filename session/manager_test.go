// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/chatlink/lib/clock"
	"github.com/bureau-foundation/chatlink/lib/events"
	"github.com/bureau-foundation/chatlink/lib/schema"
	"github.com/bureau-foundation/chatlink/lib/testutil"
	"github.com/bureau-foundation/chatlink/lib/transaction"
	"github.com/bureau-foundation/chatlink/signaling"
	"github.com/bureau-foundation/chatlink/transport"
)

type testManager struct {
	*Manager
	signaler    *recordingSignaler
	messages    *memoryMessages
	coordinator *transaction.Coordinator
}

func newTestManager(t *testing.T, factory transport.Factory, fake *clock.FakeClock) *testManager {
	t.Helper()
	config, signaler, messages := testConfig(fake)
	coordinator := transaction.NewCoordinator(nil)
	manager := NewManager(ManagerConfig{Session: config, Factory: factory, Coordinator: coordinator})
	t.Cleanup(manager.Close)
	return &testManager{Manager: manager, signaler: signaler, messages: messages, coordinator: coordinator}
}

// remoteOffer returns an offer from a bare memory connection.
func remoteOffer(t *testing.T, network *transport.MemoryNetwork) webrtc.SessionDescription {
	t.Helper()
	offer, err := newMemoryConnection(t, network).CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	return offer
}

func TestStartSessionNegotiatesWithPeerManager(t *testing.T) {
	fake := clock.Fake(testEpoch)
	network := transport.NewMemoryNetwork(nil)
	alice := newTestManager(t, network, fake)
	bob := newTestManager(t, network, fake)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	started, err := alice.StartSession(ctx, "bob")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	offers := alice.signaler.descriptions()
	if len(offers) != 1 || offers[0].to != "bob" || offers[0].description.Type != webrtc.SDPTypeOffer {
		t.Fatalf("alice relayed %+v, want one offer to bob", offers)
	}
	if alice.Session("bob") != started {
		t.Fatal("Session(bob) is not the started session")
	}
	if state := started.State(); state != StateNegotiating {
		t.Errorf("State = %v, want negotiating", state)
	}

	err = bob.HandleSessionDescription(ctx, signaling.SessionDescriptionEvent{PeerID: "alice", Description: *offers[0].description})
	if err != nil {
		t.Fatalf("bob handling offer: %v", err)
	}
	answers := bob.signaler.descriptions()
	if len(answers) != 1 || answers[0].to != "alice" || answers[0].description.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("bob relayed %+v, want one answer to alice", answers)
	}
	answered := bob.Session("alice")
	if answered == nil {
		t.Fatal("bob has no session for alice")
	}

	for _, entry := range alice.signaler.candidates() {
		if err := bob.HandleICECandidate(ctx, signaling.ICECandidateEvent{PeerID: "alice", Candidate: *entry.candidate}); err != nil {
			t.Fatalf("bob handling candidate: %v", err)
		}
	}
	if err := alice.HandleSessionDescription(ctx, signaling.SessionDescriptionEvent{PeerID: "bob", Description: *answers[0].description}); err != nil {
		t.Fatalf("alice handling answer: %v", err)
	}
	for _, entry := range bob.signaler.candidates() {
		if err := alice.HandleICECandidate(ctx, signaling.ICECandidateEvent{PeerID: "bob", Candidate: *entry.candidate}); err != nil {
			t.Fatalf("alice handling candidate: %v", err)
		}
	}

	if err := started.WaitOpen(ctx); err != nil {
		t.Fatalf("alice WaitOpen: %v", err)
	}
	if err := answered.WaitOpen(ctx); err != nil {
		t.Fatalf("bob WaitOpen: %v", err)
	}

	if err := started.SendMessage(ctx, &schema.Message{ChatID: "bob", TextMessage: &schema.TextMessage{Text: "hi"}}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	received := testutil.RequireReceive(t, bob.messages.added, testTimeout, "bob storing alice's message")
	if received.ChatID != "alice" || received.Text() != "hi" {
		t.Errorf("bob stored %+v", received)
	}

	if alice.coordinator.Locks().Len() != 0 || bob.coordinator.Locks().Len() != 0 {
		t.Error("peer locks not released")
	}
}

func TestStartSessionTwiceFails(t *testing.T) {
	manager := newTestManager(t, transport.NewMemoryNetwork(nil), clock.Fake(testEpoch))
	ctx := context.Background()

	if _, err := manager.StartSession(ctx, "bob"); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	_, err := manager.StartSession(ctx, "bob")
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("second StartSession error = %v, want ErrSessionExists", err)
	}
	var initErr *transaction.InitError
	if !errors.As(err, &initErr) {
		t.Errorf("error %T is not a transaction init error", err)
	}
	if len(manager.signaler.descriptions()) != 1 {
		t.Errorf("relayed %d descriptions, want 1", len(manager.signaler.descriptions()))
	}
}

func TestStartSessionRollsBackOnNegotiationError(t *testing.T) {
	network := transport.NewMemoryNetwork(nil)
	manager := newTestManager(t, network, clock.Fake(testEpoch))
	errBoom := errors.New("boom")
	network.FailNext(transport.OpCreateOffer, errBoom)

	_, err := manager.StartSession(context.Background(), "bob")
	if !errors.Is(err, errBoom) {
		t.Fatalf("StartSession error = %v, want %v", err, errBoom)
	}
	if manager.Session("bob") != nil {
		t.Error("failed session left in the registry")
	}
	connections := network.Connections()
	if len(connections) != 1 || !connections[0].IsClosed() {
		t.Errorf("connection not closed by rollback")
	}
	if manager.coordinator.Locks().Len() != 0 {
		t.Error("peer lock not released")
	}

	// The peer can be retried once the failed attempt is gone.
	if _, err := manager.StartSession(context.Background(), "bob"); err != nil {
		t.Fatalf("retry StartSession: %v", err)
	}
}

func TestStartSessionRollsBackOnRelayError(t *testing.T) {
	manager := newTestManager(t, transport.NewMemoryNetwork(nil), clock.Fake(testEpoch))
	errRelay := errors.New("relay down")
	manager.signaler.fail = errRelay

	_, err := manager.StartSession(context.Background(), "bob")
	if !errors.Is(err, errRelay) {
		t.Fatalf("StartSession error = %v, want %v", err, errRelay)
	}
	if manager.Session("bob") != nil {
		t.Error("session kept after failed relay")
	}
}

func TestOfferFailureClosesNewSession(t *testing.T) {
	network := transport.NewMemoryNetwork(nil)
	manager := newTestManager(t, network, clock.Fake(testEpoch))
	offer := remoteOffer(t, network)
	errBoom := errors.New("no answer")
	network.FailNext(transport.OpCreateAnswer, errBoom)

	err := manager.HandleSessionDescription(context.Background(), signaling.SessionDescriptionEvent{PeerID: "carol", Description: offer})
	if !errors.Is(err, errBoom) {
		t.Fatalf("HandleSessionDescription error = %v, want %v", err, errBoom)
	}
	if manager.Session("carol") != nil {
		t.Error("session created by the failed offer was kept")
	}
}

func TestOfferFailureKeepsExistingSession(t *testing.T) {
	network := transport.NewMemoryNetwork(nil)
	manager := newTestManager(t, network, clock.Fake(testEpoch))
	ctx := context.Background()

	existing, err := manager.GetOrCreateSession("carol")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	network.FailNext(transport.OpSetRemoteDescription, errors.New("bad sdp"))
	if err := manager.HandleSessionDescription(ctx, signaling.SessionDescriptionEvent{PeerID: "carol", Description: remoteOffer(t, network)}); err == nil {
		t.Fatal("HandleSessionDescription succeeded with a failing remote description")
	}
	if manager.Session("carol") != existing || existing.State() == StateClosed {
		t.Error("rollback closed a session it did not create")
	}
}

func TestAnswerWithoutSession(t *testing.T) {
	network := transport.NewMemoryNetwork(nil)
	manager := newTestManager(t, network, clock.Fake(testEpoch))

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "memory:nobody"}
	err := manager.HandleSessionDescription(context.Background(), signaling.SessionDescriptionEvent{PeerID: "dave", Description: answer})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("error = %v, want ErrNoSession", err)
	}
	if manager.Session("dave") != nil {
		t.Error("answer created a session")
	}
}

func TestCandidateCreatesSessionAndUpserts(t *testing.T) {
	manager := newTestManager(t, transport.NewMemoryNetwork(nil), clock.Fake(testEpoch))

	upserts := make(chan *Session, 4)
	events.Subscribe(manager.Events(), UpsertTopic, func(session *Session) { upserts <- session })

	err := manager.HandleICECandidate(context.Background(), signaling.ICECandidateEvent{
		PeerID:    "erin",
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 9 typ host"},
	})
	if err != nil {
		t.Fatalf("HandleICECandidate: %v", err)
	}
	session := manager.Session("erin")
	if session == nil {
		t.Fatal("candidate did not create a session")
	}
	if session.State() != StateNegotiating {
		t.Errorf("State = %v, want negotiating", session.State())
	}
	if upserted := testutil.RequireReceive(t, upserts, testTimeout, "upsert"); upserted != session {
		t.Error("upsert carried a different session")
	}

	// A late subscriber sees the latest upsert at once.
	var replayed *Session
	events.Subscribe(manager.Events(), UpsertTopic, func(session *Session) { replayed = session })
	if replayed != session {
		t.Error("upsert not replayed to a late subscriber")
	}
}

func TestSessionCloseLeavesRegistry(t *testing.T) {
	manager := newTestManager(t, transport.NewMemoryNetwork(nil), clock.Fake(testEpoch))

	session, err := manager.GetOrCreateSession("bob")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	again, err := manager.GetOrCreateSession("bob")
	if err != nil || again != session {
		t.Fatalf("second GetOrCreateSession = %p, %v; want the same session", again, err)
	}

	session.Close()
	if manager.Session("bob") != nil {
		t.Fatal("closed session still registered")
	}
	replacement, err := manager.GetOrCreateSession("bob")
	if err != nil {
		t.Fatalf("GetOrCreateSession after close: %v", err)
	}
	if replacement == session {
		t.Error("closed session was reused")
	}

	manager.StopSession("bob")
	if replacement.State() != StateClosed || manager.Session("bob") != nil {
		t.Error("StopSession did not close and remove the session")
	}
	manager.StopSession("bob")
}

func TestManagerClose(t *testing.T) {
	manager := newTestManager(t, transport.NewMemoryNetwork(nil), clock.Fake(testEpoch))
	ctx := context.Background()

	first, err := manager.StartSession(ctx, "bob")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	second, err := manager.GetOrCreateSession("carol")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if sessions := manager.Sessions(); len(sessions) != 2 || sessions[0] != first || sessions[1] != second {
		t.Fatalf("Sessions = %v", sessions)
	}

	manager.Close()
	if first.State() != StateClosed || second.State() != StateClosed {
		t.Error("Close left sessions open")
	}
	if len(manager.Sessions()) != 0 {
		t.Error("registry not empty after Close")
	}
	if _, err := manager.StartSession(ctx, "dave"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("StartSession after Close = %v, want ErrManagerClosed", err)
	}
}

func TestListenHandlesSignalingEvents(t *testing.T) {
	network := transport.NewMemoryNetwork(nil)
	manager := newTestManager(t, network, clock.Fake(testEpoch))
	bus := events.NewBus(false, nil)

	stop := manager.Listen(bus)
	events.Publish(bus, signaling.SessionDescriptionTopic, signaling.SessionDescriptionEvent{
		PeerID: "dave", Description: remoteOffer(t, network),
	})
	if manager.Session("dave") == nil {
		t.Fatal("offer from the bus did not create a session")
	}
	answers := manager.signaler.descriptions()
	if len(answers) != 1 || answers[0].to != "dave" {
		t.Fatalf("relayed %+v, want one answer to dave", answers)
	}

	// Handler errors are logged, not fatal.
	events.Publish(bus, signaling.SessionDescriptionTopic, signaling.SessionDescriptionEvent{
		PeerID:      "nobody",
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "memory:x"},
	})

	stop()
	events.Publish(bus, signaling.ICECandidateTopic, signaling.ICECandidateEvent{PeerID: "erin"})
	if manager.Session("erin") != nil {
		t.Error("events still handled after unsubscribing")
	}
}

// hookedFactory calls onAdd before each AddICECandidate reaches the
// memory connection.
type hookedFactory struct {
	network *transport.MemoryNetwork
	onAdd   func(candidate webrtc.ICECandidateInit)
}

func (f *hookedFactory) NewConnection() (transport.Connection, error) {
	inner, err := f.network.NewConnection()
	if err != nil {
		return nil, err
	}
	return &hookedConnection{Connection: inner, onAdd: f.onAdd}, nil
}

type hookedConnection struct {
	transport.Connection
	onAdd func(candidate webrtc.ICECandidateInit)
}

func (c *hookedConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.onAdd(candidate)
	return c.Connection.AddICECandidate(candidate)
}

func TestSamePeerCandidatesSerialize(t *testing.T) {
	network := transport.NewMemoryNetwork(nil)
	var active, overlaps atomic.Int32
	factory := &hookedFactory{network: network, onAdd: func(webrtc.ICECandidateInit) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(20 * time.Millisecond) //nolint:realclock widen the overlap window
		active.Add(-1)
	}}
	manager := newTestManager(t, factory, clock.Fake(testEpoch))
	ctx := context.Background()

	if err := manager.HandleSessionDescription(ctx, signaling.SessionDescriptionEvent{PeerID: "carol", Description: remoteOffer(t, network)}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	var waitGroup sync.WaitGroup
	failures := make(chan error, 2)
	for _, candidate := range []string{"candidate:a", "candidate:b"} {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			failures <- manager.HandleICECandidate(ctx, signaling.ICECandidateEvent{
				PeerID:    "carol",
				Candidate: webrtc.ICECandidateInit{Candidate: candidate},
			})
		}()
	}
	waitGroup.Wait()
	close(failures)
	for err := range failures {
		if err != nil {
			t.Errorf("HandleICECandidate: %v", err)
		}
	}

	if overlaps.Load() != 0 {
		t.Errorf("candidate handling for one peer overlapped %d times", overlaps.Load())
	}
	memory := manager.Session("carol").Connection().(*hookedConnection).Connection.(*transport.MemoryConnection)
	if applied := memory.Candidates(); len(applied) != 2 {
		t.Errorf("applied %d candidates, want 2", len(applied))
	}
}

func TestDifferentPeersDoNotBlock(t *testing.T) {
	network := transport.NewMemoryNetwork(nil)
	release := make(chan struct{})
	entered := make(chan string, 4)
	factory := &hookedFactory{network: network, onAdd: func(candidate webrtc.ICECandidateInit) {
		entered <- candidate.Candidate
		if candidate.Candidate == "candidate:blocked" {
			<-release
		}
	}}
	manager := newTestManager(t, factory, clock.Fake(testEpoch))
	ctx := context.Background()

	for _, peer := range []string{"p1", "p2"} {
		if err := manager.HandleSessionDescription(ctx, signaling.SessionDescriptionEvent{PeerID: peer, Description: remoteOffer(t, network)}); err != nil {
			t.Fatalf("offer from %s: %v", peer, err)
		}
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- manager.HandleICECandidate(ctx, signaling.ICECandidateEvent{
			PeerID: "p1", Candidate: webrtc.ICECandidateInit{Candidate: "candidate:blocked"},
		})
	}()
	if got := testutil.RequireReceive(t, entered, testTimeout, "p1 candidate started"); got != "candidate:blocked" {
		t.Fatalf("first candidate = %q", got)
	}

	// p2 completes while p1 still holds its own lock.
	if err := manager.HandleICECandidate(ctx, signaling.ICECandidateEvent{
		PeerID: "p2", Candidate: webrtc.ICECandidateInit{Candidate: "candidate:free"},
	}); err != nil {
		t.Fatalf("p2 candidate: %v", err)
	}

	close(release)
	if err := testutil.RequireReceive(t, blocked, testTimeout, "p1 candidate finished"); err != nil {
		t.Fatalf("p1 candidate: %v", err)
	}
}
