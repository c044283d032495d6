// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/chatlink/lib/events"
	"github.com/bureau-foundation/chatlink/lib/transaction"
	"github.com/bureau-foundation/chatlink/signaling"
	"github.com/bureau-foundation/chatlink/transport"
)

var (
	// ErrSessionExists is returned (inside a *transaction.InitError)
	// by StartSession when the peer already has a session.
	ErrSessionExists = errors.New("session already exists")

	// ErrNoSession is returned when an answer arrives for a peer with
	// no session.
	ErrNoSession = errors.New("no session for peer")

	// ErrManagerClosed is returned by every operation after Close.
	ErrManagerClosed = errors.New("session manager closed")
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Session settings shared by every session the manager creates.
	Session Config

	// Factory creates the peer connections. Required.
	Factory transport.Factory

	// Coordinator serializes per-peer work. Nil creates a private one.
	Coordinator *transaction.Coordinator
}

// Manager owns at most one Session per peer.
type Manager struct {
	config      Config
	factory     transport.Factory
	coordinator *transaction.Coordinator
	logger      *slog.Logger
	bus         *events.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager returns a manager with no sessions.
func NewManager(config ManagerConfig) *Manager {
	sessionConfig := config.Session.withDefaults()
	coordinator := config.Coordinator
	if coordinator == nil {
		coordinator = transaction.NewCoordinator(sessionConfig.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:      sessionConfig,
		factory:     config.Factory,
		coordinator: coordinator,
		logger:      sessionConfig.Logger,
		bus:         events.NewBus(true, sessionConfig.Logger),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}
}

// Events carries UpsertTopic and replays the latest session to new
// subscribers.
func (m *Manager) Events() *events.Bus { return m.bus }

// Session returns the peer's session, or nil.
func (m *Manager) Session(peerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[peerID]
}

// Sessions returns every live session ordered by peer id.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()
	slices.SortFunc(sessions, func(a, b *Session) int {
		switch {
		case a.peerID < b.peerID:
			return -1
		case a.peerID > b.peerID:
			return 1
		}
		return 0
	})
	return sessions
}

// GetOrCreateSession returns the peer's session, creating it (and its
// connection) if needed.
func (m *Manager) GetOrCreateSession(peerID string) (*Session, error) {
	session, _, err := m.getOrCreate(peerID)
	return session, err
}

func (m *Manager) getOrCreate(peerID string) (*Session, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrManagerClosed
	}
	if existing := m.sessions[peerID]; existing != nil {
		m.mu.Unlock()
		return existing, false, nil
	}
	m.mu.Unlock()

	connection, err := m.factory.NewConnection()
	if err != nil {
		return nil, false, fmt.Errorf("creating connection for %s: %w", peerID, err)
	}
	session := newSession(peerID, connection, m.config)
	// Closing is the only way out of the registry.
	events.Once(session.Events(), CloseTopic, func(CloseEvent) {
		m.remove(peerID, session)
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		session.Close()
		return nil, false, ErrManagerClosed
	}
	if existing := m.sessions[peerID]; existing != nil {
		m.mu.Unlock()
		session.Close()
		return existing, false, nil
	}
	m.sessions[peerID] = session
	m.mu.Unlock()

	session.attach()

	m.logger.Info("session created", "peer", peerID)
	events.Publish(m.bus, UpsertTopic, session)
	return session, true, nil
}

func (m *Manager) remove(peerID string, session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[peerID] == session {
		delete(m.sessions, peerID)
	}
}

// created records a session made inside a transaction so its rollback
// can close it.
type created struct {
	session *Session
}

func closeCreated(_ context.Context, data *created) error {
	if data.session != nil {
		data.session.Close()
	}
	return nil
}

// StartSession creates a session for peerID, opens its chat channel
// and relays an offer. It returns once the offer is sent; use
// Session.WaitOpen to wait for the channel. A session that already
// exists fails the call with ErrSessionExists.
func (m *Manager) StartSession(ctx context.Context, peerID string) (*Session, error) {
	return transaction.Run(ctx, m.coordinator, []string{peerID},
		func(context.Context) (*created, error) {
			if m.Session(peerID) != nil {
				return nil, fmt.Errorf("%w: %s", ErrSessionExists, peerID)
			}
			return &created{}, nil
		},
		func(_ context.Context, data *created) (*Session, error) {
			session, _, err := m.getOrCreate(peerID)
			if err != nil {
				return nil, err
			}
			data.session = session

			if err := session.SetupChannel(); err != nil {
				return nil, err
			}
			offer, err := session.CreateOffer()
			if err != nil {
				return nil, err
			}
			if err := session.SetLocalDescription(offer); err != nil {
				return nil, err
			}
			if err := m.config.Signaler.RelaySDP(peerID, offer); err != nil {
				return nil, fmt.Errorf("relaying offer to %s: %w", peerID, err)
			}
			return session, nil
		},
		closeCreated,
	)
}

// StopSession closes the peer's session if there is one.
func (m *Manager) StopSession(peerID string) {
	if session := m.Session(peerID); session != nil {
		session.Close()
	}
}

// HandleSessionDescription applies an offer or answer from the relay.
// An offer creates the session if needed and is answered.
func (m *Manager) HandleSessionDescription(ctx context.Context, event signaling.SessionDescriptionEvent) error {
	peerID := event.PeerID
	description := event.Description

	_, err := transaction.Run(ctx, m.coordinator, []string{peerID},
		func(context.Context) (*created, error) { return &created{}, nil },
		func(_ context.Context, data *created) (struct{}, error) {
			switch description.Type {
			case webrtc.SDPTypeOffer:
				session, isNew, err := m.getOrCreate(peerID)
				if err != nil {
					return struct{}{}, err
				}
				if isNew {
					data.session = session
				}
				if err := session.SetRemoteDescription(description); err != nil {
					return struct{}{}, err
				}
				answer, err := session.CreateAnswer()
				if err != nil {
					return struct{}{}, err
				}
				if err := session.SetLocalDescription(answer); err != nil {
					return struct{}{}, err
				}
				if err := m.config.Signaler.RelaySDP(peerID, answer); err != nil {
					return struct{}{}, fmt.Errorf("relaying answer to %s: %w", peerID, err)
				}
			case webrtc.SDPTypeAnswer:
				session := m.Session(peerID)
				if session == nil {
					return struct{}{}, fmt.Errorf("%w: answer from %s", ErrNoSession, peerID)
				}
				if err := session.SetRemoteDescription(description); err != nil {
					return struct{}{}, err
				}
			default:
				m.logger.Debug("ignoring session description", "peer", peerID, "type", description.Type.String())
			}
			return struct{}{}, nil
		},
		closeCreated,
	)
	return err
}

// HandleICECandidate applies a remote candidate, creating the session
// if needed.
func (m *Manager) HandleICECandidate(ctx context.Context, event signaling.ICECandidateEvent) error {
	peerID := event.PeerID

	_, err := transaction.Run(ctx, m.coordinator, []string{peerID},
		func(context.Context) (*created, error) { return &created{}, nil },
		func(_ context.Context, data *created) (struct{}, error) {
			session, isNew, err := m.getOrCreate(peerID)
			if err != nil {
				return struct{}{}, err
			}
			if isNew {
				data.session = session
			}
			return struct{}{}, session.AddICECandidate(event.Candidate)
		},
		closeCreated,
	)
	return err
}

// Listen feeds a signaling client's events into the manager. Handler
// errors are logged; there is nobody to return them to. The returned
// function unsubscribes.
func (m *Manager) Listen(bus *events.Bus) (cancel func()) {
	cancelDescriptions := events.Subscribe(bus, signaling.SessionDescriptionTopic, func(event signaling.SessionDescriptionEvent) {
		if err := m.HandleSessionDescription(m.ctx, event); err != nil {
			m.logger.Warn("handling session description failed",
				"peer", event.PeerID,
				"type", event.Description.Type.String(),
				"error", err,
			)
		}
	})
	cancelCandidates := events.Subscribe(bus, signaling.ICECandidateTopic, func(event signaling.ICECandidateEvent) {
		if err := m.HandleICECandidate(m.ctx, event); err != nil {
			m.logger.Warn("handling ICE candidate failed", "peer", event.PeerID, "error", err)
		}
	})
	return func() {
		cancelDescriptions()
		cancelCandidates()
	}
}

// Close closes every session. Later calls are no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	m.cancel()
	for _, session := range sessions {
		session.Close()
	}
}
