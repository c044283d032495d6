// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/chatlink/lib/clock"
	"github.com/bureau-foundation/chatlink/lib/events"
	"github.com/bureau-foundation/chatlink/lib/schema"
	"github.com/bureau-foundation/chatlink/peerwire"
	"github.com/bureau-foundation/chatlink/transport"
)

// ChannelLabel is the label of the data channel carrying chat frames.
const ChannelLabel = "chat"

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
)

var (
	// ErrNotOpen is returned by sends on a session without an open
	// data channel.
	ErrNotOpen = errors.New("session is not open")

	// ErrClosed is returned by operations on a closed session. It is
	// the error pending requests are rejected with.
	ErrClosed = peerwire.ErrClosed

	// ErrIdleTimeout is the close cause when no heartbeat round trip
	// completes within the idle timeout.
	ErrIdleTimeout = errors.New("peer idle timeout")

	errChannelClosed = errors.New("data channel closed")
)

// State is a session's lifecycle position.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Signaler relays negotiation data to a peer. signaling.Client
// satisfies it.
type Signaler interface {
	RelaySDP(peerID string, description webrtc.SessionDescription) error
	RelayICE(peerID string, candidate webrtc.ICECandidateInit) error
}

// Messages is the message history a session reads and writes.
// messagestore.Store satisfies it.
type Messages interface {
	Add(ctx context.Context, message *schema.Message) error
	Get(ctx context.Context, chatID, id string) (*schema.Message, error)
	Update(ctx context.Context, message *schema.Message) error
	Delete(ctx context.Context, chatID, id string, sync bool) error
}

// Config holds what every session needs. Signaler and Messages are
// required.
type Config struct {
	Signaler Signaler
	Messages Messages

	// Clock drives the heartbeat and idle watchdog. Nil means
	// clock.Real().
	Clock clock.Clock

	Logger *slog.Logger

	// HeartbeatInterval and IdleTimeout default to 15s and 60s.
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Session is the connection to one peer. Its methods are safe for
// concurrent use.
type Session struct {
	peerID     string
	connection transport.Connection
	config     Config
	logger     *slog.Logger
	bus        *events.Bus
	correlator *peerwire.Correlator

	// ctx bounds collaborator calls and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	opened chan struct{}
	done   chan struct{}

	mu               sync.Mutex
	state            State
	channel          transport.Channel
	subscriptions    []func()
	pingID           string
	heartbeatStop    chan struct{}
	watchdog         *clock.Timer
	remoteDescribed  bool
	queuedCandidates []webrtc.ICECandidateInit
	remoteChatState  schema.ChatState
	localChatState   schema.ChatState
	closeErr         error
}

// NewSession wraps connection for peerID and starts listening to its
// events. The session owns connection from here on.
func NewSession(peerID string, connection transport.Connection, config Config) *Session {
	session := newSession(peerID, connection, config)
	session.attach()
	return session
}

func newSession(peerID string, connection transport.Connection, config Config) *Session {
	config = config.withDefaults()
	logger := config.Logger.With("peer", peerID)
	ctx, cancel := context.WithCancel(context.Background())

	session := &Session{
		peerID:          peerID,
		connection:      connection,
		config:          config,
		logger:          logger,
		bus:             events.NewBus(false, logger),
		ctx:             ctx,
		cancel:          cancel,
		opened:          make(chan struct{}),
		done:            make(chan struct{}),
		state:           StateNew,
		remoteChatState: schema.Paused(config.Clock.Now().UnixMilli()),
		localChatState:  schema.Idle(),
	}
	session.correlator = peerwire.NewCorrelator(senderFunc(session.sendRaw))
	return session
}

// attach subscribes to the connection. Separate from construction so
// the manager can observe CloseTopic before any connection event can
// close the session.
func (s *Session) attach() {
	bus := s.connection.Events()
	s.track(
		events.Subscribe(bus, transport.ChannelReceivedTopic, func(channel transport.Channel) {
			if !s.adoptChannel(channel) {
				s.logger.Debug("ignoring extra data channel", "label", channel.Label())
			}
		}),
		events.Subscribe(bus, transport.LocalCandidateTopic, func(candidate webrtc.ICECandidateInit) {
			if err := s.config.Signaler.RelayICE(s.peerID, candidate); err != nil {
				s.logger.Warn("relaying local ICE candidate failed", "error", err)
			}
		}),
		events.Subscribe(bus, transport.ConnectionStateTopic, func(state string) {
			s.logger.Info("peer connection state changed", "state", state)
			events.Publish(s.bus, ConnectionStateTopic, StateChangeEvent{PeerID: s.peerID, State: state})
			if state == transport.ConnectionStateFailed || state == transport.ConnectionStateClosed {
				s.closeWith(fmt.Errorf("peer connection %s", state))
			}
		}),
		events.Subscribe(bus, transport.ICEConnectionStateTopic, func(state string) {
			s.logger.Debug("ICE connection state changed", "state", state)
			events.Publish(s.bus, ICEConnectionStateTopic, StateChangeEvent{PeerID: s.peerID, State: state})
		}),
		events.Subscribe(bus, transport.ICEGatheringStateTopic, func(state string) {
			events.Publish(s.bus, ICEGatheringStateTopic, StateChangeEvent{PeerID: s.peerID, State: state})
		}),
		events.Subscribe(bus, transport.SignalingStateTopic, func(state string) {
			s.logger.Debug("signaling state changed", "state", state)
			events.Publish(s.bus, SignalingStateTopic, StateChangeEvent{PeerID: s.peerID, State: state})
		}),
	)
}

// track keeps cancel functions for Close, or runs them at once if the
// session already closed.
func (s *Session) track(cancels ...func()) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.subscriptions = append(s.subscriptions, cancels...)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// PeerID returns the remote peer's id.
func (s *Session) PeerID() string { return s.peerID }

// Events carries the session topics. The bus does not replay, and it
// is emptied when the session closes.
func (s *Session) Events() *events.Bus { return s.bus }

// Connection returns the underlying negotiated connection.
func (s *Session) Connection() transport.Connection { return s.connection }

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the close cause, or nil while open or after an explicit
// Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// WaitOpen blocks until the data channel opens. It returns ErrClosed
// once the session has closed, even if it was open before.
func (s *Session) WaitOpen(ctx context.Context) error {
	select {
	case <-s.opened:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
		return nil
	}
}

// RemoteChatState returns the peer's last announced typing state.
func (s *Session) RemoteChatState() schema.ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteChatState
}

// LocalChatState returns the typing state last sent to the peer.
func (s *Session) LocalChatState() schema.ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localChatState
}

// PendingRequests reports how many correlated requests await a reply.
func (s *Session) PendingRequests() int { return s.correlator.Pending() }

// beginNegotiation moves New to Negotiating.
func (s *Session) beginNegotiation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateNew:
		s.state = StateNegotiating
	}
	return nil
}

// SetupChannel creates the local chat channel.
func (s *Session) SetupChannel() error {
	if err := s.beginNegotiation(); err != nil {
		return err
	}
	channel, err := s.connection.CreateChannel(ChannelLabel)
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	if !s.adoptChannel(channel) {
		channel.Close()
		return fmt.Errorf("creating data channel: session already has one")
	}
	return nil
}

// CreateOffer creates a local offer.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	if err := s.beginNegotiation(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := s.connection.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer answers the applied remote offer.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	if err := s.beginNegotiation(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := s.connection.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	return answer, nil
}

// SetLocalDescription applies a local offer or answer.
func (s *Session) SetLocalDescription(description webrtc.SessionDescription) error {
	if err := s.beginNegotiation(); err != nil {
		return err
	}
	if err := s.connection.SetLocalDescription(description); err != nil {
		return fmt.Errorf("setting local %s: %w", description.Type, err)
	}
	return nil
}

// SetRemoteDescription applies the peer's offer or answer, then any
// candidates that arrived ahead of it.
func (s *Session) SetRemoteDescription(description webrtc.SessionDescription) error {
	if err := s.beginNegotiation(); err != nil {
		return err
	}
	if err := s.connection.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote %s: %w", description.Type, err)
	}

	s.mu.Lock()
	s.remoteDescribed = true
	queued := s.queuedCandidates
	s.queuedCandidates = nil
	s.mu.Unlock()

	for _, candidate := range queued {
		if err := s.connection.AddICECandidate(candidate); err != nil {
			s.logger.Warn("applying queued ICE candidate failed", "error", err)
		}
	}
	return nil
}

// AddICECandidate applies a remote candidate. Candidates that arrive
// before the remote description are queued until it is set.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := s.beginNegotiation(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.remoteDescribed {
		s.queuedCandidates = append(s.queuedCandidates, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.connection.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// adoptChannel installs channel as the session's data channel unless
// one is already installed.
func (s *Session) adoptChannel(channel transport.Channel) bool {
	s.mu.Lock()
	if s.channel != nil || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.channel = channel
	if s.state == StateNew {
		s.state = StateNegotiating
	}
	s.mu.Unlock()

	bus := channel.Events()
	s.track(
		events.Subscribe(bus, transport.ChannelOpenTopic, func(struct{}) { s.channelOpened() }),
		events.Subscribe(bus, transport.ChannelClosingTopic, func(struct{}) { s.channelClosing() }),
		events.Subscribe(bus, transport.ChannelCloseTopic, func(struct{}) { s.closeWith(errChannelClosed) }),
		events.Subscribe(bus, transport.ChannelErrorTopic, func(err error) {
			s.logger.Warn("data channel error", "error", err)
		}),
		events.Subscribe(bus, transport.ChannelMessageTopic, s.receive),
	)

	// The channel may have opened before the subscriptions existed.
	if channel.ReadyState() == transport.ReadyStateOpen {
		s.channelOpened()
	}
	return true
}

func (s *Session) channelOpened() {
	s.mu.Lock()
	if s.state != StateNew && s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = StateOpen
	close(s.opened)

	stop := make(chan struct{})
	s.heartbeatStop = stop
	ticker := s.config.Clock.NewTicker(s.config.HeartbeatInterval)
	s.watchdog = s.config.Clock.AfterFunc(s.config.IdleTimeout, func() {
		s.logger.Warn("no heartbeat within idle timeout", "timeout", s.config.IdleTimeout)
		s.closeWith(ErrIdleTimeout)
	})
	s.mu.Unlock()

	go s.heartbeat(ticker, stop)
	s.logger.Info("data channel open")
	events.Publish(s.bus, OpenTopic, OpenEvent{PeerID: s.peerID})
}

func (s *Session) channelClosing() {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.stopLivenessLocked()
	s.mu.Unlock()

	s.logger.Info("data channel closing")
	events.Publish(s.bus, ClosingTopic, ClosingEvent{PeerID: s.peerID})
}

// stopLivenessLocked stops the heartbeat loop and the idle watchdog.
func (s *Session) stopLivenessLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.pingID = ""
}

func (s *Session) heartbeat(ticker *clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ping()
		case <-stop:
			return
		}
	}
}

// ping sends one heartbeat unless one is already in flight.
func (s *Session) ping() {
	now := s.config.Clock.Now()

	s.mu.Lock()
	if s.state != StateOpen || s.pingID != "" {
		s.mu.Unlock()
		return
	}
	id := "ping-" + uuid.NewString()
	s.pingID = id
	s.mu.Unlock()

	// The reply is handled in receive; the Call itself is not needed.
	if _, err := s.correlator.Start(peerwire.Frame{ID: id, Ping: &peerwire.Ping{Timestamp: now.UnixMilli()}}); err != nil {
		s.mu.Lock()
		if s.pingID == id {
			s.pingID = ""
		}
		s.mu.Unlock()
		s.logger.Warn("sending ping failed", "error", err)
	}
}

// refresh re-arms the idle watchdog.
func (s *Session) refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen && s.watchdog != nil {
		s.watchdog.Reset(s.config.IdleTimeout)
	}
}

func (s *Session) sendRaw(data []byte) error {
	s.mu.Lock()
	channel, state := s.channel, s.state
	s.mu.Unlock()
	if channel == nil || state != StateOpen {
		return ErrNotOpen
	}
	return channel.Send(data)
}

func (s *Session) requireOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil || s.state != StateOpen {
		return ErrNotOpen
	}
	return nil
}

// SendPendingMessage transmits message and returns the call that
// completes when the peer acknowledges it. An empty message ID is
// filled in.
func (s *Session) SendPendingMessage(message *schema.Message) (*peerwire.Call, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	call, err := s.correlator.Start(peerwire.Frame{ID: uuid.NewString(), Message: message.WireCopy()})
	if err != nil {
		return nil, fmt.Errorf("sending message %s: %w", message.ID, err)
	}
	return call, nil
}

// SendMessage transmits message and waits for the acknowledgment.
func (s *Session) SendMessage(ctx context.Context, message *schema.Message) error {
	call, err := s.SendPendingMessage(message)
	if err != nil {
		return err
	}
	if _, err := call.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for acknowledgment of %s: %w", message.ID, err)
	}
	return nil
}

// DeleteMessage tells the peer to drop messageID.
func (s *Session) DeleteMessage(messageID string) error {
	return s.sendOneWay(peerwire.Frame{DeleteMessage: &peerwire.DeleteMessage{MessageID: messageID}})
}

// SendRead tells the peer its message messageID was read at
// unixMillis.
func (s *Session) SendRead(messageID string, unixMillis int64) error {
	return s.sendOneWay(peerwire.Frame{Read: &peerwire.Read{
		ChatID:    s.peerID,
		MessageID: messageID,
		Timestamp: unixMillis,
	}})
}

// SetChatState announces the local typing state.
func (s *Session) SetChatState(state schema.ChatState) error {
	if err := s.sendOneWay(peerwire.Frame{ChatState: &state}); err != nil {
		return err
	}
	s.mu.Lock()
	s.localChatState = state
	s.mu.Unlock()
	return nil
}

func (s *Session) sendOneWay(frame peerwire.Frame) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.correlator.Send(frame)
}

// receive dispatches one inbound data-channel message.
func (s *Session) receive(data []byte) {
	frame, err := peerwire.Decode(data)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
		return
	}

	if frame.ID != "" && s.correlator.Resolve(frame) {
		s.completePing(frame.ID)
		return
	}

	switch {
	case frame.Ping != nil:
		pong := peerwire.Frame{ID: frame.ID, Pong: &peerwire.Pong{Timestamp: s.config.Clock.Now().UnixMilli()}}
		if err := s.correlator.Send(pong); err != nil {
			s.logger.Warn("sending pong failed", "error", err)
		}
		s.refresh()
	case frame.Message != nil:
		s.receiveMessage(frame.ID, frame.Message)
	case frame.DeleteMessage != nil:
		if err := s.config.Messages.Delete(s.ctx, s.peerID, frame.DeleteMessage.MessageID, false); err != nil {
			s.logger.Warn("applying remote delete failed", "message", frame.DeleteMessage.MessageID, "error", err)
		}
	case frame.ChatState != nil:
		s.mu.Lock()
		s.remoteChatState = *frame.ChatState
		s.mu.Unlock()
		events.Publish(s.bus, ChatStateTopic, ChatStateEvent{PeerID: s.peerID, State: *frame.ChatState})
	case frame.Read != nil:
		s.receiveRead(frame.Read)
	}
}

// completePing clears the in-flight ping when id is its reply.
func (s *Session) completePing(id string) {
	s.mu.Lock()
	matched := s.pingID == id
	if matched {
		s.pingID = ""
	}
	s.mu.Unlock()
	if matched {
		s.refresh()
	}
}

func (s *Session) receiveMessage(frameID string, wire *schema.Message) {
	message := *wire.WireCopy()
	message.ChatID = s.peerID
	message.FromMe = false
	message.SenderID = s.peerID

	// An id already stored is either a retransmission whose ack was
	// lost, which is acked again without storing, or a collision with
	// one of our own messages, which is refused and left unacked.
	if existing, err := s.config.Messages.Get(s.ctx, s.peerID, message.ID); err == nil {
		if existing.FromMe {
			s.logger.Warn("refusing inbound message that reuses a sent message id", "message", message.ID)
			return
		}
		s.ack(frameID, message.ID)
		return
	}

	// Unacknowledged messages let the sender mark them failed.
	if err := s.config.Messages.Add(s.ctx, &message); err != nil {
		s.logger.Error("storing inbound message failed", "message", message.ID, "error", err)
		return
	}
	s.ack(frameID, message.ID)
}

func (s *Session) ack(frameID, messageID string) {
	if frameID == "" {
		return
	}
	if err := s.correlator.Send(peerwire.Ack(frameID)); err != nil {
		s.logger.Warn("acknowledging message failed", "message", messageID, "error", err)
	}
}

func (s *Session) receiveRead(read *peerwire.Read) {
	message, err := s.config.Messages.Get(s.ctx, s.peerID, read.MessageID)
	if err != nil {
		s.logger.Warn("read receipt for unknown message", "message", read.MessageID, "error", err)
		return
	}
	timestamp := read.Timestamp
	message.ReadTimestamp = &timestamp
	if message.FromMe {
		message.Status = schema.StatusRead
	}
	if err := s.config.Messages.Update(s.ctx, message); err != nil {
		s.logger.Warn("recording read receipt failed", "message", read.MessageID, "error", err)
	}
}

// Close closes the session. It is idempotent.
func (s *Session) Close() {
	s.closeWith(nil)
}

func (s *Session) closeWith(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	previous := s.state
	s.state = StateClosed
	s.closeErr = cause
	s.stopLivenessLocked()
	channel := s.channel
	subscriptions := s.subscriptions
	s.subscriptions = nil
	s.mu.Unlock()

	s.correlator.Close(cause)
	for _, cancel := range subscriptions {
		cancel()
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			s.logger.Debug("closing data channel", "error", err)
		}
	}
	if err := s.connection.Close(); err != nil {
		s.logger.Debug("closing peer connection", "error", err)
	}
	s.cancel()
	close(s.done)

	s.logger.Info("session closed", "from", previous.String(), "cause", cause)
	events.Publish(s.bus, CloseTopic, CloseEvent{PeerID: s.peerID, Err: cause})
	s.bus.Reset()
}

// senderFunc adapts a function to peerwire.Sender.
type senderFunc func([]byte) error

func (f senderFunc) Send(data []byte) error { return f(data) }
