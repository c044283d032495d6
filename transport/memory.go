// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/chatlink/lib/events"
)

// Compile-time interface checks.
var (
	_ Factory    = (*MemoryNetwork)(nil)
	_ Connection = (*MemoryConnection)(nil)
	_ Channel    = (*MemoryChannel)(nil)
)

const memorySDPPrefix = "memory:"

// Operation names a Connection method for failure injection.
type Operation string

const (
	OpNewConnection        Operation = "NewConnection"
	OpCreateChannel        Operation = "CreateChannel"
	OpCreateOffer          Operation = "CreateOffer"
	OpCreateAnswer         Operation = "CreateAnswer"
	OpSetLocalDescription  Operation = "SetLocalDescription"
	OpSetRemoteDescription Operation = "SetRemoteDescription"
	OpAddICECandidate      Operation = "AddICECandidate"
)

// MemoryNetwork is an in-process Factory for tests. Connections created
// by one network negotiate with each other through ordinary
// offer/answer exchange: the "SDP" names the connection that produced
// it, and applying an answer links the two ends and opens every channel
// the offerer created. Messages between linked channels are delivered
// asynchronously, in order.
//
// Unlinked connections are useful on their own: tests drive them with
// the control methods (ReceiveChannel, SetState, EmitLocalCandidate,
// and the MemoryChannel controls) to script any sequence of transport
// events.
type MemoryNetwork struct {
	logger *slog.Logger

	mu          sync.Mutex
	next        int
	connections map[string]*MemoryConnection
	failures    map[Operation]error
	created     chan *MemoryConnection
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork(logger *slog.Logger) *MemoryNetwork {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MemoryNetwork{
		logger:      logger,
		connections: make(map[string]*MemoryConnection),
		failures:    make(map[Operation]error),
		created:     make(chan *MemoryConnection, 64),
	}
}

// FailNext makes the next call of op, on any connection of this
// network, return err.
func (n *MemoryNetwork) FailNext(op Operation, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[op] = err
}

func (n *MemoryNetwork) takeFailure(op Operation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.failures[op]
	delete(n.failures, op)
	return err
}

// Created delivers every connection the network creates.
func (n *MemoryNetwork) Created() <-chan *MemoryConnection { return n.created }

// Connections returns every connection created so far.
func (n *MemoryNetwork) Connections() []*MemoryConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]*MemoryConnection, 0, len(n.connections))
	for index := 1; index <= n.next; index++ {
		if connection, ok := n.connections[memoryID(index)]; ok {
			result = append(result, connection)
		}
	}
	return result
}

func memoryID(index int) string { return fmt.Sprintf("mem-%d", index) }

// NewConnection creates a connection on the network.
func (n *MemoryNetwork) NewConnection() (Connection, error) {
	if err := n.takeFailure(OpNewConnection); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.next++
	connection := &MemoryConnection{
		id:      memoryID(n.next),
		network: n,
		bus:     events.NewBus(false, n.logger),
	}
	n.connections[connection.id] = connection
	n.mu.Unlock()

	select {
	case n.created <- connection:
	default:
	}
	return connection, nil
}

func (n *MemoryNetwork) lookup(id string) *MemoryConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connections[id]
}

// MemoryConnection is one end of an in-process connection.
type MemoryConnection struct {
	id      string
	network *MemoryNetwork
	bus     *events.Bus

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	peer       *MemoryConnection
	channels   []*MemoryChannel
	candidates []webrtc.ICECandidateInit
	closed     bool
}

var errMemoryClosed = errors.New("memory connection closed")

// ID identifies the connection within its network.
func (c *MemoryConnection) ID() string { return c.id }

func (c *MemoryConnection) Events() *events.Bus { return c.bus }

func (c *MemoryConnection) precheck(op Operation) error {
	if err := c.network.takeFailure(op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s: %w", op, errMemoryClosed)
	}
	return nil
}

func (c *MemoryConnection) CreateChannel(label string) (Channel, error) {
	if err := c.precheck(OpCreateChannel); err != nil {
		return nil, err
	}
	channel := newMemoryChannel(label, c.network.logger)
	c.mu.Lock()
	c.channels = append(c.channels, channel)
	c.mu.Unlock()
	return channel, nil
}

func (c *MemoryConnection) CreateOffer() (webrtc.SessionDescription, error) {
	if err := c.precheck(OpCreateOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: memorySDPPrefix + c.id}, nil
}

func (c *MemoryConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	if err := c.precheck(OpCreateAnswer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote == nil || remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("creating answer: no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: memorySDPPrefix + c.id}, nil
}

// SetLocalDescription records the description and trickles one host
// candidate naming this connection.
func (c *MemoryConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	if err := c.precheck(OpSetLocalDescription); err != nil {
		return err
	}
	c.mu.Lock()
	c.local = &description
	c.mu.Unlock()

	events.Publish(c.bus, SignalingStateTopic, signalingStateAfter(description.Type, true))
	events.Publish(c.bus, ICEGatheringStateTopic, "gathering")
	events.Publish(c.bus, LocalCandidateTopic, webrtc.ICECandidateInit{
		Candidate: "candidate:memory 1 udp 1 127.0.0.1 9 typ host " + c.id,
	})
	events.Publish(c.bus, ICEGatheringStateTopic, "complete")
	return nil
}

// SetRemoteDescription records the description. Applying an answer
// links this connection with the answerer and opens the offerer's
// channels on both ends.
func (c *MemoryConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	if err := c.precheck(OpSetRemoteDescription); err != nil {
		return err
	}
	var peer *MemoryConnection
	if peerID, ok := strings.CutPrefix(description.SDP, memorySDPPrefix); ok {
		peer = c.network.lookup(peerID)
	}
	if peer == nil {
		return fmt.Errorf("setting remote description: unknown memory SDP %q", description.SDP)
	}

	c.mu.Lock()
	c.remote = &description
	c.peer = peer
	c.mu.Unlock()

	events.Publish(c.bus, SignalingStateTopic, signalingStateAfter(description.Type, false))
	if description.Type == webrtc.SDPTypeAnswer {
		c.link(peer)
	}
	return nil
}

func signalingStateAfter(sdpType webrtc.SDPType, local bool) string {
	switch {
	case sdpType == webrtc.SDPTypeOffer && local:
		return "have-local-offer"
	case sdpType == webrtc.SDPTypeOffer:
		return "have-remote-offer"
	default:
		return "stable"
	}
}

func (c *MemoryConnection) link(answerer *MemoryConnection) {
	answerer.mu.Lock()
	answerer.peer = c
	answerer.mu.Unlock()

	c.mu.Lock()
	var offered []*MemoryChannel
	for _, channel := range c.channels {
		if channel.linkedPeer() == nil {
			offered = append(offered, channel)
		}
	}
	c.mu.Unlock()

	for _, connection := range []*MemoryConnection{c, answerer} {
		events.Publish(connection.bus, ICEConnectionStateTopic, "connected")
		events.Publish(connection.bus, ConnectionStateTopic, ConnectionStateConnected)
	}

	for _, local := range offered {
		remote := newMemoryChannel(local.label, c.network.logger)
		local.setPeer(remote)
		remote.setPeer(local)
		answerer.mu.Lock()
		answerer.channels = append(answerer.channels, remote)
		answerer.mu.Unlock()

		events.Publish(answerer.bus, ChannelReceivedTopic, Channel(remote))
		local.Open()
		remote.Open()
	}
}

func (c *MemoryConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := c.precheck(OpAddICECandidate); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("adding ICE candidate: remote description not set")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

// Close closes every channel and publishes the closed connection
// state. It is idempotent.
func (c *MemoryConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := append([]*MemoryChannel(nil), c.channels...)
	c.mu.Unlock()

	for _, channel := range channels {
		channel.Close()
	}
	events.Publish(c.bus, ConnectionStateTopic, ConnectionStateClosed)
	return nil
}

// IsClosed reports whether Close was called.
func (c *MemoryConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LocalDescription returns the last applied local description, or nil.
func (c *MemoryConnection) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteDescription returns the last applied remote description, or nil.
func (c *MemoryConnection) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Candidates returns the remote candidates added so far.
func (c *MemoryConnection) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// Channels returns the local and received channels.
func (c *MemoryConnection) Channels() []*MemoryChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*MemoryChannel(nil), c.channels...)
}

// ReceiveChannel simulates the remote side creating a channel: it
// publishes ChannelReceivedTopic with a new, still connecting channel.
func (c *MemoryConnection) ReceiveChannel(label string) *MemoryChannel {
	channel := newMemoryChannel(label, c.network.logger)
	c.mu.Lock()
	c.channels = append(c.channels, channel)
	c.mu.Unlock()
	events.Publish(c.bus, ChannelReceivedTopic, Channel(channel))
	return channel
}

// SetState publishes a state change on one of the state topics.
func (c *MemoryConnection) SetState(topic events.Topic[string], state string) {
	events.Publish(c.bus, topic, state)
}

// EmitLocalCandidate publishes a local ICE candidate.
func (c *MemoryConnection) EmitLocalCandidate(candidate webrtc.ICECandidateInit) {
	events.Publish(c.bus, LocalCandidateTopic, candidate)
}

// MemoryChannel is one end of an in-process data channel.
type MemoryChannel struct {
	label string
	bus   *events.Bus
	sent  chan []byte
	inbox chan []byte
	done  chan struct{}

	mu    sync.Mutex
	state string
	peer  *MemoryChannel
}

func newMemoryChannel(label string, logger *slog.Logger) *MemoryChannel {
	channel := &MemoryChannel{
		label: label,
		bus:   events.NewBus(false, logger),
		sent:  make(chan []byte, 256),
		inbox: make(chan []byte, 1024),
		done:  make(chan struct{}),
		state: ReadyStateConnecting,
	}
	go channel.pump()
	return channel
}

func (c *MemoryChannel) pump() {
	for {
		select {
		case data := <-c.inbox:
			events.Publish(c.bus, ChannelMessageTopic, data)
		case <-c.done:
			return
		}
	}
}

func (c *MemoryChannel) Label() string { return c.label }

func (c *MemoryChannel) Events() *events.Bus { return c.bus }

func (c *MemoryChannel) ReadyState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MemoryChannel) setPeer(peer *MemoryChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = peer
}

func (c *MemoryChannel) linkedPeer() *MemoryChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Send records data on Sent and, when linked, queues it for the peer.
func (c *MemoryChannel) Send(data []byte) error {
	c.mu.Lock()
	state, peer := c.state, c.peer
	c.mu.Unlock()
	if state != ReadyStateOpen {
		return ErrChannelNotOpen
	}

	payload := append([]byte(nil), data...)
	select {
	case c.sent <- payload:
	default:
	}
	if peer != nil {
		select {
		case peer.inbox <- payload:
		case <-peer.done:
		default:
			return errors.New("memory channel: peer inbox full")
		}
	}
	return nil
}

// Sent delivers a copy of every message sent on this end. Messages are
// dropped when nobody reads and the buffer is full.
func (c *MemoryChannel) Sent() <-chan []byte { return c.sent }

// Deliver publishes data as an inbound message on the calling
// goroutine.
func (c *MemoryChannel) Deliver(data []byte) {
	events.Publish(c.bus, ChannelMessageTopic, data)
}

// Open moves the channel to open and publishes ChannelOpenTopic.
func (c *MemoryChannel) Open() {
	if !c.transition(ReadyStateOpen, ReadyStateConnecting) {
		return
	}
	events.Publish(c.bus, ChannelOpenTopic, struct{}{})
}

// BeginClosing moves the channel to closing and publishes
// ChannelClosingTopic.
func (c *MemoryChannel) BeginClosing() {
	if !c.transition(ReadyStateClosing, ReadyStateConnecting, ReadyStateOpen) {
		return
	}
	events.Publish(c.bus, ChannelClosingTopic, struct{}{})
}

// EmitError publishes ChannelErrorTopic.
func (c *MemoryChannel) EmitError(err error) {
	events.Publish(c.bus, ChannelErrorTopic, err)
}

// Close closes this end and the linked peer end. It is idempotent.
func (c *MemoryChannel) Close() error {
	if !c.transition(ReadyStateClosed, ReadyStateConnecting, ReadyStateOpen, ReadyStateClosing) {
		return nil
	}
	close(c.done)
	events.Publish(c.bus, ChannelCloseTopic, struct{}{})
	if peer := c.linkedPeer(); peer != nil {
		peer.Close()
	}
	return nil
}

func (c *MemoryChannel) transition(to string, from ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range from {
		if c.state == allowed {
			c.state = to
			return true
		}
	}
	return false
}
