// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/chatlink/lib/events"
)

// Compile-time interface checks.
var (
	_ Factory    = (*Pion)(nil)
	_ Connection = (*pionConnection)(nil)
	_ Channel    = (*pionChannel)(nil)
)

// Pion creates connections backed by pion/webrtc. It is the only code
// in the module that registers pion callbacks; everything above it sees
// events on a bus.
type Pion struct {
	logger *slog.Logger

	// iceConfig is protected by configMu because the node may swap ICE
	// servers while sessions are being created.
	configMu  sync.RWMutex
	iceConfig ICEConfig
}

// NewPion returns a pion-backed connection factory.
func NewPion(iceConfig ICEConfig, logger *slog.Logger) *Pion {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pion{iceConfig: iceConfig, logger: logger}
}

// UpdateICEConfig replaces the ICE configuration for new connections.
// Existing connections keep their configuration.
func (p *Pion) UpdateICEConfig(config ICEConfig) {
	p.configMu.Lock()
	defer p.configMu.Unlock()
	p.iceConfig = config
}

// NewConnection creates a PeerConnection and wires its callbacks to a
// fresh event bus.
func (p *Pion) NewConnection() (Connection, error) {
	p.configMu.RLock()
	config := p.iceConfig.configuration()
	p.configMu.RUnlock()

	// Loopback candidates make same-machine peers and test environments
	// work where loopback is the only available interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	connection := &pionConnection{
		pc:     pc,
		bus:    events.NewBus(false, p.logger),
		logger: p.logger,
	}
	connection.register()
	return connection, nil
}

type pionConnection struct {
	pc     *webrtc.PeerConnection
	bus    *events.Bus
	logger *slog.Logger
}

func (c *pionConnection) register() {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.logger.Debug("remote data channel", "label", dc.Label())
		events.Publish(c.bus, ChannelReceivedTopic, Channel(newPionChannel(dc, c.logger)))
	})

	// Gathering completes with a nil candidate; it is not relayed.
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		events.Publish(c.bus, LocalCandidateTopic, candidate.ToJSON())
	})

	onStateChange(c.pc.OnConnectionStateChange, c.stateLogger("connection", ConnectionStateTopic))
	onStateChange(c.pc.OnICEConnectionStateChange, c.stateLogger("ICE connection", ICEConnectionStateTopic))
	onStateChange(c.pc.OnICEGatheringStateChange, c.stateLogger("ICE gathering", ICEGatheringStateTopic))
	onStateChange(c.pc.OnSignalingStateChange, c.stateLogger("signaling", SignalingStateTopic))
}

// onStateChange adapts one of pion's typed state callbacks to a string
// publisher.
func onStateChange[S fmt.Stringer](register func(func(S)), publish func(string)) {
	register(func(state S) { publish(state.String()) })
}

func (c *pionConnection) stateLogger(kind string, topic events.Topic[string]) func(string) {
	return func(state string) {
		c.logger.Debug("state change", "kind", kind, "state", state)
		events.Publish(c.bus, topic, state)
	}
}

func (c *pionConnection) CreateChannel(label string) (Channel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}
	return newPionChannel(dc, c.logger), nil
}

func (c *pionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating SDP offer: %w", err)
	}
	return offer, nil
}

func (c *pionConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating SDP answer: %w", err)
	}
	return answer, nil
}

func (c *pionConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	if err := c.pc.SetLocalDescription(description); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return nil
}

func (c *pionConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (c *pionConnection) Events() *events.Bus { return c.bus }

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

type pionChannel struct {
	dc  *webrtc.DataChannel
	bus *events.Bus
}

func newPionChannel(dc *webrtc.DataChannel, logger *slog.Logger) *pionChannel {
	channel := &pionChannel{dc: dc, bus: events.NewBus(false, logger)}
	dc.OnOpen(func() {
		logger.Debug("data channel opened", "label", dc.Label())
		events.Publish(channel.bus, ChannelOpenTopic, struct{}{})
	})
	dc.OnClose(func() {
		logger.Debug("data channel closed", "label", dc.Label())
		events.Publish(channel.bus, ChannelCloseTopic, struct{}{})
	})
	dc.OnError(func(err error) {
		events.Publish(channel.bus, ChannelErrorTopic, err)
	})
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		events.Publish(channel.bus, ChannelMessageTopic, message.Data)
	})
	return channel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) ReadyState() string { return c.dc.ReadyState().String() }

func (c *pionChannel) Send(data []byte) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("sending on data channel %s: %w", c.dc.Label(), err)
	}
	return nil
}

func (c *pionChannel) Close() error { return c.dc.Close() }

func (c *pionChannel) Events() *events.Bus { return c.bus }
