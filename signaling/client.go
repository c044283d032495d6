// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/chatlink/lib/events"
	"github.com/bureau-foundation/chatlink/lib/netutil"
)

var (
	// ErrNotOpen is returned by every send while the client is closed.
	ErrNotOpen = errors.New("signaling client is not open")

	// ErrAlreadyOpen is returned by Open on an open client.
	ErrAlreadyOpen = errors.New("signaling client is already open")
)

// maxEnvelopeSize bounds one inbound relay frame. SDP with many
// candidates stays well below it.
const maxEnvelopeSize = 1 << 20

// writeTimeout bounds one websocket write.
const writeTimeout = 10 * time.Second

// ClientConfig configures a [Client].
type ClientConfig struct {
	// Logger receives dropped-envelope and socket diagnostics. Nil
	// discards them.
	Logger *slog.Logger

	// Dialer opens the relay socket. Nil uses websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Client is a signaling relay client. It is either closed or open on
// one socket under one self identity.
type Client struct {
	logger *slog.Logger
	dialer *websocket.Dialer
	bus    *events.Bus

	mu     sync.Mutex
	conn   *websocket.Conn
	selfID string
	done   chan struct{}

	// cancelDial is set while Open dials outside mu. Close clears and
	// calls it.
	cancelDial context.CancelFunc

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// NewClient returns a closed client.
func NewClient(config ClientConfig) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	done := make(chan struct{})
	close(done)
	return &Client{
		logger: logger,
		dialer: dialer,
		bus:    events.NewBus(false, logger),
		done:   done,
	}
}

// Events carries [SessionDescriptionTopic] and [ICECandidateTopic].
func (c *Client) Events() *events.Bus { return c.bus }

// SelfID returns the identity the client opened with, or "" when
// closed.
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Done is closed when the read loop of the current socket exits. On a
// client that was never opened it is already closed.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Open dials serverURL, starts the read loop and sends the handshake.
func (c *Client) Open(ctx context.Context, selfID, serverURL string) error {
	if selfID == "" {
		return errors.New("opening signaling client: empty self id")
	}

	c.mu.Lock()
	if c.conn != nil || c.cancelDial != nil {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(dialCtx, serverURL, nil)

	c.mu.Lock()
	aborted := c.cancelDial == nil
	c.cancelDial = nil
	cancel()
	if err != nil {
		c.mu.Unlock()
		if aborted {
			return fmt.Errorf("dialing signaling relay %s: %w", serverURL, ErrNotOpen)
		}
		return fmt.Errorf("dialing signaling relay %s: %w", serverURL, err)
	}
	if aborted {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("dialing signaling relay %s: %w", serverURL, ErrNotOpen)
	}
	conn.SetReadLimit(maxEnvelopeSize)
	done := make(chan struct{})
	c.conn = conn
	c.selfID = selfID
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, selfID, done)

	if err := c.Send(RelayIdentity, HandshakePayload()); err != nil {
		c.Close()
		return fmt.Errorf("sending handshake: %w", err)
	}
	c.logger.Info("signaling connected", "self", selfID, "relay", serverURL)
	return nil
}

// RelaySDP sends a session description to peerID.
func (c *Client) RelaySDP(peerID string, description webrtc.SessionDescription) error {
	return c.Send(peerID, Payload{SessionDescription: &description})
}

// RelayICE sends a candidate to peerID.
func (c *Client) RelayICE(peerID string, candidate webrtc.ICECandidateInit) error {
	return c.Send(peerID, Payload{ICECandidate: &candidate})
}

// Send wraps payload in an envelope from the client's identity and
// writes it as one binary frame.
func (c *Client) Send(to string, payload Payload) error {
	c.mu.Lock()
	conn, selfID := c.conn, c.selfID
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	data, err := EncodeEnvelope(Envelope{From: selfID, To: to, Payload: payload})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:realclock // kernel I/O deadline
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("writing signaling envelope: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the socket. The client is closed
// when Close returns; Done reports when the read loop has exited. Close
// during Open makes it fail once the dial returns. Close on a closed
// client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.selfID = ""
	cancelDial := c.cancelDial
	c.cancelDial = nil
	c.mu.Unlock()
	if cancelDial != nil {
		cancelDial()
	}
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second)) //nolint:realclock // kernel I/O deadline
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn, selfID string, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.selfID = ""
		}
		c.mu.Unlock()
		conn.Close()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if netutil.IsExpectedCloseError(err) {
				c.logger.Info("signaling disconnected", "self", selfID)
			} else {
				c.logger.Warn("signaling read failed", "self", selfID, "error", err)
			}
			return
		}
		c.dispatch(selfID, data)
	}
}

func (c *Client) dispatch(selfID string, data []byte) {
	envelope, err := DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("dropping signaling envelope", "error", err)
		return
	}
	if envelope.To != selfID {
		c.logger.Warn("dropping misrouted signaling envelope",
			"from", envelope.From,
			"to", envelope.To,
			"self", selfID,
		)
		return
	}

	switch payload := envelope.Payload; {
	case payload.SessionDescription != nil:
		events.Publish(c.bus, SessionDescriptionTopic, SessionDescriptionEvent{
			PeerID:      envelope.From,
			Description: *payload.SessionDescription,
		})
	case payload.ICECandidate != nil:
		events.Publish(c.bus, ICECandidateTopic, ICECandidateEvent{
			PeerID:    envelope.From,
			Candidate: *payload.ICECandidate,
		})
	default:
		c.logger.Debug("ignoring signaling envelope", "from", envelope.From)
	}
}
