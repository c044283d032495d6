// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/chatlink/lib/netutil"
)

// Compile-time interface check.
var _ http.Handler = (*Relay)(nil)

// RelayConfig configures a [Relay].
type RelayConfig struct {
	Logger *slog.Logger

	// RatePerSecond and Burst bound the envelopes accepted from one
	// connection. Excess envelopes are dropped. Zero RatePerSecond
	// disables the limit.
	RatePerSecond float64
	Burst         int

	// CheckOrigin is passed to the websocket upgrader. Nil accepts every
	// origin; the relay carries no ambient credentials.
	CheckOrigin func(*http.Request) bool
}

// Relay routes envelopes between registered websocket clients.
type Relay struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int

	mu    sync.Mutex
	peers map[string]*relayPeer
}

type relayPeer struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

func (p *relayPeer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:realclock // kernel I/O deadline
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

// NewRelay returns a relay with no registered clients.
func NewRelay(config RelayConfig) *Relay {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Relay{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		limit: limit,
		burst: burst,
		peers: make(map[string]*relayPeer),
	}
}

// Peers returns the registered identities, sorted.
func (r *Relay) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close disconnects every registered client.
func (r *Relay) Close() {
	r.mu.Lock()
	peers := make([]*relayPeer, 0, len(r.peers))
	for id, peer := range r.peers {
		peers = append(peers, peer)
		delete(r.peers, id)
	}
	r.mu.Unlock()
	for _, peer := range peers {
		peer.conn.Close()
	}
}

// ServeHTTP upgrades the request and serves one client until it
// disconnects.
func (r *Relay) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := r.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxEnvelopeSize)

	peer := &relayPeer{
		conn:    conn,
		limiter: rate.NewLimiter(r.limit, r.burst),
	}
	defer r.unregister(peer)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				r.logger.Debug("relay read failed", "peer", peer.id, "error", err)
			}
			return
		}
		if !peer.limiter.Allow() {
			r.logger.Warn("relay rate limit exceeded, dropping envelope", "peer", peer.id)
			continue
		}
		r.route(peer, data)
	}
}

func (r *Relay) route(peer *relayPeer, data []byte) {
	envelope, err := DecodeEnvelope(data)
	if err != nil {
		r.logger.Warn("relay dropping envelope", "peer", peer.id, "error", err)
		return
	}

	if peer.id == "" {
		if envelope.To != RelayIdentity || envelope.Payload.Handshake == nil {
			r.logger.Warn("relay dropping envelope before handshake", "from", envelope.From)
			return
		}
		r.register(peer, envelope.From)
		return
	}

	if envelope.From != peer.id {
		r.logger.Warn("relay dropping spoofed envelope",
			"peer", peer.id,
			"claimed", envelope.From,
		)
		return
	}
	if envelope.To == RelayIdentity {
		return
	}

	r.mu.Lock()
	target := r.peers[envelope.To]
	r.mu.Unlock()
	if target == nil {
		r.logger.Debug("relay dropping envelope for unknown peer", "from", peer.id, "to", envelope.To)
		return
	}
	if err := target.write(data); err != nil {
		r.logger.Warn("relay forward failed", "from", peer.id, "to", envelope.To, "error", err)
	}
}

// register binds peer to id. A newer registration replaces and
// disconnects the older connection.
func (r *Relay) register(peer *relayPeer, id string) {
	r.mu.Lock()
	previous := r.peers[id]
	peer.id = id
	r.peers[id] = peer
	r.mu.Unlock()

	if previous != nil {
		r.logger.Info("relay registration replaced", "peer", id)
		previous.conn.Close()
	} else {
		r.logger.Info("relay peer registered", "peer", id)
	}
}

func (r *Relay) unregister(peer *relayPeer) {
	peer.conn.Close()
	if peer.id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.peers[peer.id]; ok && current == peer {
		delete(r.peers, peer.id)
	}
}
