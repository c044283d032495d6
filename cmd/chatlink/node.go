// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/chatlink/messagestore"
	"github.com/bureau-foundation/chatlink/session"
	"github.com/bureau-foundation/chatlink/signaling"
	"github.com/bureau-foundation/chatlink/transport"
)

// nodeConfig is everything startNode needs. Session.Signaler and
// Session.Messages are filled in by startNode.
type nodeConfig struct {
	SelfID       string
	SignalingURL string
	Store        messagestore.Config
	Session      session.Config
	Factory      transport.Factory
	Logger       *slog.Logger
}

// node is one running chat participant: a signaling connection, the
// session manager fed by it and the message store behind both.
type node struct {
	selfID  string
	logger  *slog.Logger
	client  *signaling.Client
	store   *messagestore.Store
	manager *session.Manager

	stopListening func()
}

// startNode opens the store, connects to the relay and starts routing
// signaling events into the session manager.
func startNode(ctx context.Context, config nodeConfig) (*node, error) {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Store.Logger == nil {
		config.Store.Logger = config.Logger
	}

	store, err := messagestore.Open(ctx, config.Store)
	if err != nil {
		return nil, fmt.Errorf("opening message store: %w", err)
	}

	client := signaling.NewClient(signaling.ClientConfig{Logger: config.Logger})

	sessionConfig := config.Session
	sessionConfig.Signaler = client
	sessionConfig.Messages = store
	sessionConfig.Logger = config.Logger
	manager := session.NewManager(session.ManagerConfig{
		Session: sessionConfig,
		Factory: config.Factory,
	})

	n := &node{
		selfID:  config.SelfID,
		logger:  config.Logger,
		client:  client,
		store:   store,
		manager: manager,
	}
	store.SetSyncer(n.syncDelete)
	n.stopListening = manager.Listen(client.Events())

	if err := client.Open(ctx, config.SelfID, config.SignalingURL); err != nil {
		n.Close()
		return nil, fmt.Errorf("connecting to signaling relay %s: %w", config.SignalingURL, err)
	}
	return n, nil
}

// syncDelete tells the chat's peer about a local delete. Only a peer
// with a session hears about it.
func (n *node) syncDelete(_ context.Context, chatID, messageID string) error {
	peer := n.manager.Session(chatID)
	if peer == nil {
		return fmt.Errorf("%w: %s", session.ErrNoSession, chatID)
	}
	return peer.DeleteMessage(messageID)
}

// Close tears the node down in reverse order of startNode.
func (n *node) Close() {
	n.client.Close()
	n.stopListening()
	n.manager.Close()
	if err := n.store.Close(); err != nil {
		n.logger.Warn("closing message store failed", "error", err)
	}
}
