// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chatlink is a peer-to-peer chat node. It registers with a signaling
// relay under its self_id, negotiates a WebRTC data channel with each
// peer it talks to and keeps the message history in a local SQLite
// database.
//
// Input is read line by line from stdin. Plain lines are sent to the
// current conversation; lines starting with "/" are commands (/help
// lists them). On a terminal a prompt shows the current conversation;
// piped input runs the same commands and exits at EOF once pending
// messages are acknowledged or failed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/chatlink/lib/clock"
	"github.com/bureau-foundation/chatlink/lib/config"
	"github.com/bureau-foundation/chatlink/lib/version"
	"github.com/bureau-foundation/chatlink/messagestore"
	"github.com/bureau-foundation/chatlink/session"
	"github.com/bureau-foundation/chatlink/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		selfID       string
		signalingURL string
		storePath    string
		connectTo    []string
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("chatlink", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to chatlink.yaml (default: $"+config.EnvVar+")")
	flagSet.StringVar(&selfID, "self-id", "", "peer identity on the relay (overrides self_id)")
	flagSet.StringVar(&signalingURL, "signaling-url", "", "relay websocket URL (overrides signaling.url)")
	flagSet.StringVar(&storePath, "store", "", "message database path (overrides store.path)")
	flagSet.StringSliceVar(&connectTo, "connect", nil, "peer to start a session with at startup (repeatable)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print(os.Stdout, "chatlink")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if selfID != "" {
		cfg.SelfID = selfID
	}
	if signalingURL != "" {
		cfg.Signaling.URL = signalingURL
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if err := cfg.ValidateNode(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureStoreDir(); err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(os.Stderr).With("self", cfg.SelfID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := make([]transport.ICEServer, 0, len(cfg.ICE.Servers))
	for _, server := range cfg.ICE.Servers {
		servers = append(servers, transport.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}

	n, err := startNode(ctx, nodeConfig{
		SelfID:       cfg.SelfID,
		SignalingURL: cfg.Signaling.URL,
		Store: messagestore.Config{
			Path:     cfg.Store.Path,
			PoolSize: cfg.Store.PoolSize,
			Logger:   logger,
		},
		Session: session.Config{
			HeartbeatInterval: cfg.Session.HeartbeatInterval,
			IdleTimeout:       cfg.Session.IdleTimeout,
		},
		Factory: transport.NewPion(transport.ICEConfigFromServers(servers), logger),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer n.Close()

	logger.Info("chatlink started",
		"relay", cfg.Signaling.URL,
		"store", cfg.Store.Path,
		"version", version.Info(),
	)

	chat := newConsole(n, os.Stdout, clock.Real())
	defer chat.Close()

	for _, peerID := range connectTo {
		if err := chat.connect(ctx, peerID); err != nil {
			return err
		}
	}

	return chat.run(ctx, os.Stdin, term.IsTerminal(int(os.Stdin.Fd())))
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
