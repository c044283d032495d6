// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chatlink-relay is the signaling relay chatlink nodes exchange SDP
// offers, answers and ICE candidates through. It routes each envelope
// to the client registered under the envelope's "to" field and stamps
// the sender's registered identity on the way through. It stores
// nothing: a restart drops every registration and nodes reconnect.
//
// GET /peers lists the currently registered identities as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/chatlink/lib/config"
	"github.com/bureau-foundation/chatlink/lib/version"
	"github.com/bureau-foundation/chatlink/signaling"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("chatlink-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to chatlink.yaml (default: $"+config.EnvVar+")")
	flagSet.StringVar(&listen, "listen", "", "TCP address to serve on (overrides relay.listen)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print(os.Stdout, "chatlink-relay")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Relay.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := signaling.NewRelay(signaling.RelayConfig{
		Logger:        logger,
		RatePerSecond: cfg.Relay.RatePerSecond,
		Burst:         cfg.Relay.Burst,
	})

	listener, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Relay.Listen, err)
	}

	server := &http.Server{
		Handler: newHandler(relay),
		// Relay connections are hijacked websockets; only the upgrade
		// request itself is bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("relay listening",
		"address", listener.Addr().String(),
		"version", version.Info(),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("relay shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Shutdown does not touch hijacked connections.
		relay.Close()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// newHandler routes websocket upgrades to the relay and serves the
// peer listing.
func newHandler(relay *signaling.Relay) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /peers", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(struct {
			Peers []string `json:"peers"`
		}{Peers: relay.Peers()})
	})
	mux.Handle("/", relay)
	return mux
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv(config.EnvVar) != "" {
		return config.Load()
	}
	// The relay needs nothing node-specific, so it runs on defaults.
	return config.Default(), nil
}
