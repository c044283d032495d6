// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/chatlink/signaling"
)

func fetchPeers(t *testing.T, baseURL string) []string {
	t.Helper()
	response, err := http.Get(baseURL + "/peers")
	if err != nil {
		t.Fatalf("GET /peers: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET /peers status = %d", response.StatusCode)
	}
	var listing struct {
		Peers []string `json:"peers"`
	}
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		t.Fatalf("decoding /peers: %v", err)
	}
	return listing.Peers
}

func TestHandlerListsRegisteredPeers(t *testing.T) {
	relay := signaling.NewRelay(signaling.RelayConfig{})
	server := httptest.NewServer(newHandler(relay))
	t.Cleanup(func() {
		relay.Close()
		server.Close()
	})

	if peers := fetchPeers(t, server.URL); len(peers) != 0 {
		t.Fatalf("peers before any client = %v, want empty", peers)
	}

	client := signaling.NewClient(signaling.ClientConfig{})
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	if err := client.Open(context.Background(), "alice", url); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// The handshake is processed on the relay's goroutine after Open.
	deadline := time.Now().Add(5 * time.Second) //nolint:realclock test hang prevention
	for !slices.Contains(fetchPeers(t, server.URL), "alice") {
		if time.Now().After(deadline) { //nolint:realclock test hang prevention
			t.Fatal("alice never appeared in /peers")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoadConfigDefaultsWithoutPath(t *testing.T) {
	t.Setenv("CHATLINK_CONFIG", "")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if cfg.Relay.Listen == "" {
		t.Error("default relay.listen is empty")
	}
}
