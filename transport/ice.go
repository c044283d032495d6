// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"
)

// ICEServer is one STUN or TURN server entry as written in the node
// configuration.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ICEConfig holds ICE server configuration for new connections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromServers converts configured servers into an ICEConfig.
// Entries without URLs are skipped. An empty result gathers host
// candidates only, which is sufficient for same-machine and same-LAN
// use.
func ICEConfigFromServers(servers []ICEServer) ICEConfig {
	var config ICEConfig
	for _, server := range servers {
		if len(server.URLs) == 0 {
			continue
		}
		entry := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" || server.Credential != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		config.Servers = append(config.Servers, entry)
	}
	return config
}

func (c ICEConfig) configuration() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: c.Servers}
}
