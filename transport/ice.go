// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/Levi477/plink-revamp/lib/config"
)

// ICEConfig holds ICE server configuration for a Session's
// PeerConnection.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromSettings converts the configured ICE servers into pion
// entries. An empty list yields a config with host candidates only,
// which is enough for same-machine and same-LAN peers.
func ICEConfigFromSettings(servers []config.ICEServer) ICEConfig {
	if len(servers) == 0 {
		return ICEConfig{}
	}
	result := ICEConfig{Servers: make([]webrtc.ICEServer, 0, len(servers))}
	for _, server := range servers {
		if len(server.URLs) == 0 {
			continue
		}
		entry := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		result.Servers = append(result.Servers, entry)
	}
	return result
}
