// Package iceservers builds the ICE server list served at GET /ice-servers from configuration.
package iceservers

import "strings"

// Server is one entry in the iceServers array of the WebRTC RTCConfiguration shape.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config groups the environment-sourced inputs needed to build the ICE server list.
type Config struct {
	STUNServers    string
	TURNURL        string
	TURNTCPURL     string
	TURNSURL       string
	TURNUsername   string
	TURNCredential string
}

// Build assembles the ICE server list: one entry per configured STUN server, plus a single TURN entry aggregating
// every configured TURN URL. TURN entries are omitted entirely when no credential is configured.
func Build(cfg Config) []Server {
	var servers []Server

	for _, raw := range strings.Split(cfg.STUNServers, ",") {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		servers = append(servers, Server{URLs: []string{url}})
	}

	if cfg.TURNCredential != "" {
		var turnURLs []string
		for _, url := range []string{cfg.TURNURL, cfg.TURNTCPURL, cfg.TURNSURL} {
			if url != "" {
				turnURLs = append(turnURLs, url)
			}
		}
		if len(turnURLs) > 0 {
			servers = append(servers, Server{
				URLs:       turnURLs,
				Username:   cfg.TURNUsername,
				Credential: cfg.TURNCredential,
			})
		}
	}

	return servers
}
