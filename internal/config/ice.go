package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	envStunURLs       = "CONSULT_RELAY_STUN_URLS"
	envICEServersJSON = "CONSULT_RELAY_ICE_SERVERS_JSON"
)

// DefaultStunURLs is used when no STUN configuration is provided at all.
var DefaultStunURLs = []string{"stun:stun.l.google.com:19302"}

// ICEServer describes one STUN server entry handed to clients. The relay is
// STUN-only; rooms are expected to sit on networks where a direct or
// server-reflexive path exists, so TURN relaying is rejected outright rather
// than silently ignored.
type ICEServer struct {
	URLs []string `json:"urls"`
}

// parseICEServersFromValues builds the ICE server list from either the JSON
// form or the comma-separated URL form. The JSON form wins if both are set.
func parseICEServersFromValues(iceServersJSON, stunURLs string) ([]ICEServer, error) {
	if strings.TrimSpace(iceServersJSON) != "" {
		return parseICEServersJSON(iceServersJSON)
	}
	urls := splitCommaSeparated(stunURLs)
	if len(urls) == 0 {
		urls = DefaultStunURLs
	}
	for _, u := range urls {
		if err := validateStunURL(u); err != nil {
			return nil, fmt.Errorf("invalid %s/--stun-urls entry %q: %w", envStunURLs, u, err)
		}
	}
	return []ICEServer{{URLs: urls}}, nil
}

func parseICEServersJSON(raw string) ([]ICEServer, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	var servers []ICEServer
	if err := dec.Decode(&servers); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envICEServersJSON, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid %s: trailing data after JSON array", envICEServersJSON)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("invalid %s: empty server list", envICEServersJSON)
	}

	for i, srv := range servers {
		if len(srv.URLs) == 0 {
			return nil, fmt.Errorf("invalid %s: server %d has no urls", envICEServersJSON, i)
		}
		for _, u := range srv.URLs {
			if err := validateStunURL(u); err != nil {
				return nil, fmt.Errorf("invalid %s: server %d url %q: %w", envICEServersJSON, i, u, err)
			}
		}
	}

	return servers, nil
}

func validateStunURL(raw string) error {
	lower := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(lower, "stun:"), strings.HasPrefix(lower, "stuns:"):
	case strings.HasPrefix(lower, "turn:"), strings.HasPrefix(lower, "turns:"):
		return fmt.Errorf("TURN servers are not supported (STUN only)")
	default:
		return fmt.Errorf("expected stun: or stuns: scheme")
	}
	host := lower[strings.Index(lower, ":")+1:]
	if host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
