package config

import (
	"strings"
	"testing"
)

func TestParseICEServersDefaults(t *testing.T) {
	servers, err := parseICEServersFromValues("", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(servers))
	}
	if servers[0].URLs[0] != DefaultStunURLs[0] {
		t.Fatalf("URLs[0] = %q, want default STUN", servers[0].URLs[0])
	}
}

func TestParseICEServersStunURLList(t *testing.T) {
	servers, err := parseICEServersFromValues("", "stun:stun.example.test:3478, stuns:stun2.example.test:5349")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 2 {
		t.Fatalf("servers = %+v, want one entry with two urls", servers)
	}
}

func TestParseICEServersJSONWinsOverURLList(t *testing.T) {
	servers, err := parseICEServersFromValues(`[{"urls":["stun:a.example.test:3478"]}]`, "stun:b.example.test:3478")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:a.example.test:3478" {
		t.Fatalf("servers = %+v, want JSON entry", servers)
	}
}

func TestParseICEServersRejectsTurn(t *testing.T) {
	tests := []struct {
		name string
		json string
		urls string
	}{
		{name: "turn in url list", urls: "turn:turn.example.test:3478"},
		{name: "turns in url list", urls: "turns:turn.example.test:5349"},
		{name: "turn in json", json: `[{"urls":["turn:turn.example.test:3478"]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseICEServersFromValues(tt.json, tt.urls)
			if err == nil {
				t.Fatalf("parse accepted TURN server")
			}
			if !strings.Contains(err.Error(), "STUN only") {
				t.Fatalf("error %q does not mention STUN only", err.Error())
			}
		})
	}
}

func TestParseICEServersInvalid(t *testing.T) {
	tests := []struct {
		name string
		json string
		urls string
	}{
		{name: "unknown scheme", urls: "http://stun.example.test"},
		{name: "missing host", urls: "stun:"},
		{name: "unknown json field", json: `[{"urls":["stun:a.example.test"],"credential":"x"}]`},
		{name: "empty json list", json: `[]`},
		{name: "entry without urls", json: `[{"urls":[]}]`},
		{name: "trailing json data", json: `[{"urls":["stun:a.example.test"]}] garbage`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseICEServersFromValues(tt.json, tt.urls); err == nil {
				t.Fatalf("parse accepted invalid input")
			}
		})
	}
}
