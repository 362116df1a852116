package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478?transport=udp", "turns:turn.example.com:5349"],
		 "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("stun url = %q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Errorf("turn creds = %q/%v", servers[1].Username, servers[1].Credential)
	}
}

func TestParseICEServersJSONValidation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		minting bool
		wantErr string
	}{
		{name: "not json", raw: `{`, wantErr: "unexpected end"},
		{name: "missing urls", raw: `[{"username": "u"}]`, wantErr: "missing urls"},
		{name: "bad scheme", raw: `[{"urls": "http://example.com"}]`, wantErr: "unsupported url scheme"},
		{name: "turn without creds", raw: `[{"urls": "turn:t.example.com"}]`, wantErr: "require username"},
		{name: "turn without creds but minting", raw: `[{"urls": "turn:t.example.com"}]`, minting: true},
		{name: "turn missing credential", raw: `[{"urls": "turn:t.example.com", "username": "u"}]`, wantErr: "require credential"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseICEServersJSON(tt.raw, tt.minting)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConvenienceURLLists(t *testing.T) {
	servers, err := parseICEServersFromValues("", " stun:a.example.com , stun:b.example.com ", "turn:t.example.com", true)
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Errorf("stun urls = %v", servers[0].URLs)
	}
	if servers[1].URLs[0] != "turn:t.example.com" {
		t.Errorf("turn urls = %v", servers[1].URLs)
	}

	// Without minting, a credential-less TURN list is a configuration error.
	if _, err := parseICEServersFromValues("", "", "turn:t.example.com", false); err == nil {
		t.Error("credential-less turn accepted without minting")
	}
}

func TestStringOrStringSlice(t *testing.T) {
	var s stringOrStringSlice
	if err := s.UnmarshalJSON([]byte(`"one"`)); err != nil || len(s) != 1 || s[0] != "one" {
		t.Errorf("single = %v, %v", s, err)
	}
	if err := s.UnmarshalJSON([]byte(`["a", "b"]`)); err != nil || len(s) != 2 {
		t.Errorf("slice = %v, %v", s, err)
	}
	if err := s.UnmarshalJSON([]byte(`42`)); err == nil {
		t.Error("number accepted")
	}
}
