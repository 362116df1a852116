package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		raw      string
		want     string
		wantHost string
		ok       bool
	}{
		{raw: "https://app.example.com", want: "https://app.example.com", wantHost: "app.example.com", ok: true},
		{raw: "https://App.Example.COM:443", want: "https://app.example.com", wantHost: "app.example.com", ok: true},
		{raw: "http://localhost:8080", want: "http://localhost:8080", wantHost: "localhost:8080", ok: true},
		{raw: "http://example.com:80", want: "http://example.com", wantHost: "example.com", ok: true},
		{raw: "https://[2001:db8::1]:8443", want: "https://[2001:db8::1]:8443", wantHost: "[2001:db8::1]:8443", ok: true},
		{raw: "null", want: "null", ok: true},
		{raw: "ftp://example.com", ok: false},
		{raw: "https://user@example.com", ok: false},
		{raw: "https://example.com/path", ok: false},
		{raw: "https://example.com?q=1", ok: false},
		{raw: "https://example.com:0", ok: false},
		{raw: "not a url", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, host, ok := normalizeOrigin(tt.raw)
			if ok != tt.ok || got != tt.want || host != tt.wantHost {
				t.Errorf("normalizeOrigin(%q) = %q, %q, %v; want %q, %q, %v",
					tt.raw, got, host, ok, tt.want, tt.wantHost, tt.ok)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name        string
		origin      string
		requestHost string
		allowed     []string
		want        bool
	}{
		{name: "same host default policy", origin: "https://example.com", requestHost: "example.com", want: true},
		{name: "scheme ignored behind proxy", origin: "https://example.com", requestHost: "example.com:443", want: true},
		{name: "host mismatch", origin: "https://evil.example.com", requestHost: "example.com", want: false},
		{name: "port mismatch", origin: "http://example.com:8080", requestHost: "example.com:9090", want: false},
		{name: "allow list exact", origin: "https://app.example.com", requestHost: "api.example.com", allowed: []string{"https://app.example.com"}, want: true},
		{name: "allow list miss", origin: "https://other.example.com", requestHost: "api.example.com", allowed: []string{"https://app.example.com"}, want: false},
		{name: "wildcard", origin: "https://anything.example.com", requestHost: "api.example.com", allowed: []string{"*"}, want: true},
		{name: "null fails same-host", origin: "null", requestHost: "example.com", want: false},
		{name: "null passes wildcard", origin: "null", requestHost: "example.com", allowed: []string{"*"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized, host, ok := normalizeOrigin(tt.origin)
			if !ok {
				t.Fatalf("normalizeOrigin(%q) rejected", tt.origin)
			}
			if got := originAllowed(normalized, host, tt.requestHost, tt.allowed); got != tt.want {
				t.Errorf("originAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOriginMiddlewareOnEndpoints(t *testing.T) {
	s := testServer(t, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	// No Origin header: native clients pass.
	if rec := get(t, s, "/v1/ice-servers"); rec.Code != http.StatusOK {
		t.Errorf("no origin = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/ice-servers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("allowed origin = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/ice-servers", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("disallowed origin = %d, want 403", rec.Code)
	}

	// Preflight short-circuits before the handler.
	req = httptest.NewRequest(http.MethodOptions, "/v1/ice-servers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", rec.Code)
	}
}
