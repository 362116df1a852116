package httpapi

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/crosstalk-io/crosstalk/internal/auth"
	"github.com/crosstalk-io/crosstalk/internal/metrics"
)

// handleICEServers returns the advertised ICE configuration. When a TURN
// credential minter is configured, TURN entries carry fresh time-limited
// credentials bound to the authenticated user.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}

	if s.cfg.Fetcher == nil && s.cfg.Minter == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
		return
	}

	token, ok := auth.TokenFromRequest(r)
	if !ok {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing credentials"})
		return
	}
	userID, err := s.cfg.Auth.Authenticate(r.Context(), token)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}

	var username, credential string
	var expiryUnix int64
	if s.cfg.Fetcher != nil {
		row, err := s.cfg.Fetcher.Fetch(r.Context(), userID)
		if err != nil {
			s.log.Error("relay credential fetch failed", "err", err, "user_id", userID)
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "relay credentials unavailable"})
			return
		}
		username, credential, expiryUnix = row.Username, row.Credential, row.ExpiresAt.Unix()
	} else {
		creds := s.cfg.Minter.Mint(userID, s.cfg.CredTTL)
		username, credential, expiryUnix = creds.Username, creds.Credential, creds.ExpiryUnix
	}
	s.cfg.Metrics.Inc(metrics.CredentialMints)

	servers = withMintedCredentials(servers, username, credential)
	WriteJSON(w, http.StatusOK, map[string]any{
		"iceServers": servers,
		"expiresAt":  expiryUnix,
	})
}

func withMintedCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Preserve empty (non-nil) slices so JSON responses consistently encode
		// as `[]` rather than `null`.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if iceServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if asciiHasPrefixFold(url, "turn:") || asciiHasPrefixFold(url, "turns:") {
			return true
		}
	}
	return false
}

func asciiHasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c = c + ('a' - 'A')
		}
		if c != prefix[i] {
			return false
		}
	}
	return true
}
