package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// requireAllowedOrigin gates browser access to the WebSocket and credential
// endpoints. Requests without an Origin header (native clients, server-side
// tooling) pass through; browser origins must appear in the allow list, or
// match the request host when no list is configured.
func (s *Server) requireAllowedOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawOrigin := strings.TrimSpace(r.Header.Get("Origin"))
		if rawOrigin == "" {
			next.ServeHTTP(w, r)
			return
		}

		normalized, host, ok := normalizeOrigin(rawOrigin)
		if !ok || !originAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// normalizeOrigin validates a browser Origin header and returns the
// normalized origin (scheme://host[:port], default ports stripped) plus the
// host[:port] portion for same-host comparison. The sandboxed value "null" is
// returned as-is; it only passes an explicit allow list.
func normalizeOrigin(raw string) (normalized, host string, ok bool) {
	if raw == "null" {
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHostPort(strings.ToLower(u.Hostname()), u.Port(), scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func originAllowed(normalized, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, entry := range allowed {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	// Default policy: same host:port. Scheme is deliberately not compared;
	// behind a TLS-terminating proxy the request arrives as HTTP while the
	// browser Origin is HTTPS.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}

	hostname, port := strings.ToLower(strings.TrimSpace(requestHost)), ""
	if h, p, err := splitMaybePort(hostname); err == nil {
		hostname, port = h, p
	}
	want, ok := canonicalHostPort(hostname, port, scheme)
	if !ok {
		return false
	}
	return originHost == want
}

// canonicalHostPort rebuilds host[:port], bracketing IPv6 literals and
// dropping the scheme's default port.
func canonicalHostPort(hostname, rawPort, scheme string) (string, bool) {
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitMaybePort splits host[:port] where the port is optional, accepting
// bracketed IPv6 literals.
func splitMaybePort(raw string) (hostname, port string, err error) {
	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", strconv.ErrSyntax
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", nil
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", strconv.ErrSyntax
		}
		return hostname, rest[1:], nil
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", nil
	case 1:
		h, p, _ := strings.Cut(raw, ":")
		if h == "" || p == "" {
			return "", "", strconv.ErrSyntax
		}
		return h, p, nil
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", strconv.ErrSyntax
	}
}
