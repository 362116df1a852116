// Package httpapi hosts the outer HTTP surface: health and readiness probes,
// the metrics endpoint, the ICE server document, and the WebSocket entry
// points for signaling and SFU rooms.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/crosstalk-io/crosstalk/internal/auth"
	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/turncred"

	"github.com/pion/webrtc/v4"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Build   BuildInfo

	ListenAddr string

	// ICEServers is the advertised list; TURN entries get per-request
	// credentials when Minter or Fetcher is set. Fetcher wins when both are
	// configured.
	ICEServers []webrtc.ICEServer
	Minter     *turncred.Minter
	Fetcher    *turncred.CachedFetcher
	CredTTL    time.Duration

	Auth auth.Authenticator

	// AllowedOrigins lists normalized browser origins (or "*") permitted on
	// the WebSocket and credential endpoints. Empty means same-host only.
	AllowedOrigins []string

	// Hub serves the signaling WebSocket. Mounted at /ws and /ws/sfu; the
	// method set on the socket covers both call/meeting signaling and SFU
	// rooms.
	Hub http.Handler
}

type Server struct {
	log *slog.Logger
	cfg Config

	ready atomic.Bool

	router *mux.Router
	srv    *http.Server
}

func New(cfg Config) *Server {
	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: mux.NewRouter(),
	}

	s.registerRoutes()

	s.router.Use(
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /ws and /ws/sfu hold upgraded long-lived
		// connections.
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

// Router exposes the underlying router for registering extra routes. Only
// valid during startup, before Serve.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}).Methods(http.MethodGet)

	s.router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	}).Methods(http.MethodGet)

	s.router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.cfg.Build)
	}).Methods(http.MethodGet)

	s.router.Handle("/metrics", metrics.PrometheusHandler(s.cfg.Metrics)).Methods(http.MethodGet)

	s.router.Handle("/v1/ice-servers",
		s.requireAllowedOrigin(http.HandlerFunc(s.handleICEServers))).Methods(http.MethodGet, http.MethodOptions)

	if s.cfg.Hub != nil {
		s.router.Handle("/ws", s.requireAllowedOrigin(s.cfg.Hub)).Methods(http.MethodGet)
		s.router.Handle("/ws/sfu", s.requireAllowedOrigin(s.cfg.Hub)).Methods(http.MethodGet)
	}
}

func recoverMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the hijackable writer underneath,
// which WebSocket upgrades on /ws and /ws/sfu need.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
