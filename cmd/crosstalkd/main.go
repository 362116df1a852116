package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/crosstalk-io/crosstalk/internal/auth"
	"github.com/crosstalk-io/crosstalk/internal/call"
	"github.com/crosstalk-io/crosstalk/internal/config"
	"github.com/crosstalk-io/crosstalk/internal/httpapi"
	"github.com/crosstalk-io/crosstalk/internal/hub"
	"github.com/crosstalk-io/crosstalk/internal/meeting"
	"github.com/crosstalk-io/crosstalk/internal/metrics"
	"github.com/crosstalk-io/crosstalk/internal/natserver"
	"github.com/crosstalk-io/crosstalk/internal/presence"
	"github.com/crosstalk-io/crosstalk/internal/sfu"
	"github.com/crosstalk-io/crosstalk/internal/store"
	"github.com/crosstalk-io/crosstalk/internal/turncred"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting crosstalkd",
		"listen_addr", cfg.ListenAddr,
		"stun_udp_addr", cfg.StunUDPAddr,
		"stun_tcp_addr", cfg.StunTCPAddr,
		"mode", cfg.Mode,
		"relay_port_range", fmt.Sprintf("%d-%d", cfg.RelayPortMin, cfg.RelayPortMax),
		"turn_cred_minting", cfg.TurnCredEnabled(),
		"redis_enabled", cfg.RedisAddr != "",
	)

	logStartupWarnings(logger, cfg)

	m := metrics.New()
	mem := store.NewMemory()
	registry := presence.NewRegistry()

	var minter *turncred.Minter
	var fetcher *turncred.CachedFetcher
	if cfg.TurnCredEnabled() {
		minter, err = turncred.NewMinter(turncred.MinterConfig{SharedSecret: cfg.TurnSharedSecret})
		if err != nil {
			logger.Error("failed to configure credential minter", "err", err)
			os.Exit(2)
		}
		if cfg.RedisAddr != "" {
			// Multiple instances share minted rows through Redis so each user
			// keeps one stable relay username until it expires.
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			fetcher, err = turncred.NewCachedFetcher(turncred.CachedFetcherConfig{
				Provider: turncred.MinterProvider{Minter: minter, Validity: cfg.TurnCredTTL},
				Cache:    store.NewRedisCredentialCache(rdb, "crosstalk"),
				Metrics:  m,
				TTL:      cfg.TurnCredTTL,
			})
			if err != nil {
				logger.Error("failed to configure credential cache", "err", err)
				os.Exit(2)
			}
		}
	}

	nat, err := natserver.New(natserver.Config{
		Logger:        logger,
		Metrics:       m,
		UDPAddr:       cfg.StunUDPAddr,
		TCPAddr:       cfg.StunTCPAddr,
		AllocationTTL: cfg.AllocationTTL,
		RelayPortMin:  cfg.RelayPortMin,
		RelayPortMax:  cfg.RelayPortMax,
	})
	if err != nil {
		logger.Error("failed to configure nat traversal server", "err", err)
		os.Exit(2)
	}

	calls := call.NewCoordinator(call.Config{
		Logger:   logger,
		Registry: registry,
		Calls:    mem,
		Metrics:  m,
	})
	meetings := meeting.NewCoordinator(meeting.Config{
		Logger:          logger,
		Registry:        registry,
		Meetings:        mem,
		Metrics:         m,
		DefaultCapacity: cfg.RoomCapacity,
	})
	rooms, err := sfu.NewUnit(sfu.Config{
		Logger:     logger,
		Metrics:    m,
		ICEServers: cfg.ICEServers,
		UDPPortMin: cfg.SfuUDPPortMin,
		UDPPortMax: cfg.SfuUDPPortMax,
	})
	if err != nil {
		logger.Error("failed to configure sfu", "err", err)
		os.Exit(2)
	}

	authenticator := auth.StaticTokens(cfg.StaticTokens)
	h := hub.New(hub.Config{
		Logger:            logger,
		Metrics:           m,
		Registry:          registry,
		Auth:              authenticator,
		Calls:             calls,
		Meetings:          meetings,
		Rooms:             rooms,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: int64(cfg.MessagesPerSecond),
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpapi.New(httpapi.Config{
		Logger:         logger,
		Metrics:        m,
		Build:          httpapi.BuildInfo{Commit: commit, BuildTime: built},
		ListenAddr:     cfg.ListenAddr,
		ICEServers:     cfg.ICEServers,
		Minter:         minter,
		Fetcher:        fetcher,
		CredTTL:        cfg.TurnCredTTL,
		Auth:           authenticator,
		AllowedOrigins: cfg.AllowedOrigins,
		Hub:            h,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natErrCh := make(chan error, 1)
	go func() {
		natErrCh <- nat.Run(ctx)
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- srv.Serve(ln)
	}()

	select {
	case err := <-httpErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case err := <-natErrCh:
		if err != nil {
			logger.Error("nat traversal server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-httpErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
	}
	// nat.Run returns once ctx is done and in-flight handlers drain.
	if err := <-natErrCh; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("nat traversal server exited after shutdown", "err", err)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
