package main

import (
	"log/slog"

	"github.com/crosstalk-io/crosstalk/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.StaticTokens) == 0 {
		logger.Warn("startup warning: no connect tokens configured; every WebSocket connection will be rejected",
			"warning_code", "no_static_tokens",
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd {
		logger.Warn("startup warning: static connect tokens in prod mode; plug in a real identity service",
			"warning_code", "static_tokens_in_prod",
			"token_count", len(cfg.StaticTokens),
			"mode", cfg.Mode,
		)
	}

	if !cfg.TurnCredEnabled() {
		logger.Warn("startup warning: TURN shared secret unset; clients behind symmetric NAT get no relay candidates",
			"warning_code", "turn_minting_disabled",
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; SFU peers fall back to host candidates only",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	if cfg.SfuUDPPortMin == 0 && cfg.Mode == config.ModeProd {
		logger.Warn("startup warning: SFU UDP port range unset in prod mode; firewalling media traffic requires a fixed range",
			"warning_code", "sfu_port_range_unset_in_prod",
			"mode", cfg.Mode,
		)
	}
}
