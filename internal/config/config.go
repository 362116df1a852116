// Package config loads and validates server configuration. Environment
// variables supply defaults; command-line flags override them.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CROSSTALK_LISTEN_ADDR"
	envVarStunUDPAddr     = "CROSSTALK_STUN_UDP_ADDR"
	envVarStunTCPAddr     = "CROSSTALK_STUN_TCP_ADDR"
	envVarMode            = "CROSSTALK_MODE"
	envVarLogFormat       = "CROSSTALK_LOG_FORMAT"
	envVarLogLevel        = "CROSSTALK_LOG_LEVEL"
	envVarShutdownTimeout = "CROSSTALK_SHUTDOWN_TIMEOUT"

	// NAT traversal allocations.
	envVarRelayPortMin  = "CROSSTALK_RELAY_PORT_MIN"
	envVarRelayPortMax  = "CROSSTALK_RELAY_PORT_MAX"
	envVarAllocationTTL = "CROSSTALK_ALLOCATION_TTL"

	// TURN REST ephemeral credentials.
	envVarTurnSharedSecret = "CROSSTALK_TURN_SHARED_SECRET"
	envVarTurnCredTTL      = "CROSSTALK_TURN_CREDENTIAL_TTL"

	// SFU media transport.
	envVarSfuUDPPortMin = "CROSSTALK_SFU_UDP_PORT_MIN"
	envVarSfuUDPPortMax = "CROSSTALK_SFU_UDP_PORT_MAX"

	// Hub WebSocket hardening.
	envVarMaxMessageBytes   = "CROSSTALK_MAX_MESSAGE_BYTES"
	envVarMessagesPerSecond = "CROSSTALK_MESSAGES_PER_SECOND"

	envVarRoomCapacity = "CROSSTALK_ROOM_CAPACITY"

	// Static dev tokens: "token=userID,token=userID".
	envVarStaticTokens = "CROSSTALK_STATIC_TOKENS"

	envVarRedisAddr      = "CROSSTALK_REDIS_ADDR"
	envVarAllowedOrigins = "CROSSTALK_ALLOWED_ORIGINS"
)

const (
	DefaultListenAddr  = "127.0.0.1:8080"
	DefaultStunUDPAddr = ":3478"
	DefaultShutdown    = 15 * time.Second

	DefaultAllocationTTL = 10 * time.Minute
	DefaultRelayPortMin  = 49152
	DefaultRelayPortMax  = 65535

	DefaultTurnCredTTL = time.Hour

	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMessagesPerSecond = 50

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string
	// StunUDPAddr is the NAT traversal UDP listen address. StunTCPAddr enables
	// the TCP fallback responder when non-empty.
	StunUDPAddr string
	StunTCPAddr string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	RelayPortMin  int
	RelayPortMax  int
	AllocationTTL time.Duration

	// TurnSharedSecret enables TURN REST credential minting when non-empty.
	TurnSharedSecret string
	TurnCredTTL      time.Duration

	// SfuUDPPortMin/Max restrict the UDP ports used for SFU ICE. Zero means
	// the OS ephemeral range.
	SfuUDPPortMin uint16
	SfuUDPPortMax uint16

	MaxMessageBytes   int64
	MessagesPerSecond int

	// RoomCapacity caps meetings that carry no explicit participant limit.
	// Zero means unlimited.
	RoomCapacity int

	// StaticTokens maps connect tokens to user ids for dev/test deployments.
	StaticTokens map[string]int64

	// RedisAddr enables the Redis credential cache when non-empty.
	RedisAddr string

	// AllowedOrigins lists browser origins (or "*") permitted on the
	// WebSocket and credential endpoints. Empty means same-host only.
	AllowedOrigins []string

	ICEServers []webrtc.ICEServer
}

// TurnCredEnabled reports whether ephemeral TURN credentials can be minted.
func (c Config) TurnCredEnabled() bool {
	return strings.TrimSpace(c.TurnSharedSecret) != ""
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if raw, ok := lookup(envVarMode); ok && strings.TrimSpace(raw) != "" {
		modeDefault = strings.TrimSpace(raw)
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	stunUDPAddr := envOrDefault(lookup, envVarStunUDPAddr, DefaultStunUDPAddr)
	stunTCPAddr := envOrDefault(lookup, envVarStunTCPAddr, "")

	relayPortMin, err := envIntOrDefault(lookup, envVarRelayPortMin, DefaultRelayPortMin)
	if err != nil {
		return Config{}, err
	}
	relayPortMax, err := envIntOrDefault(lookup, envVarRelayPortMax, DefaultRelayPortMax)
	if err != nil {
		return Config{}, err
	}

	allocationTTL, err := envDurationOrDefault(lookup, envVarAllocationTTL, DefaultAllocationTTL)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	turnSharedSecret := envOrDefault(lookup, envVarTurnSharedSecret, "")
	turnCredTTL, err := envDurationOrDefault(lookup, envVarTurnCredTTL, DefaultTurnCredTTL)
	if err != nil {
		return Config{}, err
	}

	var sfuPortMin, sfuPortMax uint
	if raw, ok := lookup(envVarSfuUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSfuUDPPortMin, raw, err)
		}
		sfuPortMin = uint(p)
	}
	if raw, ok := lookup(envVarSfuUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSfuUDPPortMax, raw, err)
		}
		sfuPortMax = uint(p)
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	messagesPerSecond, err := envIntOrDefault(lookup, envVarMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	roomCapacity, err := envIntOrDefault(lookup, envVarRoomCapacity, 0)
	if err != nil {
		return Config{}, err
	}

	staticTokensStr := envOrDefault(lookup, envVarStaticTokens, "")
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")

	fs := flag.NewFlagSet("crosstalkd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&stunUDPAddr, "stun-udp-addr", stunUDPAddr, "NAT traversal UDP listen address (env "+envVarStunUDPAddr+")")
	fs.StringVar(&stunTCPAddr, "stun-tcp-addr", stunTCPAddr, "NAT traversal TCP fallback listen address, empty to disable (env "+envVarStunTCPAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")

	fs.IntVar(&relayPortMin, "relay-port-min", relayPortMin, "Low end of the relay allocation port range (env "+envVarRelayPortMin+")")
	fs.IntVar(&relayPortMax, "relay-port-max", relayPortMax, "High end of the relay allocation port range (env "+envVarRelayPortMax+")")
	fs.DurationVar(&allocationTTL, "allocation-ttl", allocationTTL, "Relay allocation lifetime (env "+envVarAllocationTTL+")")

	fs.StringVar(&turnSharedSecret, "turn-shared-secret", turnSharedSecret, "Shared secret for TURN REST credentials (env "+envVarTurnSharedSecret+")")
	fs.DurationVar(&turnCredTTL, "turn-credential-ttl", turnCredTTL, "TURN REST credential validity (env "+envVarTurnCredTTL+")")

	fs.UintVar(&sfuPortMin, "sfu-udp-port-min", sfuPortMin, "Min UDP port for SFU ICE (0 = unset; env "+envVarSfuUDPPortMin+")")
	fs.UintVar(&sfuPortMax, "sfu-udp-port-max", sfuPortMax, "Max UDP port for SFU ICE (0 = unset; env "+envVarSfuUDPPortMax+")")

	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&messagesPerSecond, "messages-per-second", messagesPerSecond, "Max inbound WebSocket messages per second per connection (env "+envVarMessagesPerSecond+")")
	fs.IntVar(&roomCapacity, "room-capacity", roomCapacity, "Participant cap for meetings without an explicit limit, 0 for unlimited (env "+envVarRoomCapacity+")")

	fs.StringVar(&staticTokensStr, "static-tokens", staticTokensStr, "Static token=userID pairs, comma separated (env "+envVarStaticTokens+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the credential cache, empty to use in-memory (env "+envVarRedisAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated allowed browser origins (env "+envVarAllowedOrigins+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if stunUDPAddr == "" {
		return Config{}, fmt.Errorf("%s/--stun-udp-addr must not be empty", envVarStunUDPAddr)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if relayPortMin <= 0 || relayPortMin > 65535 {
		return Config{}, fmt.Errorf("%s/--relay-port-min out of range: %d", envVarRelayPortMin, relayPortMin)
	}
	if relayPortMax < relayPortMin || relayPortMax > 65535 {
		return Config{}, fmt.Errorf("%s/--relay-port-max must be in [%d, 65535]; got %d", envVarRelayPortMax, relayPortMin, relayPortMax)
	}
	if allocationTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--allocation-ttl must be > 0", envVarAllocationTTL)
	}
	if turnCredTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-credential-ttl must be > 0", envVarTurnCredTTL)
	}
	if (sfuPortMin == 0) != (sfuPortMax == 0) {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarSfuUDPPortMin, envVarSfuUDPPortMax)
	}
	if sfuPortMin > sfuPortMax {
		return Config{}, fmt.Errorf("%s must be <= %s", envVarSfuUDPPortMin, envVarSfuUDPPortMax)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if messagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--messages-per-second must be > 0", envVarMessagesPerSecond)
	}
	if roomCapacity < 0 {
		return Config{}, fmt.Errorf("%s/--room-capacity must be >= 0", envVarRoomCapacity)
	}

	staticTokens, err := parseStaticTokens(staticTokensStr)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, strings.TrimSpace(turnSharedSecret) != "")
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:        listenAddr,
		StunUDPAddr:       stunUDPAddr,
		StunTCPAddr:       stunTCPAddr,
		Mode:              mode,
		LogFormat:         logFormat,
		LogLevel:          level,
		ShutdownTimeout:   shutdownTimeout,
		RelayPortMin:      relayPortMin,
		RelayPortMax:      relayPortMax,
		AllocationTTL:     allocationTTL,
		TurnSharedSecret:  turnSharedSecret,
		TurnCredTTL:       turnCredTTL,
		SfuUDPPortMin:     uint16(sfuPortMin),
		SfuUDPPortMax:     uint16(sfuPortMax),
		MaxMessageBytes:   maxMessageBytes,
		MessagesPerSecond: messagesPerSecond,
		RoomCapacity:      roomCapacity,
		StaticTokens:      staticTokens,
		RedisAddr:         redisAddr,
		AllowedOrigins:    splitCommaSeparated(allowedOriginsStr),
		ICEServers:        iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseStaticTokens(raw string) (map[string]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, idStr, ok := strings.Cut(pair, "=")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			return nil, fmt.Errorf("invalid %s entry %q (expected token=userID)", envVarStaticTokens, pair)
		}
		userID, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil || userID <= 0 {
			return nil, fmt.Errorf("invalid %s user id in %q", envVarStaticTokens, pair)
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("duplicate %s token %q", envVarStaticTokens, token)
		}
		out[token] = userID
	}
	return out, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(v), nil
}
