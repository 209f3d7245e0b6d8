// Package config loads the server configuration from environment variables.
// Every tunable of the coordination core is enumerated here with its default;
// unset or unparsable values fall back silently to the default.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable of the process.
type Config struct {
	ListenAddr string

	// Pairing lifecycle.
	GracePeriod        time.Duration // window for pair restoration after disconnect
	PingInterval       time.Duration // heartbeat cadence
	PongTimeout        time.Duration // pong wait, informational for clients
	MaxMissedPings     int           // eviction threshold
	StarvationBonus    time.Duration // waiters older than this get +3 score
	QueueSweepInterval time.Duration // stale queue entry sweep cadence

	// Moderation.
	ModerationURL       string        // Layer 2 classifier endpoint, empty disables
	ModerationThreshold float64       // Layer 2 flag threshold
	ModerationTimeout   time.Duration // Layer 2 per-call timeout
	BlockOnFail         bool          // Layer 2 failure blocks instead of failing open
	MaxFlagsBeforeWarn  int
	MaxFlagsBeforeKick  int

	// Messages.
	MessageExpiry   time.Duration // TTL scheduled on pair end
	MaxMessageChars int
	MaxInterests    int
	TypingTTL       time.Duration

	// Transport.
	SendBuffer     int // outbound channel capacity per connection
	MaxConnections int
	WriteTimeout   time.Duration

	// External collaborators.
	RedisAddr   string // HotStore
	PostgresDSN string // MessageStore + reports, empty disables persistence
	NATSURL     string // audit publisher, empty disables
}

// Load reads the configuration from the environment, applying defaults from
// the specification for anything unset.
func Load() Config {
	return Config{
		ListenAddr: envString("LISTEN_ADDR", ":8080"),

		GracePeriod:        envMillis("GRACE_PERIOD_MS", 30_000),
		PingInterval:       envMillis("PING_INTERVAL_MS", 15_000),
		PongTimeout:        envMillis("PONG_TIMEOUT_MS", 5_000),
		MaxMissedPings:     envInt("MAX_MISSED_PINGS", 2),
		StarvationBonus:    envMillis("STARVATION_BONUS_MS", 30_000),
		QueueSweepInterval: envMillis("QUEUE_SWEEP_INTERVAL_MS", 30_000),

		ModerationURL:       envString("MODERATION_URL", ""),
		ModerationThreshold: envFloat("MODERATION_THRESHOLD", 0.5),
		ModerationTimeout:   envMillis("MODERATION_TIMEOUT_MS", 8_000),
		BlockOnFail:         envBool("MODERATION_BLOCK_ON_FAIL", false),
		MaxFlagsBeforeWarn:  envInt("MAX_FLAGS_BEFORE_WARN", 2),
		MaxFlagsBeforeKick:  envInt("MAX_FLAGS_BEFORE_KICK", 5),

		MessageExpiry:   time.Duration(envInt("MESSAGE_EXPIRY_HOURS", 12)) * time.Hour,
		MaxMessageChars: envInt("MAX_MESSAGE_CHARS", 1000),
		MaxInterests:    envInt("MAX_INTERESTS", 10),
		TypingTTL:       envMillis("TYPING_TTL_MS", 10_000),

		SendBuffer:     envInt("SEND_BUFFER", 64),
		MaxConnections: envInt("MAX_CONNECTIONS", 100_000),
		WriteTimeout:   envMillis("WRITE_TIMEOUT_MS", 10_000),

		RedisAddr:   envString("REDIS_ADDR", "localhost:6379"),
		PostgresDSN: envString("POSTGRES_DSN", ""),
		NATSURL:     envString("NATS_URL", ""),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func envMillis(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
