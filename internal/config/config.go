// Package config loads and validates Clawline's startup configuration tree
// from a file plus environment overrides, in the style of the example
// corpus's viper-backed control plane config.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Network holds the single-port bind configuration.
type Network struct {
	BindAddr            string `mapstructure:"bind_addr" validate:"required"`
	Port                int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	AllowInsecurePublic bool   `mapstructure:"allow_insecure_public"`
}

// Auth holds the pairing-token signing configuration.
type Auth struct {
	KeyPath  string        `mapstructure:"key_path" validate:"required"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// Pairing holds pairing-window and allowlist/denylist settings.
type Pairing struct {
	PendingTTL      time.Duration `mapstructure:"pending_ttl" validate:"required"`
	ReissueGrace    time.Duration `mapstructure:"reissue_grace" validate:"required"`
	AllowlistPath   string        `mapstructure:"allowlist_path" validate:"required"`
	DenylistPath    string        `mapstructure:"denylist_path" validate:"required"`
	WatchDenylist   bool          `mapstructure:"watch_denylist"`
}

// Media holds asset storage settings.
type Media struct {
	RootDir               string        `mapstructure:"root_dir" validate:"required"`
	MaxUploadBytes        int64         `mapstructure:"max_upload_bytes" validate:"required,min=1"`
	UnreferencedAssetTTL  time.Duration `mapstructure:"unreferenced_asset_ttl"`
	SweepPeriod           time.Duration `mapstructure:"sweep_period"`
	SweepBatchSize        int           `mapstructure:"sweep_batch_size" validate:"required,min=1"`
}

// Message holds the validation limits applied to an inbound chat message.
type Message struct {
	MaxBytes           int `mapstructure:"max_bytes" validate:"required,min=1"`
	MaxInlineBytes     int `mapstructure:"max_inline_bytes" validate:"required,min=1"`
	MaxTotalPayload    int `mapstructure:"max_total_payload" validate:"required,min=1"`
	MaxAttachments     int `mapstructure:"max_attachments" validate:"required,min=1"`
}

// Sessions holds replay and prompt-window bounds.
type Sessions struct {
	MaxReplayMessages int `mapstructure:"max_replay_messages" validate:"required,min=1"`
	MaxPromptMessages int `mapstructure:"max_prompt_messages" validate:"required,min=1"`
	MaxQueuedMessages int `mapstructure:"max_queued_messages" validate:"required,min=1"`
	MaxWriteQueueDepth int `mapstructure:"max_write_queue_depth" validate:"required,min=1"`
}

// Streams holds adapter streaming/chunking/inactivity settings.
type Streams struct {
	ChunkPersistInterval     time.Duration `mapstructure:"chunk_persist_interval"`
	ChunkBufferBytes         int           `mapstructure:"chunk_buffer_bytes" validate:"required,min=1"`
	InactivityTimeout        time.Duration `mapstructure:"inactivity_timeout" validate:"required"`
	AdapterExecuteTimeout    time.Duration `mapstructure:"adapter_execute_timeout" validate:"required"`
}

// RateLimits holds the sliding-window caps for every wire message type.
type RateLimits struct {
	PairMax        int           `mapstructure:"pair_max" validate:"required,min=1"`
	PairWindow     time.Duration `mapstructure:"pair_window" validate:"required"`
	AuthMax        int           `mapstructure:"auth_max" validate:"required,min=1"`
	AuthWindow     time.Duration `mapstructure:"auth_window" validate:"required"`
	MessagesPerSec int           `mapstructure:"messages_per_second" validate:"required,min=1"`
	TypingPerSec   int           `mapstructure:"typing_per_second" validate:"required,min=1"`
	OversizeMax    int           `mapstructure:"oversize_max" validate:"required,min=1"`
	OversizeWindow time.Duration `mapstructure:"oversize_window" validate:"required"`
	TypingAutoExpire time.Duration `mapstructure:"typing_auto_expire" validate:"required"`
}

// Adapter holds the name of the assistant adapter this provider talks to.
type Adapter struct {
	Name string `mapstructure:"name"`
}

// Logging controls the slog handler format.
type Logging struct {
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Config is the full, validated configuration tree for one provider
// instance.
type Config struct {
	DataDir    string     `mapstructure:"data_dir" validate:"required"`
	Network    Network    `mapstructure:"network"`
	Auth       Auth       `mapstructure:"auth"`
	Pairing    Pairing    `mapstructure:"pairing"`
	Media      Media      `mapstructure:"media"`
	Message    Message    `mapstructure:"message"`
	Sessions   Sessions   `mapstructure:"sessions"`
	Streams    Streams    `mapstructure:"streams"`
	RateLimits RateLimits `mapstructure:"rate_limits"`
	Adapter    Adapter    `mapstructure:"adapter"`
	Logging    Logging    `mapstructure:"logging"`
}

// Load reads configuration from path (if non-empty) merged with environment
// variables prefixed CLAWLINE_, applies defaults, decodes, and validates.
// An empty path still produces a fully defaulted Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("clawline")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// maxMessageBytes beyond the documented 64 KiB ceiling is clamped rather
	// than rejected outright, so an operator who configures a bigger value
	// gets a working (if non-conformant) server instead of a startup error.
	const maxMessageCeiling = 65536
	if cfg.Message.MaxBytes > maxMessageCeiling {
		slog.Warn("message.max_bytes exceeds the protocol ceiling, clamping",
			"configured", cfg.Message.MaxBytes, "clamped_to", maxMessageCeiling)
		cfg.Message.MaxBytes = maxMessageCeiling
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	v.SetDefault("network.bind_addr", "127.0.0.1")
	v.SetDefault("network.port", 18792)
	v.SetDefault("network.allow_insecure_public", false)

	v.SetDefault("auth.key_path", "./data/jwt.key")
	v.SetDefault("auth.token_ttl", 365*24*time.Hour) // tokenTtlSeconds: 31536000

	v.SetDefault("pairing.pending_ttl", 300*time.Second)
	v.SetDefault("pairing.reissue_grace", 600*time.Second)
	v.SetDefault("pairing.allowlist_path", "./data/allowlist.json")
	v.SetDefault("pairing.denylist_path", "./data/denylist.json")
	v.SetDefault("pairing.watch_denylist", true)

	v.SetDefault("media.root_dir", "./data/assets")
	v.SetDefault("media.max_upload_bytes", 100*1024*1024) // 100 MiB
	v.SetDefault("media.unreferenced_asset_ttl", 0)
	v.SetDefault("media.sweep_period", time.Hour)
	v.SetDefault("media.sweep_batch_size", 10000)

	v.SetDefault("message.max_bytes", 65536)        // 64 KiB
	v.SetDefault("message.max_inline_bytes", 262144) // 256 KiB
	v.SetDefault("message.max_total_payload", 327680) // 320 KiB
	v.SetDefault("message.max_attachments", 4)

	v.SetDefault("sessions.max_replay_messages", 500)
	v.SetDefault("sessions.max_prompt_messages", 200)
	v.SetDefault("sessions.max_queued_messages", 20)
	v.SetDefault("sessions.max_write_queue_depth", 1000)

	v.SetDefault("streams.chunk_persist_interval", 100*time.Millisecond)
	v.SetDefault("streams.chunk_buffer_bytes", 1048576) // 1 MiB
	v.SetDefault("streams.inactivity_timeout", 300*time.Second)
	v.SetDefault("streams.adapter_execute_timeout", 120*time.Second)

	v.SetDefault("rate_limits.pair_max", 5)
	v.SetDefault("rate_limits.pair_window", 60*time.Second)
	v.SetDefault("rate_limits.auth_max", 5)
	v.SetDefault("rate_limits.auth_window", 60*time.Second)
	v.SetDefault("rate_limits.messages_per_second", 5)
	v.SetDefault("rate_limits.typing_per_second", 2)
	v.SetDefault("rate_limits.oversize_max", 3)
	v.SetDefault("rate_limits.oversize_window", 60*time.Second)
	v.SetDefault("rate_limits.typing_auto_expire", 10*time.Second)

	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")
}

// RefusesNonLocalBind reports whether the configured bind address is
// anything other than loopback, which the startup sequence treats as fatal
// unless AllowInsecurePublic is set.
func (c *Config) RefusesNonLocalBind() bool {
	if c.Network.AllowInsecurePublic {
		return false
	}
	switch c.Network.BindAddr {
	case "127.0.0.1", "localhost", "::1":
		return false
	default:
		return true
	}
}
