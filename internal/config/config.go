// Package config defines the top-level configuration for the echelon
// orchestration core and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ECHELON_* environment
// variables. Unknown TOML keys are rejected at load time.
type Config struct {
	Signals    SignalsConfig    `toml:"signals"`
	Engine     EngineConfig     `toml:"engine"`
	Timelines  TimelinesConfig  `toml:"timelines"`
	Agents     AgentsConfig     `toml:"agents"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Platform   PlatformConfig   `toml:"platform"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Export     ExportConfig     `toml:"export"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// FeedSource describes one OSINT source to poll.
type FeedSource struct {
	Tag          string   `toml:"tag"`
	Category     string   `toml:"category"` // news, social, market_data, chain
	Tier         string   `toml:"tier"`     // premium, free, decentralized
	URL          string   `toml:"url"`
	PollInterval duration `toml:"poll_interval"`
	Critical     bool     `toml:"critical"`
	Topics       []string `toml:"topics"`
}

// SignalsConfig holds signal store and ingestion parameters.
type SignalsConfig struct {
	RetentionDays   int          `toml:"retention_days"`
	DedupTTL        duration     `toml:"dedup_ttl"`
	RecencyKeep     int          `toml:"recency_keep"` // entries kept per topic in the cache index
	QueryLimitMax   int          `toml:"query_limit_max"`
	PruneInterval   duration     `toml:"prune_interval"`
	Sources         []FeedSource `toml:"sources"`
}

// EngineConfig holds market engine parameters.
type EngineConfig struct {
	QuoteValid           duration `toml:"quote_valid"`
	IdemRetention        duration `toml:"idem_retention"`
	SlippageToleranceBps float64  `toml:"slippage_tolerance_bps"`
	MinPositionUSD       float64  `toml:"min_position_usd"`
	MaxPositionUSD       float64  `toml:"max_position_usd"`
	DefaultSeedLiquidity float64  `toml:"default_seed_liquidity"`
}

// TimelinesConfig holds fork registry parameters.
type TimelinesConfig struct {
	DefaultDuration      duration `toml:"default_duration"`
	ReapInterval         duration `toml:"reap_interval"`
	VRFFresh             duration `toml:"vrf_fresh"`
	DisputeWindow        duration `toml:"dispute_window"`
	ParadoxOpenGap       float64  `toml:"paradox_open_gap"`
	ParadoxCloseGap      float64  `toml:"paradox_close_gap"`
	ParadoxExtractWindow duration `toml:"paradox_extract_window"`
	MaxForksPerOwner     int      `toml:"max_forks_per_owner"`
}

// AgentsConfig holds scheduler and archetype parameters.
type AgentsConfig struct {
	Enabled            bool     `toml:"enabled"`
	Tick               duration `toml:"tick"`
	FairnessShare      float64  `toml:"fairness_share"` // max share of a window one archetype may use
	SabotageCapPerHour int      `toml:"sabotage_cap_per_hour"`
	PnLFloorUSD        float64  `toml:"pnl_floor_usd"`
	InactivityDays     int      `toml:"inactivity_days"`
	ExclusiveWindow    duration `toml:"exclusive_window"` // spy head start on fresh signals
	StabilityDelta     float64  `toml:"stability_delta"`  // diplomat entry threshold
	DefaultBudgetUSD   float64  `toml:"default_budget_usd"`
}

// SupervisorConfig holds degraded-mode supervisor parameters.
type SupervisorConfig struct {
	CheckInterval duration `toml:"check_interval"`
}

// PlatformConfig holds external venue adapter parameters.
type PlatformConfig struct {
	Enabled         bool             `toml:"enabled"`
	BuilderCode     string           `toml:"builder_code"`
	RateLimitPoly   int              `toml:"rate_limit_poly"`   // requests per 60s window
	RateLimitKalshi int              `toml:"rate_limit_kalshi"` // requests per 1s window
	MaxRetries      int              `toml:"max_retries"`
	RequestTimeout  duration         `toml:"request_timeout"`
	StreamIdle      duration         `toml:"stream_idle"`
	Polymarket      PolymarketConfig `toml:"polymarket"`
	Kalshi          KalshiConfig     `toml:"kalshi"`
	// CredentialsPath points at a pbkdf2+AES-GCM encrypted credentials
	// file; CredentialsPassword unlocks it at boot.
	CredentialsPath     string `toml:"credentials_path"`
	CredentialsPassword string `toml:"credentials_password"`
}

// PolymarketConfig holds Polymarket API endpoints.
type PolymarketConfig struct {
	ClobHost  string `toml:"clob_host"`
	GammaHost string `toml:"gamma_host"`
	WsHost    string `toml:"ws_host"`
	ApiKey    string `toml:"api_key"`
}

// KalshiConfig holds Kalshi exchange API credentials.
type KalshiConfig struct {
	ApiKey            string `toml:"api_key"`
	RsaPrivateKeyPath string `toml:"rsa_private_key_path"`
	BaseURL           string `toml:"base_url"`
	WsURL             string `toml:"ws_url"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ExportConfig holds episode exporter parameters.
type ExportConfig struct {
	Enabled       bool     `toml:"enabled"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval duration `toml:"flush_interval"`
	Prefix        string   `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards every route except /healthz and /metrics; empty
	// disables authentication.
	APIKey string `toml:"api_key"`
	// RateLimit caps requests per client IP per minute; 0 disables.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder
// can parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Signals: SignalsConfig{
			RetentionDays: 30,
			DedupTTL:      duration{24 * time.Hour},
			RecencyKeep:   512,
			QueryLimitMax: 500,
			PruneInterval: duration{time.Hour},
			Sources:       []FeedSource{},
		},
		Engine: EngineConfig{
			QuoteValid:           duration{10 * time.Second},
			IdemRetention:        duration{15 * time.Minute},
			SlippageToleranceBps: 50,
			MinPositionUSD:       1,
			MaxPositionUSD:       10_000,
			DefaultSeedLiquidity: 2_000,
		},
		Timelines: TimelinesConfig{
			DefaultDuration:      duration{7 * 24 * time.Hour},
			ReapInterval:         duration{time.Minute},
			VRFFresh:             duration{10 * time.Minute},
			DisputeWindow:        duration{24 * time.Hour},
			ParadoxOpenGap:       0.65,
			ParadoxCloseGap:      0.35,
			ParadoxExtractWindow: duration{time.Hour},
			MaxForksPerOwner:     16,
		},
		Agents: AgentsConfig{
			Enabled:            true,
			Tick:               duration{time.Second},
			FairnessShare:      0.4,
			SabotageCapPerHour: 4,
			PnLFloorUSD:        -50_000,
			InactivityDays:     30,
			ExclusiveWindow:    duration{30 * time.Second},
			StabilityDelta:     0.12,
			DefaultBudgetUSD:   25_000,
		},
		Supervisor: SupervisorConfig{
			CheckInterval: duration{10 * time.Second},
		},
		Platform: PlatformConfig{
			Enabled:         false,
			RateLimitPoly:   100,
			RateLimitKalshi: 10,
			MaxRetries:      3,
			RequestTimeout:  duration{5 * time.Second},
			StreamIdle:      duration{30 * time.Second},
			Polymarket: PolymarketConfig{
				ClobHost:  "https://clob.polymarket.com",
				GammaHost: "https://gamma-api.polymarket.com",
				WsHost:    "wss://ws-subscriptions-clob.polymarket.com",
			},
			Kalshi: KalshiConfig{
				BaseURL: "https://api.elections.kalshi.com/trade-api/v2",
				WsURL:   "wss://api.elections.kalshi.com/trade-api/ws/v2",
			},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "echelon",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "echelon-episodes",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Export: ExportConfig{
			Enabled:       false,
			BatchSize:     500,
			FlushInterval: duration{time.Minute},
			Prefix:        "episodes",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   600,
		},
		Notify: NotifyConfig{
			Events: []string{"mode.changed", "paradox.opened", "timeline.reaped", "halt"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":   true, // everything: feeds, engine, agents, supervisor, server
	"ingest": true, // feeds and signal store only
	"serve":  true, // HTTP surface and engine, no agents or feeds
	"replay": true, // re-stream mirrored events into the exporter
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validTiers = map[string]bool{
	"premium": true, "free": true, "decentralized": true,
}

var validCategories = map[string]bool{
	"news": true, "social": true, "market_data": true, "chain": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, ingest, serve, replay)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Signals
	if c.Signals.RetentionDays < 1 {
		errs = append(errs, "signals: retention_days must be >= 1")
	}
	if c.Signals.DedupTTL.Duration <= 0 {
		errs = append(errs, "signals: dedup_ttl must be > 0")
	}
	for i, src := range c.Signals.Sources {
		if src.Tag == "" {
			errs = append(errs, fmt.Sprintf("signals.sources[%d]: tag must not be empty", i))
		}
		if !validTiers[src.Tier] {
			errs = append(errs, fmt.Sprintf("signals.sources[%d]: unknown tier %q (valid: premium, free, decentralized)", i, src.Tier))
		}
		if !validCategories[src.Category] {
			errs = append(errs, fmt.Sprintf("signals.sources[%d]: unknown category %q (valid: news, social, market_data, chain)", i, src.Category))
		}
		if src.PollInterval.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("signals.sources[%d]: poll_interval must be > 0", i))
		}
	}

	// Engine
	if c.Engine.QuoteValid.Duration <= 0 {
		errs = append(errs, "engine: quote_valid must be > 0")
	}
	if c.Engine.IdemRetention.Duration < 15*time.Minute {
		errs = append(errs, "engine: idem_retention must be at least 15m")
	}
	if c.Engine.SlippageToleranceBps < 0 {
		errs = append(errs, "engine: slippage_tolerance_bps must be >= 0")
	}
	if c.Engine.MinPositionUSD <= 0 {
		errs = append(errs, "engine: min_position_usd must be > 0")
	}
	if c.Engine.MaxPositionUSD < c.Engine.MinPositionUSD {
		errs = append(errs, "engine: max_position_usd must be >= min_position_usd")
	}
	if c.Engine.DefaultSeedLiquidity <= 0 {
		errs = append(errs, "engine: default_seed_liquidity must be > 0")
	}

	// Timelines
	if c.Timelines.DefaultDuration.Duration <= 0 {
		errs = append(errs, "timelines: default_duration must be > 0")
	}
	if c.Timelines.DisputeWindow.Duration <= 0 {
		errs = append(errs, "timelines: dispute_window must be > 0")
	}
	if c.Timelines.ParadoxCloseGap >= c.Timelines.ParadoxOpenGap {
		errs = append(errs, "timelines: paradox_close_gap must be below paradox_open_gap")
	}

	// Agents
	if c.Agents.Tick.Duration <= 0 {
		errs = append(errs, "agents: tick must be > 0")
	}
	if c.Agents.FairnessShare <= 0 || c.Agents.FairnessShare > 1 {
		errs = append(errs, "agents: fairness_share must be in (0,1]")
	}
	if c.Agents.SabotageCapPerHour < 0 {
		errs = append(errs, "agents: sabotage_cap_per_hour must be >= 0")
	}
	if c.Agents.PnLFloorUSD >= 0 {
		errs = append(errs, "agents: pnl_floor_usd must be negative")
	}
	if c.Agents.InactivityDays < 1 {
		errs = append(errs, "agents: inactivity_days must be >= 1")
	}

	// Supervisor
	if c.Supervisor.CheckInterval.Duration <= 0 {
		errs = append(errs, "supervisor: check_interval must be > 0")
	}

	// Platform
	if c.Platform.Enabled {
		if c.Platform.BuilderCode == "" {
			errs = append(errs, "platform: builder_code is required when the platform adapter is enabled")
		}
		if c.Platform.RateLimitPoly < 1 {
			errs = append(errs, "platform: rate_limit_poly must be >= 1")
		}
		if c.Platform.RateLimitKalshi < 1 {
			errs = append(errs, "platform: rate_limit_kalshi must be >= 1")
		}
		if c.Platform.MaxRetries < 0 || c.Platform.MaxRetries > 3 {
			errs = append(errs, "platform: max_retries must be between 0 and 3")
		}
		if c.Platform.Kalshi.ApiKey == "" && c.Platform.CredentialsPath == "" {
			errs = append(errs, "platform: kalshi.api_key or credentials_path is required when the adapter is enabled")
		}
		if c.Platform.CredentialsPath != "" && c.Platform.CredentialsPassword == "" {
			errs = append(errs, "platform: credentials_password is required when credentials_path is set")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Export
	if c.Export.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when export is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when export is enabled")
		}
		if c.Export.BatchSize < 1 {
			errs = append(errs, "export: batch_size must be >= 1")
		}
		if c.Export.FlushInterval.Duration <= 0 {
			errs = append(errs, "export: flush_interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
