package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ECHELON_* environment variable overrides, and
// returns the final Config. Unknown TOML keys are a hard error so typos
// fail at boot instead of silently running on defaults. The returned
// Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown options: %s", strings.Join(keys, ", "))
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ECHELON_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets and the operational
// knobs at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Operational knobs (short, documented names) ──
	setSeconds(&cfg.Supervisor.CheckInterval, "ECHELON_MODE_CHECK_INTERVAL_S")
	setInt(&cfg.Platform.RateLimitPoly, "ECHELON_RATE_LIMIT_POLY")
	setInt(&cfg.Platform.RateLimitKalshi, "ECHELON_RATE_LIMIT_KALSHI")
	setStr(&cfg.Platform.BuilderCode, "ECHELON_BUILDER_CODE")
	setMillis(&cfg.Agents.Tick, "ECHELON_AGENT_TICK_MS")
	setFloat64(&cfg.Engine.MaxPositionUSD, "ECHELON_MAX_POSITION_SIZE_USD")
	setFloat64(&cfg.Engine.MinPositionUSD, "ECHELON_MIN_POSITION_SIZE_USD")
	setInt(&cfg.Agents.SabotageCapPerHour, "ECHELON_SABOTAGE_CAP_PER_HOUR")
	setSeconds(&cfg.Timelines.DisputeWindow, "ECHELON_DISPUTE_WINDOW_S")

	// ── Signals ──
	setInt(&cfg.Signals.RetentionDays, "ECHELON_SIGNALS_RETENTION_DAYS")
	setDuration(&cfg.Signals.DedupTTL, "ECHELON_SIGNALS_DEDUP_TTL")
	setInt(&cfg.Signals.RecencyKeep, "ECHELON_SIGNALS_RECENCY_KEEP")

	// ── Engine ──
	setDuration(&cfg.Engine.QuoteValid, "ECHELON_ENGINE_QUOTE_VALID")
	setDuration(&cfg.Engine.IdemRetention, "ECHELON_ENGINE_IDEM_RETENTION")
	setFloat64(&cfg.Engine.SlippageToleranceBps, "ECHELON_ENGINE_SLIPPAGE_TOLERANCE_BPS")
	setFloat64(&cfg.Engine.DefaultSeedLiquidity, "ECHELON_ENGINE_DEFAULT_SEED_LIQUIDITY")

	// ── Timelines ──
	setDuration(&cfg.Timelines.DefaultDuration, "ECHELON_TIMELINES_DEFAULT_DURATION")
	setDuration(&cfg.Timelines.ReapInterval, "ECHELON_TIMELINES_REAP_INTERVAL")
	setDuration(&cfg.Timelines.VRFFresh, "ECHELON_TIMELINES_VRF_FRESH")
	setFloat64(&cfg.Timelines.ParadoxOpenGap, "ECHELON_TIMELINES_PARADOX_OPEN_GAP")
	setFloat64(&cfg.Timelines.ParadoxCloseGap, "ECHELON_TIMELINES_PARADOX_CLOSE_GAP")

	// ── Agents ──
	setBool(&cfg.Agents.Enabled, "ECHELON_AGENTS_ENABLED")
	setFloat64(&cfg.Agents.FairnessShare, "ECHELON_AGENTS_FAIRNESS_SHARE")
	setFloat64(&cfg.Agents.PnLFloorUSD, "ECHELON_AGENTS_PNL_FLOOR_USD")
	setInt(&cfg.Agents.InactivityDays, "ECHELON_AGENTS_INACTIVITY_DAYS")
	setFloat64(&cfg.Agents.DefaultBudgetUSD, "ECHELON_AGENTS_DEFAULT_BUDGET_USD")

	// ── Platform ──
	setBool(&cfg.Platform.Enabled, "ECHELON_PLATFORM_ENABLED")
	setInt(&cfg.Platform.MaxRetries, "ECHELON_PLATFORM_MAX_RETRIES")
	setDuration(&cfg.Platform.RequestTimeout, "ECHELON_PLATFORM_REQUEST_TIMEOUT")
	setStr(&cfg.Platform.Polymarket.ClobHost, "ECHELON_PLATFORM_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Platform.Polymarket.GammaHost, "ECHELON_PLATFORM_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Platform.Polymarket.WsHost, "ECHELON_PLATFORM_POLYMARKET_WS_HOST")
	setStr(&cfg.Platform.Polymarket.ApiKey, "ECHELON_PLATFORM_POLYMARKET_API_KEY")
	setStr(&cfg.Platform.Kalshi.ApiKey, "ECHELON_PLATFORM_KALSHI_API_KEY")
	setStr(&cfg.Platform.Kalshi.RsaPrivateKeyPath, "ECHELON_PLATFORM_KALSHI_RSA_PRIVATE_KEY_PATH")
	setStr(&cfg.Platform.Kalshi.BaseURL, "ECHELON_PLATFORM_KALSHI_BASE_URL")
	setStr(&cfg.Platform.CredentialsPath, "ECHELON_PLATFORM_CREDENTIALS_PATH")
	setStr(&cfg.Platform.CredentialsPassword, "ECHELON_PLATFORM_CREDENTIALS_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ECHELON_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ECHELON_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ECHELON_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ECHELON_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ECHELON_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ECHELON_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ECHELON_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ECHELON_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ECHELON_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ECHELON_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ECHELON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ECHELON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ECHELON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ECHELON_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ECHELON_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ECHELON_REDIS_TLS_ENABLED")

	// ── S3 / Export ──
	setStr(&cfg.S3.Endpoint, "ECHELON_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ECHELON_S3_REGION")
	setStr(&cfg.S3.Bucket, "ECHELON_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ECHELON_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ECHELON_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ECHELON_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ECHELON_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Export.Enabled, "ECHELON_EXPORT_ENABLED")
	setInt(&cfg.Export.BatchSize, "ECHELON_EXPORT_BATCH_SIZE")
	setDuration(&cfg.Export.FlushInterval, "ECHELON_EXPORT_FLUSH_INTERVAL")
	setStr(&cfg.Export.Prefix, "ECHELON_EXPORT_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ECHELON_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ECHELON_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ECHELON_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ECHELON_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ECHELON_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ECHELON_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ECHELON_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ECHELON_MODE")
	setStr(&cfg.LogLevel, "ECHELON_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// setSeconds parses a plain integer number of seconds.
func setSeconds(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			dst.Duration = time.Duration(n) * time.Second
		}
	}
}

// setMillis parses a plain integer number of milliseconds.
func setMillis(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			dst.Duration = time.Duration(n) * time.Millisecond
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
