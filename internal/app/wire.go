package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/echelonworks/echelond/internal/blob/s3"
	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/cache/redis"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/config"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/metrics"
	"github.com/echelonworks/echelond/internal/notify"
	"github.com/echelonworks/echelond/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the run modes need.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Clock   *clock.System
	Bus     *bus.Bus
	Metrics *metrics.Registry

	// Stores
	Markets     domain.MarketStore
	Trades      domain.TradeStore
	Positions   domain.PositionStore
	Timelines   domain.TimelineStore
	Signals     domain.SignalStore
	FeedStatus  domain.FeedStatusStore
	Agents      domain.AgentStore
	Paradoxes   domain.ParadoxStore
	Modes       domain.ModeStore
	Attribution domain.AttributionStore
	Audit       domain.AuditStore

	// Caches
	Recency   domain.RecencyIndex
	Dedup     domain.DedupGuard
	Idem      domain.IdempotencyCache
	FeedCache domain.FeedStatusCache
	Locks     domain.LockManager
	Mirror    domain.EventMirror

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that require durable stores.
func needsPostgres(mode string) bool {
	switch mode {
	case "full", "ingest", "serve":
		return true
	default:
		return false
	}
}

// needsS3 returns true when object storage must be reachable at boot:
// replay always reads and writes bundles; the other modes only when the
// episode exporter is switched on.
func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "replay" || cfg.Export.Enabled
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Clock:   clock.NewSystem(),
		Metrics: metrics.New(),
	}
	deps.Bus = bus.New(logger, deps.Metrics)
	closers = append(closers, deps.Bus.Close)

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Markets = postgres.NewMarketStore(pool)
		deps.Trades = postgres.NewTradeStore(pool)
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Timelines = postgres.NewTimelineStore(pool)
		deps.Signals = postgres.NewSignalStore(pool)
		deps.FeedStatus = postgres.NewFeedStatusStore(pool)
		deps.Agents = postgres.NewAgentStore(pool)
		deps.Paradoxes = postgres.NewParadoxStore(pool)
		deps.Modes = postgres.NewModeStore(pool)
		deps.Attribution = postgres.NewAttributionStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	recencyTTL := time.Duration(cfg.Signals.RetentionDays) * 24 * time.Hour
	deps.Recency = redis.NewRecencyIndex(redisClient, recencyTTL)
	deps.Dedup = redis.NewDedupGuard(redisClient)
	deps.Idem = redis.NewIdempotencyCache(redisClient)
	deps.FeedCache = redis.NewFeedStatusCache(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Mirror = redis.NewEventMirror(redisClient)

	// --- S3 blob storage (only for modes that need object storage) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
