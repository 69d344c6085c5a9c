package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/derbylabs/derbybot/internal/blob/s3"
	"github.com/derbylabs/derbybot/internal/cache/redis"
	"github.com/derbylabs/derbybot/internal/chain/zeitgeist"
	"github.com/derbylabs/derbybot/internal/config"
	"github.com/derbylabs/derbybot/internal/domain"
	"github.com/derbylabs/derbybot/internal/notify"
	"github.com/derbylabs/derbybot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Chain is the node connection. It serves as ChainReader, BlockSubscriber
	// and TradeSubmitter. Nil in archive mode, which never talks to the chain.
	Chain *zeitgeist.Client

	// Stores
	PriceHistory domain.PriceHistoryStore
	Settlements  domain.SettlementStore

	// Redis
	PriceMirror domain.PriceMirror
	SignalBus   domain.SignalBus
	Locks       domain.LockManager

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsChain returns true for modes that follow live markets on the node.
func needsChain(mode string) bool {
	switch mode {
	case "watch", "trade", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	switch mode {
	case "archive", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Chain connection (only for modes that follow live markets) ---
	if needsChain(cfg.Mode) {
		chainClient := zeitgeist.NewClient(cfg.Chain.WsURL, logger)
		if err := chainClient.Connect(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, func() { _ = chainClient.Close() })
		deps.Chain = chainClient
	}

	// --- PostgreSQL ---
	// Every mode persists or sweeps price history, so the pool is always built.
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

	// Run migrations if enabled.
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	priceHistory := postgres.NewPriceHistoryStore(pool)
	deps.PriceHistory = priceHistory
	deps.Settlements = postgres.NewSettlementStore(pool)

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

	deps.PriceMirror = redis.NewPriceMirror(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)

	// --- S3 blob storage (only for modes that sweep history) ---
	if needsS3(cfg.Mode) {
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
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, priceHistory, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
