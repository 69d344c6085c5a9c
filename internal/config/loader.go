package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DERBY_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DERBY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.WsURL, "DERBY_CHAIN_WS_URL")

	// ── Derby ──
	setInt64Slice(&cfg.Derby.MarketIDs, "DERBY_MARKET_IDS")
	setDuration(&cfg.Derby.RefreshInterval, "DERBY_REFRESH_INTERVAL")
	setStr(&cfg.Derby.AccountAddress, "DERBY_ACCOUNT_ADDRESS")
	setStr(&cfg.Derby.WalletID, "DERBY_WALLET_ID")
	setFloat64(&cfg.Derby.SlippagePct, "DERBY_SLIPPAGE_PCT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DERBY_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DERBY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DERBY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DERBY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DERBY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DERBY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DERBY_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DERBY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DERBY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DERBY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DERBY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DERBY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DERBY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DERBY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DERBY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DERBY_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DERBY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DERBY_S3_REGION")
	setStr(&cfg.S3.Bucket, "DERBY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DERBY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DERBY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DERBY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DERBY_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "DERBY_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Archive.DeleteAfterArchive, "DERBY_ARCHIVE_DELETE_AFTER_ARCHIVE")

	// ── Notify ──
	setStr(&cfg.Notify.DiscordWebhookURL, "DERBY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DERBY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DERBY_MODE")
	setStr(&cfg.LogLevel, "DERBY_LOG_LEVEL")
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

func setInt64Slice(dst *[]int64, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		parsed := make([]int64, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			n, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return
			}
			parsed = append(parsed, n)
		}
		if len(parsed) > 0 {
			*dst = parsed
		}
	}
}
