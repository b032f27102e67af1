package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage, blob and cache driver names.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"

	BlobMemory = "memory"
	BlobS3     = "s3"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	TableName   string `mapstructure:"TABLE_NAME"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	AWSRegion          string `mapstructure:"AWS_REGION"`
	AWSAccessKeyID     string `mapstructure:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `mapstructure:"AWS_SECRET_ACCESS_KEY"`
	DynamoDBEndpoint   string `mapstructure:"DYNAMODB_ENDPOINT"`

	BlobDriver        string `mapstructure:"BLOB_DRIVER"`
	BlobS3Bucket      string `mapstructure:"BLOB_S3_BUCKET"`
	BlobS3Endpoint    string `mapstructure:"BLOB_S3_ENDPOINT"`
	BlobS3PathStyle   bool   `mapstructure:"BLOB_S3_PATH_STYLE"`
	BlobPublicBaseURL string `mapstructure:"BLOB_PUBLIC_BASE_URL"`

	CacheDriver string        `mapstructure:"CACHE_DRIVER"`
	RedisURL    string        `mapstructure:"REDIS_URL"`
	CacheTTL    time.Duration `mapstructure:"CACHE_TTL"`

	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LedgerCommitRetries int           `mapstructure:"LEDGER_COMMIT_RETRIES"`
}

var keys = []string{
	"PORT", "ENV",
	"STORE_DRIVER", "TABLE_NAME", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"AWS_REGION", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "DYNAMODB_ENDPOINT",
	"BLOB_DRIVER", "BLOB_S3_BUCKET", "BLOB_S3_ENDPOINT", "BLOB_S3_PATH_STYLE", "BLOB_PUBLIC_BASE_URL",
	"CACHE_DRIVER", "REDIS_URL", "CACHE_TTL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "LEDGER_COMMIT_RETRIES",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("TABLE_NAME", "PatologiaApp")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "data/labcase.db")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("BLOB_DRIVER", BlobMemory)
	v.SetDefault("BLOB_PUBLIC_BASE_URL", "/api/v1/blobs")
	v.SetDefault("CACHE_DRIVER", CacheMemory)
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LEDGER_COMMIT_RETRIES", 5)

	// Bind env vars explicitly so Unmarshal picks them up.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.BlobDriver = strings.ToLower(strings.TrimSpace(cfg.BlobDriver))
	cfg.CacheDriver = strings.ToLower(strings.TrimSpace(cfg.CacheDriver))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the selected drivers have what they need to start.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER=memory loses all data on restart and is refused in production")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case StoreDynamoDB:
		if c.TableName == "" {
			return fmt.Errorf("TABLE_NAME is required when STORE_DRIVER is %q", StoreDynamoDB)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres, dynamodb, got %q", c.StoreDriver)
	}

	switch c.BlobDriver {
	case BlobMemory:
	case BlobS3:
		if c.BlobS3Bucket == "" {
			return fmt.Errorf("BLOB_S3_BUCKET is required when BLOB_DRIVER is %q", BlobS3)
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be memory or s3, got %q", c.BlobDriver)
	}

	switch c.CacheDriver {
	case CacheMemory:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_DRIVER is %q", CacheRedis)
		}
	default:
		return fmt.Errorf("CACHE_DRIVER must be memory or redis, got %q", c.CacheDriver)
	}

	if c.LedgerCommitRetries < 1 {
		return fmt.Errorf("LEDGER_COMMIT_RETRIES must be at least 1, got %d", c.LedgerCommitRetries)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}
