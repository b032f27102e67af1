package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labcase/labcase/internal/config"
	"github.com/labcase/labcase/internal/domain/billing"
	"github.com/labcase/labcase/internal/domain/diagnostics"
	"github.com/labcase/labcase/internal/domain/identity"
	"github.com/labcase/labcase/internal/platform/blobstore"
	s3blob "github.com/labcase/labcase/internal/platform/blobstore/s3"
	"github.com/labcase/labcase/internal/platform/cache"
	"github.com/labcase/labcase/internal/platform/collection"
	"github.com/labcase/labcase/internal/platform/db"
	"github.com/labcase/labcase/internal/platform/metrics"
	"github.com/labcase/labcase/internal/platform/middleware"
	"github.com/labcase/labcase/internal/platform/table"
	"github.com/labcase/labcase/internal/platform/table/dynamo"
	"github.com/labcase/labcase/internal/platform/table/memory"
	"github.com/labcase/labcase/internal/platform/table/postgres"
	"github.com/labcase/labcase/internal/platform/table/sqlite"
	"github.com/labcase/labcase/pkg/envelope"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "labcase-server",
		Short: "Pathology lab case management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tableCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run schema migrations for the postgres backend",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreDriver != config.StorePostgres {
		return nil, nil, fmt.Errorf("migrations apply to STORE_DRIVER=%s only, got %q", config.StorePostgres, cfg.StoreDriver)
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, postgres.Migrations()), pool.Close, nil
}

func tableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Manage the physical record table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the record table for the configured backend if it is missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := context.Background()
			b, err := openBackends(ctx, cfg, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			defer b.Close()

			if err := ensureTable(ctx, b.table); err != nil {
				return err
			}
			fmt.Printf("Table ready on %s backend.\n", cfg.StoreDriver)
			return nil
		},
	})
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rewrite cached paid totals and payment statuses from the payment ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			ctx := context.Background()
			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			app := newApp(cfg, logger, b, nil)
			report, err := app.ledger.Reconcile(ctx)
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}
			fmt.Printf("Checked %d request(s), updated %d, failed %d.\n", report.Checked, report.Updated, len(report.Failed))
			for _, id := range report.Failed {
				fmt.Printf("  failed: %s\n", id)
			}
			return nil
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Hour,
	}
}

// -- Backends --

// backends holds the storage selected by configuration.
type backends struct {
	table   table.Table
	cache   cache.Cache
	blobs   blobstore.Store
	checks  []db.Check
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		b.table = memory.New()
	case config.StoreSQLite:
		t, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.table = t
		b.closers = append(b.closers, func() { _ = t.Close() })
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		t := postgres.New(pool)
		b.table = t
		b.checks = append(b.checks, db.Check{Name: config.StorePostgres, Ping: t.Ping, Details: t.Stats})
	case config.StoreDynamoDB:
		client, err := dynamo.NewClient(ctx, dynamo.Config{
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.DynamoDBEndpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		b.table = dynamo.New(client, cfg.TableName)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if p, isPinger := b.table.(table.Pinger); isPinger && cfg.StoreDriver != config.StorePostgres {
		b.checks = append(b.checks, db.Check{Name: cfg.StoreDriver, Ping: p.Ping})
	}
	logger.Info().Str("driver", cfg.StoreDriver).Msg("record store ready")

	switch cfg.CacheDriver {
	case config.CacheRedis:
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{URL: cfg.RedisURL, TTL: cfg.CacheTTL})
		if err != nil {
			return nil, err
		}
		r := cache.NewRedis(client, cfg.CacheTTL)
		b.cache = r
		b.closers = append(b.closers, func() { _ = r.Close() })
		b.checks = append(b.checks, db.Check{Name: config.CacheRedis, Ping: r.Ping})
	default:
		b.cache = cache.NewMemory(cfg.CacheTTL, time.Now)
	}

	switch cfg.BlobDriver {
	case config.BlobS3:
		s, err := s3blob.New(ctx, s3blob.Config{
			Region:          cfg.AWSRegion,
			Bucket:          cfg.BlobS3Bucket,
			Endpoint:        cfg.BlobS3Endpoint,
			PathStyle:       cfg.BlobS3PathStyle,
			PublicBaseURL:   cfg.BlobPublicBaseURL,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		b.blobs = s
	default:
		b.blobs = blobstore.NewMemory(cfg.BlobPublicBaseURL)
	}

	ok = true
	return b, nil
}

func ensureTable(ctx context.Context, t table.Table) error {
	e, isEnsurer := t.(table.Ensurer)
	if !isEnsurer {
		return nil
	}
	if err := e.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}
	return nil
}

// -- Application --

// app wires the domain services over one set of backends.
type app struct {
	identity    *identity.Service
	ledger      *billing.Service
	diagnostics *diagnostics.Service
	blobs       blobstore.Store
}

func newApp(cfg *config.Config, logger zerolog.Logger, b *backends, rec *metrics.Recorder) *app {
	store := collection.NewStore(b.table, collection.WithLogger(logger), collection.WithMetrics(rec))

	people := identity.NewService(
		identity.NewPatientRepo(store, b.cache, logger),
		identity.NewDoctorRepo(store, b.cache, logger),
	)

	ledger := billing.NewService(billing.NewPaymentRepo(store), billing.NewChargeRepo(store))
	ledger.SetLogger(logger)
	ledger.SetMetrics(rec)
	ledger.SetCommitRetries(cfg.LedgerCommitRetries)

	lifecycle := diagnostics.NewService(
		diagnostics.NewStudyRequestRepo(store),
		diagnostics.NewStudyRecordRepo(store),
		people,
		ledger,
	)
	lifecycle.SetBlobStore(b.blobs)
	lifecycle.SetLogger(logger)
	lifecycle.SetMetrics(rec)

	return &app{identity: people, ledger: ledger, diagnostics: lifecycle, blobs: b.blobs}
}

// newServer builds the echo instance with middleware and every route.
func newServer(cfg *config.Config, logger zerolog.Logger, a *app, b *backends, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = envelope.HTTPErrorHandler

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/store", db.HealthHandler(b.checks...))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.Burst = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	identity.NewHandler(a.identity).RegisterRoutes(apiV1)
	billing.NewHandler(a.ledger).RegisterRoutes(apiV1)
	diagnostics.NewHandler(a.diagnostics).RegisterRoutes(apiV1)
	blobstore.NewHandler(a.blobs).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backends")
	}
	defer b.Close()
	if cfg.StoreDriver != config.StoreMemory {
		if err := ensureTable(ctx, b.table); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare record table")
		}
	}
	if m, isMemory := b.cache.(*cache.Memory); isMemory {
		m.StartCleanup(ctx, time.Minute)
	}

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	a := newApp(cfg, logger, b, rec)
	e := newServer(cfg, logger, a, b, reg)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
