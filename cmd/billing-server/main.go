package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/billing/internal/config"
	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/internal/domain/catalog"
	"github.com/ehr/billing/internal/domain/inventory"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/cache"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/events"
	"github.com/ehr/billing/internal/platform/middleware"
)

// catalogPricer adapts the catalog service to billing.PriceCatalog, keeping
// the billing package free of a catalog import.
type catalogPricer struct {
	svc *catalog.Service
}

func (p catalogPricer) Lookup(ctx context.Context, codes []string) (map[string]billing.PriceQuote, error) {
	entries, err := p.svc.Lookup(ctx, codes)
	if err != nil {
		return nil, err
	}
	return toQuotes(entries), nil
}

func toQuotes(entries map[string]*catalog.Entry) map[string]billing.PriceQuote {
	out := make(map[string]billing.PriceQuote, len(entries))
	for code, e := range entries {
		out[code] = billing.PriceQuote{Code: e.Code, Display: e.Display, UnitPrice: e.UnitPrice, TaxRate: e.TaxRate}
	}
	return out
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "billing-server",
		Short: "Hospital billing reconciliation engine",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(generateCmd())
	root.AddCommand(catalogCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func tenantFlag(cmd *cobra.Command, cfg *config.Config) string {
	if t, _ := cmd.Flags().GetString("tenant"); t != "" {
		return t
	}
	return cfg.DefaultTenant
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(tenantFlag(cmd, cfg))
			fmt.Printf("Running migrations on schema: %s\n", schema)
			if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			count, err := db.NewMigrator(pool, cfg.MigrationsDir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(tenantFlag(cmd, cfg))
			statuses, err := db.NewMigrator(pool, cfg.MigrationsDir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
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
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(tenantFlag(cmd, cfg))
			version, err := db.NewMigrator(pool, cfg.MigrationsDir).Down(ctx, schema)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			if version == 0 {
				fmt.Println("Nothing to roll back.")
				return nil
			}
			fmt.Printf("Rolled back migration %d on %s.\n", version, schema)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd, downCmd} {
		c.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
		cmd.AddCommand(c)
	}
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaFor(name))
			if err := db.CreateTenantSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	cmd.AddCommand(createCmd)
	return cmd
}

// generateCmd runs the aggregator once, for schedulers that bill on a timer.
func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an invoice from a patient's pending billable records",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("subject")
			subject, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--subject must be a patient UUID: %w", err)
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			logger := newLogger(cfg)

			ctx, release, err := db.ScopeToTenant(ctx, pool, tenantFlag(cmd, cfg))
			if err != nil {
				return err
			}
			defer release()

			svc, closeFn := buildServices(ctx, cfg, pool, logger)
			defer closeFn()

			inv, err := svc.billing.GenerateFromPendingOrders(ctx, subject)
			if err != nil {
				if errors.Is(err, billing.ErrNothingToBill) {
					fmt.Println("Nothing to bill.")
					return nil
				}
				return err
			}
			fmt.Printf("Generated invoice %s (%s): %d line(s), total %s\n",
				inv.Number, inv.ID, len(inv.LineItems), inv.TotalGross.StringFixed(2))
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Patient UUID")
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the price catalog",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert catalog entries from a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			logger := newLogger(cfg)

			ctx, release, err := db.ScopeToTenant(ctx, pool, tenantFlag(cmd, cfg))
			if err != nil {
				return err
			}
			defer release()

			svc, closeFn := buildServices(ctx, cfg, pool, logger)
			defer closeFn()

			n, err := svc.catalog.Import(ctx, f)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d catalog entr(y/ies).\n", n)
			return nil
		},
	}
	importCmd.Flags().String("file", "", "CSV file: code,display,category,unit_price[,tax_rate,active]")
	importCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(importCmd)
	return cmd
}

type services struct {
	catalog   *catalog.Service
	inventory *inventory.Service
	billing   *billing.Service
	checks    []db.Check
}

// buildServices wires the domain services. Redis and AMQP are optional:
// without them the catalog is uncached, generation locks are in-process and
// events go to the log.
func buildServices(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*services, func()) {
	var closers []func()
	checks := []db.Check{db.PoolCheck(pool)}

	var store cache.Store = cache.NopStore{}
	var locker cache.Locker = cache.NewLocalLocker()
	if cfg.RedisURL != "" {
		client, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, running without cache")
		} else {
			store = cache.NewJSONCache(client, "catalog", cfg.CatalogCacheTTL)
			locker = cache.NewRedisLocker(client)
			checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}})
			closers = append(closers, func() { _ = client.Close() })
			logger.Info().Msg("connected to redis")
		}
	}

	var pub events.Publisher = events.LogPublisher{Log: logger}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			logger.Warn().Err(err).Msg("amqp unavailable, events go to the log")
		} else {
			pub = amqpPub
			checks = append(checks, db.Check{Name: "amqp", Ping: amqpPub.Ping})
			closers = append(closers, func() { _ = amqpPub.Close() })
			logger.Info().Str("exchange", cfg.EventsExchange).Msg("connected to amqp")
		}
	}
	if cfg.WebhookURL != "" {
		hook := events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, events.WithEventFilter(cfg.WebhookEvents...))
		pub = events.Fanout{pub, hook}
		logger.Info().Str("url", cfg.WebhookURL).Msg("webhook delivery enabled")
	}

	tx := db.NewTxRunner(pool)
	catalogSvc := catalog.NewService(catalog.NewRepoPG(pool), tx, store, pub, logger)
	inventorySvc := inventory.NewService(inventory.NewRepoPG(pool), tx, pub, logger)
	billingSvc := billing.NewService(
		billing.NewInvoiceRepoPG(pool),
		catalogPricer{svc: catalogSvc},
		tx,
		logger,
		billing.WithSources(billing.NewLabSourcePG(pool), billing.NewPharmacySourcePG(pool)),
		billing.WithSubjectDirectory(billing.NewSubjectDirectoryPG(pool)),
		billing.WithLocker(locker, cfg.SubjectLockTTL),
		billing.WithPublisher(pub),
	)

	return &services{
			catalog:   catalogSvc,
			inventory: inventorySvc,
			billing:   billingSvc,
			checks:    checks,
		}, func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
}

// newRouter builds the HTTP surface. The auth middleware runs before tenant
// scoping so a token's tenant claim decides the schema.
func newRouter(cfg *config.Config, pool *pgxpool.Pool, svc *services, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	e.GET("/health", db.HealthHandler(svc.checks...))
	if pool != nil {
		e.GET("/health/db", func(c echo.Context) error {
			return c.JSON(http.StatusOK, db.GetPoolStats(pool))
		})
	}

	api := e.Group("/api/v1")
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	api.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	api.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	api.Use(middleware.Audit(logger))

	catalog.NewHandler(svc.catalog).RegisterRoutes(api)
	inventory.NewHandler(svc.inventory, logger).RegisterRoutes(api)
	billing.NewHandler(svc.billing, logger).RegisterRoutes(api)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	svc, closeFn := buildServices(ctx, cfg, pool, logger)
	defer closeFn()

	e := newRouter(cfg, pool, svc, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
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
