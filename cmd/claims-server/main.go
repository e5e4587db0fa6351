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
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/newvantageco/ILS2.0-sub011/internal/config"
	"github.com/newvantageco/ILS2.0-sub011/internal/domain/claims"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/auth"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/db"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/middleware"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/payer"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/ratelimit"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claims-server",
		Short: "Claim submission pipeline server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the claims API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, dir); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory")

	cmd.AddCommand(createCmd)
	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Rate limiter store: Redis when configured so limits hold across
	// instances, in-memory otherwise.
	var store ratelimit.CounterStore = ratelimit.NewMemoryStore()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		store = ratelimit.NewRedisStore(rdb)
		logger.Info().Msg("connected to redis")
	}
	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
		PerMinute: cfg.RateLimitPerMinute,
		PerHour:   cfg.RateLimitPerHour,
	})

	// Event dispatcher: NATS when configured, structured log otherwise.
	var dispatcher claims.Dispatcher = claims.NewLogDispatcher(logger)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer nc.Drain()
		dispatcher = claims.NewNATSDispatcher(nc, logger)
		logger.Info().Msg("connected to nats")
	}

	// Payer gateway
	payerClient := payer.NewClient(cfg.PayerBaseURL, cfg.PayerAPIKey, cfg.PayerTimeout, logger)

	// Claims domain
	runTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
	claimRepo := claims.NewClaimRepoPG(pool)
	retryRepo := claims.NewRetryQueueRepoPG(pool)
	eventRepo := claims.NewWebhookEventRepoPG(pool)
	validator := claims.NewValidator(payer.NewCredentialRegistry(cfg.PayerBaseURL, cfg.PayerAPIKey, cfg.PayerTimeout, logger), cfg.SubmissionWindowMonths)
	retryMgr := claims.NewRetryManager(retryRepo, claimRepo, cfg.RetryMaxAttempts)
	claimsSvc := claims.NewService(claimRepo, retryMgr, validator, limiter,
		payerClient, dispatcher, runTx, logger)
	webhookProc := claims.NewWebhookProcessor(claimRepo, eventRepo, retryMgr, dispatcher,
		[]byte(cfg.WebhookSecret), runTx, logger)
	claimsHandler := claims.NewHandler(claimsSvc, webhookProc, retryRepo)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Health check
	e.GET("/health", db.HealthHandler(pool))

	// Payer webhooks: HMAC-authenticated, so no JWT, but still
	// tenant-scoped for the repository layer.
	hooks := e.Group("/webhooks")
	hooks.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// Authenticated API
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware([]byte(cfg.AuthJWTSecret)))
	}
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	claimsHandler.RegisterRoutes(apiV1, hooks)

	// Retry scheduler
	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	runner := claims.RetryRunnerFunc(func(ctx context.Context, limit int) (int, int, error) {
		var attempted, succeeded int
		err := db.RunAsTenant(ctx, pool, cfg.DefaultTenant, func(ctx context.Context) error {
			var err error
			attempted, succeeded, err = claimsSvc.ProcessDue(ctx, limit)
			return err
		})
		return attempted, succeeded, err
	})
	scheduler := claims.NewScheduler(runner, cfg.SchedulerInterval, cfg.AutoRetryEnabled, logger)
	go scheduler.Start(schedCtx)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting claims server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	schedCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
