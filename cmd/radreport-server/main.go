package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/radreport/radreport/internal/config"
	"github.com/radreport/radreport/internal/domain/report"
	"github.com/radreport/radreport/internal/domain/share"
	"github.com/radreport/radreport/internal/domain/worklist"
	"github.com/radreport/radreport/internal/platform/auth"
	"github.com/radreport/radreport/internal/platform/db"
	"github.com/radreport/radreport/internal/platform/hipaa"
	"github.com/radreport/radreport/internal/platform/middleware"
	"github.com/radreport/radreport/internal/platform/telemetry"
	"github.com/radreport/radreport/internal/platform/websocket"
	"github.com/radreport/radreport/migrations"
)

const version = "0.1.0"

// accessRecorder adapts hipaa.AuditLogger to middleware.AuditRecorder so
// report reads land in the same audit_event table as mutations.
type accessRecorder struct {
	audit *hipaa.AuditLogger
}

func (r *accessRecorder) RecordAccess(ctx context.Context, entry middleware.AccessEntry) error {
	return r.audit.LogEvent(ctx, accessEvent(entry))
}

func accessEvent(entry middleware.AccessEntry) *hipaa.AuditEvent {
	outcome := hipaa.OutcomeSuccess
	if entry.StatusCode >= http.StatusBadRequest {
		outcome = hipaa.OutcomeFailure
	}
	return &hipaa.AuditEvent{
		ActorID:    entry.UserID,
		Action:     entry.Action,
		Resource:   entry.Resource,
		ResourceID: entry.ResourceID,
		Outcome:    outcome,
		Detail:     fmt.Sprintf("%s %s -> %d", entry.Method, entry.Path, entry.StatusCode),
		SourceIP:   entry.IPAddress,
		UserAgent:  entry.UserAgent,
		RequestID:  entry.RequestID,
		Recorded:   entry.Timestamp,
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "radreport-server",
		Short: "Radiology structured report lifecycle and signing server",
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
		Short: "Start the report API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// connect loads config and opens a pool for the one-shot admin commands.
func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBTimeout)
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

			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
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
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
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
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
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

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// authMiddleware selects development header auth or bearer JWT validation.
// Both leave health, metrics and share redemption routes anonymous.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	}
	var signingKey []byte
	if cfg.AuthSigningKey != "" {
		signingKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: signingKey,
		Skipper:    auth.AuthSkipper,
	})
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		l := newLogger(nil)
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var encryptor *hipaa.PHIEncryptor
	if cfg.HIPAAEncryptionKey != "" {
		if encryptor, err = hipaa.NewPHIEncryptorFromHex(cfg.HIPAAEncryptionKey); err != nil {
			logger.Fatal().Err(err).Msg("invalid HIPAA encryption key")
		}
	} else {
		logger.Warn().Msg("HIPAA_ENCRYPTION_KEY not set; share payloads are stored unencrypted")
	}

	metrics := telemetry.NewMetrics(nil)
	auditLogger := hipaa.NewAuditLogger(pool)
	hub := websocket.NewHub(logger)

	// Worklist projection, fed asynchronously from committed report events.
	worklistStore := worklist.NewStorePG(pool)
	bridge := worklist.NewBridge(worklistStore, logger,
		worklist.WithTimeout(cfg.WorklistTimeout),
		worklist.WithWorkers(cfg.WorklistWorkers),
		worklist.WithBuffer(cfg.WorklistBuffer),
		worklist.WithLiveUpdates(hub),
		worklist.WithMetrics(metrics),
		worklist.WithTenantScope(func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
			return db.InTenant(ctx, pool, tenantID, fn)
		}),
	)
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	bridge.Start(bridgeCtx)

	reportSvc := report.NewService(
		report.NewRepoPG(pool),
		report.NewTemplateRegistryPG(pool),
		auth.NewCredentialStore(pool),
		logger,
	)
	reportSvc.SetEventPublisher(bridge)
	reportSvc.SetAuditSink(auditLogger)
	reportSvc.SetMetrics(metrics)
	reportSvc.SetTimeout(cfg.DBTimeout)

	shareSvc := share.NewService(share.NewStorePG(pool), reportSvc, encryptor, logger)
	shareSvc.SetTTL(cfg.ShareTTL)
	shareSvc.SetTimeout(cfg.DBTimeout)
	shareSvc.SetAuditSink(auditLogger)
	shareSvc.SetMetrics(metrics)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", "X-Request-ID", "X-Tenant-ID"},
		ExposeHeaders: []string{"ETag", "Last-Modified", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", "10M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(metrics.Middleware())
	e.Use(authMiddleware(cfg))
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant, auth.InfraSkipper))
	e.Use(middleware.Audit(logger, &accessRecorder{audit: auditLogger}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, cfg.DBTimeout))
	e.GET("/metrics", metrics.Handler())

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	fhirGroup := e.Group("/fhir", middleware.RateLimit(rateLimitCfg))

	report.NewHandler(reportSvc, report.DiagnosticReportRenderer{}, logger).RegisterRoutes(apiV1, fhirGroup)
	worklist.NewHandler(worklistStore, logger).RegisterRoutes(apiV1)
	share.NewHandler(shareSvc, logger).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group("/ws"))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
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
	// Requests are drained, so no more events arrive; let queued ones land.
	if err := bridge.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worklist bridge did not drain")
	}
	logger.Info().Msg("server stopped")
	return nil
}
