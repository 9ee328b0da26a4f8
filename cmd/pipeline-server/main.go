package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicore/clinicore/internal/config"
	"github.com/clinicore/clinicore/internal/domain/job"
	"github.com/clinicore/clinicore/internal/domain/run"
	"github.com/clinicore/clinicore/internal/platform/audit"
	"github.com/clinicore/clinicore/internal/platform/auth"
	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/platform/generation"
	"github.com/clinicore/clinicore/internal/platform/middleware"
	"github.com/clinicore/clinicore/internal/platform/notification"
)

// jobStarter adapts the job service to the run package's intake interface,
// avoiding a circular import between the run and job packages.
type jobStarter struct {
	jobs *job.Service
}

func (a *jobStarter) StartJob(ctx context.Context, subjectID uuid.UUID, correlationID string) (uuid.UUID, error) {
	j, _, err := a.jobs.CreateJob(ctx, subjectID, correlationID)
	if err != nil {
		return uuid.Nil, err
	}
	return j.ID, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "pipeline-server",
		Short: "Clinicore assessment processing pipeline",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
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
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

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

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware. Health endpoints bypass it.
	var authMW echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == "development" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := authMW(next)
		return func(c echo.Context) error {
			if auth.AuthSkipper(c) {
				return next(c)
			}
			return guarded(c)
		}
	})

	// API group with per-user rate limiting
	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	// Health checks
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Audit trail
	trail := audit.NewTrail(audit.NewEventRepoPG(pool), 0, logger)

	// Generation backend. When no remote service is configured the local
	// deterministic generator keeps the pipeline runnable in development.
	var gen generation.Generator
	if cfg.GenerationURL != "" {
		gen = generation.NewHTTPGenerator(cfg.GenerationURL)
	} else {
		logger.Warn().Msg("GENERATION_URL not set; using local deterministic generator")
		gen = generation.NewLocalGenerator()
	}
	gen = generation.NewTimeoutGuard(gen, cfg.GenerationTimeoutDuration())

	// Notification channel for pipeline outcomes. Only the in-app sender is
	// wired; email and SMS require an external provider.
	channel := notification.Channel(cfg.NotifyChannel)
	if channel != notification.ChannelInApp {
		logger.Warn().Str("channel", cfg.NotifyChannel).Msg("no sender for configured channel; falling back to in_app")
		channel = notification.ChannelInApp
	}
	senders := map[notification.Channel]notification.Sender{
		notification.ChannelInApp: notification.NewInAppSender(pool),
	}

	// Processing pipeline
	jobRepo := job.NewJobRepoPG(pool)
	pipeline := job.NewPipeline(
		jobRepo,
		job.NewArtifactRepoPG(pool),
		job.NewValidationRepoPG(pool),
		job.NewAssessmentSourcePG(pool),
		gen,
		nil, // deliverer set below; it needs the pipeline's readiness check
		logger,
	)
	engine := notification.NewEngine(
		notification.NewIntentRepoPG(pool),
		notification.NewConsentRepoPG(pool),
		senders,
		notification.NewTemplateEngine(),
		pipeline.Readiness,
		cfg.SendTimeoutDuration(),
		logger,
	)
	pipeline.SetDeliverer(engine)
	pipeline.SetDeliveryChannel(channel, notification.PriorityRoutine)
	pipeline.SetAuditTrail(trail)

	jobSvc := job.NewService(jobRepo, pipeline, logger)
	jobSvc.SetAuditTrail(trail)
	jobHandler := job.NewHandler(jobSvc)
	jobHandler.RegisterRoutes(api)

	// Run dedup gate
	runSvc := run.NewService(run.NewRunRepoPG(pool), logger)
	runSvc.SetJobStarter(&jobStarter{jobs: jobSvc})
	runSvc.SetAuditTrail(trail)
	runHandler := run.NewHandler(runSvc)
	runHandler.RegisterRoutes(api)

	// Route terminal job outcomes back to the run that started the job, so
	// the dedup gate sees succeeded runs as reusable and failed runs as
	// retryable.
	pipeline.SetOutcomeFunc(func(ctx context.Context, j *job.Job, succeeded bool) {
		runID, ok := run.RunIDFromCorrelation(j.CorrelationID)
		if !ok {
			return
		}
		if err := runSvc.ResolveJobOutcome(ctx, runID, succeeded); err != nil {
			logger.Error().Err(err).
				Str("run_id", runID.String()).
				Str("job_id", j.ID.String()).
				Msg("run outcome write failed")
		}
	})

	// Background worker polls active jobs and advances them one stage at a
	// time. Disable it to drive jobs only through the advance endpoint.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.WorkerEnabled {
		worker := job.NewWorker(jobRepo, pipeline, cfg.WorkerPollDuration(), logger)
		go worker.Run(workerCtx)
	}

	// Graceful shutdown
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
	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
