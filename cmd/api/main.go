package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/scan-orchestrator/internal/application"
	appscans "github.com/bryanwahyu/scan-orchestrator/internal/application/scans"
	"github.com/bryanwahyu/scan-orchestrator/internal/config"
	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
	"github.com/bryanwahyu/scan-orchestrator/internal/infra/ai/openai"
	"github.com/bryanwahyu/scan-orchestrator/internal/infra/db/memory"
	mysqlp "github.com/bryanwahyu/scan-orchestrator/internal/infra/db/mysql"
	pgp "github.com/bryanwahyu/scan-orchestrator/internal/infra/db/postgres"
	busmem "github.com/bryanwahyu/scan-orchestrator/internal/infra/eventbus/memory"
	dockerrunner "github.com/bryanwahyu/scan-orchestrator/internal/infra/executor/docker"
	"github.com/bryanwahyu/scan-orchestrator/internal/infra/executor/process"
	"github.com/bryanwahyu/scan-orchestrator/internal/infra/httpserver"
	minioStore "github.com/bryanwahyu/scan-orchestrator/internal/infra/storage"
	"github.com/bryanwahyu/scan-orchestrator/internal/log"
	"github.com/bryanwahyu/scan-orchestrator/internal/middleware"
)

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	// load config
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("config load error", "path", path, "error", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

type historyRepo interface {
	domain.HistoryRepository
	EnsureSchema(ctx context.Context) error
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	metrics := middleware.NewMetrics()
	checkers := map[string]middleware.HealthChecker{}

	// init service
	svc := &appscans.Service{
		Repo: memory.NewScanRepository(),
		Supervisor: process.NewSupervisor(process.Options{
			TerminateGrace: cfg.Worker.TerminateGrace,
			LineBuffer:     cfg.Worker.LineBuffer,
			Logger:         logger,
		}),
		Bus: busmem.NewBus(
			busmem.WithQueueLimit(cfg.Stream.SubscriberBuffer),
			busmem.WithDropHook(metrics.EventDropped),
		),
		Clock: application.SystemClock{},
		Worker: appscans.WorkerConfig{
			Executable: cfg.Worker.Executable,
			Dir:        cfg.Worker.Dir,
			Env:        os.Environ(),
		},
		Recorder:        metrics,
		Logger:          logger,
		TranscriptLimit: cfg.Worker.TranscriptLimit,
	}

	// init runner
	if cfg.Worker.Mode == config.ModeDocker {
		runner := dockerrunner.NewRunner(cfg.Worker.DockerBinary, cfg.Worker.Image)
		runner.Network = cfg.Worker.Network
		runner.MountSocket = cfg.Worker.MountSocket
		svc.Launcher = runner
		logger.Info("workers run in containers", "image", cfg.Worker.Image)
	}

	if cfg.LLM.Preflight {
		svc.Preflight = openai.NewChecker(cfg.LLM.Timeout)
	}

	// connect history DB
	if cfg.History.Driver != config.DriverNone {
		db, repo, err := openHistory(ctx, cfg)
		if err != nil {
			return fmt.Errorf("%s connect: %w", cfg.History.Driver, err)
		}
		defer db.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		svc.History = repo
		checkers["database"] = &middleware.DatabaseHealthChecker{DB: db}
		logger.Info("scan history enabled", "driver", cfg.History.Driver)
	}

	// init minio
	if cfg.Archive.Enabled {
		store, err := minioStore.New(ctx,
			cfg.Archive.Endpoint,
			cfg.Archive.Region,
			cfg.Archive.BucketName,
			cfg.Archive.AccessKey,
			cfg.Archive.SecretKey,
			cfg.Archive.UseSSL,
		)
		if err != nil {
			return fmt.Errorf("minio init: %w", err)
		}
		svc.Transcripts = store
		checkers["archive"] = store
	}

	var ready atomic.Bool
	ready.Store(true)

	// init router
	handler := httpserver.NewRouter(svc, httpserver.Options{
		Logger:         logger,
		Metrics:        metrics,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
		KeepAlive:      cfg.Stream.KeepAlive,
		HealthCheckers: checkers,
		Ready:          ready.Load,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		// no WriteTimeout: event streams stay open for the whole scan
		IdleTimeout: 120 * time.Second,
		ErrorLog:    slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		ready.Store(false)

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// workers first so open streams receive their terminal event
		var errs []error
		if err := svc.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scans: %w", err))
		}
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func openHistory(ctx context.Context, cfg *config.Config) (*sql.DB, historyRepo, error) {
	switch cfg.History.Driver {
	case config.DriverMySQL:
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, nil, err
		}
		return db, mysqlp.NewScanRepository(db), nil
	case config.DriverPostgres:
		db, err := pgp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		return db, pgp.NewScanRepository(db), nil
	}
	return nil, nil, fmt.Errorf("unsupported history driver %q", cfg.History.Driver)
}
