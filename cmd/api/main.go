package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitemark/api/internal/app"
	"sitemark/api/internal/auth"
	"sitemark/api/internal/blob"
	"sitemark/api/internal/config"
	"sitemark/api/internal/export"
	"sitemark/api/internal/jobs"
	"sitemark/api/internal/logging"
	"sitemark/api/internal/pipeline"
	"sitemark/api/internal/search"
	"sitemark/api/internal/session"
	"sitemark/api/internal/store"
	"sitemark/api/internal/versions"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "sitemark-api",
		Short:        "Blueprint markup and annotation API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file applied before reading the environment")

	root.AddCommand(
		newServeCmd(&envFile),
		newMigrateCmd(&envFile),
		newWorkerCmd(&envFile),
	)
	return root
}

func newServeCmd(envFile *string) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(*envFile, func(ctx context.Context, rt *runtime) error {
				return serve(ctx, rt, withWorker)
			})
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also process artifact retry jobs in this process")
	return cmd
}

func newMigrateCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(*envFile)
			logger, err := logging.New(cfg.LoggingLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			if err := store.ApplyMigrations(ctx, db, cfg.DatabaseDriver); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			logger.Infow("migrations applied", "driver", cfg.DatabaseDriver)
			return nil
		},
	}
}

func newWorkerCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process background artifact regeneration jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(*envFile, func(ctx context.Context, rt *runtime) error {
				if rt.cfg.RedisURL == "" {
					return errors.New("REDIS_URL is required to run the worker")
				}
				worker, err := newWorker(rt)
				if err != nil {
					return err
				}
				rt.logger.Infow("artifact worker started", "queue", rt.cfg.JobQueue)
				return worker.Run()
			})
		},
	}
}

// runtime is the set of components shared by serve and worker.
type runtime struct {
	cfg      config.Config
	logger   *zap.SugaredLogger
	db       *sql.DB
	store    *store.Store
	pipeline *pipeline.Pipeline
	versions *versions.Service
	search   *search.Service
	leases   session.LeaseStore
	closers  []func()
}

func withRuntime(envFile string, run func(context.Context, *runtime) error) error {
	cfg := config.Load(envFile)
	logger, err := logging.New(cfg.LoggingLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Errorw("startup failed", "error", err)
		return err
	}
	defer rt.close()
	return run(ctx, rt)
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt.db = db
	rt.closers = append(rt.closers, func() { db.Close() })

	if err := store.ApplyMigrations(ctx, db, cfg.DatabaseDriver); err != nil {
		rt.close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create repos dir: %w", err)
	}
	rt.store = store.New(db, cfg.DatabaseDriver)
	rt.versions = versions.New(cfg.ReposDir)

	var blobs blob.Store
	if strings.TrimSpace(cfg.MinioURL) != "" {
		minioStore, err := blob.NewMinio(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioURL,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Secure:    cfg.MinioSecure,
			Bucket:    cfg.MinioBucket,
			PublicURL: cfg.MinioPublicURL,
		}, logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("blob storage unavailable: %w", err)
		}
		blobs = minioStore
	} else {
		logger.Warnw("MINIO_URL not set, artifacts are kept in memory")
		blobs = blob.NewMemory("/blobs")
	}

	var pdf export.PDFRenderer
	if cfg.PDFEnabled {
		pdf = export.NewChromePDF(cfg.PDFTimeout)
	}

	var retries pipeline.Enqueuer
	if strings.TrimSpace(cfg.RedisURL) != "" {
		enqueuer, err := jobs.NewEnqueuer(cfg.RedisURL, cfg.JobQueue)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("job queue unavailable: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = enqueuer.Close() })
		retries = enqueuer

		redisLeases, err := session.NewRedisLeases(cfg.RedisURL)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisLeases.Close() })
		rt.leases = redisLeases
		logger.Infow("using redis for editing leases and artifact retries")
	} else {
		logger.Infow("REDIS_URL not set, editing leases are process-local and artifact retries wait for the next save")
		rt.leases = session.NewMemoryLeases()
	}

	rt.pipeline = pipeline.New(pipeline.Options{
		Documents: rt.store,
		Blobs:     blobs,
		Renderer:  export.NewService(pdf, logger),
		Versions:  rt.versions,
		Retries:   retries,
		Logger:    logger,
	})

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, meiliClient.Close)
	}
	rt.search = search.NewService(meiliClient, rt.store, logger)
	return rt, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func newWorker(rt *runtime) (*jobs.Worker, error) {
	return jobs.NewWorker(jobs.WorkerConfig{
		RedisURL:    rt.cfg.RedisURL,
		Queue:       rt.cfg.JobQueue,
		Concurrency: rt.cfg.WorkerCount,
	}, rt.pipeline, rt.logger)
}

func serve(ctx context.Context, rt *runtime, withWorker bool) error {
	service := app.New(app.Options{
		Store:     rt.store,
		Pipeline:  rt.pipeline,
		Versions:  rt.versions,
		Leases:    rt.leases,
		Search:    rt.search,
		Tokens:    auth.NewTokens(rt.cfg.TokenSecret),
		Logger:    rt.logger,
		UndoLimit: rt.cfg.UndoLimit,
		LeaseTTL:  rt.cfg.LeaseTTL,
	})
	go rt.search.ReindexAll(ctx)

	if withWorker && rt.cfg.RedisURL != "" {
		worker, err := newWorker(rt)
		if err != nil {
			return err
		}
		if err := worker.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		defer worker.Shutdown()
	}

	httpServer := app.NewHTTPServer(service, rt.cfg.CORSOrigin, rt.logger)
	server := &http.Server{
		Addr:              rt.cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Infow("sitemark api listening", "addr", rt.cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warnw("shutdown error", "error", err)
	}
	service.Shutdown(shutdownCtx)
	return nil
}
