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

	"github.com/abduss/oakregistry/internal/auth"
	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/catalog"
	"github.com/abduss/oakregistry/internal/config"
	"github.com/abduss/oakregistry/internal/logger"
	"github.com/abduss/oakregistry/internal/metrics"
	"github.com/abduss/oakregistry/internal/publish"
	"github.com/abduss/oakregistry/internal/ratelimit"
	"github.com/abduss/oakregistry/internal/registry"
	"github.com/abduss/oakregistry/internal/server"
	"github.com/abduss/oakregistry/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	os.Exit(exitCode(log, run()))
}

// exitCode logs a failed run and flushes the logger before the process exits,
// since os.Exit skips deferred calls.
func exitCode(log *zap.Logger, err error) int {
	code := 0
	if err != nil {
		log.Error("oakregistry stopped", zap.Error(err))
		code = 1
	}
	_ = log.Sync()
	return code
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gin.SetMode(gin.ReleaseMode)
	metrics.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.EnsureDirectories(cfg.Registry.ScratchRoot); err != nil {
		return err
	}

	store, closeStore, err := openMetadataStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	backend, err := openBlobBackend(ctx, cfg)
	if err != nil {
		return err
	}
	blobs := blobstore.NewWriter(backend)

	limiter := ratelimit.New(cfg.RateLimit)
	router, err := server.NewRouter(server.Dependencies{
		Config: cfg,
		Checks: []server.HealthCheck{
			{Name: cfg.Registry.MetadataDriver, Check: store.Ping},
			{Name: cfg.Registry.StorageDriver, Check: blobs.Ping},
		},
		Verifier:       auth.NewVerifier(cfg.Auth),
		Limiter:        limiter,
		PublishService: publish.NewService(store, blobs, cfg.Registry),
		CatalogService: catalog.NewService(store, blobs, cfg.Registry),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.L().Info("oakregistry API listening",
			zap.String("address", cfg.Server.Address()),
			zap.String("metadata_driver", cfg.Registry.MetadataDriver),
			zap.String("storage_driver", cfg.Registry.StorageDriver),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return limiter.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openMetadataStore(ctx context.Context, cfg config.Config) (registry.Store, func(), error) {
	if cfg.Registry.MetadataDriver == config.MetadataMemory {
		zap.L().Warn("using in-memory metadata store; data is lost on restart")
		return registry.NewMemoryStore(), func() {}, nil
	}

	pool, err := storage.NewPostgresPool(ctx, cfg.Postgres, cfg.Registry.MaxConcurrentPublishes)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Postgres.AutoMigrate {
		if _, err := pool.Exec(ctx, registry.Schema); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return registry.NewPostgresStore(pool), pool.Close, nil
}

func openBlobBackend(ctx context.Context, cfg config.Config) (blobstore.Backend, error) {
	if cfg.Registry.StorageDriver == config.StorageMinIO {
		client, err := storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		if err := storage.EnsureBucket(ctx, client, cfg.MinIO); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
		return blobstore.NewMinIOBackend(blobstore.NewMinIOClient(client), cfg.MinIO.Bucket), nil
	}

	if err := storage.EnsureDirectories(cfg.Registry.PackagesRoot); err != nil {
		return nil, err
	}
	return blobstore.NewFilesystemBackend(cfg.Registry.PackagesRoot)
}
