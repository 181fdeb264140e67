// The beat process runs the cooperative single-threaded loops: the
// indexing scheduler, the permission-sync runner, and the fence
// validator. Workers elsewhere consume what these dispatch.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tesserahq/tessera-backend/internal/config"
	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/connector/factory"
	"github.com/tesserahq/tessera-backend/internal/connector/file"
	"github.com/tesserahq/tessera-backend/internal/coordination"
	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/imageproc"
	"github.com/tesserahq/tessera-backend/internal/permsync"
	"github.com/tesserahq/tessera-backend/internal/queue"
	"github.com/tesserahq/tessera-backend/internal/repository"
	"github.com/tesserahq/tessera-backend/internal/scheduler"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	kv := coordination.NewRedisKV(rdb)
	fences := coordination.NewFences(kv)
	taskQueue := queue.New(rdb)

	pairRepo := repository.NewPairRepo(pool)
	attemptRepo := repository.NewAttemptRepo(pool)
	settingsRepo := repository.NewSearchSettingsRepo(pool)

	reg := prometheus.NewRegistry()
	sched := scheduler.New(
		pairRepo, settingsRepo, attemptRepo, fences, kv, taskQueue,
		scheduler.NewMetrics(reg),
		cfg.UserFileQueueName, cfg.DocFetchingQueue,
	)

	validator := coordination.NewValidator(fences, attemptRepo, taskQueue, cfg.FenceGracePeriod)

	httpPool := httpx.NewPool(cfg.HTTPRequestTimeout,
		httpx.WithTokenSource(repository.NewCredentialRepo(pool, "")),
	)
	extractor := extract.New(nil, false)
	images := imageproc.New(httpPool, cfg.ImageServerURL, cfg.ClaudeAPIKey, cfg.ClaudeProvider, cfg.ClaudeModel)

	var blobs file.BlobStore
	if cfg.GCSBucketName != "" {
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		defer gcs.Close()
		blobs = file.NewGCSStore(gcs, cfg.GCSBucketName)
	}
	connFactory := factory.New(cfg, httpPool, extractor, images, repository.NewCredentialRepo(pool, ""), blobs)

	permRunner := permsync.NewRunner(
		permsync.DefaultRegistry(),
		repository.NewAccessRepo(pool),
		pairRepo,
		connFactory,
	)

	log.Printf("tessera beat starting (scheduler %s, permsync %s, fence grace %s)",
		cfg.SchedulerBeat, cfg.PermSyncBeat, cfg.FenceGracePeriod)

	schedulerTicker := time.NewTicker(cfg.SchedulerBeat)
	permSyncTicker := time.NewTicker(cfg.PermSyncBeat)
	validatorTicker := time.NewTicker(cfg.FenceGracePeriod / 2)
	defer schedulerTicker.Stop()
	defer permSyncTicker.Stop()
	defer validatorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("beat stopping")
			return nil

		case <-schedulerTicker.C:
			if dispatched, err := sched.Tick(ctx); err != nil {
				slog.Error("scheduler tick failed", "error", err)
			} else if dispatched > 0 {
				slog.Info("scheduler tick", "dispatched", dispatched)
			}

		case <-permSyncTicker.C:
			if err := permRunner.Tick(ctx, connector.NoopHeartbeat{}); err != nil {
				slog.Error("perm sync tick failed", "error", err)
			}

		case <-validatorTicker.C:
			if reclaimed, err := validator.Run(ctx); err != nil {
				slog.Error("fence validation failed", "error", err)
			} else if reclaimed > 0 {
				slog.Warn("fence validator reclaimed fences", "count", reclaimed)
			}
		}
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
