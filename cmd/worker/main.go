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
	"github.com/redis/go-redis/v9"

	"github.com/tesserahq/tessera-backend/internal/chunker"
	"github.com/tesserahq/tessera-backend/internal/config"
	"github.com/tesserahq/tessera-backend/internal/connector/factory"
	"github.com/tesserahq/tessera-backend/internal/connector/file"
	"github.com/tesserahq/tessera-backend/internal/coordination"
	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/imageproc"
	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/indexing"
	"github.com/tesserahq/tessera-backend/internal/llm"
	"github.com/tesserahq/tessera-backend/internal/queue"
	"github.com/tesserahq/tessera-backend/internal/repository"
)

// receiveWait is how long one Receive blocks before rechecking shutdown.
const receiveWait = 5 * time.Second

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

	httpPool := httpx.NewPool(cfg.HTTPRequestTimeout,
		httpx.WithTokenSource(repository.NewCredentialRepo(pool, "")),
	)
	extractor := extract.New(nil, cfg.ImageProcessing)
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

	credRepo := repository.NewCredentialRepo(pool, "")
	connFactory := factory.New(cfg, httpPool, extractor, images, credRepo, blobs)

	provider := llm.NewOpenAIProvider(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel)
	embedder := chunker.NewEmbedder(
		llm.NewOpenAIEmbedder(provider, cfg.EmbeddingModel, cfg.EmbeddingDim),
		cfg.EmbeddingBatchSize,
	)

	kv := coordination.NewRedisKV(rdb)
	fences := coordination.NewFences(kv)
	taskQueue := queue.New(rdb)

	pipeline := indexing.New(
		repository.NewAttemptRepo(pool),
		repository.NewPairRepo(pool),
		repository.NewSearchSettingsRepo(pool),
		connFactory,
		embedder,
		index.NewPgVector(pool),
		fences,
		kv,
		taskQueue,
		cfg.LeaseTTL,
		cfg.ContinueOnFailure,
		cfg.NumRepeatErrors,
		cfg.ChunkTokenBuffer,
	)

	queues := []string{cfg.UserFileQueueName, cfg.DocFetchingQueue}
	log.Printf("tessera worker consuming %v", queues)

	for {
		if ctx.Err() != nil {
			log.Println("worker stopping")
			return nil
		}
		for _, queueName := range queues {
			task, err := taskQueue.Receive(ctx, queueName, receiveWait)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("queue receive failed", "queue", queueName, "error", err)
				time.Sleep(time.Second)
				continue
			}
			if task == nil {
				continue
			}
			if task.Kind != queue.KindDocFetching {
				slog.Warn("unknown task kind, dropping", "kind", task.Kind, "task_id", task.ID)
				_ = taskQueue.Done(ctx, task.ID)
				continue
			}
			payload, err := indexing.DecodePayload(task.Payload)
			if err != nil {
				slog.Error("bad task payload", "task_id", task.ID, "error", err)
				_ = taskQueue.Done(ctx, task.ID)
				continue
			}
			if err := pipeline.ProcessTask(ctx, task.ID, payload); err != nil {
				slog.Error("task processing failed", "task_id", task.ID, "error", err)
			}
		}
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
