package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tesserahq/tessera-backend/internal/answer"
	"github.com/tesserahq/tessera-backend/internal/auth"
	"github.com/tesserahq/tessera-backend/internal/chunker"
	"github.com/tesserahq/tessera-backend/internal/config"
	"github.com/tesserahq/tessera-backend/internal/handler"
	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/llm"
	"github.com/tesserahq/tessera-backend/internal/middleware"
	"github.com/tesserahq/tessera-backend/internal/permsync"
	"github.com/tesserahq/tessera-backend/internal/repository"
	"github.com/tesserahq/tessera-backend/internal/retrieval"
	"github.com/tesserahq/tessera-backend/internal/router"
	"github.com/tesserahq/tessera-backend/internal/summarize"
)

const Version = "0.4.0"

func run() error {
	ctx := context.Background()

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

	// LLM stack: one provider, one process-wide gate.
	provider := llm.NewOpenAIProvider(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel)
	gate := llm.NewGate(provider, cfg.LLMConcurrency)
	embedder := llm.NewOpenAIEmbedder(provider, cfg.EmbeddingModel, cfg.EmbeddingDim)

	tokenizer, err := chunker.NewTokenizer("cl100k_base")
	if err != nil {
		return err
	}

	// Retrieval pipeline.
	idx := index.NewPgVector(pool)
	rephraser := retrieval.NewRephraser(gate, cfg.FastLLMModel, tokenizer, cfg.MultilingualExpansion)
	var relevance *retrieval.RelevanceFilter
	if !cfg.DisableLLMRelevance {
		relevance = retrieval.NewRelevanceFilter(gate, cfg.FastLLMModel, cfg.RelevanceBatchSize)
	}
	pruner := retrieval.NewPruner(tokenizer, cfg.LLMMaxInputTokens/4)
	pipeline := retrieval.NewPipeline(idx, embedder, rephraser, relevance, nil, pruner)
	accessRepo := repository.NewAccessRepo(pool)
	pipeline.SetCensor(retrieval.CensorFunc(permsync.NewAccessCensor(accessRepo)))

	// Answer engine.
	chunked := answer.NewChunkedProcessor(gate, tokenizer, cfg.LLMMaxInputTokens, cfg.LLMReservedTokens)
	engine := answer.NewEngine(gate, chunked)

	// Persistence + summaries.
	chatRepo := repository.NewChatRepo(pool)
	summaryIndexer := summarize.NewSummaryIndexer(idx.Upsert, embedder)
	summarizer := summarize.New(gate, cfg.FastLLMModel, chatRepo, summaryIndexer, cfg.SummaryThreshold)

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	mux := router.New(router.Dependencies{
		Version:    Version,
		Metrics:    metrics,
		MetricsReg: reg,
		ChatDeps: handler.ChatDeps{
			Engine:               engine,
			Pipeline:             pipeline,
			ChatRepo:             chatRepo,
			AccessRepo:           accessRepo,
			Summarizer:           summarizer,
			Metrics:              metrics,
			SystemPrompt:         "You are a careful enterprise search assistant. Cite sources with bracketed numbers like [1].",
			Model:                cfg.LLMModel,
			PreventHallucination: true,
			TokenizerCount:       tokenizer.CountTokens,
		},
		AdminDeps: handler.AdminDeps{
			Pairs:    repository.NewPairRepo(pool),
			Attempts: repository.NewAttemptRepo(pool),
			Pool:     pool,
		},
		AuthDeps: authDeps(cfg),
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("tessera-backend v%s serving on port %d", Version, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down gracefully", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Println("server stopped")
	return nil
}

// authDeps wires the OIDC bridge when a tenant is configured.
func authDeps(cfg *config.Config) handler.AuthDeps {
	if cfg.OIDCClientID == "" || cfg.OIDCTenantID == "" {
		return handler.AuthDeps{}
	}
	return handler.AuthDeps{
		Bridge: auth.New(cfg.OIDCClientID, cfg.OIDCClientSecret, cfg.OIDCTenantID,
			cfg.OIDCRedirectURL, cfg.GraphRetryMax),
		DefaultNext: "/",
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
