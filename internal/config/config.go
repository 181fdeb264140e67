package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Port             int
	Environment      string
	DatabaseURL      string
	DatabaseMaxConns int
	RedisURL         string

	// LLM provider
	LLMAPIKey           string
	LLMBaseURL          string
	LLMModel            string
	FastLLMModel        string
	LLMConcurrency      int
	LLMMaxInputTokens   int
	LLMReservedTokens   int
	DisableLLMRelevance bool

	// Embedding / chunking
	EmbeddingModel     string
	EmbeddingDim       int
	EmbeddingBatchSize int
	ChunkTokenBuffer   int

	// Indexing coordination
	FenceGracePeriod  time.Duration
	LeaseTTL          time.Duration
	SchedulerBeat     time.Duration
	PermSyncBeat      time.Duration
	NumRepeatErrors   int
	ContinueOnFailure bool
	UserFileQueueName string
	DocFetchingQueue  string

	// HTTP client pool
	HTTPRetryMax       int
	HTTPBackoffStart   time.Duration
	HTTPBackoffCap     time.Duration
	HTTPRequestTimeout time.Duration
	ConfluenceDeadline time.Duration

	// Image model server
	ImageServerURL  string
	ImageProcessing bool
	ClaudeAPIKey    string
	ClaudeProvider  string
	ClaudeModel     string

	// Connector limits
	ConfluenceAttachmentMaxBytes int64

	// Summarization
	SummaryThreshold int

	// Retrieval
	RelevanceBatchSize    int
	RerankEnabled         bool
	MultilingualExpansion []string

	// File store
	GCSBucketName string

	// Auth bridge
	OIDCClientID     string
	OIDCClientSecret string
	OIDCTenantID     string
	OIDCRedirectURL  string
	GraphRetryMax    int
}

// Load reads configuration from environment variables.
// Required variables (DATABASE_URL, REDIS_URL) cause an error if missing.
// Optional variables use sensible defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("config.Load: REDIS_URL is required")
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),
		RedisURL:         redisURL,

		LLMAPIKey:           os.Getenv("LLM_API_KEY"),
		LLMBaseURL:          envStr("LLM_BASE_URL", ""),
		LLMModel:            envStr("LLM_MODEL", "gpt-4o"),
		FastLLMModel:        envStr("FAST_LLM_MODEL", "gpt-4o-mini"),
		LLMConcurrency:      envInt("LLM_CONCURRENCY", 8),
		LLMMaxInputTokens:   envInt("LLM_MAX_INPUT_TOKENS", 128000),
		LLMReservedTokens:   envInt("LLM_RESERVED_OUTPUT_TOKENS", 2000),
		DisableLLMRelevance: envBool("DISABLE_LLM_CHUNK_FILTER", false),

		EmbeddingModel:     envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDim:       envInt("EMBEDDING_DIMENSIONS", 1536),
		EmbeddingBatchSize: envInt("EMBEDDING_BATCH_SIZE", 32),
		ChunkTokenBuffer:   envInt("CHUNK_TOKEN_BUFFER", 64),

		FenceGracePeriod:  envSeconds("FENCE_GRACE_PERIOD_SECONDS", 300),
		LeaseTTL:          envSeconds("INDEX_LEASE_TTL_SECONDS", 60),
		SchedulerBeat:     envSeconds("SCHEDULER_BEAT_SECONDS", 15),
		PermSyncBeat:      envSeconds("PERM_SYNC_BEAT_SECONDS", 30),
		NumRepeatErrors:   envInt("NUM_REPEAT_ERRORS_BEFORE_REPEATED_ERROR_STATE", 5),
		ContinueOnFailure: envBool("CONTINUE_ON_CONNECTOR_FAILURE", true),
		UserFileQueueName: envStr("USER_FILES_INDEXING_QUEUE", "user_files_indexing"),
		DocFetchingQueue:  envStr("CONNECTOR_DOC_FETCHING_QUEUE", "connector_doc_fetching"),

		HTTPRetryMax:       envInt("HTTP_RETRY_MAX", 5),
		HTTPBackoffStart:   envSeconds("HTTP_BACKOFF_START_SECONDS", 2),
		HTTPBackoffCap:     envSeconds("HTTP_BACKOFF_CAP_SECONDS", 60),
		HTTPRequestTimeout: envSeconds("HTTP_REQUEST_TIMEOUT_SECONDS", 120),
		ConfluenceDeadline: envSeconds("CONFLUENCE_DEADLINE_SECONDS", 600),

		ImageServerURL:  envStr("IMAGE_MODEL_SERVER_URL", ""),
		ImageProcessing: envBool("ENABLE_IMAGE_PROCESSING", false),
		ClaudeAPIKey:    os.Getenv("CLAUDE_API_KEY"),
		ClaudeProvider:  envStr("CLAUDE_PROVIDER", "anthropic"),
		ClaudeModel:     envStr("CLAUDE_MODEL", "claude-sonnet-4-20250514"),

		ConfluenceAttachmentMaxBytes: int64(envInt("CONFLUENCE_ATTACHMENT_MAX_BYTES", 10*1024*1024)),

		SummaryThreshold: envInt("CHAT_SUMMARY_THRESHOLD", 6),

		RelevanceBatchSize: envInt("LLM_RELEVANCE_BATCH_SIZE", 25),
		RerankEnabled:      envBool("ENABLE_RERANKING", false),

		GCSBucketName: envStr("GCS_BUCKET_NAME", ""),

		OIDCClientID:     envStr("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: envStr("OIDC_CLIENT_SECRET", ""),
		OIDCTenantID:     envStr("OIDC_TENANT_ID", ""),
		OIDCRedirectURL:  envStr("OIDC_REDIRECT_URL", ""),
		GraphRetryMax:    envInt("GRAPH_RETRY_MAX", 3),
	}

	if langs := os.Getenv("MULTILINGUAL_QUERY_EXPANSION"); langs != "" {
		for _, l := range strings.Split(langs, ",") {
			if trimmed := strings.TrimSpace(l); trimmed != "" {
				cfg.MultilingualExpansion = append(cfg.MultilingualExpansion, trimmed)
			}
		}
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}
