// Package index defines the contract with the out-of-process vector/
// keyword index and provides the pgvector-backed implementation.
package index

import (
	"context"
	"time"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// Filters narrow a retrieval request. AccessControlList is mandatory for
// user queries: every returned document must satisfy it.
type Filters struct {
	// AccessControlList entries are "user_email:<e>", "group:<g>" or
	// "PUBLIC"; a chunk matches when any entry overlaps its ACL.
	AccessControlList []string
	SourceTypes       []model.DocumentSource
	Tags              []string
	DocumentSet       string
	TimeCutoff        *time.Time
	ConnectorName     string
}

// HybridParams is the full hybrid_retrieval request.
type HybridParams struct {
	Query          string
	QueryEmbedding []float32
	Keywords       []string
	Filters        Filters
	// HybridAlpha weights dense vs keyword scores (1 = dense only).
	HybridAlpha float64
	// TimeDecay scales recency bias; 0 disables.
	TimeDecay float64
	TopK      int
	Offset    int
}

// InferenceChunk is a retrieval hit.
type InferenceChunk struct {
	DocumentID     string
	Ordinal        int
	Content        string
	SemanticID     string
	Link           string
	Source         model.DocumentSource
	Score          float64
	Metadata       map[string]string
	LargeChunkRefs []int
	DocUpdatedAt   *time.Time
}

// ChunkRequest identifies one chunk for id-based retrieval.
type ChunkRequest struct {
	DocumentID string
	Ordinals   []int
}

// Index is the external index engine contract.
type Index interface {
	HybridRetrieval(ctx context.Context, params HybridParams) ([]InferenceChunk, error)
	IDBasedRetrieval(ctx context.Context, requests []ChunkRequest) ([]InferenceChunk, error)
	Upsert(ctx context.Context, chunks []model.MetadataAwareChunk) error
	DeleteDocument(ctx context.Context, docID string) error
}
