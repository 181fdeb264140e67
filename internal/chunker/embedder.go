package chunker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tesserahq/tessera-backend/internal/llm"
	"github.com/tesserahq/tessera-backend/internal/model"
)

// defaultEmbedBatch is the number of chunk texts per embedding call.
const defaultEmbedBatch = 32

// Embedder fills in chunk vectors in batches.
type Embedder struct {
	provider  llm.Embedder
	batchSize int
}

// NewEmbedder creates an Embedder; batchSize <= 0 uses the default.
func NewEmbedder(provider llm.Embedder, batchSize int) *Embedder {
	if batchSize <= 0 {
		batchSize = defaultEmbedBatch
	}
	return &Embedder{provider: provider, batchSize: batchSize}
}

// EmbedChunks populates Embedding on each chunk in place. Chunks from
// different documents may be interleaved inside a batch; order within the
// slice is preserved.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []model.MetadataAwareChunk) error {
	for start := 0; start < len(chunks); start += e.batchSize {
		end := start + e.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = embeddingText(ch)
		}

		vectors, err := e.provider.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("chunker.EmbedChunks: batch %d-%d: %w", start, end, err)
		}
		for i := range batch {
			chunks[start+i].Embedding = vectors[i]
		}
		slog.Debug("embedded chunk batch", "from", start, "to", end, "total", len(chunks))
	}
	return nil
}

// embeddingText is what actually gets embedded: title prefix + content +
// metadata suffix, matching what the index stores.
func embeddingText(ch model.MetadataAwareChunk) string {
	text := ch.Content
	if ch.TitlePrefix != "" {
		text = ch.TitlePrefix + "\n" + text
	}
	if ch.MetadataSuffix != "" {
		text = text + "\n" + ch.MetadataSuffix
	}
	return text
}
