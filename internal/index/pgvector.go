package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// PgVector implements Index on postgres + pgvector. Dense scores come from
// cosine similarity, keyword scores from ts_rank over a tsvector column;
// the two are mixed with hybrid alpha in SQL so top-k applies to the final
// score.
type PgVector struct {
	pool *pgxpool.Pool
}

func NewPgVector(pool *pgxpool.Pool) *PgVector {
	return &PgVector{pool: pool}
}

var _ Index = (*PgVector)(nil)

// Upsert writes chunks with pgx batching. The (document_id, ordinal) key
// makes re-indexing idempotent.
func (x *PgVector) Upsert(ctx context.Context, chunks []model.MetadataAwareChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := time.Now().UTC()

	for _, ch := range chunks {
		metadata, err := json.Marshal(ch.Metadata)
		if err != nil {
			return fmt.Errorf("index.Upsert: marshal metadata: %w", err)
		}
		acl := aclEntries(ch.Access)
		refs := intArray(ch.LargeChunkRefs)
		sets := ch.DocumentSets
		if sets == nil {
			sets = []string{}
		}

		batch.Queue(`
			INSERT INTO index_chunks
				(document_id, ordinal, content, token_count, embedding, acl,
				 source, semantic_id, boost, document_sets, metadata,
				 large_chunk_refs, doc_updated_at, indexed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (document_id, ordinal) DO UPDATE SET
				content = EXCLUDED.content,
				token_count = EXCLUDED.token_count,
				embedding = EXCLUDED.embedding,
				acl = EXCLUDED.acl,
				source = EXCLUDED.source,
				semantic_id = EXCLUDED.semantic_id,
				boost = EXCLUDED.boost,
				document_sets = EXCLUDED.document_sets,
				metadata = EXCLUDED.metadata,
				large_chunk_refs = EXCLUDED.large_chunk_refs,
				doc_updated_at = EXCLUDED.doc_updated_at,
				indexed_at = EXCLUDED.indexed_at`,
			ch.DocumentID, ch.Ordinal, ch.Content, ch.TokenCount,
			pgvector.NewVector(ch.Embedding), acl,
			string(ch.Source), ch.SemanticID, ch.Boost, sets,
			metadata, refs, ch.DocUpdatedAt, now,
		)
	}

	br := x.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(chunks); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("index.Upsert: chunk %d: %w", i, err)
		}
	}
	return nil
}

// HybridRetrieval mixes cosine similarity with full-text rank.
func (x *PgVector) HybridRetrieval(ctx context.Context, params HybridParams) ([]InferenceChunk, error) {
	if params.TopK <= 0 {
		params.TopK = 50
	}
	alpha := params.HybridAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.62
	}

	embedding := pgvector.NewVector(params.QueryEmbedding)
	keywords := strings.Join(params.Keywords, " ")
	if keywords == "" {
		keywords = params.Query
	}

	var sb strings.Builder
	args := []any{embedding, keywords, alpha}
	sb.WriteString(`
		SELECT document_id, ordinal, content, semantic_id, source, metadata,
			large_chunk_refs, doc_updated_at,
			($3 * (1 - (embedding <=> $1::vector))
			 + (1 - $3) * ts_rank(content_tsv, websearch_to_tsquery('english', $2))) AS score
		FROM index_chunks
		WHERE 1=1`)

	if len(params.Filters.AccessControlList) > 0 {
		args = append(args, params.Filters.AccessControlList)
		sb.WriteString(fmt.Sprintf(" AND acl && $%d", len(args)))
	}
	if len(params.Filters.SourceTypes) > 0 {
		sources := make([]string, len(params.Filters.SourceTypes))
		for i, s := range params.Filters.SourceTypes {
			sources[i] = string(s)
		}
		args = append(args, sources)
		sb.WriteString(fmt.Sprintf(" AND source = ANY($%d)", len(args)))
	}
	if params.Filters.DocumentSet != "" {
		args = append(args, params.Filters.DocumentSet)
		sb.WriteString(fmt.Sprintf(" AND document_sets @> ARRAY[$%d]", len(args)))
	}
	if params.Filters.TimeCutoff != nil {
		args = append(args, *params.Filters.TimeCutoff)
		sb.WriteString(fmt.Sprintf(" AND doc_updated_at >= $%d", len(args)))
	}

	args = append(args, params.TopK, params.Offset)
	sb.WriteString(fmt.Sprintf(" ORDER BY score DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)))

	rows, err := x.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("index.HybridRetrieval: %w", err)
	}
	defer rows.Close()

	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, fmt.Errorf("index.HybridRetrieval: %w", err)
	}
	slog.Debug("hybrid retrieval complete", "hits", len(chunks), "top_k", params.TopK)
	return chunks, nil
}

// IDBasedRetrieval fetches specific chunks by (document id, ordinal).
func (x *PgVector) IDBasedRetrieval(ctx context.Context, requests []ChunkRequest) ([]InferenceChunk, error) {
	var out []InferenceChunk
	for _, req := range requests {
		rows, err := x.pool.Query(ctx, `
			SELECT document_id, ordinal, content, semantic_id, source, metadata,
				large_chunk_refs, doc_updated_at, 0.0 AS score
			FROM index_chunks
			WHERE document_id = $1 AND ordinal = ANY($2)
			ORDER BY ordinal`,
			req.DocumentID, intArray(req.Ordinals),
		)
		if err != nil {
			return nil, fmt.Errorf("index.IDBasedRetrieval: %w", err)
		}
		chunks, err := scanChunks(rows)
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("index.IDBasedRetrieval: %w", err)
		}
		out = append(out, chunks...)
	}
	return out, nil
}

// DeleteDocument removes all chunks of a document.
func (x *PgVector) DeleteDocument(ctx context.Context, docID string) error {
	if _, err := x.pool.Exec(ctx, `DELETE FROM index_chunks WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("index.DeleteDocument: %w", err)
	}
	return nil
}

func scanChunks(rows pgx.Rows) ([]InferenceChunk, error) {
	var out []InferenceChunk
	for rows.Next() {
		var (
			ch       InferenceChunk
			source   string
			metadata []byte
			refs     []int32
		)
		if err := rows.Scan(&ch.DocumentID, &ch.Ordinal, &ch.Content, &ch.SemanticID,
			&source, &metadata, &refs, &ch.DocUpdatedAt, &ch.Score); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ch.Source = model.DocumentSource(source)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ch.Metadata); err != nil {
				ch.Metadata = nil
			}
		}
		for _, r := range refs {
			ch.LargeChunkRefs = append(ch.LargeChunkRefs, int(r))
		}
		if link, ok := ch.Metadata["link"]; ok {
			ch.Link = link
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// aclEntries flattens an access snapshot into the overlap-queryable form.
func aclEntries(a model.ExternalAccess) []string {
	if a.IsPublic {
		return []string{"PUBLIC"}
	}
	out := []string{}
	for _, e := range a.ExternalUserEmails {
		out = append(out, "user_email:"+e)
	}
	for _, g := range a.ExternalGroupIDs {
		out = append(out, "group:"+g)
	}
	return out
}

func intArray(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}
