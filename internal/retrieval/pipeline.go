package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/llm"
	"github.com/tesserahq/tessera-backend/internal/model"
)

const (
	defaultTopK = 50

	// Image co-retrieval boosts: the page a matched image belongs to
	// outranks the image itself.
	sourceDocBoost  = 1.8
	imageChunkBoost = 1.3
)

// Reranker re-scores the top candidates; optional.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []index.InferenceChunk) ([]index.InferenceChunk, error)
}

// CensorFunc post-filters chunks for sources whose ACLs cannot be fully
// projected at sync time; installed by the permission-sync layer.
type CensorFunc func(ctx context.Context, userEmail string, chunks []index.InferenceChunk) ([]index.InferenceChunk, error)

// Request is one retrieval invocation.
type Request struct {
	Query          string
	UserEmail      string
	History        []model.ChatMessage
	Filters        index.Filters
	HybridAlpha    float64
	TimeDecay      float64
	TopK           int
	DisableRerank  bool
	DisableLLMEval bool
}

// Result is the pruned, ordered context set.
type Result struct {
	Query  string // post-rephrase
	Chunks []index.InferenceChunk
}

// Pipeline wires the retrieval stages.
type Pipeline struct {
	idx       index.Index
	embedder  llm.Embedder
	rephraser *Rephraser
	relevance *RelevanceFilter
	reranker  Reranker // nil = no reranking configured
	pruner    *Pruner
	censor    CensorFunc // nil = no post-query censoring
	topK      int
}

// SetCensor installs post-query chunk censoring (e.g. Salesforce, whose
// record-level sharing is checked live rather than projected).
func (p *Pipeline) SetCensor(censor CensorFunc) { p.censor = censor }

func NewPipeline(idx index.Index, embedder llm.Embedder, rephraser *Rephraser, relevance *RelevanceFilter, reranker Reranker, pruner *Pruner) *Pipeline {
	return &Pipeline{
		idx:       idx,
		embedder:  embedder,
		rephraser: rephraser,
		relevance: relevance,
		reranker:  reranker,
		pruner:    pruner,
		topK:      defaultTopK,
	}
}

// Retrieve runs the full pipeline.
func (p *Pipeline) Retrieve(ctx context.Context, req Request) (*Result, error) {
	query, err := p.rephraser.Rephrase(ctx, req.Query, req.History)
	if err != nil {
		return nil, fmt.Errorf("retrieval.Retrieve: rephrase: %w", err)
	}

	// Multilingual expansions feed the keyword leg alongside the query.
	searchKeywords := keywords(query)
	if expansions, err := p.rephraser.ExpandMultilingual(ctx, query); err != nil {
		slog.Warn("multilingual expansion failed", "error", err)
	} else {
		for _, e := range expansions {
			searchKeywords = append(searchKeywords, keywords(e)...)
		}
	}

	vectors, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval.Retrieve: embed query: %w", err)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = p.topK
	}
	chunks, err := p.idx.HybridRetrieval(ctx, index.HybridParams{
		Query:          query,
		QueryEmbedding: vectors[0],
		Keywords:       searchKeywords,
		Filters:        req.Filters,
		HybridAlpha:    req.HybridAlpha,
		TimeDecay:      req.TimeDecay,
		TopK:           topK,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval.Retrieve: hybrid: %w", err)
	}
	slog.Info("hybrid retrieval", "query", query, "hits", len(chunks))

	chunks, err = p.resolveLargeChunks(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("retrieval.Retrieve: large chunks: %w", err)
	}

	chunks, err = p.coRetrieveSources(ctx, chunks, req.Filters)
	if err != nil {
		// Enhancement only; the base hits still stand.
		slog.Warn("image co-retrieval failed", "error", err)
	}

	if p.reranker != nil && !req.DisableRerank {
		reranked, err := p.reranker.Rerank(ctx, query, chunks)
		if err != nil {
			slog.Warn("rerank failed, keeping hybrid order", "error", err)
		} else {
			chunks = reranked
		}
	}

	if p.relevance != nil && !req.DisableLLMEval {
		keep, err := p.relevance.Evaluate(ctx, query, chunks)
		if err != nil {
			slog.Warn("llm relevance failed, keeping all chunks", "error", err)
		} else {
			var filtered []index.InferenceChunk
			for i, ch := range chunks {
				if keep[i] {
					filtered = append(filtered, ch)
				}
			}
			chunks = filtered
		}
	}

	if p.censor != nil && req.UserEmail != "" {
		censored, err := p.censor(ctx, req.UserEmail, chunks)
		if err != nil {
			return nil, fmt.Errorf("retrieval.Retrieve: censor: %w", err)
		}
		chunks = censored
	}

	chunks = p.pruner.Prune(chunks)

	return &Result{Query: query, Chunks: chunks}, nil
}

// resolveLargeChunks expands large-chunk hits into their constituent
// normal chunks, propagating the parent score, deduping by
// (doc, ordinal) keeping the max score.
func (p *Pipeline) resolveLargeChunks(ctx context.Context, chunks []index.InferenceChunk) ([]index.InferenceChunk, error) {
	var requests []index.ChunkRequest
	scoreByDoc := map[string]float64{}
	for _, ch := range chunks {
		if len(ch.LargeChunkRefs) == 0 {
			continue
		}
		requests = append(requests, index.ChunkRequest{
			DocumentID: ch.DocumentID,
			Ordinals:   ch.LargeChunkRefs,
		})
		if ch.Score > scoreByDoc[ch.DocumentID] {
			scoreByDoc[ch.DocumentID] = ch.Score
		}
	}
	if len(requests) == 0 {
		return chunks, nil
	}

	children, err := p.idx.IDBasedRetrieval(ctx, requests)
	if err != nil {
		return nil, err
	}

	type key struct {
		doc     string
		ordinal int
	}
	best := map[key]index.InferenceChunk{}
	add := func(ch index.InferenceChunk) {
		k := key{ch.DocumentID, ch.Ordinal}
		if existing, ok := best[k]; !ok || ch.Score > existing.Score {
			best[k] = ch
		}
	}
	for _, ch := range chunks {
		if len(ch.LargeChunkRefs) == 0 {
			add(ch)
		}
	}
	for _, child := range children {
		child.Score = scoreByDoc[child.DocumentID]
		add(child)
	}

	out := make([]index.InferenceChunk, 0, len(best))
	for _, ch := range best {
		out = append(out, ch)
	}
	sortByScore(out)
	return out, nil
}

// coRetrieveSources fetches the source page for any image hit, boosting
// the page by 1.8x and the image by 1.3x, then re-sorts.
func (p *Pipeline) coRetrieveSources(ctx context.Context, chunks []index.InferenceChunk, filters index.Filters) ([]index.InferenceChunk, error) {
	sourceIDs := map[string]float64{} // source doc id → best image score
	for _, ch := range chunks {
		src := ch.Metadata["source_document_id"]
		if src == "" {
			continue
		}
		if ch.Score > sourceIDs[src] {
			sourceIDs[src] = ch.Score
		}
	}
	if len(sourceIDs) == 0 {
		return chunks, nil
	}

	present := map[string]int{} // doc id → index in chunks
	for i, ch := range chunks {
		if _, want := sourceIDs[ch.DocumentID]; want {
			present[ch.DocumentID] = i
		}
	}

	out := make([]index.InferenceChunk, len(chunks))
	copy(out, chunks)

	for sourceID, imageScore := range sourceIDs {
		if i, ok := present[sourceID]; ok {
			out[i].Score *= sourceDocBoost
			continue
		}
		// Follow-up query by document id.
		hits, err := p.idx.HybridRetrieval(ctx, index.HybridParams{
			Query:   fmt.Sprintf("document_id:%q", sourceID),
			Filters: withDocumentID(filters, sourceID),
			TopK:    1,
		})
		if err != nil {
			return chunks, err
		}
		if len(hits) == 0 {
			continue
		}
		source := hits[0]
		base := source.Score
		if imageScore > base {
			base = imageScore
		}
		source.Score = base * sourceDocBoost
		out = append(out, source)
	}

	for i := range out {
		if out[i].Metadata["source_document_id"] != "" {
			out[i].Score *= imageChunkBoost
		}
	}
	sortByScore(out)
	return out, nil
}

// withDocumentID narrows filters to one document for co-retrieval.
func withDocumentID(filters index.Filters, docID string) index.Filters {
	f := filters
	f.ConnectorName = ""
	f.Tags = append([]string{}, "document_id:"+docID)
	return f
}

func sortByScore(chunks []index.InferenceChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Score > chunks[j].Score
	})
}

// keywords is a cheap keyword split for the hybrid keyword leg.
func keywords(query string) []string {
	var out []string
	for _, w := range strings.Fields(query) {
		w = strings.Trim(w, `.,!?"'()[]{}`)
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	return out
}
