package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/llm"
)

// defaultRelevanceBatch is how many sections one relevance prompt covers.
const defaultRelevanceBatch = 25

const relevancePromptHeader = `Determine if each of the following sections is useful for answering the query. Respond with one line per section, in the form "<section number>: Yes" or "<section number>: No". Do not include any other text.

Query: %s

`

// RelevanceFilter asks the LLM which retrieved sections are useful,
// batched and run in parallel under the global LLM gate.
type RelevanceFilter struct {
	gate      *llm.Gate
	fastModel string
	batchSize int
}

func NewRelevanceFilter(gate *llm.Gate, fastModel string, batchSize int) *RelevanceFilter {
	if batchSize <= 0 {
		batchSize = defaultRelevanceBatch
	}
	return &RelevanceFilter{gate: gate, fastModel: fastModel, batchSize: batchSize}
}

// Evaluate returns keep[i] for each chunk. A missing or unparseable line
// defaults to keep — better to trust the ranker than to drop a section on
// a malformed LLM reply.
func (f *RelevanceFilter) Evaluate(ctx context.Context, query string, chunks []index.InferenceChunk) ([]bool, error) {
	keep := make([]bool, len(chunks))
	for i := range keep {
		keep[i] = true
	}
	if len(chunks) == 0 {
		return keep, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	for start := 0; start < len(chunks); start += f.batchSize {
		start := start
		end := start + f.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		g.Go(func() error {
			verdicts, err := f.evaluateBatch(gCtx, query, chunks[start:end])
			if err != nil {
				return err
			}
			copy(keep[start:end], verdicts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retrieval.Evaluate: %w", err)
	}
	return keep, nil
}

func (f *RelevanceFilter) evaluateBatch(ctx context.Context, query string, chunks []index.InferenceChunk) ([]bool, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, relevancePromptHeader, query)
	for i, ch := range chunks {
		content := ch.Content
		if len(content) > 2000 {
			content = content[:2000]
		}
		fmt.Fprintf(&sb, "Section %d:\n%s\n\n", i+1, content)
	}

	out, err := f.gate.CompleteText(ctx, llm.CompletionRequest{
		Model:    f.fastModel,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
	})
	if err != nil {
		return nil, err
	}
	return ParseRelevanceResponse(out, len(chunks)), nil
}

// ParseRelevanceResponse parses "<n>: Yes/No" lines. Missing lines
// default to true.
func ParseRelevanceResponse(response string, n int) []bool {
	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		num, err := strconv.Atoi(strings.TrimSpace(line[:colon]))
		if err != nil || num < 1 || num > n {
			continue
		}
		verdict := strings.ToLower(strings.TrimSpace(line[colon+1:]))
		if strings.HasPrefix(verdict, "no") {
			keep[num-1] = false
		}
	}
	return keep
}
