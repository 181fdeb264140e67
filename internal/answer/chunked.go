package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tesserahq/tessera-backend/internal/llm"
)

// chunkBudgetFraction of the available context goes to each piece of the
// oversized input; the rest is headroom for the instructions and the
// accumulated analysis.
const chunkBudgetFraction = 0.8

const chunkAnalysisPrompt = `You are analyzing a large document in pieces. Below is the analysis accumulated from the previous pieces, followed by the next piece.
Update the analysis: keep everything still correct, and describe the modifications to previous analysis that this piece requires.

Question: %s

Previous analysis:
%s

Document piece %d of %d:
%s

Updated analysis:`

const consolidationPrompt = `You analyzed a large document piece by piece. Below is the final accumulated analysis. Using it, answer the user's question directly and completely.

Question: %s

Accumulated analysis:
%s`

// TokenCounter counts tokens for budget decisions.
type TokenCounter interface {
	CountTokens(text string) int
}

// ChunkedProcessor is the oversized-input fallback: split, analyze each
// piece with carry-over, then one consolidation call whose stream is
// forwarded verbatim.
type ChunkedProcessor struct {
	gate           *llm.Gate
	tokens         TokenCounter
	maxInputTokens int
	reservedTokens int
}

func NewChunkedProcessor(gate *llm.Gate, tokens TokenCounter, maxInputTokens, reservedTokens int) *ChunkedProcessor {
	return &ChunkedProcessor{
		gate:           gate,
		tokens:         tokens,
		maxInputTokens: maxInputTokens,
		reservedTokens: reservedTokens,
	}
}

// Oversized reports whether content requires chunked processing. Checked
// before the final prompt is built, never by catching an overflow error.
func (c *ChunkedProcessor) Oversized(content string) bool {
	return c.tokens.CountTokens(content) > c.maxInputTokens-c.reservedTokens
}

// chunkTokenBudget is the per-piece size.
func (c *ChunkedProcessor) chunkTokenBudget() int {
	available := c.maxInputTokens - c.reservedTokens
	return int(float64(available) * chunkBudgetFraction)
}

// Split cuts content into token-bounded pieces on line boundaries where
// possible.
func (c *ChunkedProcessor) Split(content string) []string {
	budget := c.chunkTokenBudget()
	if c.tokens.CountTokens(content) <= budget {
		return []string{content}
	}

	var pieces []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
			currentTokens = 0
		}
	}

	for _, line := range strings.SplitAfter(content, "\n") {
		tokens := c.tokens.CountTokens(line)
		if tokens > budget {
			// A single enormous line: hard-split by words.
			flush()
			for _, word := range strings.Fields(line) {
				wt := c.tokens.CountTokens(word + " ")
				if currentTokens+wt > budget && current.Len() > 0 {
					flush()
				}
				current.WriteString(word + " ")
				currentTokens += wt
			}
			continue
		}
		if currentTokens+tokens > budget && current.Len() > 0 {
			flush()
		}
		current.WriteString(line)
		currentTokens += tokens
	}
	flush()
	return pieces
}

// Process runs the chunked flow and returns the consolidation stream,
// which the engine forwards verbatim. With exactly one piece after
// splitting, the flow is equivalent to the non-chunked path: a single
// call with the question and the content.
func (c *ChunkedProcessor) Process(ctx context.Context, model, question, content string) (llm.Stream, error) {
	pieces := c.Split(content)
	slog.Info("chunked processing", "pieces", len(pieces), "budget_per_chunk", c.chunkTokenBudget())

	if len(pieces) == 1 {
		return c.gate.Complete(ctx, llm.CompletionRequest{
			Model: model,
			Messages: []llm.Message{
				{Role: llm.RoleUser, Content: fmt.Sprintf("%s\n\n%s", question, content)},
			},
		})
	}

	analysis := "(none yet)"
	for i, piece := range pieces {
		prompt := fmt.Sprintf(chunkAnalysisPrompt, question, analysis, i+1, len(pieces), piece)
		updated, err := c.gate.CompleteText(ctx, llm.CompletionRequest{
			Model:    model,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, fmt.Errorf("answer: chunk %d/%d: %w", i+1, len(pieces), err)
		}
		analysis = updated
	}

	return c.gate.Complete(ctx, llm.CompletionRequest{
		Model: model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(consolidationPrompt, question, analysis)},
		},
	})
}
