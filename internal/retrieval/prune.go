package retrieval

import (
	"log/slog"
	"unicode/utf8"

	"github.com/tesserahq/tessera-backend/internal/index"
)

// Pruner packs chunks into the LLM context budget. Rather than dropping a
// whole trailing section that doesn't fit, it truncates it to the
// remaining budget.
type Pruner struct {
	tokens      TokenCounter
	tokenBudget int
}

func NewPruner(tokens TokenCounter, tokenBudget int) *Pruner {
	return &Pruner{tokens: tokens, tokenBudget: tokenBudget}
}

// Prune keeps chunks in order until the budget is exhausted. The first
// chunk that overflows is truncated to fit (when at least a useful slice
// remains); everything after it is dropped.
func (p *Pruner) Prune(chunks []index.InferenceChunk) []index.InferenceChunk {
	const minUsefulTokens = 50

	var out []index.InferenceChunk
	used := 0
	for i, ch := range chunks {
		tokens := p.tokens.CountTokens(ch.Content)
		if used+tokens <= p.tokenBudget {
			out = append(out, ch)
			used += tokens
			continue
		}

		remaining := p.tokenBudget - used
		if remaining >= minUsefulTokens {
			truncated := ch
			truncated.Content = p.truncateToTokens(ch.Content, remaining)
			out = append(out, truncated)
		}
		slog.Debug("context pruned",
			"kept", len(out),
			"dropped", len(chunks)-i-1,
			"budget", p.tokenBudget,
		)
		break
	}
	return out
}

// truncateToTokens cuts text to approximately the given token budget by
// binary-searching the byte length.
func (p *Pruner) truncateToTokens(text string, budget int) string {
	if p.tokens.CountTokens(text) <= budget {
		return text
	}
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if p.tokens.CountTokens(text[:mid]) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	return text[:lo]
}
