// Package retrieval is the query-side pipeline: rephrase → hybrid
// retrieve → large-chunk resolution → image co-retrieval → rerank → LLM
// relevance → prune.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tesserahq/tessera-backend/internal/llm"
	"github.com/tesserahq/tessera-backend/internal/model"
)

const historyQueryRephrasePrompt = `Given the following conversation and a follow up input, rephrase the follow up into a SHORT, standalone query (which captures any relevant context from previous messages) for a vectorstore.
IMPORTANT: EDIT THE QUERY TO BE AS CONCISE AS POSSIBLE. Respond with a short, compressed phrase with mainly keywords instead of a complete sentence.
If there is a clear change in topic, disregard the previous messages.
Strip out any information that is not relevant for the retrieval task.

Chat History:
{history}

Follow Up Input: {question}
Standalone question (Respond with only the short combined query):`

const (
	// rephraseMaxQueryWords: longer queries are left alone, they carry
	// their own context.
	rephraseMaxQueryWords = 16
	// rephraseHistoryTokenCap bounds the history tail handed to the LLM.
	rephraseHistoryTokenCap = 2048
)

// TokenCounter is the tokenizer slice this package needs.
type TokenCounter interface {
	CountTokens(text string) int
}

// Rephraser rewrites follow-up questions into standalone queries.
type Rephraser struct {
	fastLLM   *llm.Gate
	fastModel string
	tokens    TokenCounter
	languages []string
}

func NewRephraser(fastLLM *llm.Gate, fastModel string, tokens TokenCounter, languages []string) *Rephraser {
	return &Rephraser{fastLLM: fastLLM, fastModel: fastModel, tokens: tokens, languages: languages}
}

// Rephrase rewrites query using a token-capped tail of history. Queries
// that are long or heavily punctuated are returned unchanged, as are
// queries with no history to draw on.
func (r *Rephraser) Rephrase(ctx context.Context, query string, history []model.ChatMessage) (string, error) {
	if len(history) == 0 || !shouldRephrase(query) {
		return query, nil
	}

	prompt := strings.Replace(historyQueryRephrasePrompt, "{history}", r.historyTail(history), 1)
	prompt = strings.Replace(prompt, "{question}", query, 1)

	rewritten, err := r.fastLLM.CompleteText(ctx, llm.CompletionRequest{
		Model:    r.fastModel,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		// The original query still works; rephrasing is best-effort.
		slog.Warn("query rephrase failed, using original", "error", err)
		return query, nil
	}
	rewritten = strings.TrimSpace(strings.Trim(strings.TrimSpace(rewritten), `"`))
	if rewritten == "" {
		return query, nil
	}
	return rewritten, nil
}

// ExpandMultilingual produces per-language rewrites of the query, fanned
// out under the LLM gate. Queries containing newlines are not expanded.
func (r *Rephraser) ExpandMultilingual(ctx context.Context, query string) ([]string, error) {
	if len(r.languages) == 0 || strings.Contains(query, "\n") {
		return nil, nil
	}

	expansions := make([]string, len(r.languages))
	g, gCtx := errgroup.WithContext(ctx)
	for i, lang := range r.languages {
		i, lang := i, lang
		g.Go(func() error {
			prompt := fmt.Sprintf(
				"Translate this query into %s. Keep technical terms and acronyms unchanged. Respond with the translation only.\n\nQuery: %s",
				lang, query)
			out, err := r.fastLLM.CompleteText(gCtx, llm.CompletionRequest{
				Model:    r.fastModel,
				Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			})
			if err != nil {
				return err
			}
			expansions[i] = strings.TrimSpace(out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retrieval.ExpandMultilingual: %w", err)
	}
	return expansions, nil
}

// shouldRephrase: short queries without heavy punctuation benefit from
// history context; anything else is passed through.
func shouldRephrase(query string) bool {
	if len(strings.Fields(query)) > rephraseMaxQueryWords {
		return false
	}
	punctuation := 0
	for _, r := range query {
		switch r {
		case '"', ':', ';', '(', ')', '{', '}', '[', ']', '`':
			punctuation++
		}
	}
	return punctuation < 2
}

// historyTail renders newest-last messages, dropping from the front until
// the token cap is met.
func (r *Rephraser) historyTail(history []model.ChatMessage) string {
	var lines []string
	total := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		line := fmt.Sprintf("%s: %s", strings.ToUpper(string(m.Role)), m.Content)
		tokens := r.tokens.CountTokens(line)
		if total+tokens > rephraseHistoryTokenCap {
			break
		}
		total += tokens
		lines = append([]string{line}, lines...)
	}
	return strings.Join(lines, "\n")
}
