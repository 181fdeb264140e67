// Package summarize maintains the incremental conversation summary: a
// versioned record per session, re-generated from the prior summary plus
// only the new messages, and mirrored into the index as a document.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tesserahq/tessera-backend/internal/llm"
	"github.com/tesserahq/tessera-backend/internal/model"
)

const summaryPrompt = `Maintain a running summary of this conversation for future context.
Fold the new messages into the existing summary: keep key facts, decisions, names, and open questions; drop pleasantries. Stay under 300 words.

Existing summary:
%s

New messages:
%s

Updated summary:`

// Store is the chat persistence slice the summarizer needs.
type Store interface {
	Messages(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
	LatestSummary(ctx context.Context, sessionID string) (*model.ChatSummary, error)
	SaveSummary(ctx context.Context, s model.ChatSummary) error
}

// Indexer mirrors summaries into the search index so retrieval can pull
// prior-session context.
type Indexer interface {
	IndexSummary(ctx context.Context, summary model.ChatSummary) error
}

// Summarizer owns the trigger logic and the incremental update.
type Summarizer struct {
	gate      *llm.Gate
	fastModel string
	store     Store
	indexer   Indexer // nil disables mirroring
	threshold int
}

func New(gate *llm.Gate, fastModel string, store Store, indexer Indexer, threshold int) *Summarizer {
	if threshold <= 0 {
		threshold = 6
	}
	return &Summarizer{gate: gate, fastModel: fastModel, store: store, indexer: indexer, threshold: threshold}
}

// ShouldSummarize applies the trigger: total messages past the threshold,
// and either no summary yet or enough new messages since the last one.
func (s *Summarizer) ShouldSummarize(totalMessages int, last *model.ChatSummary) bool {
	if totalMessages < s.threshold {
		return false
	}
	if last == nil {
		return true
	}
	return totalMessages-last.MessageCountAtCreation >= s.threshold
}

// MaybeSummarize runs after a message is persisted. Idempotent per
// version: the summary document id is stable, the index upsert dedupes.
func (s *Summarizer) MaybeSummarize(ctx context.Context, sessionID string) error {
	messages, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("summarize: messages: %w", err)
	}
	last, err := s.store.LatestSummary(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("summarize: latest: %w", err)
	}
	if !s.ShouldSummarize(len(messages), last) {
		return nil
	}

	// Only the messages since the last summary feed the update.
	newMessages := messages
	prior := "(none)"
	version := 1
	if last != nil {
		if last.MessageCountAtCreation < len(messages) {
			newMessages = messages[last.MessageCountAtCreation:]
		}
		prior = last.Summary
		version = last.SummaryVersion + 1
	}

	prompt := fmt.Sprintf(summaryPrompt, prior, renderMessages(newMessages))
	text, err := s.gate.CompleteText(ctx, llm.CompletionRequest{
		Model:    s.fastModel,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return fmt.Errorf("summarize: llm: %w", err)
	}

	summary := model.ChatSummary{
		SessionID:              sessionID,
		Summary:                strings.TrimSpace(text),
		MessageCountAtCreation: len(messages),
		SummaryVersion:         version,
		CreatedAt:              time.Now().UTC(),
	}
	if err := s.store.SaveSummary(ctx, summary); err != nil {
		return fmt.Errorf("summarize: save: %w", err)
	}
	if s.indexer != nil {
		if err := s.indexer.IndexSummary(ctx, summary); err != nil {
			slog.Warn("summary index mirror failed", "session_id", sessionID, "error", err)
		}
	}
	slog.Info("conversation summary updated",
		"session_id", sessionID,
		"version", version,
		"message_count", len(messages),
	)
	return nil
}

// AnswerContext assembles the runtime context: latest summary (if any)
// plus the last three messages.
func (s *Summarizer) AnswerContext(ctx context.Context, sessionID string) (string, []model.ChatMessage, error) {
	last, err := s.store.LatestSummary(ctx, sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("summarize: latest: %w", err)
	}
	messages, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("summarize: messages: %w", err)
	}
	if len(messages) > 3 {
		messages = messages[len(messages)-3:]
	}
	summaryText := ""
	if last != nil {
		summaryText = last.Summary
	}
	return summaryText, messages, nil
}

func renderMessages(messages []model.ChatMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", strings.ToUpper(string(m.Role)), m.Content)
	}
	return sb.String()
}

// SummaryIndexer adapts the vector index to the Indexer interface.
type SummaryIndexer struct {
	upsert func(ctx context.Context, chunks []model.MetadataAwareChunk) error
	embed  llm.Embedder
}

func NewSummaryIndexer(upsert func(ctx context.Context, chunks []model.MetadataAwareChunk) error, embed llm.Embedder) *SummaryIndexer {
	return &SummaryIndexer{upsert: upsert, embed: embed}
}

// IndexSummary writes the summary as a single-chunk document with id
// chat_summary_{session}; version bumps overwrite the same id.
func (x *SummaryIndexer) IndexSummary(ctx context.Context, summary model.ChatSummary) error {
	vectors, err := x.embed.Embed(ctx, []string{summary.Summary})
	if err != nil {
		return fmt.Errorf("summarize: embed: %w", err)
	}
	chunk := model.MetadataAwareChunk{
		Access:     model.ExternalAccess{}, // private to the owning session's user
		Source:     model.SourceChatSummary,
		SemanticID: "Conversation summary",
		Metadata: map[string]string{
			"session_id":      summary.SessionID,
			"summary_version": fmt.Sprintf("%d", summary.SummaryVersion),
		},
	}
	chunk.DocumentID = model.ChatSummaryDocID(summary.SessionID)
	chunk.Ordinal = 0
	chunk.Content = summary.Summary
	chunk.Embedding = vectors[0]
	return x.upsert(ctx, []model.MetadataAwareChunk{chunk})
}
