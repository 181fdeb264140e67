package summarize

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tesserahq/tessera-backend/internal/llm"
	"github.com/tesserahq/tessera-backend/internal/model"
)

type memStore struct {
	messages  []model.ChatMessage
	summaries []model.ChatSummary
}

func (m *memStore) Messages(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	return m.messages, nil
}

func (m *memStore) LatestSummary(ctx context.Context, sessionID string) (*model.ChatSummary, error) {
	var best *model.ChatSummary
	for i := range m.summaries {
		s := &m.summaries[i]
		if best == nil || s.SummaryVersion > best.SummaryVersion {
			best = s
		}
	}
	return best, nil
}

func (m *memStore) SaveSummary(ctx context.Context, s model.ChatSummary) error {
	m.summaries = append(m.summaries, s)
	return nil
}

type oneShotProvider struct {
	reply    string
	requests []llm.CompletionRequest
}

func (p *oneShotProvider) DefaultModel() string { return "fast" }

func (p *oneShotProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	p.requests = append(p.requests, req)
	return llm.NewTextStream(p.reply, 0), nil
}

func msgs(n int) []model.ChatMessage {
	out := make([]model.ChatMessage, n)
	for i := range out {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		out[i] = model.ChatMessage{Role: role, Content: strings.Repeat("m", 3), CreatedAt: time.Now()}
	}
	return out
}

func TestShouldSummarize(t *testing.T) {
	s := New(nil, "", nil, nil, 6)

	if s.ShouldSummarize(5, nil) {
		t.Error("below threshold must not summarize")
	}
	if !s.ShouldSummarize(6, nil) {
		t.Error("at threshold with no summary must summarize")
	}
	last := &model.ChatSummary{MessageCountAtCreation: 6}
	if s.ShouldSummarize(9, last) {
		t.Error("only 3 new messages since last summary")
	}
	if !s.ShouldSummarize(12, last) {
		t.Error("6 new messages since last summary must summarize")
	}
}

func TestMaybeSummarize_VersionsIncrease(t *testing.T) {
	store := &memStore{messages: msgs(6)}
	provider := &oneShotProvider{reply: "first summary"}
	s := New(llm.NewGate(provider, 1), "fast", store, nil, 6)

	if err := s.MaybeSummarize(context.Background(), "sess"); err != nil {
		t.Fatal(err)
	}
	if len(store.summaries) != 1 || store.summaries[0].SummaryVersion != 1 {
		t.Fatalf("summaries = %+v", store.summaries)
	}
	if store.summaries[0].MessageCountAtCreation != 6 {
		t.Errorf("count at creation = %d", store.summaries[0].MessageCountAtCreation)
	}

	// Six more messages: version 2, prompt contains only the new tail
	// plus the prior summary.
	store.messages = msgs(12)
	provider.reply = "second summary"
	if err := s.MaybeSummarize(context.Background(), "sess"); err != nil {
		t.Fatal(err)
	}
	if len(store.summaries) != 2 || store.summaries[1].SummaryVersion != 2 {
		t.Fatalf("summaries = %+v", store.summaries)
	}

	prompt := provider.requests[1].Messages[0].Content
	if !strings.Contains(prompt, "first summary") {
		t.Error("prior summary not included in update prompt")
	}
	// 6 new messages → 6 rendered lines, not 12.
	if got := strings.Count(prompt, "USER:") + strings.Count(prompt, "ASSISTANT:"); got != 6 {
		t.Errorf("rendered messages = %d, want 6", got)
	}
}

func TestMaybeSummarize_NoTriggerNoLLMCall(t *testing.T) {
	store := &memStore{messages: msgs(3)}
	provider := &oneShotProvider{reply: "x"}
	s := New(llm.NewGate(provider, 1), "fast", store, nil, 6)

	if err := s.MaybeSummarize(context.Background(), "sess"); err != nil {
		t.Fatal(err)
	}
	if len(provider.requests) != 0 {
		t.Error("LLM called below threshold")
	}
}

func TestLatestSummaryWins(t *testing.T) {
	store := &memStore{summaries: []model.ChatSummary{
		{SummaryVersion: 1, Summary: "old"},
		{SummaryVersion: 3, Summary: "newest"},
		{SummaryVersion: 2, Summary: "middle"},
	}}
	s := New(nil, "", store, nil, 6)

	summary, _, err := s.AnswerContext(context.Background(), "sess")
	if err != nil {
		t.Fatal(err)
	}
	if summary != "newest" {
		t.Errorf("summary = %q, want greatest version", summary)
	}
}

func TestAnswerContext_LastThreeMessages(t *testing.T) {
	store := &memStore{messages: msgs(10)}
	s := New(nil, "", store, nil, 6)
	_, tail, err := s.AnswerContext(context.Background(), "sess")
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 3 {
		t.Errorf("tail = %d messages, want 3", len(tail))
	}
}
