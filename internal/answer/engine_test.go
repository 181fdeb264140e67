package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/tesserahq/tessera-backend/internal/llm"
)

// scriptedProvider returns prepared streams in order and records requests.
type scriptedProvider struct {
	mu       sync.Mutex
	streams  []llm.Stream
	requests []llm.CompletionRequest
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.streams) == 0 {
		return nil, fmt.Errorf("scriptedProvider: no streams left")
	}
	s := p.streams[0]
	p.streams = p.streams[1:]
	return s, nil
}

type wordCounter struct{}

func (wordCounter) CountTokens(text string) int { return len(strings.Fields(text)) }

func newTestEngine(provider llm.Provider, maxTokens, reserved int) *Engine {
	gate := llm.NewGate(provider, 2)
	chunked := NewChunkedProcessor(gate, wordCounter{}, maxTokens, reserved)
	return NewEngine(gate, chunked)
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func answerText(events []Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if piece, ok := ev.(AnswerPiece); ok {
			sb.WriteString(piece.Text)
		}
	}
	return sb.String()
}

type fakeTool struct {
	name   string
	result *ToolResult
	err    error
	args   []string
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        f.name,
		Description: "test tool",
		Parameters:  map[string]any{"type": "object"},
	}
}

func (f *fakeTool) Run(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	f.args = append(f.args, string(args))
	return f.result, f.err
}

func TestRun_DirectAnswerNoTools(t *testing.T) {
	provider := &scriptedProvider{streams: []llm.Stream{
		llm.NewTextStream("Hello there, user.", 5),
	}}
	e := newTestEngine(provider, 10000, 100)

	events := drain(t, e.Run(context.Background(), RunInput{Question: "hi"}))

	if got := answerText(events); got != "Hello there, user." {
		t.Errorf("answer = %q", got)
	}
	last := events[len(events)-1]
	stop, ok := last.(StreamStopInfo)
	if !ok || stop.Reason != StopDone {
		t.Errorf("last event = %+v, want done", last)
	}
}

func TestRun_ToolCallLoopOrdering(t *testing.T) {
	// Round 1: the model requests the search tool. Round 2: it answers
	// citing doc 1.
	toolCallStream := llm.NewSliceStream(
		llm.StreamChunk{ToolCallDeltas: []llm.ToolCallDelta{
			{Index: 0, ID: "call-1", Name: "run_search"},
		}},
		llm.StreamChunk{ToolCallDeltas: []llm.ToolCallDelta{
			{Index: 0, Arguments: `{"query": "architecture"}`},
		}},
	)
	provider := &scriptedProvider{streams: []llm.Stream{
		toolCallStream,
		llm.NewTextStream("Found it [1].", 4),
	}}
	e := newTestEngine(provider, 10000, 100)

	search := &fakeTool{
		name: "run_search",
		result: &ToolResult{
			Response: "doc one content",
			Docs:     []CitedDoc{{DocumentID: "doc-1", Link: "http://doc"}},
		},
	}

	events := drain(t, e.Run(context.Background(), RunInput{
		Question: "where is the architecture doc?",
		Tools:    []Tool{search},
	}))

	// All tool events precede the first answer piece.
	var orderedKinds []string
	for _, ev := range events {
		switch ev.(type) {
		case ToolKickoff:
			orderedKinds = append(orderedKinds, "kickoff")
		case ToolResponse:
			orderedKinds = append(orderedKinds, "response")
		case AnswerPiece:
			orderedKinds = append(orderedKinds, "answer")
		case CitationInfo:
			orderedKinds = append(orderedKinds, "citation")
		}
	}
	firstAnswer := -1
	for i, k := range orderedKinds {
		if k == "answer" {
			firstAnswer = i
			break
		}
	}
	for i, k := range orderedKinds {
		if (k == "kickoff" || k == "response") && firstAnswer >= 0 && i > firstAnswer {
			t.Errorf("tool event after first answer piece: %v", orderedKinds)
		}
	}

	if got := answerText(events); !strings.Contains(got, "[[1]](http://doc)") {
		t.Errorf("citation not rewritten: %q", got)
	}
	if len(search.args) != 1 || !strings.Contains(search.args[0], "architecture") {
		t.Errorf("tool args = %v", search.args)
	}

	// The second request must carry the tool exchange.
	second := provider.requests[1]
	foundToolMsg := false
	for _, m := range second.Messages {
		if m.Role == llm.RoleTool && m.Content == "doc one content" {
			foundToolMsg = true
		}
	}
	if !foundToolMsg {
		t.Error("tool response not in follow-up messages")
	}
}

func TestRun_ForcedToolSkipsLLMDecision(t *testing.T) {
	provider := &scriptedProvider{streams: []llm.Stream{
		llm.NewTextStream("Answer after forced tool.", 6),
	}}
	e := newTestEngine(provider, 10000, 100)

	tool := &fakeTool{name: "custom_http", result: &ToolResult{Response: "tool output"}}
	events := drain(t, e.Run(context.Background(), RunInput{
		Question:  "q",
		Tools:     []Tool{tool},
		ForceTool: &ForceUseTool{ToolName: "custom_http", Args: json.RawMessage(`{"x":1}`)},
	}))

	if len(tool.args) != 1 || tool.args[0] != `{"x":1}` {
		t.Errorf("args = %v", tool.args)
	}
	// Exactly one LLM call: no tool-choice round.
	if len(provider.requests) != 1 {
		t.Errorf("llm calls = %d, want 1", len(provider.requests))
	}
	if answerText(events) == "" {
		t.Error("no answer streamed")
	}
}

func TestRun_ToolFailureGoesBackToLLM(t *testing.T) {
	toolCallStream := llm.NewSliceStream(
		llm.StreamChunk{ToolCallDeltas: []llm.ToolCallDelta{
			{Index: 0, ID: "c1", Name: "broken", Arguments: "{}"},
		}},
	)
	provider := &scriptedProvider{streams: []llm.Stream{
		toolCallStream,
		llm.NewTextStream("Recovered without the tool.", 6),
	}}
	e := newTestEngine(provider, 10000, 100)

	tool := &fakeTool{name: "broken", err: fmt.Errorf("upstream 500")}
	events := drain(t, e.Run(context.Background(), RunInput{Question: "q", Tools: []Tool{tool}}))

	var sawErrResponse bool
	for _, ev := range events {
		if resp, ok := ev.(ToolResponse); ok && resp.Err != "" {
			sawErrResponse = true
		}
	}
	if !sawErrResponse {
		t.Error("tool error not surfaced as ToolResponse")
	}
	if got := answerText(events); !strings.Contains(got, "Recovered") {
		t.Errorf("LLM not given recovery chance: %q", got)
	}
}

func TestRun_CancellationEmitsStopInfo(t *testing.T) {
	provider := &scriptedProvider{streams: []llm.Stream{
		llm.NewTextStream(strings.Repeat("long answer text ", 50), 8),
	}}
	e := newTestEngine(provider, 10000, 100)

	calls := 0
	events := drain(t, e.Run(context.Background(), RunInput{
		Question: "q",
		IsConnected: func() bool {
			calls++
			return calls < 3
		},
	}))

	last := events[len(events)-1]
	stop, ok := last.(StreamStopInfo)
	if !ok || stop.Reason != StopCancelled {
		t.Errorf("last = %+v, want cancelled", last)
	}
}

func TestRun_OversizedContentTakesChunkedPath(t *testing.T) {
	// maxInput 100, reserve 20 → available 80, per-chunk 64 words, so 100
	// words split into two pieces.
	content := strings.Repeat("word ", 100)

	// Two analysis calls + one consolidation.
	provider := &scriptedProvider{streams: []llm.Stream{
		llm.NewTextStream("analysis one", 100),
		llm.NewTextStream("analysis two", 100),
		llm.NewTextStream("final consolidated answer", 7),
	}}
	e := newTestEngine(provider, 100, 20)

	events := drain(t, e.Run(context.Background(), RunInput{
		Question:        "summarize",
		UploadedContent: content,
	}))

	if got := answerText(events); got != "final consolidated answer" {
		t.Errorf("only the consolidation stream must be forwarded, got %q", got)
	}
	if len(provider.requests) != 3 {
		t.Errorf("llm calls = %d, want 3 (2 analysis + 1 consolidation)", len(provider.requests))
	}
}

func TestChunked_SplitCountMatchesBudgetFormula(t *testing.T) {
	gate := llm.NewGate(&scriptedProvider{}, 1)
	c := NewChunkedProcessor(gate, wordCounter{}, 1000, 200)
	// available = 800, per-chunk = 640 words.
	content := strings.Repeat("w ", 2000)
	pieces := c.Split(content)
	// ceil(2000 / 640) = 4.
	if len(pieces) != 4 {
		t.Errorf("pieces = %d, want 4", len(pieces))
	}
	var total int
	for _, piece := range pieces {
		total += len(strings.Fields(piece))
	}
	if total != 2000 {
		t.Errorf("words after split = %d, want 2000 (nothing lost)", total)
	}
}

func TestChunked_SingleChunkEquivalentToNonChunked(t *testing.T) {
	provider := &scriptedProvider{streams: []llm.Stream{
		llm.NewTextStream("direct answer", 100),
	}}
	gate := llm.NewGate(provider, 1)
	c := NewChunkedProcessor(gate, wordCounter{}, 1000, 200)

	stream, err := c.Process(context.Background(), "m", "question", "short content")
	if err != nil {
		t.Fatal(err)
	}
	text, err := llm.CollectText(stream)
	if err != nil {
		t.Fatal(err)
	}
	if text != "direct answer" {
		t.Errorf("text = %q", text)
	}
	// Exactly one call: question + content, no analysis round.
	if len(provider.requests) != 1 {
		t.Fatalf("calls = %d, want 1", len(provider.requests))
	}
	prompt := provider.requests[0].Messages[0].Content
	if !strings.Contains(prompt, "question") || !strings.Contains(prompt, "short content") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestOversizedPredicate(t *testing.T) {
	gate := llm.NewGate(&scriptedProvider{}, 1)
	c := NewChunkedProcessor(gate, wordCounter{}, 100, 20)
	if c.Oversized(strings.Repeat("w ", 79)) {
		t.Error("79 words under 80 budget must not be oversized")
	}
	if !c.Oversized(strings.Repeat("w ", 81)) {
		t.Error("81 words over 80 budget must be oversized")
	}
}
