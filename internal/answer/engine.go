package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tesserahq/tessera-backend/internal/llm"
)

// maxToolRounds bounds the tool-calling loop.
const maxToolRounds = 3

// Tool is what the engine can invoke. Implementations live in the tools
// package.
type Tool interface {
	Name() string
	Definition() llm.ToolDefinition
	// Run executes with validated JSON args. Docs are citable documents
	// the tool surfaced (the search tool's retrieved set).
	Run(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// ToolResult is a tool's output.
type ToolResult struct {
	// Response is the text handed back to the LLM.
	Response string
	// Docs become the citation context for the final answer.
	Docs []CitedDoc
	// DisplayOrder maps doc id → user-visible rank, when it differs from
	// LLM order.
	DisplayOrder map[string]int
}

// ForceUseTool bypasses LLM tool choice.
type ForceUseTool struct {
	ToolName string
	Args     json.RawMessage
}

// RunInput is everything one answer run needs.
type RunInput struct {
	Question     string
	SystemPrompt string
	// Summary is the latest conversation summary, injected between the
	// system prompt and the trailing history.
	Summary string
	History []llm.Message
	// UploadedContent is pasted/uploaded file text; oversized content
	// triggers chunked processing.
	UploadedContent string

	Tools     []Tool
	ForceTool *ForceUseTool

	// NonToolCallingLLM switches tool selection to a separate LLM call.
	NonToolCallingLLM bool

	// IsConnected is polled between chunks; false cancels the stream.
	IsConnected func() bool

	Model string
}

// Engine drives the state machine. One Run per request; the engine itself
// is stateless and shared.
type Engine struct {
	gate    *llm.Gate
	chunked *ChunkedProcessor
}

func NewEngine(gate *llm.Gate, chunked *ChunkedProcessor) *Engine {
	return &Engine{gate: gate, chunked: chunked}
}

// Run executes the state machine, writing events to the returned channel.
// The channel closes after a terminal event (StreamStopInfo or
// StreamingError). Tool execution blocks the state machine but never the
// caller's read loop.
func (e *Engine) Run(ctx context.Context, input RunInput) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		e.run(ctx, input, out)
	}()
	return out
}

func (e *Engine) run(ctx context.Context, input RunInput, out chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	connected := input.IsConnected
	if connected == nil {
		connected = func() bool { return true }
	}

	// Oversized uploads take the chunked path before any prompt is built.
	if input.UploadedContent != "" && e.chunked.Oversized(input.UploadedContent) {
		e.runChunked(ctx, input, emit, connected)
		return
	}

	messages := e.buildMessages(input)

	var docs []CitedDoc
	var displayOrder map[string]int

	runTool := func(tool Tool, args json.RawMessage, callID string) bool {
		if !emit(ToolKickoff{ToolName: tool.Name(), Arguments: args}) {
			return false
		}
		result, err := tool.Run(ctx, args)
		if err != nil {
			// Tool failures go back to the LLM, which may recover.
			slog.Warn("tool failed", "tool", tool.Name(), "error", err)
			if !emit(ToolResponse{ToolName: tool.Name(), Err: err.Error()}) {
				return false
			}
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: callID, Name: tool.Name(), Arguments: string(args)}}},
				llm.Message{Role: llm.RoleTool, ToolCallID: callID, Content: "Tool error: " + err.Error()},
			)
			return true
		}
		if !emit(ToolResponse{ToolName: tool.Name(), Response: result.Response}) {
			return false
		}
		if len(result.Docs) > 0 {
			docs = result.Docs
			displayOrder = result.DisplayOrder
		}
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: callID, Name: tool.Name(), Arguments: string(args)}}},
			llm.Message{Role: llm.RoleTool, ToolCallID: callID, Content: result.Response},
		)
		return true
	}

	// CHOOSE_TOOL: forced tool runs without an LLM decision.
	if input.ForceTool != nil {
		tool := findTool(input.Tools, input.ForceTool.ToolName)
		if tool == nil {
			emit(StreamingError{Message: fmt.Sprintf("forced tool %q not available", input.ForceTool.ToolName)})
			return
		}
		if !runTool(tool, input.ForceTool.Args, "forced-0") {
			return
		}
		e.streamAnswer(ctx, input, messages, nil, docs, displayOrder, emit, connected)
		return
	}

	// Non-tool-calling LLMs pre-select the tool with a separate call.
	if input.NonToolCallingLLM && len(input.Tools) > 0 {
		tool, args, err := e.selectTool(ctx, input, messages)
		if err != nil {
			slog.Warn("tool pre-selection failed, answering directly", "error", err)
		} else if tool != nil {
			if !runTool(tool, args, "preselected-0") {
				return
			}
		}
		e.streamAnswer(ctx, input, messages, nil, docs, displayOrder, emit, connected)
		return
	}

	// Tool-calling loop: the LLM may request tools across rounds; the
	// final round streams the answer.
	var toolDefs []llm.ToolDefinition
	for _, t := range input.Tools {
		toolDefs = append(toolDefs, t.Definition())
	}

	for round := 0; round < maxToolRounds; round++ {
		call, finished := e.streamAnswer(ctx, input, messages, toolDefs, docs, displayOrder, emit, connected)
		if finished || call == nil {
			return
		}
		tool := findTool(input.Tools, call.Name)
		if tool == nil {
			emit(StreamingError{Message: fmt.Sprintf("model requested unknown tool %q", call.Name)})
			return
		}
		if !runTool(tool, json.RawMessage(call.Arguments), call.ID) {
			return
		}
	}
	// Tool budget exhausted: answer with whatever context accumulated.
	e.streamAnswer(ctx, input, messages, nil, docs, displayOrder, emit, connected)
}

// streamAnswer opens one completion and pipes it through the tool-call
// detector and the citation processor. Returns the buffered tool call, if
// the model requested one, and whether the stream already terminated.
func (e *Engine) streamAnswer(
	ctx context.Context,
	input RunInput,
	messages []llm.Message,
	toolDefs []llm.ToolDefinition,
	docs []CitedDoc,
	displayOrder map[string]int,
	emit func(Event) bool,
	connected func() bool,
) (*llm.ToolCall, bool) {
	stream, err := e.gate.Complete(ctx, llm.CompletionRequest{
		Model:    input.Model,
		Messages: messages,
		Tools:    toolDefs,
	})
	if err != nil {
		emit(StreamingError{Message: err.Error()})
		return nil, true
	}
	defer stream.Close()

	citations := NewCitationProcessor(docs, displayOrder)
	toolBuffer := newToolCallBuffer()

	for stream.Next() {
		if !connected() {
			emit(StreamStopInfo{Reason: StopCancelled})
			return nil, true
		}
		chunk := stream.Current()

		if len(chunk.ToolCallDeltas) > 0 {
			toolBuffer.add(chunk.ToolCallDeltas)
			continue
		}
		if chunk.Content == "" {
			continue
		}
		for _, ev := range citations.ProcessToken(chunk.Content) {
			if !emit(ev) {
				return nil, true
			}
		}
	}
	if err := stream.Err(); err != nil {
		emit(StreamingError{Message: err.Error()})
		return nil, true
	}

	if call := toolBuffer.complete(); call != nil {
		// The model chose a tool; no answer streamed this round.
		return call, false
	}

	for _, ev := range citations.Flush() {
		if !emit(ev) {
			return nil, true
		}
	}
	emit(StreamStopInfo{Reason: StopDone})
	return nil, true
}

func (e *Engine) runChunked(ctx context.Context, input RunInput, emit func(Event) bool, connected func() bool) {
	stream, err := e.chunked.Process(ctx, input.Model, input.Question, input.UploadedContent)
	if err != nil {
		emit(StreamingError{Message: err.Error()})
		return
	}
	defer stream.Close()

	// Consolidation output is forwarded verbatim.
	for stream.Next() {
		if !connected() {
			emit(StreamStopInfo{Reason: StopCancelled})
			return
		}
		if text := stream.Current().Content; text != "" {
			if !emit(AnswerPiece{Text: text}) {
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		emit(StreamingError{Message: err.Error()})
		return
	}
	emit(StreamStopInfo{Reason: StopDone})
}

// selectTool asks the LLM to pick a tool as JSON, for providers without
// native function calling.
func (e *Engine) selectTool(ctx context.Context, input RunInput, messages []llm.Message) (Tool, json.RawMessage, error) {
	var sb strings.Builder
	sb.WriteString("Decide whether one of these tools should run before answering. Respond with JSON: {\"tool\": \"<name>\", \"args\": {...}} or {\"tool\": null}.\n\nTools:\n")
	for _, t := range input.Tools {
		def := t.Definition()
		fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
	}
	fmt.Fprintf(&sb, "\nQuestion: %s", input.Question)

	// Selection prompts carry only a truncated history tail to stay
	// within context.
	tail := messages
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	out, err := e.gate.CompleteText(ctx, llm.CompletionRequest{
		Model:        input.Model,
		Messages:     append(append([]llm.Message{}, tail...), llm.Message{Role: llm.RoleUser, Content: sb.String()}),
		JSONResponse: true,
	})
	if err != nil {
		return nil, nil, err
	}

	var choice struct {
		Tool *string         `json:"tool"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(out), &choice); err != nil {
		return nil, nil, fmt.Errorf("answer.selectTool: decode %q: %w", out, err)
	}
	if choice.Tool == nil || *choice.Tool == "" {
		return nil, nil, nil
	}
	tool := findTool(input.Tools, *choice.Tool)
	if tool == nil {
		return nil, nil, fmt.Errorf("answer.selectTool: unknown tool %q", *choice.Tool)
	}
	if choice.Args == nil {
		choice.Args = json.RawMessage("{}")
	}
	return tool, choice.Args, nil
}

func (e *Engine) buildMessages(input RunInput) []llm.Message {
	var messages []llm.Message
	system := input.SystemPrompt
	if input.Summary != "" {
		system += "\n\nConversation summary so far:\n" + input.Summary
	}
	if system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, input.History...)

	question := input.Question
	if input.UploadedContent != "" {
		question += "\n\nUploaded content:\n" + input.UploadedContent
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})
	return messages
}

func findTool(tools []Tool, name string) Tool {
	for _, t := range tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// toolCallBuffer accumulates streamed tool-call fragments until the
// stream ends.
type toolCallBuffer struct {
	calls map[int]*llm.ToolCall
}

func newToolCallBuffer() *toolCallBuffer {
	return &toolCallBuffer{calls: map[int]*llm.ToolCall{}}
}

func (b *toolCallBuffer) add(deltas []llm.ToolCallDelta) {
	for _, d := range deltas {
		call, ok := b.calls[d.Index]
		if !ok {
			call = &llm.ToolCall{}
			b.calls[d.Index] = call
		}
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Name != "" {
			call.Name = d.Name
		}
		call.Arguments += d.Arguments
	}
}

// complete returns the first fully buffered call, or nil.
func (b *toolCallBuffer) complete() *llm.ToolCall {
	call, ok := b.calls[0]
	if !ok || call.Name == "" {
		return nil
	}
	if call.Arguments == "" {
		call.Arguments = "{}"
	}
	return call
}
