// Package handler holds the HTTP handlers: the streaming chat endpoint
// and the admin surface over pairs and index attempts.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tesserahq/tessera-backend/internal/answer"
	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/llm"
	"github.com/tesserahq/tessera-backend/internal/middleware"
	"github.com/tesserahq/tessera-backend/internal/model"
	"github.com/tesserahq/tessera-backend/internal/repository"
	"github.com/tesserahq/tessera-backend/internal/retrieval"
	"github.com/tesserahq/tessera-backend/internal/summarize"
	"github.com/tesserahq/tessera-backend/internal/tools"
)

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	// UploadedContent is pasted file text; oversized content triggers
	// chunked processing.
	UploadedContent string `json:"uploadedContent,omitempty"`
	// ForceTool bypasses LLM tool choice.
	ForceTool *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"forceTool,omitempty"`
}

// ChatDeps is everything the chat handler needs injected.
type ChatDeps struct {
	Engine     *answer.Engine
	Pipeline   *retrieval.Pipeline
	ChatRepo   *repository.ChatRepo
	AccessRepo *repository.AccessRepo
	Summarizer *summarize.Summarizer
	Metrics    *middleware.Metrics

	SystemPrompt         string
	Model                string
	PreventHallucination bool
	TokenizerCount       func(string) int
}

// Chat handles POST /api/chat as an SSE stream of answer events.
func Chat(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userEmail := middleware.UserEmail(r.Context())
		if userEmail == "" {
			http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Message == "" {
			http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
		defer cancel()

		if deps.Metrics != nil {
			deps.Metrics.ActiveStreams.Inc()
			defer deps.Metrics.ActiveStreams.Dec()
		}

		// Session bookkeeping: persist the user message first.
		sessionID := req.SessionID
		if sessionID == "" {
			session, err := deps.ChatRepo.CreateSession(ctx, userEmail, truncate(req.Message, 60))
			if err != nil {
				slog.Error("create session failed", "error", err)
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			sessionID = session.ID
			sendEvent(w, flusher, "session", fmt.Sprintf(`{"sessionId":%q}`, sessionID))
		}
		if _, err := deps.ChatRepo.AddMessage(ctx, model.ChatMessage{
			SessionID:  sessionID,
			Role:       model.RoleUser,
			Content:    req.Message,
			TokenCount: deps.TokenizerCount(req.Message),
		}); err != nil {
			slog.Error("persist user message failed", "session_id", sessionID, "error", err)
		}

		summary, tail, err := deps.Summarizer.AnswerContext(ctx, sessionID)
		if err != nil {
			slog.Warn("summary context unavailable", "session_id", sessionID, "error", err)
		}

		filters, err := accessFilters(ctx, deps.AccessRepo, userEmail)
		if err != nil {
			slog.Error("acl filter build failed", "user", userEmail, "error", err)
			http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			return
		}

		searchTool := tools.NewSearchTool(deps.Pipeline, filters, userEmail, deps.PreventHallucination, "")
		input := answer.RunInput{
			Question:        req.Message,
			SystemPrompt:    deps.SystemPrompt,
			Summary:         summary,
			History:         toLLMMessages(tail),
			UploadedContent: req.UploadedContent,
			Tools:           []answer.Tool{searchTool},
			Model:           deps.Model,
			IsConnected: func() bool {
				select {
				case <-r.Context().Done():
					return false
				default:
					return true
				}
			},
		}
		if req.ForceTool != nil {
			input.ForceTool = &answer.ForceUseTool{
				ToolName: req.ForceTool.Name,
				Args:     req.ForceTool.Args,
			}
		}

		var fullAnswer []byte
		var citedDocIDs []string

		for ev := range deps.Engine.Run(ctx, input) {
			switch e := ev.(type) {
			case answer.AnswerPiece:
				fullAnswer = append(fullAnswer, e.Text...)
				sendJSON(w, flusher, "answer", e)
			case answer.CitationInfo:
				citedDocIDs = append(citedDocIDs, e.DocumentID)
				if deps.Metrics != nil {
					deps.Metrics.CitationsEmitted.Inc()
				}
				sendJSON(w, flusher, "citation", e)
			case answer.ToolKickoff:
				sendJSON(w, flusher, "tool_kickoff", e)
			case answer.ToolResponse:
				sendJSON(w, flusher, "tool_response", e)
			case answer.StreamingError:
				sendJSON(w, flusher, "error", e)
			case answer.StreamStopInfo:
				sendJSON(w, flusher, "stop", e)
			}
		}

		// Persist the assistant turn and maybe refresh the summary.
		if len(fullAnswer) > 0 {
			if _, err := deps.ChatRepo.AddMessage(ctx, model.ChatMessage{
				SessionID:   sessionID,
				Role:        model.RoleAssistant,
				Content:     string(fullAnswer),
				TokenCount:  deps.TokenizerCount(string(fullAnswer)),
				CitedDocIDs: citedDocIDs,
			}); err != nil {
				slog.Error("persist assistant message failed", "session_id", sessionID, "error", err)
			}
			if err := deps.Summarizer.MaybeSummarize(context.WithoutCancel(ctx), sessionID); err != nil {
				slog.Warn("summarization failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

// accessFilters builds the retrieval ACL filter for a user: their email,
// their external groups, and public documents.
func accessFilters(ctx context.Context, access *repository.AccessRepo, userEmail string) (index.Filters, error) {
	entries := []string{"user_email:" + userEmail, "PUBLIC"}
	groups, err := access.GroupsForUser(ctx, userEmail)
	if err != nil {
		return index.Filters{}, err
	}
	for _, g := range groups {
		entries = append(entries, "group:"+g)
	}
	return index.Filters{AccessControlList: entries}, nil
}

func toLLMMessages(messages []model.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		role := llm.RoleUser
		switch m.Role {
		case model.RoleAssistant:
			role = llm.RoleAssistant
		case model.RoleSystem:
			role = llm.RoleSystem
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// sendEvent writes a single SSE event in the standard format.
func sendEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

func sendJSON(w http.ResponseWriter, f http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("sse marshal failed", "event", event, "error", err)
		return
	}
	sendEvent(w, f, event, string(data))
}

// truncate returns the first n characters of s, appending "…" if
// truncated.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
