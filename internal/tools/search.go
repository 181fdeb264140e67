// Package tools holds the implementations behind the answer engine's
// Tool interface: the built-in search tool and user-defined custom HTTP
// tools parsed from OpenAPI schemas.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tesserahq/tessera-backend/internal/answer"
	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/llm"
	"github.com/tesserahq/tessera-backend/internal/retrieval"
)

const SearchToolName = "run_search"

const noInfoFoundAddendum = "No relevant information was found in the connected sources. State clearly that you could not find relevant information; do not fabricate an answer."

// SearchTool exposes hybrid retrieval to the LLM.
type SearchTool struct {
	pipeline *retrieval.Pipeline
	// filters scope every search to the requesting user's ACL.
	filters   index.Filters
	userEmail string
	// preventHallucination injects the no-info addendum on zero results.
	preventHallucination bool
	description          string
}

// NewSearchTool creates the tool. description overrides the default tool
// description shown to the LLM (admin-configurable per prompt).
func NewSearchTool(pipeline *retrieval.Pipeline, filters index.Filters, userEmail string, preventHallucination bool, description string) *SearchTool {
	if description == "" {
		description = "Search the organization's connected knowledge sources for relevant documents."
	}
	return &SearchTool{
		pipeline:             pipeline,
		filters:              filters,
		userEmail:            userEmail,
		preventHallucination: preventHallucination,
		description:          description,
	}
}

var _ answer.Tool = (*SearchTool)(nil)

func (t *SearchTool) Name() string { return SearchToolName }

func (t *SearchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        SearchToolName,
		Description: t.description,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to search for",
				},
			},
			"required": []string{"query"},
		},
	}
}

type searchArgs struct {
	Query string `json:"query"`
}

func (t *SearchTool) Run(ctx context.Context, args json.RawMessage) (*answer.ToolResult, error) {
	var parsed searchArgs
	if err := strictUnmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("tools.SearchTool: %w", err)
	}
	if parsed.Query == "" {
		return nil, fmt.Errorf("tools.SearchTool: query is required")
	}

	result, err := t.pipeline.Retrieve(ctx, retrieval.Request{
		Query:     parsed.Query,
		UserEmail: t.userEmail,
		Filters:   t.filters,
	})
	if err != nil {
		return nil, fmt.Errorf("tools.SearchTool: %w", err)
	}

	if len(result.Chunks) == 0 {
		response := ""
		if t.preventHallucination {
			response = noInfoFoundAddendum
		}
		return &answer.ToolResult{Response: response}, nil
	}

	// One citable doc per unique document, in retrieval order. The LLM
	// cites by position in this list.
	var docs []answer.CitedDoc
	seen := map[string]bool{}
	var sb strings.Builder
	for _, ch := range result.Chunks {
		if !seen[ch.DocumentID] {
			seen[ch.DocumentID] = true
			docs = append(docs, answer.CitedDoc{DocumentID: ch.DocumentID, Link: ch.Link})
		}
		fmt.Fprintf(&sb, "Document %d (%s):\n%s\n\n", docIndex(docs, ch.DocumentID), ch.SemanticID, ch.Content)
	}

	// Display order matches LLM order for plain searches.
	displayOrder := make(map[string]int, len(docs))
	for i, d := range docs {
		displayOrder[d.DocumentID] = i + 1
	}

	return &answer.ToolResult{
		Response:     sb.String(),
		Docs:         docs,
		DisplayOrder: displayOrder,
	}, nil
}

func docIndex(docs []answer.CitedDoc, docID string) int {
	for i, d := range docs {
		if d.DocumentID == docID {
			return i + 1
		}
	}
	return 0
}

// strictUnmarshal rejects unknown fields so malformed tool payloads fail
// at the boundary.
func strictUnmarshal(data json.RawMessage, out any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
