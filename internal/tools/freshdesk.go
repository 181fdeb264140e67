package tools

import (
	"fmt"
	"strings"

	"github.com/tesserahq/tessera-backend/internal/answer"
)

// synthesizeFreshdesk turns Freshdesk ticket API responses into structured
// ticket-and-conversation text with one citable document per ticket, so
// the answering LLM can cite individual tickets. Returns nil when the
// response is not a Freshdesk ticket payload.
func synthesizeFreshdesk(baseURL, path string, parsed any) *answer.ToolResult {
	if !strings.Contains(baseURL, "freshdesk.com") || !strings.Contains(path, "/tickets") {
		return nil
	}

	var tickets []map[string]any
	switch v := parsed.(type) {
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				tickets = append(tickets, m)
			}
		}
	case map[string]any:
		tickets = append(tickets, v)
	default:
		return nil
	}
	if len(tickets) == 0 {
		return nil
	}

	domain := strings.TrimSuffix(strings.TrimPrefix(baseURL, "https://"), "/")
	var sb strings.Builder
	var docs []answer.CitedDoc
	displayOrder := map[string]int{}

	for _, ticket := range tickets {
		id, ok := numericID(ticket["id"])
		if !ok {
			continue
		}
		link := fmt.Sprintf("https://%s/helpdesk/tickets/%d", domain, id)
		docID := "FRESHDESK_" + link

		n := len(docs) + 1
		docs = append(docs, answer.CitedDoc{DocumentID: docID, Link: link})
		displayOrder[docID] = n

		fmt.Fprintf(&sb, "Ticket %d (document %d):\n", id, n)
		for _, field := range []string{"subject", "status", "priority", "description_text"} {
			if v, ok := ticket[field]; ok && v != nil {
				fmt.Fprintf(&sb, "  %s: %v\n", field, v)
			}
		}
		if conversations, ok := ticket["conversations"].([]any); ok {
			for i, c := range conversations {
				if m, ok := c.(map[string]any); ok {
					fmt.Fprintf(&sb, "  conversation %d: %v\n", i+1, m["body_text"])
				}
			}
		}
		sb.WriteString("\n")
	}
	if len(docs) == 0 {
		return nil
	}

	return &answer.ToolResult{
		Response:     sb.String(),
		Docs:         docs,
		DisplayOrder: displayOrder,
	}
}

func numericID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
