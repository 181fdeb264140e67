package freshdesk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/httpx"
)

func testPool() *httpx.Pool {
	return httpx.NewPool(5*time.Second, httpx.WithBackoff(httpx.Backoff{
		Start: time.Millisecond, Factor: 2, Cap: 2 * time.Millisecond, Max: 3,
	}))
}

func newTestConnector(t *testing.T, baseURL string) *Connector {
	t.Helper()
	c, err := New(testPool(), Config{Domain: "example"}, Credentials{APIKey: "key"}, 64)
	if err != nil {
		t.Fatal(err)
	}
	c.baseURL = baseURL
	return c
}

// ticketServer simulates /api/v2/tickets with updated_since + page
// pagination (inclusive updated_since, like the real API).
type ticketServer struct {
	tickets []map[string]any
}

func (s *ticketServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v2/tickets":
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			since := r.URL.Query().Get("updated_since")

			var visible []map[string]any
			for _, t := range s.tickets {
				if since == "" || t["updated_at"].(string) >= since {
					visible = append(visible, t)
				}
			}
			start := (page - 1) * ticketsPerPage
			if start >= len(visible) {
				json.NewEncoder(w).Encode([]map[string]any{})
				return
			}
			end := start + ticketsPerPage
			if end > len(visible) {
				end = len(visible)
			}
			json.NewEncoder(w).Encode(visible[start:end])

		case strings.HasSuffix(r.URL.Path, "/conversations"):
			json.NewEncoder(w).Encode([]map[string]any{})

		default:
			http.NotFound(w, r)
		}
	}
}

func collectAll(t *testing.T, it connector.BatchIterator) []string {
	t.Helper()
	var ids []string
	for {
		batch, done, err := it.NextBatch(context.Background())
		if err != nil {
			t.Fatalf("NextBatch: %v", err)
		}
		for _, d := range batch {
			ids = append(ids, d.ID)
		}
		if done {
			return ids
		}
	}
}

func TestPoll_PageCapRestartFetchesAllWithoutDuplicates(t *testing.T) {
	// 350 tickets across pages with the cap lowered to 3: pages 1-3 serve
	// 300, then the connector re-bases updated_since on page 3's last
	// updated_at and restarts at page 1 for the remainder.
	const total = 350
	srv := &ticketServer{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < total; i++ {
		srv.tickets = append(srv.tickets, map[string]any{
			"id":         i + 1,
			"subject":    fmt.Sprintf("Ticket %d", i+1),
			"status":     2,
			"priority":   1,
			"updated_at": base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
	}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	c := newTestConnector(t, ts.URL)
	c.pageCap = 3

	it := c.Poll(context.Background(), base.Add(-time.Hour), time.Now(), connector.NoopHeartbeat{})
	ids := collectAll(t, it)

	if len(ids) != total {
		t.Fatalf("ids = %d, want %d", len(ids), total)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
		if !strings.HasPrefix(id, "FRESHDESK_") {
			t.Errorf("id %q lacks prefix", id)
		}
	}
}

func TestBuildDocument_MapsCodesAndConversations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/tickets/42/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			json.NewEncoder(w).Encode([]map[string]any{
				{"body_text": "first reply", "private": false},
				{"body_text": "internal note", "private": true},
			})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := newTestConnector(t, ts.URL)
	doc, err := c.buildDocument(context.Background(), ticket{
		ID:          42,
		Subject:     "Printer on fire",
		Status:      4,
		Priority:    3,
		Source:      3,
		Description: "It is burning",
		UpdatedAt:   "2026-02-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("buildDocument: %v", err)
	}

	text := doc.Sections[0].Text
	if !strings.Contains(text, "Status: resolved") || !strings.Contains(text, "Priority: high") {
		t.Errorf("codes not converted: %q", text)
	}
	if !strings.Contains(text, "Conversation 1: first reply") {
		t.Errorf("conversation missing: %q", text)
	}
	if !strings.Contains(text, "Conversation 2 (Private Note): internal note") {
		t.Errorf("private marker missing: %q", text)
	}
	if doc.Metadata["source"] != "Phone" {
		t.Errorf("source = %q", doc.Metadata["source"])
	}
	if doc.DocUpdatedAt == nil || doc.DocUpdatedAt.IsZero() {
		t.Error("DocUpdatedAt not parsed")
	}
	if doc.SemanticIdentifier != "Printer on fire" {
		t.Errorf("semantic id = %q", doc.SemanticIdentifier)
	}
}

func TestConversations_Paginated(t *testing.T) {
	pageOne := make([]map[string]any, conversationsPerPage)
	for i := range pageOne {
		pageOne[i] = map[string]any{"body_text": fmt.Sprintf("msg %d", i), "private": false}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/tickets/7/conversations", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			json.NewEncoder(w).Encode(pageOne)
		case "2":
			json.NewEncoder(w).Encode([]map[string]any{{"body_text": "final", "private": false}})
		default:
			json.NewEncoder(w).Encode([]map[string]any{})
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := newTestConnector(t, ts.URL)
	text, err := c.fetchConversations(context.Background(), 7)
	if err != nil {
		t.Fatalf("fetchConversations: %v", err)
	}
	if !strings.Contains(text, fmt.Sprintf("Conversation %d: final", conversationsPerPage+1)) {
		t.Errorf("second page not fetched: ...%s", text[len(text)-80:])
	}
}

type stopAfterOne struct{ calls int }

func (s *stopAfterOne) ShouldStop() bool           { s.calls++; return s.calls > 1 }
func (s *stopAfterOne) Progress(tag string, n int) {}

func TestIterator_HonorsHeartbeatStop(t *testing.T) {
	srv := &ticketServer{}
	for i := 0; i < 250; i++ {
		srv.tickets = append(srv.tickets, map[string]any{
			"id": i + 1, "subject": "s", "status": 2, "priority": 1,
			"updated_at": "2026-01-01T00:00:00Z",
		})
	}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	c := newTestConnector(t, ts.URL)
	it := c.Load(context.Background(), &stopAfterOne{})

	if _, _, err := it.NextBatch(context.Background()); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	_, _, err := it.NextBatch(context.Background())
	if err != connector.ErrCancelled {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestStatusName_Unknown(t *testing.T) {
	if got := statusName(99); got != "Unknown Status" {
		t.Errorf("statusName(99) = %q", got)
	}
	if got := statusName(0); got != "" {
		t.Errorf("statusName(0) = %q", got)
	}
}
