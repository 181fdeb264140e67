package confluence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/httpx"
)

func testPool() *httpx.Pool {
	return httpx.NewPool(5*time.Second, httpx.WithBackoff(httpx.Backoff{
		Start: time.Millisecond, Factor: 2, Cap: 2 * time.Millisecond, Max: 2,
	}))
}

func newTestConnector(t *testing.T, baseURL string) *Connector {
	t.Helper()
	c, err := New(testPool(), extract.New(nil, false), Config{BaseURL: baseURL, SpaceKey: "ENG"},
		Credentials{Username: "u", APIToken: "t"}, 32, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRenderBody_UserReferencesResolvedWithCache(t *testing.T) {
	userCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/user", func(w http.ResponseWriter, r *http.Request) {
		userCalls++
		json.NewEncoder(w).Encode(map[string]string{"displayName": "Ada Lovelace"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := newTestConnector(t, ts.URL)
	state := &runState{userNames: map[string]string{}}

	storage := `<p>Reviewed by <ri:user ri:account-id="abc"/> and <ri:user ri:account-id="abc"/>.</p>`
	text, err := c.renderBody(context.Background(), storage, state, map[string]bool{}, 0)
	if err != nil {
		t.Fatalf("renderBody: %v", err)
	}
	if strings.Count(text, "@Ada Lovelace") != 2 {
		t.Errorf("text = %q", text)
	}
	if userCalls != 1 {
		t.Errorf("user lookups = %d, want 1 (cached)", userCalls)
	}
}

func TestRenderBody_IncludeMacroInlinedWithCycleGuard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/content", func(w http.ResponseWriter, r *http.Request) {
		title := r.URL.Query().Get("title")
		// "Child" includes "Parent" back, forming a cycle.
		body := map[string]string{
			"Child":  `<p>Child body.</p><ac:structured-macro ac:name="include"><ri:page ri:content-title="Parent"/></ac:structured-macro>`,
			"Parent": `<p>Parent body again.</p>`,
		}[title]
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": "2", "title": title, "body": map[string]any{"storage": map[string]any{"value": body}}},
			},
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := newTestConnector(t, ts.URL)
	state := &runState{userNames: map[string]string{}}

	storage := `<p>Parent top.</p><ac:structured-macro ac:name="include"><ri:page ri:content-title="Child"/></ac:structured-macro>`
	visited := map[string]bool{"Parent": true}
	text, err := c.renderBody(context.Background(), storage, state, visited, 0)
	if err != nil {
		t.Fatalf("renderBody: %v", err)
	}
	if !strings.Contains(text, "Child body.") {
		t.Errorf("include not inlined: %q", text)
	}
	// The cyclic re-include of Parent must be suppressed.
	if strings.Contains(text, "Parent body again.") {
		t.Errorf("cycle not broken: %q", text)
	}
}

func TestAttachments_SizeThresholdEnforced(t *testing.T) {
	downloads := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/content/42/child/attachment", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{
					"title":      "small.txt",
					"extensions": map[string]any{"fileSize": 100},
					"_links":     map[string]any{"download": "/download/small.txt"},
				},
				{
					"title":      "huge.txt",
					"extensions": map[string]any{"fileSize": 10_000_000},
					"_links":     map[string]any{"download": "/download/huge.txt"},
				},
			},
		})
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		downloads++
		fmt.Fprint(w, "attachment contents")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := newTestConnector(t, ts.URL)
	text, err := c.attachmentsText(context.Background(), "42")
	if err != nil {
		t.Fatalf("attachmentsText: %v", err)
	}
	if !strings.Contains(text, "small.txt") || !strings.Contains(text, "attachment contents") {
		t.Errorf("text = %q", text)
	}
	if strings.Contains(text, "huge.txt") {
		t.Error("oversized attachment must be skipped")
	}
	if downloads != 1 {
		t.Errorf("downloads = %d, want 1", downloads)
	}
}
