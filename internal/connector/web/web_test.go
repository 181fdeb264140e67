package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/imageproc"
	"github.com/tesserahq/tessera-backend/internal/model"
)

func testPool() *httpx.Pool {
	return httpx.NewPool(5*time.Second, httpx.WithBackoff(httpx.Backoff{
		Start: time.Millisecond, Factor: 2, Cap: 2 * time.Millisecond, Max: 2,
	}))
}

func crawlSite(t *testing.T, pages map[string]string, images ImageProcessor) []model.Document {
	t.Helper()
	mux := http.NewServeMux()
	for path, content := range pages {
		body := content
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, body)
		})
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c, err := New(testPool(), extract.New(nil, false), images, Config{StartURL: ts.URL + "/"}, 100)
	if err != nil {
		t.Fatal(err)
	}

	it := c.Load(context.Background(), connector.NoopHeartbeat{})
	var docs []model.Document
	for {
		batch, done, err := it.NextBatch(context.Background())
		if err != nil {
			t.Fatalf("NextBatch: %v", err)
		}
		docs = append(docs, batch...)
		if done {
			return docs
		}
	}
}

func TestLoad_BFSVisitsLinkedPagesOnce(t *testing.T) {
	docs := crawlSite(t, map[string]string{
		"/": `<html><head><title>Home</title></head><body>
			<a href="/a">A</a> <a href="/b#frag">B</a> <a href="/a">A again</a>
			<a href="mailto:x@y.z">mail</a>
			Home body text.</body></html>`,
		"/a": `<html><head><title>Page A</title></head><body>Alpha content <a href="/">home</a></body></html>`,
		"/b": `<html><head><title>Page B</title></head><body>Beta content</body></html>`,
	}, nil)

	if len(docs) != 3 {
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		t.Fatalf("docs = %d (%v), want 3", len(docs), ids)
	}
	byTitle := map[string]model.Document{}
	for _, d := range docs {
		byTitle[d.SemanticIdentifier] = d
		if d.Source != model.SourceWeb {
			t.Errorf("source = %q", d.Source)
		}
	}
	if _, ok := byTitle["Page B"]; !ok {
		t.Error("fragment link /b#frag must still reach /b")
	}
	if !strings.Contains(byTitle["Home"].Sections[0].Text, "Home body text.") {
		t.Errorf("home text = %q", byTitle["Home"].Sections[0].Text)
	}
}

func TestLoad_ExternalHostsSkipped(t *testing.T) {
	docs := crawlSite(t, map[string]string{
		"/": `<html><head><title>Home</title></head><body>
			<a href="https://elsewhere.example.com/page">ext</a>ok</body></html>`,
	}, nil)
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
}

type fakeImages struct{ calls int }

func (f *fakeImages) Process(ctx context.Context, data []byte, name string, embed bool) imageproc.ProcessResult {
	f.calls++
	return imageproc.ProcessResult{
		Text:     "a system architecture diagram",
		Metadata: map[string]any{"has_description": true},
	}
}

func TestLoad_ImageDocumentsCarrySourceDocumentID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Docs</title></head><body>
			<img src="/images/arch.png" alt="architecture">
			<img src="/not-an-image">
			Page text.</body></html>`)
	})
	mux.HandleFunc("/images/arch.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 0x50})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	images := &fakeImages{}
	c, err := New(testPool(), extract.New(nil, false), images, Config{StartURL: ts.URL + "/"}, 100)
	if err != nil {
		t.Fatal(err)
	}
	it := c.Load(context.Background(), connector.NoopHeartbeat{})
	batch, _, err := it.NextBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(batch) != 2 {
		t.Fatalf("docs = %d, want page + image", len(batch))
	}
	page, img := batch[0], batch[1]

	if !strings.Contains(page.Sections[0].Text, imageproc.EmbeddedImagesHeader) {
		t.Error("page text missing embedded-images header")
	}
	if !strings.Contains(page.Sections[0].Text, "architecture diagram") {
		t.Error("image content not appended to page")
	}
	if page.Metadata["contains_image_content"] != "true" {
		t.Errorf("page metadata = %v", page.Metadata)
	}

	wantID := page.ID + "#" + ts.URL + "/images/arch.png"
	if img.ID != wantID {
		t.Errorf("image id = %q, want %q", img.ID, wantID)
	}
	if img.Metadata["source_document_id"] != page.ID {
		t.Errorf("source_document_id = %q, want %q", img.Metadata["source_document_id"], page.ID)
	}
	if images.calls != 1 {
		t.Errorf("image processor calls = %d, want 1 (non-image src filtered)", images.calls)
	}
}

func TestLooksLikeImageURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://x.com/photo.jpg", true},
		{"https://x.com/pic.webp?x=1", true},
		{"data:image/png;base64,AAA", true},
		{"https://cdn.example.com/abc123", true},
		{"https://x.com/cdn-cgi/imagedelivery/acct/id", true},
		{"https://x.com/assets/logo", true},
		{"https://x.com/render?quality=80", true},
		{"https://x.com/about", false},
		{"https://x.com/script.js", false},
	}
	for _, tt := range tests {
		if got := looksLikeImageURL(tt.url); got != tt.want {
			t.Errorf("looksLikeImageURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	u, err := url.Parse("https://x.com/docs/page/?a=1#sec")
	if err != nil {
		t.Fatal(err)
	}
	if got := canonicalize(u); got != "https://x.com/docs/page?a=1" {
		t.Errorf("canonicalize = %q", got)
	}
}
