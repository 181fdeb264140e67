package file

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/model"
)

type memStore map[string][]byte

func (m memStore) Read(ctx context.Context, objectID string) ([]byte, error) {
	data, ok := m[objectID]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectID)
	}
	return data, nil
}

func collect(t *testing.T, it connector.BatchIterator) []model.Document {
	t.Helper()
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

func TestLoad_PlainFiles(t *testing.T) {
	store := memStore{
		"uploads/a.txt": []byte("alpha content"),
		"uploads/b.md":  []byte("# Beta\ncontent"),
	}
	c, err := New(store, extract.New(nil, false), Config{
		ObjectIDs: []string{"uploads/a.txt", "uploads/b.md"},
	})
	if err != nil {
		t.Fatal(err)
	}

	docs := collect(t, c.Load(context.Background(), connector.NoopHeartbeat{}))
	if len(docs) != 2 {
		t.Fatalf("docs = %d, want 2", len(docs))
	}
	if docs[0].ID != "FILE_CONNECTOR__uploads/a.txt" {
		t.Errorf("id = %q", docs[0].ID)
	}
	if docs[0].Source != model.SourceFile {
		t.Errorf("source = %q", docs[0].Source)
	}
}

func TestLoad_ZipExpansion(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"docs/one.txt": "one",
		"docs/two.txt": "two",
		"docs/.hidden": "skip me",
	} {
		f, _ := zw.Create(name)
		f.Write([]byte(content))
	}
	zw.Close()

	store := memStore{"uploads/batch.zip": buf.Bytes()}
	c, err := New(store, extract.New(nil, false), Config{ObjectIDs: []string{"uploads/batch.zip"}})
	if err != nil {
		t.Fatal(err)
	}

	docs := collect(t, c.Load(context.Background(), connector.NoopHeartbeat{}))
	if len(docs) != 2 {
		t.Fatalf("docs = %d, want 2 (hidden file skipped)", len(docs))
	}
	for _, d := range docs {
		if d.Metadata["file_name"] == ".hidden" {
			t.Error("hidden file not skipped")
		}
	}
}

func TestLoad_MissingObjectSkipped(t *testing.T) {
	store := memStore{"uploads/ok.txt": []byte("fine")}
	c, err := New(store, extract.New(nil, false), Config{
		ObjectIDs: []string{"uploads/gone.txt", "uploads/ok.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	docs := collect(t, c.Load(context.Background(), connector.NoopHeartbeat{}))
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
}
