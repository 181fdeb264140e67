// Package file ingests user-uploaded blobs from the file store, expanding
// zip archives and running each member through the extractor.
package file

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/model"
)

const idPrefix = "FILE_CONNECTOR__"

// DocID returns the stable document id for a stored blob.
func DocID(storedID string) string { return idPrefix + storedID }

// Config is the pair's connector config blob.
type Config struct {
	// ObjectIDs are the stored blob names selected for this pair.
	ObjectIDs []string `json:"file_locations"`
	// ZipMetadataHint is accepted in the config but not read: zip members
	// carry only the extractor's metadata plus their file name.
	ZipMetadataHint string `json:"zip_metadata"`
}

// BlobStore reads stored uploads. Implemented by GCSStore; tests fake it.
type BlobStore interface {
	Read(ctx context.Context, objectID string) ([]byte, error)
}

// GCSStore reads blobs from a GCS bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

func (s *GCSStore) Read(ctx context.Context, objectID string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(objectID).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("file: open gs://%s/%s: %w", s.bucket, objectID, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("file: read gs://%s/%s: %w", s.bucket, objectID, err)
	}
	return data, nil
}

// Connector reads the configured blobs. Implements Load.
type Connector struct {
	store     BlobStore
	extractor *extract.Extractor
	cfg       Config
}

func New(store BlobStore, extractor *extract.Extractor, cfg Config) (*Connector, error) {
	if len(cfg.ObjectIDs) == 0 {
		return nil, fmt.Errorf("file.New: file_locations is required")
	}
	return &Connector{store: store, extractor: extractor, cfg: cfg}, nil
}

var _ connector.LoadConnector = (*Connector)(nil)

func (c *Connector) Source() model.DocumentSource { return model.SourceFile }

// Load yields one batch per stored object (a zip expands into one batch).
func (c *Connector) Load(ctx context.Context, hb connector.Heartbeat) connector.BatchIterator {
	pos := 0
	return connector.IteratorFunc(func(ctx context.Context) ([]model.Document, bool, error) {
		if err := connector.CheckStop(hb); err != nil {
			return nil, false, err
		}
		if pos >= len(c.cfg.ObjectIDs) {
			return nil, true, nil
		}
		objectID := c.cfg.ObjectIDs[pos]
		pos++
		done := pos >= len(c.cfg.ObjectIDs)

		data, err := c.store.Read(ctx, objectID)
		if err != nil {
			slog.Warn("stored file unreadable, skipping", "object_id", objectID, "error", err)
			return nil, done, nil
		}

		var docs []model.Document
		if strings.HasSuffix(strings.ToLower(objectID), ".zip") {
			docs = c.expandZip(ctx, objectID, data)
		} else if doc := c.buildDocument(ctx, objectID, path.Base(objectID), data); doc != nil {
			docs = append(docs, *doc)
		}
		hb.Progress("files", len(docs))
		return docs, done, nil
	})
}

func (c *Connector) expandZip(ctx context.Context, objectID string, data []byte) []model.Document {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		slog.Warn("zip unreadable, skipping", "object_id", objectID, "error", err)
		return nil
	}
	var docs []model.Document
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(path.Base(f.Name), ".") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		member, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		if doc := c.buildDocument(ctx, objectID+"/"+f.Name, path.Base(f.Name), member); doc != nil {
			docs = append(docs, *doc)
		}
	}
	return docs
}

func (c *Connector) buildDocument(ctx context.Context, storedID, name string, data []byte) *model.Document {
	result := c.extractor.Extract(ctx, data, name, "")
	if strings.TrimSpace(result.Text) == "" {
		return nil
	}
	now := time.Now().UTC()
	metadata := map[string]string{"file_name": name}
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	return &model.Document{
		ID:                 DocID(storedID),
		Source:             model.SourceFile,
		SemanticIdentifier: name,
		Sections:           []model.Section{{Kind: model.SectionText, Text: result.Text}},
		DocUpdatedAt:       &now,
		Metadata:           metadata,
	}
}
