// Package googledrive ingests Drive files via the v3 API. The non-slim
// path exports Google Docs as plain text, so heading structure is not
// kept; the slim path yields ids + permission metadata for ACL sync.
package googledrive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/model"
)

const (
	filesPageSize    = 100
	defaultBatchSize = 32

	fileFields = "nextPageToken, files(id, name, mimeType, modifiedTime, webViewLink, owners, permissions, permissionIds, parents)"
)

// Config is the pair's connector config blob.
type Config struct {
	// FolderID restricts the listing; empty means the whole corpus.
	FolderID string `json:"folder_id"`
	// IncludeShared includes items the credential user can see but does
	// not own.
	IncludeShared bool `json:"include_shared"`
}

// Connector lists and converts Drive files. Implements Checkpointed and
// Slim; the checkpoint is Drive's own page token.
type Connector struct {
	service   *drive.Service
	tokens    oauth2.TokenSource
	extractor *extract.Extractor
	cfg       Config
	batchSize int
}

// New builds the Drive service from an oauth2 token source.
func New(ctx context.Context, ts oauth2.TokenSource, extractor *extract.Extractor, cfg Config, batchSize int) (*Connector, error) {
	service, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("googledrive.New: %w", err)
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Connector{service: service, tokens: ts, extractor: extractor, cfg: cfg, batchSize: batchSize}, nil
}

var (
	_ connector.CheckpointedConnector = (*Connector)(nil)
	_ connector.SlimConnector         = (*Connector)(nil)
)

func (c *Connector) Source() model.DocumentSource { return model.SourceGoogleDrive }

// DocID derives the stable document id from a file's webViewLink: query
// string stripped, trailing /edit|/view|/preview removed.
func DocID(webViewLink string) string {
	id := webViewLink
	if i := strings.Index(id, "?"); i >= 0 {
		id = id[:i]
	}
	for _, suffix := range []string{"/edit", "/view", "/preview"} {
		id = strings.TrimSuffix(id, suffix)
	}
	return id
}

func (c *Connector) query(start, end time.Time) string {
	clauses := []string{"trashed = false"}
	if !start.IsZero() {
		clauses = append(clauses, fmt.Sprintf("modifiedTime >= '%s'", start.UTC().Format(time.RFC3339)))
	}
	if !end.IsZero() {
		clauses = append(clauses, fmt.Sprintf("modifiedTime < '%s'", end.UTC().Format(time.RFC3339)))
	}
	if c.cfg.FolderID != "" {
		clauses = append(clauses, fmt.Sprintf("'%s' in parents", c.cfg.FolderID))
	}
	return strings.Join(clauses, " and ")
}

// PollFrom pages through files, resuming from a Drive page token.
func (c *Connector) PollFrom(ctx context.Context, start, end time.Time, checkpoint string, hb connector.Heartbeat) connector.CheckpointIterator {
	return &driveIterator{
		conn:      c,
		query:     c.query(start, end),
		pageToken: checkpoint,
		hb:        hb,
	}
}

type driveIterator struct {
	conn      *Connector
	query     string
	pageToken string
	done      bool
	hb        connector.Heartbeat
}

func (it *driveIterator) Checkpoint() string { return it.pageToken }

func (it *driveIterator) NextBatch(ctx context.Context) ([]model.Document, bool, error) {
	if it.done {
		return nil, true, nil
	}
	if err := connector.CheckStop(it.hb); err != nil {
		return nil, false, err
	}

	call := it.conn.service.Files.List().
		Q(it.query).
		PageSize(filesPageSize).
		Fields(fileFields).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(it.conn.cfg.IncludeShared).
		Context(ctx)
	if it.pageToken != "" {
		call = call.PageToken(it.pageToken)
	}

	list, err := call.Do()
	if err != nil {
		return nil, false, fmt.Errorf("googledrive: list files: %w", err)
	}

	var docs []model.Document
	for _, f := range list.Files {
		doc, err := it.conn.convertFile(ctx, f)
		if err != nil {
			slog.Warn("drive file skipped", "file_id", f.Id, "name", f.Name, "error", err)
			continue
		}
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	it.hb.Progress("drive_files", len(docs))

	it.pageToken = list.NextPageToken
	if it.pageToken == "" {
		it.done = true
	}
	return docs, it.done, nil
}

// convertFile turns one Drive file into a Document. Google-native types
// are exported (Docs as plain text without heading markers); binary
// types are downloaded and run through the extractor.
func (c *Connector) convertFile(ctx context.Context, f *drive.File) (*model.Document, error) {
	var text string
	switch f.MimeType {
	case "application/vnd.google-apps.document":
		data, err := c.export(ctx, f.Id, "text/plain")
		if err != nil {
			return nil, err
		}
		text = string(data)
	case "application/vnd.google-apps.spreadsheet":
		data, err := c.export(ctx, f.Id, "text/csv")
		if err != nil {
			return nil, err
		}
		text = string(data)
	case "application/vnd.google-apps.presentation":
		data, err := c.export(ctx, f.Id, "text/plain")
		if err != nil {
			return nil, err
		}
		text = string(data)
	case "application/vnd.google-apps.folder":
		return nil, nil
	default:
		resp, err := c.service.Files.Get(f.Id).SupportsAllDrives(true).Context(ctx).Download()
		if err != nil {
			return nil, fmt.Errorf("download: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		result := c.extractor.Extract(ctx, data, f.Name, "")
		text = result.Text
	}

	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var owners []string
	for _, o := range f.Owners {
		if o.EmailAddress != "" {
			owners = append(owners, o.EmailAddress)
		}
	}

	doc := &model.Document{
		ID:                 DocID(f.WebViewLink),
		Source:             model.SourceGoogleDrive,
		SemanticIdentifier: f.Name,
		Sections:           []model.Section{{Kind: model.SectionText, Text: text, Link: f.WebViewLink}},
		Owners:             owners,
		Metadata: map[string]string{
			"link":      f.WebViewLink,
			"mime_type": f.MimeType,
		},
	}
	if modified, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		doc.DocUpdatedAt = &modified
	}
	return doc, nil
}

func (c *Connector) export(ctx context.Context, fileID, mimeType string) ([]byte, error) {
	resp, err := c.service.Files.Export(fileID, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", mimeType, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Slim pages ids + permission data for ACL sync. Folder parents whose
// permissions are inherited surface as synthetic group ids (resolved
// during group sync).
func (c *Connector) Slim(ctx context.Context, start, end time.Time, hb connector.Heartbeat) connector.SlimIterator {
	pageToken := ""
	done := false
	query := c.query(start, end)

	return slimFunc(func(ctx context.Context) ([]model.SlimDocument, bool, error) {
		if done {
			return nil, true, nil
		}
		if err := connector.CheckStop(hb); err != nil {
			return nil, false, err
		}

		call := c.service.Files.List().
			Q(query).
			PageSize(filesPageSize).
			Fields(fileFields).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(c.cfg.IncludeShared).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, false, fmt.Errorf("googledrive slim: %w", err)
		}

		slims := make([]model.SlimDocument, 0, len(list.Files))
		for _, f := range list.Files {
			data := map[string]string{
				"file_id": f.Id,
			}
			var userEmails, groupEmails, domains []string
			anyone := false
			for _, p := range f.Permissions {
				switch p.Type {
				case "user":
					userEmails = append(userEmails, p.EmailAddress)
				case "group":
					groupEmails = append(groupEmails, p.EmailAddress)
				case "domain":
					domains = append(domains, p.Domain)
				case "anyone":
					anyone = true
				}
			}
			data["user_emails"] = strings.Join(userEmails, ",")
			data["group_emails"] = strings.Join(groupEmails, ",")
			data["domains"] = strings.Join(domains, ",")
			if anyone {
				data["anyone"] = "true"
			}
			if len(f.Permissions) == 0 && len(f.Parents) > 0 {
				// Permissions inherited from the parent folder: surface
				// the folder as a synthetic group for group sync.
				data["inherited_from_folders"] = strings.Join(f.Parents, ",")
			}
			slims = append(slims, model.SlimDocument{
				ID:           DocID(f.WebViewLink),
				PermSyncData: data,
			})
		}
		hb.Progress("drive_slim", len(slims))

		pageToken = list.NextPageToken
		if pageToken == "" {
			done = true
		}
		return slims, done, nil
	})
}

type slimFunc func(ctx context.Context) ([]model.SlimDocument, bool, error)

func (f slimFunc) NextBatch(ctx context.Context) ([]model.SlimDocument, bool, error) {
	return f(ctx)
}
