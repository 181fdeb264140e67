// Package confluence ingests wiki pages. User references are replaced
// with display names via a per-run cache, embedded page macros are inlined
// recursively (bounded by a visited-title set), and attachments under the
// size threshold are extracted inline.
package confluence

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/model"
)

const (
	pageLimit        = 50
	defaultBatchSize = 32
)

// Config is the pair's connector config blob.
type Config struct {
	BaseURL  string `json:"wiki_base"`
	SpaceKey string `json:"space"`
}

// Credentials is the credential secret blob.
type Credentials struct {
	Username string `json:"confluence_username"`
	APIToken string `json:"confluence_access_token"`
}

// Connector fetches pages. Implements Load and Poll.
type Connector struct {
	pool               *httpx.Pool
	extractor          *extract.Extractor
	cfg                Config
	authHeader         string
	batchSize          int
	attachmentMaxBytes int64
}

// New creates a confluence connector.
func New(pool *httpx.Pool, extractor *extract.Extractor, cfg Config, creds Credentials, batchSize int, attachmentMaxBytes int64) (*Connector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("confluence.New: wiki_base is required")
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Connector{
		pool:               pool,
		extractor:          extractor,
		cfg:                cfg,
		authHeader:         basicAuth(creds.Username, creds.APIToken),
		batchSize:          batchSize,
		attachmentMaxBytes: attachmentMaxBytes,
	}, nil
}

var (
	_ connector.LoadConnector = (*Connector)(nil)
	_ connector.PollConnector = (*Connector)(nil)
	_ connector.SlimConnector = (*Connector)(nil)
)

func (c *Connector) Source() model.DocumentSource { return model.SourceConfluence }

// runState is the per-sync-run mutable state: the user display-name cache
// lives here, scoped to one attempt, never shared across workers. The
// include-macro guard is per document and is created in buildDocument.
type runState struct {
	userNames map[string]string
}

func (c *Connector) Load(ctx context.Context, hb connector.Heartbeat) connector.BatchIterator {
	return c.iterator(nil, nil, hb)
}

func (c *Connector) Poll(ctx context.Context, start, end time.Time, hb connector.Heartbeat) connector.BatchIterator {
	return c.iterator(&start, &end, hb)
}

type page struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Version struct {
		When string `json:"when"`
	} `json:"version"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

type pageList struct {
	Results []page `json:"results"`
	Links   struct {
		Next string `json:"next"`
	} `json:"_links"`
}

func (c *Connector) iterator(start, end *time.Time, hb connector.Heartbeat) connector.BatchIterator {
	cursor := 0
	done := false
	state := &runState{userNames: map[string]string{}}

	return connector.IteratorFunc(func(ctx context.Context) ([]model.Document, bool, error) {
		if done {
			return nil, true, nil
		}
		if err := connector.CheckStop(hb); err != nil {
			return nil, false, err
		}

		pages, err := c.fetchPages(ctx, cursor, start, end)
		if err != nil {
			return nil, false, fmt.Errorf("confluence: fetch pages at %d: %w", cursor, err)
		}
		if len(pages) == 0 {
			return nil, true, nil
		}
		cursor += len(pages)
		if len(pages) < pageLimit {
			done = true
		}

		var docs []model.Document
		for _, p := range pages {
			doc, err := c.buildDocument(ctx, p, state)
			if err != nil {
				slog.Warn("confluence page skipped", "page_id", p.ID, "title", p.Title, "error", err)
				continue
			}
			docs = append(docs, *doc)
		}
		hb.Progress("confluence_pages", len(docs))
		return docs, done, nil
	})
}

func (c *Connector) fetchPages(ctx context.Context, offset int, start, end *time.Time) ([]page, error) {
	cql := "type=page"
	if c.cfg.SpaceKey != "" {
		cql += fmt.Sprintf(" and space='%s'", c.cfg.SpaceKey)
	}
	if start != nil {
		cql += fmt.Sprintf(" and lastmodified >= '%s'", start.UTC().Format("2006-01-02 15:04"))
	}
	if end != nil {
		cql += fmt.Sprintf(" and lastmodified < '%s'", end.UTC().Format("2006-01-02 15:04"))
	}

	params := url.Values{
		"cql":    {cql},
		"expand": {"body.storage,version"},
		"limit":  {strconv.Itoa(pageLimit)},
		"start":  {strconv.Itoa(offset)},
	}
	var list pageList
	if err := c.getJSON(ctx, c.cfg.BaseURL+"/rest/api/content/search?"+params.Encode(), &list); err != nil {
		return nil, err
	}
	return list.Results, nil
}

func (c *Connector) buildDocument(ctx context.Context, p page, state *runState) (*model.Document, error) {
	// visited titles break include-macro cycles per document.
	visited := map[string]bool{p.Title: true}
	text, err := c.renderBody(ctx, p.Body.Storage.Value, state, visited, 0)
	if err != nil {
		return nil, err
	}

	attachText, err := c.attachmentsText(ctx, p.ID)
	if err != nil {
		slog.Warn("confluence attachments skipped", "page_id", p.ID, "error", err)
	} else if attachText != "" {
		text += "\n\n" + attachText
	}

	link := c.cfg.BaseURL + p.Links.WebUI
	doc := &model.Document{
		ID:                 link,
		Source:             model.SourceConfluence,
		SemanticIdentifier: p.Title,
		Sections:           []model.Section{{Kind: model.SectionText, Text: text, Link: link}},
		Metadata: map[string]string{
			"link":  link,
			"space": c.cfg.SpaceKey,
			"title": p.Title,
		},
	}
	if when, err := time.Parse(time.RFC3339, p.Version.When); err == nil {
		doc.DocUpdatedAt = &when
	}
	return doc, nil
}

// maxIncludeDepth bounds recursive page-macro inlining.
const maxIncludeDepth = 3

// renderBody converts storage-format HTML to text, resolving user
// references and inlining include macros.
func (c *Connector) renderBody(ctx context.Context, storage string, state *runState, visited map[string]bool, depth int) (string, error) {
	root, err := html.Parse(bytes.NewReader([]byte(storage)))
	if err != nil {
		return "", fmt.Errorf("parse storage body: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "ri:user":
				if name := c.userDisplayName(ctx, attr(n, "ri:account-id"), state); name != "" {
					sb.WriteString("@" + name)
				}
				// The HTML parser does not self-close <ri:user/>: the nodes
				// that follow it are nested as its children, so keep walking.
			case "ac:structured-macro":
				if attr(n, "ac:name") == "include" && depth < maxIncludeDepth {
					title := includeTitle(n)
					if title != "" && !visited[title] {
						visited[title] = true
						if included, err := c.inlinePage(ctx, title, state, visited, depth+1); err == nil {
							sb.WriteString("\n" + included + "\n")
						} else {
							slog.Warn("confluence include macro skipped", "title", title, "error", err)
						}
					}
					return
				}
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "li", "tr", "h1", "h2", "h3", "h4", "br", "div":
				sb.WriteString("\n")
			}
		}
	}
	walk(root)
	return extract.CollapseWhitespace(sb.String()), nil
}

// inlinePage fetches a page by title and renders it for inclusion.
func (c *Connector) inlinePage(ctx context.Context, title string, state *runState, visited map[string]bool, depth int) (string, error) {
	params := url.Values{
		"title":  {title},
		"expand": {"body.storage"},
	}
	if c.cfg.SpaceKey != "" {
		params.Set("spaceKey", c.cfg.SpaceKey)
	}
	var list pageList
	if err := c.getJSON(ctx, c.cfg.BaseURL+"/rest/api/content?"+params.Encode(), &list); err != nil {
		return "", err
	}
	if len(list.Results) == 0 {
		return "", fmt.Errorf("included page %q not found", title)
	}
	return c.renderBody(ctx, list.Results[0].Body.Storage.Value, state, visited, depth)
}

// userDisplayName resolves an account id, caching per run.
func (c *Connector) userDisplayName(ctx context.Context, accountID string, state *runState) string {
	if accountID == "" {
		return ""
	}
	if name, ok := state.userNames[accountID]; ok {
		return name
	}
	var user struct {
		DisplayName string `json:"displayName"`
	}
	err := c.getJSON(ctx, c.cfg.BaseURL+"/rest/api/user?accountId="+url.QueryEscape(accountID), &user)
	if err != nil {
		slog.Warn("confluence user lookup failed", "account_id", accountID, "error", err)
		state.userNames[accountID] = ""
		return ""
	}
	state.userNames[accountID] = user.DisplayName
	return user.DisplayName
}

type attachment struct {
	Title      string `json:"title"`
	Extensions struct {
		FileSize int64 `json:"fileSize"`
	} `json:"extensions"`
	Links struct {
		Download string `json:"download"`
	} `json:"_links"`
}

// attachmentsText downloads and extracts attachments under the threshold.
func (c *Connector) attachmentsText(ctx context.Context, pageID string) (string, error) {
	var list struct {
		Results []attachment `json:"results"`
	}
	if err := c.getJSON(ctx, c.cfg.BaseURL+"/rest/api/content/"+pageID+"/child/attachment", &list); err != nil {
		return "", err
	}

	var parts []string
	for _, a := range list.Results {
		if c.attachmentMaxBytes > 0 && a.Extensions.FileSize > c.attachmentMaxBytes {
			slog.Warn("confluence attachment too large, skipping",
				"attachment", a.Title,
				"size_bytes", a.Extensions.FileSize,
			)
			continue
		}
		_, data, err := c.pool.Do(ctx, httpx.Request{
			Method:  http.MethodGet,
			URL:     c.cfg.BaseURL + a.Links.Download,
			Headers: http.Header{"Authorization": []string{c.authHeader}},
		})
		if err != nil {
			slog.Warn("confluence attachment download failed", "attachment", a.Title, "error", err)
			continue
		}
		result := c.extractor.Extract(ctx, data, a.Title, "")
		if result.Text != "" {
			parts = append(parts, fmt.Sprintf("Attachment %s:\n%s", a.Title, result.Text))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// Slim yields page ids plus space-level restriction metadata for ACL sync.
func (c *Connector) Slim(ctx context.Context, start, end time.Time, hb connector.Heartbeat) connector.SlimIterator {
	cursor := 0
	done := false
	return slimFunc(func(ctx context.Context) ([]model.SlimDocument, bool, error) {
		if done {
			return nil, true, nil
		}
		if err := connector.CheckStop(hb); err != nil {
			return nil, false, err
		}
		pages, err := c.fetchPages(ctx, cursor, &start, &end)
		if err != nil {
			return nil, false, fmt.Errorf("confluence slim: %w", err)
		}
		if len(pages) == 0 {
			return nil, true, nil
		}
		cursor += len(pages)
		if len(pages) < pageLimit {
			done = true
		}
		slims := make([]model.SlimDocument, 0, len(pages))
		for _, p := range pages {
			slims = append(slims, model.SlimDocument{
				ID: c.cfg.BaseURL + p.Links.WebUI,
				PermSyncData: map[string]string{
					"page_id": p.ID,
					"space":   c.cfg.SpaceKey,
				},
			})
		}
		hb.Progress("confluence_slim", len(slims))
		return slims, done, nil
	})
}

type slimFunc func(ctx context.Context) ([]model.SlimDocument, bool, error)

func (f slimFunc) NextBatch(ctx context.Context) ([]model.SlimDocument, bool, error) {
	return f(ctx)
}

func (c *Connector) getJSON(ctx context.Context, url string, out any) error {
	_, body, err := c.pool.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     url,
		Headers: http.Header{"Authorization": []string{c.authHeader}},
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func includeTitle(n *html.Node) string {
	var title string
	walkNodes(n, func(child *html.Node) {
		if child.Type == html.ElementNode && child.Data == "ri:page" {
			title = attr(child, "ri:content-title")
		}
	})
	return title
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func walkNodes(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkNodes(c, fn)
	}
}

func basicAuth(user, token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+token))
}
