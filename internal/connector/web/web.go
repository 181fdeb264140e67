// Package web crawls a site breadth-first from a start URL, producing one
// document per page plus, when image processing is enabled, one document
// per embedded image linked back to its page.
package web

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/imageproc"
	"github.com/tesserahq/tessera-backend/internal/model"
)

const defaultBatchSize = 16

// Config is the pair's connector config blob.
type Config struct {
	StartURL string `json:"base_url"`
	// RestrictToPath keeps the crawl under the start URL's path.
	RestrictToPath bool `json:"restrict_to_path"`
}

// ImageProcessor is the slice of the image client the crawler uses.
type ImageProcessor interface {
	Process(ctx context.Context, data []byte, fileName string, includeEmbedding bool) imageproc.ProcessResult
}

// Connector crawls the site. Implements Load.
type Connector struct {
	pool      *httpx.Pool
	extractor *extract.Extractor
	images    ImageProcessor // nil disables image documents
	cfg       Config
	batchSize int
}

// New creates a web connector. images may be nil.
func New(pool *httpx.Pool, extractor *extract.Extractor, images ImageProcessor, cfg Config, batchSize int) (*Connector, error) {
	if cfg.StartURL == "" {
		return nil, fmt.Errorf("web.New: base_url is required")
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Connector{
		pool:      pool,
		extractor: extractor,
		images:    images,
		cfg:       cfg,
		batchSize: batchSize,
	}, nil
}

var _ connector.LoadConnector = (*Connector)(nil)

func (c *Connector) Source() model.DocumentSource { return model.SourceWeb }

// Load runs the BFS. Each NextBatch call crawls pages until batchSize
// documents are accumulated or the frontier empties.
func (c *Connector) Load(ctx context.Context, hb connector.Heartbeat) connector.BatchIterator {
	start, err := url.Parse(c.cfg.StartURL)
	visited := map[string]bool{}
	frontier := []string{}
	if err == nil {
		canonical := canonicalize(start)
		frontier = append(frontier, canonical)
		visited[canonical] = true
	}

	return connector.IteratorFunc(func(ctx context.Context) ([]model.Document, bool, error) {
		if err != nil {
			return nil, false, fmt.Errorf("web: parse start url: %w", err)
		}
		if stopErr := connector.CheckStop(hb); stopErr != nil {
			return nil, false, stopErr
		}
		if len(frontier) == 0 {
			return nil, true, nil
		}

		var docs []model.Document
		for len(frontier) > 0 && len(docs) < c.batchSize {
			current := frontier[0]
			frontier = frontier[1:]

			pageDocs, links, err := c.crawlPage(ctx, current)
			if err != nil {
				slog.Warn("web page skipped", "url", current, "error", err)
				continue
			}
			docs = append(docs, pageDocs...)

			for _, link := range links {
				if visited[link] {
					continue
				}
				if !c.inScope(start, link) {
					continue
				}
				visited[link] = true
				frontier = append(frontier, link)
			}
		}
		hb.Progress("web_pages", len(docs))
		return docs, len(frontier) == 0, nil
	})
}

// crawlPage fetches one URL and returns its documents plus outbound links.
func (c *Connector) crawlPage(ctx context.Context, pageURL string) ([]model.Document, []string, error) {
	resp, body, err := c.pool.Get(ctx, pageURL, http.Header{
		"User-Agent": []string{"tessera-web-connector/1.0"},
		"Referer":    []string{pageURL},
	})
	if err != nil {
		return nil, nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/pdf") || strings.HasSuffix(strings.ToLower(pageURL), ".pdf") {
		result := c.extractor.Extract(ctx, body, "page.pdf", "")
		if result.Text == "" {
			return nil, nil, nil
		}
		return []model.Document{{
			ID:                 pageURL,
			Source:             model.SourceWeb,
			SemanticIdentifier: pageURL,
			Sections:           []model.Section{{Kind: model.SectionText, Text: result.Text, Link: pageURL}},
			Metadata:           map[string]string{"link": pageURL, "content_type": "pdf"},
		}}, nil, nil
	}
	if !strings.Contains(contentType, "text/html") && contentType != "" {
		return nil, nil, nil
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, err
	}

	text, title := extract.HTMLToText(bytes.NewReader(body))
	if title == "" {
		title = pageURL
	}
	links := extractLinks(root, base)
	imageRefs := extractImageRefs(root, base)

	metadata := map[string]string{"link": pageURL}

	var docs []model.Document
	pageDoc := model.Document{
		ID:                 pageURL,
		Source:             model.SourceWeb,
		SemanticIdentifier: title,
		Metadata:           metadata,
	}

	if c.images != nil && len(imageRefs) > 0 {
		imageDocs, imageTexts := c.processImages(ctx, pageURL, title, imageRefs)
		text = imageproc.AppendImageContent(text, imageTexts)
		if len(imageDocs) > 0 {
			metadata["embedded_images_count"] = fmt.Sprintf("%d", len(imageDocs))
			metadata["contains_image_content"] = "true"
		}
		docs = append(docs, imageDocs...)
	}

	pageDoc.Sections = []model.Section{{Kind: model.SectionText, Text: text, Link: pageURL}}
	// Page first, its images after.
	docs = append([]model.Document{pageDoc}, docs...)
	return docs, links, nil
}

// processImages downloads and runs each referenced image through the
// model server, yielding image documents that point back to the page.
func (c *Connector) processImages(ctx context.Context, pageURL, pageTitle string, refs []imageRef) ([]model.Document, []string) {
	var docs []model.Document
	var texts []string
	for _, ref := range refs {
		_, data, err := c.pool.Get(ctx, ref.URL, nil)
		if err != nil {
			slog.Warn("embedded image fetch failed", "image_url", ref.URL, "error", err)
			continue
		}
		result := c.images.Process(ctx, data, fileNameFromURL(ref.URL), true)
		if result.Text != "" {
			texts = append(texts, fmt.Sprintf("Image: %s\n%s", ref.URL, result.Text))
		}

		semantic := fmt.Sprintf("Image from %s: %s", pageTitle, ref.Alt)
		if ref.Alt == "" {
			semantic = fmt.Sprintf("Image from %s: %s", pageTitle, fileNameFromURL(ref.URL))
		}
		metadata := map[string]string{
			"image_url":             ref.URL,
			"source":                "web_embedded",
			"source_document_id":    pageURL,
			"source_document_title": pageTitle,
			"html_alt":              ref.Alt,
			"link":                  ref.URL,
		}
		for k, v := range result.Metadata {
			metadata[k] = fmt.Sprint(v)
		}
		docs = append(docs, model.Document{
			// The page-anchored id is unique as a string; it is never
			// parsed back as a URL.
			ID:                 pageURL + "#" + ref.URL,
			Source:             model.SourceWeb,
			SemanticIdentifier: semantic,
			Sections:           []model.Section{{Kind: model.SectionImage, Text: result.Text, Link: ref.URL, ImageURL: ref.URL}},
			Metadata:           metadata,
		})
	}
	return docs, texts
}

func (c *Connector) inScope(start *url.URL, link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	if u.Host != start.Host {
		return false
	}
	if c.cfg.RestrictToPath && !strings.HasPrefix(u.Path, start.Path) {
		return false
	}
	return true
}

type imageRef struct {
	URL string
	Alt string
}

// extractLinks collects same-document anchors, resolving relative hrefs
// and dropping fragments.
func extractLinks(root *html.Node, base *url.URL) []string {
	var links []string
	walkNodes(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
			return
		}
		// Account for malformed backslashes, then drop the fragment.
		href = strings.ReplaceAll(href, "\\", "/")
		if i := strings.Index(href, "#"); i >= 0 {
			href = href[:i]
		}
		if href == "" {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		links = append(links, canonicalize(resolved))
	})
	return links
}

// extractImageRefs collects <img> sources that look like images: known
// extensions, data URLs, CDN host/path patterns, or image-query patterns.
func extractImageRefs(root *html.Node, base *url.URL) []imageRef {
	var refs []imageRef
	walkNodes(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "img" {
			return
		}
		src := attr(n, "src")
		if src == "" {
			return
		}
		resolved, err := base.Parse(src)
		if err != nil {
			return
		}
		abs := resolved.String()
		if !looksLikeImageURL(abs) {
			return
		}
		refs = append(refs, imageRef{URL: abs, Alt: attr(n, "alt")})
	})
	return refs
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp", ".svg"}

var cdnPatterns = []string{
	"cdn-cgi/imagedelivery",
	"cdn.", "images.", "img.", "static.", "assets.", "media.",
	"uploads/", "/images/", "/img/", "/media/", "/assets/", "/static/",
}

var imageQueryPatterns = []string{
	"quality=", "fit=", "format=", "type=image", "image/", "photo", "picture",
}

func looksLikeImageURL(raw string) bool {
	lower := strings.ToLower(raw)
	for _, ext := range imageExtensions {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	if strings.HasPrefix(lower, "data:image/") {
		return true
	}
	for _, p := range cdnPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, p := range imageQueryPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// canonicalize is the document-id form of a URL: no fragment, no trailing
// slash on the path.
func canonicalize(u *url.URL) string {
	clone := *u
	clone.Fragment = ""
	if clone.Path != "/" {
		clone.Path = strings.TrimSuffix(clone.Path, "/")
	}
	return clone.String()
}

func fileNameFromURL(raw string) string {
	name := raw
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "?"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		name = "image"
	}
	return name
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
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
