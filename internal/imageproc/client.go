// Package imageproc talks to the out-of-process image model server and
// degrades to a local description when the server is unreachable.
package imageproc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tesserahq/tessera-backend/internal/httpx"
)

// EmbeddedImagesHeader delimits image-derived content appended to a parent
// document's text, so one dense retrieval hit surfaces both.
const EmbeddedImagesHeader = "=== EMBEDDED IMAGES ==="

// ProcessRequest mirrors the model server's POST /image/process body.
type ProcessRequest struct {
	ImageBase64        string `json:"image_base64"`
	FileName           string `json:"file_name"`
	IncludeOCR         bool   `json:"include_ocr"`
	IncludeDescription bool   `json:"include_description"`
	IncludeEmbedding   bool   `json:"include_embedding"`
	ClaudeAPIKey       string `json:"claude_api_key,omitempty"`
	ClaudeProvider     string `json:"claude_provider,omitempty"`
	ClaudeModel        string `json:"claude_model,omitempty"`
}

// ProcessResult is the model server's response.
type ProcessResult struct {
	Text         string         `json:"text"`
	Metadata     map[string]any `json:"metadata"`
	Embedding    []float32      `json:"embedding,omitempty"`
	HasEmbedding bool           `json:"has_embedding"`
}

// Client calls the image model server through the shared HTTP pool.
type Client struct {
	pool    *httpx.Pool
	baseURL string

	claudeAPIKey   string
	claudeProvider string
	claudeModel    string
}

// New creates a Client. baseURL empty means the server is not deployed and
// every call takes the local fallback path.
func New(pool *httpx.Pool, baseURL, claudeAPIKey, claudeProvider, claudeModel string) *Client {
	return &Client{
		pool:           pool,
		baseURL:        baseURL,
		claudeAPIKey:   claudeAPIKey,
		claudeProvider: claudeProvider,
		claudeModel:    claudeModel,
	}
}

// Healthy probes GET /api/health.
func (c *Client) Healthy(ctx context.Context) bool {
	if c.baseURL == "" {
		return false
	}
	resp, _, err := c.pool.Get(ctx, c.baseURL+"/api/health", nil)
	return err == nil && resp.StatusCode == http.StatusOK
}

// Process runs OCR + description (+ optional embedding) for one image.
// On any server failure the local fallback result is returned instead;
// callers never branch on error.
func (c *Client) Process(ctx context.Context, data []byte, fileName string, includeEmbedding bool) ProcessResult {
	if c.baseURL == "" {
		return localFallback(fileName)
	}

	reqBody := ProcessRequest{
		ImageBase64:        base64.StdEncoding.EncodeToString(data),
		FileName:           fileName,
		IncludeOCR:         true,
		IncludeDescription: true,
		IncludeEmbedding:   includeEmbedding,
		ClaudeAPIKey:       c.claudeAPIKey,
		ClaudeProvider:     c.claudeProvider,
		ClaudeModel:        c.claudeModel,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		slog.Warn("image process marshal failed, using local fallback", "file", fileName, "error", err)
		return localFallback(fileName)
	}

	resp, body, err := c.pool.Do(ctx, httpx.Request{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/image/process",
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    payload,
	})
	if err != nil || resp.StatusCode != http.StatusOK {
		slog.Warn("image model server unavailable, using local fallback",
			"file", fileName,
			"error", fmt.Sprint(err),
		)
		return localFallback(fileName)
	}

	var result ProcessResult
	if err := json.Unmarshal(body, &result); err != nil {
		slog.Warn("image process response unparseable, using local fallback", "file", fileName, "error", err)
		return localFallback(fileName)
	}
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	return result
}

// localFallback produces the degraded result used when the model server is
// down: no OCR, no embedding, a filename-derived description so the image
// still has retrievable text.
func localFallback(fileName string) ProcessResult {
	text := ""
	if fileName != "" {
		text = "Image: " + fileName
	}
	return ProcessResult{
		Text: text,
		Metadata: map[string]any{
			"has_ocr_text":        false,
			"has_description":     text != "",
			"has_image_embedding": false,
			"embedding_model":     "",
			"embedding_dim":       0,
		},
	}
}

// AppendImageContent concatenates image-derived texts onto parent text
// under the embedded-images header.
func AppendImageContent(parentText string, imageTexts []string) string {
	nonEmpty := imageTexts[:0]
	for _, t := range imageTexts {
		if t != "" {
			nonEmpty = append(nonEmpty, t)
		}
	}
	if len(nonEmpty) == 0 {
		return parentText
	}
	out := parentText
	for _, t := range nonEmpty {
		out += "\n\n" + EmbeddedImagesHeader + "\n" + t
	}
	return out
}
