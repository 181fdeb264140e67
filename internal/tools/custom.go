package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tesserahq/tessera-backend/internal/answer"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/llm"
)

// MethodSpec is one path+method of an OpenAPI schema, parsed up front
// with validated parameter schemas.
type MethodSpec struct {
	Name        string
	Summary     string
	Method      string
	Path        string
	PathParams  []ParamSpec
	QueryParams []ParamSpec
	// BodySchema is the request-body JSON schema, nil when bodyless.
	BodySchema map[string]any
}

// ParamSpec is one parameter with its schema type.
type ParamSpec struct {
	Name        string
	Required    bool
	Type        string
	Description string
}

// FileStore persists binary tool responses, returning a reference id.
type FileStore interface {
	Save(ctx context.Context, data []byte, name, contentType string) (string, error)
}

// openAPIDoc is the subset of the OpenAPI 3 schema the parser reads.
type openAPIDoc struct {
	Servers []struct {
		URL string `json:"url"`
	} `json:"servers"`
	Paths map[string]map[string]openAPIOperation `json:"paths"`
}

type openAPIOperation struct {
	OperationID string `json:"operationId"`
	Summary     string `json:"summary"`
	Parameters  []struct {
		Name     string `json:"name"`
		In       string `json:"in"`
		Required bool   `json:"required"`
		Schema   struct {
			Type string `json:"type"`
		} `json:"schema"`
		Description string `json:"description"`
	} `json:"parameters"`
	RequestBody *struct {
		Content map[string]struct {
			Schema map[string]any `json:"schema"`
		} `json:"content"`
	} `json:"requestBody"`
}

// ParseOpenAPI validates the schema and returns (base URL, method specs).
// A malformed schema fails parsing rather than surfacing at call time;
// operations with methods other than GET, POST, PUT, PATCH and DELETE are
// skipped, and a schema with none left fails.
func ParseOpenAPI(raw []byte) (string, []MethodSpec, error) {
	var doc openAPIDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, fmt.Errorf("tools.ParseOpenAPI: %w", err)
	}
	if len(doc.Servers) == 0 || doc.Servers[0].URL == "" {
		return "", nil, fmt.Errorf("tools.ParseOpenAPI: schema has no servers entry")
	}
	if len(doc.Paths) == 0 {
		return "", nil, fmt.Errorf("tools.ParseOpenAPI: schema has no paths")
	}

	var specs []MethodSpec
	for path, operations := range doc.Paths {
		for method, op := range operations {
			method = strings.ToUpper(method)
			switch method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				continue
			}
			name := op.OperationID
			if name == "" {
				name = deriveOperationName(method, path)
			}
			spec := MethodSpec{
				Name:    name,
				Summary: op.Summary,
				Method:  method,
				Path:    path,
			}
			for _, p := range op.Parameters {
				ps := ParamSpec{Name: p.Name, Required: p.Required, Type: p.Schema.Type, Description: p.Description}
				if ps.Type == "" {
					ps.Type = "string"
				}
				switch p.In {
				case "path":
					ps.Required = true
					spec.PathParams = append(spec.PathParams, ps)
				case "query":
					spec.QueryParams = append(spec.QueryParams, ps)
				}
			}
			if op.RequestBody != nil {
				if content, ok := op.RequestBody.Content["application/json"]; ok {
					spec.BodySchema = content.Schema
				}
			}
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return "", nil, fmt.Errorf("tools.ParseOpenAPI: no usable operations")
	}
	return doc.Servers[0].URL, specs, nil
}

func deriveOperationName(method, path string) string {
	clean := strings.NewReplacer("/", "_", "{", "", "}", "").Replace(strings.Trim(path, "/"))
	return strings.ToLower(method) + "_" + clean
}

// CustomTool exposes one MethodSpec as an engine tool.
type CustomTool struct {
	pool    *httpx.Pool
	baseURL string
	spec    MethodSpec
	headers http.Header
	// oauthToken, when set, overrides any custom Authorization header.
	oauthToken string
	files      FileStore
}

// NewCustomTools builds one tool per method spec.
func NewCustomTools(pool *httpx.Pool, baseURL string, specs []MethodSpec, customHeaders http.Header, oauthToken string, files FileStore) []answer.Tool {
	if customHeaders.Get("Authorization") != "" && oauthToken != "" {
		slog.Warn("custom tool has both an OAuth token and a custom Authorization header; the OAuth token wins")
	}
	out := make([]answer.Tool, 0, len(specs))
	for _, spec := range specs {
		out = append(out, &CustomTool{
			pool:       pool,
			baseURL:    baseURL,
			spec:       spec,
			headers:    customHeaders,
			oauthToken: oauthToken,
			files:      files,
		})
	}
	return out
}

var _ answer.Tool = (*CustomTool)(nil)

func (t *CustomTool) Name() string { return t.spec.Name }

func (t *CustomTool) Definition() llm.ToolDefinition {
	properties := map[string]any{}
	var required []string
	for _, p := range append(append([]ParamSpec{}, t.spec.PathParams...), t.spec.QueryParams...) {
		properties[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if t.spec.BodySchema != nil {
		properties["body"] = t.spec.BodySchema
	}
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.ToolDefinition{
		Name:        t.spec.Name,
		Description: t.spec.Summary,
		Parameters:  params,
	}
}

// Run builds the URL from path + query params, issues the request, and
// classifies the response by content type.
func (t *CustomTool) Run(ctx context.Context, args json.RawMessage) (*answer.ToolResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(args, &raw); err != nil {
		return nil, fmt.Errorf("tools.CustomTool %s: args: %w", t.spec.Name, err)
	}

	known := map[string]ParamSpec{}
	for _, p := range t.spec.PathParams {
		known[p.Name] = p
	}
	for _, p := range t.spec.QueryParams {
		known[p.Name] = p
	}
	// Unknown fields are rejected at the boundary, not silently dropped.
	for name := range raw {
		if name == "body" && t.spec.BodySchema != nil {
			continue
		}
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("tools.CustomTool %s: unknown argument %q", t.spec.Name, name)
		}
	}

	reqPath := t.spec.Path
	for _, p := range t.spec.PathParams {
		value, err := coerceString(raw[p.Name], p)
		if err != nil {
			return nil, fmt.Errorf("tools.CustomTool %s: %w", t.spec.Name, err)
		}
		reqPath = strings.ReplaceAll(reqPath, "{"+p.Name+"}", url.PathEscape(value))
	}

	query := url.Values{}
	for _, p := range t.spec.QueryParams {
		if _, present := raw[p.Name]; !present {
			if p.Required {
				return nil, fmt.Errorf("tools.CustomTool %s: missing required param %q", t.spec.Name, p.Name)
			}
			continue
		}
		value, err := coerceString(raw[p.Name], p)
		if err != nil {
			return nil, fmt.Errorf("tools.CustomTool %s: %w", t.spec.Name, err)
		}
		query.Set(p.Name, value)
	}

	reqURL := strings.TrimSuffix(t.baseURL, "/") + reqPath
	if encoded := query.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	headers := http.Header{}
	for k, vs := range t.headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	if t.oauthToken != "" {
		headers.Set("Authorization", "Bearer "+t.oauthToken)
	}

	var body []byte
	if rawBody, ok := raw["body"]; ok {
		body = rawBody
		headers.Set("Content-Type", "application/json")
	}

	resp, respBody, err := t.pool.Do(ctx, httpx.Request{
		Method:  t.spec.Method,
		URL:     reqURL,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("tools.CustomTool %s: %w", t.spec.Name, err)
	}

	return t.classifyResponse(ctx, resp, respBody)
}

// classifyResponse: images and CSVs land in the file store and come back
// as references; JSON is parsed; everything else is text.
func (t *CustomTool) classifyResponse(ctx context.Context, resp *http.Response, body []byte) (*answer.ToolResult, error) {
	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "text/csv"):
		if t.files == nil {
			return &answer.ToolResult{Response: fmt.Sprintf("(binary %s response, %d bytes, no file store configured)", contentType, len(body))}, nil
		}
		fileID, err := t.files.Save(ctx, body, t.spec.Name, contentType)
		if err != nil {
			return nil, fmt.Errorf("tools: store response file: %w", err)
		}
		ref, _ := json.Marshal(map[string]any{"file_ids": []string{fileID}, "content_type": contentType})
		return &answer.ToolResult{Response: string(ref)}, nil

	case strings.Contains(contentType, "application/json"):
		var parsed any
		if err := json.Unmarshal(body, &parsed); err != nil {
			// Claimed JSON but isn't; hand the text over anyway.
			return &answer.ToolResult{Response: string(body)}, nil
		}
		if result := synthesizeFreshdesk(t.baseURL, t.spec.Path, parsed); result != nil {
			return result, nil
		}
		pretty, _ := json.MarshalIndent(parsed, "", "  ")
		return &answer.ToolResult{Response: string(pretty)}, nil

	default:
		return &answer.ToolResult{Response: string(body)}, nil
	}
}

func coerceString(raw json.RawMessage, p ParamSpec) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("missing required param %q", p.Name)
	}
	switch p.Type {
	case "integer", "number":
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("param %q: expected %s: %w", p.Name, p.Type, err)
		}
		return n.String(), nil
	case "boolean":
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", fmt.Errorf("param %q: expected boolean: %w", p.Name, err)
		}
		return fmt.Sprint(b), nil
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			// Tolerate numeric values for string params by re-rendering.
			var v any
			if err2 := json.Unmarshal(raw, &v); err2 != nil {
				return "", fmt.Errorf("param %q: %w", p.Name, err)
			}
			return fmt.Sprint(v), nil
		}
		return s, nil
	}
}
