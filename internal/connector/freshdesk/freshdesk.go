// Package freshdesk ingests helpdesk tickets (with their full conversation
// history) and knowledge-base solution articles.
package freshdesk

import (
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

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/model"
)

const (
	idPrefix          = "FRESHDESK_"
	solutionsIDPrefix = "FRESHDESK_SOLUTIONS_"

	ticketsPerPage       = 100
	conversationsPerPage = 100

	// defaultPageCap is the API's hard pagination limit. Past it,
	// fetching re-bases on the last seen updated_at and restarts at
	// page 1.
	defaultPageCap = 300

	defaultBatchSize = 64
)

var sourceNames = map[int]string{
	1:  "Email",
	2:  "Portal",
	3:  "Phone",
	7:  "Chat",
	9:  "Feedback Widget",
	10: "Outbound Email",
}

var priorityNames = map[int]string{
	1: "low",
	2: "medium",
	3: "high",
	4: "urgent",
}

var statusNames = map[int]string{
	2:  "open",
	3:  "pending",
	4:  "resolved",
	5:  "closed",
	16: "Work in Progress",
	17: "Pending with CSM",
	18: "Pending with Customer",
	19: "Pending with Cloud",
}

// Config is the connector-specific config blob on the pair.
type Config struct {
	Domain string `json:"domain"`
}

// Credentials is the secret blob on the credential.
type Credentials struct {
	APIKey   string `json:"freshdesk_api_key"`
	Password string `json:"freshdesk_password"`
}

// Connector fetches tickets. It implements Load and Poll.
type Connector struct {
	pool      *httpx.Pool
	domain    string
	baseURL   string
	auth      string
	batchSize int
	pageCap   int
}

// New creates a ticket connector.
func New(pool *httpx.Pool, cfg Config, creds Credentials, batchSize int) (*Connector, error) {
	if cfg.Domain == "" || creds.APIKey == "" {
		return nil, fmt.Errorf("freshdesk.New: domain and api key are required")
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	password := creds.Password
	if password == "" {
		password = "X"
	}
	return &Connector{
		pool:      pool,
		domain:    cfg.Domain,
		baseURL:   fmt.Sprintf("https://%s.freshdesk.com", cfg.Domain),
		auth:      basicAuth(creds.APIKey, password),
		batchSize: batchSize,
		pageCap:   defaultPageCap,
	}, nil
}

var (
	_ connector.LoadConnector = (*Connector)(nil)
	_ connector.PollConnector = (*Connector)(nil)
)

func (c *Connector) Source() model.DocumentSource { return model.SourceFreshdesk }

func (c *Connector) Load(ctx context.Context, hb connector.Heartbeat) connector.BatchIterator {
	return c.iterator(nil, nil, hb)
}

func (c *Connector) Poll(ctx context.Context, start, end time.Time, hb connector.Heartbeat) connector.BatchIterator {
	return c.iterator(&start, &end, hb)
}

// ticket is the subset of the API payload the connector reads.
type ticket struct {
	ID           int64          `json:"id"`
	Subject      string         `json:"subject"`
	Status       int            `json:"status"`
	Priority     int            `json:"priority"`
	Source       int            `json:"source"`
	Type         string         `json:"type"`
	Tags         []string       `json:"tags"`
	Description  string         `json:"description_text"`
	CustomFields map[string]any `json:"custom_fields"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

type conversation struct {
	BodyText string `json:"body_text"`
	Private  bool   `json:"private"`
}

// iterator pages through /api/v2/tickets, re-basing at the page cap.
// Tickets updated at or after end (when given) are skipped.
func (c *Connector) iterator(start, end *time.Time, hb connector.Heartbeat) connector.BatchIterator {
	page := 1
	updatedSince := ""
	if start != nil {
		updatedSince = start.UTC().Format(time.RFC3339)
	}
	var lastUpdatedAtCapPage string
	// capPageIDs guards against re-fetching the boundary tickets after a
	// re-base: updated_since is inclusive upstream.
	capPageIDs := map[int64]struct{}{}
	exhausted := false

	return connector.IteratorFunc(func(ctx context.Context) ([]model.Document, bool, error) {
		if exhausted {
			return nil, true, nil
		}
		if err := connector.CheckStop(hb); err != nil {
			return nil, false, err
		}

		tickets, err := c.fetchTicketPage(ctx, page, updatedSince)
		if err != nil {
			return nil, false, fmt.Errorf("freshdesk: page %d: %w", page, err)
		}
		if len(tickets) == 0 {
			return nil, true, nil
		}

		if page == c.pageCap {
			lastUpdatedAtCapPage = tickets[len(tickets)-1].UpdatedAt
			capPageIDs = map[int64]struct{}{}
			for _, t := range tickets {
				capPageIDs[t.ID] = struct{}{}
			}
		}

		docs := make([]model.Document, 0, len(tickets))
		for _, t := range tickets {
			if page < c.pageCap {
				if _, dup := capPageIDs[t.ID]; dup {
					continue
				}
			}
			if end != nil {
				if updated, err := time.Parse(time.RFC3339, t.UpdatedAt); err == nil && !updated.Before(*end) {
					continue
				}
			}
			doc, err := c.buildDocument(ctx, t)
			if err != nil {
				slog.Warn("freshdesk ticket skipped", "ticket_id", t.ID, "error", err)
				continue
			}
			docs = append(docs, *doc)
		}
		hb.Progress("freshdesk_tickets", len(docs))

		switch {
		case len(tickets) < ticketsPerPage:
			exhausted = true
		case page == c.pageCap:
			if lastUpdatedAtCapPage == "" {
				slog.Error("freshdesk page cap reached without updated_at, stopping pagination")
				exhausted = true
			} else {
				slog.Warn("freshdesk page cap reached, re-basing on last updated_at",
					"updated_since", lastUpdatedAtCapPage)
				updatedSince = lastUpdatedAtCapPage
				page = 1
			}
		default:
			page++
		}

		return docs, false, nil
	})
}

func (c *Connector) fetchTicketPage(ctx context.Context, page int, updatedSince string) ([]ticket, error) {
	params := url.Values{
		"include":  {"description"},
		"per_page": {strconv.Itoa(ticketsPerPage)},
		"page":     {strconv.Itoa(page)},
	}
	if updatedSince != "" {
		params.Set("updated_since", updatedSince)
	}

	reqURL := fmt.Sprintf("%s/api/v2/tickets?%s", c.baseURL, params.Encode())
	resp, body, err := c.pool.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     reqURL,
		Headers: http.Header{"Authorization": []string{c.auth}},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var tickets []ticket
	if err := json.Unmarshal(body, &tickets); err != nil {
		return nil, fmt.Errorf("decode tickets: %w", err)
	}
	return tickets, nil
}

// buildDocument fetches the ticket's conversations and assembles the doc.
func (c *Connector) buildDocument(ctx context.Context, t ticket) (*model.Document, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ticket ID: %d, Status: %s, Priority: %s, ",
		t.ID, statusName(t.Status), priorityName(t.Priority))
	if t.Description != "" {
		fmt.Fprintf(&sb, "Ticket Description: %s", t.Description)
	}

	sb.WriteString(" Conversations:")
	convText, err := c.fetchConversations(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("conversations: %w", err)
	}
	sb.WriteString(convText)

	link := fmt.Sprintf("%s/helpdesk/tickets/%d", c.baseURL, t.ID)
	updatedAt, _ := time.Parse(time.RFC3339, t.UpdatedAt)

	metadata := map[string]string{
		"id":         strconv.FormatInt(t.ID, 10),
		"subject":    t.Subject,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
		"link":       link,
	}
	if s := statusName(t.Status); s != "" {
		metadata["status"] = s
	}
	if p := priorityName(t.Priority); p != "" {
		metadata["priority"] = p
	}
	if s, ok := sourceNames[t.Source]; ok {
		metadata["source"] = s
	}
	if t.Type != "" {
		metadata["type"] = t.Type
	}
	if len(t.Tags) > 0 {
		metadata["tags"] = strings.Join(t.Tags, ",")
	}

	doc := &model.Document{
		ID:                 idPrefix + link,
		Source:             model.SourceFreshdesk,
		SemanticIdentifier: t.Subject,
		Sections: []model.Section{{
			Kind: model.SectionText,
			Text: sb.String(),
			Link: link,
		}},
		Metadata: metadata,
	}
	if !updatedAt.IsZero() {
		doc.DocUpdatedAt = &updatedAt
	}
	return doc, nil
}

// fetchConversations pages through a ticket's conversations.
func (c *Connector) fetchConversations(ctx context.Context, ticketID int64) (string, error) {
	var sb strings.Builder
	page := 1
	count := 0
	for {
		reqURL := fmt.Sprintf(
			"%s/api/v2/tickets/%d/conversations?per_page=%d&page=%d",
			c.baseURL, ticketID, conversationsPerPage, page)
		_, body, err := c.pool.Do(ctx, httpx.Request{
			Method:  http.MethodGet,
			URL:     reqURL,
			Headers: http.Header{"Authorization": []string{c.auth}},
		})
		if err != nil {
			return "", err
		}

		var conversations []conversation
		if err := json.Unmarshal(body, &conversations); err != nil {
			return "", fmt.Errorf("decode conversations: %w", err)
		}
		if len(conversations) == 0 {
			break
		}
		for _, conv := range conversations {
			count++
			private := ""
			if conv.Private {
				private = " (Private Note)"
			}
			text := conv.BodyText
			if text == "" {
				text = "No content available"
			}
			fmt.Fprintf(&sb, " Conversation %d%s: %s", count, private, text)
		}
		if len(conversations) < conversationsPerPage {
			break
		}
		page++
	}
	if count == 0 {
		return " No conversations available.", nil
	}
	return sb.String(), nil
}

func statusName(n int) string   { return nameOrUnknown(statusNames, n, "Unknown Status") }
func priorityName(n int) string { return nameOrUnknown(priorityNames, n, "Unknown Priority") }

func nameOrUnknown(m map[int]string, n int, unknown string) string {
	if n == 0 {
		return ""
	}
	if name, ok := m[n]; ok {
		return name
	}
	return unknown
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}
