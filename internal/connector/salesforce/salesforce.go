// Package salesforce ingests object records through the Bulk API: one CSV
// download per object type per batch, on a worker pool capped at 4
// (the downloads are memory-heavy).
package salesforce

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/model"
)

// downloadParallelism caps concurrent bulk CSV downloads.
const downloadParallelism = 4

var defaultObjectTypes = []string{"Account", "Opportunity", "Case", "Contact"}

// Config is the pair's connector config blob.
type Config struct {
	InstanceURL string   `json:"instance_url"`
	ObjectTypes []string `json:"object_types"`
}

// Connector runs bulk queries. Implements Poll and Load.
type Connector struct {
	pool         *httpx.Pool
	cfg          Config
	credentialID int64
	sem          *semaphore.Weighted
}

// New creates a salesforce connector. credentialID routes bearer tokens
// through the pool's token source.
func New(pool *httpx.Pool, cfg Config, credentialID int64) (*Connector, error) {
	if cfg.InstanceURL == "" {
		return nil, fmt.Errorf("salesforce.New: instance_url is required")
	}
	if len(cfg.ObjectTypes) == 0 {
		cfg.ObjectTypes = defaultObjectTypes
	}
	return &Connector{
		pool:         pool,
		cfg:          cfg,
		credentialID: credentialID,
		sem:          semaphore.NewWeighted(downloadParallelism),
	}, nil
}

var (
	_ connector.LoadConnector = (*Connector)(nil)
	_ connector.PollConnector = (*Connector)(nil)
)

func (c *Connector) Source() model.DocumentSource { return model.SourceSalesforce }

func (c *Connector) Load(ctx context.Context, hb connector.Heartbeat) connector.BatchIterator {
	return c.iterator(time.Time{}, time.Time{}, hb)
}

func (c *Connector) Poll(ctx context.Context, start, end time.Time, hb connector.Heartbeat) connector.BatchIterator {
	return c.iterator(start, end, hb)
}

// iterator yields one batch per object type. Downloads for upcoming
// object types run ahead on the bounded pool.
func (c *Connector) iterator(start, end time.Time, hb connector.Heartbeat) connector.BatchIterator {
	type result struct {
		objectType string
		docs       []model.Document
		err        error
	}

	results := make([]chan result, len(c.cfg.ObjectTypes))
	for i := range results {
		results[i] = make(chan result, 1)
	}

	var once sync.Once
	pos := 0

	startDownloads := func(ctx context.Context) {
		for i, objectType := range c.cfg.ObjectTypes {
			i, objectType := i, objectType
			go func() {
				if err := c.sem.Acquire(ctx, 1); err != nil {
					results[i] <- result{objectType: objectType, err: err}
					return
				}
				defer c.sem.Release(1)
				docs, err := c.fetchObjectType(ctx, objectType, start, end)
				results[i] <- result{objectType: objectType, docs: docs, err: err}
			}()
		}
	}

	return connector.IteratorFunc(func(ctx context.Context) ([]model.Document, bool, error) {
		if err := connector.CheckStop(hb); err != nil {
			return nil, false, err
		}
		once.Do(func() { startDownloads(ctx) })

		if pos >= len(results) {
			return nil, true, nil
		}
		res := <-results[pos]
		pos++
		if res.err != nil {
			// One object type failing doesn't sink the others.
			slog.Warn("salesforce object type failed", "object_type", res.objectType, "error", res.err)
			return nil, pos >= len(results), nil
		}
		hb.Progress("salesforce_"+strings.ToLower(res.objectType), len(res.docs))
		return res.docs, pos >= len(results), nil
	})
}

// fetchObjectType runs a bulk query job and parses its CSV result.
func (c *Connector) fetchObjectType(ctx context.Context, objectType string, start, end time.Time) ([]model.Document, error) {
	soql := fmt.Sprintf("SELECT FIELDS(STANDARD) FROM %s", objectType)
	var clauses []string
	if !start.IsZero() {
		clauses = append(clauses, fmt.Sprintf("LastModifiedDate >= %s", start.UTC().Format(time.RFC3339)))
	}
	if !end.IsZero() {
		clauses = append(clauses, fmt.Sprintf("LastModifiedDate < %s", end.UTC().Format(time.RFC3339)))
	}
	if len(clauses) > 0 {
		soql += " WHERE " + strings.Join(clauses, " AND ")
	}

	jobID, err := c.createJob(ctx, soql)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := c.waitForJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	csvData, err := c.jobResults(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s results: %w", jobID, err)
	}
	return c.parseCSV(objectType, csvData)
}

func (c *Connector) createJob(ctx context.Context, soql string) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"operation": "query",
		"query":     soql,
	})
	_, body, err := c.pool.Do(ctx, httpx.Request{
		Method:       http.MethodPost,
		URL:          c.cfg.InstanceURL + "/services/data/v59.0/jobs/query",
		Headers:      http.Header{"Content-Type": []string{"application/json"}},
		Body:         payload,
		CredentialID: c.credentialID,
	})
	if err != nil {
		return "", err
	}
	var job struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &job); err != nil {
		return "", fmt.Errorf("decode job: %w", err)
	}
	return job.ID, nil
}

func (c *Connector) waitForJob(ctx context.Context, jobID string) error {
	for {
		_, body, err := c.pool.Do(ctx, httpx.Request{
			Method:       http.MethodGet,
			URL:          c.cfg.InstanceURL + "/services/data/v59.0/jobs/query/" + jobID,
			CredentialID: c.credentialID,
		})
		if err != nil {
			return err
		}
		var status struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(body, &status); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		switch status.State {
		case "JobComplete":
			return nil
		case "Failed", "Aborted":
			return fmt.Errorf("job state %s", status.State)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Connector) jobResults(ctx context.Context, jobID string) ([]byte, error) {
	_, body, err := c.pool.Do(ctx, httpx.Request{
		Method:       http.MethodGet,
		URL:          c.cfg.InstanceURL + "/services/data/v59.0/jobs/query/" + jobID + "/results",
		Headers:      http.Header{"Accept": []string{"text/csv"}},
		CredentialID: c.credentialID,
	})
	return body, err
}

// parseCSV converts a bulk result CSV into documents, one per record.
func (c *Connector) parseCSV(objectType string, data []byte) ([]model.Document, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}
	header := rows[0]

	col := func(row []string, name string) string {
		for i, h := range header {
			if strings.EqualFold(h, name) && i < len(row) {
				return row[i]
			}
		}
		return ""
	}

	var docs []model.Document
	for _, row := range rows[1:] {
		id := col(row, "Id")
		if id == "" {
			continue
		}
		var sb strings.Builder
		for i, h := range header {
			if i >= len(row) || row[i] == "" {
				continue
			}
			fmt.Fprintf(&sb, "%s: %s\n", h, row[i])
		}

		link := fmt.Sprintf("%s/%s", c.cfg.InstanceURL, id)
		name := col(row, "Name")
		if name == "" {
			name = col(row, "Subject")
		}
		if name == "" {
			name = fmt.Sprintf("%s %s", objectType, id)
		}

		doc := model.Document{
			ID:                 fmt.Sprintf("SALESFORCE_%s", id),
			Source:             model.SourceSalesforce,
			SemanticIdentifier: name,
			Sections:           []model.Section{{Kind: model.SectionText, Text: sb.String(), Link: link}},
			Metadata: map[string]string{
				"object_type": objectType,
				"link":        link,
			},
		}
		if modified, err := time.Parse(time.RFC3339, col(row, "LastModifiedDate")); err == nil {
			doc.DocUpdatedAt = &modified
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
