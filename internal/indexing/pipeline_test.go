package indexing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tesserahq/tessera-backend/internal/chunker"
	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/coordination"
	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/model"
	"github.com/tesserahq/tessera-backend/internal/scheduler"
)

// ---- fakes ----

type memKV struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemKV() *memKV { return &memKV{values: map[string]string{}} }

func (m *memKV) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok, nil
}

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memKV) Scan(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memKV) IncrBy(ctx context.Context, key string, n int64) (int64, error) { return n, nil }

func (m *memKV) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.values[key]; held {
		return false, nil
	}
	m.values[key] = owner
	return true, nil
}

func (m *memKV) ReacquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key] == owner, nil
}

func (m *memKV) ReleaseLease(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[key] == owner {
		delete(m.values, key)
	}
	return nil
}

type memAttempts struct {
	attempt  model.IndexAttempt
	failures []model.ConnectorFailure
}

func (f *memAttempts) GetByID(ctx context.Context, id int64) (*model.IndexAttempt, error) {
	a := f.attempt
	return &a, nil
}

func (f *memAttempts) MarkStarted(ctx context.Context, id int64) error {
	if f.attempt.Status != model.AttemptNotStarted {
		return fmt.Errorf("attempt %d not in NotStarted", id)
	}
	f.attempt.Status = model.AttemptInProgress
	return nil
}

func (f *memAttempts) MarkFailed(ctx context.Context, id int64, reason string) error {
	f.attempt.Status = model.AttemptFailed
	f.attempt.ErrorMsg = &reason
	return nil
}

func (f *memAttempts) MarkCanceled(ctx context.Context, id int64) error {
	f.attempt.Status = model.AttemptCanceled
	return nil
}

func (f *memAttempts) MarkSucceeded(ctx context.Context, id int64, docs, removed, chunks int) error {
	f.attempt.Status = model.AttemptSuccess
	f.attempt.DocsIndexed = docs
	f.attempt.ChunksIndexed = chunks
	return nil
}

func (f *memAttempts) UpdateProgress(ctx context.Context, id int64, docs, chunks int, checkpoint *string) error {
	f.attempt.DocsIndexed = docs
	f.attempt.ChunksIndexed = chunks
	if checkpoint != nil {
		f.attempt.Checkpoint = checkpoint
	}
	return nil
}

func (f *memAttempts) RecordFailure(ctx context.Context, failure model.ConnectorFailure) error {
	f.failures = append(f.failures, failure)
	return nil
}

func (f *memAttempts) LastSuccessfulPollEnd(ctx context.Context, pairID, settingsID int64) (*time.Time, error) {
	return nil, nil
}

func (f *memAttempts) SetPollRangeEnd(ctx context.Context, id int64, end time.Time) error {
	f.attempt.PollRangeEnd = &end
	return nil
}

type memPairs struct {
	pair     model.ConnectorCredentialPair
	outcomes []bool
}

func (f *memPairs) GetByID(ctx context.Context, id int64) (*model.ConnectorCredentialPair, error) {
	p := f.pair
	return &p, nil
}

func (f *memPairs) RecordAttemptOutcome(ctx context.Context, id int64, failed bool, threshold int) error {
	f.outcomes = append(f.outcomes, failed)
	return nil
}

type memSettings struct{ settings model.SearchSettings }

func (f *memSettings) GetByID(ctx context.Context, id int64) (*model.SearchSettings, error) {
	s := f.settings
	return &s, nil
}

// batchConnector yields fixed document batches.
type batchConnector struct {
	batches [][]model.Document
}

func (c *batchConnector) Source() model.DocumentSource { return model.SourceWeb }

func (c *batchConnector) Load(ctx context.Context, hb connector.Heartbeat) connector.BatchIterator {
	pos := 0
	return connector.IteratorFunc(func(ctx context.Context) ([]model.Document, bool, error) {
		if err := connector.CheckStop(hb); err != nil {
			return nil, false, err
		}
		if pos >= len(c.batches) {
			return nil, true, nil
		}
		batch := c.batches[pos]
		pos++
		hb.Progress("test_docs", len(batch))
		return batch, pos >= len(c.batches), nil
	})
}

type fixedFactory struct{ conn connector.Connector }

func (f *fixedFactory) ForPair(ctx context.Context, pair model.ConnectorCredentialPair) (connector.Connector, error) {
	return f.conn, nil
}

type memEmbedder struct {
	failDocIDs map[string]bool
}

func (e *memEmbedder) EmbedChunks(ctx context.Context, chunks []model.MetadataAwareChunk) error {
	for i := range chunks {
		if e.failDocIDs[chunks[i].DocumentID] {
			return fmt.Errorf("embedding backend rejected %s", chunks[i].DocumentID)
		}
		chunks[i].Embedding = []float32{1}
	}
	return nil
}

type memIndex struct {
	mu     sync.Mutex
	chunks []model.MetadataAwareChunk
}

func (x *memIndex) HybridRetrieval(ctx context.Context, params index.HybridParams) ([]index.InferenceChunk, error) {
	return nil, nil
}

func (x *memIndex) IDBasedRetrieval(ctx context.Context, requests []index.ChunkRequest) ([]index.InferenceChunk, error) {
	return nil, nil
}

func (x *memIndex) Upsert(ctx context.Context, chunks []model.MetadataAwareChunk) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.chunks = append(x.chunks, chunks...)
	return nil
}

func (x *memIndex) DeleteDocument(ctx context.Context, docID string) error { return nil }

type memDoner struct{ done []string }

func (d *memDoner) Done(ctx context.Context, taskID string) error {
	d.done = append(d.done, taskID)
	return nil
}

type wordTokenizer struct{}

func (wordTokenizer) CountTokens(text string) int { return len(strings.Fields(text)) }

// ---- tests ----

func textDoc(id, text string) model.Document {
	return model.Document{
		ID:                 id,
		Source:             model.SourceWeb,
		SemanticIdentifier: id,
		Sections:           []model.Section{{Kind: model.SectionText, Text: text}},
	}
}

func newTestPipeline(conn connector.Connector, attempts *memAttempts, pairs *memPairs, embedder Embedder, idx index.Index, kv coordination.KV, continueOnFailure bool) (*Pipeline, *memDoner) {
	doner := &memDoner{}
	settings := &memSettings{settings: model.SearchSettings{
		ID: 2, Status: model.SettingsPresent, TokenizerName: "cl100k_base", MaxChunkTokens: 512,
	}}
	p := New(attempts, pairs, settings, &fixedFactory{conn: conn}, embedder, idx,
		coordination.NewFences(kv), kv, doner,
		time.Minute, continueOnFailure, 5, 64)
	p.tokenizerFor = func(name string) (chunker.Tokenizer, error) { return wordTokenizer{}, nil }
	return p, doner
}

func TestProcessTask_HappyPath(t *testing.T) {
	conn := &batchConnector{batches: [][]model.Document{
		{textDoc("doc-1", "alpha content here"), textDoc("doc-2", "beta content here")},
		{textDoc("doc-3", "gamma content here")},
	}}
	attempts := &memAttempts{attempt: model.IndexAttempt{ID: 10, Status: model.AttemptNotStarted}}
	pairs := &memPairs{pair: model.ConnectorCredentialPair{ID: 1, Source: model.SourceWeb}}
	idx := &memIndex{}
	kv := newMemKV()

	p, doner := newTestPipeline(conn, attempts, pairs, &memEmbedder{}, idx, kv, true)
	err := p.ProcessTask(context.Background(), "task-1", scheduler.DocFetchingPayload{
		AttemptID: 10, PairID: 1, SettingsID: 2,
	})
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if attempts.attempt.Status != model.AttemptSuccess {
		t.Errorf("status = %s", attempts.attempt.Status)
	}
	if attempts.attempt.DocsIndexed != 3 {
		t.Errorf("docs indexed = %d, want 3", attempts.attempt.DocsIndexed)
	}
	if len(idx.chunks) == 0 {
		t.Error("no chunks written to index")
	}
	if len(pairs.outcomes) != 1 || pairs.outcomes[0] {
		t.Errorf("outcomes = %v, want one success", pairs.outcomes)
	}
	if len(doner.done) != 1 || doner.done[0] != "task-1" {
		t.Errorf("done = %v", doner.done)
	}
	// Lease must be released.
	if held, _ := kv.Exists(context.Background(), coordination.LeaseKey(10)); held {
		t.Error("lease not released")
	}
}

func TestProcessTask_DocumentFailureContinues(t *testing.T) {
	conn := &batchConnector{batches: [][]model.Document{
		{textDoc("good-1", "fine"), textDoc("bad-1", "poison"), textDoc("good-2", "fine too")},
	}}
	attempts := &memAttempts{attempt: model.IndexAttempt{ID: 11, Status: model.AttemptNotStarted}}
	pairs := &memPairs{pair: model.ConnectorCredentialPair{ID: 1, Source: model.SourceWeb}}
	kv := newMemKV()

	p, _ := newTestPipeline(conn, attempts, pairs,
		&memEmbedder{failDocIDs: map[string]bool{"bad-1": true}}, &memIndex{}, kv, true)

	err := p.ProcessTask(context.Background(), "task-2", scheduler.DocFetchingPayload{
		AttemptID: 11, PairID: 1, SettingsID: 2,
	})
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if attempts.attempt.Status != model.AttemptSuccess {
		t.Errorf("status = %s, want success despite per-doc failure", attempts.attempt.Status)
	}
	if attempts.attempt.DocsIndexed != 2 {
		t.Errorf("docs indexed = %d, want 2", attempts.attempt.DocsIndexed)
	}
	if len(attempts.failures) != 1 || *attempts.failures[0].DocumentID != "bad-1" {
		t.Errorf("failures = %+v", attempts.failures)
	}
}

func TestProcessTask_FailFastWhenContinueDisabled(t *testing.T) {
	conn := &batchConnector{batches: [][]model.Document{
		{textDoc("bad-1", "poison"), textDoc("good-1", "never reached")},
	}}
	attempts := &memAttempts{attempt: model.IndexAttempt{ID: 12, Status: model.AttemptNotStarted}}
	pairs := &memPairs{pair: model.ConnectorCredentialPair{ID: 1, Source: model.SourceWeb}}

	p, _ := newTestPipeline(conn, attempts, pairs,
		&memEmbedder{failDocIDs: map[string]bool{"bad-1": true}}, &memIndex{}, newMemKV(), false)

	err := p.ProcessTask(context.Background(), "task-3", scheduler.DocFetchingPayload{
		AttemptID: 12, PairID: 1, SettingsID: 2,
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if attempts.attempt.Status != model.AttemptFailed {
		t.Errorf("status = %s", attempts.attempt.Status)
	}
	if len(pairs.outcomes) != 1 || !pairs.outcomes[0] {
		t.Errorf("outcomes = %v, want one failure", pairs.outcomes)
	}
}

func TestProcessTask_LostLeaseAborts(t *testing.T) {
	kv := newMemKV()
	conn := &leaseStealingConnector{kv: kv}
	attempts := &memAttempts{attempt: model.IndexAttempt{ID: 13, Status: model.AttemptNotStarted}}
	pairs := &memPairs{pair: model.ConnectorCredentialPair{ID: 1, Source: model.SourceWeb}}

	p, _ := newTestPipeline(conn, attempts, pairs, &memEmbedder{}, &memIndex{}, kv, true)
	err := p.ProcessTask(context.Background(), "task-4", scheduler.DocFetchingPayload{
		AttemptID: 13, PairID: 1, SettingsID: 2,
	})
	if err == nil || !strings.Contains(err.Error(), "lease lost") {
		t.Fatalf("err = %v, want lease lost", err)
	}
	if attempts.attempt.Status != model.AttemptFailed {
		t.Errorf("status = %s", attempts.attempt.Status)
	}
}

// leaseStealingConnector overwrites the lease mid-run, simulating another
// worker taking over.
type leaseStealingConnector struct {
	kv *memKV
}

func (c *leaseStealingConnector) Source() model.DocumentSource { return model.SourceWeb }

func (c *leaseStealingConnector) Load(ctx context.Context, hb connector.Heartbeat) connector.BatchIterator {
	served := false
	return connector.IteratorFunc(func(ctx context.Context) ([]model.Document, bool, error) {
		if served {
			return nil, true, nil
		}
		served = true
		// Steal the lease before the batch is committed.
		c.kv.mu.Lock()
		c.kv.values[coordination.LeaseKey(13)] = "another-worker"
		c.kv.mu.Unlock()
		return []model.Document{textDoc("doc-1", "content")}, false, nil
	})
}
