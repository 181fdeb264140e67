// Package indexing is the worker side of ingestion: it consumes
// docfetching tasks, drives the connector, chunks and embeds documents,
// writes the index, and keeps the coordination state (lease, fence
// heartbeat, attempt counters) honest while doing so.
package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tesserahq/tessera-backend/internal/chunker"
	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/coordination"
	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/model"
	"github.com/tesserahq/tessera-backend/internal/scheduler"
)

// AttemptStore is the attempt persistence slice the pipeline needs.
type AttemptStore interface {
	GetByID(ctx context.Context, id int64) (*model.IndexAttempt, error)
	MarkStarted(ctx context.Context, attemptID int64) error
	MarkFailed(ctx context.Context, attemptID int64, reason string) error
	MarkCanceled(ctx context.Context, attemptID int64) error
	MarkSucceeded(ctx context.Context, attemptID int64, docsIndexed, docsRemoved, chunksIndexed int) error
	UpdateProgress(ctx context.Context, attemptID int64, docsIndexed, chunksIndexed int, checkpoint *string) error
	RecordFailure(ctx context.Context, f model.ConnectorFailure) error
	LastSuccessfulPollEnd(ctx context.Context, pairID, settingsID int64) (*time.Time, error)
	SetPollRangeEnd(ctx context.Context, attemptID int64, end time.Time) error
}

// PairStore is the pair bookkeeping slice.
type PairStore interface {
	GetByID(ctx context.Context, id int64) (*model.ConnectorCredentialPair, error)
	RecordAttemptOutcome(ctx context.Context, id int64, failed bool, threshold int) error
}

// SettingsStore loads search settings by id.
type SettingsStore interface {
	GetByID(ctx context.Context, id int64) (*model.SearchSettings, error)
}

// ConnectorFactory builds the live connector for a pair.
type ConnectorFactory interface {
	ForPair(ctx context.Context, pair model.ConnectorCredentialPair) (connector.Connector, error)
}

// Embedder fills chunk vectors.
type Embedder interface {
	EmbedChunks(ctx context.Context, chunks []model.MetadataAwareChunk) error
}

// TaskDoner clears the queue's pending marker.
type TaskDoner interface {
	Done(ctx context.Context, taskID string) error
}

// Pipeline processes one docfetching task end to end.
type Pipeline struct {
	attempts AttemptStore
	pairs    PairStore
	settings SettingsStore
	factory  ConnectorFactory
	embedder Embedder
	idx      index.Index
	fences   *coordination.Fences
	kv       coordination.KV
	doner    TaskDoner

	leaseTTL          time.Duration
	continueOnFailure bool
	repeatThreshold   int
	chunkTokenBuffer  int

	// tokenizerFor is swappable so tests avoid loading real encodings.
	tokenizerFor func(name string) (chunker.Tokenizer, error)
}

func New(
	attempts AttemptStore,
	pairs PairStore,
	settings SettingsStore,
	factory ConnectorFactory,
	embedder Embedder,
	idx index.Index,
	fences *coordination.Fences,
	kv coordination.KV,
	doner TaskDoner,
	leaseTTL time.Duration,
	continueOnFailure bool,
	repeatThreshold int,
	chunkTokenBuffer int,
) *Pipeline {
	return &Pipeline{
		attempts:          attempts,
		pairs:             pairs,
		settings:          settings,
		factory:           factory,
		embedder:          embedder,
		idx:               idx,
		fences:            fences,
		kv:                kv,
		doner:             doner,
		leaseTTL:          leaseTTL,
		continueOnFailure: continueOnFailure,
		repeatThreshold:   repeatThreshold,
		chunkTokenBuffer:  chunkTokenBuffer,
		tokenizerFor: func(name string) (chunker.Tokenizer, error) {
			return chunker.NewTokenizer(name)
		},
	}
}

// ProcessTask runs one attempt. Terminal status, fence teardown, and the
// queue pending marker are always settled before returning.
func (p *Pipeline) ProcessTask(ctx context.Context, taskID string, payload scheduler.DocFetchingPayload) error {
	defer func() {
		if err := p.doner.Done(ctx, taskID); err != nil {
			slog.Warn("failed to clear pending task marker", "task_id", taskID, "error", err)
		}
	}()

	pair, err := p.pairs.GetByID(ctx, payload.PairID)
	if err != nil {
		p.failAttempt(ctx, payload, "load pair: "+err.Error())
		return fmt.Errorf("indexing.ProcessTask: %w", err)
	}
	settings, err := p.settings.GetByID(ctx, payload.SettingsID)
	if err != nil {
		p.failAttempt(ctx, payload, "load settings: "+err.Error())
		return fmt.Errorf("indexing.ProcessTask: %w", err)
	}

	if err := p.attempts.MarkStarted(ctx, payload.AttemptID); err != nil {
		// Most likely the validator already failed this attempt.
		return fmt.Errorf("indexing.ProcessTask: %w", err)
	}

	leaseKey := coordination.LeaseKey(payload.AttemptID)
	acquired, err := p.kv.AcquireLease(ctx, leaseKey, taskID, p.leaseTTL)
	if err != nil || !acquired {
		p.failAttempt(ctx, payload, "lease not acquired")
		return fmt.Errorf("indexing.ProcessTask: lease not acquired for attempt %d", payload.AttemptID)
	}
	defer func() { _ = p.kv.ReleaseLease(ctx, leaseKey, taskID) }()

	slog.Info("indexing attempt starting",
		"attempt_id", payload.AttemptID,
		"pair_id", pair.ID,
		"source", pair.Source,
		"settings_id", settings.ID,
		"from_beginning", payload.FromBeginning,
	)

	err = p.runAttempt(ctx, taskID, payload, *pair, *settings)
	switch {
	case err == connector.ErrCancelled:
		slog.Info("indexing attempt cancelled", "attempt_id", payload.AttemptID)
		_ = p.attempts.MarkCanceled(ctx, payload.AttemptID)
	case err != nil:
		slog.Error("indexing attempt failed", "attempt_id", payload.AttemptID, "error", err)
		_ = p.attempts.MarkFailed(ctx, payload.AttemptID, err.Error())
		_ = p.pairs.RecordAttemptOutcome(ctx, pair.ID, true, p.repeatThreshold)
	default:
		_ = p.pairs.RecordAttemptOutcome(ctx, pair.ID, false, p.repeatThreshold)
	}

	if lowerErr := p.fences.Lower(ctx, pair.ID, settings.ID); lowerErr != nil {
		slog.Warn("failed to lower fence", "pair_id", pair.ID, "error", lowerErr)
	}
	return err
}

func (p *Pipeline) runAttempt(ctx context.Context, taskID string, payload scheduler.DocFetchingPayload, pair model.ConnectorCredentialPair, settings model.SearchSettings) error {
	conn, err := p.factory.ForPair(ctx, pair)
	if err != nil {
		return fmt.Errorf("build connector: %w", err)
	}

	tokenizer, err := p.tokenizerFor(settings.TokenizerName)
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}
	chk := chunker.New(tokenizer, settings.MaxChunkTokens-p.chunkTokenBuffer, true)

	hb := &leaseHeartbeat{
		pipeline: p,
		taskID:   taskID,
		payload:  payload,
	}

	it, pollEnd, err := p.buildIterator(ctx, conn, payload, hb)
	if err != nil {
		return err
	}
	if !pollEnd.IsZero() {
		if err := p.attempts.SetPollRangeEnd(ctx, payload.AttemptID, pollEnd); err != nil {
			slog.Warn("failed to record poll range end", "attempt_id", payload.AttemptID, "error", err)
		}
	}

	docsIndexed := 0
	chunksIndexed := 0

	for {
		batch, done, err := it.NextBatch(ctx)
		if err != nil {
			return err
		}

		for _, doc := range batch {
			chunks, err := p.indexDocument(ctx, chk, doc)
			if err != nil {
				docID := doc.ID
				msg := err.Error()
				if recErr := p.attempts.RecordFailure(ctx, model.ConnectorFailure{
					AttemptID:  payload.AttemptID,
					DocumentID: &docID,
					Message:    msg,
					Time:       time.Now().UTC(),
				}); recErr != nil {
					slog.Warn("failed to record connector failure", "error", recErr)
				}
				if !p.continueOnFailure {
					return fmt.Errorf("document %s: %w", doc.ID, err)
				}
				slog.Warn("document failed, continuing attempt", "document_id", doc.ID, "error", err)
				continue
			}
			docsIndexed++
			chunksIndexed += chunks
		}

		// Progress + checkpoint + lease after every batch. Losing the
		// lease means another worker may own the attempt: abort rather
		// than risk double processing.
		var checkpoint *string
		if cp, ok := it.(connector.CheckpointIterator); ok {
			token := cp.Checkpoint()
			checkpoint = &token
		}
		if err := p.attempts.UpdateProgress(ctx, payload.AttemptID, docsIndexed, chunksIndexed, checkpoint); err != nil {
			slog.Warn("failed to update progress", "attempt_id", payload.AttemptID, "error", err)
		}
		if err := p.fences.Heartbeat(ctx, payload.PairID, payload.SettingsID); err != nil {
			slog.Warn("fence heartbeat failed", "attempt_id", payload.AttemptID, "error", err)
		}
		ok, err := p.kv.ReacquireLease(ctx, coordination.LeaseKey(payload.AttemptID), taskID, p.leaseTTL)
		if err != nil {
			return fmt.Errorf("reacquire lease: %w", err)
		}
		if !ok {
			return fmt.Errorf("lease lost for attempt %d, aborting", payload.AttemptID)
		}

		if done {
			break
		}
	}

	if err := p.attempts.MarkSucceeded(ctx, payload.AttemptID, docsIndexed, 0, chunksIndexed); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	slog.Info("indexing attempt succeeded",
		"attempt_id", payload.AttemptID,
		"docs_indexed", docsIndexed,
		"chunks_indexed", chunksIndexed,
	)
	return nil
}

// buildIterator picks the richest capability the connector offers.
func (p *Pipeline) buildIterator(ctx context.Context, conn connector.Connector, payload scheduler.DocFetchingPayload, hb connector.Heartbeat) (connector.BatchIterator, time.Time, error) {
	now := time.Now().UTC()

	var start time.Time
	if !payload.FromBeginning {
		last, err := p.attempts.LastSuccessfulPollEnd(ctx, payload.PairID, payload.SettingsID)
		if err != nil {
			return nil, time.Time{}, err
		}
		if last != nil {
			start = *last
		}
	}

	switch c := conn.(type) {
	case connector.CheckpointedConnector:
		checkpoint := ""
		if !payload.FromBeginning {
			attempt, err := p.attempts.GetByID(ctx, payload.AttemptID)
			if err == nil && attempt.Checkpoint != nil {
				checkpoint = *attempt.Checkpoint
			}
		}
		return c.PollFrom(ctx, start, now, checkpoint, hb), now, nil
	case connector.PollConnector:
		if start.IsZero() && !payload.FromBeginning {
			// First run behaves like a full load over the poll window.
			return c.Poll(ctx, time.Time{}, now, hb), now, nil
		}
		return c.Poll(ctx, start, now, hb), now, nil
	case connector.LoadConnector:
		return c.Load(ctx, hb), time.Time{}, nil
	default:
		return nil, time.Time{}, fmt.Errorf("connector for %s has no load capability", conn.Source())
	}
}

// indexDocument chunks, embeds, and upserts one document. Returns the
// chunk count.
func (p *Pipeline) indexDocument(ctx context.Context, chk *chunker.Chunker, doc model.Document) (int, error) {
	chunks := chk.Chunk(&doc)
	if len(chunks) == 0 {
		slog.Warn("document produced no chunks, skipping", "document_id", doc.ID)
		return 0, nil
	}

	access := model.PublicAccess()
	if doc.ExternalAccess != nil {
		access = *doc.ExternalAccess
	}
	decorated := chunker.Decorate(&doc, chunks, access, nil, 0)

	if err := p.embedder.EmbedChunks(ctx, decorated); err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	if err := p.idx.Upsert(ctx, decorated); err != nil {
		return 0, fmt.Errorf("index: %w", err)
	}
	return len(decorated), nil
}

func (p *Pipeline) failAttempt(ctx context.Context, payload scheduler.DocFetchingPayload, reason string) {
	if err := p.attempts.MarkFailed(ctx, payload.AttemptID, reason); err != nil {
		slog.Error("failed to mark attempt failed", "attempt_id", payload.AttemptID, "error", err)
	}
	_ = p.fences.Lower(ctx, payload.PairID, payload.SettingsID)
}

// leaseHeartbeat adapts coordination state to the connector heartbeat:
// stop when the lease is gone, refresh activity on progress.
type leaseHeartbeat struct {
	pipeline *Pipeline
	taskID   string
	payload  scheduler.DocFetchingPayload
}

func (h *leaseHeartbeat) ShouldStop() bool {
	ok, err := h.pipeline.kv.ReacquireLease(
		context.Background(),
		coordination.LeaseKey(h.payload.AttemptID),
		h.taskID,
		h.pipeline.leaseTTL,
	)
	return err == nil && !ok
}

func (h *leaseHeartbeat) Progress(tag string, amount int) {
	if err := h.pipeline.fences.Heartbeat(context.Background(), h.payload.PairID, h.payload.SettingsID); err != nil {
		slog.Debug("progress heartbeat failed", "tag", tag, "error", err)
	}
}

// DecodePayload parses a queue task body.
func DecodePayload(raw json.RawMessage) (scheduler.DocFetchingPayload, error) {
	var payload scheduler.DocFetchingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("indexing.DecodePayload: %w", err)
	}
	return payload, nil
}
