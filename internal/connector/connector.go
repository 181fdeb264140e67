// Package connector defines the uniform runtime over heterogeneous source
// adapters. Connectors yield batches lazily through explicit iterators so
// a crashed attempt can resume from a checkpoint instead of from implicit
// generator state.
package connector

import (
	"context"
	"errors"
	"time"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// ErrCancelled is returned by iterators when the heartbeat signals stop.
var ErrCancelled = errors.New("connector: cancelled by heartbeat")

// Heartbeat is the cooperative-cancellation and progress callback every
// connector receives. Connectors must consult it at least once per batch.
type Heartbeat interface {
	ShouldStop() bool
	Progress(tag string, amount int)
}

// NoopHeartbeat never stops; used by tests and one-shot CLI runs.
type NoopHeartbeat struct{}

func (NoopHeartbeat) ShouldStop() bool           { return false }
func (NoopHeartbeat) Progress(tag string, n int) {}

// BatchIterator is the lazy document sequence. NextBatch returns
// (nil, true, nil) at end of sequence. Implementations must return
// ErrCancelled once the heartbeat stops.
type BatchIterator interface {
	NextBatch(ctx context.Context) (batch []model.Document, done bool, err error)
}

// CheckpointIterator also exposes a resume token after each batch.
type CheckpointIterator interface {
	BatchIterator
	// Checkpoint returns an opaque token that resumes the sequence after
	// the most recently returned batch.
	Checkpoint() string
}

// SlimIterator yields identity + permission metadata only.
type SlimIterator interface {
	NextBatch(ctx context.Context) (batch []model.SlimDocument, done bool, err error)
}

// Connector is the common surface. Capability interfaces below are
// checked with type assertions at dispatch time.
type Connector interface {
	Source() model.DocumentSource
}

// LoadConnector is a restartable finite sequence from a fixed start state.
type LoadConnector interface {
	Connector
	Load(ctx context.Context, hb Heartbeat) BatchIterator
}

// PollConnector yields documents whose updated-time falls in [start, end).
type PollConnector interface {
	Connector
	Poll(ctx context.Context, start, end time.Time, hb Heartbeat) BatchIterator
}

// CheckpointedConnector resumes from an opaque checkpoint token.
type CheckpointedConnector interface {
	Connector
	PollFrom(ctx context.Context, start, end time.Time, checkpoint string, hb Heartbeat) CheckpointIterator
}

// SlimConnector yields ids + ACL metadata for permission sync.
type SlimConnector interface {
	Connector
	Slim(ctx context.Context, start, end time.Time, hb Heartbeat) SlimIterator
}

// CheckStop returns ErrCancelled when the heartbeat asks to stop.
func CheckStop(hb Heartbeat) error {
	if hb != nil && hb.ShouldStop() {
		return ErrCancelled
	}
	return nil
}

// batchFunc adapts a closure to BatchIterator.
type batchFunc func(ctx context.Context) ([]model.Document, bool, error)

func (f batchFunc) NextBatch(ctx context.Context) ([]model.Document, bool, error) {
	return f(ctx)
}

// IteratorFunc wraps fn as a BatchIterator.
func IteratorFunc(fn func(ctx context.Context) ([]model.Document, bool, error)) BatchIterator {
	return batchFunc(fn)
}
