package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate applies the process-wide LLM concurrency limit and the shared
// rate-limit retry policy to a Provider. All call sites go through a Gate;
// nothing talks to a Provider directly.
type Gate struct {
	provider Provider
	sem      *semaphore.Weighted

	base   time.Duration
	factor float64
	cap    time.Duration
	max    int
}

// NewGate wraps provider with a concurrency limit (default 8 when n <= 0).
func NewGate(provider Provider, n int) *Gate {
	if n <= 0 {
		n = 8
	}
	return &Gate{
		provider: provider,
		sem:      semaphore.NewWeighted(int64(n)),
		base:     time.Second,
		factor:   2,
		cap:      60 * time.Second,
		max:      5,
	}
}

func (g *Gate) DefaultModel() string { return g.provider.DefaultModel() }

// Complete acquires a slot, then opens the stream with retry on
// rate-limit errors (base 1s, factor 2, cap 60s, jitter). The slot is held
// until the returned stream is closed, since the provider's server-side
// concurrency covers the whole stream, not just the handshake.
func (g *Gate) Complete(ctx context.Context, req CompletionRequest) (Stream, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("llm.Gate: acquire: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < g.max; attempt++ {
		stream, err := g.provider.Complete(ctx, req)
		if err == nil {
			return &releasingStream{Stream: stream, release: g.releaseOnce()}, nil
		}
		lastErr = err
		if !IsRateLimited(err) || ctx.Err() != nil {
			break
		}
		delay := g.delay(attempt)
		slog.Warn("llm rate limited, retrying",
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			g.sem.Release(1)
			return nil, fmt.Errorf("llm.Gate: context cancelled during retry: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	g.sem.Release(1)
	return nil, fmt.Errorf("llm.Gate: %w", lastErr)
}

// CompleteText is the non-streaming convenience used by secondary flows
// (rephrase, relevance, summarization).
func (g *Gate) CompleteText(ctx context.Context, req CompletionRequest) (string, error) {
	stream, err := g.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return CollectText(stream)
}

func (g *Gate) delay(attempt int) time.Duration {
	d := g.base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * g.factor)
	}
	if d > g.cap {
		d = g.cap
	}
	return d + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
}

func (g *Gate) releaseOnce() func() {
	released := false
	return func() {
		if !released {
			released = true
			g.sem.Release(1)
		}
	}
}

// IsRateLimited classifies provider errors that warrant backoff.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "overloaded")
}

type releasingStream struct {
	Stream
	release func()
}

func (s *releasingStream) Close() error {
	defer s.release()
	return s.Stream.Close()
}
