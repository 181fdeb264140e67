package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Backoff describes an exponential retry schedule.
type Backoff struct {
	Start  time.Duration
	Factor float64
	Cap    time.Duration
	Max    int
	Jitter bool
}

// DefaultBackoff is the schedule every outbound call uses unless a caller
// overrides it: 2s, 4s, 8s, 16s, 32s (capped at 60s), 5 attempts.
func DefaultBackoff() Backoff {
	return Backoff{Start: 2 * time.Second, Factor: 2, Cap: 60 * time.Second, Max: 5}
}

// Delay returns the sleep before retry attempt i (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Start
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.Jitter {
		d += time.Duration(rand.Int63n(int64(d) / 4))
	}
	return d
}

// RetryAfterDelay extracts a Retry-After duration from resp, clamping to
// cap. Returns 0 when the header is absent or unparseable.
func RetryAfterDelay(resp *http.Response, cap time.Duration) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		if t, perr := http.ParseTime(raw); perr == nil {
			d := time.Until(t)
			if d < 0 {
				return 0
			}
			secs = int(d.Seconds())
		} else {
			return 0
		}
	}
	d := time.Duration(secs) * time.Second
	if d > cap {
		slog.Warn("Retry-After exceeds backoff cap, clamping",
			"retry_after_s", secs,
			"cap_s", int(cap.Seconds()),
		)
		return cap
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("httpx: context cancelled during backoff: %w", ctx.Err())
	case <-time.After(d):
		return nil
	}
}
