package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	fencePrefix    = "fence:index:"
	activityPrefix = "activity:index:"
	leasePrefix    = "lease:index:"

	// fenceTTL bounds how long a fence can outlive everything else; the
	// validator normally reclaims far sooner.
	fenceTTL = 24 * time.Hour
)

// Fence marks "pair X is actively indexing under settings Y". A fence may
// exist only while a NotStarted/InProgress attempt exists; the validator
// reclaims violations.
type Fence struct {
	PairID     int64  `json:"pairId"`
	SettingsID int64  `json:"settingsId"`
	AttemptID  int64  `json:"attemptId"`
	TaskID     string `json:"taskId"`
}

func fenceKey(pairID, settingsID int64) string {
	return fmt.Sprintf("%s%d:%d", fencePrefix, pairID, settingsID)
}

func activityKey(pairID, settingsID int64) string {
	return fmt.Sprintf("%s%d:%d", activityPrefix, pairID, settingsID)
}

// LeaseKey is the per-attempt worker lease.
func LeaseKey(attemptID int64) string {
	return fmt.Sprintf("%s%d", leasePrefix, attemptID)
}

// Fences provides fence lifecycle over the KV.
type Fences struct {
	kv KV
}

func NewFences(kv KV) *Fences {
	return &Fences{kv: kv}
}

// Raise writes the fence and stamps activity. Called right after the
// attempt row is created.
func (f *Fences) Raise(ctx context.Context, fence Fence) error {
	raw, err := json.Marshal(fence)
	if err != nil {
		return fmt.Errorf("coordination.Raise: marshal: %w", err)
	}
	if err := f.kv.Set(ctx, fenceKey(fence.PairID, fence.SettingsID), string(raw), fenceTTL); err != nil {
		return fmt.Errorf("coordination.Raise: %w", err)
	}
	return f.Heartbeat(ctx, fence.PairID, fence.SettingsID)
}

// Lower removes the fence at attempt completion.
func (f *Fences) Lower(ctx context.Context, pairID, settingsID int64) error {
	if err := f.kv.Delete(ctx, fenceKey(pairID, settingsID)); err != nil {
		return fmt.Errorf("coordination.Lower: %w", err)
	}
	return f.kv.Delete(ctx, activityKey(pairID, settingsID))
}

// Get returns the fence for (pair, settings), or nil.
func (f *Fences) Get(ctx context.Context, pairID, settingsID int64) (*Fence, error) {
	raw, err := f.kv.Get(ctx, fenceKey(pairID, settingsID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var fence Fence
	if err := json.Unmarshal([]byte(raw), &fence); err != nil {
		return nil, fmt.Errorf("coordination.Get: unmarshal: %w", err)
	}
	return &fence, nil
}

// Exists reports whether a fence is up for (pair, settings).
func (f *Fences) Exists(ctx context.Context, pairID, settingsID int64) (bool, error) {
	return f.kv.Exists(ctx, fenceKey(pairID, settingsID))
}

// Heartbeat stamps last-active for the fence. Workers call this per batch.
func (f *Fences) Heartbeat(ctx context.Context, pairID, settingsID int64) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return f.kv.Set(ctx, activityKey(pairID, settingsID), now, fenceTTL)
}

// LastActive returns the most recent heartbeat, or zero time when absent.
func (f *Fences) LastActive(ctx context.Context, pairID, settingsID int64) (time.Time, error) {
	raw, err := f.kv.Get(ctx, activityKey(pairID, settingsID))
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(secs, 0), nil
}

// All scans every live fence.
func (f *Fences) All(ctx context.Context) ([]Fence, error) {
	keys, err := f.kv.Scan(ctx, fencePrefix)
	if err != nil {
		return nil, err
	}
	var out []Fence
	for _, key := range keys {
		raw, err := f.kv.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var fence Fence
		if err := json.Unmarshal([]byte(raw), &fence); err != nil {
			// Unparseable fences are garbage; drop them.
			_ = f.kv.Delete(ctx, key)
			continue
		}
		out = append(out, fence)
	}
	return out, nil
}

// ParseFenceKey recovers (pair, settings) from a fence key.
func ParseFenceKey(key string) (pairID, settingsID int64, ok bool) {
	rest, found := strings.CutPrefix(key, fencePrefix)
	if !found {
		return 0, 0, false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	p, err1 := strconv.ParseInt(parts[0], 10, 64)
	s, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return p, s, true
}
