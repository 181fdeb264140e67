package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// AttemptStore is the slice of the attempt repository the validator needs.
type AttemptStore interface {
	GetByID(ctx context.Context, id int64) (*model.IndexAttempt, error)
	MarkFailed(ctx context.Context, attemptID int64, reason string) error
}

// TaskProber answers "is this task id still queued or being worked?".
type TaskProber interface {
	Exists(ctx context.Context, taskID string) (bool, error)
}

// Validator reclaims stale fences so a crashed worker cannot leave a
// (pair, settings) permanently locked.
type Validator struct {
	fences   *Fences
	attempts AttemptStore
	prober   TaskProber
	grace    time.Duration
}

// NewValidator creates a Validator with the configured grace period.
func NewValidator(fences *Fences, attempts AttemptStore, prober TaskProber, grace time.Duration) *Validator {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Validator{fences: fences, attempts: attempts, prober: prober, grace: grace}
}

// Run scans all fences once and reclaims the stale ones. Returns how many
// fences were reclaimed.
func (v *Validator) Run(ctx context.Context) (int, error) {
	fences, err := v.fences.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("coordination.Validator: %w", err)
	}

	reclaimed := 0
	for _, fence := range fences {
		stale, reason, err := v.isStale(ctx, fence)
		if err != nil {
			slog.Warn("fence validation errored, skipping",
				"pair_id", fence.PairID,
				"settings_id", fence.SettingsID,
				"error", err,
			)
			continue
		}
		if !stale {
			continue
		}

		slog.Warn("reclaiming stale fence",
			"pair_id", fence.PairID,
			"settings_id", fence.SettingsID,
			"attempt_id", fence.AttemptID,
			"reason", reason,
		)
		if fence.AttemptID != 0 {
			if err := v.attempts.MarkFailed(ctx, fence.AttemptID, "validator: "+reason); err != nil {
				slog.Error("failed to mark attempt failed", "attempt_id", fence.AttemptID, "error", err)
				continue
			}
		}
		if err := v.fences.Lower(ctx, fence.PairID, fence.SettingsID); err != nil {
			slog.Error("failed to lower fence", "pair_id", fence.PairID, "error", err)
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// isStale applies the reclaim rules: the attempt must still be live, and
// either the task must be visible in the queue or the fence must have
// heartbeated within the grace period.
func (v *Validator) isStale(ctx context.Context, fence Fence) (bool, string, error) {
	if fence.AttemptID != 0 {
		attempt, err := v.attempts.GetByID(ctx, fence.AttemptID)
		if err != nil {
			return false, "", err
		}
		if attempt.Status.IsTerminal() {
			// Fence outlived its attempt — always reclaimable.
			return true, "attempt already terminal", nil
		}
	}

	exists, err := v.prober.Exists(ctx, fence.TaskID)
	if err != nil {
		return false, "", err
	}
	if exists {
		return false, "", nil
	}

	lastActive, err := v.fences.LastActive(ctx, fence.PairID, fence.SettingsID)
	if err != nil {
		return false, "", err
	}
	if lastActive.IsZero() {
		return true, "task missing and no activity recorded", nil
	}
	if time.Since(lastActive) > v.grace {
		return true, fmt.Sprintf("task missing and inactive for %s", time.Since(lastActive).Round(time.Second)), nil
	}
	return false, "", nil
}
