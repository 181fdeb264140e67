package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tesserahq/tessera-backend/internal/coordination"
	"github.com/tesserahq/tessera-backend/internal/model"
	"github.com/tesserahq/tessera-backend/internal/queue"
)

// PairLister supplies the pairs to consider each tick.
type PairLister interface {
	ListActive(ctx context.Context) ([]model.ConnectorCredentialPair, error)
	ClearIndexingTrigger(ctx context.Context, id int64) error
}

// SettingsLister supplies the Present (+ Future) search settings.
type SettingsLister interface {
	Active(ctx context.Context) ([]model.SearchSettings, error)
}

// AttemptStore is the attempt-coordination slice the scheduler uses.
type AttemptStore interface {
	Latest(ctx context.Context, pairID, settingsID int64) (*model.IndexAttempt, error)
	TryCreate(ctx context.Context, pairID, settingsID int64, taskID string, fromBeginning bool) (int64, error)
	MarkFailed(ctx context.Context, attemptID int64, reason string) error
}

// TaskSender dispatches work to the distributed queue.
type TaskSender interface {
	Send(ctx context.Context, queueName string, task queue.Task) error
}

// DocFetchingPayload is the task body workers consume.
type DocFetchingPayload struct {
	AttemptID     int64 `json:"attemptId"`
	PairID        int64 `json:"pairId"`
	SettingsID    int64 `json:"settingsId"`
	FromBeginning bool  `json:"fromBeginning"`
}

// Metrics are the scheduler's prometheus counters.
type Metrics struct {
	AttemptsCreated  prometheus.Counter
	DispatchFailures prometheus.Counter
	Skips            prometheus.Counter
}

// NewMetrics registers scheduler counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexing_attempts_created_total",
			Help: "Index attempts created by the scheduler.",
		}),
		DispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexing_dispatch_failures_total",
			Help: "Dispatch failures after attempt creation.",
		}),
		Skips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexing_schedule_skips_total",
			Help: "Per-(pair, settings) skip decisions.",
		}),
	}
	reg.MustRegister(m.AttemptsCreated, m.DispatchFailures, m.Skips)
	return m
}

// Scheduler runs the per-tick decision loop.
type Scheduler struct {
	pairs    PairLister
	settings SettingsLister
	attempts AttemptStore
	fences   *coordination.Fences
	kv       coordination.KV
	sender   TaskSender
	metrics  *Metrics

	userFileQueue   string
	docFetchQueue   string
	dispatchLockTTL time.Duration
}

// New creates a Scheduler.
func New(
	pairs PairLister,
	settings SettingsLister,
	attempts AttemptStore,
	fences *coordination.Fences,
	kv coordination.KV,
	sender TaskSender,
	metrics *Metrics,
	userFileQueue, docFetchQueue string,
) *Scheduler {
	return &Scheduler{
		pairs:           pairs,
		settings:        settings,
		attempts:        attempts,
		fences:          fences,
		kv:              kv,
		sender:          sender,
		metrics:         metrics,
		userFileQueue:   userFileQueue,
		docFetchQueue:   docFetchQueue,
		dispatchLockTTL: 30 * time.Second,
	}
}

// Tick evaluates every (pair, settings) once and dispatches the due ones.
// Returns how many attempts were dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	pairs, err := s.pairs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler.Tick: list pairs: %w", err)
	}
	settings, err := s.settings.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler.Tick: list settings: %w", err)
	}

	dispatched := 0
	now := time.Now().UTC()
	for _, pair := range pairs {
		for _, st := range settings {
			last, err := s.attempts.Latest(ctx, pair.ID, st.ID)
			if err != nil {
				slog.Error("scheduler: latest attempt lookup failed",
					"pair_id", pair.ID, "settings_id", st.ID, "error", err)
				continue
			}

			decision := Decide(pair, st, last, now)
			if !decision.Index {
				if s.metrics != nil {
					s.metrics.Skips.Inc()
				}
				continue
			}

			if err := s.dispatch(ctx, pair, st, decision); err != nil {
				slog.Error("scheduler: dispatch failed",
					"pair_id", pair.ID, "settings_id", st.ID, "error", err)
				continue
			}
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatch creates the attempt and sends the task. The short-lived lock
// keeps concurrent beats (multiple beat hosts) from racing on the same
// (pair, settings); TryCreate remains the true gate.
func (s *Scheduler) dispatch(ctx context.Context, pair model.ConnectorCredentialPair, st model.SearchSettings, decision Decision) error {
	lockKey := fmt.Sprintf("lock:try_create_indexing_task:%d:%d", pair.ID, st.ID)
	owner := uuid.New().String()
	acquired, err := s.kv.AcquireLease(ctx, lockKey, owner, s.dispatchLockTTL)
	if err != nil {
		return fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() { _ = s.kv.ReleaseLease(ctx, lockKey, owner) }()

	taskID := fmt.Sprintf("docfetching_%d_%d_%s", pair.ID, st.ID, uuid.New().String())

	attemptID, err := s.attempts.TryCreate(ctx, pair.ID, st.ID, taskID, decision.FromBeginning)
	if err != nil {
		return fmt.Errorf("try create attempt: %w", err)
	}
	if attemptID == 0 {
		// Someone else holds the slot; the invariant did its job.
		return nil
	}
	if s.metrics != nil {
		s.metrics.AttemptsCreated.Inc()
	}

	if decision.ClearTrigger {
		if err := s.pairs.ClearIndexingTrigger(ctx, pair.ID); err != nil {
			slog.Warn("scheduler: failed to clear trigger", "pair_id", pair.ID, "error", err)
		}
	}

	// Any failure past this point must not leave the attempt dangling.
	if err := s.raiseAndSend(ctx, pair, st, attemptID, taskID, decision.FromBeginning); err != nil {
		if s.metrics != nil {
			s.metrics.DispatchFailures.Inc()
		}
		if markErr := s.attempts.MarkFailed(ctx, attemptID, "dispatch: "+err.Error()); markErr != nil {
			slog.Error("scheduler: failed to fail attempt after dispatch error",
				"attempt_id", attemptID, "error", markErr)
		}
		_ = s.fences.Lower(ctx, pair.ID, st.ID)
		return err
	}

	slog.Info("scheduler dispatched indexing task",
		"pair_id", pair.ID,
		"settings_id", st.ID,
		"attempt_id", attemptID,
		"task_id", taskID,
		"reason", decision.Reason,
	)
	return nil
}

func (s *Scheduler) raiseAndSend(ctx context.Context, pair model.ConnectorCredentialPair, st model.SearchSettings, attemptID int64, taskID string, fromBeginning bool) error {
	if err := s.fences.Raise(ctx, coordination.Fence{
		PairID:     pair.ID,
		SettingsID: st.ID,
		AttemptID:  attemptID,
		TaskID:     taskID,
	}); err != nil {
		return fmt.Errorf("raise fence: %w", err)
	}

	payload, err := json.Marshal(DocFetchingPayload{
		AttemptID:     attemptID,
		PairID:        pair.ID,
		SettingsID:    st.ID,
		FromBeginning: fromBeginning,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	queueName := s.docFetchQueue
	if pair.IsUserFile {
		queueName = s.userFileQueue
	}
	task := queue.Task{
		ID:       taskID,
		Kind:     queue.KindDocFetching,
		Priority: queue.PriorityMedium,
		Payload:  payload,
	}
	if err := s.sender.Send(ctx, queueName, task); err != nil {
		return fmt.Errorf("send task: %w", err)
	}
	return nil
}
