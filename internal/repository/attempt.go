package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// AttemptRepo persists index attempts and enforces the one-non-terminal-
// attempt-per-(pair, settings) invariant at the SQL level.
type AttemptRepo struct {
	pool *pgxpool.Pool
}

func NewAttemptRepo(pool *pgxpool.Pool) *AttemptRepo {
	return &AttemptRepo{pool: pool}
}

const attemptColumns = `id, pair_id, search_settings_id, status, from_beginning,
	task_id, error_msg, checkpoint, docs_indexed, docs_removed, chunks_indexed,
	poll_range_end, time_created, time_started, time_updated`

// TryCreate atomically inserts a new attempt only when no non-terminal
// attempt exists for (pair, settings). Returns (0, nil) when one already
// exists — the caller treats that as "someone else got there first".
func (r *AttemptRepo) TryCreate(ctx context.Context, pairID, settingsID int64, taskID string, fromBeginning bool) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO index_attempts (pair_id, search_settings_id, status, from_beginning, task_id, time_created, time_updated)
		SELECT $1, $2, $3, $4, $5, now(), now()
		WHERE NOT EXISTS (
			SELECT 1 FROM index_attempts
			WHERE pair_id = $1 AND search_settings_id = $2
				AND status IN ($6, $7)
		)
		RETURNING id`,
		pairID, settingsID, string(model.AttemptNotStarted), fromBeginning, taskID,
		string(model.AttemptNotStarted), string(model.AttemptInProgress),
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("repository.TryCreate: %w", err)
	}
	return id, nil
}

// MarkStarted transitions NotStarted → InProgress.
func (r *AttemptRepo) MarkStarted(ctx context.Context, attemptID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE index_attempts
		SET status = $2, time_started = now(), time_updated = now()
		WHERE id = $1 AND status = $3`,
		attemptID, string(model.AttemptInProgress), string(model.AttemptNotStarted),
	)
	if err != nil {
		return fmt.Errorf("repository.MarkStarted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository.MarkStarted: attempt %d not in NotStarted", attemptID)
	}
	return nil
}

// MarkFailed terminates an attempt with a reason.
func (r *AttemptRepo) MarkFailed(ctx context.Context, attemptID int64, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE index_attempts
		SET status = $2, error_msg = $3, time_updated = now()
		WHERE id = $1 AND status IN ($4, $5)`,
		attemptID, string(model.AttemptFailed), reason,
		string(model.AttemptNotStarted), string(model.AttemptInProgress),
	)
	if err != nil {
		return fmt.Errorf("repository.MarkFailed: %w", err)
	}
	return nil
}

// MarkCanceled terminates an attempt as user-cancelled.
func (r *AttemptRepo) MarkCanceled(ctx context.Context, attemptID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE index_attempts
		SET status = $2, time_updated = now()
		WHERE id = $1 AND status IN ($3, $4)`,
		attemptID, string(model.AttemptCanceled),
		string(model.AttemptNotStarted), string(model.AttemptInProgress),
	)
	if err != nil {
		return fmt.Errorf("repository.MarkCanceled: %w", err)
	}
	return nil
}

// MarkSucceeded terminates an attempt with its final counters.
func (r *AttemptRepo) MarkSucceeded(ctx context.Context, attemptID int64, docsIndexed, docsRemoved, chunksIndexed int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE index_attempts
		SET status = $2, docs_indexed = $3, docs_removed = $4, chunks_indexed = $5, time_updated = now()
		WHERE id = $1`,
		attemptID, string(model.AttemptSuccess), docsIndexed, docsRemoved, chunksIndexed,
	)
	if err != nil {
		return fmt.Errorf("repository.MarkSucceeded: %w", err)
	}
	return nil
}

// UpdateProgress bumps counters and the checkpoint mid-attempt. Also
// refreshes time_updated, which the scheduler uses for refresh_freq.
func (r *AttemptRepo) UpdateProgress(ctx context.Context, attemptID int64, docsIndexed, chunksIndexed int, checkpoint *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE index_attempts
		SET docs_indexed = $2, chunks_indexed = $3, checkpoint = COALESCE($4, checkpoint), time_updated = now()
		WHERE id = $1`,
		attemptID, docsIndexed, chunksIndexed, checkpoint,
	)
	if err != nil {
		return fmt.Errorf("repository.UpdateProgress: %w", err)
	}
	return nil
}

// ActiveFor returns the in-flight attempts for a pair across all settings.
func (r *AttemptRepo) ActiveFor(ctx context.Context, pairID int64) ([]model.IndexAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM index_attempts
		WHERE pair_id = $1 AND status IN ($2, $3) ORDER BY id`,
		pairID, string(model.AttemptNotStarted), string(model.AttemptInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("repository.ActiveFor: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// Latest returns the most recent attempt for (pair, settings), or nil.
func (r *AttemptRepo) Latest(ctx context.Context, pairID, settingsID int64) (*model.IndexAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM index_attempts
		WHERE pair_id = $1 AND search_settings_id = $2
		ORDER BY id DESC LIMIT 1`,
		pairID, settingsID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.Latest: %w", err)
	}
	defer rows.Close()
	attempts, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return &attempts[0], nil
}

// GetByID fetches one attempt.
func (r *AttemptRepo) GetByID(ctx context.Context, id int64) (*model.IndexAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM index_attempts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("repository.AttemptGetByID: %w", err)
	}
	defer rows.Close()
	attempts, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, fmt.Errorf("repository.AttemptGetByID: attempt %d not found", id)
	}
	return &attempts[0], nil
}

// RecordFailure stores one document-level failure.
func (r *AttemptRepo) RecordFailure(ctx context.Context, f model.ConnectorFailure) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO connector_failures (attempt_id, document_id, link, message, exception, time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.AttemptID, f.DocumentID, f.Link, f.Message, f.Exception, f.Time,
	)
	if err != nil {
		return fmt.Errorf("repository.RecordFailure: %w", err)
	}
	return nil
}

// LastSuccessfulPollEnd returns the poll window end of the last successful
// attempt, for incremental connectors.
func (r *AttemptRepo) LastSuccessfulPollEnd(ctx context.Context, pairID, settingsID int64) (*time.Time, error) {
	var end *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT poll_range_end FROM index_attempts
		WHERE pair_id = $1 AND search_settings_id = $2 AND status = $3
		ORDER BY id DESC LIMIT 1`,
		pairID, settingsID, string(model.AttemptSuccess),
	).Scan(&end)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository.LastSuccessfulPollEnd: %w", err)
	}
	return end, nil
}

// SetPollRangeEnd records the window end before the attempt runs.
func (r *AttemptRepo) SetPollRangeEnd(ctx context.Context, attemptID int64, end time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE index_attempts SET poll_range_end = $2, time_updated = now() WHERE id = $1`,
		attemptID, end,
	)
	if err != nil {
		return fmt.Errorf("repository.SetPollRangeEnd: %w", err)
	}
	return nil
}

func scanAttempts(rows pgx.Rows) ([]model.IndexAttempt, error) {
	var out []model.IndexAttempt
	for rows.Next() {
		var (
			a      model.IndexAttempt
			status string
		)
		if err := rows.Scan(&a.ID, &a.PairID, &a.SearchSettingsID, &status, &a.FromBeginning,
			&a.TaskID, &a.ErrorMsg, &a.Checkpoint, &a.DocsIndexed, &a.DocsRemoved,
			&a.ChunksIndexed, &a.PollRangeEnd, &a.TimeCreated, &a.TimeStarted,
			&a.TimeUpdated); err != nil {
			return nil, fmt.Errorf("repository.scanAttempts: %w", err)
		}
		a.Status = model.IndexAttemptStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}
