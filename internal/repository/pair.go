package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// PairRepo persists connector-credential pairs.
type PairRepo struct {
	pool *pgxpool.Pool
}

func NewPairRepo(pool *pgxpool.Pool) *PairRepo {
	return &PairRepo{pool: pool}
}

const pairColumns = `id, name, source, connector_config, credential_id, status,
	refresh_freq, indexing_trigger, last_time_perm_sync, last_time_group_sync,
	is_user_file, consecutive_failures, in_repeated_error_state, created_at, updated_at`

// ListActive returns every pair not in Deleting, for the scheduler beat.
func (r *PairRepo) ListActive(ctx context.Context) ([]model.ConnectorCredentialPair, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pairColumns+` FROM connector_credential_pairs WHERE status <> $1 ORDER BY id`,
		string(model.PairDeleting),
	)
	if err != nil {
		return nil, fmt.Errorf("repository.ListActive: %w", err)
	}
	defer rows.Close()
	return scanPairs(rows)
}

// GetByID returns one pair.
func (r *PairRepo) GetByID(ctx context.Context, id int64) (*model.ConnectorCredentialPair, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pairColumns+` FROM connector_credential_pairs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("repository.GetByID: %w", err)
	}
	defer rows.Close()
	pairs, err := scanPairs(rows)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("repository.GetByID: pair %d not found", id)
	}
	return &pairs[0], nil
}

// ClearIndexingTrigger resets the manual trigger after dispatch.
func (r *PairRepo) ClearIndexingTrigger(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE connector_credential_pairs SET indexing_trigger = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository.ClearIndexingTrigger: %w", err)
	}
	return nil
}

// SetPermSyncTime stamps the last successful permission sync.
func (r *PairRepo) SetPermSyncTime(ctx context.Context, id int64, t time.Time, group bool) error {
	col := "last_time_perm_sync"
	if group {
		col = "last_time_group_sync"
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE connector_credential_pairs SET `+col+` = $2, updated_at = now() WHERE id = $1`, id, t)
	if err != nil {
		return fmt.Errorf("repository.SetPermSyncTime: %w", err)
	}
	return nil
}

// RecordAttemptOutcome bumps or clears the consecutive-failure counter and
// flips the repeated-error state when the threshold is crossed.
func (r *PairRepo) RecordAttemptOutcome(ctx context.Context, id int64, failed bool, threshold int) error {
	if !failed {
		_, err := r.pool.Exec(ctx, `
			UPDATE connector_credential_pairs
			SET consecutive_failures = 0, in_repeated_error_state = false, updated_at = now()
			WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("repository.RecordAttemptOutcome: %w", err)
		}
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE connector_credential_pairs
		SET consecutive_failures = consecutive_failures + 1,
			in_repeated_error_state = (consecutive_failures + 1 >= $2),
			updated_at = now()
		WHERE id = $1`, id, threshold)
	if err != nil {
		return fmt.Errorf("repository.RecordAttemptOutcome: %w", err)
	}
	return nil
}

func scanPairs(rows pgx.Rows) ([]model.ConnectorCredentialPair, error) {
	var out []model.ConnectorCredentialPair
	for rows.Next() {
		var (
			p       model.ConnectorCredentialPair
			source  string
			status  string
			trigger *string
		)
		if err := rows.Scan(&p.ID, &p.Name, &source, &p.ConnectorConfig, &p.CredentialID,
			&status, &p.RefreshFreq, &trigger, &p.LastTimePermSync, &p.LastTimeGroupSync,
			&p.IsUserFile, &p.ConsecutiveFailures, &p.InRepeatedErrorState,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository.scanPairs: %w", err)
		}
		p.Source = model.DocumentSource(source)
		p.Status = model.PairStatus(status)
		if trigger != nil {
			tr := model.IndexingTrigger(*trigger)
			p.IndexingTrigger = &tr
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
