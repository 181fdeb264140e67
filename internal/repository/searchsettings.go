package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// SearchSettingsRepo persists embedding-model configuration versions.
type SearchSettingsRepo struct {
	pool *pgxpool.Pool
}

func NewSearchSettingsRepo(pool *pgxpool.Pool) *SearchSettingsRepo {
	return &SearchSettingsRepo{pool: pool}
}

const settingsColumns = `id, status, embedding_model, tokenizer_name, embedding_dim,
	max_chunk_tokens, index_name, created_at`

// Present returns the single Present settings row.
func (r *SearchSettingsRepo) Present(ctx context.Context) (*model.SearchSettings, error) {
	s, err := r.one(ctx, model.SettingsPresent)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("repository.Present: no present search settings")
	}
	return s, nil
}

// Future returns the Future settings row, or nil outside a model swap.
func (r *SearchSettingsRepo) Future(ctx context.Context) (*model.SearchSettings, error) {
	return r.one(ctx, model.SettingsFuture)
}

// Active returns Present plus Future when one exists — the set the
// scheduler iterates.
func (r *SearchSettingsRepo) Active(ctx context.Context) ([]model.SearchSettings, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+settingsColumns+` FROM search_settings WHERE status IN ($1, $2) ORDER BY id`,
		string(model.SettingsPresent), string(model.SettingsFuture),
	)
	if err != nil {
		return nil, fmt.Errorf("repository.Active: %w", err)
	}
	defer rows.Close()
	return scanSettings(rows)
}

// GetByID loads one settings row.
func (r *SearchSettingsRepo) GetByID(ctx context.Context, id int64) (*model.SearchSettings, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+settingsColumns+` FROM search_settings WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("repository.SettingsGetByID: %w", err)
	}
	defer rows.Close()
	all, err := scanSettings(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("repository.SettingsGetByID: settings %d not found", id)
	}
	return &all[0], nil
}

func (r *SearchSettingsRepo) one(ctx context.Context, status model.SearchSettingsStatus) (*model.SearchSettings, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+settingsColumns+` FROM search_settings WHERE status = $1 LIMIT 1`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("repository.SearchSettings: %w", err)
	}
	defer rows.Close()
	all, err := scanSettings(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

func scanSettings(rows pgx.Rows) ([]model.SearchSettings, error) {
	var out []model.SearchSettings
	for rows.Next() {
		var (
			s      model.SearchSettings
			status string
		)
		if err := rows.Scan(&s.ID, &status, &s.EmbeddingModel, &s.TokenizerName,
			&s.EmbeddingDim, &s.MaxChunkTokens, &s.IndexName, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.scanSettings: %w", err)
		}
		s.Status = model.SearchSettingsStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
