package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// AccessRepo stores DocExternalAccess snapshots, last-writer-wins per doc.
type AccessRepo struct {
	pool *pgxpool.Pool
}

func NewAccessRepo(pool *pgxpool.Pool) *AccessRepo {
	return &AccessRepo{pool: pool}
}

// Upsert overwrites the snapshot for a document.
func (r *AccessRepo) Upsert(ctx context.Context, rec model.DocExternalAccess) error {
	access := rec.Access.Normalize()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO doc_external_access (doc_id, user_emails, group_ids, is_public, synced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (doc_id) DO UPDATE SET
			user_emails = EXCLUDED.user_emails,
			group_ids = EXCLUDED.group_ids,
			is_public = EXCLUDED.is_public,
			synced_at = EXCLUDED.synced_at`,
		rec.DocID, access.ExternalUserEmails, access.ExternalGroupIDs, access.IsPublic,
		rec.SyncedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository.AccessUpsert: %w", err)
	}
	return nil
}

// Get returns the snapshot for a document, or nil.
func (r *AccessRepo) Get(ctx context.Context, docID string) (*model.DocExternalAccess, error) {
	var (
		rec    model.DocExternalAccess
		emails []string
		groups []string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT doc_id, user_emails, group_ids, is_public, synced_at
		FROM doc_external_access WHERE doc_id = $1`, docID,
	).Scan(&rec.DocID, &emails, &groups, &rec.Access.IsPublic, &rec.SyncedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository.AccessGet: %w", err)
	}
	rec.Access.ExternalUserEmails = emails
	rec.Access.ExternalGroupIDs = groups
	return &rec, nil
}

// UpsertGroup overwrites an external group's membership.
func (r *AccessRepo) UpsertGroup(ctx context.Context, group model.ExternalUserGroup) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO external_user_groups (group_id, member_emails, synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id) DO UPDATE SET
			member_emails = EXCLUDED.member_emails,
			synced_at = EXCLUDED.synced_at`,
		group.ID, group.Emails, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository.UpsertGroup: %w", err)
	}
	return nil
}

// GroupsForUser returns the external group ids containing the email, used
// to build the retrieval ACL filter.
func (r *AccessRepo) GroupsForUser(ctx context.Context, email string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT group_id FROM external_user_groups WHERE $1 = ANY(member_emails)`, email)
	if err != nil {
		return nil, fmt.Errorf("repository.GroupsForUser: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("repository.GroupsForUser: scan: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
