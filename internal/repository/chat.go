package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// ChatRepo persists sessions, messages, and summary records.
type ChatRepo struct {
	pool *pgxpool.Pool
}

func NewChatRepo(pool *pgxpool.Pool) *ChatRepo {
	return &ChatRepo{pool: pool}
}

// CreateSession starts a new session.
func (r *ChatRepo) CreateSession(ctx context.Context, userID, title string) (*model.ChatSession, error) {
	id := uuid.New().String()
	var s model.ChatSession
	err := r.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id, user_id, title, created_at, updated_at`,
		id, userID, title,
	).Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.CreateSession: %w", err)
	}
	return &s, nil
}

// AddMessage appends a message and returns the session's total count.
func (r *ChatRepo) AddMessage(ctx context.Context, m model.ChatMessage) (int, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	var total int
	err := r.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO chat_messages (id, session_id, role, content, token_count, cited_doc_ids, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		)
		SELECT count(*) + 1 FROM chat_messages WHERE session_id = $2`,
		m.ID, m.SessionID, string(m.Role), m.Content, m.TokenCount, m.CitedDocIDs,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("repository.AddMessage: %w", err)
	}
	return total, nil
}

// Messages returns the session's messages in order.
func (r *ChatRepo) Messages(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, role, content, token_count, cited_doc_ids, created_at
		FROM chat_messages WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.Messages: %w", err)
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var (
			m    model.ChatMessage
			role string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokenCount,
			&m.CitedDocIDs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.Messages: scan: %w", err)
		}
		m.Role = model.MessageRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastMessages returns up to n most recent messages, oldest first.
func (r *ChatRepo) LastMessages(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	all, err := r.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// LatestSummary returns the record with the greatest summary_version.
func (r *ChatRepo) LatestSummary(ctx context.Context, sessionID string) (*model.ChatSummary, error) {
	var s model.ChatSummary
	err := r.pool.QueryRow(ctx, `
		SELECT session_id, summary, message_count_at_creation, summary_version, created_at
		FROM chat_summaries
		WHERE session_id = $1
		ORDER BY summary_version DESC LIMIT 1`,
		sessionID,
	).Scan(&s.SessionID, &s.Summary, &s.MessageCountAtCreation, &s.SummaryVersion, &s.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository.LatestSummary: %w", err)
	}
	return &s, nil
}

// SaveSummary appends a new summary version.
func (r *ChatRepo) SaveSummary(ctx context.Context, s model.ChatSummary) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_summaries (session_id, summary, message_count_at_creation, summary_version, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		s.SessionID, s.Summary, s.MessageCountAtCreation, s.SummaryVersion,
	)
	if err != nil {
		return fmt.Errorf("repository.SaveSummary: %w", err)
	}
	return nil
}
