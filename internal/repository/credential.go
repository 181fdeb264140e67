package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// CredentialRepo persists credentials and implements httpx.TokenSource so
// the client pool can refresh OAuth tokens in-band.
type CredentialRepo struct {
	pool       *pgxpool.Pool
	httpClient *http.Client
	tokenURL   string
}

// NewCredentialRepo creates the repo. tokenURL is the OAuth token endpoint
// used for refresh-token grants; empty disables refresh.
func NewCredentialRepo(pool *pgxpool.Pool, tokenURL string) *CredentialRepo {
	return &CredentialRepo{
		pool:       pool,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenURL:   tokenURL,
	}
}

// GetByID loads a credential.
func (r *CredentialRepo) GetByID(ctx context.Context, id int64) (*model.Credential, error) {
	var (
		c      model.Credential
		source string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, source, secret, access_token, refresh_token, token_expiry, needs_attention, created_at
		FROM credentials WHERE id = $1`, id,
	).Scan(&c.ID, &source, &c.Secret, &c.AccessToken, &c.RefreshToken, &c.TokenExpiry,
		&c.NeedsAttention, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.CredentialGetByID: %w", err)
	}
	c.Source = model.DocumentSource(source)
	return &c, nil
}

// Token returns the stored access token, refreshing proactively when the
// stored expiry has passed.
func (r *CredentialRepo) Token(ctx context.Context, credentialID int64) (string, error) {
	c, err := r.GetByID(ctx, credentialID)
	if err != nil {
		return "", err
	}
	if c.AccessToken == nil {
		return "", nil
	}
	if c.TokenExpiry != nil && time.Now().After(*c.TokenExpiry) && c.RefreshToken != nil {
		return r.Refresh(ctx, credentialID)
	}
	return *c.AccessToken, nil
}

// Refresh performs the refresh-token grant and persists the new token.
// The httpx pool single-flights concurrent calls per credential id.
func (r *CredentialRepo) Refresh(ctx context.Context, credentialID int64) (string, error) {
	c, err := r.GetByID(ctx, credentialID)
	if err != nil {
		return "", err
	}
	if c.RefreshToken == nil || r.tokenURL == "" {
		return "", fmt.Errorf("repository.Refresh: credential %d has no refresh token", credentialID)
	}

	var secret struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.Unmarshal(c.Secret, &secret); err != nil {
		return "", fmt.Errorf("repository.Refresh: secret: %w", err)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {*c.RefreshToken},
		"client_id":     {secret.ClientID},
		"client_secret": {secret.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("repository.Refresh: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("repository.Refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.markNeedsAttention(ctx, credentialID)
		return "", fmt.Errorf("repository.Refresh: token endpoint returned %d", resp.StatusCode)
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("repository.Refresh: decode: %w", err)
	}

	expiry := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	newRefresh := c.RefreshToken
	if token.RefreshToken != "" {
		newRefresh = &token.RefreshToken
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE credentials
		SET access_token = $2, refresh_token = $3, token_expiry = $4, needs_attention = false
		WHERE id = $1`,
		credentialID, token.AccessToken, newRefresh, expiry,
	)
	if err != nil {
		return "", fmt.Errorf("repository.Refresh: persist: %w", err)
	}
	return token.AccessToken, nil
}

func (r *CredentialRepo) markNeedsAttention(ctx context.Context, id int64) {
	if _, err := r.pool.Exec(ctx,
		`UPDATE credentials SET needs_attention = true WHERE id = $1`, id); err != nil {
		slog.Warn("failed to flag credential", "credential_id", id, "error", err)
	}
}
