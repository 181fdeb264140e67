// Package factory instantiates the right connector for a pair from its
// source kind, config blob, and credential.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tesserahq/tessera-backend/internal/config"
	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/connector/confluence"
	"github.com/tesserahq/tessera-backend/internal/connector/file"
	"github.com/tesserahq/tessera-backend/internal/connector/freshdesk"
	"github.com/tesserahq/tessera-backend/internal/connector/googledrive"
	"github.com/tesserahq/tessera-backend/internal/connector/salesforce"
	"github.com/tesserahq/tessera-backend/internal/connector/web"
	"github.com/tesserahq/tessera-backend/internal/extract"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/imageproc"
	"github.com/tesserahq/tessera-backend/internal/model"
)

// CredentialLoader fetches credential secrets.
type CredentialLoader interface {
	GetByID(ctx context.Context, id int64) (*model.Credential, error)
}

// Factory builds connectors with the shared infrastructure injected.
type Factory struct {
	cfg         *config.Config
	pool        *httpx.Pool
	extractor   *extract.Extractor
	images      *imageproc.Client
	credentials CredentialLoader
	blobs       file.BlobStore
}

func New(cfg *config.Config, pool *httpx.Pool, extractor *extract.Extractor, images *imageproc.Client, credentials CredentialLoader, blobs file.BlobStore) *Factory {
	return &Factory{
		cfg:         cfg,
		pool:        pool,
		extractor:   extractor,
		images:      images,
		credentials: credentials,
		blobs:       blobs,
	}
}

// ForPair builds the connector for one pair.
func (f *Factory) ForPair(ctx context.Context, pair model.ConnectorCredentialPair) (connector.Connector, error) {
	switch pair.Source {
	case model.SourceWeb:
		var cfg web.Config
		if err := json.Unmarshal(pair.ConnectorConfig, &cfg); err != nil {
			return nil, fmt.Errorf("factory: web config: %w", err)
		}
		var images web.ImageProcessor
		if f.cfg.ImageProcessing && f.images != nil {
			images = f.images
		}
		return web.New(f.pool, f.extractor, images, cfg, 0)

	case model.SourceFreshdesk, model.SourceFreshdeskSolutions:
		var cfg freshdesk.Config
		if err := json.Unmarshal(pair.ConnectorConfig, &cfg); err != nil {
			return nil, fmt.Errorf("factory: freshdesk config: %w", err)
		}
		cred, err := f.credentials.GetByID(ctx, pair.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("factory: %w", err)
		}
		var creds freshdesk.Credentials
		if err := json.Unmarshal(cred.Secret, &creds); err != nil {
			return nil, fmt.Errorf("factory: freshdesk credentials: %w", err)
		}
		inner, err := freshdesk.New(f.pool, cfg, creds, 0)
		if err != nil {
			return nil, err
		}
		if pair.Source == model.SourceFreshdeskSolutions {
			return freshdesk.NewSolutions(inner), nil
		}
		return inner, nil

	case model.SourceConfluence:
		var cfg confluence.Config
		if err := json.Unmarshal(pair.ConnectorConfig, &cfg); err != nil {
			return nil, fmt.Errorf("factory: confluence config: %w", err)
		}
		cred, err := f.credentials.GetByID(ctx, pair.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("factory: %w", err)
		}
		var creds confluence.Credentials
		if err := json.Unmarshal(cred.Secret, &creds); err != nil {
			return nil, fmt.Errorf("factory: confluence credentials: %w", err)
		}
		return confluence.New(f.pool, f.extractor, cfg, creds, 0, f.cfg.ConfluenceAttachmentMaxBytes)

	case model.SourceGoogleDrive:
		var cfg googledrive.Config
		if err := json.Unmarshal(pair.ConnectorConfig, &cfg); err != nil {
			return nil, fmt.Errorf("factory: drive config: %w", err)
		}
		ts, err := f.driveTokenSource(ctx, pair.CredentialID)
		if err != nil {
			return nil, err
		}
		return googledrive.New(ctx, ts, f.extractor, cfg, 0)

	case model.SourceSalesforce:
		var cfg salesforce.Config
		if err := json.Unmarshal(pair.ConnectorConfig, &cfg); err != nil {
			return nil, fmt.Errorf("factory: salesforce config: %w", err)
		}
		return salesforce.New(f.pool, cfg, pair.CredentialID)

	case model.SourceFile:
		var cfg file.Config
		if err := json.Unmarshal(pair.ConnectorConfig, &cfg); err != nil {
			return nil, fmt.Errorf("factory: file config: %w", err)
		}
		return file.New(f.blobs, f.extractor, cfg)

	default:
		return nil, fmt.Errorf("factory: no connector for source %q", pair.Source)
	}
}

// driveTokenSource builds an oauth2 token source from the credential's
// service-account JSON or stored OAuth token.
func (f *Factory) driveTokenSource(ctx context.Context, credentialID int64) (oauth2.TokenSource, error) {
	cred, err := f.credentials.GetByID(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("factory: %w", err)
	}

	var secret struct {
		ServiceAccountJSON json.RawMessage `json:"service_account_json"`
	}
	if err := json.Unmarshal(cred.Secret, &secret); err == nil && len(secret.ServiceAccountJSON) > 0 {
		jwtCfg, err := google.JWTConfigFromJSON(secret.ServiceAccountJSON,
			"https://www.googleapis.com/auth/drive.readonly",
			"https://www.googleapis.com/auth/admin.directory.group.readonly",
		)
		if err != nil {
			return nil, fmt.Errorf("factory: drive service account: %w", err)
		}
		return jwtCfg.TokenSource(ctx), nil
	}

	if cred.AccessToken == nil {
		return nil, fmt.Errorf("factory: drive credential %d has no usable token", credentialID)
	}
	token := &oauth2.Token{AccessToken: *cred.AccessToken}
	if cred.TokenExpiry != nil {
		token.Expiry = *cred.TokenExpiry
	}
	return oauth2.StaticTokenSource(token), nil
}
