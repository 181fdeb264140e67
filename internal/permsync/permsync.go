// Package permsync projects upstream ACLs onto indexed documents so that
// retrieval enforces source-of-truth permissions. Each source registers a
// doc-sync and optionally a group-sync function plus their cadences.
package permsync

import (
	"context"
	"fmt"
	"time"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/model"
)

// DocSyncFunc pulls per-document ACL snapshots for one pair, pushing each
// record through emit as it is produced (lazy, not collected). A stop
// signal from the heartbeat must abort with connector.ErrCancelled.
type DocSyncFunc func(ctx context.Context, pair model.ConnectorCredentialPair, conn connector.Connector, hb connector.Heartbeat, emit func(model.DocExternalAccess) error) error

// GroupSyncFunc pulls external group definitions for a source.
type GroupSyncFunc func(ctx context.Context, pair model.ConnectorCredentialPair, conn connector.Connector, hb connector.Heartbeat, emit func(model.ExternalUserGroup) error) error

// CensorFunc post-filters retrieval chunks for sources whose ACLs cannot
// be fully projected at sync time.
type CensorFunc func(ctx context.Context, userEmail string, chunks []index.InferenceChunk) ([]index.InferenceChunk, error)

// SyncConfig is one source's entry in the registry.
type SyncConfig struct {
	DocSyncFreq time.Duration
	DocSync     DocSyncFunc

	GroupSyncFreq time.Duration
	GroupSync     GroupSyncFunc
	// GroupSyncPairAgnostic: group definitions are global to the source,
	// so one pair's sync covers them all.
	GroupSyncPairAgnostic bool

	Censor CensorFunc
}

// Registry maps source kind to its sync configuration.
type Registry map[model.DocumentSource]SyncConfig

// DefaultRegistry wires the built-in sources.
func DefaultRegistry() Registry {
	return Registry{
		model.SourceGoogleDrive: {
			DocSyncFreq:   30 * time.Minute,
			DocSync:       DriveDocSync,
			GroupSyncFreq: 60 * time.Minute,
			GroupSync:     DriveGroupSync,
		},
		model.SourceConfluence: {
			DocSyncFreq:           60 * time.Minute,
			DocSync:               SlimDocSync,
			GroupSyncFreq:         12 * time.Hour,
			GroupSyncPairAgnostic: true,
		},
		// Salesforce has no projected doc sync; its chunks are filtered
		// post-query (NewAccessCensor) against live snapshots instead.
		model.SourceSalesforce: {},
	}
}

// DocSyncDue reports whether a pair's doc sync should run now.
func (r Registry) DocSyncDue(pair model.ConnectorCredentialPair, now time.Time) bool {
	cfg, ok := r[pair.Source]
	if !ok || cfg.DocSync == nil {
		return false
	}
	if pair.LastTimePermSync == nil {
		return true
	}
	return now.Sub(*pair.LastTimePermSync) >= cfg.DocSyncFreq
}

// GroupSyncDue reports whether a pair's group sync should run now.
func (r Registry) GroupSyncDue(pair model.ConnectorCredentialPair, now time.Time) bool {
	cfg, ok := r[pair.Source]
	if !ok || cfg.GroupSync == nil {
		return false
	}
	if pair.LastTimeGroupSync == nil {
		return true
	}
	return now.Sub(*pair.LastTimeGroupSync) >= cfg.GroupSyncFreq
}

// SlimDocSync is the generic doc sync for sources whose slim documents
// carry complete ACLs: every slim doc becomes one record.
func SlimDocSync(ctx context.Context, pair model.ConnectorCredentialPair, conn connector.Connector, hb connector.Heartbeat, emit func(model.DocExternalAccess) error) error {
	slim, ok := conn.(connector.SlimConnector)
	if !ok {
		return fmt.Errorf("permsync: %s connector is not slim-capable", pair.Source)
	}

	var start time.Time
	if pair.LastTimePermSync != nil {
		start = *pair.LastTimePermSync
	}
	it := slim.Slim(ctx, start, time.Now().UTC(), hb)
	for {
		if err := connector.CheckStop(hb); err != nil {
			return err
		}
		batch, done, err := it.NextBatch(ctx)
		if err != nil {
			return fmt.Errorf("permsync: slim batch: %w", err)
		}
		for _, doc := range batch {
			rec := model.DocExternalAccess{
				DocID:    doc.ID,
				Access:   accessFromPermSyncData(doc.PermSyncData),
				SyncedAt: time.Now().UTC(),
			}
			if err := emit(rec); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

func accessFromPermSyncData(data map[string]string) model.ExternalAccess {
	access := model.ExternalAccess{}
	if data == nil {
		return access
	}
	if data["anyone"] == "true" {
		access.IsPublic = true
		return access
	}
	access.ExternalUserEmails = splitNonEmpty(data["user_emails"])
	access.ExternalGroupIDs = splitNonEmpty(data["group_emails"])
	return access
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if part := csv[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
