package permsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/model"
)

// AccessStore persists the sync output.
type AccessStore interface {
	Upsert(ctx context.Context, rec model.DocExternalAccess) error
	UpsertGroup(ctx context.Context, group model.ExternalUserGroup) error
}

// PairStore is the pair bookkeeping slice the runner needs.
type PairStore interface {
	ListActive(ctx context.Context) ([]model.ConnectorCredentialPair, error)
	SetPermSyncTime(ctx context.Context, id int64, t time.Time, group bool) error
}

// ConnectorFactory builds the live connector for a pair.
type ConnectorFactory interface {
	ForPair(ctx context.Context, pair model.ConnectorCredentialPair) (connector.Connector, error)
}

// Runner drives doc and group sync on the beat cadence.
type Runner struct {
	registry Registry
	access   AccessStore
	pairs    PairStore
	factory  ConnectorFactory
}

func NewRunner(registry Registry, access AccessStore, pairs PairStore, factory ConnectorFactory) *Runner {
	return &Runner{registry: registry, access: access, pairs: pairs, factory: factory}
}

// Tick syncs every pair that is due. Per-source sync is serialized by the
// beat cadence itself; records are last-writer-wins per doc id.
func (r *Runner) Tick(ctx context.Context, hb connector.Heartbeat) error {
	pairs, err := r.pairs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("permsync.Tick: list pairs: %w", err)
	}

	now := time.Now().UTC()
	groupSyncedSources := map[model.DocumentSource]bool{}

	for _, pair := range pairs {
		if r.registry.DocSyncDue(pair, now) {
			if err := r.runDocSync(ctx, pair, hb); err != nil {
				if err == connector.ErrCancelled {
					return err
				}
				slog.Error("doc sync failed", "pair_id", pair.ID, "source", pair.Source, "error", err)
			}
		}

		cfg := r.registry[pair.Source]
		if r.registry.GroupSyncDue(pair, now) {
			if cfg.GroupSyncPairAgnostic && groupSyncedSources[pair.Source] {
				continue
			}
			if err := r.runGroupSync(ctx, pair, hb); err != nil {
				if err == connector.ErrCancelled {
					return err
				}
				slog.Error("group sync failed", "pair_id", pair.ID, "source", pair.Source, "error", err)
				continue
			}
			groupSyncedSources[pair.Source] = true
		}
	}
	return nil
}

func (r *Runner) runDocSync(ctx context.Context, pair model.ConnectorCredentialPair, hb connector.Heartbeat) error {
	cfg := r.registry[pair.Source]
	conn, err := r.factory.ForPair(ctx, pair)
	if err != nil {
		return fmt.Errorf("build connector: %w", err)
	}

	count := 0
	start := time.Now()
	err = cfg.DocSync(ctx, pair, conn, hb, func(rec model.DocExternalAccess) error {
		count++
		return r.access.Upsert(ctx, rec)
	})
	if err != nil {
		return err
	}

	if err := r.pairs.SetPermSyncTime(ctx, pair.ID, time.Now().UTC(), false); err != nil {
		slog.Warn("failed to stamp perm sync time", "pair_id", pair.ID, "error", err)
	}
	slog.Info("doc sync complete",
		"pair_id", pair.ID,
		"source", pair.Source,
		"docs", count,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (r *Runner) runGroupSync(ctx context.Context, pair model.ConnectorCredentialPair, hb connector.Heartbeat) error {
	cfg := r.registry[pair.Source]
	conn, err := r.factory.ForPair(ctx, pair)
	if err != nil {
		return fmt.Errorf("build connector: %w", err)
	}

	count := 0
	err = cfg.GroupSync(ctx, pair, conn, hb, func(g model.ExternalUserGroup) error {
		count++
		return r.access.UpsertGroup(ctx, g)
	})
	if err != nil {
		return err
	}

	if err := r.pairs.SetPermSyncTime(ctx, pair.ID, time.Now().UTC(), true); err != nil {
		slog.Warn("failed to stamp group sync time", "pair_id", pair.ID, "error", err)
	}
	slog.Info("group sync complete", "pair_id", pair.ID, "source", pair.Source, "groups", count)
	return nil
}
