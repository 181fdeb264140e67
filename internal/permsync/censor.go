package permsync

import (
	"context"
	"fmt"

	"github.com/tesserahq/tessera-backend/internal/index"
	"github.com/tesserahq/tessera-backend/internal/model"
)

// AccessGetter fetches the latest ACL snapshot for a document.
type AccessGetter interface {
	Get(ctx context.Context, docID string) (*model.DocExternalAccess, error)
	GroupsForUser(ctx context.Context, email string) ([]string, error)
}

// censoredSources get live post-query filtering: their sharing rules are
// too dynamic to trust the projected ACL alone.
var censoredSources = map[model.DocumentSource]bool{
	model.SourceSalesforce: true,
}

// NewAccessCensor builds the post-query filter: chunks from censored
// sources are re-checked against the freshest snapshot per document;
// chunks from other sources pass through.
func NewAccessCensor(access AccessGetter) CensorFunc {
	return func(ctx context.Context, userEmail string, chunks []index.InferenceChunk) ([]index.InferenceChunk, error) {
		groups, err := access.GroupsForUser(ctx, userEmail)
		if err != nil {
			return nil, fmt.Errorf("permsync: censor groups: %w", err)
		}
		groupSet := make(map[string]bool, len(groups))
		for _, g := range groups {
			groupSet[g] = true
		}

		// Snapshot lookups are cached per doc id for the life of this
		// one query.
		snapshots := map[string]*model.DocExternalAccess{}

		var out []index.InferenceChunk
		for _, ch := range chunks {
			if !censoredSources[ch.Source] {
				out = append(out, ch)
				continue
			}
			rec, ok := snapshots[ch.DocumentID]
			if !ok {
				rec, err = access.Get(ctx, ch.DocumentID)
				if err != nil {
					return nil, fmt.Errorf("permsync: censor %s: %w", ch.DocumentID, err)
				}
				snapshots[ch.DocumentID] = rec
			}
			if rec == nil {
				// No snapshot at all: fail closed.
				continue
			}
			if allowed(rec.Access, userEmail, groupSet) {
				out = append(out, ch)
			}
		}
		return out, nil
	}
}

func allowed(access model.ExternalAccess, userEmail string, groups map[string]bool) bool {
	if access.IsPublic {
		return true
	}
	for _, e := range access.ExternalUserEmails {
		if e == userEmail {
			return true
		}
	}
	for _, g := range access.ExternalGroupIDs {
		if groups[g] {
			return true
		}
	}
	return false
}
