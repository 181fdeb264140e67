package permsync

import (
	"context"
	"fmt"
	"time"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/model"
)

// driveFolderGroupPrefix marks synthetic group ids derived from Drive
// folders whose permissions a file inherits. Group sync later resolves
// the folder to its member users.
const driveFolderGroupPrefix = "drive_folder:"

// DriveDocSync yields one DocExternalAccess per Drive file, lazily. Files
// with inherited permissions get the parent folder as a synthetic group id
// instead of an expanded member list.
func DriveDocSync(ctx context.Context, pair model.ConnectorCredentialPair, conn connector.Connector, hb connector.Heartbeat, emit func(model.DocExternalAccess) error) error {
	slim, ok := conn.(connector.SlimConnector)
	if !ok {
		return fmt.Errorf("permsync: drive connector is not slim-capable")
	}

	// Doc sync always covers the full corpus: ACL changes don't bump the
	// file's modified time.
	it := slim.Slim(ctx, time.Time{}, time.Now().UTC(), hb)
	for {
		if err := connector.CheckStop(hb); err != nil {
			return err
		}
		batch, done, err := it.NextBatch(ctx)
		if err != nil {
			return fmt.Errorf("permsync: drive slim batch: %w", err)
		}
		for _, doc := range batch {
			access := driveAccess(doc.PermSyncData)
			if err := emit(model.DocExternalAccess{
				DocID:    doc.ID,
				Access:   access,
				SyncedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

func driveAccess(data map[string]string) model.ExternalAccess {
	if data == nil {
		return model.ExternalAccess{}
	}
	if data["anyone"] == "true" {
		return model.PublicAccess()
	}
	access := model.ExternalAccess{
		ExternalUserEmails: splitNonEmpty(data["user_emails"]),
		ExternalGroupIDs:   splitNonEmpty(data["group_emails"]),
	}
	// Domain-wide shares behave as public inside the org.
	if data["domains"] != "" {
		access.IsPublic = true
	}
	for _, folderID := range splitNonEmpty(data["inherited_from_folders"]) {
		access.ExternalGroupIDs = append(access.ExternalGroupIDs, driveFolderGroupPrefix+folderID)
	}
	return access
}

// DriveGroupSync resolves Drive groups (and synthetic folder groups) into
// member email lists. The permission-id cache is scoped to this one run.
func DriveGroupSync(ctx context.Context, pair model.ConnectorCredentialPair, conn connector.Connector, hb connector.Heartbeat, emit func(model.ExternalUserGroup) error) error {
	resolver, ok := conn.(GroupResolver)
	if !ok {
		return fmt.Errorf("permsync: drive connector cannot resolve groups")
	}

	// Run-scoped cache: group id → members. Never shared across workers.
	cache := map[string][]string{}

	groups, err := resolver.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("permsync: drive list groups: %w", err)
	}
	for _, groupID := range groups {
		if err := connector.CheckStop(hb); err != nil {
			return err
		}
		members, ok := cache[groupID]
		if !ok {
			members, err = resolver.GroupMembers(ctx, groupID)
			if err != nil {
				return fmt.Errorf("permsync: drive group %s: %w", groupID, err)
			}
			cache[groupID] = members
		}
		if err := emit(model.ExternalUserGroup{ID: groupID, Emails: members}); err != nil {
			return err
		}
		hb.Progress("drive_groups", 1)
	}
	return nil
}

// GroupResolver is implemented by connectors that can enumerate groups
// and their members (Drive via the admin directory).
type GroupResolver interface {
	ListGroups(ctx context.Context) ([]string, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
}
