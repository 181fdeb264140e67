package googledrive

import (
	"context"
	"fmt"
	"strings"

	directory "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"
)

const groupsPageSize = 200

// ListGroups enumerates workspace group emails via the admin directory.
// Folder-derived synthetic group ids resolve through GroupMembers below,
// not here.
func (c *Connector) ListGroups(ctx context.Context) ([]string, error) {
	svc, err := c.directoryService(ctx)
	if err != nil {
		return nil, err
	}

	var groups []string
	pageToken := ""
	for {
		call := svc.Groups.List().Customer("my_customer").MaxResults(groupsPageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("googledrive: list groups: %w", err)
		}
		for _, g := range list.Groups {
			groups = append(groups, g.Email)
		}
		pageToken = list.NextPageToken
		if pageToken == "" {
			return groups, nil
		}
	}
}

// GroupMembers resolves one group (or synthetic folder group) to member
// emails.
func (c *Connector) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	if folderID, ok := strings.CutPrefix(groupID, "drive_folder:"); ok {
		return c.folderReaders(ctx, folderID)
	}

	svc, err := c.directoryService(ctx)
	if err != nil {
		return nil, err
	}

	var emails []string
	pageToken := ""
	for {
		call := svc.Members.List(groupID).MaxResults(groupsPageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("googledrive: members of %s: %w", groupID, err)
		}
		for _, m := range list.Members {
			if m.Email != "" {
				emails = append(emails, m.Email)
			}
		}
		pageToken = list.NextPageToken
		if pageToken == "" {
			return emails, nil
		}
	}
}

// folderReaders lists the users a folder is shared with, so files that
// inherit the folder's permissions resolve to real identities.
func (c *Connector) folderReaders(ctx context.Context, folderID string) ([]string, error) {
	perms, err := c.service.Permissions.List(folderID).
		Fields("permissions(type, emailAddress)").
		SupportsAllDrives(true).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("googledrive: folder %s permissions: %w", folderID, err)
	}
	var emails []string
	for _, p := range perms.Permissions {
		if p.Type == "user" && p.EmailAddress != "" {
			emails = append(emails, p.EmailAddress)
		}
	}
	return emails, nil
}

func (c *Connector) directoryService(ctx context.Context) (*directory.Service, error) {
	svc, err := directory.NewService(ctx, option.WithTokenSource(c.tokens))
	if err != nil {
		return nil, fmt.Errorf("googledrive: directory service: %w", err)
	}
	return svc, nil
}
