package store

import (
	"context"
	"sort"
)

// AddUserToGroups adds the user to each named group, updating both the
// user record's additional_groups and the membership edge table.
func (c *Client) AddUserToGroups(ctx context.Context, user User, groups []string) error {
	existing := make(map[string]bool, len(user.AdditionalGroups))
	for _, group := range user.AdditionalGroups {
		existing[group] = true
	}

	var edges []Edge
	for _, group := range groups {
		if existing[group] {
			continue
		}
		existing[group] = true
		user.AdditionalGroups = append(user.AdditionalGroups, group)
		edges = append(edges, Edge{GroupName: group, Username: user.Username})
	}
	if len(edges) == 0 {
		return nil
	}
	sort.Strings(user.AdditionalGroups)

	if err := c.PutGroupMembers(ctx, user.IdentitySource, edges); err != nil {
		return err
	}
	return c.PutUser(ctx, user)
}

// RemoveUserFromGroups removes the user from each named group. The
// configured sudoers group is protected: it is never revoked from a user
// whose store record carries the admin role, so re-syncs cannot silently
// strip elevated access.
func (c *Client) RemoveUserFromGroups(ctx context.Context, user User, groups []string, sudoersGroup string) error {
	remove := make(map[string]bool, len(groups))
	for _, group := range groups {
		if group == sudoersGroup && user.Role == RoleAdmin {
			c.log.Info("skipping removal of protected sudoers group",
				"username", user.Username, "group", group)
			continue
		}
		remove[group] = true
	}
	if len(remove) == 0 {
		return nil
	}

	var kept []string
	var edges []Edge
	for _, group := range user.AdditionalGroups {
		if remove[group] {
			edges = append(edges, Edge{GroupName: group, Username: user.Username})
			continue
		}
		kept = append(kept, group)
	}
	user.AdditionalGroups = kept
	if remove[sudoersGroup] {
		user.Sudo = false
	}

	if err := c.DeleteGroupMembers(ctx, edges); err != nil {
		return err
	}
	return c.PutUser(ctx, user)
}
