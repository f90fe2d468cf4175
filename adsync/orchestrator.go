// Package adsync runs the directory-backed reconciliation pass: it diffs
// directory groups and users against the account store and applies adds,
// removes and membership updates with best-effort per-entity isolation.
package adsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/staskh/idsync/config"
	"github.com/staskh/idsync/diff"
	"github.com/staskh/idsync/directory"
	"github.com/staskh/idsync/store"
)

// Searcher is the directory read surface the orchestrator needs.
type Searcher interface {
	Search(base, filter string, attributes []string) ([]directory.Entry, error)
}

// AccountStore is the account store surface the orchestrator needs.
type AccountStore interface {
	ListGroups(ctx context.Context, identitySource string) ([]store.Group, error)
	PutGroup(ctx context.Context, group store.Group) error
	DeleteGroup(ctx context.Context, name string) error
	ListUsers(ctx context.Context, identitySource string) ([]store.User, error)
	PutUser(ctx context.Context, user store.User) error
	DeleteUser(ctx context.Context, username string) error
	PutGroupMembers(ctx context.Context, identitySource string, edges []store.Edge) error
	AddUserToGroups(ctx context.Context, user store.User, groups []string) error
	RemoveUserFromGroups(ctx context.Context, user store.User, groups []string, sudoersGroup string) error
}

// Result reports what one pass did, including the per-entity failures that
// were isolated rather than propagated.
type Result struct {
	GroupsFailed map[string]error
	UsersFailed  map[string]error

	GroupsCreated int
	GroupsDeleted int
	UsersCreated  int
	UsersDeleted  int
	UsersUpdated  int
}

// FailedGroupNames returns the failed-group set as a sorted list.
func (r *Result) FailedGroupNames() []string {
	names := make([]string, 0, len(r.GroupsFailed))
	for name := range r.GroupsFailed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Orchestrator is one directory reconciliation pass, constructed per run.
type Orchestrator struct {
	dir Searcher
	st  AccountStore
	cfg config.Config
	log *slog.Logger
	now func() time.Time
}

// New builds an orchestrator with injected directory and store clients.
func New(dir Searcher, st AccountStore, cfg config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{dir: dir, st: st, cfg: cfg, log: logger, now: time.Now}
}

// Run executes one full reconciliation pass: groups first, then users,
// because user membership tagging depends on the group outcome. The only
// fatal errors are missing configuration and failure of the initial
// directory or store listings; everything per-entity is recorded in the
// Result and skipped.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	start := o.now()
	o.log.Info("starting directory sync pass")

	groups, err := o.fetchGroups()
	if err != nil {
		return nil, err
	}

	result := &Result{
		GroupsFailed: make(map[string]error),
		UsersFailed:  make(map[string]error),
	}

	if err := o.syncGroups(ctx, groups, result); err != nil {
		return nil, err
	}
	if err := o.syncUsers(ctx, groups, result); err != nil {
		return nil, err
	}

	o.log.Info("directory sync pass complete",
		"elapsed", o.now().Sub(start),
		"groups_created", result.GroupsCreated,
		"groups_deleted", result.GroupsDeleted,
		"groups_failed", len(result.GroupsFailed),
		"users_created", result.UsersCreated,
		"users_deleted", result.UsersDeleted,
		"users_updated", result.UsersUpdated,
		"users_failed", len(result.UsersFailed))
	return result, nil
}

// fetchGroups lists every directory group under the groups OU matching the
// mandatory object-class filter plus the configured fragment.
func (o *Orchestrator) fetchGroups() ([]directoryGroup, error) {
	filter, err := directory.Combine(directory.AllGroupObjects, o.cfg.GroupsFilter)
	if err != nil {
		return nil, err
	}

	entries, err := o.dir.Search(o.cfg.GroupsOU, filter, groupAttributes)
	if err != nil {
		return nil, fmt.Errorf("fetch directory groups: %w", err)
	}

	var groups []directoryGroup
	for _, entry := range entries {
		if group, ok := convertGroup(entry); ok {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

func (o *Orchestrator) syncGroups(ctx context.Context, groups []directoryGroup, result *Result) error {
	byName := make(map[string]directoryGroup, len(groups))
	directoryNames := make([]string, 0, len(groups))
	for _, group := range groups {
		if _, ok := byName[group.Name]; !ok {
			directoryNames = append(directoryNames, group.Name)
		}
		byName[group.Name] = group
	}

	storeGroups, err := o.st.ListGroups(ctx, store.IdentitySourceDirectory)
	if err != nil {
		return fmt.Errorf("list store groups: %w", err)
	}
	storeNames := make([]string, 0, len(storeGroups))
	for _, group := range storeGroups {
		storeNames = append(storeNames, group.Name)
	}

	now := o.now().UnixMilli()
	for _, name := range diff.Only(directoryNames, storeNames) {
		group := byName[name]
		role := store.RoleUser
		if name == o.cfg.SudoersGroupName {
			role = store.RoleAdmin
		}
		err := o.st.PutGroup(ctx, store.Group{
			Name:           group.Name,
			DSName:         group.DSName,
			GID:            group.GID,
			Role:           role,
			IdentitySource: store.IdentitySourceDirectory,
			Enabled:        true,
			CreatedOn:      now,
			UpdatedOn:      now,
		})
		if err != nil {
			result.GroupsFailed[name] = err
			o.log.Error("failed to create group", "group", name, "error", err)
			continue
		}
		result.GroupsCreated++
	}

	for _, name := range diff.Only(storeNames, directoryNames) {
		if err := o.st.DeleteGroup(ctx, name); err != nil {
			result.GroupsFailed[name] = err
			o.log.Error("failed to delete group", "group", name, "error", err)
			continue
		}
		result.GroupsDeleted++
	}

	return nil
}

// fetchUserMappings discovers users two ways: a direct search under the
// users OU, then one membership search per directory group so that every
// user is tagged with the groups it belongs to.
func (o *Orchestrator) fetchUserMappings(groups []directoryGroup) (map[string]*directoryUser, error) {
	filter, err := directory.Combine(directory.AllUserObjects, o.cfg.UsersFilter)
	if err != nil {
		return nil, err
	}

	entries, err := o.dir.Search(o.cfg.UsersOU, filter, userAttributes)
	if err != nil {
		return nil, fmt.Errorf("fetch directory users: %w", err)
	}

	mappings := make(map[string]*directoryUser)
	consolidate(mappings, entries, "")

	for _, group := range groups {
		memberOf := directory.Eq("memberOf", fmt.Sprintf("cn=%s,%s", group.Name, o.cfg.GroupsOU)).String()
		groupFilter, err := directory.Combine(memberOf, o.cfg.UsersFilter)
		if err != nil {
			return nil, err
		}

		entries, err := o.dir.Search(o.cfg.LDAPBase, groupFilter, userAttributes)
		if err != nil {
			return nil, fmt.Errorf("fetch users of group %s: %w", group.Name, err)
		}
		consolidate(mappings, entries, group.Name)
	}

	return mappings, nil
}

func (o *Orchestrator) syncUsers(ctx context.Context, groups []directoryGroup, result *Result) error {
	mappings, err := o.fetchUserMappings(groups)
	if err != nil {
		return err
	}
	directoryUsernames := make([]string, 0, len(mappings))
	for username := range mappings {
		directoryUsernames = append(directoryUsernames, username)
	}
	sort.Strings(directoryUsernames)

	storeUsers, err := o.st.ListUsers(ctx, store.IdentitySourceDirectory)
	if err != nil {
		return fmt.Errorf("list store users: %w", err)
	}
	storeByName := make(map[string]store.User, len(storeUsers))
	storeUsernames := make([]string, 0, len(storeUsers))
	for _, user := range storeUsers {
		key := strings.ToLower(user.Username)
		storeByName[key] = user
		storeUsernames = append(storeUsernames, key)
	}

	failedGroups := result.FailedGroupNames()
	clusterAdmin := o.cfg.ClusterAdminUsername

	for _, username := range diff.Only(directoryUsernames, storeUsernames) {
		user := mappings[username]
		additionalGroups := diff.Without(user.groupNames(), failedGroups)
		record := store.User{
			Username:         user.SAMAccountName,
			Email:            user.Email,
			UID:              user.UID,
			GID:              user.GID,
			LoginShell:       user.LoginShell,
			HomeDir:          user.HomeDir,
			AdditionalGroups: additionalGroups,
			Sudo:             false,
			IsActive:         false,
			Role:             store.RoleUser,
			IdentitySource:   store.IdentitySourceDirectory,
			SyncedOn:         o.now().UnixMilli(),
		}
		if err := o.createUser(ctx, record); err != nil {
			result.UsersFailed[username] = err
			o.log.Error("failed to create user", "username", username, "error", err)
			continue
		}
		result.UsersCreated++
	}

	for _, username := range diff.Without(storeUsernames, directoryUsernames, strings.ToLower(clusterAdmin)) {
		if err := o.st.DeleteUser(ctx, storeByName[username].Username); err != nil {
			result.UsersFailed[username] = err
			o.log.Error("failed to delete user", "username", username, "error", err)
			continue
		}
		result.UsersDeleted++
	}

	for _, username := range diff.Both(directoryUsernames, storeUsernames) {
		if username == strings.ToLower(clusterAdmin) {
			continue
		}
		if err := o.updateUserGroups(ctx, mappings[username], storeByName[username], failedGroups); err != nil {
			result.UsersFailed[username] = err
			o.log.Error("failed to update user groups", "username", username, "error", err)
			continue
		}
		result.UsersUpdated++
	}

	return nil
}

func (o *Orchestrator) createUser(ctx context.Context, record store.User) error {
	if err := o.st.PutUser(ctx, record); err != nil {
		return err
	}
	edges := make([]store.Edge, 0, len(record.AdditionalGroups))
	for _, group := range record.AdditionalGroups {
		edges = append(edges, store.Edge{GroupName: group, Username: record.Username})
	}
	if len(edges) == 0 {
		return nil
	}
	return o.st.PutGroupMembers(ctx, store.IdentitySourceDirectory, edges)
}

// updateUserGroups applies only the symmetric difference between the
// directory-derived membership (minus failed groups) and the stored one.
func (o *Orchestrator) updateUserGroups(ctx context.Context, dirUser *directoryUser, storeUser store.User, failedGroups []string) error {
	directoryGroups := diff.Without(dirUser.groupNames(), failedGroups)
	storeGroups := storeUser.AdditionalGroups

	if toAdd := diff.Only(directoryGroups, storeGroups); len(toAdd) > 0 {
		if err := o.st.AddUserToGroups(ctx, storeUser, toAdd); err != nil {
			return err
		}
		storeUser.AdditionalGroups = append(append([]string{}, storeGroups...), toAdd...)
	}
	if toRemove := diff.Only(storeGroups, directoryGroups); len(toRemove) > 0 {
		if err := o.st.RemoveUserFromGroups(ctx, storeUser, toRemove, o.cfg.SudoersGroupName); err != nil {
			return err
		}
	}
	return nil
}
