// Package poolsync reconciles the managed identity pool's native users and
// groups into the account store, in parallel to the directory-backed pass
// but over a disjoint identity-source tag.
package poolsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/staskh/idsync/config"
	"github.com/staskh/idsync/diff"
	"github.com/staskh/idsync/store"
)

// autogeneratedGroupMarker tags pool groups created as a side effect of
// directory-backed logins; those are never reconciled.
const autogeneratedGroupMarker = "Autogenerated group"

// externalProviderStatus marks pool users federated from the directory.
const externalProviderStatus = "EXTERNAL_PROVIDER"

// uidAttributeName is the pool's custom numeric uid attribute. New users
// have no uid until their first login.
const uidAttributeName = "custom:uid"

// IdentityPoolAPI is the subset of the identity pool client the engine uses.
type IdentityPoolAPI interface {
	ListGroups(ctx context.Context, params *cognitoidentityprovider.ListGroupsInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.ListGroupsOutput, error)
	ListUsers(ctx context.Context, params *cognitoidentityprovider.ListUsersInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.ListUsersOutput, error)
	ListUsersInGroup(ctx context.Context, params *cognitoidentityprovider.ListUsersInGroupInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.ListUsersInGroupOutput, error)
	AdminDisableUser(ctx context.Context, params *cognitoidentityprovider.AdminDisableUserInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.AdminDisableUserOutput, error)
}

// AccountStore is the account store surface the engine needs.
type AccountStore interface {
	ListGroups(ctx context.Context, identitySource string) ([]store.Group, error)
	PutGroup(ctx context.Context, group store.Group) error
	DeleteGroup(ctx context.Context, name string) error
	ListUsers(ctx context.Context, identitySource string) ([]store.User, error)
	PutUser(ctx context.Context, user store.User) error
	DeleteUser(ctx context.Context, username string) error
	ListMemberships(ctx context.Context, identitySource string) ([]store.GroupMember, error)
	PutGroupMembers(ctx context.Context, identitySource string, edges []store.Edge) error
	DeleteGroupMembers(ctx context.Context, edges []store.Edge) error
}

// poolGroup is a read-only snapshot of one native pool group.
type poolGroup struct {
	Name      string
	CreatedOn time.Time
	UpdatedOn time.Time
}

// poolUser is a read-only snapshot of one native pool user.
type poolUser struct {
	Username  string
	Email     string
	UID       int
	Enabled   bool
	CreatedOn time.Time
	UpdatedOn time.Time
}

// Result reports what one pool reconciliation pass did.
type Result struct {
	GroupsFailed map[string]error

	GroupsUpserted int
	GroupsDeleted  int
	EdgesAdded     int
	EdgesRemoved   int
	UsersUpserted  int
	UsersDeleted   int
	UsersDisabled  int
}

// Engine is one identity-pool reconciliation pass.
type Engine struct {
	pool IdentityPoolAPI
	st   AccountStore
	cfg  config.Config
	log  *slog.Logger
	now  func() time.Time
}

// New builds an engine with injected pool and store clients.
func New(pool IdentityPoolAPI, st AccountStore, cfg config.Config, logger *slog.Logger) *Engine {
	return &Engine{pool: pool, st: st, cfg: cfg, log: logger, now: time.Now}
}

// Run executes one full pool reconciliation: groups, membership edges,
// users, then duplicate-identity suppression. Per-group derivation errors
// are recorded and skipped; listing failures abort the pass.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.log.Info("starting identity pool sync pass", "user_pool", e.cfg.UserPoolID)

	groups, err := e.fetchGroups(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{GroupsFailed: make(map[string]error)}

	if err := e.syncGroups(ctx, groups, result); err != nil {
		return nil, err
	}

	membership, err := e.fetchMembership(ctx, groups)
	if err != nil {
		return nil, err
	}
	if err := e.syncMembership(ctx, membership, result); err != nil {
		return nil, err
	}

	users, err := e.fetchUsers(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.syncUsers(ctx, users, membership, result); err != nil {
		return nil, err
	}
	if err := e.disableDuplicates(ctx, users, result); err != nil {
		return nil, err
	}

	e.log.Info("identity pool sync pass complete",
		"groups_upserted", result.GroupsUpserted,
		"groups_deleted", result.GroupsDeleted,
		"groups_failed", len(result.GroupsFailed),
		"edges_added", result.EdgesAdded,
		"edges_removed", result.EdgesRemoved,
		"users_upserted", result.UsersUpserted,
		"users_deleted", result.UsersDeleted,
		"users_disabled", result.UsersDisabled)
	return result, nil
}

func (e *Engine) fetchGroups(ctx context.Context) ([]poolGroup, error) {
	var groups []poolGroup
	var nextToken *string
	for {
		out, err := e.pool.ListGroups(ctx, &cognitoidentityprovider.ListGroupsInput{
			UserPoolId: aws.String(e.cfg.UserPoolID),
			NextToken:  nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("list pool groups: %w", err)
		}
		for _, group := range out.Groups {
			if strings.Contains(aws.ToString(group.Description), autogeneratedGroupMarker) {
				continue
			}
			groups = append(groups, poolGroup{
				Name:      aws.ToString(group.GroupName),
				CreatedOn: aws.ToTime(group.CreationDate),
				UpdatedOn: aws.ToTime(group.LastModifiedDate),
			})
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return groups, nil
}

func (e *Engine) syncGroups(ctx context.Context, groups []poolGroup, result *Result) error {
	poolNames := make([]string, 0, len(groups))
	for _, group := range groups {
		poolNames = append(poolNames, group.Name)
	}

	storeGroups, err := e.st.ListGroups(ctx, store.IdentitySourcePool)
	if err != nil {
		return fmt.Errorf("list store groups: %w", err)
	}
	storeNames := make([]string, 0, len(storeGroups))
	for _, group := range storeGroups {
		storeNames = append(storeNames, group.Name)
	}

	for _, name := range diff.Only(storeNames, poolNames) {
		if err := e.st.DeleteGroup(ctx, name); err != nil {
			result.GroupsFailed[name] = err
			e.log.Error("failed to delete group", "group", name, "error", err)
			continue
		}
		result.GroupsDeleted++
	}

	for _, group := range groups {
		gid, err := DeriveGID(group.Name, e.cfg.MinID)
		if err != nil {
			result.GroupsFailed[group.Name] = err
			e.log.Error("failed to derive gid", "group", group.Name, "error", err)
			continue
		}
		role := store.RoleUser
		if group.Name == e.cfg.PoolSudoersGroupName {
			role = store.RoleAdmin
		}
		err = e.st.PutGroup(ctx, store.Group{
			Name:           group.Name,
			DSName:         group.Name,
			GID:            gid,
			Title:          group.Name,
			Role:           role,
			GroupType:      store.GroupTypeProject,
			Enabled:        true,
			IdentitySource: store.IdentitySourcePool,
			CreatedOn:      group.CreatedOn.UnixMilli(),
			UpdatedOn:      group.UpdatedOn.UnixMilli(),
		})
		if err != nil {
			result.GroupsFailed[group.Name] = err
			e.log.Error("failed to upsert group", "group", group.Name, "error", err)
			continue
		}
		result.GroupsUpserted++
	}

	return nil
}

// fetchMembership pulls the per-group member listing for every pool group.
func (e *Engine) fetchMembership(ctx context.Context, groups []poolGroup) (map[string][]string, error) {
	membership := make(map[string][]string, len(groups))
	for _, group := range groups {
		var nextToken *string
		membership[group.Name] = nil
		for {
			out, err := e.pool.ListUsersInGroup(ctx, &cognitoidentityprovider.ListUsersInGroupInput{
				UserPoolId: aws.String(e.cfg.UserPoolID),
				GroupName:  aws.String(group.Name),
				NextToken:  nextToken,
			})
			if err != nil {
				return nil, fmt.Errorf("list members of pool group %s: %w", group.Name, err)
			}
			for _, user := range out.Users {
				membership[group.Name] = append(membership[group.Name], aws.ToString(user.Username))
			}
			if out.NextToken == nil {
				break
			}
			nextToken = out.NextToken
		}
	}
	return membership, nil
}

// syncMembership diffs the desired (group, user) edge set against the
// persisted edges and applies only the differing subsets.
func (e *Engine) syncMembership(ctx context.Context, membership map[string][]string, result *Result) error {
	var desired []store.Edge
	for groupName, usernames := range membership {
		if _, failed := result.GroupsFailed[groupName]; failed {
			continue
		}
		for _, username := range usernames {
			desired = append(desired, store.Edge{GroupName: groupName, Username: username})
		}
	}

	persisted, err := e.st.ListMemberships(ctx, store.IdentitySourcePool)
	if err != nil {
		return fmt.Errorf("list store memberships: %w", err)
	}
	current := make([]store.Edge, 0, len(persisted))
	for _, member := range persisted {
		current = append(current, store.Edge{GroupName: member.GroupName, Username: member.Username})
	}

	toAdd := diff.Only(desired, current)
	toRemove := diff.Only(current, desired)

	if len(toAdd) > 0 {
		if err := e.st.PutGroupMembers(ctx, store.IdentitySourcePool, toAdd); err != nil {
			return err
		}
		result.EdgesAdded = len(toAdd)
	}
	if len(toRemove) > 0 {
		if err := e.st.DeleteGroupMembers(ctx, toRemove); err != nil {
			return err
		}
		result.EdgesRemoved = len(toRemove)
	}
	return nil
}

func (e *Engine) fetchUsers(ctx context.Context) ([]poolUser, error) {
	var users []poolUser
	var paginationToken *string
	for {
		out, err := e.pool.ListUsers(ctx, &cognitoidentityprovider.ListUsersInput{
			UserPoolId:      aws.String(e.cfg.UserPoolID),
			PaginationToken: paginationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("list pool users: %w", err)
		}
		for _, user := range out.Users {
			// Directory-federated logins surface as EXTERNAL_PROVIDER;
			// they belong to the directory pass.
			if user.UserStatus == types.UserStatusTypeExternalProvider {
				continue
			}
			users = append(users, convertPoolUser(user))
		}
		if out.PaginationToken == nil {
			break
		}
		paginationToken = out.PaginationToken
	}
	return users, nil
}

func convertPoolUser(user types.UserType) poolUser {
	result := poolUser{
		Username:  aws.ToString(user.Username),
		Enabled:   user.Enabled,
		CreatedOn: aws.ToTime(user.UserCreateDate),
		UpdatedOn: aws.ToTime(user.UserLastModifiedDate),
	}
	for _, attribute := range user.Attributes {
		switch aws.ToString(attribute.Name) {
		case "email":
			result.Email = aws.ToString(attribute.Value)
		case uidAttributeName:
			if uid, err := strconv.Atoi(aws.ToString(attribute.Value)); err == nil {
				result.UID = uid
			}
		}
	}
	return result
}

func (e *Engine) syncUsers(ctx context.Context, users []poolUser, membership map[string][]string, result *Result) error {
	poolUsernames := make([]string, 0, len(users))
	for _, user := range users {
		poolUsernames = append(poolUsernames, user.Username)
	}

	// Usernames owned by the directory are never touched here; duplicate
	// pool accounts are handled through the pool API instead.
	directoryUsers, err := e.st.ListUsers(ctx, store.IdentitySourceDirectory)
	if err != nil {
		return fmt.Errorf("list store directory users: %w", err)
	}
	directoryOwned := make(map[string]bool, len(directoryUsers))
	for _, user := range directoryUsers {
		directoryOwned[user.Username] = true
	}

	storeUsers, err := e.st.ListUsers(ctx, store.IdentitySourcePool)
	if err != nil {
		return fmt.Errorf("list store pool users: %w", err)
	}
	storeUsernames := make([]string, 0, len(storeUsers))
	admins := make(map[string]bool)
	for _, user := range storeUsers {
		storeUsernames = append(storeUsernames, user.Username)
		// Elevated role is preserved across re-sync even when the sudoers
		// membership no longer grants it (console-made admins).
		if user.Role == store.RoleAdmin {
			admins[user.Username] = true
		}
	}

	for _, username := range diff.Without(storeUsernames, poolUsernames, e.cfg.ClusterAdminUsername) {
		if err := e.st.DeleteUser(ctx, username); err != nil {
			e.log.Error("failed to delete user", "username", username, "error", err)
			continue
		}
		result.UsersDeleted++
	}

	userGroups := make(map[string][]string)
	for groupName, usernames := range membership {
		if _, failed := result.GroupsFailed[groupName]; failed {
			continue
		}
		for _, username := range usernames {
			userGroups[username] = append(userGroups[username], groupName)
		}
	}
	for _, groups := range userGroups {
		sort.Strings(groups)
	}

	for _, user := range users {
		if directoryOwned[user.Username] {
			e.log.Info("skipping directory-owned username", "username", user.Username)
			continue
		}

		additionalGroups := userGroups[user.Username]
		sudo := admins[user.Username]
		for _, group := range additionalGroups {
			if group == e.cfg.PoolSudoersGroupName {
				sudo = true
			}
		}

		gidSource := e.cfg.PoolDefaultGroup
		if len(additionalGroups) > 0 {
			gidSource = additionalGroups[0]
		}
		gid, err := DeriveGID(gidSource, e.cfg.MinID)
		if err != nil {
			e.log.Error("failed to derive user gid", "username", user.Username, "group", gidSource, "error", err)
			continue
		}

		role := store.RoleUser
		if sudo || user.Username == e.cfg.ClusterAdminUsername {
			role = store.RoleAdmin
		}

		record := store.User{
			Username:         user.Username,
			Email:            user.Email,
			UID:              user.UID,
			GID:              gid,
			LoginShell:       config.DefaultLoginShell,
			HomeDir:          "/home/" + user.Username,
			AdditionalGroups: additionalGroups,
			Sudo:             sudo,
			Enabled:          user.Enabled,
			IsActive:         user.Enabled,
			Role:             role,
			IdentitySource:   store.IdentitySourcePool,
			CreatedOn:        user.CreatedOn.UnixMilli(),
			UpdatedOn:        user.UpdatedOn.UnixMilli(),
			SyncedOn:         e.now().UnixMilli(),
		}
		if err := e.st.PutUser(ctx, record); err != nil {
			e.log.Error("failed to upsert user", "username", user.Username, "error", err)
			continue
		}
		result.UsersUpserted++
	}

	return nil
}

// disableDuplicates disables (never deletes) pool-native accounts whose
// username collides with a directory-owned account, so the username cannot
// log in through two identities.
func (e *Engine) disableDuplicates(ctx context.Context, users []poolUser, result *Result) error {
	poolUsernames := make(map[string]bool, len(users))
	for _, user := range users {
		poolUsernames[user.Username] = true
	}

	directoryUsers, err := e.st.ListUsers(ctx, store.IdentitySourceDirectory)
	if err != nil {
		return fmt.Errorf("list store directory users: %w", err)
	}

	for _, user := range directoryUsers {
		if !poolUsernames[user.Username] {
			continue
		}
		e.log.Info("disabling duplicate pool-native account", "username", user.Username)
		_, err := e.pool.AdminDisableUser(ctx, &cognitoidentityprovider.AdminDisableUserInput{
			UserPoolId: aws.String(e.cfg.UserPoolID),
			Username:   aws.String(user.Username),
		})
		if err != nil {
			e.log.Error("failed to disable duplicate account", "username", user.Username, "error", err)
			continue
		}
		result.UsersDisabled++
	}
	return nil
}
