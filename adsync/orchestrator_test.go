package adsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staskh/idsync/config"
	"github.com/staskh/idsync/directory"
	"github.com/staskh/idsync/store"
)

// fakeDirectory answers searches from a canned set of group and user
// entries, routing membership searches by their memberOf filter.
type fakeDirectory struct {
	groups  []directory.Entry
	users   []directory.Entry
	members map[string][]directory.Entry
}

func (f *fakeDirectory) Search(base, filter string, attributes []string) ([]directory.Entry, error) {
	if strings.Contains(filter, "objectClass=group") {
		return f.groups, nil
	}
	if strings.Contains(filter, "memberOf=") {
		for group, entries := range f.members {
			if strings.Contains(filter, "cn="+group+",") {
				return entries, nil
			}
		}
		return nil, nil
	}
	return f.users, nil
}

// fakeStore is an in-memory account store with optional per-call failures.
type fakeStore struct {
	groups map[string]store.Group
	users  map[string]store.User
	edges  map[store.Edge]bool

	putGroupErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups: make(map[string]store.Group),
		users:  make(map[string]store.User),
		edges:  make(map[store.Edge]bool),
	}
}

func (f *fakeStore) ListGroups(ctx context.Context, identitySource string) ([]store.Group, error) {
	var result []store.Group
	for _, group := range f.groups {
		if group.IdentitySource == identitySource {
			result = append(result, group)
		}
	}
	return result, nil
}

func (f *fakeStore) PutGroup(ctx context.Context, group store.Group) error {
	if err := f.putGroupErr[group.Name]; err != nil {
		return err
	}
	f.groups[group.Name] = group
	return nil
}

func (f *fakeStore) DeleteGroup(ctx context.Context, name string) error {
	delete(f.groups, name)
	for edge := range f.edges {
		if edge.GroupName == name {
			delete(f.edges, edge)
		}
	}
	return nil
}

func (f *fakeStore) ListUsers(ctx context.Context, identitySource string) ([]store.User, error) {
	var result []store.User
	for _, user := range f.users {
		if user.IdentitySource == identitySource {
			result = append(result, user)
		}
	}
	return result, nil
}

func (f *fakeStore) PutUser(ctx context.Context, user store.User) error {
	f.users[user.Username] = user
	return nil
}

func (f *fakeStore) DeleteUser(ctx context.Context, username string) error {
	delete(f.users, username)
	for edge := range f.edges {
		if edge.Username == username {
			delete(f.edges, edge)
		}
	}
	return nil
}

func (f *fakeStore) PutGroupMembers(ctx context.Context, identitySource string, edges []store.Edge) error {
	for _, edge := range edges {
		f.edges[edge] = true
	}
	return nil
}

func (f *fakeStore) AddUserToGroups(ctx context.Context, user store.User, groups []string) error {
	record := f.users[user.Username]
	for _, group := range groups {
		f.edges[store.Edge{GroupName: group, Username: user.Username}] = true
		record.AdditionalGroups = append(record.AdditionalGroups, group)
	}
	sort.Strings(record.AdditionalGroups)
	f.users[user.Username] = record
	return nil
}

func (f *fakeStore) RemoveUserFromGroups(ctx context.Context, user store.User, groups []string, sudoersGroup string) error {
	record := f.users[user.Username]
	for _, group := range groups {
		if group == sudoersGroup && record.Role == store.RoleAdmin {
			continue
		}
		delete(f.edges, store.Edge{GroupName: group, Username: user.Username})
		var kept []string
		for _, g := range record.AdditionalGroups {
			if g != group {
				kept = append(kept, g)
			}
		}
		record.AdditionalGroups = kept
	}
	f.users[user.Username] = record
	return nil
}

func groupEntry(name string, gid int) directory.Entry {
	return directory.Entry{
		DN: fmt.Sprintf("CN=%s,OU=Groups,DC=corp,DC=example,DC=com", name),
		Attributes: map[string][]string{
			"cn":             {name},
			"sAMAccountName": {name},
			"gidNumber":      {fmt.Sprint(gid)},
		},
	}
}

func userEntry(samAccountName string) directory.Entry {
	return directory.Entry{
		DN: fmt.Sprintf("CN=%s,OU=Users,DC=corp,DC=example,DC=com", samAccountName),
		Attributes: map[string][]string{
			"sAMAccountName": {samAccountName},
			"mail":           {samAccountName + "@corp.example.com"},
			"uidNumber":      {"5001"},
			"gidNumber":      {"6001"},
			"loginShell":     {"/bin/bash"},
			"homeDirectory":  {"/home/" + samAccountName},
		},
	}
}

func testConfig() config.Config {
	return config.Config{
		EnvironmentName:      "res-test",
		ClusterAdminUsername: "clusteradmin",
		LDAPBase:             "DC=corp,DC=example,DC=com",
		UsersOU:              "OU=Users,DC=corp,DC=example,DC=com",
		GroupsOU:             "OU=Groups,DC=corp,DC=example,DC=com",
		SudoersGroupName:     "cluster-admins",
	}
}

func testOrchestrator(dir Searcher, st AccountStore) *Orchestrator {
	return New(dir, st, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunFullPass(t *testing.T) {
	dir := &fakeDirectory{
		groups: []directory.Entry{groupEntry("eng", 6001), groupEntry("ops", 6002)},
		users:  []directory.Entry{userEntry("alice"), userEntry("bob")},
		members: map[string][]directory.Entry{
			"eng": {userEntry("alice"), userEntry("bob")},
			"ops": {userEntry("bob")},
		},
	}
	st := newFakeStore()

	result, err := testOrchestrator(dir, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.GroupsCreated)
	assert.Equal(t, 2, result.UsersCreated)
	assert.Empty(t, result.GroupsFailed)
	assert.Empty(t, result.UsersFailed)

	alice := st.users["alice"]
	assert.Equal(t, []string{"eng"}, alice.AdditionalGroups)
	assert.Equal(t, "alice@corp.example.com", alice.Email)
	assert.Equal(t, 5001, alice.UID)
	assert.Equal(t, store.IdentitySourceDirectory, alice.IdentitySource)
	assert.False(t, alice.Sudo)
	assert.False(t, alice.IsActive)

	bob := st.users["bob"]
	assert.Equal(t, []string{"eng", "ops"}, bob.AdditionalGroups)

	assert.True(t, st.edges[store.Edge{GroupName: "eng", Username: "alice"}])
	assert.True(t, st.edges[store.Edge{GroupName: "ops", Username: "bob"}])
	assert.False(t, st.edges[store.Edge{GroupName: "ops", Username: "alice"}])
}

func TestRunIsIdempotent(t *testing.T) {
	dir := &fakeDirectory{
		groups: []directory.Entry{groupEntry("eng", 6001)},
		users:  []directory.Entry{userEntry("alice")},
		members: map[string][]directory.Entry{
			"eng": {userEntry("alice")},
		},
	}
	st := newFakeStore()
	o := testOrchestrator(dir, st)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.GroupsCreated)
	assert.Equal(t, 0, result.GroupsDeleted)
	assert.Equal(t, 0, result.UsersCreated)
	assert.Equal(t, 0, result.UsersDeleted)
	assert.Equal(t, []string{"eng"}, st.users["alice"].AdditionalGroups)
}

func TestRunDeletesDepartedEntities(t *testing.T) {
	st := newFakeStore()
	st.groups["old"] = store.Group{Name: "old", IdentitySource: store.IdentitySourceDirectory}
	st.users["gone"] = store.User{Username: "gone", IdentitySource: store.IdentitySourceDirectory}
	st.edges[store.Edge{GroupName: "old", Username: "gone"}] = true

	dir := &fakeDirectory{}
	result, err := testOrchestrator(dir, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.GroupsDeleted)
	assert.Equal(t, 1, result.UsersDeleted)
	assert.Empty(t, st.groups)
	assert.Empty(t, st.users)
	assert.Empty(t, st.edges)
}

func TestRunNeverDeletesClusterAdmin(t *testing.T) {
	st := newFakeStore()
	st.users["clusteradmin"] = store.User{
		Username:       "clusteradmin",
		Role:           store.RoleAdmin,
		IdentitySource: store.IdentitySourceDirectory,
	}

	result, err := testOrchestrator(&fakeDirectory{}, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.UsersDeleted)
	assert.Contains(t, st.users, "clusteradmin")
}

func TestRunIsolatesFailedGroups(t *testing.T) {
	dir := &fakeDirectory{
		groups: []directory.Entry{groupEntry("eng", 6001), groupEntry("broken", 6002)},
		users:  []directory.Entry{userEntry("alice")},
		members: map[string][]directory.Entry{
			"eng":    {userEntry("alice")},
			"broken": {userEntry("alice")},
		},
	}
	st := newFakeStore()
	st.putGroupErr = map[string]error{"broken": errors.New("write throttled")}

	result, err := testOrchestrator(dir, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.GroupsCreated)
	assert.Equal(t, []string{"broken"}, result.FailedGroupNames())

	// The failed group never reaches the user's membership.
	assert.Equal(t, []string{"eng"}, st.users["alice"].AdditionalGroups)
	assert.False(t, st.edges[store.Edge{GroupName: "broken", Username: "alice"}])
}

func TestRunUpdatesMembershipDiff(t *testing.T) {
	st := newFakeStore()
	st.groups["eng"] = store.Group{Name: "eng", IdentitySource: store.IdentitySourceDirectory}
	st.groups["ops"] = store.Group{Name: "ops", IdentitySource: store.IdentitySourceDirectory}
	st.users["alice"] = store.User{
		Username:         "alice",
		AdditionalGroups: []string{"ops"},
		IdentitySource:   store.IdentitySourceDirectory,
	}
	st.edges[store.Edge{GroupName: "ops", Username: "alice"}] = true

	dir := &fakeDirectory{
		groups: []directory.Entry{groupEntry("eng", 6001), groupEntry("ops", 6002)},
		users:  []directory.Entry{userEntry("alice")},
		members: map[string][]directory.Entry{
			"eng": {userEntry("alice")},
		},
	}

	result, err := testOrchestrator(dir, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.UsersUpdated)
	assert.Equal(t, []string{"eng"}, st.users["alice"].AdditionalGroups)
	assert.True(t, st.edges[store.Edge{GroupName: "eng", Username: "alice"}])
	assert.False(t, st.edges[store.Edge{GroupName: "ops", Username: "alice"}])
}

func TestRunPreservesAdminSudoersMembership(t *testing.T) {
	st := newFakeStore()
	st.groups["cluster-admins"] = store.Group{Name: "cluster-admins", IdentitySource: store.IdentitySourceDirectory}
	st.users["alice"] = store.User{
		Username:         "alice",
		Role:             store.RoleAdmin,
		AdditionalGroups: []string{"cluster-admins"},
		IdentitySource:   store.IdentitySourceDirectory,
	}
	st.edges[store.Edge{GroupName: "cluster-admins", Username: "alice"}] = true

	// Directory still has the group and the user, but no longer lists the
	// membership. The admin's sudoers membership survives the diff.
	dir := &fakeDirectory{
		groups:  []directory.Entry{groupEntry("cluster-admins", 6001)},
		users:   []directory.Entry{userEntry("alice")},
		members: map[string][]directory.Entry{},
	}

	_, err := testOrchestrator(dir, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"cluster-admins"}, st.users["alice"].AdditionalGroups)
	assert.True(t, st.edges[store.Edge{GroupName: "cluster-admins", Username: "alice"}])
}

func TestRunRequiresConfiguration(t *testing.T) {
	cfg := config.FromSettings(config.Env{EnvironmentName: "res-test"}, map[string]string{})
	o := New(&fakeDirectory{}, newFakeStore(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := o.Run(context.Background())
	var missing *config.MissingKeysError
	assert.ErrorAs(t, err, &missing)
}

func TestConvertUserIdentityFromSAMAccountName(t *testing.T) {
	entry := userEntry("alice")
	entry.Attributes["uid"] = []string{"alice.legacy"}

	user, ok := convertUser(entry)
	require.True(t, ok)
	assert.Equal(t, "alice", user.SAMAccountName)

	// The stored record carries the SAM account name, regardless of any
	// uid attribute on the entry.
	dir := &fakeDirectory{users: []directory.Entry{entry}}
	st := newFakeStore()
	_, err := testOrchestrator(dir, st).Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, st.users, "alice")
	assert.NotContains(t, st.users, "alice.legacy")
}

func TestConsolidateMergesGroupTags(t *testing.T) {
	mappings := make(map[string]*directoryUser)
	consolidate(mappings, []directory.Entry{userEntry("Alice")}, "")
	consolidate(mappings, []directory.Entry{userEntry("alice")}, "eng")
	consolidate(mappings, []directory.Entry{userEntry("ALICE")}, "ops")

	require.Len(t, mappings, 1)
	user := mappings["alice"]
	// First occurrence wins for core attributes.
	assert.Equal(t, "Alice", user.SAMAccountName)
	assert.Equal(t, []string{"eng", "ops"}, user.groupNames())
}
