package adsync

import (
	"sort"
	"strconv"
	"strings"

	"github.com/staskh/idsync/directory"
)

var (
	groupAttributes = []string{"cn", "gidNumber", "sAMAccountName"}
	userAttributes  = []string{"cn", "uid", "sAMAccountName", "mail", "uidNumber", "gidNumber", "loginShell", "homeDirectory"}
)

// directoryGroup is the canonical form of one directory group entry.
type directoryGroup struct {
	Name   string
	DSName string
	GID    int
}

func convertGroup(entry directory.Entry) (directoryGroup, bool) {
	name := entry.Get("cn")
	if name == "" {
		return directoryGroup{}, false
	}
	gid, _ := strconv.Atoi(entry.Get("gidNumber"))
	return directoryGroup{
		Name:   name,
		DSName: entry.Get("sAMAccountName"),
		GID:    gid,
	}, true
}

// directoryUser is the canonical form of one directory user entry. The map
// key is the lowercased SAM account name, which is also the stored
// username; AdditionalGroups accumulates the names of every group the user
// was discovered through.
type directoryUser struct {
	SAMAccountName   string
	Email            string
	UID              int
	GID              int
	LoginShell       string
	HomeDir          string
	AdditionalGroups map[string]struct{}
}

func convertUser(entry directory.Entry) (directoryUser, bool) {
	samAccountName := entry.Get("sAMAccountName")
	if samAccountName == "" {
		return directoryUser{}, false
	}

	uid, _ := strconv.Atoi(entry.Get("uidNumber"))
	gid, _ := strconv.Atoi(entry.Get("gidNumber"))

	return directoryUser{
		SAMAccountName:   samAccountName,
		Email:            entry.Get("mail"),
		UID:              uid,
		GID:              gid,
		LoginShell:       entry.Get("loginShell"),
		HomeDir:          entry.Get("homeDirectory"),
		AdditionalGroups: make(map[string]struct{}),
	}, true
}

// consolidate merges a batch of user entries into the username-keyed map.
// The first occurrence of a user's core attributes wins; group tags are
// unioned across occurrences.
func consolidate(mappings map[string]*directoryUser, entries []directory.Entry, groupName string) {
	for _, entry := range entries {
		user, ok := convertUser(entry)
		if !ok {
			continue
		}

		key := strings.ToLower(user.SAMAccountName)
		existing, ok := mappings[key]
		if !ok {
			existing = &user
			mappings[key] = existing
		}
		if groupName != "" {
			existing.AdditionalGroups[groupName] = struct{}{}
		}
	}
}

func (u *directoryUser) groupNames() []string {
	names := make([]string, 0, len(u.AdditionalGroups))
	for name := range u.AdditionalGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
