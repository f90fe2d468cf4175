// Package store is the account store client: users, groups and group
// membership tables keyed by name, plus the cluster settings table.
package store

// Identity source tags. Exactly one source owns a username at a time.
const (
	IdentitySourceDirectory = "SSO"
	IdentitySourcePool      = "Native user"
)

// Account roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// GroupTypeProject is the default group type for reconciled groups.
const GroupTypeProject = "project"

// User is one account record. Username is the case-insensitive hash key.
type User struct {
	Username         string   `dynamodbav:"username"`
	Email            string   `dynamodbav:"email"`
	UID              int      `dynamodbav:"uid,omitempty"`
	GID              int      `dynamodbav:"gid"`
	LoginShell       string   `dynamodbav:"login_shell"`
	HomeDir          string   `dynamodbav:"home_dir"`
	AdditionalGroups []string `dynamodbav:"additional_groups"`
	Sudo             bool     `dynamodbav:"sudo"`
	Enabled          bool     `dynamodbav:"enabled"`
	IsActive         bool     `dynamodbav:"is_active"`
	Role             string   `dynamodbav:"role"`
	IdentitySource   string   `dynamodbav:"identity_source"`
	CreatedOn        int64    `dynamodbav:"created_on,omitempty"`
	UpdatedOn        int64    `dynamodbav:"updated_on,omitempty"`
	SyncedOn         int64    `dynamodbav:"synced_on,omitempty"`
}

// Group is one group record. Name is the hash key.
type Group struct {
	Name           string `dynamodbav:"group_name"`
	DSName         string `dynamodbav:"ds_name,omitempty"`
	GID            int    `dynamodbav:"gid"`
	Title          string `dynamodbav:"title,omitempty"`
	Role           string `dynamodbav:"role"`
	GroupType      string `dynamodbav:"group_type,omitempty"`
	Enabled        bool   `dynamodbav:"enabled"`
	IdentitySource string `dynamodbav:"identity_source"`
	CreatedOn      int64  `dynamodbav:"created_on,omitempty"`
	UpdatedOn      int64  `dynamodbav:"updated_on,omitempty"`
}

// GroupMember is one membership edge: hash key group name, range key
// username. Edges are derived state, recomputed each reconciliation pass.
type GroupMember struct {
	GroupName      string `dynamodbav:"group_name"`
	Username       string `dynamodbav:"username"`
	IdentitySource string `dynamodbav:"identity_source"`
}

// Edge is the (group, username) pair used for membership diffs.
type Edge struct {
	GroupName string
	Username  string
}
