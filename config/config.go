// Package config consolidates every setting the sync components read:
// process-level values from the environment (optionally a settings.env file)
// and directory/pool settings from the cluster settings table.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Settings-table keys for the directory service.
	KeyLDAPConnectionURI        = "directoryservice.ldap_connection_uri"
	KeyDomainName               = "directoryservice.name"
	KeyShortName                = "directoryservice.ad_short_name"
	KeyLDAPBase                 = "directoryservice.ldap_base"
	KeyUsersOU                  = "directoryservice.users.ou"
	KeyGroupsOU                 = "directoryservice.groups.ou"
	KeyComputersOU              = "directoryservice.computers.ou"
	KeyUsersFilter              = "directoryservice.users_filter"
	KeyGroupsFilter             = "directoryservice.groups_filter"
	KeySudoersGroupName         = "directoryservice.sudoers.group_name"
	KeyServiceAccountDNSecret   = "directoryservice.root_user_dn_secret_arn"
	KeyServiceAccountCredSecret = "directoryservice.service_account_credentials_secret_arn"
	KeyTLSCertificateSecret     = "directoryservice.tls_certificate_secret_arn"
	KeyAutomationQueueURL       = "directoryservice.ad_automation.sqs_queue_url"
	KeyVisibilityTimeout        = "directoryservice.ad_automation.sqs_visibility_timeout_seconds"

	// Settings-table keys for the identity pool.
	KeyUserPoolID           = "identity-provider.cognito.user_pool_id"
	KeyPoolSudoersGroupName = "identity-provider.cognito.sudoers.group_name"
	KeyPoolDefaultGroup     = "identity-provider.cognito.default_user_group"
	KeyPoolMinID            = "identity-provider.cognito.min_id_inclusive"
	KeyPoolMaxID            = "identity-provider.cognito.max_id_inclusive"

	// Settings-table keys for the worker task network placement.
	KeyPrivateSubnets  = "cluster.network.private_subnets"
	KeySecurityGroupID = "ad-sync.security_group_id"

	KeyClusterAdminUsername = "cluster.administrator_username"
)

// RequiredDirectoryKeys must all be present and non-empty before a
// directory sync pass may start.
var RequiredDirectoryKeys = []string{
	KeyShortName,
	KeyComputersOU,
	KeyGroupsOU,
	KeyLDAPBase,
	KeyLDAPConnectionURI,
	KeyDomainName,
	KeyServiceAccountDNSecret,
	KeyServiceAccountCredSecret,
	KeyUsersOU,
	KeySudoersGroupName,
}

const (
	DefaultClusterAdmin      = "clusteradmin"
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultPoolDefaultGroup  = "users"
	DefaultLoginShell        = "/bin/bash"
)

// Env holds the process-level values that exist before the settings table
// can be reached.
type Env struct {
	EnvironmentName string
	SettingsFile    string
}

// LoadEnv reads the optional settings.env file and the process environment.
// The environment name is required since every table name derives from it.
func LoadEnv(settingsFile string) (Env, error) {
	if settingsFile != "" {
		if err := godotenv.Load(settingsFile); err != nil && !os.IsNotExist(err) {
			return Env{}, fmt.Errorf("load %s: %w", settingsFile, err)
		}
	}

	name := os.Getenv("environment_name")
	if name == "" {
		return Env{}, fmt.Errorf("environment_name is not set")
	}

	return Env{EnvironmentName: name, SettingsFile: settingsFile}, nil
}

// Config is the full configuration for the sync components.
type Config struct {
	EnvironmentName      string
	ClusterAdminUsername string

	// Directory settings.
	LDAPConnectionURI         string
	DomainName                string
	ShortName                 string
	LDAPBase                  string
	UsersOU                   string
	GroupsOU                  string
	ComputersOU               string
	UsersFilter               string
	GroupsFilter              string
	SudoersGroupName          string
	ServiceAccountDNSecretARN string
	ServiceAccountSecretARN   string
	TLSCertificateSecretARN   string

	// Identity pool settings.
	UserPoolID           string
	PoolSudoersGroupName string
	PoolDefaultGroup     string
	MinID                int
	MaxID                int

	// Automation queue settings.
	AutomationQueueURL string
	VisibilityTimeout  time.Duration

	// Worker task network placement.
	Subnets         []string
	SecurityGroupID string

	missing []string
}

// FromSettings builds a Config from the settings-table map. Values absent
// from the map stay zero; callers gate on Validate before a directory pass.
func FromSettings(env Env, settings map[string]string) Config {
	cfg := Config{
		EnvironmentName:      env.EnvironmentName,
		ClusterAdminUsername: withDefault(settings[KeyClusterAdminUsername], DefaultClusterAdmin),

		LDAPConnectionURI:         settings[KeyLDAPConnectionURI],
		DomainName:                settings[KeyDomainName],
		ShortName:                 settings[KeyShortName],
		LDAPBase:                  settings[KeyLDAPBase],
		UsersOU:                   settings[KeyUsersOU],
		GroupsOU:                  settings[KeyGroupsOU],
		ComputersOU:               settings[KeyComputersOU],
		UsersFilter:               settings[KeyUsersFilter],
		GroupsFilter:              settings[KeyGroupsFilter],
		SudoersGroupName:          settings[KeySudoersGroupName],
		ServiceAccountDNSecretARN: settings[KeyServiceAccountDNSecret],
		ServiceAccountSecretARN:   settings[KeyServiceAccountCredSecret],
		TLSCertificateSecretARN:   settings[KeyTLSCertificateSecret],

		UserPoolID:           settings[KeyUserPoolID],
		PoolSudoersGroupName: settings[KeyPoolSudoersGroupName],
		PoolDefaultGroup:     withDefault(settings[KeyPoolDefaultGroup], DefaultPoolDefaultGroup),

		AutomationQueueURL: settings[KeyAutomationQueueURL],
		VisibilityTimeout:  DefaultVisibilityTimeout,

		SecurityGroupID: settings[KeySecurityGroupID],
	}

	if v, err := strconv.Atoi(settings[KeyVisibilityTimeout]); err == nil && v > 0 {
		cfg.VisibilityTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(settings[KeyPoolMinID]); err == nil {
		cfg.MinID = v
	}
	if v, err := strconv.Atoi(settings[KeyPoolMaxID]); err == nil {
		cfg.MaxID = v
	}
	if subnets := settings[KeyPrivateSubnets]; subnets != "" {
		for _, s := range strings.Split(subnets, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Subnets = append(cfg.Subnets, s)
			}
		}
	}

	for _, key := range RequiredDirectoryKeys {
		if settings[key] == "" {
			cfg.missing = append(cfg.missing, key)
		}
	}
	sort.Strings(cfg.missing)

	return cfg
}

// MissingKeysError reports the complete set of required directory settings
// that are absent. Its presence means the directory sync must not run.
type MissingKeysError struct {
	Keys []string
}

func (e *MissingKeysError) Error() string {
	return fmt.Sprintf("directory configuration not found: missing settings %s", strings.Join(e.Keys, ", "))
}

// Validate checks that every required directory setting is present.
func (c *Config) Validate() error {
	if len(c.missing) > 0 {
		return &MissingKeysError{Keys: c.missing}
	}
	return nil
}

func withDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
