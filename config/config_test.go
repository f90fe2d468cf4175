package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeSettings() map[string]string {
	return map[string]string{
		KeyLDAPConnectionURI:        "ldaps://ad.corp.example.com:636",
		KeyDomainName:               "corp.example.com",
		KeyShortName:                "CORP",
		KeyLDAPBase:                 "DC=corp,DC=example,DC=com",
		KeyUsersOU:                  "OU=Users,DC=corp,DC=example,DC=com",
		KeyGroupsOU:                 "OU=Groups,DC=corp,DC=example,DC=com",
		KeyComputersOU:              "OU=Computers,DC=corp,DC=example,DC=com",
		KeySudoersGroupName:         "cluster-admins",
		KeyServiceAccountDNSecret:   "arn:aws:secretsmanager:us-east-1:111:secret:dn",
		KeyServiceAccountCredSecret: "arn:aws:secretsmanager:us-east-1:111:secret:creds",
	}
}

func TestFromSettingsComplete(t *testing.T) {
	settings := completeSettings()
	settings[KeyUsersFilter] = "(department=research)"
	settings[KeyPoolMinID] = "2000"
	settings[KeyPoolMaxID] = "4000"
	settings[KeyVisibilityTimeout] = "45"
	settings[KeyPrivateSubnets] = "subnet-1, subnet-2"

	cfg := FromSettings(Env{EnvironmentName: "res-test"}, settings)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "res-test", cfg.EnvironmentName)
	assert.Equal(t, "(department=research)", cfg.UsersFilter)
	assert.Equal(t, 2000, cfg.MinID)
	assert.Equal(t, 4000, cfg.MaxID)
	assert.Equal(t, 45*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, []string{"subnet-1", "subnet-2"}, cfg.Subnets)
}

func TestFromSettingsDefaults(t *testing.T) {
	cfg := FromSettings(Env{EnvironmentName: "res-test"}, completeSettings())

	assert.Equal(t, DefaultClusterAdmin, cfg.ClusterAdminUsername)
	assert.Equal(t, DefaultPoolDefaultGroup, cfg.PoolDefaultGroup)
	assert.Equal(t, DefaultVisibilityTimeout, cfg.VisibilityTimeout)
}

func TestValidateReportsEveryMissingKey(t *testing.T) {
	settings := completeSettings()
	delete(settings, KeyLDAPConnectionURI)
	delete(settings, KeyGroupsOU)
	settings[KeySudoersGroupName] = ""

	cfg := FromSettings(Env{EnvironmentName: "res-test"}, settings)
	err := cfg.Validate()

	var missing *MissingKeysError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{
		KeyGroupsOU,
		KeyLDAPConnectionURI,
		KeySudoersGroupName,
	}, missing.Keys)
	assert.Contains(t, err.Error(), "directory configuration not found")
}

func TestValidateAllMissing(t *testing.T) {
	cfg := FromSettings(Env{EnvironmentName: "res-test"}, map[string]string{})

	var missing *MissingKeysError
	require.ErrorAs(t, cfg.Validate(), &missing)
	assert.Len(t, missing.Keys, len(RequiredDirectoryKeys))
}

func TestLoadEnvRequiresEnvironmentName(t *testing.T) {
	t.Setenv("environment_name", "")
	_, err := LoadEnv("")
	assert.Error(t, err)

	t.Setenv("environment_name", "res-test")
	env, err := LoadEnv("")
	require.NoError(t, err)
	assert.Equal(t, "res-test", env.EnvironmentName)
}
