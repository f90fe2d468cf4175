package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrTerminal wraps failures that retrying the same message cannot fix.
// The message is deleted after logging.
var ErrTerminal = errors.New("terminal automation failure")

// ErrRetryable wraps transient failures. The message is left on the queue
// and redelivered after the visibility timeout.
var ErrRetryable = errors.New("retryable automation failure")

// DirectoryWriter is the directory write surface the agent uses.
type DirectoryWriter interface {
	AddEntry(dn string, attributes map[string][]string) error
	ModifyEntry(dn string, replace map[string][]string) error
	DeleteEntry(dn string) error
}

// computerDN builds the computer object's distinguished name under the
// computers OU.
func computerDN(hostname, computersOU string) string {
	return fmt.Sprintf("CN=%s,%s", strings.ToUpper(hostname), computersOU)
}

// resultCode unwraps the directory result code from a possibly wrapped
// error chain.
func resultCode(err error) (uint16, bool) {
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return ldapErr.ResultCode, true
	}
	return 0, false
}

// classify folds directory result codes into the retry policy.
// Object-state codes are terminal; everything else is assumed transient
// (network, referral chasing, busy server).
func classify(op string, err error) error {
	if code, ok := resultCode(err); ok {
		switch code {
		case ldap.LDAPResultNoSuchObject,
			ldap.LDAPResultEntryAlreadyExists,
			ldap.LDAPResultInvalidDNSyntax,
			ldap.LDAPResultInsufficientAccessRights,
			ldap.LDAPResultObjectClassViolation,
			ldap.LDAPResultNotAllowedOnNonLeaf:
			return fmt.Errorf("%s: %w: %w", op, ErrTerminal, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRetryable, err)
}

func hasResultCode(err error, code uint16) bool {
	got, ok := resultCode(err)
	return ok && got == code
}

// presetComputer pre-stages the computer object so the instance can join
// the domain without delegated create rights.
func (a *Agent) presetComputer(request Request) error {
	dn := computerDN(request.Hostname, a.cfg.ComputersOU)
	name := strings.ToUpper(request.Hostname)
	attributes := map[string][]string{
		"objectClass":    {"top", "person", "organizationalPerson", "user", "computer"},
		"cn":             {name},
		"sAMAccountName": {name + "$"},
		"description":    {request.Description},
		// UF_WORKSTATION_TRUST_ACCOUNT | UF_PASSWD_NOTREQD
		"userAccountControl": {"4128"},
	}
	if err := a.dir.AddEntry(dn, attributes); err != nil {
		if hasResultCode(err, ldap.LDAPResultEntryAlreadyExists) {
			a.log.Info("computer object already present", "dn", dn)
			return nil
		}
		return classify("preset computer", err)
	}
	a.log.Info("preset computer object", "dn", dn, "instance_id", request.InstanceID)
	return nil
}

func (a *Agent) updateComputerDescription(request Request) error {
	dn := computerDN(request.Hostname, a.cfg.ComputersOU)
	err := a.dir.ModifyEntry(dn, map[string][]string{
		"description": {request.Description},
	})
	if err != nil {
		return classify("update computer description", err)
	}
	a.log.Info("updated computer description", "dn", dn)
	return nil
}

func (a *Agent) deleteComputer(request Request) error {
	dn := computerDN(request.Hostname, a.cfg.ComputersOU)
	if err := a.dir.DeleteEntry(dn); err != nil {
		if hasResultCode(err, ldap.LDAPResultNoSuchObject) {
			a.log.Info("computer object already absent", "dn", dn)
			return nil
		}
		return classify("delete computer", err)
	}
	a.log.Info("deleted computer object", "dn", dn, "instance_id", request.InstanceID)
	return nil
}
