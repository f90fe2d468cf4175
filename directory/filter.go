package directory

import (
	"fmt"
	"strings"
)

// Filter is a composable LDAP search filter fragment.
type Filter interface {
	String() string
}

type rawFilter string

func (f rawFilter) String() string {
	return string(f)
}

// Raw wraps an already-formed filter string. Caller-supplied fragments
// should be passed through Validate first.
func Raw(filter string) Filter {
	return rawFilter(filter)
}

type andFilter struct {
	parts []Filter
}

func And(filters ...Filter) Filter {
	return andFilter{parts: filters}
}

func (f andFilter) String() string {
	var parts []string
	for _, p := range f.parts {
		parts = append(parts, p.String())
	}
	return "(&" + strings.Join(parts, "") + ")"
}

type orFilter struct {
	parts []Filter
}

func Or(filters ...Filter) Filter {
	return orFilter{parts: filters}
}

func (f orFilter) String() string {
	var parts []string
	for _, p := range f.parts {
		parts = append(parts, p.String())
	}
	return "(|" + strings.Join(parts, "") + ")"
}

type notFilter struct {
	part Filter
}

func Not(f Filter) Filter {
	return notFilter{part: f}
}

func (f notFilter) String() string {
	return "(!" + f.part.String() + ")"
}

func Eq(attr, value string) Filter {
	return rawFilter("(" + attr + "=" + value + ")")
}

func Present(attr string) Filter {
	return rawFilter("(" + attr + "=*)")
}

// Common object-class filters.
const (
	AllGroupObjects = "(objectClass=group)"
	AllUserObjects  = "(objectClass=user)"
)

// FilterError reports a malformed caller-supplied filter fragment. It is
// fatal for the pass that supplied it: the filter is never partially applied.
type FilterError struct {
	Filter string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid LDAP filter %q: filter must be a complete parenthesized expression, see https://ldap.com/ldap-filters/", e.Filter)
}

// Validate checks that a configured filter fragment is a complete
// parenthesized expression and therefore safe to combine with And.
func Validate(filter string) error {
	if filter == "" {
		return nil
	}
	if !strings.HasPrefix(filter, "(") || !strings.HasSuffix(filter, ")") {
		return &FilterError{Filter: filter}
	}
	return nil
}

// Combine joins a mandatory object-class filter with an optional validated
// caller fragment.
func Combine(objectClassFilter, fragment string) (string, error) {
	if fragment == "" {
		return objectClassFilter, nil
	}
	if err := Validate(fragment); err != nil {
		return "", err
	}
	return And(Raw(objectClassFilter), Raw(fragment)).String(), nil
}
