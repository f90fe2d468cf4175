package poolsync

import "fmt"

// maxGroupNameLength bounds derivable group names so the encoding stays
// inside the configured numeric id range.
const maxGroupNameLength = 6

// GroupNameError reports a group name that cannot be mapped to a gid.
// It aborts only that group's processing, never the pass.
type GroupNameError struct {
	Name   string
	Reason string
}

func (e *GroupNameError) Error() string {
	return fmt.Sprintf("cannot derive gid for group %q: %s", e.Name, e.Reason)
}

// DeriveGID maps a group name deterministically into the configured id
// range. The name is read as a base-27 numeral with 'a'..'z' as digits
// 1..26; zero is never a digit so shorter names stay distinct from longer
// names sharing a prefix ("a" and "aa" encode differently). The encoded
// value is shifted by minID-1, so DeriveGID("a", minID) == minID.
func DeriveGID(groupName string, minID int) (int, error) {
	if len(groupName) == 0 {
		return 0, &GroupNameError{Name: groupName, Reason: "name is empty"}
	}
	if len(groupName) > maxGroupNameLength {
		return 0, &GroupNameError{Name: groupName, Reason: fmt.Sprintf("name exceeds %d characters", maxGroupNameLength)}
	}

	encoded := 0
	weight := 1
	for i := len(groupName) - 1; i >= 0; i-- {
		c := groupName[i]
		if c < 'a' || c > 'z' {
			return 0, &GroupNameError{Name: groupName, Reason: "name must consist of lowercase letters a-z"}
		}
		encoded += int(c-'a'+1) * weight
		weight *= 27
	}

	return encoded + minID - 1, nil
}
