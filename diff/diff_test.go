package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnly(t *testing.T) {
	tests := []struct {
		name string
		a    []string
		b    []string
		want []string
	}{
		{"disjoint", []string{"x", "y"}, []string{"z"}, []string{"x", "y"}},
		{"overlap", []string{"x", "y", "z"}, []string{"y"}, []string{"x", "z"}},
		{"identical", []string{"x", "y"}, []string{"x", "y"}, nil},
		{"duplicates in a", []string{"x", "x", "y"}, []string{"z"}, []string{"x", "y"}},
		{"empty a", nil, []string{"x"}, nil},
		{"empty b", []string{"x"}, nil, []string{"x"}},
		{"preserves order", []string{"c", "a", "b"}, nil, []string{"c", "a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Only(tt.a, tt.b))
		})
	}
}

func TestBoth(t *testing.T) {
	tests := []struct {
		name string
		a    []string
		b    []string
		want []string
	}{
		{"disjoint", []string{"x"}, []string{"y"}, nil},
		{"overlap", []string{"x", "y", "z"}, []string{"z", "x"}, []string{"x", "z"}},
		{"duplicates in a", []string{"x", "x"}, []string{"x"}, []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Both(tt.a, tt.b))
		})
	}
}

func TestWithout(t *testing.T) {
	got := Without([]string{"alice", "bob", "admin"}, []string{"bob"}, "admin")
	assert.Equal(t, []string{"alice"}, got)

	// Extra exclusions apply even with an empty b.
	got = Without([]string{"alice", "admin"}, nil, "admin")
	assert.Equal(t, []string{"alice"}, got)
}

func TestOnlyStructs(t *testing.T) {
	type edge struct{ group, user string }
	a := []edge{{"eng", "alice"}, {"ops", "bob"}}
	b := []edge{{"ops", "bob"}}
	assert.Equal(t, []edge{{"eng", "alice"}}, Only(a, b))
}
