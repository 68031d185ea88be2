// Package idgen generates identifiers for escrows, disputes, ledger entries
// and transition claims.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dash-less time-ordered UUID, e.g.
// "esc_0190d3e4c1a47c3e9d2c6a1f0b5e8d7a". Time ordering keeps B-tree inserts
// append-mostly and makes IDs roughly sortable by creation.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Valid reports whether s is a prefixed ID produced by WithPrefix.
func Valid(prefix, s string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	rest := s[len(prefix):]
	if len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
