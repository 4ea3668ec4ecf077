// Package idgen generates and normalizes identifiers.
//
// Every identifier that reaches storage is lower-cased first: the mobile
// clients produce upper-case UUID strings while the database compares
// text columns case-sensitively.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID in lower-case canonical form.
func New() string {
	return uuid.NewString()
}

// Normalize trims and lower-cases an identifier.
func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NormalizePtr is Normalize for optional identifiers. Empty input yields nil.
func NormalizePtr(id *string) *string {
	if id == nil {
		return nil
	}
	n := Normalize(*id)
	if n == "" {
		return nil
	}
	return &n
}

// IsUUID reports whether s parses as a UUID in any accepted textual form.
func IsUUID(s string) bool {
	_, err := uuid.Parse(strings.TrimSpace(s))
	return err == nil
}
