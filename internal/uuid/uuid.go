// Package uuid generates and checks the identifiers given to pending changes
// and control-channel messages.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New generates a new random (v4) identifier in canonical lowercase form.
func New() string {
	return uuid.New().String()
}

// Normalize parses s and returns its canonical lowercase form. Only v4
// identifiers are accepted since those are the only ones the agent issues.
func Normalize(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("invalid id %q: expected v4, got v%d", s, id.Version())
	}
	if id.Variant() != uuid.RFC4122 {
		return "", fmt.Errorf("invalid id %q: unexpected variant", s)
	}
	return id.String(), nil
}

// IsValid reports whether s is an identifier the agent could have issued.
func IsValid(s string) bool {
	_, err := Normalize(s)
	return err == nil
}
