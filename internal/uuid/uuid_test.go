// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"regexp"
	"testing"
)

var canonical = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// TestNew tests that New() generates canonical v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !canonical.MatchString(id) {
		t.Errorf("Generated id does not match v4 format: %s", id)
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Fatalf("Duplicate id generated: %s", id)
		}
		ids[id] = true
	}
}

// TestNormalize tests canonicalization and rejection of foreign ids.
func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercase v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"uppercase v4", "F47AC10B-58CC-4372-A567-0E02B2C3D479", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"padded", "  f47ac10b-58cc-4372-a567-0e02b2c3d479 ", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "", true},
		{"garbage", "INV-1", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if IsValid(tt.in) == tt.wantErr {
				t.Errorf("IsValid(%q) disagrees with Normalize", tt.in)
			}
		})
	}
}
