package util

import (
	"strings"
	"testing"
)

const (
	id1 = "sGvgBXbBcVCjBIKCLS2Os"
	id2 = "tHwhCYcCdWDkCJLDMT3Pt"
)

func TestIsNanoid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"Valid21Chars", id1, true},
		{"Valid21CharsAlt", id2, true},
		{"TooShort", "abc123", false},
		{"TooLong", "sGvgBXbBcVCjBIKCLS2OsX", false},
		{"WithSpace", "sGvgBXbBcVCjBIKCL 2Os", false},
		{"WithComma", "sGvgBXbBcVCjBIKCL,2Os", false},
		{"Empty", "", false},
		{"AllDashes", "---------------------", true},
		{"AllUnderscores", "_____________________", true},
		{"MixedValid", "Aa0_-Bb1_-Cc2_-Dd3_-E", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := IsNanoid(tc.in)
			if got != tc.want {
				t.Fatalf("IsNanoid(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestNewJobID(t *testing.T) {
	seen := make(map[string]struct{})
	for range 50 {
		id, err := NewJobID()
		if err != nil {
			t.Fatalf("NewJobID: %v", err)
		}
		if !IsNanoid(id) {
			t.Fatalf("NewJobID returned %q which is not a nanoid", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewDatasetID(t *testing.T) {
	id, err := NewDatasetID(id1, "overindex")
	if err != nil {
		t.Fatalf("NewDatasetID: %v", err)
	}
	prefix := "overindex-" + id1 + "-"
	if !strings.HasPrefix(id, prefix) || len(id) != len(prefix)+8 {
		t.Fatalf("unexpected dataset id %q", id)
	}
}
