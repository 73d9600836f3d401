package idgen

import (
	"strings"
	"testing"
)

func TestRandomGenerator_NewID_Shape(t *testing.T) {
	gen := NewRandomGenerator()

	for i := 0; i < 100; i++ {
		id := gen.NewID()
		if len(id) != Length {
			t.Fatalf("expected id of length %d, got %q", Length, id)
		}
		for _, c := range id {
			if !strings.ContainsRune(Alphabet, c) {
				t.Fatalf("id %q contains %q outside the alphabet", id, c)
			}
		}
	}
}

func TestRandomGenerator_NewID_Unique(t *testing.T) {
	gen := NewRandomGenerator()
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := gen.NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q after %d generations", id, i)
		}
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"abcdefghij", true},
		{"ABCDEFGHIJ", true},
		{"a1B2_-c3D4", true},
		{"0123456789", true},
		{"", false},
		{"short", false},
		{"toolongtoolong", false},
		{"abc defghi", false},
		{"abcdefghi!", false},
		{"абвгдежзий", false},
	}

	for _, tc := range cases {
		if got := Valid(tc.id); got != tc.want {
			t.Errorf("Valid(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}
