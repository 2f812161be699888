package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		id := gen()
		if len(id) != 36 {
			t.Fatalf("UUIDv7: expected length 36, got %d for %q", len(id), id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("UUIDv7: duplicate %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	id := NanoID(12)()
	if len(id) != 12 {
		t.Fatalf("NanoID: got length %d", len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdefghijklmnopqrstuvwxyz", r) {
			t.Fatalf("NanoID: unexpected rune %q in %q", r, id)
		}
	}
}

func TestFor_Prefix(t *testing.T) {
	id := For(PrefixPayment)()
	if !strings.HasPrefix(id, "pay_") {
		t.Fatalf("For: expected pay_ prefix, got %q", id)
	}
	if _, err := Parse(id); err != nil {
		t.Fatalf("Parse(%q): %v", id, err)
	}
}

func TestSequence_Deterministic(t *testing.T) {
	gen := Sequence("x")
	if a, b := gen(), gen(); a != "x1" || b != "x2" {
		t.Fatalf("Sequence: got %q, %q", a, b)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("pay_not-a-uuid"); err == nil {
		t.Fatal("Parse: expected error for invalid id")
	}
}
