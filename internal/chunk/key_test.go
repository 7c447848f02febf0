package chunk

import (
	"testing"
)

func TestNewKeyCanonical(t *testing.T) {
	k1, err := NewKey(1, 2, []Index{Span(0, 256, 1), Span(256, 512, 1)})
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	k2, err := NewKey(1, 2, []Index{Span(0, 256, 1), Span(256, 512, 1)})
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}

	if k1 != k2 {
		t.Fatalf("equal regions produced unequal keys: %s vs %s", k1, k2)
	}
	if k1.Indices != "0:256:1,256:512:1" {
		t.Fatalf("unexpected canonical indices %q", k1.Indices)
	}

	// Keys must work directly as map keys.
	seen := map[Key]int{k1: 1}
	if seen[k2] != 1 {
		t.Fatal("expected k2 to hit k1's map entry")
	}
}

func TestNewKeyMixedIndices(t *testing.T) {
	k, err := NewKey(3, 0, []Index{At(7), Span(0, 100, 2)})
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	if k.Indices != "7,0:100:2" {
		t.Fatalf("unexpected canonical indices %q", k.Indices)
	}
}

func TestNewKeyDistinct(t *testing.T) {
	base, _ := NewKey(1, 0, []Index{At(0)})

	tests := []struct {
		name     string
		sourceID uint64
		level    int
		indices  []Index
	}{
		{"different source", 2, 0, []Index{At(0)}},
		{"different level", 1, 1, []Index{At(0)}},
		{"different indices", 1, 0, []Index{At(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := NewKey(tt.sourceID, tt.level, tt.indices)
			if err != nil {
				t.Fatalf("NewKey failed: %v", err)
			}
			if k == base {
				t.Fatalf("expected %s to differ from %s", k, base)
			}
		})
	}
}

func TestNewKeyInvalid(t *testing.T) {
	tests := []struct {
		name    string
		level   int
		indices []Index
	}{
		{"negative level", -1, []Index{At(0)}},
		{"no indices", 0, nil},
		{"negative position", 0, []Index{At(-1)}},
		{"stop before start", 0, []Index{Span(10, 5, 1)}},
		{"zero step", 0, []Index{Span(0, 10, 0)}},
		{"negative span start", 0, []Index{Span(-1, 10, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewKey(1, tt.level, tt.indices); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
