package store

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewSlotID(t *testing.T) {
	t.Run("generates valid unique ids", func(t *testing.T) {
		seen := map[string]bool{}
		for i := 0; i < 100; i++ {
			id := NewSlotID()
			if _, err := uuid.Parse(id); err != nil {
				t.Fatalf("slot id %q is not a valid uuid: %v", id, err)
			}
			if seen[id] {
				t.Fatalf("slot id %q generated twice", id)
			}
			seen[id] = true
		}
	})

	t.Run("ids sort in creation order", func(t *testing.T) {
		// Backends list folders with a keyset scan on id, so ids generated
		// later must sort after ids generated earlier.
		prev := NewSlotID()
		for i := 0; i < 1000; i++ {
			next := NewSlotID()
			if next <= prev {
				t.Fatalf("slot id %q does not sort after %q", next, prev)
			}
			prev = next
		}
	})
}

func TestSlotHasFlag(t *testing.T) {
	slot := Slot{Flags: []string{FlagRead, "custom"}}
	if !slot.HasFlag(FlagRead) {
		t.Error("expected HasFlag to find the read flag")
	}
	if !slot.HasFlag("custom") {
		t.Error("expected HasFlag to find a custom flag")
	}
	if slot.HasFlag("absent") {
		t.Error("expected HasFlag to miss an absent flag")
	}
}
