package idmap

import (
	"errors"
	"math"
	"testing"
)

func TestFirstSeenOrderAssignment(t *testing.T) {
	tr := New(DefaultBase)
	for i, simID := range []uint32{0, 1, 2} {
		got, err := tr.LookupOrAssign(simID)
		if err != nil {
			t.Fatalf("LookupOrAssign(%d): %v", simID, err)
		}
		if want := uint16(i + 1); got != want {
			t.Fatalf("LookupOrAssign(%d) = %d, want %d", simID, got, want)
		}
	}
}

func TestAssignmentFollowsFirstSeenNotNumericOrder(t *testing.T) {
	tr := New(DefaultBase)
	seq := []uint32{42, 7, 1000, 7, 42}
	want := []uint16{1, 2, 3, 2, 1}
	for i, simID := range seq {
		got, err := tr.LookupOrAssign(simID)
		if err != nil {
			t.Fatalf("LookupOrAssign(%d): %v", simID, err)
		}
		if got != want[i] {
			t.Fatalf("step %d: LookupOrAssign(%d) = %d, want %d", i, simID, got, want[i])
		}
	}
	if tr.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tr.Len())
	}
}

func TestTranslatorsAreDeterministicAndInjective(t *testing.T) {
	seq := []uint32{5, 3, 5, 9, 0, 3, 11, 9, 2}
	a, b := New(DefaultBase), New(DefaultBase)
	seen := map[uint16]uint32{}

	for _, simID := range seq {
		ida, err := a.LookupOrAssign(simID)
		if err != nil {
			t.Fatalf("a.LookupOrAssign(%d): %v", simID, err)
		}
		idb, err := b.LookupOrAssign(simID)
		if err != nil {
			t.Fatalf("b.LookupOrAssign(%d): %v", simID, err)
		}
		if ida != idb {
			t.Fatalf("translators disagree on %d: %d vs %d", simID, ida, idb)
		}
		if prev, ok := seen[ida]; ok && prev != simID {
			t.Fatalf("emulator id %d assigned to both %d and %d", ida, prev, simID)
		}
		seen[ida] = simID
	}
}

func TestAssignmentStartsAtBase(t *testing.T) {
	tr := New(10)
	if tr.Len() != 0 {
		t.Fatalf("Len() = %d on empty translator", tr.Len())
	}
	id, err := tr.LookupOrAssign(3)
	if err != nil || id != 10 {
		t.Fatalf("first id = %d, %v; want base 10", id, err)
	}
	if again, _ := tr.LookupOrAssign(3); again != 10 || tr.Len() != 1 {
		t.Fatalf("repeat lookup = %d, len %d; want 10, 1", again, tr.Len())
	}
}

func TestExhaustion(t *testing.T) {
	tr := New(math.MaxUint16)
	if id, err := tr.LookupOrAssign(1); err != nil || id != math.MaxUint16 {
		t.Fatalf("LookupOrAssign(1) = %d, %v", id, err)
	}
	if _, err := tr.LookupOrAssign(2); !errors.Is(err, ErrExhausted) {
		t.Fatalf("LookupOrAssign(2) err = %v, want ErrExhausted", err)
	}
	// existing mapping still resolves
	if id, err := tr.LookupOrAssign(1); err != nil || id != math.MaxUint16 {
		t.Fatalf("LookupOrAssign(1) after exhaustion = %d, %v", id, err)
	}
}
