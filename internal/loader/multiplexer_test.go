package loader

import (
	"reflect"
	"sort"
	"testing"
)

func TestMultiplexerPacksGreedily(t *testing.T) {
	m := NewMultiplexer(2, 3)

	slot, ok := m.Assign("s1", []string{"a", "b"})
	if !ok || slot != 0 {
		t.Fatalf("s1 -> (%d,%v), want (0,true)", slot, ok)
	}
	slot, ok = m.Assign("s2", []string{"c"})
	if !ok || slot != 0 {
		t.Fatalf("s2 -> (%d,%v), want packed into 0", slot, ok)
	}
	// slot 0 is full, s3 spills to slot 1
	slot, ok = m.Assign("s3", []string{"d", "e"})
	if !ok || slot != 1 {
		t.Fatalf("s3 -> (%d,%v), want (1,true)", slot, ok)
	}

	union := append(m.SlotTerms(0), m.SlotTerms(1)...)
	sort.Strings(union)
	if !reflect.DeepEqual(union, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("union = %v", union)
	}
}

func TestMultiplexerSharedTermsDoNotDoubleCount(t *testing.T) {
	m := NewMultiplexer(1, 2)
	if _, ok := m.Assign("s1", []string{"a", "b"}); !ok {
		t.Fatal("s1 not placed")
	}
	// s2's terms are already in the predicate; the union stays at 2
	if _, ok := m.Assign("s2", []string{"a"}); !ok {
		t.Fatal("s2 should share s1's terms")
	}
	if got := m.SlotTerms(0); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("slot terms = %v", got)
	}
}

func TestMultiplexerDefersAndPromotes(t *testing.T) {
	m := NewMultiplexer(1, 2)
	if _, ok := m.Assign("s1", []string{"a", "b"}); !ok {
		t.Fatal("s1 not placed")
	}
	if _, ok := m.Assign("s2", []string{"c"}); ok {
		t.Fatal("s2 placed despite full capacity")
	}
	if !m.IsDeferred("s2") {
		t.Fatal("s2 not pending")
	}
	if promoted := m.PromotePending(); len(promoted) != 0 {
		t.Fatalf("promoted %v with no capacity", promoted)
	}

	m.Remove("s1")
	promoted := m.PromotePending()
	if !reflect.DeepEqual(promoted, []string{"s2"}) {
		t.Fatalf("promoted = %v, want [s2]", promoted)
	}
	if m.IsDeferred("s2") {
		t.Fatal("s2 still pending after promotion")
	}
	if slot, ok := m.Slot("s2"); !ok || slot != 0 {
		t.Fatalf("s2 slot = (%d,%v)", slot, ok)
	}
}

func TestMultiplexerRefilterKeepsSlot(t *testing.T) {
	m := NewMultiplexer(2, 4)
	m.Assign("s1", []string{"a"})
	m.Assign("s2", []string{"b"})

	slot, ok := m.Assign("s1", []string{"a", "c"})
	if !ok || slot != 0 {
		t.Fatalf("re-assign -> (%d,%v), want in-place (0,true)", slot, ok)
	}
	if got := m.SlotTerms(0); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("slot terms = %v", got)
	}
}

func TestMultiplexerRefilterOverflowMoves(t *testing.T) {
	m := NewMultiplexer(2, 2)
	m.Assign("s1", []string{"a"})
	m.Assign("s2", []string{"b"})

	// growing s2 past slot 0's cap moves it to slot 1
	slot, ok := m.Assign("s2", []string{"b", "c"})
	if !ok || slot != 1 {
		t.Fatalf("grown s2 -> (%d,%v), want (1,true)", slot, ok)
	}
	if got := m.SlotTerms(0); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("slot 0 terms = %v", got)
	}
}

func TestMultiplexerEmptySlotCloses(t *testing.T) {
	m := NewMultiplexer(2, 2)
	m.Assign("s1", []string{"a"})
	if slot, held := m.Remove("s1"); !held || slot != 0 {
		t.Fatalf("remove -> (%d,%v)", slot, held)
	}
	if got := m.SlotTerms(0); got != nil {
		t.Fatalf("slot 0 terms = %v, want nil (closed)", got)
	}
	if _, held := m.Remove("s1"); held {
		t.Fatal("second remove reported a held slot")
	}
}

func TestMultiplexerOversizedSearchNeverFits(t *testing.T) {
	m := NewMultiplexer(2, 2)
	if _, ok := m.Assign("s1", []string{"a", "b", "c"}); ok {
		t.Fatal("search wider than the cap was placed")
	}
	if !m.IsDeferred("s1") {
		t.Fatal("oversized search not pending")
	}
}
