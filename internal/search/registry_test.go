package search

import (
	"reflect"
	"testing"
)

func TestActivateDeactivateNetEffect(t *testing.T) {
	r := NewRegistry()
	r.Activate("a", []string{"obama"})
	r.Activate("b", []string{"#election"})
	r.Activate("a", []string{"obama", "biden"}) // replaces in place
	r.Deactivate("b")
	r.Deactivate("missing") // no-op

	got := r.ListActive()
	want := []ActiveSearch{{ID: "a", Terms: []string{"obama", "biden"}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("active set = %+v, want %+v", got, want)
	}
}

func TestActivationOrderPreserved(t *testing.T) {
	r := NewRegistry()
	r.Activate("a", []string{"x"})
	r.Activate("b", []string{"y"})
	r.Activate("c", []string{"z"})
	r.Activate("b", []string{"y2"}) // in-place update keeps position

	ids := []string{}
	for _, s := range r.ListActive() {
		ids = append(ids, s.ID)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v", ids)
	}
}

func TestCurrentFilterCopies(t *testing.T) {
	r := NewRegistry()
	r.Activate("a", []string{"x"})
	terms, ok := r.CurrentFilter("a")
	if !ok {
		t.Fatal("expected active")
	}
	terms[0] = "mutated"
	again, _ := r.CurrentFilter("a")
	if again[0] != "x" {
		t.Fatalf("registry state leaked: %v", again)
	}
	if _, ok := r.CurrentFilter("nope"); ok {
		t.Fatal("expected absent")
	}
}
