package id

import "testing"

func TestNextIsStrictlyIncreasing(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		next := g.Next()
		if string(next[:]) <= string(prev[:]) {
			t.Fatalf("id %d not increasing: %s <= %s", i, next, prev)
		}
		prev = next
	}
}

func TestClockRegressionStaysMonotonic(t *testing.T) {
	g := NewGenerator()
	now := int64(5000)
	g.now = func() int64 { return now }

	a := g.Next()
	now = 4000
	b := g.Next()
	if string(b[:]) <= string(a[:]) {
		t.Fatalf("expected b > a after clock regression, got %s <= %s", b, a)
	}
	if b.Time().UnixMilli() != 5000 {
		t.Fatalf("expected pinned timestamp 5000, got %d", b.Time().UnixMilli())
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := NewGenerator()
	a := g.Next()
	parsed, ok := Parse(a.String())
	if !ok || parsed != a {
		t.Fatalf("round trip failed: %v %v", parsed, ok)
	}
	if _, ok := Parse("not-hex"); ok {
		t.Fatalf("expected parse failure")
	}
}
