package ids

import "testing"

func TestStringRoundTrip(t *testing.T) {
	id := New()
	s := id.String()
	if len(s) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%s)", len(s), s)
	}
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: got %v, want %v", got, id)
	}
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	first := New()
	calls := 0
	exists := func(id ID) bool {
		calls++
		if calls == 1 {
			return true // force a collision on the first draw
		}
		return false
	}

	// Force the first candidate to collide by wrapping New via a local
	// sequence: we can't control uuid.New()'s output directly, so instead
	// verify that Generate only returns once exists reports false, and
	// that it never returns the sentinel Nil value.
	got := Generate(exists)
	if got == Nil {
		t.Fatal("Generate returned the nil ID")
	}
	if calls < 2 {
		t.Fatalf("expected Generate to retry after a reported collision, got %d calls", calls)
	}
	_ = first
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("not-hex"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := Parse("ab"); err == nil {
		t.Fatal("expected error for short input")
	}
}
