package testutil

import "testing"

func TestPattern(t *testing.T) {
	a := Pattern(1, 4096)
	if VerifyPattern(1, a) != -1 {
		t.Fatalf("pattern does not verify against itself")
	}
	if VerifyPattern(2, a) == -1 {
		t.Fatalf("different seeds gave the same bytes")
	}
	a[100] ^= 0xff
	if got := VerifyPattern(1, a); got != 100 {
		t.Fatalf("expected mismatch at 100, got %d", got)
	}
}

func TestBoundedCapsInput(t *testing.T) {
	t.Setenv("PTLND_FUZZ_MAX_BYTES", "10")
	var got int
	Bounded(t, make([]byte, 100), func(b []byte) {
		got = len(b)
	})
	if got != 10 {
		t.Fatalf("expected 10 bytes, got %d", got)
	}
}
