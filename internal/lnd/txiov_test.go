package lnd

import (
	"bytes"
	"math/rand"
	"testing"

	"ptlnd/internal/fabric"
)

func flatten(v fabric.Iovec) []byte {
	var out []byte
	for _, b := range v {
		out = append(out, b...)
	}
	return out
}

func TestSetTxIovWindows(t *testing.T) {
	iov := fabric.Iovec{[]byte("abcd"), nil, []byte("ef"), []byte("ghijk")}
	cases := []struct {
		off, n  int
		want    string
		entries int
	}{
		{0, 11, "abcdefghijk", 3},
		{1, 2, "bc", 1},
		{3, 2, "de", 2},
		{4, 2, "ef", 1},
		{5, 4, "fghi", 2},
		{10, 1, "k", 1},
	}
	for _, tc := range cases {
		got, err := setTxIov(iov, tc.off, tc.n)
		if err != nil {
			t.Fatalf("window %d+%d failed: %v", tc.off, tc.n, err)
		}
		if string(flatten(got)) != tc.want {
			t.Fatalf("window %d+%d: got %q want %q", tc.off, tc.n, flatten(got), tc.want)
		}
		if len(got) != tc.entries || cap(got) != tc.entries {
			t.Fatalf("window %d+%d: %d entries cap %d, want %d", tc.off, tc.n, len(got), cap(got), tc.entries)
		}
	}
	if got, err := setTxIov(iov, 3, 0); err != nil || got != nil {
		t.Fatalf("empty window: %v %v", got, err)
	}
	if _, err := setTxIov(iov, 8, 4); err == nil {
		t.Fatalf("expected short iov error")
	}
}

func TestSetTxIovRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		var iov fabric.Iovec
		var logical []byte
		for i := rng.Intn(6) + 1; i > 0; i-- {
			b := make([]byte, rng.Intn(9))
			rng.Read(b)
			iov = append(iov, b)
			logical = append(logical, b...)
		}
		if len(logical) == 0 {
			continue
		}
		off := rng.Intn(len(logical))
		n := rng.Intn(len(logical)-off) + 1
		got, err := setTxIov(iov, off, n)
		if err != nil {
			t.Fatalf("iter %d: setTxIov(%d,%d) failed: %v", iter, off, n, err)
		}
		if !bytes.Equal(flatten(got), logical[off:off+n]) {
			t.Fatalf("iter %d: bytes differ", iter)
		}
		if cap(got) != len(got) {
			t.Fatalf("iter %d: over-allocated %d/%d", iter, len(got), cap(got))
		}
		for _, seg := range got {
			if len(seg) == 0 {
				t.Fatalf("iter %d: empty entry", iter)
			}
		}
	}
}
