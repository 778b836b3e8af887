package testutil

// Pattern returns n bytes derived from seed. Equal arguments always give
// equal bytes, and a misplaced chunk shows up as a mismatch.
func Pattern(seed uint64, n int) []byte {
	out := make([]byte, n)
	x := seed*0x9e3779b97f4a7c15 + 1
	for i := range out {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		out[i] = byte(x)
	}
	return out
}

// VerifyPattern returns the first offset where b differs from
// Pattern(seed, len(b)), or -1.
func VerifyPattern(seed uint64, b []byte) int {
	want := Pattern(seed, len(b))
	for i := range b {
		if b[i] != want[i] {
			return i
		}
	}
	return -1
}
