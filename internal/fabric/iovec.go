package fabric

// Iovec is a scatter/gather list.
type Iovec [][]byte

func (v Iovec) Len() int {
	n := 0
	for _, b := range v {
		n += len(b)
	}
	return n
}

// Gather copies up to n bytes starting at byte offset off into a new slice.
func (v Iovec) Gather(off, n int) []byte {
	total := v.Len()
	if off < 0 || off >= total || n <= 0 {
		return nil
	}
	if n > total-off {
		n = total - off
	}
	out := make([]byte, 0, n)
	for _, b := range v {
		if off >= len(b) {
			off -= len(b)
			continue
		}
		take := b[off:]
		off = 0
		if len(take) > n-len(out) {
			take = take[:n-len(out)]
		}
		out = append(out, take...)
		if len(out) == n {
			break
		}
	}
	return out
}

// Scatter writes src into the list starting at byte offset off and
// returns the number of bytes written.
func (v Iovec) Scatter(off int, src []byte) int {
	if off < 0 {
		return 0
	}
	written := 0
	for _, b := range v {
		if len(src) == 0 {
			break
		}
		if off >= len(b) {
			off -= len(b)
			continue
		}
		n := copy(b[off:], src)
		off = 0
		src = src[n:]
		written += n
	}
	return written
}
