package lnd

import (
	"fmt"

	"ptlnd/internal/fabric"
)

// setTxIov returns the entries of iov covering length bytes from offset,
// with the first and last entries clipped. The entry count is computed
// before the list is allocated, so the result is never oversized.
func setTxIov(iov fabric.Iovec, offset, length int) (fabric.Iovec, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("bad iov window offset=%d length=%d", offset, length)
	}
	if length == 0 {
		return nil, nil
	}

	first := 0
	for first < len(iov) && offset >= len(iov[first]) {
		offset -= len(iov[first])
		first++
	}

	n, remain, skip := 0, length, offset
	for i := first; i < len(iov) && remain > 0; i++ {
		avail := len(iov[i]) - skip
		skip = 0
		if avail <= 0 {
			continue
		}
		n++
		remain -= avail
	}
	if remain > 0 {
		return nil, fmt.Errorf("iov too short: %d bytes missing", remain)
	}

	out := make(fabric.Iovec, 0, n)
	remain, skip = length, offset
	for i := first; remain > 0; i++ {
		seg := iov[i][skip:]
		skip = 0
		if len(seg) == 0 {
			continue
		}
		if len(seg) > remain {
			seg = seg[:remain]
		}
		out = append(out, seg)
		remain -= len(seg)
	}
	return out, nil
}
