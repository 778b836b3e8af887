package proto

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

var zeroCksum [4]byte

// Checksum returns the 32-bit message checksum of b: the leading four
// bytes of SHA3-256 over the message with the checksum field zeroed.
// Zero means "not computed" on the wire, so a zero digest maps to 1.
func Checksum(b []byte) uint32 {
	h := sha3.New256()
	if len(b) <= offCksum+4 {
		h.Write(b)
	} else {
		h.Write(b[:offCksum])
		h.Write(zeroCksum[:])
		h.Write(b[offCksum+4:])
	}
	sum := h.Sum(nil)
	v := binary.BigEndian.Uint32(sum[:4])
	if v == 0 {
		v = 1
	}
	return v
}
