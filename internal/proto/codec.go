package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrShort       = errors.New("message too short")
	ErrBadMagic    = errors.New("bad magic")
	ErrBadVersion  = errors.New("bad version")
	ErrBadType     = errors.New("bad message type")
	ErrBadChecksum = errors.New("bad checksum")
	ErrTooLarge    = errors.New("message too large")
)

// WireOrder is the byte order used for every message this side sends.
// Receivers accept either order by looking at the magic.
var WireOrder binary.ByteOrder = binary.LittleEndian

// Encode serialises m in WireOrder. Nob is computed from the body; when
// checksum is set the checksum field is filled in, otherwise it is zero.
func Encode(m *Msg, checksum bool) ([]byte, error) {
	return encodeOrder(m, WireOrder, checksum)
}

func encodeOrder(m *Msg, order binary.ByteOrder, checksum bool) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil message")
	}
	if !m.Type.OnWire() {
		return nil, fmt.Errorf("%w: %s is not a wire type", ErrBadType, m.Type)
	}
	payload := 0
	if m.Type == TypeImmediate {
		payload = len(m.Imm.Payload)
	}
	n, err := Size(m.Type, payload)
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(^uint32(0)) {
		return nil, ErrTooLarge
	}
	b := make([]byte, n)
	version := m.Version
	if version == 0 {
		version = Version
	}
	order.PutUint32(b[offMagic:], Magic)
	order.PutUint16(b[offVersion:], version)
	b[offType] = byte(m.Type)
	b[offCredits] = m.Credits
	order.PutUint32(b[offNob:], uint32(n))
	order.PutUint64(b[offSrcNID:], m.SrcNID)
	order.PutUint64(b[offSrcStamp:], m.SrcStamp)
	order.PutUint64(b[offDstNID:], m.DstNID)
	order.PutUint64(b[offDstStamp:], m.DstStamp)
	order.PutUint64(b[offSeq:], m.Seq)

	body := b[HeaderSize:]
	switch m.Type {
	case TypeHello:
		order.PutUint64(body[0:], m.Hello.MatchBits)
		order.PutUint32(body[8:], m.Hello.MaxMsgSize)
	case TypePut, TypeGet:
		copy(body, m.Req.Hdr[:])
		order.PutUint64(body[UpperHeaderSize:], m.Req.MatchBits)
	case TypeImmediate:
		copy(body, m.Imm.Hdr[:])
		copy(body[UpperHeaderSize:], m.Imm.Payload)
	}

	m.Nob = uint32(n)
	m.Version = version
	m.Cksum = 0
	if checksum {
		m.Cksum = Checksum(b)
		order.PutUint32(b[offCksum:], m.Cksum)
	}
	return b, nil
}

// ParseHeader validates the fixed header of b: length, magic (either
// byte order), version, byte count and, when the sender filled it in,
// the checksum. The body is left for ParseBody so that callers can
// check addressing before looking at type specific fields.
func ParseHeader(b []byte) (*Msg, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShort, len(b))
	}
	var order binary.ByteOrder
	flipped := false
	switch magic := WireOrder.Uint32(b[offMagic:]); magic {
	case Magic:
		order = WireOrder
	case bits.ReverseBytes32(Magic):
		order = otherOrder(WireOrder)
		flipped = true
	default:
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}
	m := &Msg{order: order, flipped: flipped}
	m.Version = order.Uint16(b[offVersion:])
	if m.Version != Version {
		return nil, fmt.Errorf("%w: 0x%04x", ErrBadVersion, m.Version)
	}
	m.Type = MsgType(b[offType])
	m.Credits = b[offCredits]
	m.Nob = order.Uint32(b[offNob:])
	m.Cksum = order.Uint32(b[offCksum:])
	m.SrcNID = order.Uint64(b[offSrcNID:])
	m.SrcStamp = order.Uint64(b[offSrcStamp:])
	m.DstNID = order.Uint64(b[offDstNID:])
	m.DstStamp = order.Uint64(b[offDstStamp:])
	m.Seq = order.Uint64(b[offSeq:])

	if m.Nob < HeaderSize || uint64(m.Nob) > uint64(len(b)) {
		return nil, fmt.Errorf("%w: nob %d, have %d", ErrShort, m.Nob, len(b))
	}
	if m.Cksum != 0 {
		if sum := Checksum(b[:m.Nob]); sum != m.Cksum {
			return nil, fmt.Errorf("%w: got 0x%08x want 0x%08x", ErrBadChecksum, m.Cksum, sum)
		}
	}
	m.body = b[HeaderSize:m.Nob]
	return m, nil
}

// ParseBody decodes the type specific part of a message returned by
// ParseHeader. Immediate payloads alias the original buffer.
func (m *Msg) ParseBody() error {
	need, ok := minSize(m.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBadType, m.Type)
	}
	if int(m.Nob) < need {
		return fmt.Errorf("%w: %s needs %d bytes, nob %d", ErrShort, m.Type, need, m.Nob)
	}
	order := m.order
	if order == nil {
		order = WireOrder
	}
	switch m.Type {
	case TypeHello:
		m.Hello.MatchBits = order.Uint64(m.body[0:])
		m.Hello.MaxMsgSize = order.Uint32(m.body[8:])
	case TypePut, TypeGet:
		copy(m.Req.Hdr[:], m.body)
		m.Req.MatchBits = order.Uint64(m.body[UpperHeaderSize:])
	case TypeImmediate:
		copy(m.Imm.Hdr[:], m.body)
		m.Imm.Payload = m.body[UpperHeaderSize:]
	}
	return nil
}

// Decode is ParseHeader followed by ParseBody.
func Decode(b []byte) (*Msg, error) {
	m, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if err := m.ParseBody(); err != nil {
		return nil, err
	}
	return m, nil
}

func otherOrder(o binary.ByteOrder) binary.ByteOrder {
	if o == binary.ByteOrder(binary.LittleEndian) {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
