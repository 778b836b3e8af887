package proto

import (
	"encoding/binary"
	"fmt"
)

const (
	Magic   uint32 = 0x50746C4E // "PtlN"
	Version uint16 = 0x0004

	// HeaderSize is the fixed part of every message:
	// magic:4 version:2 type:1 credits:1 nob:4 cksum:4 srcnid:8 srcstamp:8
	// dstnid:8 dststamp:8 seq:8.
	HeaderSize = 56

	// UpperHeaderSize is the opaque header of the layer above, carried
	// verbatim in IMMEDIATE and PUT/GET request bodies.
	UpperHeaderSize = 72

	helloBodySize     = 8 + 4
	requestBodySize   = UpperHeaderSize + 8
	ImmediateOverhead = HeaderSize + UpperHeaderSize

	// MaxCredits is the largest credit return a header can carry.
	MaxCredits = 0xff
)

// Field offsets inside the fixed header.
const (
	offMagic    = 0
	offVersion  = 4
	offType     = 6
	offCredits  = 7
	offNob      = 8
	offCksum    = 12
	offSrcNID   = 16
	offSrcStamp = 24
	offDstNID   = 32
	offDstStamp = 40
	offSeq      = 48
)

type MsgType uint8

const (
	TypeInvalid   MsgType = 0x00
	TypePut       MsgType = 0x01
	TypeGet       MsgType = 0x02
	TypeImmediate MsgType = 0x03
	TypeNoop      MsgType = 0x04
	TypeHello     MsgType = 0x10

	// Descriptor kinds for one-sided transfers. They never appear on the
	// wire and have no message framing.
	TypeRDMARead  MsgType = 0x40
	TypeRDMAWrite MsgType = 0x41
)

func (t MsgType) String() string {
	switch t {
	case TypePut:
		return "PUT"
	case TypeGet:
		return "GET"
	case TypeImmediate:
		return "IMMEDIATE"
	case TypeNoop:
		return "NOOP"
	case TypeHello:
		return "HELLO"
	case TypeRDMARead:
		return "RDMA_READ"
	case TypeRDMAWrite:
		return "RDMA_WRITE"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// OnWire reports whether messages of this type are ever transmitted.
func (t MsgType) OnWire() bool {
	switch t {
	case TypePut, TypeGet, TypeImmediate, TypeNoop, TypeHello:
		return true
	}
	return false
}

type UpperHeader [UpperHeaderSize]byte

type Hello struct {
	MatchBits  uint64
	MaxMsgSize uint32
}

type Request struct {
	Hdr       UpperHeader
	MatchBits uint64
}

type Immediate struct {
	Hdr     UpperHeader
	Payload []byte
}

// Msg is a decoded (or to-be-encoded) message. Only the body member
// matching Type is meaningful.
type Msg struct {
	Version  uint16
	Type     MsgType
	Credits  uint8
	Nob      uint32
	Cksum    uint32
	SrcNID   uint64
	SrcStamp uint64
	DstNID   uint64
	DstStamp uint64
	Seq      uint64

	Hello Hello
	Req   Request
	Imm   Immediate

	order   binary.ByteOrder
	flipped bool
	body    []byte
}

// Flipped reports whether the sender used the opposite byte order.
func (m *Msg) Flipped() bool {
	return m.flipped
}

// Size returns the exact wire size of a message of type t carrying
// payloadLen bytes of immediate data.
func Size(t MsgType, payloadLen int) (int, error) {
	if payloadLen < 0 {
		return 0, fmt.Errorf("negative payload length %d", payloadLen)
	}
	if payloadLen > 0 && t != TypeImmediate {
		return 0, fmt.Errorf("%s carries no payload", t)
	}
	switch t {
	case TypeRDMARead, TypeRDMAWrite:
		return 0, nil
	case TypePut, TypeGet:
		return HeaderSize + requestBodySize, nil
	case TypeImmediate:
		return ImmediateOverhead + payloadLen, nil
	case TypeNoop:
		return HeaderSize, nil
	case TypeHello:
		return HeaderSize + helloBodySize, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrBadType, t)
	}
}

func minSize(t MsgType) (int, bool) {
	switch t {
	case TypePut, TypeGet:
		return HeaderSize + requestBodySize, true
	case TypeImmediate:
		return ImmediateOverhead, true
	case TypeNoop:
		return HeaderSize, true
	case TypeHello:
		return HeaderSize + helloBodySize, true
	}
	return 0, false
}
