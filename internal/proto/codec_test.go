package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func sampleImmediate(payload []byte) *Msg {
	m := &Msg{
		Type:     TypeImmediate,
		Credits:  3,
		SrcNID:   0x0a000001,
		SrcStamp: 1111,
		DstNID:   0x0a000002,
		DstStamp: 2222,
		Seq:      7,
	}
	for i := range m.Imm.Hdr {
		m.Imm.Hdr[i] = byte(i)
	}
	m.Imm.Payload = payload
	return m
}

func TestSizes(t *testing.T) {
	cases := []struct {
		typ  MsgType
		pay  int
		want int
	}{
		{TypeNoop, 0, HeaderSize},
		{TypeHello, 0, HeaderSize + 12},
		{TypePut, 0, HeaderSize + UpperHeaderSize + 8},
		{TypeGet, 0, HeaderSize + UpperHeaderSize + 8},
		{TypeImmediate, 64, HeaderSize + UpperHeaderSize + 64},
		{TypeRDMARead, 0, 0},
		{TypeRDMAWrite, 0, 0},
	}
	for _, tc := range cases {
		got, err := Size(tc.typ, tc.pay)
		if err != nil {
			t.Fatalf("size %s failed: %v", tc.typ, err)
		}
		if got != tc.want {
			t.Fatalf("size %s: got %d want %d", tc.typ, got, tc.want)
		}
	}
	if _, err := Size(TypeNoop, 1); err == nil {
		t.Fatalf("expected payload on NOOP to be rejected")
	}
	if _, err := Size(MsgType(0x77), 0); !errors.Is(err, ErrBadType) {
		t.Fatalf("expected ErrBadType, got %v", err)
	}
}

func TestEncodeDecodeImmediate(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 64)
	in := sampleImmediate(payload)
	b, err := Encode(in, false)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(b) != ImmediateOverhead+64 {
		t.Fatalf("unexpected length %d", len(b))
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Flipped() {
		t.Fatalf("native message reported flipped")
	}
	if out.Type != TypeImmediate || out.Credits != 3 || out.Seq != 7 {
		t.Fatalf("header mismatch: %+v", out)
	}
	if out.SrcNID != in.SrcNID || out.DstStamp != in.DstStamp {
		t.Fatalf("address mismatch")
	}
	if out.Imm.Hdr != in.Imm.Hdr || !bytes.Equal(out.Imm.Payload, payload) {
		t.Fatalf("body mismatch")
	}
}

func TestDecodeSwappedMagic(t *testing.T) {
	in := &Msg{
		Type:     TypeHello,
		Credits:  8,
		SrcNID:   0x0102030405060708,
		SrcStamp: 0x1112131415161718,
		DstNID:   0x2122232425262728,
		Seq:      0x3132333435363738,
		Hello:    Hello{MatchBits: 0x100, MaxMsgSize: 512},
	}
	b, err := encodeOrder(in, otherOrder(WireOrder), false)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if WireOrder.Uint32(b) == Magic {
		t.Fatalf("swapped encoding produced native magic")
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !out.Flipped() {
		t.Fatalf("expected flipped message")
	}
	if out.SrcNID != in.SrcNID || out.SrcStamp != in.SrcStamp || out.DstNID != in.DstNID || out.Seq != in.Seq {
		t.Fatalf("multi-byte fields not swapped: %+v", out)
	}
	if out.Hello != in.Hello {
		t.Fatalf("hello body not swapped: %+v", out.Hello)
	}
	if out.Nob != uint32(len(b)) {
		t.Fatalf("nob not swapped: %d", out.Nob)
	}
}

func TestDecodeRejects(t *testing.T) {
	good, err := Encode(sampleImmediate([]byte("x")), false)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	if _, err := Decode(good[:HeaderSize-1]); !errors.Is(err, ErrShort) {
		t.Fatalf("short header: got %v", err)
	}

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic, 0xdeadbeef)
	if _, err := Decode(badMagic); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("bad magic: got %v", err)
	}

	badVersion := append([]byte(nil), good...)
	WireOrder.PutUint16(badVersion[offVersion:], Version+1)
	if _, err := Decode(badVersion); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("bad version: got %v", err)
	}

	if _, err := Decode(good[:len(good)-1]); !errors.Is(err, ErrShort) {
		t.Fatalf("truncated body: got %v", err)
	}

	badType := append([]byte(nil), good...)
	badType[offType] = byte(TypeRDMARead)
	if _, err := Decode(badType); !errors.Is(err, ErrBadType) {
		t.Fatalf("internal type on wire: got %v", err)
	}

	shortGet := append([]byte(nil), good[:HeaderSize+8]...)
	shortGet[offType] = byte(TypeGet)
	WireOrder.PutUint32(shortGet[offNob:], uint32(len(shortGet)))
	if _, err := Decode(shortGet); !errors.Is(err, ErrShort) {
		t.Fatalf("short GET body: got %v", err)
	}
}

func TestChecksum(t *testing.T) {
	b, err := Encode(sampleImmediate([]byte("payload")), true)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	m, err := Decode(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if m.Cksum == 0 {
		t.Fatalf("checksum not set")
	}
	b[len(b)-1] ^= 0xff
	if _, err := Decode(b); !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("corrupt payload: got %v", err)
	}

	plain, err := Encode(sampleImmediate([]byte("payload")), false)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	plain[len(plain)-1] ^= 0xff
	if _, err := Decode(plain); err != nil {
		t.Fatalf("unchecksummed message rejected: %v", err)
	}
}

func TestParseHeaderLeavesBody(t *testing.T) {
	in := &Msg{Type: TypeGet, Req: Request{MatchBits: 0x1234}}
	b, err := Encode(in, false)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	m, err := ParseHeader(b)
	if err != nil {
		t.Fatalf("parse header failed: %v", err)
	}
	if m.Req.MatchBits != 0 {
		t.Fatalf("body decoded early")
	}
	if err := m.ParseBody(); err != nil {
		t.Fatalf("parse body failed: %v", err)
	}
	if m.Req.MatchBits != 0x1234 {
		t.Fatalf("match bits: got 0x%x", m.Req.MatchBits)
	}
}
