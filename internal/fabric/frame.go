package fabric

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MaxFrameSize    = 16 << 20
	frameHeaderSize = 1 + 1 + 12 + 12 + 4 + 8 + 8 + 4 + 8

	// MaxTransfer is the largest payload one PUT or REPLY frame carries.
	MaxTransfer = MaxFrameSize - frameHeaderSize
)

type FrameKind uint8

const (
	FramePut FrameKind = iota + 1
	FrameGet
	FrameReply
)

func (k FrameKind) String() string {
	switch k {
	case FramePut:
		return "put"
	case FrameGet:
		return "get"
	case FrameReply:
		return "reply"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// Frame is the unit a Link carries. Cookie ties a GET to its REPLY;
// Length is the byte count a GET asks for.
type Frame struct {
	Kind      FrameKind
	Fail      bool
	Src       ProcessID
	Dst       ProcessID
	Portal    uint32
	MatchBits uint64
	Offset    uint64
	Length    uint32
	Cookie    uint64
	Data      []byte
}

func EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("nil frame")
	}
	if len(f.Data) > MaxTransfer {
		return nil, fmt.Errorf("%w: %d byte frame payload", ErrTooLarge, len(f.Data))
	}
	out := make([]byte, frameHeaderSize+len(f.Data))
	out[0] = byte(f.Kind)
	if f.Fail {
		out[1] = 1
	}
	binary.BigEndian.PutUint64(out[2:], f.Src.NID)
	binary.BigEndian.PutUint32(out[10:], f.Src.PID)
	binary.BigEndian.PutUint64(out[14:], f.Dst.NID)
	binary.BigEndian.PutUint32(out[22:], f.Dst.PID)
	binary.BigEndian.PutUint32(out[26:], f.Portal)
	binary.BigEndian.PutUint64(out[30:], f.MatchBits)
	binary.BigEndian.PutUint64(out[38:], f.Offset)
	binary.BigEndian.PutUint32(out[46:], f.Length)
	binary.BigEndian.PutUint64(out[50:], f.Cookie)
	copy(out[frameHeaderSize:], f.Data)
	return out, nil
}

func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < frameHeaderSize {
		return nil, fmt.Errorf("short frame: %d bytes", len(b))
	}
	f := &Frame{
		Kind:      FrameKind(b[0]),
		Fail:      b[1] != 0,
		Src:       ProcessID{NID: binary.BigEndian.Uint64(b[2:]), PID: binary.BigEndian.Uint32(b[10:])},
		Dst:       ProcessID{NID: binary.BigEndian.Uint64(b[14:]), PID: binary.BigEndian.Uint32(b[22:])},
		Portal:    binary.BigEndian.Uint32(b[26:]),
		MatchBits: binary.BigEndian.Uint64(b[30:]),
		Offset:    binary.BigEndian.Uint64(b[38:]),
		Length:    binary.BigEndian.Uint32(b[46:]),
		Cookie:    binary.BigEndian.Uint64(b[50:]),
	}
	switch f.Kind {
	case FramePut, FrameGet, FrameReply:
	default:
		return nil, fmt.Errorf("unknown frame kind %d", b[0])
	}
	if len(b) > frameHeaderSize {
		f.Data = append([]byte(nil), b[frameHeaderSize:]...)
	}
	return f, nil
}

// MarshalFrame encodes f behind a 4-byte big-endian length prefix.
func MarshalFrame(f *Frame) ([]byte, error) {
	body, err := EncodeFrame(f)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

func WriteFrame(w io.Writer, f *Frame) error {
	b, err := MarshalFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < frameHeaderSize || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}
	body := make([]byte, int(n))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return DecodeFrame(body)
}
