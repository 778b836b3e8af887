// Package fabric is the one-sided put/get network interface the transport
// runs on: matched receive regions, bound memory descriptors, unlink, and
// an event queue reporting completions asynchronously.
package fabric

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidHandle = errors.New("invalid handle")
	ErrMDInUse       = errors.New("md in use")
	ErrNoSpace       = errors.New("no space")
	ErrEQEmpty       = errors.New("event queue empty")
	ErrEQDropped     = errors.New("event queue overflowed")
	ErrClosed        = errors.New("interface closed")
	ErrNoRoute       = errors.New("no route to target")
	ErrTooLarge      = errors.New("transfer too large")
)

const (
	AnyNID uint64 = ^uint64(0)
	AnyPID uint32 = ^uint32(0)

	ThresholdInf = -1
)

type ProcessID struct {
	NID uint64
	PID uint32
}

func (p ProcessID) String() string {
	return fmt.Sprintf("%#x-%d", p.NID, p.PID)
}

func (p ProcessID) matches(src ProcessID) bool {
	return (p.NID == AnyNID || p.NID == src.NID) && (p.PID == AnyPID || p.PID == src.PID)
}

// Handle names an attached or bound memory descriptor. Handles are never
// reused by an interface, so a stale handle stays invalid.
type Handle uint64

const InvalidHandle Handle = 0

type Options uint32

const (
	OpPut Options = 1 << iota
	OpGet
	AckDisable
	// ManageLocal packs successive puts at a locally managed offset and
	// unlinks the region once less than MaxSize bytes remain.
	ManageLocal
)

// MD describes a memory region. Threshold counts the operations after
// which the region unlinks itself (ThresholdInf for never). Tag is
// returned verbatim in every event the region produces.
type MD struct {
	Iov       Iovec
	Threshold int
	MaxSize   int
	Options   Options
	Tag       uint64
}

type MatchEntry struct {
	Source       ProcessID
	MatchBits    uint64
	IgnoreBits   uint64
	InsertBefore bool
}

func (me MatchEntry) accepts(src ProcessID, bits uint64) bool {
	return me.Source.matches(src) && (me.MatchBits^bits)&^me.IgnoreBits == 0
}

type EventKind uint8

const (
	EventSendEnd EventKind = iota + 1
	EventPutEnd
	EventGetEnd
	EventReplyEnd
	EventUnlink
)

func (k EventKind) String() string {
	switch k {
	case EventSendEnd:
		return "SEND_END"
	case EventPutEnd:
		return "PUT_END"
	case EventGetEnd:
		return "GET_END"
	case EventReplyEnd:
		return "REPLY_END"
	case EventUnlink:
		return "UNLINK"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event reports one completion. Unlinked is set when the region named
// by Handle is gone after this event; Fail carries a fatal error.
type Event struct {
	Kind      EventKind
	Tag       uint64
	Handle    Handle
	Initiator ProcessID
	MatchBits uint64
	Offset    int
	MLength   int
	RLength   int
	Unlinked  bool
	Fail      bool
}

// NI is a network interface.
//
// Unlink returns nil when the region is gone and will produce no more
// events, ErrMDInUse when it is gone but an EventUnlink is still to be
// delivered, and ErrInvalidHandle when the handle is already unlinked.
type NI interface {
	ID() ProcessID
	Attach(portal uint32, me MatchEntry, md MD) (Handle, error)
	Bind(md MD) (Handle, error)
	Unlink(h Handle) error
	Put(h Handle, target ProcessID, portal uint32, matchBits uint64, offset int) error
	Get(h Handle, target ProcessID, portal uint32, matchBits uint64, offset int) error
	Poll(timeout time.Duration) (Event, error)
	Close() error
}

// Link moves frames between interfaces. done, when non-nil, is called
// once the frame has left (or failed to leave) the local side; it may be
// called before Send returns.
type Link interface {
	Send(f *Frame, done func(error))
}
