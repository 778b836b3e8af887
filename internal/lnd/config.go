package lnd

import (
	"errors"
	"fmt"
	"time"

	"ptlnd/internal/proto"
)

var (
	ErrNoResources = errors.New("no resources")
	ErrProtocol    = errors.New("protocol violation")
	ErrIO          = errors.New("transport failure")
	ErrShutdown    = errors.New("shutdown")
)

const (
	// ReservedMatchBits is the lowest match tag used for bulk transfers;
	// receive buffers match on zero.
	ReservedMatchBits uint64 = 0x100

	msgMatchBits uint64 = 0

	DefaultPortal          = 9
	DefaultMaxMsgSize      = 512
	DefaultPeerCredits     = 8
	DefaultBufferSize      = 64 << 10
	DefaultMaxBuffers      = 256
	DefaultMsgsSpare       = 256
	DefaultEQSize          = 1024
	DefaultPeerHashSize    = 101
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds the endpoint tunables. Zero values take the defaults above.
type Config struct {
	NID    uint64
	PID    uint32
	Portal uint32
	// Stamp identifies this incarnation of the endpoint. Zero picks the
	// current time.
	Stamp uint64

	MaxMsgSize   int
	PeerCredits  int
	BufferSize   int
	MaxBuffers   int
	MsgsSpare    int
	EQSize       int
	PeerHashSize int

	// Checksum fills in the header checksum on every message sent.
	// Received checksums are always verified when present.
	Checksum bool

	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Portal == 0 {
		c.Portal = DefaultPortal
	}
	if c.Stamp == 0 {
		c.Stamp = uint64(time.Now().UnixNano())
	}
	if c.MaxMsgSize <= 0 {
		c.MaxMsgSize = DefaultMaxMsgSize
	}
	if c.PeerCredits <= 0 {
		c.PeerCredits = DefaultPeerCredits
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxBuffers <= 0 {
		c.MaxBuffers = DefaultMaxBuffers
	}
	if c.MsgsSpare <= 0 {
		c.MsgsSpare = DefaultMsgsSpare
	}
	if c.EQSize <= 0 {
		c.EQSize = DefaultEQSize
	}
	if c.PeerHashSize <= 0 {
		c.PeerHashSize = DefaultPeerHashSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

func (c Config) validate() error {
	reqSize, _ := proto.Size(proto.TypePut, 0)
	if c.MaxMsgSize < reqSize {
		return fmt.Errorf("max message size %d below request size %d", c.MaxMsgSize, reqSize)
	}
	if c.PeerCredits < 2 || c.PeerCredits > proto.MaxCredits {
		return fmt.Errorf("peer credits %d out of range [2,%d]", c.PeerCredits, proto.MaxCredits)
	}
	if c.BufferSize < c.MaxMsgSize {
		return fmt.Errorf("buffer size %d below max message size %d", c.BufferSize, c.MaxMsgSize)
	}
	return nil
}

// highWater is the owed-credit count at which an idle peer is sent a NOOP.
func (c Config) highWater() int {
	return c.PeerCredits - 1
}
