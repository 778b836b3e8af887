package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type region struct {
	h        Handle
	md       MD
	attached bool
	portal   uint32
	me       MatchEntry
	local    int // next offset for ManageLocal puts
	left     int // remaining threshold
	busy     int // initiator operations not yet finished
}

type opState struct {
	cookie  uint64
	h       Handle
	get     bool
	sent    bool
	replied bool
}

// Engine is a software implementation of NI. Matching, copying and event
// generation happen here; frames go to the peer through a Link. The
// engine never holds its lock while calling into the link.
type Engine struct {
	id ProcessID

	mu      sync.Mutex
	link    Link
	regions map[Handle]*region
	lists   map[uint32][]*region
	ops     map[uint64]*opState
	nextH   uint64
	nextOp  uint64
	closed  bool
	closeCh chan struct{}

	eq      chan Event
	dropped atomic.Bool
	drops   atomic.Uint64
}

func NewEngine(id ProcessID, eqSize int) *Engine {
	if eqSize <= 0 {
		eqSize = 1024
	}
	return &Engine{
		id:      id,
		regions: make(map[Handle]*region),
		lists:   make(map[uint32][]*region),
		ops:     make(map[uint64]*opState),
		closeCh: make(chan struct{}),
		eq:      make(chan Event, eqSize),
	}
}

func (e *Engine) SetLink(l Link) {
	e.mu.Lock()
	e.link = l
	e.mu.Unlock()
}

func (e *Engine) ID() ProcessID {
	return e.id
}

// DroppedEvents returns how many events were lost to queue overflow.
func (e *Engine) DroppedEvents() uint64 {
	return e.drops.Load()
}

func (e *Engine) newRegion(md MD) (*region, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if md.Threshold == 0 {
		return nil, fmt.Errorf("md threshold must be non-zero")
	}
	e.nextH++
	r := &region{h: Handle(e.nextH), md: md, left: md.Threshold}
	e.regions[r.h] = r
	return r, nil
}

func (e *Engine) Attach(portal uint32, me MatchEntry, md MD) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.newRegion(md)
	if err != nil {
		return InvalidHandle, err
	}
	r.attached = true
	r.portal = portal
	r.me = me
	if me.InsertBefore {
		e.lists[portal] = append([]*region{r}, e.lists[portal]...)
	} else {
		e.lists[portal] = append(e.lists[portal], r)
	}
	return r.h, nil
}

func (e *Engine) Bind(md MD) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.newRegion(md)
	if err != nil {
		return InvalidHandle, err
	}
	return r.h, nil
}

func (e *Engine) Unlink(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.regions[h]
	if !ok {
		return ErrInvalidHandle
	}
	e.remove(r)
	if r.busy > 0 {
		e.push(Event{Kind: EventUnlink, Tag: r.md.Tag, Handle: h, Unlinked: true})
		return ErrMDInUse
	}
	return nil
}

// remove drops r from the handle map and its match list. Events for
// operations still in flight on r are discarded from now on.
func (e *Engine) remove(r *region) {
	delete(e.regions, r.h)
	if !r.attached {
		return
	}
	list := e.lists[r.portal]
	for i, x := range list {
		if x == r {
			e.lists[r.portal] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(e.lists[r.portal]) == 0 {
		delete(e.lists, r.portal)
	}
}

// consume counts one operation against r's threshold and reports
// whether r unlinked itself as a result.
func (e *Engine) consume(r *region) bool {
	if r.left == ThresholdInf {
		return false
	}
	r.left--
	if r.left > 0 {
		return false
	}
	e.remove(r)
	return true
}

func (e *Engine) push(ev Event) {
	select {
	case e.eq <- ev:
	default:
		e.dropped.Store(true)
		e.drops.Add(1)
	}
}

func (e *Engine) startOp(h Handle, get bool) (*opState, *region, Link, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, nil, ErrClosed
	}
	if e.link == nil {
		return nil, nil, nil, ErrNoRoute
	}
	r, ok := e.regions[h]
	if !ok {
		return nil, nil, nil, ErrInvalidHandle
	}
	if r.md.Iov.Len() > MaxTransfer {
		return nil, nil, nil, fmt.Errorf("%w: %d byte region", ErrTooLarge, r.md.Iov.Len())
	}
	e.nextOp++
	op := &opState{cookie: e.nextOp, h: h, get: get}
	e.ops[op.cookie] = op
	r.busy++
	return op, r, e.link, nil
}

// Put sends the whole of h's region to the matching entry at target.
func (e *Engine) Put(h Handle, target ProcessID, portal uint32, matchBits uint64, offset int) error {
	op, r, link, err := e.startOp(h, false)
	if err != nil {
		return err
	}
	f := &Frame{
		Kind:      FramePut,
		Src:       e.id,
		Dst:       target,
		Portal:    portal,
		MatchBits: matchBits,
		Offset:    uint64(offset),
		Cookie:    op.cookie,
		Data:      r.md.Iov.Gather(0, r.md.Iov.Len()),
	}
	link.Send(f, func(err error) { e.sendDone(op, err) })
	return nil
}

// Get fetches into h's region from the matching entry at target.
func (e *Engine) Get(h Handle, target ProcessID, portal uint32, matchBits uint64, offset int) error {
	op, r, link, err := e.startOp(h, true)
	if err != nil {
		return err
	}
	f := &Frame{
		Kind:      FrameGet,
		Src:       e.id,
		Dst:       target,
		Portal:    portal,
		MatchBits: matchBits,
		Offset:    uint64(offset),
		Length:    uint32(r.md.Iov.Len()),
		Cookie:    op.cookie,
	}
	link.Send(f, func(err error) { e.sendDone(op, err) })
	return nil
}

func (e *Engine) finishOp(op *opState, r *region) {
	delete(e.ops, op.cookie)
	if r != nil {
		r.busy--
	}
}

func (e *Engine) sendDone(op *opState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, live := e.ops[op.cookie]; !live {
		return
	}
	op.sent = true
	r, ok := e.regions[op.h]
	if !ok {
		// unlinked while in flight; the unlink event has already been queued
		if err != nil || !op.get || op.replied {
			e.finishOp(op, nil)
		}
		return
	}
	ev := Event{Kind: EventSendEnd, Tag: r.md.Tag, Handle: r.h}
	if err != nil {
		ev.Fail = true
		e.finishOp(op, r)
		e.remove(r)
		ev.Unlinked = true
		e.push(ev)
		return
	}
	if !op.get || op.replied {
		e.finishOp(op, r)
	}
	ev.Unlinked = e.consume(r)
	e.push(ev)
}

// Deliver hands an inbound frame to the engine. Links call it from their
// receive path.
func (e *Engine) Deliver(f *Frame) {
	if f == nil {
		return
	}
	switch f.Kind {
	case FramePut:
		e.deliverPut(f)
	case FrameGet:
		e.deliverGet(f)
	case FrameReply:
		e.deliverReply(f)
	}
}

func (e *Engine) match(f *Frame, want Options) *region {
	for _, r := range e.lists[f.Portal] {
		if r.md.Options&want == 0 || !r.me.accepts(f.Src, f.MatchBits) {
			continue
		}
		if r.md.Options&ManageLocal != 0 && len(f.Data) > r.md.Iov.Len()-r.local {
			continue
		}
		return r
	}
	return nil
}

func (e *Engine) deliverPut(f *Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	r := e.match(f, OpPut)
	if r == nil {
		return
	}
	off := int(f.Offset)
	if r.md.Options&ManageLocal != 0 {
		off = r.local
	}
	n := r.md.Iov.Scatter(off, f.Data)
	ev := Event{
		Kind:      EventPutEnd,
		Tag:       r.md.Tag,
		Handle:    r.h,
		Initiator: f.Src,
		MatchBits: f.MatchBits,
		Offset:    off,
		MLength:   n,
		RLength:   len(f.Data),
	}
	ev.Unlinked = e.consume(r)
	if !ev.Unlinked && r.md.Options&ManageLocal != 0 {
		r.local += n
		if r.md.Iov.Len()-r.local < r.md.MaxSize {
			e.remove(r)
			ev.Unlinked = true
		}
	}
	e.push(ev)
}

func (e *Engine) deliverGet(f *Frame) {
	reply := &Frame{
		Kind:      FrameReply,
		Src:       e.id,
		Dst:       f.Src,
		Portal:    f.Portal,
		MatchBits: f.MatchBits,
		Cookie:    f.Cookie,
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	link := e.link
	var r *region
	if int64(f.Length) <= MaxTransfer {
		r = e.match(f, OpGet)
	}
	if r == nil {
		reply.Fail = true
	} else {
		reply.Data = r.md.Iov.Gather(int(f.Offset), int(f.Length))
		ev := Event{
			Kind:      EventGetEnd,
			Tag:       r.md.Tag,
			Handle:    r.h,
			Initiator: f.Src,
			MatchBits: f.MatchBits,
			Offset:    int(f.Offset),
			MLength:   len(reply.Data),
			RLength:   int(f.Length),
		}
		ev.Unlinked = e.consume(r)
		e.push(ev)
	}
	e.mu.Unlock()
	if link != nil {
		link.Send(reply, nil)
	}
}

func (e *Engine) deliverReply(f *Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.ops[f.Cookie]
	if !ok || !op.get || op.replied {
		return
	}
	op.replied = true
	r, ok := e.regions[op.h]
	if !ok {
		if op.sent {
			e.finishOp(op, nil)
		}
		return
	}
	ev := Event{
		Kind:      EventReplyEnd,
		Tag:       r.md.Tag,
		Handle:    r.h,
		Initiator: f.Src,
		MatchBits: f.MatchBits,
		Fail:      f.Fail,
	}
	if !f.Fail {
		ev.MLength = r.md.Iov.Scatter(0, f.Data)
		ev.RLength = len(f.Data)
	}
	if op.sent {
		e.finishOp(op, r)
	}
	ev.Unlinked = e.consume(r)
	e.push(ev)
}

// Poll returns the next event, waiting up to timeout. ErrEQEmpty means
// nothing arrived; ErrEQDropped is returned together with a valid event
// when earlier events were lost.
func (e *Engine) Poll(timeout time.Duration) (Event, error) {
	select {
	case ev := <-e.eq:
		return ev, e.takeDropped()
	default:
	}
	select {
	case <-e.closeCh:
		return Event{}, ErrClosed
	default:
	}
	if timeout <= 0 {
		return Event{}, ErrEQEmpty
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-e.eq:
		return ev, e.takeDropped()
	case <-timer.C:
		return Event{}, ErrEQEmpty
	case <-e.closeCh:
		return Event{}, ErrClosed
	}
}

func (e *Engine) takeDropped() error {
	if e.dropped.Swap(false) {
		return ErrEQDropped
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.closeCh)
	e.regions = make(map[Handle]*region)
	e.lists = make(map[uint32][]*region)
	e.ops = make(map[uint64]*opState)
	return nil
}

var _ NI = (*Engine)(nil)
