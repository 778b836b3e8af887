package lnd

// handleTable maps event tags to descriptors and receive buffers. A key
// carries the slot's generation, so a tag from a retired object never
// resolves to whatever reused the slot.
type handleTable struct {
	slots []handleSlot
	free  []uint32
	live  int
}

type handleSlot struct {
	gen uint32
	obj any
}

func (t *handleTable) insert(obj any) uint64 {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, handleSlot{})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	s.gen++
	s.obj = obj
	t.live++
	return uint64(s.gen)<<32 | uint64(idx+1)
}

func (t *handleTable) split(key uint64) (uint32, uint32, bool) {
	low := uint32(key)
	if low == 0 || int(low) > len(t.slots) {
		return 0, 0, false
	}
	return low - 1, uint32(key >> 32), true
}

func (t *handleTable) lookup(key uint64) any {
	idx, gen, ok := t.split(key)
	if !ok {
		return nil
	}
	s := &t.slots[idx]
	if s.gen != gen || s.obj == nil {
		return nil
	}
	return s.obj
}

func (t *handleTable) remove(key uint64) {
	idx, gen, ok := t.split(key)
	if !ok {
		return
	}
	s := &t.slots[idx]
	if s.gen != gen || s.obj == nil {
		return
	}
	s.obj = nil
	t.free = append(t.free, idx)
	t.live--
}

func (t *handleTable) len() int {
	return t.live
}
