package capnp

import "capnproto.org/go/capnp/v3/exc"

// An Arena loads and allocates segments for a Message.
//
// An Arena implementation MUST be safe to read from multiple
// goroutines but need not be safe for concurrent writes.
type Arena interface {
	// NumSegments returns the number of segments in the arena. This
	// must not be larger than 1<<32.
	NumSegments() int64

	// Segment returns the segment with the given ID, or nil if id is
	// out of bounds.
	Segment(id SegmentID) *Segment

	// Allocate reserves sz zeroed bytes at the end of a segment,
	// creating a new segment if necessary, and returns that segment
	// and the address of the reserved bytes. pref, if non-nil, is a
	// segment the caller would prefer to use if it has room; this
	// minimizes far pointer creation for the common case of
	// allocating just after a pointer slot.
	Allocate(sz Size, msg *Message, pref *Segment) (*Segment, address, error)

	// Release releases any resources associated with the arena. The
	// arena must not be used afterward.
	Release()
}

// roArena is the read-only arena used for decoding a message from a
// fixed set of segments. Allocate always fails: a message built this
// way is meant to be read, not mutated.
type roArena []*Segment

func (ra roArena) NumSegments() int64 { return int64(len(ra)) }

func (ra roArena) Segment(id SegmentID) *Segment {
	if int64(id) >= int64(len(ra)) {
		return nil
	}
	return ra[id]
}

func (ra roArena) Allocate(sz Size, msg *Message, pref *Segment) (*Segment, address, error) {
	return nil, 0, exc.Errorf("arena: read-only, cannot allocate")
}

func (ra roArena) Release() {}

// fixedArena wraps a read-only set of segments for decoding.
func fixedArena(data [][]byte) Arena {
	segs := make(roArena, len(data))
	for i, d := range data {
		segs[i] = &Segment{id: SegmentID(i), data: d}
	}
	return segs
}

// growArena is a bump-pointer, multi-segment arena used for building
// messages. The zero value is an empty single-segment arena.
type growArena struct {
	segs        []*Segment
	maxSegSize  Size // 0 means use maxAllocSize()
	fixedLayout bool // if true (MultiSegment), never grow a segment past its capacity; add a new segment instead
}

// SingleSegment constructs an Arena that allocates a single segment,
// reusing b as the initial segment's storage if non-nil and empty.
// Exceeding the segment's capacity causes it to be grown with
// append, never split into a second segment.
func SingleSegment(b []byte) Arena {
	a := &growArena{fixedLayout: false}
	if b != nil {
		a.segs = []*Segment{{id: 0, data: b}}
	}
	return a
}

// MultiSegment constructs an Arena that allocates new segments when
// existing ones fill up, rather than growing a single segment. b, if
// non-nil, is the initial set of segments (which must each have
// length a multiple of the word size).
func MultiSegment(b [][]byte) Arena {
	a := &growArena{fixedLayout: true}
	for i, d := range b {
		a.segs = append(a.segs, &Segment{id: SegmentID(i), data: d})
	}
	return a
}

func (a *growArena) NumSegments() int64 { return int64(len(a.segs)) }

func (a *growArena) Segment(id SegmentID) *Segment {
	if int64(id) >= int64(len(a.segs)) {
		return nil
	}
	return a.segs[id]
}

func (a *growArena) Allocate(sz Size, msg *Message, pref *Segment) (*Segment, address, error) {
	if pref != nil {
		if addr, ok := a.tryAllocIn(pref, sz); ok {
			return pref, addr, nil
		}
	}
	for _, s := range a.segs {
		if s == pref {
			continue
		}
		if addr, ok := a.tryAllocIn(s, sz); ok {
			return s, addr, nil
		}
	}
	return a.newSegment(sz, msg)
}

func (a *growArena) tryAllocIn(s *Segment, sz Size) (address, bool) {
	addr := address(len(s.data))
	end, ok := addr.addSize(sz)
	if !ok {
		return 0, false
	}
	capRemaining := Size(cap(s.data) - len(s.data))
	if sz > capRemaining {
		if a.fixedLayout {
			return 0, false
		}
		// Room to grow within maxAllocSize(); append handles the
		// underlying realloc.
	}
	_ = end
	s.data = append(s.data, make([]byte, sz)...)
	return addr, true
}

func (a *growArena) newSegment(sz Size, msg *Message) (*Segment, address, error) {
	if sz > maxAllocSize() {
		return nil, 0, exc.New(exc.Failed, exc.ArithmeticOverflow, "allocate: requested size too large")
	}
	id := SegmentID(len(a.segs))
	s := &Segment{id: id, msg: msg, data: make([]byte, sz, maxSize(sz, 4096))}
	a.segs = append(a.segs, s)
	return s, 0, nil
}

func (a *growArena) Release() {
	a.segs = nil
}
