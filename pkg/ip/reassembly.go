package ip

import (
	"sync"
	"time"

	"github.com/embernet/ipcore/pkg/timer"
)

const (
	maxFragOffset = 8191 // 13-bit field, in 8-octet units
	maxIPLen      = 65535
)

// ReassemblyResult classifies the outcome of Reassembler.Reassemble: a
// datagram that was never fragmented, one still awaiting more fragments, a
// fully reassembled datagram, or a discarded fragment.
type ReassemblyResult uint8

const (
	ResultNonFragment ReassemblyResult = iota
	ResultInProgress
	ResultComplete
	ResultDiscard
)

// TimeoutNotifier is invoked when a reassembly list's deadline fires, before
// its fragments are freed.
type TimeoutNotifier interface {
	FragmentReassemblyTimeExceeded(head *Buffer)
}

// Reassembler is the list-of-lists fragment reassembly engine: one list
// per in-progress datagram, each a doubly-linked chain of fragments kept in
// offset order. spec.md §4.5.8/§5 model the receive path and timer
// callbacks as running on a single network-processing task, so the list
// structure itself needs no locking; this implementation's receive path
// and timer.Service's dispatch goroutine are two separate goroutines, so
// structMu plays the part that single task would have played, serializing
// Reassemble against a concurrent timeout firing.
type Reassembler struct {
	pool   *BufferPool
	timers *timer.Service
	notify TimeoutNotifier

	// structMu serializes every access to the list-of-lists and to the
	// fragments hanging off it (listHead/listTail, and each buffer's
	// PrevFrag/NextFrag/PrevList/NextList/Timer). Reassemble runs on
	// whatever goroutine the driver's receive loop uses, while a list's
	// timeout fires on timer.Service's own dispatch goroutine; spec.md
	// §4.5.8/§5 assume both are the same single network-processing task,
	// which Go's goroutine model does not give us for free, so this lock
	// stands in for that assumption instead of requiring callers to
	// funnel both paths through one goroutine themselves.
	structMu sync.Mutex

	listHead *Buffer // head of the list-of-lists (by prev_list/next_list)
	listTail *Buffer

	mu      sync.Mutex // guards only timeout, read from the processing task and timer callbacks alike
	timeout time.Duration
}

// NewReassembler creates a reassembly engine with the given default list
// deadline.
func NewReassembler(pool *BufferPool, timers *timer.Service, notify TimeoutNotifier, defaultTimeout time.Duration) *Reassembler {
	return &Reassembler{
		pool:    pool,
		timers:  timers,
		notify:  notify,
		timeout: defaultTimeout,
	}
}

// SetTimeout changes the deadline applied to newly created lists.
func (r *Reassembler) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

func (r *Reassembler) currentTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// Reassemble inserts buf's fragment into the matching in-progress list (or
// starts a new one), returning ResultComplete once every fragment has
// arrived. buf must have already passed Validator.Validate.
func (r *Reassembler) Reassemble(buf *Buffer) (ReassemblyResult, *Buffer, error) {
	mf := buf.IPFlagsFragOffset&0x2000 != 0
	fragOffset := buf.IPFlagsFragOffset & 0x1FFF

	if !mf && fragOffset == 0 {
		return ResultNonFragment, buf, nil
	}

	if fragOffset > maxFragOffset {
		return ResultDiscard, nil, ErrFragOffset
	}
	fragSize := int(buf.IPDataLen)
	if err := checkFragSize(mf, fragSize); err != nil {
		return ResultDiscard, nil, err
	}

	r.structMu.Lock()
	defer r.structMu.Unlock()

	for head := r.listHead; head != nil; head = head.NextList {
		if sameList(head, buf) {
			return r.insert(head, buf, mf, fragOffset, fragSize)
		}
	}
	return r.createList(buf, mf, fragOffset, fragSize)
}

func checkFragSize(mf bool, size int) error {
	if mf {
		if size < 8 || size%8 != 0 {
			return ErrFragSize
		}
		return nil
	}
	if size < 1 || size > 65515 {
		return ErrFragSize
	}
	return nil
}

func sameList(head, buf *Buffer) bool {
	return head.IPAddrSrc == buf.IPAddrSrc &&
		head.IPAddrDest == buf.IPAddrDest &&
		head.IPID == buf.IPID &&
		sameProtocol(head, buf)
}

func sameProtocol(head, buf *Buffer) bool {
	return fragProtocol(head) == fragProtocol(buf)
}

// fragProtocol recovers the protocol tag a fragment carries; only the first
// fragment of a list has it indexed via ProtocolHdrType since later
// fragments may not include the transport header, so we key on
// ProtocolHdrTypeNetSub which the driver/validator stamps on every
// fragment regardless of offset.
func fragProtocol(buf *Buffer) ProtoHdrType {
	return buf.ProtocolHdrTypeNetSub
}

// createList starts a new reassembly list with buf as its sole fragment.
func (r *Reassembler) createList(buf *Buffer, mf bool, fragOffset uint16, fragSize int) (ReassemblyResult, *Buffer, error) {
	buf.PrevFrag, buf.NextFrag = nil, nil
	buf.IPFragSizeCur = uint16(fragSize)
	if !mf {
		buf.IPFragSizeTot = fragOffset*8 + uint16(fragSize)
	}

	buf.Timer = r.timers.Acquire(func(ctx any) {
		r.onTimeout(ctx.(*Buffer))
	}, buf, r.currentTimeout())

	if r.listTail == nil {
		r.listHead, r.listTail = buf, buf
	} else {
		r.listTail.NextList = buf
		buf.PrevList = r.listTail
		r.listTail = buf
	}

	return r.checkComplete(buf)
}

// insert walks an existing list in offset order to find buf's place,
// detecting duplicates and overlaps along the way.
func (r *Reassembler) insert(head, buf *Buffer, mf bool, fragOffset uint16, fragSize int) (ReassemblyResult, *Buffer, error) {
	newStart := fragOffset * 8
	newEnd := newStart + uint16(fragSize)

	var prev *Buffer
	cur := head
	for {
		curOffset := cur.IPFlagsFragOffset & 0x1FFF * 8
		switch {
		case fragOffset*8 == curOffset:
			// Equal offset: duplicate. A size mismatch against the
			// fragment already on the list poisons the whole list;
			// otherwise just drop the incoming copy.
			if int(cur.IPDataLen) != fragSize {
				r.discardList(head)
				return ResultDiscard, nil, ErrFragSize
			}
			r.pool.Put(buf)
			return ResultDiscard, nil, ErrFragDiscard

		case curOffset > newStart:
			// Strictly-later offset at cur: insert before it.
			if newEnd > curOffset {
				r.discardList(head)
				return ResultDiscard, nil, ErrFragDiscard
			}
			if prev != nil {
				prevOffset := prev.IPFlagsFragOffset&0x1FFF*8 + prev.IPDataLen
				if prevOffset > newStart {
					r.discardList(head)
					return ResultDiscard, nil, ErrFragDiscard
				}
			}
			return r.splice(head, prev, cur, buf, mf, fragOffset, fragSize)

		default:
			if cur.NextFrag == nil {
				// Strictly-earlier offset, no successor: append at tail,
				// unless overlap.
				curEnd := curOffset + cur.IPDataLen
				if curEnd > newStart {
					r.discardList(head)
					return ResultDiscard, nil, ErrFragDiscard
				}
				return r.splice(head, cur, nil, buf, mf, fragOffset, fragSize)
			}
			prev = cur
			cur = cur.NextFrag
		}
	}
}

// splice links buf between before and after within one list (either may be
// nil at an end), migrating head metadata if buf becomes the new head, then
// updates size accounting and re-checks completeness.
func (r *Reassembler) splice(head, before, after, buf *Buffer, mf bool, fragOffset uint16, fragSize int) (ReassemblyResult, *Buffer, error) {
	buf.PrevFrag, buf.NextFrag = before, after
	if before != nil {
		before.NextFrag = buf
	}
	if after != nil {
		after.PrevFrag = buf
	}

	newHead := head
	if before == nil {
		// buf is now the earliest fragment; migrate list-level metadata.
		newHead = buf
		migrateHeadMetadata(head, newHead)
		if head == r.listHead {
			r.listHead = newHead
		}
		if head == r.listTail {
			r.listTail = newHead
		}
		if newHead.PrevList != nil {
			newHead.PrevList.NextList = newHead
		}
		if newHead.NextList != nil {
			newHead.NextList.PrevList = newHead
		}
	}

	newHead.IPFragSizeCur += uint16(fragSize)
	if !mf {
		total := uint32(fragOffset)*8 + uint32(fragSize)
		if total > maxIPLen {
			r.discardList(newHead)
			return ResultDiscard, nil, ErrFragLenTot
		}
		newHead.IPFragSizeTot = uint16(total)
	}

	return r.checkComplete(newHead)
}

// migrateHeadMetadata moves list-level state from the old head to the new
// head buffer in a single step, under structMu (held by every caller: both
// Reassemble and onTimeout), plus the timer's own generation counter
// (pkg/timer) guarding a firing that was already in flight when the move
// happened.
func migrateHeadMetadata(old, newHead *Buffer) {
	newHead.PrevList = old.PrevList
	newHead.NextList = old.NextList
	newHead.Timer = old.Timer
	newHead.IPFragSizeCur = old.IPFragSizeCur
	newHead.IPFragSizeTot = old.IPFragSizeTot

	old.PrevList, old.NextList = nil, nil
	old.Timer = nil
	old.IPFragSizeCur, old.IPFragSizeTot = 0, 0

	// newHead.Timer's pending firing still closes over old as its context;
	// the imminent checkComplete call below always reschedules or frees
	// the timer with newHead as context, so the stale closure never fires.
}

// checkComplete compares a list's accumulated size against its total size
// (known once the non-MF fragment has arrived) and completes, discards, or
// rearms the list's timer accordingly.
func (r *Reassembler) checkComplete(head *Buffer) (ReassemblyResult, *Buffer, error) {
	if head.IPFragSizeTot == 0 {
		head.Timer.Set(func(ctx any) { r.onTimeout(ctx.(*Buffer)) }, head, r.currentTimeout())
		return ResultInProgress, nil, nil
	}

	switch {
	case head.IPFragSizeCur == head.IPFragSizeTot:
		total := int(head.IPHdrLen) + int(head.IPFragSizeTot)
		if total > maxIPLen {
			r.discardList(head)
			return ResultDiscard, nil, ErrFragLenTot
		}
		r.unlinkList(head)
		head.Timer.Free()
		head.Timer = nil
		// Copy each later fragment's data into head at its offset so head
		// alone holds the whole datagram, then free those fragments.
		base := head.IPHdrIx + int(head.IPHdrLen)
		if need := base + int(head.IPFragSizeTot); cap(head.Data) < need {
			grown := make([]byte, need)
			copy(grown, head.Data)
			head.Data = grown
		} else {
			head.Data = head.Data[:need]
		}
		for f := head.NextFrag; f != nil; f = f.NextFrag {
			src := f.IPHdrIx + int(f.IPHdrLen)
			copy(head.Data[base+int(f.IPFlagsFragOffset&0x1FFF)*8:], f.Data[src:src+int(f.IPDataLen)])
		}
		r.freeListFrags(head.NextFrag)
		head.NextFrag = nil
		head.IPDatagramLen = uint16(total)
		head.IPTotLen = uint16(total)
		return ResultComplete, head, nil

	case head.IPFragSizeCur > head.IPFragSizeTot:
		r.discardList(head)
		return ResultDiscard, nil, ErrFragSizeTot

	default:
		head.Timer.Set(func(ctx any) { r.onTimeout(ctx.(*Buffer)) }, head, r.currentTimeout())
		return ResultInProgress, nil, nil
	}
}

// onTimeout frees an expired list's fragments after notifying, if
// registered, that its reassembly deadline passed. Runs on
// timer.Service's dispatch goroutine, concurrently with Reassemble calls
// on the receive path, hence structMu.
func (r *Reassembler) onTimeout(head *Buffer) {
	r.structMu.Lock()
	defer r.structMu.Unlock()

	if r.notify != nil {
		r.notify.FragmentReassemblyTimeExceeded(head)
	}
	r.unlinkList(head)
	r.freeListFrags(head)
}

func (r *Reassembler) unlinkList(head *Buffer) {
	if head.PrevList != nil {
		head.PrevList.NextList = head.NextList
	} else {
		r.listHead = head.NextList
	}
	if head.NextList != nil {
		head.NextList.PrevList = head.PrevList
	} else {
		r.listTail = head.PrevList
	}
	head.PrevList, head.NextList = nil, nil
}

func (r *Reassembler) discardList(head *Buffer) {
	r.unlinkList(head)
	if head.Timer != nil {
		head.Timer.Free()
		head.Timer = nil
	}
	r.freeListFrags(head)
}

func (r *Reassembler) freeListFrags(head *Buffer) {
	cur := head
	for cur != nil {
		next := cur.NextFrag
		cur.PrevFrag, cur.NextFrag = nil, nil
		r.pool.Put(cur)
		cur = next
	}
}
