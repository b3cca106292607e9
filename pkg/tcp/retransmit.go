package tcp

import (
	"sync"
	"time"
)

// pendingSegment is one outstanding, not-yet-acknowledged segment.
type pendingSegment struct {
	seq  uint32
	seg  *Segment
	sent time.Time
}

// retransmitQueue tracks segments a Connection has sent but not yet had
// acknowledged, in send order, so a lost segment can be found and resent
// on the third duplicate ACK (fastRetransmit). No timer resends from it.
type retransmitQueue struct {
	mu      sync.Mutex
	pending []pendingSegment
}

func newRetransmitQueue() *retransmitQueue {
	return &retransmitQueue{}
}

// add records seg as sent at the given sequence number.
func (q *retransmitQueue) add(seq uint32, seg *Segment, sent time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, pendingSegment{seq: seq, seg: seg, sent: sent})
}

// remove drops the entry at seq, if any (used once its ACK arrives).
func (q *retransmitQueue) remove(seq uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p.seq == seq {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// removeBefore drops every entry whose sequence number precedes ack,
// handling the usual 32-bit wraparound.
func (q *retransmitQueue) removeBefore(ack uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, p := range q.pending {
		if int32(p.seq-ack) >= 0 {
			kept = append(kept, p)
		}
	}
	q.pending = kept
}

// first returns the oldest outstanding segment, or nil if the queue is empty.
func (q *retransmitQueue) first() *Segment {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0].seg
}
