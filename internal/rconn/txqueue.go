package rconn

import "github.com/onkernel/rconn/internal/ofp"

// txItem is one queued, owned message plus the packet counter (if any)
// it was tagged with at Send time.
type txItem struct {
	buf     *ofp.Buf
	counter *PacketCounter
}

// txQueue is the FIFO of owned outbound messages. Per spec.md §3
// invariant 2, it is only ever non-empty while the rconn is ACTIVE or
// IDLE; every exit from a connected state flushes it first.
type txQueue struct {
	items []txItem
}

func (q *txQueue) empty() bool {
	return len(q.items) == 0
}

func (q *txQueue) len() int {
	return len(q.items)
}

// push appends an item to the tail.
func (q *txQueue) push(buf *ofp.Buf, counter *PacketCounter) {
	q.items = append(q.items, txItem{buf: buf, counter: counter})
}

// front returns the head item without removing it.
func (q *txQueue) front() (txItem, bool) {
	if len(q.items) == 0 {
		return txItem{}, false
	}
	return q.items[0], true
}

// popFront removes the head item after it has been handed to the
// transport.
func (q *txQueue) popFront() {
	if len(q.items) == 0 {
		return
	}
	q.items[0] = txItem{}
	q.items = q.items[1:]
}

// flush drops every queued item, decrementing each one's counter's
// in-flight count.
// Called whenever the rconn leaves a connected state.
func (q *txQueue) flush() {
	for _, it := range q.items {
		it.counter.Dec()
		it.buf.Delete()
	}
	q.items = nil
}
