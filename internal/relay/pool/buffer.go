package pool

import (
	"github.com/nyxio/relay/internal/relay/exchange"
)

// bufferNode is one doubly-linked list node wrapping a buffered exchange
// awaiting a free slot. The buffer finds a node through its index map
// keyed by exchange, so addFirst/addLast/poll/remove are all O(1).
type bufferNode struct {
	ex         *exchange.Exchange
	prev, next *bufferNode
}

// requestBuffer is the Connection Request Buffer: a doubly-linked queue of
// exchanges waiting for a slot, with a sentinel head so every node (even
// the first/last) has a real prev/next to link against. LIFO admission at
// the front keeps the most recently buffered request the next one served,
// matching the endpoint's preference for fresh requests over ones that
// have already waited past their patience.
type requestBuffer struct {
	sentinel bufferNode
	size     int
	index    map[*exchange.Exchange]*bufferNode
}

func newRequestBuffer() *requestBuffer {
	b := &requestBuffer{index: make(map[*exchange.Exchange]*bufferNode)}
	b.sentinel.next = &b.sentinel
	b.sentinel.prev = &b.sentinel
	return b
}

func (b *requestBuffer) isEmpty() bool { return b.size == 0 }

func (b *requestBuffer) len() int { return b.size }

// addFirst inserts ex immediately after the sentinel (LIFO admission).
func (b *requestBuffer) addFirst(ex *exchange.Exchange) {
	n := &bufferNode{ex: ex}
	head := b.sentinel.next
	n.prev = &b.sentinel
	n.next = head
	head.prev = n
	b.sentinel.next = n
	b.index[ex] = n
	b.size++
}

// addLast inserts ex immediately before the sentinel.
func (b *requestBuffer) addLast(ex *exchange.Exchange) {
	n := &bufferNode{ex: ex}
	tail := b.sentinel.prev
	n.next = &b.sentinel
	n.prev = tail
	tail.next = n
	b.sentinel.prev = n
	b.index[ex] = n
	b.size++
}

// poll removes and returns the frontmost exchange, or nil if empty.
func (b *requestBuffer) poll() *exchange.Exchange {
	if b.isEmpty() {
		return nil
	}
	n := b.sentinel.next
	b.unlink(n)
	return n.ex
}

// remove removes a specific exchange from the buffer, returning whether it
// was present. Used when an exchange's own timeout fires while still
// waiting for a slot.
func (b *requestBuffer) remove(ex *exchange.Exchange) bool {
	n, ok := b.index[ex]
	if !ok {
		return false
	}
	b.unlink(n)
	return true
}

func (b *requestBuffer) unlink(n *bufferNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
	delete(b.index, n.ex)
	b.size--
}

// drain empties the buffer, invoking fn for each exchange in front-to-back
// order. Used on shutdown to reject every still-waiting exchange.
func (b *requestBuffer) drain(fn func(ex *exchange.Exchange)) {
	for {
		ex := b.poll()
		if ex == nil {
			return
		}
		fn(ex)
	}
}
