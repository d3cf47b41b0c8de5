// Package history implements RSU's per-source duplicate-suppression cache
// (spec §4.3, grounded on rsunicast_history.h): one slot per sender holding
// only its most recently seen seqno, used to drop a retransmission that
// already delivered before the sender received our ACK.
package history

import "container/list"

// DefaultCapacity is the original's MAX_HISTORY_SIZE: the cache remembers
// the last 30 senders.
const DefaultCapacity = 30

type entry struct {
	sender uint16
	seqNo  uint8
}

// Cache is a bounded FIFO of one (sender, seqno) slot per sender. Recording a
// new seqno for a sender replaces its slot and moves it to the back of the
// eviction order, matching rsu_add_history's "remove any prior entry with
// the same id, then append" behavior. It is not safe for concurrent use;
// RSU owns it from its single event-loop goroutine.
type Cache struct {
	capacity int
	order    *list.List
	bySender map[uint16]*list.Element
}

// New returns an empty cache holding at most capacity senders. A capacity
// of 0 falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		bySender: make(map[uint16]*list.Element),
	}
}

// Seen reports whether sender's last recorded seqno is seqNo.
func (c *Cache) Seen(sender uint16, seqNo uint8) bool {
	elem, ok := c.bySender[sender]
	return ok && elem.Value.(entry).seqNo == seqNo
}

// Record sets sender's last seen seqno to seqNo, evicting any prior entry
// for sender first (only the latest seqno per source is retained) and then
// the globally oldest sender if the cache is now over capacity.
func (c *Cache) Record(sender uint16, seqNo uint8) {
	if elem, ok := c.bySender[sender]; ok {
		c.order.Remove(elem)
		delete(c.bySender, sender)
	}
	elem := c.order.PushBack(entry{sender, seqNo})
	c.bySender[sender] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.bySender, oldest.Value.(entry).sender)
	}
}

// Len reports the number of senders currently cached.
func (c *Cache) Len() int {
	return c.order.Len()
}
