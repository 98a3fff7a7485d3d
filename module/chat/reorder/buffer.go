package reorder

import (
	"container/heap"
	"time"

	"ChatCore/module/chat/model"
	"ChatCore/tools/ids"
)

// Conf tunes the buffer. Zero values get sensible defaults.
type Conf struct {
	// HoldWindow is how long a message must sit in the working set before it
	// may render. It bounds the jitter the buffer can absorb and is the only
	// display latency the buffer adds.
	HoldWindow time.Duration
	// DedupLimit caps how many rendered ids are remembered for dedup.
	DedupLimit int
	Clock      func() time.Time
}

func (c *Conf) norm() {
	if c.HoldWindow <= 0 {
		c.HoldWindow = 200 * time.Millisecond
	}
	if c.DedupLimit <= 0 {
		c.DedupLimit = 4096
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type entry struct {
	ev        *model.FanoutEvent
	arrivedAt time.Time
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return ids.Compare(h[i].ev.TimestampID, h[j].ev.TimestampID) < 0
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Buffer turns the jittered, at-least-once event stream into an append-only
// render order. Not safe for concurrent use: it belongs to a single event
// loop that calls Offer on arrival and Tick periodically.
//
// The ordering key is wall-clock-derived; a sender clock lagging beyond the
// hold window still produces a causal inversion this component cannot see.
type Buffer struct {
	conf Conf

	working    entryHeap
	inSet      map[string]struct{}
	rendered   map[string]struct{}
	renderFIFO []string
}

func NewBuffer(conf Conf) *Buffer {
	conf.norm()
	return &Buffer{
		conf:     conf,
		inSet:    make(map[string]struct{}),
		rendered: make(map[string]struct{}),
	}
}

// Offer inserts an event into the working set. Ids already rendered or
// already pending are dropped silently, which is what makes at-least-once
// delivery safe. Returns false for a dropped duplicate.
func (b *Buffer) Offer(ev *model.FanoutEvent) bool {
	id := ev.TimestampID
	if _, dup := b.inSet[id]; dup {
		return false
	}
	if _, dup := b.rendered[id]; dup {
		return false
	}
	b.inSet[id] = struct{}{}
	heap.Push(&b.working, &entry{ev: ev, arrivedAt: b.conf.Clock()})
	return true
}

// Tick pops every message that is both the current minimum and has resided
// in the set for at least the hold window, stopping at the first ineligible
// minimum. Returned events are in final render order; rendering is strictly
// append-only.
func (b *Buffer) Tick() []*model.FanoutEvent {
	now := b.conf.Clock()
	var out []*model.FanoutEvent
	for b.working.Len() > 0 {
		min := b.working[0]
		if now.Sub(min.arrivedAt) < b.conf.HoldWindow {
			break
		}
		heap.Pop(&b.working)
		delete(b.inSet, min.ev.TimestampID)
		b.markRendered(min.ev.TimestampID)
		out = append(out, min.ev)
	}
	return out
}

// Pending reports how many messages are held back.
func (b *Buffer) Pending() int { return b.working.Len() }

func (b *Buffer) markRendered(id string) {
	b.rendered[id] = struct{}{}
	b.renderFIFO = append(b.renderFIFO, id)
	for len(b.renderFIFO) > b.conf.DedupLimit {
		delete(b.rendered, b.renderFIFO[0])
		b.renderFIFO = b.renderFIFO[1:]
	}
}
