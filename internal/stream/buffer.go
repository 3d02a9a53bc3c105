package stream

import (
	"sync"

	"github.com/dyluth/atelier/pkg/workshop"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCapacity is the number of events retained by a Buffer.
	DefaultCapacity = 50

	// DefaultDedupWindow is the number of recent delivery keys remembered for
	// duplicate suppression. It is larger than the capacity so duplicates are
	// still caught after the original has been evicted from the log.
	DefaultDedupWindow = 512
)

// Buffer is a bounded, ordered log of received events.
// Append assigns each accepted event a 1-based, monotonically increasing Seq.
// The oldest events are evicted once the capacity is exceeded. Processing
// positions belong to consumers (see Cursor), never to the buffer.
// Buffer is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	events   []workshop.Event
	capacity int
	seq      uint64
	seen     *lru.Cache[string, struct{}]
	dropped  uint64
}

// NewBuffer creates a buffer retaining at most capacity events and remembering
// the last dedupWindow delivery keys. Non-positive values fall back to the
// defaults.
func NewBuffer(capacity, dedupWindow int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}

	// lru.New only fails for a non-positive size
	seen, _ := lru.New[string, struct{}](dedupWindow)

	return &Buffer{
		events:   make([]workshop.Event, 0, capacity),
		capacity: capacity,
		seen:     seen,
	}
}

// Append stores ev and returns it with its assigned Seq.
// Returns false without storing anything if the event's delivery key was seen
// within the dedup window. Events with an empty DedupKey are always accepted.
func (b *Buffer) Append(ev workshop.Event) (workshop.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if key := ev.DedupKey(); key != "" {
		if found, _ := b.seen.ContainsOrAdd(key, struct{}{}); found {
			b.dropped++
			return ev, false
		}
	}

	b.seq++
	ev.Seq = b.seq
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		// Shift instead of reslicing so the backing array does not grow forever
		n := copy(b.events, b.events[len(b.events)-b.capacity:])
		b.events = b.events[:n]
	}

	return ev, true
}

// Since returns a copy of the retained events with Seq strictly greater than
// cursor, in arrival order.
func (b *Buffer) Since(cursor uint64) []workshop.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, ev := range b.events {
		if ev.Seq > cursor {
			out := make([]workshop.Event, len(b.events)-i)
			copy(out, b.events[i:])
			return out
		}
	}
	return nil
}

// Head returns the Seq of the most recently appended event, or 0 if nothing
// has been appended yet. A cursor moved to Head skips everything received so far.
func (b *Buffer) Head() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Len returns the number of retained events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns how many duplicate deliveries were rejected.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Next returns the events after c and moves c past them.
func (b *Buffer) Next(c *Cursor) []workshop.Event {
	events := b.Since(c.Position())
	c.Advance(events)
	return events
}

// Cursor is one consumer's processing position in a Buffer.
// The zero value starts before the first event.
type Cursor struct {
	pos uint64
}

// Position returns the Seq of the last processed event.
func (c *Cursor) Position() uint64 {
	return c.pos
}

// Advance moves the cursor past the last of events. Cursors never move backwards.
func (c *Cursor) Advance(events []workshop.Event) {
	if len(events) == 0 {
		return
	}
	if last := events[len(events)-1].Seq; last > c.pos {
		c.pos = last
	}
}

// JumpTo moves the cursor to seq, skipping anything in between. Used when a
// new run starts so stale events from the previous run are never processed.
func (c *Cursor) JumpTo(seq uint64) {
	c.pos = seq
}
