// ABOUTME: In-process L1 tier: TTL and size-bounded LRU of conversation entries
// ABOUTME: Dirty entries are pinned and never evicted until their write reaches the durable store

package statecache

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-turns/internal/store"
)

// group identifies an independently debounced field group.
type group int

const (
	groupConfig group = iota
	groupTeam
)

func (g group) String() string {
	if g == groupTeam {
		return "team"
	}
	return "config"
}

// timerSlot is the single pending flush timer of one (id, group).
type timerSlot struct {
	timer *time.Timer
	gen   uint64
}

// entry is one cached conversation.
type entry struct {
	id      string
	state   *store.ConversationState
	touched time.Time
	element *list.Element

	// dirty is set when L1 holds writes the durable store has not seen.
	dirty   bool
	version uint64
	timers  map[group]*timerSlot

	// flushMu serializes durable writes for this id.
	flushMu sync.Mutex
}

func (e *entry) pinned() bool {
	return e.dirty || len(e.timers) > 0
}

// l1Cache is a TTL, size-limited LRU. It has no lock of its own; the owning
// Store's mutex must be held for every call.
type l1Cache struct {
	entries map[string]*entry
	order   *list.List // least recently used at front
	ttl     time.Duration
	maxSize int
}

func newL1(ttl time.Duration, maxSize int) *l1Cache {
	return &l1Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// get returns the entry for id, or nil if absent or expired.
func (c *l1Cache) get(id string, now time.Time) *entry {
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if !e.pinned() && now.Sub(e.touched) > c.ttl {
		c.remove(e)
		return nil
	}
	e.touched = now
	c.order.MoveToBack(e.element)
	return e
}

// peek returns the entry for id without touching or expiring it.
func (c *l1Cache) peek(id string) *entry {
	return c.entries[id]
}

// put inserts state for id. If an entry exists it is returned unchanged so
// local writes are never replaced by a load.
func (c *l1Cache) put(id string, state *store.ConversationState, now time.Time) *entry {
	if e, exists := c.entries[id]; exists {
		e.touched = now
		c.order.MoveToBack(e.element)
		return e
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry{
		id:      id,
		state:   state,
		touched: now,
		timers:  make(map[group]*timerSlot),
	}
	e.element = c.order.PushBack(e)
	c.entries[id] = e
	return e
}

// replace overwrites the state of a clean entry with a fresher copy.
func (c *l1Cache) replace(e *entry, state *store.ConversationState) {
	if !e.dirty {
		e.state = state
	}
}

func (c *l1Cache) remove(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.id)
}

// evictOldest removes the least recently used unpinned entry.
// When every entry is pinned the cache temporarily grows past maxSize.
func (c *l1Cache) evictOldest() {
	for el := c.order.Front(); el != nil; el = el.Next() {
		e, _ := el.Value.(*entry)
		if e.pinned() {
			continue
		}
		c.remove(e)
		return
	}
}

// sweep removes all expired unpinned entries.
func (c *l1Cache) sweep(now time.Time) int {
	removed := 0
	for _, e := range c.entries {
		if !e.pinned() && now.Sub(e.touched) > c.ttl {
			c.remove(e)
			removed++
		}
	}
	return removed
}

// dirtyIDs lists entries with unflushed writes or pending timers.
func (c *l1Cache) dirtyIDs() []string {
	var ids []string
	for id, e := range c.entries {
		if e.pinned() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *l1Cache) size() int {
	return len(c.entries)
}
