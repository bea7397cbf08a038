// Package cache implements the result cache used to short-circuit trace lookups.
//
// The cache is advisory: a miss only costs a trip to the ledger. Entries are keyed by the normalized address so
// "0xABC" and "0xabc" share one entry.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tarancss/dtrace/lib/types"
	"github.com/tarancss/dtrace/lib/util"
)

// DefaultSize is the number of traces kept when no size is configured.
const DefaultSize = 1000

// Cache defines the interface for trace result caching.
type Cache interface {
	// Get returns the trace cached for addr and true if found.
	Get(addr string) (types.Trace, bool)
	// Put stores the trace of addr.
	Put(addr string, t types.Trace)
	// Clear removes all the entries.
	Clear()
	// Stats returns the current number of entries and the capacity.
	Stats() Stats
}

// Stats is a snapshot of the cache occupancy.
type Stats struct {
	Size  int `json:"cache_size"`
	Limit int `json:"cache_limit"`
}

// FIFO is a capacity bounded cache evicting the oldest inserted entry. Lookups do not refresh entries: unlike an LRU,
// a frequently read entry is evicted as soon as it becomes the oldest one.
type FIFO struct {
	c     *lru.Cache[string, types.Trace]
	limit int
}

// NewFIFO creates a cache holding up to size traces.
func NewFIFO(size int) (*FIFO, error) {
	c, err := lru.New[string, types.Trace](size)
	if err != nil {
		return nil, err
	}

	return &FIFO{c: c, limit: size}, nil
}

// Get uses Peek so the entry's position in the eviction order is left untouched.
func (f *FIFO) Get(addr string) (types.Trace, bool) {
	return f.c.Peek(util.Normalize(addr))
}

// Put inserts the trace as the newest entry, evicting the oldest one when full. The library runs the capacity check,
// the eviction and the insertion under a single lock. Putting an existing address replaces its trace and makes it the
// newest entry.
func (f *FIFO) Put(addr string, t types.Trace) {
	f.c.Add(util.Normalize(addr), t)
}

func (f *FIFO) Clear() {
	f.c.Purge()
}

func (f *FIFO) Stats() Stats {
	return Stats{Size: f.c.Len(), Limit: f.limit}
}

// Noop is a cache that does nothing (used when caching is disabled).
type Noop struct{}

// NewNoop creates a new no-op cache.
func NewNoop() *Noop {
	return &Noop{}
}

// Get always returns not found
func (Noop) Get(string) (types.Trace, bool) { return types.Trace{}, false }

// Put does nothing
func (Noop) Put(string, types.Trace) {}

// Clear does nothing
func (Noop) Clear() {}

// Stats reports an empty cache with a zero limit: cache_limit 0 means caching is disabled.
func (Noop) Stats() Stats { return Stats{} }
