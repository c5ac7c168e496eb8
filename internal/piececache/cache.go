// Package piececache keeps recently seen pieces of a connection in memory so that
// requests from the peer can be answered without asking the coordinator.
package piececache

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Cache is a size bounded LRU cache of whole pieces. Entries also expire after a TTL.
// The cached data is never authoritative: pieces are durably written by the coordinator.
type Cache struct {
	size, maxSize int64
	ttl           time.Duration
	items         map[uint32]*item
	accessList    accessList
	m             sync.Mutex

	numHit   metrics.EWMA
	numTotal metrics.EWMA

	closeC    chan struct{}
	closeOnce sync.Once
}

// New returns a cache that holds at most maxSize bytes of piece data.
func New(maxSize int64, ttl time.Duration) *Cache {
	c := &Cache{
		maxSize:  maxSize,
		ttl:      ttl,
		items:    make(map[uint32]*item),
		numHit:   metrics.NewEWMA1(),
		numTotal: metrics.NewEWMA1(),
		closeC:   make(chan struct{}),
	}
	go c.tick()
	return c
}

func (c *Cache) tick() {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.numHit.Tick()
			c.numTotal.Tick()
		case <-c.closeC:
			return
		}
	}
}

// Close removes all entries and stops the background goroutine.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.closeC) })
	c.Clear()
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.m.Lock()
	for _, i := range c.accessList {
		i.timer.Stop()
	}
	c.items = make(map[uint32]*item)
	c.accessList = nil
	c.size = 0
	c.m.Unlock()
}

// Len returns the number of cached pieces.
func (c *Cache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.items)
}

// Size returns the total size of cached pieces in bytes.
func (c *Cache) Size() int64 {
	c.m.Lock()
	defer c.m.Unlock()
	return c.size
}

// Utilization returns the percentage of Get calls that were served from the cache in the last minute.
func (c *Cache) Utilization() int {
	total := c.numTotal.Rate()
	if total == 0 {
		return 0
	}
	return int((100 * c.numHit.Rate()) / total)
}

// Get returns the data of piece at index if it is cached.
func (c *Cache) Get(index uint32) ([]byte, bool) {
	c.m.Lock()
	defer c.m.Unlock()

	c.numTotal.Update(1)
	i, ok := c.items[index]
	if !ok {
		return nil, false
	}
	c.numHit.Update(1)
	i.lastAccessed = time.Now()
	heap.Fix(&c.accessList, i.pos)
	i.timer.Reset(c.ttl)
	return i.data, true
}

// Has returns true if piece at index is cached. It does not count as an access.
func (c *Cache) Has(index uint32) bool {
	c.m.Lock()
	defer c.m.Unlock()
	_, ok := c.items[index]
	return ok
}

// Put adds the piece data to the cache, evicting least recently used pieces to make room.
// Data larger than the cache is not stored.
func (c *Cache) Put(index uint32, data []byte) {
	c.m.Lock()
	defer c.m.Unlock()

	if old, ok := c.items[index]; ok {
		c.removeItem(old)
	}
	if int64(len(data)) > c.maxSize {
		return
	}
	for c.maxSize-c.size < int64(len(data)) {
		c.removeItem(c.accessList[0])
	}

	i := &item{
		index:        index,
		data:         data,
		lastAccessed: time.Now(),
	}
	c.items[index] = i
	c.size += int64(len(data))
	heap.Push(&c.accessList, i)
	i.timer = time.AfterFunc(c.ttl, func() {
		c.m.Lock()
		// The item may have been evicted or replaced before the timer fired.
		if c.items[i.index] == i {
			c.removeItem(i)
		}
		c.m.Unlock()
	})
}

// Remove drops the piece at index from the cache.
func (c *Cache) Remove(index uint32) {
	c.m.Lock()
	defer c.m.Unlock()
	if i, ok := c.items[index]; ok {
		c.removeItem(i)
	}
}

func (c *Cache) removeItem(i *item) {
	i.timer.Stop()
	delete(c.items, i.index)
	heap.Remove(&c.accessList, i.pos)
	c.size -= int64(len(i.data))
}
