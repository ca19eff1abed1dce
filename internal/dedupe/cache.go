// Package dedupe remembers recently seen message ids so redelivered webhook
// and socket events are processed once.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache is a TTL + size bounded set of message keys. Oldest keys are evicted
// first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop   chan struct{}
	closed bool
}

// New creates a cache and starts its sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	return ok && c.fresh(el.Value.(*entry))
}

// CheckAndMark returns true if key is a duplicate. Otherwise it marks key
// and returns false. An empty key is never a duplicate and is not recorded.
func (c *Cache) CheckAndMark(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if c.fresh(e) {
			return true
		}
		e.seen = c.now()
		c.order.MoveToBack(el)
		return false
	}

	if c.order.Len() >= c.maxSize {
		c.evictFront()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: c.now()})
	return false
}

// Len returns the number of tracked keys, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) fresh(e *entry) bool {
	return c.now().Sub(e.seen) < c.ttl
}

func (c *Cache) evictFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired keys. Keys are ordered by mark time so it stops at
// the first fresh one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if c.fresh(e) {
			return
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.index, e.key)
		el = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.stop)
		c.closed = true
	}
}
