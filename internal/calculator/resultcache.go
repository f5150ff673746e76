package calculator

import "container/list"

// resultCache is a bounded LRU of results keyed by canonical inputs.
// It is guarded by the owning instance's mutex.
type resultCache struct {
	size  int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key    string
	result Result
}

func newResultCache(size int) *resultCache {
	return &resultCache{
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *resultCache) get(key string) (Result, bool) {
	el, ok := c.items[key]
	if !ok {
		return Result{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).result, true
}

func (c *resultCache) put(key string, r Result) {
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).result = r
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, result: r})
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *resultCache) len() int { return c.order.Len() }

func (c *resultCache) clear() {
	c.order.Init()
	c.items = make(map[string]*list.Element)
}
