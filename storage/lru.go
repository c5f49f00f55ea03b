package storage

import "sync"

// pathCache is a bounded LRU map from content hash to resolved file path.
// It replaces an unbounded lookup dictionary so that high hash cardinality
// cannot grow memory without limit. Entries are hints only; callers re-check
// that the file still exists before trusting one.
//
// Doubly linked list plus map for O(1) get, add and evict.
type pathCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*pathNode
	head     *pathNode // most recently used
	tail     *pathNode // least recently used
}

type pathNode struct {
	key  string
	path string
	prev *pathNode
	next *pathNode
}

func newPathCache(capacity int) *pathCache {
	if capacity < 1 {
		capacity = 1
	}
	return &pathCache{
		capacity: capacity,
		items:    make(map[string]*pathNode),
	}
}

func (c *pathCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return "", false
	}

	c.moveToHead(node)
	return node.path, true
}

func (c *pathCache) Add(key, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		node.path = path
		c.moveToHead(node)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictTail()
	}

	node := &pathNode{key: key, path: path}
	c.items[key] = node
	c.addToHead(node)
}

func (c *pathCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		c.removeNode(node)
		delete(c.items, key)
	}
}

func (c *pathCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *pathCache) addToHead(node *pathNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *pathCache) removeNode(node *pathNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev = nil
	node.next = nil
}

func (c *pathCache) moveToHead(node *pathNode) {
	if c.head == node {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

func (c *pathCache) evictTail() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.removeNode(victim)
	delete(c.items, victim.key)
}
