// Package cache keeps stored documents close to the mapper. It offers a bounded MRU document
// cache implementing odm.Cache and a storage driver decorator reading through any odm.Cache.
package cache

// KeyValuePair is an entry of an MRU cache.
type KeyValuePair[TK comparable, TV any] struct {
	Key   TK
	Value TV
}

// MRU is a bounded cache evicting the least recently used entries. It is not safe for
// concurrent use.
type MRU[TK comparable, TV any] struct {
	lookup      map[TK]*mruEntry[TK, TV]
	dll         *doublyLinkedList[TK]
	maxCapacity int
}

type mruEntry[TK comparable, TV any] struct {
	data    TV
	dllNode *node[TK]
}

// NewMRU creates an MRU holding at most maxCapacity entries.
func NewMRU[TK comparable, TV any](maxCapacity int) *MRU[TK, TV] {
	if maxCapacity <= 0 {
		maxCapacity = 1
	}
	return &MRU[TK, TV]{
		lookup:      make(map[TK]*mruEntry[TK, TV]),
		dll:         newDoublyLinkedList[TK](),
		maxCapacity: maxCapacity,
	}
}

// Clear removes all entries.
func (c *MRU[TK, TV]) Clear() {
	c.lookup = make(map[TK]*mruEntry[TK, TV])
	c.dll = newDoublyLinkedList[TK]()
}

// Set inserts or updates items and marks them most recently used.
func (c *MRU[TK, TV]) Set(items ...KeyValuePair[TK, TV]) {
	for i := range items {
		if v, ok := c.lookup[items[i].Key]; ok {
			v.data = items[i].Value
			c.touch(items[i].Key, v)
			continue
		}
		c.lookup[items[i].Key] = &mruEntry[TK, TV]{
			data:    items[i].Value,
			dllNode: c.dll.addToHead(items[i].Key),
		}
	}
	c.evict()
}

// Get returns the value of key and marks it most recently used.
func (c *MRU[TK, TV]) Get(key TK) (TV, bool) {
	v, ok := c.lookup[key]
	if !ok {
		var zero TV
		return zero, false
	}
	c.touch(key, v)
	return v.data, true
}

// Delete removes keys, if present.
func (c *MRU[TK, TV]) Delete(keys ...TK) {
	for _, k := range keys {
		if v, ok := c.lookup[k]; ok {
			c.dll.delete(v.dllNode)
			delete(c.lookup, k)
		}
	}
}

// Count returns the number of entries.
func (c *MRU[TK, TV]) Count() int {
	return len(c.lookup)
}

func (c *MRU[TK, TV]) touch(key TK, v *mruEntry[TK, TV]) {
	c.dll.delete(v.dllNode)
	v.dllNode = c.dll.addToHead(key)
}

// evict drops entries from the tail while the cache is over capacity.
func (c *MRU[TK, TV]) evict() {
	for c.dll.count() > c.maxCapacity {
		id, ok := c.dll.deleteFromTail()
		if !ok {
			return
		}
		delete(c.lookup, id)
	}
}
