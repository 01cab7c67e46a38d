package chunk

// Result is a fetch outcome: a value, or absence when the target could not be
// resolved.
type Result[V any] struct {
	Value V
	Found bool
}

// Found wraps a resolved value.
func Found[V any](v V) Result[V] {
	return Result[V]{Value: v, Found: true}
}

// Absent is the result for a target that yielded nothing.
func Absent[V any]() Result[V] {
	return Result[V]{}
}

// Cache maps a fetch target to its result for the duration of one processor
// run. It is owned by the controlling goroutine and not safe for concurrent use.
type Cache[V any] struct {
	entries map[string]Result[V]
}

// NewCache returns an empty cache.
func NewCache[V any]() *Cache[V] {
	return &Cache[V]{entries: make(map[string]Result[V])}
}

// Get returns the cached result for target.
func (c *Cache[V]) Get(target string) (Result[V], bool) {
	r, ok := c.entries[target]
	return r, ok
}

// Put records the result for target.
func (c *Cache[V]) Put(target string, r Result[V]) {
	c.entries[target] = r
}

// Len returns the number of cached targets.
func (c *Cache[V]) Len() int {
	return len(c.entries)
}
