// Package cache holds the per-run identifier maps used by event handlers.
//
// Entries are never evicted: a run's topology only grows, and a handler
// lives exactly as long as its run's subscription context.
package cache

// Map maps an external key to a row id. It is not safe for concurrent use;
// each handler owns its maps and runs on one receive loop.
type Map[K comparable, V any] struct {
	m map[K]V
}

// New creates an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

// Lookup returns the value stored for key.
func (c *Map[K, V]) Lookup(key K) (V, bool) {
	v, ok := c.m[key]
	return v, ok
}

// Store records the value for key.
func (c *Map[K, V]) Store(key K, v V) {
	c.m[key] = v
}

// Resolve returns the cached value for key, or calls fetch and caches its
// result. Errors are not cached.
func (c *Map[K, V]) Resolve(key K, fetch func() (V, error)) (V, error) {
	if v, ok := c.m[key]; ok {
		return v, nil
	}
	v, err := fetch()
	if err != nil {
		return v, err
	}
	c.m[key] = v
	return v, nil
}

// Len returns the number of cached entries.
func (c *Map[K, V]) Len() int { return len(c.m) }
