package model

import "fmt"

// KVCache holds the per-layer key and value rows of one generation call.
// It must not be shared between calls.
type KVCache struct {
	enabled bool
	stride  int
	k, v    [][]float32
	n       int
}

// NewKVCache allocates a cache for layers layers whose rows are stride wide.
func NewKVCache(layers, stride int, enabled bool) *KVCache {
	return &KVCache{
		enabled: enabled,
		stride:  stride,
		k:       make([][]float32, layers),
		v:       make([][]float32, layers),
	}
}

func (c *KVCache) Enabled() bool { return c.enabled }

// Len is the number of positions currently held.
func (c *KVCache) Len() int { return c.n }

// Reset drops all positions while keeping the allocated storage.
func (c *KVCache) Reset() {
	c.n = 0
	for i := range c.k {
		c.k[i] = c.k[i][:0]
		c.v[i] = c.v[i][:0]
	}
}

// Advance records that n more positions have been written.
func (c *KVCache) Advance(n int) { c.n += n }

// Begin prepares the cache for a forward pass starting at pos. A disabled
// cache is emptied first.
func (c *KVCache) Begin(pos int) error {
	if !c.enabled {
		c.Reset()
	}
	if pos != c.n {
		return fmt.Errorf("cache holds %d positions, forward starts at %d", c.n, pos)
	}
	return nil
}

// store writes the key and value rows of layer at the next free position.
func (c *KVCache) store(layer int, k, v []float32) {
	off := c.n * c.stride
	c.k[layer] = append(c.k[layer][:off], k...)
	c.v[layer] = append(c.v[layer][:off], v...)
}
