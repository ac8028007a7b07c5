package model

// Model maps a token context plus cache state to next-token logits.
type Model interface {
	// Forward runs tokens at positions pos, pos+1, ... and returns the logits
	// for the last one. The returned slice belongs to the caller.
	Forward(tokens []int, pos int, cache *KVCache) ([]float32, error)
	// NewCache returns an empty cache sized for this model. A disabled cache
	// keeps nothing between calls, so every Forward must start at position 0.
	NewCache(enabled bool) *KVCache
}
