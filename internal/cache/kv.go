package cache

// KV is the minimal contract the fetch coordinator needs from a cache.
// Implementations must be safe for concurrent use by multiple goroutines.
type KV interface {
	Get(key string) ([]byte, bool)
	Put(key string, payload []byte)
}

var _ KV = (*Store)(nil)
