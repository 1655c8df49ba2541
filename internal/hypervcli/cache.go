package hypervcli

import "time"

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

func (c *cacheEntry[T]) get(now time.Time) (T, bool) {
	if c == nil || !now.Before(c.expires) {
		var zero T
		return zero, false
	}
	return c.value, true
}

func newCacheEntry[T any](value T, ttl time.Duration) *cacheEntry[T] {
	return &cacheEntry[T]{
		value:   value,
		expires: time.Now().Add(ttl),
	}
}
