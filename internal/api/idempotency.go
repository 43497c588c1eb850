package api

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/notifyd/pkg/proto"
	"golang.org/x/sync/singleflight"
)

// IdempotencyKeyHeader lets a caller retry a notify without a second dispatch
const IdempotencyKeyHeader = "Idempotency-Key"

// idempotencyCache remembers the notification produced for recent keys.
// Concurrent requests with the same key share a single dispatch.
type idempotencyCache struct {
	cache *lru.TwoQueueCache
	group singleflight.Group
}

func newIdempotencyCache(size int) (*idempotencyCache, error) {
	cache, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	return &idempotencyCache{cache: cache}, nil
}

func idempotencyKey(source, kind, key string) string {
	return source + "\x00" + kind + "\x00" + key
}

// do runs notify unless key has already produced a notification, in which
// case that notification is returned with replayed set. Failed dispatches
// are not remembered.
func (c *idempotencyCache) do(key string, notify func() (*proto.Notification, error)) (n *proto.Notification, replayed bool, err error) {
	if v, ok := c.cache.Get(key); ok {
		return v.(*proto.Notification), true, nil
	}

	executed := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		// A call that finished between Get and Do has already cached its result
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		executed = true

		n, err := notify()
		if err != nil {
			return n, err
		}
		c.cache.Add(key, n)
		return n, nil
	})

	n, _ = v.(*proto.Notification)
	return n, !executed, err
}

// Len returns the number of remembered keys
func (c *idempotencyCache) Len() int {
	return c.cache.Len()
}
