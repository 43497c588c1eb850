package api

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nkkko/notifyd/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyConcurrentCallsShareDispatch(t *testing.T) {
	c, err := newIdempotencyCache(16)
	require.NoError(t, err)

	var runs atomic.Int32
	release := make(chan struct{})
	notify := func() (*proto.Notification, error) {
		runs.Add(1)
		<-release
		return &proto.Notification{Id: "n-1"}, nil
	}

	var wg sync.WaitGroup
	var replays atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, replayed, err := c.do("k", notify)
			assert.NoError(t, err)
			assert.Equal(t, "n-1", n.Id)
			if replayed {
				replays.Add(1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(7), replays.Load())
	assert.Equal(t, 1, c.Len())
}

func TestIdempotencyFailureNotRemembered(t *testing.T) {
	c, err := newIdempotencyCache(16)
	require.NoError(t, err)

	_, _, err = c.do("k", func() (*proto.Notification, error) {
		return nil, errors.New("halted")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	n, replayed, err := c.do("k", func() (*proto.Notification, error) {
		return &proto.Notification{Id: "n-2"}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "n-2", n.Id)
}

func TestIdempotencyKeyScoping(t *testing.T) {
	assert.NotEqual(t, idempotencyKey("a", "b", "k"), idempotencyKey("a", "c", "k"))
	assert.NotEqual(t, idempotencyKey("ab", "c", "k"), idempotencyKey("a", "bc", "k"))
}
