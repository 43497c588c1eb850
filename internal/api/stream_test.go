package api

import (
	"context"
	"testing"

	"github.com/nkkko/notifyd/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamClientFullBufferDrops(t *testing.T) {
	c := &streamClient{
		protocol: protocolWebSocket,
		events:   make(chan *proto.Notification, 1),
		logger:   zerolog.Nop(),
	}

	require.NoError(t, c.deliver(context.Background(), &proto.Notification{Id: "n-1"}))
	// A slow client never blocks the dispatcher or fails the notification
	require.NoError(t, c.deliver(context.Background(), &proto.Notification{Id: "n-2"}))

	assert.Equal(t, int64(1), c.dropped.Load())
	n := <-c.events
	assert.Equal(t, "n-1", n.Id)
}

func TestStreamOpenAndClose(t *testing.T) {
	s := newTestServer(t, Config{StreamBuffer: 4}, "")

	c := s.api.openStream("button", "click", protocolSSE)
	assert.Equal(t, 1, s.api.Streams())
	assert.Equal(t, 1, s.dispatcher.Len())
	assert.Equal(t, 4, cap(c.events))

	_, err := s.dispatcher.Notify(context.Background(), "button", "click", nil)
	require.NoError(t, err)
	require.Len(t, c.events, 1)

	s.api.closeStream(c)
	assert.Equal(t, 0, s.api.Streams())
	assert.Equal(t, 0, s.dispatcher.Len())
	assert.True(t, c.sub.Revoked())
}
