package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	apierrors "github.com/nkkko/notifyd/internal/api/errors"
	"github.com/nkkko/notifyd/internal/api/response"
	"github.com/nkkko/notifyd/internal/api/validation"
	"github.com/nkkko/notifyd/internal/dispatcher"
	"github.com/nkkko/notifyd/pkg/proto"
	"github.com/rs/zerolog"
)

const (
	protocolWebSocket = "websocket"
	protocolSSE       = "sse"

	// Time allowed to write one frame to a stream client
	writeWait = 10 * time.Second
)

// streamClient is a remote subscriber fed through a bounded buffer. Its
// dispatcher callback never blocks: when the buffer is full the
// notification is dropped for that client only.
type streamClient struct {
	protocol string
	sub      *dispatcher.Subscription
	events   chan *proto.Notification
	dropped  atomic.Int64
	logger   zerolog.Logger
}

func (c *streamClient) deliver(_ context.Context, n *proto.Notification) error {
	select {
	case c.events <- n:
	default:
		c.dropped.Add(1)
		c.logger.Warn().
			Str("notification_id", n.Id).
			Int64("dropped", c.dropped.Load()).
			Msg("Stream client is behind, dropping notification")
	}
	return nil
}

// openStream subscribes a new stream client to (source, kind)
func (a *API) openStream(source, kind, protocol string) *streamClient {
	c := &streamClient{
		protocol: protocol,
		events:   make(chan *proto.Notification, a.config.StreamBuffer),
	}
	c.sub = a.dispatcher.Subscribe(source, kind, c.deliver)
	c.logger = a.logger.With().
		Str("subscription_id", c.sub.ID).
		Str("protocol", protocol).
		Logger()

	a.mu.Lock()
	a.streams[c.sub.ID] = c
	a.mu.Unlock()

	a.metrics.StreamsActive.WithLabelValues(protocol).Inc()
	c.logger.Debug().Str("source", source).Str("kind", kind).Msg("Stream opened")

	return c
}

// closeStream revokes the client's subscription
func (a *API) closeStream(c *streamClient) {
	a.dispatcher.Unsubscribe(c.sub)

	a.mu.Lock()
	delete(a.streams, c.sub.ID)
	a.mu.Unlock()

	a.metrics.StreamsActive.WithLabelValues(c.protocol).Dec()
	c.logger.Debug().Int64("dropped", c.dropped.Load()).Msg("Stream closed")
}

// streamParams validates the path of a stream request
func streamParams(r *http.Request) (source, kind string, err error) {
	source = chi.URLParam(r, "source")
	kind = chi.URLParam(r, "kind")
	return source, kind, validation.Names("source", source, "kind", kind)
}

// handleWebSocket streams notifications of (source, kind) over a websocket
// until either side closes it
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	source, kind, err := streamParams(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied
		a.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	c := a.openStream(source, kind, protocolWebSocket)
	defer a.closeStream(c)

	write := func(msg *proto.StreamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if err := write(&proto.StreamMessage{Type: proto.StreamSubscribed, Subscription: c.sub.Info()}); err != nil {
		c.logger.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	// Reading is needed to process pongs and to notice the peer closing
	pongWait := 2 * a.config.HeartbeatInterval
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket read error")
				return
			}
		}
	}()

	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case n := <-c.events:
			if err := write(&proto.StreamMessage{Type: proto.StreamNotification, Notification: n}); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket write error")
				return
			}
			a.metrics.StreamMessagesTotal.WithLabelValues(protocolWebSocket).Inc()

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket ping failed")
				return
			}

		case <-readerDone:
			return

		case <-a.closing:
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// handleSSE streams notifications of (source, kind) as Server-Sent Events
func (a *API) handleSSE(w http.ResponseWriter, r *http.Request) {
	source, kind, err := streamParams(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Error(w, r, apierrors.InternalError("streaming_unsupported", "Streaming is not supported"))
		return
	}

	// The server write timeout would otherwise end the stream
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := a.openStream(source, kind, protocolSSE)
	defer a.closeStream(c)

	if err := writeSSE(w, &proto.StreamMessage{Type: proto.StreamSubscribed, Subscription: c.sub.Info()}); err != nil {
		c.logger.Debug().Err(err).Msg("SSE write error")
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case n := <-c.events:
			if err := writeSSE(w, &proto.StreamMessage{Type: proto.StreamNotification, Notification: n}); err != nil {
				c.logger.Debug().Err(err).Msg("SSE write error")
				return
			}
			flusher.Flush()
			a.metrics.StreamMessagesTotal.WithLabelValues(protocolSSE).Inc()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return

		case <-a.closing:
			return
		}
	}
}

// writeSSE writes one event frame named after the message type
func writeSSE(w http.ResponseWriter, msg *proto.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
	return err
}

// Streams returns the number of open stream clients
func (a *API) Streams() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}
