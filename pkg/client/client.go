package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/notifyd/pkg/proto"
)

// Client is an HTTP client for interacting with the notifyd API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	streamBuffer    int
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithStreamBuffer sets the channel capacity of stream subscriptions
func WithStreamBuffer(size int) ClientOption {
	return func(c *Client) {
		c.streamBuffer = size
	}
}

// New creates a new notifyd API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		streamBuffer:    100,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Error is an error reported by the API
type Error struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is an API not-found error
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NotifyOption configures a single Notify call
type NotifyOption func(*http.Request)

// WithIdempotencyKey makes retries of the same notify dispatch only once
func WithIdempotencyKey(key string) NotifyOption {
	return func(req *http.Request) {
		req.Header.Set("Idempotency-Key", key)
	}
}

// Notify raises kind on source with payload encoded as JSON. A nil payload
// sends an empty body.
func (c *Client) Notify(ctx context.Context, source, kind string, payload any, opts ...NotifyOption) (*proto.NotifyResponse, error) {
	path := "/sources/" + url.PathEscape(source) + "/events/" + url.PathEscape(kind)

	var out proto.NotifyResponse
	if err := c.do(ctx, http.MethodPost, path, payload, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSubscriptions lists the live subscriptions of source
func (c *Client) ListSubscriptions(ctx context.Context, source string) ([]*proto.SubscriptionInfo, error) {
	var out proto.ListSubscriptionsResponse
	if err := c.do(ctx, http.MethodGet, "/sources/"+url.PathEscape(source)+"/subscriptions", nil, &out); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

// GetSubscription returns one live subscription
func (c *Client) GetSubscription(ctx context.Context, id string) (*proto.SubscriptionInfo, error) {
	var out proto.SubscriptionInfo
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Revoke removes a subscription and reports whether it was still live
func (c *Client) Revoke(ctx context.Context, id string) (bool, error) {
	var out proto.RevokeResponse
	if err := c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, &out); err != nil {
		return false, err
	}
	return out.Removed, nil
}

// Stream subscribes to (source, kind) over a websocket. The channel is
// closed when ctx ends or the server closes the stream.
func (c *Client) Stream(ctx context.Context, source, kind string) (<-chan *proto.Notification, error) {
	sub, err := c.Subscribe(ctx, source, kind)
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.Done:
		}
	}()

	return sub.Events, nil
}

// Subscribe opens a websocket subscription and waits until the server has
// registered it
func (c *Client) Subscribe(ctx context.Context, source, kind string) (*Subscription, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sources/" + url.PathEscape(source) + "/events/" + url.PathEscape(kind) + "/ws"

	headers := http.Header{}
	for k, v := range c.headers {
		if k != "Content-Type" {
			headers[k] = v
		}
	}

	conn, resp, err := c.websocketDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var hello proto.StreamMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read stream handshake: %w", err)
	}
	if hello.Type != proto.StreamSubscribed || hello.Subscription == nil {
		conn.Close()
		return nil, fmt.Errorf("unexpected stream handshake: %q", hello.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub := &Subscription{
		Info:    hello.Subscription,
		Events:  make(chan *proto.Notification, c.streamBuffer),
		Done:    make(chan struct{}),
		conn:    conn,
		closing: make(chan struct{}),
	}

	go sub.receiveEvents()

	return sub, nil
}

// do makes an HTTP request and decodes the data field of the response
// envelope into out
func (c *Client) do(ctx context.Context, method, path string, body, out any, opts ...NotifyOption) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}

	for k, v := range c.headers {
		req.Header[k] = v
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}

	return nil
}

// decodeError turns an error response into *Error
func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode, Message: resp.Status}

	body, _ := io.ReadAll(resp.Body)
	var envelope struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.StatusCode = resp.StatusCode
		return envelope.Error
	}

	return apiErr
}

// Subscription is a websocket stream of notifications
type Subscription struct {
	Info   *proto.SubscriptionInfo
	Events chan *proto.Notification
	Done   chan struct{}

	conn      *websocket.Conn
	closing   chan struct{}
	closeOnce sync.Once
}

// receiveEvents processes websocket messages until the connection ends
func (s *Subscription) receiveEvents() {
	defer func() {
		close(s.Events)
		close(s.Done)
		s.conn.Close()
	}()

	for {
		var msg proto.StreamMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.Type != proto.StreamNotification || msg.Notification == nil {
			continue
		}

		select {
		case s.Events <- msg.Notification:
		case <-s.closing:
			return
		}
	}
}

// Close ends the stream; the server revokes its subscription
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		err = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)

		select {
		case <-s.Done:
		case <-time.After(time.Second):
			s.conn.Close()
		}
	})
	return err
}
