package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	apierrors "github.com/nkkko/notifyd/internal/api/errors"
	"github.com/nkkko/notifyd/internal/api/response"
	"github.com/nkkko/notifyd/internal/api/validation"
	"github.com/nkkko/notifyd/internal/dispatcher"
	"github.com/nkkko/notifyd/internal/logging"
	"github.com/nkkko/notifyd/internal/metrics"
	"github.com/nkkko/notifyd/internal/telemetry"
	"github.com/nkkko/notifyd/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// Largest accepted notify body in bytes
	MaxBodySize int64

	// Number of idempotency keys remembered
	IdempotencyCacheSize int

	// Per-stream buffer of undelivered notifications
	StreamBuffer int

	// Interval between websocket pings and SSE comments
	HeartbeatInterval time.Duration

	// Origins allowed by CORS and the websocket upgrader
	AllowedOrigins []string

	// Leave /metrics unmounted
	DisableMetrics bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		RequestTimeout:       30 * time.Second,
		MaxBodySize:          1 << 20,
		IdempotencyCacheSize: 4096,
		StreamBuffer:         100,
		HeartbeatInterval:    15 * time.Second,
		AllowedOrigins:       []string{"*"},
	}
}

// API serves the dispatcher over HTTP
type API struct {
	config      Config
	dispatcher  Dispatcher
	router      *chi.Mux
	server      *http.Server
	upgrader    websocket.Upgrader
	idempotency *idempotencyCache
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	streams  map[string]*streamClient
	closing  chan struct{}
	closed   bool
}

// New creates a new API instance
func New(config Config, d Dispatcher) (*API, error) {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaults.MaxBodySize
	}
	if config.IdempotencyCacheSize <= 0 {
		config.IdempotencyCacheSize = defaults.IdempotencyCacheSize
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = defaults.StreamBuffer
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}

	idem, err := newIdempotencyCache(config.IdempotencyCacheSize)
	if err != nil {
		return nil, err
	}

	a := &API{
		config:      config,
		dispatcher:  d,
		idempotency: idem,
		logger:      log.With().Str("component", "api").Logger(),
		metrics:     metrics.GetMetrics(),
		streams:     make(map[string]*streamClient),
		closing:     make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      a.checkOrigin,
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware())
	r.Use(logging.HTTPMiddleware())
	r.Use(metricsMiddleware(a.metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader, "Traceparent"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	a.registerRoutes(r)
	a.router = r

	return a, nil
}

// Handler returns the routed HTTP handler
func (a *API) Handler() http.Handler {
	return a.router
}

// Start binds the configured address and serves until ctx is done or the
// server fails
func (a *API) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	a.mu.Lock()
	a.listener = ln
	a.server = server
	a.mu.Unlock()

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("API server started")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound address once Start has listened
func (a *API) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Shutdown closes open streams and gracefully stops the server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")

	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.closing)
	}
	server := a.server
	a.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(r chi.Router) {
	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.isClosing() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Metrics endpoint
	if !a.config.DisableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Request/response endpoints share a deadline; streams do not
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))

		r.Post("/sources/{source}/events/{kind}", a.handleNotify)
		r.Get("/sources/{source}/subscriptions", a.handleListSubscriptions)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/{id}", a.handleGetSubscription)
			r.Delete("/{id}", a.handleRevoke)
		})
	})

	r.Get("/sources/{source}/events/{kind}/ws", a.handleWebSocket)
	r.Get("/sources/{source}/events/{kind}/sse", a.handleSSE)
}

// handleNotify raises an occurrence on a source. The request body, if any,
// becomes the notification payload.
func (a *API) handleNotify(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	kind := chi.URLParam(r, "kind")
	if err := validation.Names("source", source, "kind", kind); err != nil {
		response.Error(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, r, apierrors.TooLargeError("payload_too_large",
				"Payload exceeds "+strconv.FormatInt(a.config.MaxBodySize, 10)+" bytes"))
			return
		}
		response.Error(w, r, apierrors.ValidationError("unreadable_body", err.Error()))
		return
	}

	var payload any
	if len(bytes.TrimSpace(body)) > 0 {
		if !json.Valid(body) {
			response.Error(w, r, apierrors.ValidationError("invalid_json", "Payload must be valid JSON"))
			return
		}
		payload = json.RawMessage(body)
	}

	notify := func() (*proto.Notification, error) {
		return a.dispatcher.Notify(r.Context(), source, kind, payload)
	}

	var (
		n        *proto.Notification
		replayed bool
	)
	if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
		if err := validation.MaxLength(IdempotencyKeyHeader, key, 255); err != nil {
			response.Error(w, r, err)
			return
		}
		n, replayed, err = a.idempotency.do(idempotencyKey(source, kind, key), notify)
	} else {
		n, err = notify()
	}

	if err != nil {
		var cbErr *dispatcher.CallbackError
		if errors.As(err, &cbErr) {
			response.Error(w, r, apierrors.CallbackError("callback_failed", cbErr.Error()).WithDetails(map[string]string{
				"notification_id": cbErr.NotificationID,
				"subscription_id": cbErr.SubscriptionID,
			}))
			return
		}
		response.Error(w, r, err)
		return
	}

	if replayed {
		a.metrics.IdempotentReplays.Inc()
		logger := logging.FromContext(r.Context())
		logger.Debug().
			Str("notification_id", n.Id).
			Msg("Replayed idempotent notify")
	}

	response.JSON(w, r, http.StatusAccepted, &proto.NotifyResponse{
		Notification: n,
		Replayed:     replayed,
	})
}

// handleListSubscriptions lists the live subscriptions of a source
func (a *API) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if err := validation.Name("source", source); err != nil {
		response.Error(w, r, err)
		return
	}

	subs := a.dispatcher.Subscriptions(source)
	infos := make([]*proto.SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, sub.Info())
	}

	response.JSON(w, r, http.StatusOK, &proto.ListSubscriptionsResponse{
		Source:        source,
		Subscriptions: infos,
	})
}

// handleGetSubscription returns one live subscription
func (a *API) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, ok := a.dispatcher.Lookup(id)
	if !ok {
		response.Error(w, r, apierrors.NotFoundError("subscription_not_found", "Subscription not found: "+id))
		return
	}

	response.JSON(w, r, http.StatusOK, sub.Info())
}

// handleRevoke removes a subscription. Revoking an unknown or already
// revoked id succeeds with removed=false.
func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := a.dispatcher.Revoke(id)
	if err != nil && !errors.Is(err, dispatcher.ErrSubscriptionNotFound) {
		response.Error(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, &proto.RevokeResponse{
		Id:      id,
		Removed: err == nil,
	})
}

func (a *API) isClosing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// checkOrigin applies the CORS origin list to websocket upgrades
func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// metricsMiddleware records request counts and latency per route pattern
func metricsMiddleware(m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
