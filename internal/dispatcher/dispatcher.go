package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/notifyd/internal/metrics"
	"github.com/nkkko/notifyd/internal/telemetry"
	"github.com/nkkko/notifyd/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// FailurePolicy decides what happens to the remaining callbacks of a
// notification when one of them fails
type FailurePolicy string

const (
	// PolicyIsolate logs the failure and keeps invoking the remaining callbacks
	PolicyIsolate FailurePolicy = "isolate"

	// PolicyHalt stops at the first failure and returns it from Notify
	PolicyHalt FailurePolicy = "halt"
)

// ParseFailurePolicy converts a config string to a FailurePolicy
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case PolicyIsolate, "":
		return PolicyIsolate, nil
	case PolicyHalt:
		return PolicyHalt, nil
	default:
		return PolicyIsolate, fmt.Errorf("invalid failure policy: %s", s)
	}
}

// Config contains dispatcher configuration
type Config struct {
	FailurePolicy FailurePolicy
}

// DefaultConfig returns a default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		FailurePolicy: PolicyIsolate,
	}
}

// Runner executes async callbacks without the caller waiting for them.
// ctx bounds only the hand-off; the task must outlive it.
type Runner interface {
	Schedule(ctx context.Context, task func(context.Context) error) error
}

// Dispatcher routes notifications from sources to subscribed callbacks
type Dispatcher struct {
	config  Config
	runner  Runner
	sources map[string]map[string][]*Subscription // source -> kind -> subscriptions in registration order
	byID    map[string]*Subscription
	mu      sync.RWMutex
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a dispatcher. A nil runner starts one goroutine per async
// invocation.
func New(config Config, runner Runner) *Dispatcher {
	if config.FailurePolicy == "" {
		config.FailurePolicy = DefaultConfig().FailurePolicy
	}

	return &Dispatcher{
		config:  config,
		runner:  runner,
		sources: make(map[string]map[string][]*Subscription),
		byID:    make(map[string]*Subscription),
		logger:  log.With().Str("component", "dispatcher").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Subscribe registers callback for kind on source. Nothing is invoked until
// the next matching Notify.
func (d *Dispatcher) Subscribe(source, kind string, callback Callback, opts ...SubscribeOption) *Subscription {
	if callback == nil {
		panic("dispatcher: Subscribe with nil callback")
	}

	sub := &Subscription{
		ID:        generateID(),
		Source:    source,
		Kind:      kind,
		CreatedAt: time.Now(),
		callback:  callback,
	}
	for _, opt := range opts {
		opt(sub)
	}

	d.mu.Lock()
	kinds, ok := d.sources[source]
	if !ok {
		kinds = make(map[string][]*Subscription)
		d.sources[source] = kinds
	}
	kinds[kind] = append(kinds[kind], sub)
	d.byID[sub.ID] = sub
	d.mu.Unlock()

	d.metrics.SubscriptionsActive.Inc()
	d.logger.Debug().
		Str("subscription_id", sub.ID).
		Str("source", source).
		Str("kind", kind).
		Bool("once", sub.once).
		Bool("async", sub.async).
		Msg("Subscription registered")

	return sub
}

// Unsubscribe removes sub. Calling it more than once is a no-op.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.revoke(sub)
}

// Revoke removes the subscription with the given id
func (d *Dispatcher) Revoke(id string) error {
	d.mu.RLock()
	sub, ok := d.byID[id]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}

	d.revoke(sub)
	return nil
}

// revoke marks sub revoked and drops it from the registry. It reports
// whether this call did the revoking.
func (d *Dispatcher) revoke(sub *Subscription) bool {
	if !sub.revoked.CompareAndSwap(false, true) {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byID[sub.ID]; !ok {
		return true
	}
	delete(d.byID, sub.ID)

	if kinds, ok := d.sources[sub.Source]; ok {
		subs := kinds[sub.Kind]
		// Copy so that snapshots taken by in-flight Notify calls stay intact
		remaining := make([]*Subscription, 0, len(subs))
		for _, s := range subs {
			if s != sub {
				remaining = append(remaining, s)
			}
		}

		if len(remaining) == 0 {
			delete(kinds, sub.Kind)
			if len(kinds) == 0 {
				delete(d.sources, sub.Source)
			}
		} else {
			kinds[sub.Kind] = remaining
		}
	}

	d.metrics.SubscriptionsActive.Dec()
	d.logger.Debug().Str("subscription_id", sub.ID).Msg("Subscription revoked")

	return true
}

// Notify builds a notification and invokes every callback registered for
// (source, kind) in registration order. Synchronous callbacks have all run
// when Notify returns; async ones have only been scheduled.
func (d *Dispatcher) Notify(ctx context.Context, source, kind string, payload any) (*proto.Notification, error) {
	n := &proto.Notification{
		Id:      generateID(),
		Kind:    kind,
		Origin:  source,
		Payload: payload,
		Ts:      timestamppb.Now(),
	}

	d.mu.RLock()
	subs := d.sources[source][kind]
	snapshot := make([]*Subscription, len(subs))
	copy(snapshot, subs)
	d.mu.RUnlock()

	d.metrics.NotificationsTotal.WithLabelValues(kind).Inc()

	if len(snapshot) == 0 {
		d.metrics.NotificationsUnheard.WithLabelValues(kind).Inc()
		return n, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatcher.Notify", trace.WithAttributes(
		telemetry.AttrSource.String(source),
		telemetry.AttrKind.String(kind),
		telemetry.AttrNotificationID.String(n.Id),
		telemetry.AttrCallbacks.Int(len(snapshot)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	for _, sub := range snapshot {
		if sub.once {
			// Whoever revokes a once subscription owns its single invocation
			if !d.revoke(sub) {
				continue
			}
		} else if sub.Revoked() {
			continue
		}

		if sub.async {
			d.schedule(ctx, sub, n)
			continue
		}

		d.metrics.CallbacksInvoked.WithLabelValues("sync").Inc()
		err := invoke(ctx, sub, n)
		if err == nil {
			continue
		}

		if errors.Is(err, ErrStopPropagation) {
			telemetry.AddSpanEvent(ctx, "propagation stopped", telemetry.AttrSubscriptionID.String(sub.ID))
			break
		}

		cbErr := d.fail(ctx, sub, n, err)
		if d.config.FailurePolicy == PolicyHalt {
			telemetry.MarkSpanError(ctx, cbErr)
			return n, cbErr
		}
	}

	return n, nil
}

// schedule hands an async invocation to the runner
func (d *Dispatcher) schedule(ctx context.Context, sub *Subscription, n *proto.Notification) {
	checkRevoked := !sub.once

	task := func(ctx context.Context) error {
		if checkRevoked && sub.Revoked() {
			return nil
		}

		d.metrics.CallbacksInvoked.WithLabelValues("async").Inc()
		err := invoke(ctx, sub, n)
		if err == nil || errors.Is(err, ErrStopPropagation) {
			return nil
		}
		return d.fail(ctx, sub, n, err)
	}

	if d.runner == nil {
		// The caller's context usually ends when Notify returns
		taskCtx := context.WithoutCancel(ctx)
		go func() { _ = task(taskCtx) }()
		return
	}

	if err := d.runner.Schedule(ctx, task); err != nil {
		d.metrics.CallbackFailuresTotal.WithLabelValues(n.Kind, "unscheduled").Inc()
		d.logger.Warn().
			Err(err).
			Str("subscription_id", sub.ID).
			Str("notification_id", n.Id).
			Msg("Failed to schedule async callback")
	}
}

// fail records a callback failure and returns it as a CallbackError
func (d *Dispatcher) fail(ctx context.Context, sub *Subscription, n *proto.Notification, err error) *CallbackError {
	cbErr := &CallbackError{
		SubscriptionID: sub.ID,
		NotificationID: n.Id,
		Source:         n.Origin,
		Kind:           n.Kind,
		Err:            err,
	}

	d.metrics.CallbackFailuresTotal.WithLabelValues(n.Kind, failureReason(err)).Inc()
	telemetry.AddSpanEvent(ctx, "callback failed",
		telemetry.AttrSubscriptionID.String(sub.ID),
		attribute.String("error", err.Error()),
	)
	d.logger.Warn().
		Err(err).
		Str("subscription_id", sub.ID).
		Str("notification_id", n.Id).
		Str("source", n.Origin).
		Str("kind", n.Kind).
		Str("policy", string(d.config.FailurePolicy)).
		Msg("Callback failed")

	return cbErr
}

// invoke runs the callback, turning a panic into an error
func invoke(ctx context.Context, sub *Subscription, n *proto.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrCallbackPanic, r, debug.Stack())
		}
	}()
	return sub.callback(ctx, n)
}

// Subscriptions returns the live subscriptions of source, grouped by kind
// name and in registration order within a kind
func (d *Dispatcher) Subscriptions(source string) []*Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()

	kinds := d.sources[source]
	names := make([]string, 0, len(kinds))
	for kind := range kinds {
		names = append(names, kind)
	}
	sort.Strings(names)

	var subs []*Subscription
	for _, kind := range names {
		subs = append(subs, kinds[kind]...)
	}
	return subs
}

// Lookup returns the live subscription with the given id
func (d *Dispatcher) Lookup(id string) (*Subscription, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sub, ok := d.byID[id]
	return sub, ok
}

// Len returns the number of live subscriptions
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// Shutdown revokes every subscription
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.logger.Info().Msg("Shutting down dispatcher")

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, sub := range d.byID {
		sub.revoked.Store(true)
		delete(d.byID, id)
		d.metrics.SubscriptionsActive.Dec()
	}
	d.sources = make(map[string]map[string][]*Subscription)

	return nil
}

// Variable for generating unique ids
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
