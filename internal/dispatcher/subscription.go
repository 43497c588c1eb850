package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nkkko/notifyd/pkg/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Callback is invoked with every notification matching its subscription
type Callback func(ctx context.Context, n *proto.Notification) error

// SubscribeOption configures a subscription
type SubscribeOption func(*Subscription)

// Once removes the subscription right before its first invocation
func Once() SubscribeOption {
	return func(s *Subscription) {
		s.once = true
	}
}

// Async hands invocations to the scheduler; Notify does not wait for them
func Async() SubscribeOption {
	return func(s *Subscription) {
		s.async = true
	}
}

// Subscription links a (source, kind) pair to a callback
type Subscription struct {
	ID        string
	Source    string
	Kind      string
	CreatedAt time.Time

	callback Callback
	once     bool
	async    bool
	revoked  atomic.Bool
}

// Revoked reports whether the subscription has been removed
func (s *Subscription) Revoked() bool {
	return s.revoked.Load()
}

// Once reports whether the subscription fires at most one time
func (s *Subscription) Once() bool {
	return s.once
}

// Async reports whether the callback runs on the scheduler
func (s *Subscription) Async() bool {
	return s.async
}

// Info returns the wire view of the subscription
func (s *Subscription) Info() *proto.SubscriptionInfo {
	return &proto.SubscriptionInfo{
		Id:        s.ID,
		Source:    s.Source,
		Kind:      s.Kind,
		Once:      s.once,
		Async:     s.async,
		CreatedAt: timestamppb.New(s.CreatedAt),
	}
}
