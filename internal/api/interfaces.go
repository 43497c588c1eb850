package api

import (
	"context"

	"github.com/nkkko/notifyd/internal/dispatcher"
	"github.com/nkkko/notifyd/pkg/proto"
)

// Dispatcher is the part of *dispatcher.Dispatcher the API needs
type Dispatcher interface {
	Subscribe(source, kind string, callback dispatcher.Callback, opts ...dispatcher.SubscribeOption) *dispatcher.Subscription
	Unsubscribe(sub *dispatcher.Subscription)
	Revoke(id string) error
	Lookup(id string) (*dispatcher.Subscription, bool)
	Notify(ctx context.Context, source, kind string, payload any) (*proto.Notification, error)
	Subscriptions(source string) []*dispatcher.Subscription
}
