package host

import (
	"context"
	"sync"

	"github.com/nkkko/notifyd/internal/dispatcher"
	"github.com/nkkko/notifyd/pkg/proto"
)

// Dispatcher is the part of the dispatcher an element needs
type Dispatcher interface {
	Subscribe(source, kind string, callback dispatcher.Callback, opts ...dispatcher.SubscribeOption) *dispatcher.Subscription
	Unsubscribe(sub *dispatcher.Subscription)
	Notify(ctx context.Context, source, kind string, payload any) (*proto.Notification, error)
}

// ClickPayload carries the cursor position of a click
type ClickPayload struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Element is an event target bound to a dispatcher. It does not own the
// dispatcher; many elements share one.
type Element struct {
	ID string

	dispatcher Dispatcher
	onClick    *dispatcher.Subscription
	mu         sync.Mutex
}

// NewElement creates an element raising notifications on d
func NewElement(id string, d Dispatcher) *Element {
	return &Element{
		ID:         id,
		dispatcher: d,
	}
}

// AddEventListener registers callback for kind on this element
func (e *Element) AddEventListener(kind string, callback dispatcher.Callback, opts ...dispatcher.SubscribeOption) *dispatcher.Subscription {
	return e.dispatcher.Subscribe(e.ID, kind, callback, opts...)
}

// RemoveEventListener revokes a subscription made with AddEventListener
func (e *Element) RemoveEventListener(sub *dispatcher.Subscription) {
	e.dispatcher.Unsubscribe(sub)
}

// SetOnClick assigns the single click slot, replacing whatever was there.
// A nil callback clears the slot. Listeners added with AddEventListener
// are not affected.
func (e *Element) SetOnClick(callback dispatcher.Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.onClick != nil {
		e.dispatcher.Unsubscribe(e.onClick)
		e.onClick = nil
	}
	if callback != nil {
		e.onClick = e.dispatcher.Subscribe(e.ID, proto.KindClick, callback)
	}
}

// Click raises a click at (x, y)
func (e *Element) Click(ctx context.Context, x, y int) (*proto.Notification, error) {
	return e.Dispatch(ctx, proto.KindClick, ClickPayload{X: x, Y: y})
}

// Dispatch raises a notification of any kind on this element
func (e *Element) Dispatch(ctx context.Context, kind string, payload any) (*proto.Notification, error) {
	return e.dispatcher.Notify(ctx, e.ID, kind, payload)
}
