package proto

import (
	"fmt"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Well-known notification kinds raised by hosts
const (
	KindClick      = "click"
	KindActivation = "activation"
)

// Notification is an immutable record of a single occurrence
type Notification struct {
	Id      string                 `json:"id"`
	Kind    string                 `json:"kind"`
	Origin  string                 `json:"origin"`
	Payload any                    `json:"payload,omitempty"`
	Ts      *timestamppb.Timestamp `json:"ts,omitempty"`
}

// String returns a short description used in logs
func (n *Notification) String() string {
	return fmt.Sprintf("%s@%s(%s)", n.Kind, n.Origin, n.Id)
}

// SubscriptionInfo is the wire view of a registered subscription
type SubscriptionInfo struct {
	Id        string                 `json:"id"`
	Source    string                 `json:"source"`
	Kind      string                 `json:"kind"`
	Once      bool                   `json:"once,omitempty"`
	Async     bool                   `json:"async,omitempty"`
	CreatedAt *timestamppb.Timestamp `json:"created_at,omitempty"`
}

// NotifyResponse is returned after an occurrence has been dispatched
type NotifyResponse struct {
	Notification *Notification `json:"notification"`
	Replayed     bool          `json:"replayed,omitempty"`
}

// ListSubscriptionsResponse lists subscriptions registered for a source
type ListSubscriptionsResponse struct {
	Source        string              `json:"source"`
	Subscriptions []*SubscriptionInfo `json:"subscriptions"`
}

// RevokeResponse reports whether a revoke removed anything
type RevokeResponse struct {
	Id      string `json:"id"`
	Removed bool   `json:"removed"`
}

// Error is a plain error carried over the wire
type Error struct {
	Message string `json:"message"`
}

// NewError creates a new error
func NewError(msg string) error {
	return &Error{Message: msg}
}

func (e *Error) Error() string {
	return e.Message
}

// Stream message types
const (
	StreamSubscribed   = "subscribed"
	StreamNotification = "notification"
)

// StreamMessage is one frame of a websocket or SSE stream. The first frame
// is always StreamSubscribed.
type StreamMessage struct {
	Type         string            `json:"type"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
	Notification *Notification     `json:"notification,omitempty"`
}
