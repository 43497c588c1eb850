package host

import (
	"context"
	"errors"
	"testing"

	"github.com/nkkko/notifyd/internal/dispatcher"
	"github.com/nkkko/notifyd/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickReachesListenersInOrder(t *testing.T) {
	d := dispatcher.New(dispatcher.DefaultConfig(), nil)
	button := NewElement("button", d)

	var calls []string
	var payloads []any
	listener := func(name string) dispatcher.Callback {
		return func(ctx context.Context, n *proto.Notification) error {
			calls = append(calls, name)
			payloads = append(payloads, n.Payload)
			return nil
		}
	}

	button.AddEventListener(proto.KindClick, listener("c1"))
	button.AddEventListener(proto.KindClick, listener("c2"))

	n, err := button.Click(context.Background(), 10, 20)
	require.NoError(t, err)

	assert.Equal(t, "button", n.Origin)
	assert.Equal(t, proto.KindClick, n.Kind)
	assert.Equal(t, []string{"c1", "c2"}, calls)
	assert.Equal(t, []any{ClickPayload{X: 10, Y: 20}, ClickPayload{X: 10, Y: 20}}, payloads)
}

func TestRemoveEventListener(t *testing.T) {
	d := dispatcher.New(dispatcher.DefaultConfig(), nil)
	button := NewElement("button", d)

	called := false
	sub := button.AddEventListener(proto.KindClick, func(ctx context.Context, n *proto.Notification) error {
		called = true
		return nil
	})
	button.RemoveEventListener(sub)
	button.RemoveEventListener(sub)

	_, err := button.Click(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, called)
}

func TestSetOnClickReplacesSlot(t *testing.T) {
	d := dispatcher.New(dispatcher.DefaultConfig(), nil)
	button := NewElement("button", d)

	var calls []string
	button.AddEventListener(proto.KindClick, func(ctx context.Context, n *proto.Notification) error {
		calls = append(calls, "listener")
		return nil
	})
	button.SetOnClick(func(ctx context.Context, n *proto.Notification) error {
		calls = append(calls, "first")
		return nil
	})
	button.SetOnClick(func(ctx context.Context, n *proto.Notification) error {
		calls = append(calls, "second")
		return nil
	})

	_, err := button.Click(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"listener", "second"}, calls)
	assert.Equal(t, 2, d.Len())

	calls = nil
	button.SetOnClick(nil)
	_, err = button.Click(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"listener"}, calls)
	assert.Equal(t, 1, d.Len())
}

func TestElementsShareDispatcher(t *testing.T) {
	d := dispatcher.New(dispatcher.DefaultConfig(), nil)
	ok := NewElement("ok", d)
	cancel := NewElement("cancel", d)

	var origins []string
	record := func(ctx context.Context, n *proto.Notification) error {
		origins = append(origins, n.Origin)
		return nil
	}
	ok.AddEventListener(proto.KindClick, record)
	cancel.AddEventListener(proto.KindClick, record)

	_, err := cancel.Click(context.Background(), 5, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"cancel"}, origins)
}

func TestCallbackOwnsHostFailures(t *testing.T) {
	d := dispatcher.New(dispatcher.Config{FailurePolicy: dispatcher.PolicyHalt}, nil)
	button := NewElement("button", d)
	errFetch := errors.New("fetch failed: 503")
	fetch := func() error { return errFetch }

	var handled error
	button.AddEventListener(proto.KindActivation, func(ctx context.Context, n *proto.Notification) error {
		// The callback issued the host call, so it handles the failure
		if err := fetch(); err != nil {
			handled = err
		}
		return nil
	})

	_, err := button.Dispatch(context.Background(), proto.KindActivation, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, handled, errFetch)
}
