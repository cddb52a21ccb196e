// Package sessionhosttest is a conformance suite shared by every
// sessions.SessionHost implementation. New backends should pass it
// unmodified.
package sessionhosttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/plexusd/internal/jsonrpc"
	"github.com/ggoodman/plexusd/sessions"
	"github.com/stretchr/testify/require"
)

// HostFactory creates a new SessionHost instance for testing.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the complete SessionHost test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishAndSubscribeFromBeginning", func(t *testing.T) { testPublishAndSubscribeFromBeginning(t, factory) })
	t.Run("Messaging_PublishAndResumeFromLastEventID", func(t *testing.T) { testPublishAndSubscribeFromLastEventID(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })

	t.Run("Rendezvous_AwaitFulfillRoundtrip", func(t *testing.T) { testRendezvousRoundtrip(t, factory) })
	t.Run("Rendezvous_DuplicateAwaitRejected", func(t *testing.T) { testRendezvousDuplicateAwait(t, factory) })
	t.Run("Rendezvous_FulfillWithNoAwaiter", func(t *testing.T) { testRendezvousFulfillMissing(t, factory) })
	t.Run("Rendezvous_CancelWakesReceiver", func(t *testing.T) { testRendezvousCancel(t, factory) })
}

func testPublishAndSubscribeFromBeginning(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-1"

	req := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/method", ID: jsonrpc.NewRequestID(1)}
	reqBytes, _ := json.Marshal(req)

	var received []struct {
		id   string
		data []byte
	}
	var mu sync.Mutex

	done := make(chan error, 1)
	go func() {
		err := h.SubscribeSession(ctx, sessionID, "", func(ctx context.Context, msgID string, msg []byte) error {
			mu.Lock()
			received = append(received, struct {
				id   string
				data []byte
			}{msgID, msg})
			mu.Unlock()
			cancel()
			return nil
		})
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)

	evID, err := h.PublishSession(ctx, sessionID, reqBytes)
	require.NoError(t, err)
	require.NotEmpty(t, evID)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, evID, received[0].id)

	var got jsonrpc.Request
	require.NoError(t, json.Unmarshal(received[0].data, &got))
	require.Equal(t, req.Method, got.Method)
}

func testPublishAndSubscribeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-2"

	r1 := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/m1", ID: jsonrpc.NewRequestID(1)}
	b1, _ := json.Marshal(r1)
	ev1, err := h.PublishSession(ctx, sessionID, b1)
	require.NoError(t, err)

	r2 := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/m2", ID: jsonrpc.NewRequestID(2)}
	b2, _ := json.Marshal(r2)
	ev2, err := h.PublishSession(ctx, sessionID, b2)
	require.NoError(t, err)

	var received []struct {
		id   string
		data []byte
	}
	var mu sync.Mutex
	done := make(chan error, 1)

	go func() {
		err := h.SubscribeSession(ctx, sessionID, ev1, func(ctx context.Context, msgID string, msg []byte) error {
			mu.Lock()
			received = append(received, struct {
				id   string
				data []byte
			}{msgID, msg})
			mu.Unlock()
			cancel()
			return nil
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, ev2, received[0].id)

	var got jsonrpc.Request
	require.NoError(t, json.Unmarshal(received[0].data, &got))
	require.Equal(t, r2.Method, got.Method)
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, s2 := "sess-3a", "sess-3b"

	r1 := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/a", ID: jsonrpc.NewRequestID(1)}
	b1, _ := json.Marshal(r1)
	r2 := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/b", ID: jsonrpc.NewRequestID(2)}
	b2, _ := json.Marshal(r2)

	var got1, got2 []string
	var mu1, mu2 sync.Mutex

	d1 := make(chan error, 1)
	go func() {
		err := h.SubscribeSession(ctx, s1, "", func(ctx context.Context, id string, msg []byte) error {
			var req jsonrpc.Request
			_ = json.Unmarshal(msg, &req)
			mu1.Lock()
			got1 = append(got1, req.Method)
			mu1.Unlock()
			return nil
		})
		d1 <- err
	}()

	d2 := make(chan error, 1)
	go func() {
		err := h.SubscribeSession(ctx, s2, "", func(ctx context.Context, id string, msg []byte) error {
			var req jsonrpc.Request
			_ = json.Unmarshal(msg, &req)
			mu2.Lock()
			got2 = append(got2, req.Method)
			mu2.Unlock()
			return nil
		})
		d2 <- err
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := h.PublishSession(ctx, s1, b1)
	require.NoError(t, err)
	_, err = h.PublishSession(ctx, s2, b2)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	cancel()

	<-d1
	<-d2

	mu1.Lock()
	c1 := len(got1)
	mu1.Unlock()
	mu2.Lock()
	c2 := len(got2)
	mu2.Unlock()
	require.Equal(t, 1, c1)
	require.Equal(t, 1, c2)
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	sessionID := "sess-4"
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, "", func(ctx context.Context, id string, msg []byte) error { return nil })
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-5"
	req := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/m", ID: jsonrpc.NewRequestID(1)}
	b, _ := json.Marshal(req)
	expectedErr := errors.New("handler error")

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, "", func(ctx context.Context, id string, msg []byte) error { return expectedErr })
	}()
	time.Sleep(100 * time.Millisecond)
	_, err := h.PublishSession(ctx, sessionID, b)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.ErrorIs(t, err, expectedErr)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testRendezvousRoundtrip(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	awaiter, err := h.BeginAwait(ctx, "rz-1", "corr-1", time.Minute)
	require.NoError(t, err)

	delivered, err := h.Fulfill(ctx, "rz-1", "corr-1", []byte(`{"answer":42}`))
	require.NoError(t, err)
	require.True(t, delivered)

	payload, err := awaiter.Recv(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":42}`, string(payload))
}

func testRendezvousDuplicateAwait(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	_, err := h.BeginAwait(ctx, "rz-2", "corr-1", time.Minute)
	require.NoError(t, err)

	_, err = h.BeginAwait(ctx, "rz-2", "corr-1", time.Minute)
	require.ErrorIs(t, err, sessions.ErrAwaitExists)
}

func testRendezvousFulfillMissing(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	delivered, err := h.Fulfill(ctx, "rz-3", "no-such-corr", []byte("x"))
	require.NoError(t, err)
	require.False(t, delivered)
}

func testRendezvousCancel(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	awaiter, err := h.BeginAwait(ctx, "rz-4", "corr-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, awaiter.Cancel(ctx))

	_, err = awaiter.Recv(ctx)
	require.Error(t, err)
}
