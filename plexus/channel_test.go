package plexus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pingReq struct {
	Text string `json:"text"`
}

type pongResp struct {
	Text string `json:"text"`
}

func newTestChannel(bidir bool) (*Channel, <-chan Event) {
	out := make(chan Event, 16)
	sink := newSink(out, NewProvenance("test"), "test-hash")
	return newChannel(sink, bidir, nil), out
}

func TestChannel_RequestResolves(t *testing.T) {
	ch, events := newTestChannel(true)

	var resp pongResp
	var reqErr error
	done := make(chan struct{})
	go func() {
		resp, reqErr = Request[pingReq, pongResp](context.Background(), ch, pingReq{Text: "hi"}, TimeoutQuick)
		close(done)
	}()

	ev := <-events
	require.Equal(t, EventTypeRequest, ev.Type)

	payload, err := json.Marshal(pongResp{Text: "hi-back"})
	require.NoError(t, err)
	require.NoError(t, ch.HandleResponse(ev.RequestID, payload))

	<-done
	require.NoError(t, reqErr)
	require.Equal(t, "hi-back", resp.Text)
}

func TestChannel_RequestUnsupported(t *testing.T) {
	ch, _ := newTestChannel(false)
	_, err := Request[pingReq, pongResp](context.Background(), ch, pingReq{Text: "hi"}, TimeoutQuick)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestChannel_RequestTimeout(t *testing.T) {
	ch, events := newTestChannel(true)

	resultCh := make(chan error, 1)
	go func() {
		_, err := Request[pingReq, pongResp](context.Background(), ch, pingReq{Text: "hi"}, 20*time.Millisecond)
		resultCh <- err
	}()

	<-events // consume the Request event

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
}

func TestChannel_RequestCancelledByContext(t *testing.T) {
	ch, events := newTestChannel(true)
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan error, 1)
	go func() {
		_, err := Request[pingReq, pongResp](ctx, ch, pingReq{Text: "hi"}, TimeoutPatient)
		resultCh <- err
	}()

	<-events
	cancel()

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not observe context cancellation")
	}
}

func TestChannel_HandleResponseUnknownRequestID(t *testing.T) {
	ch, _ := newTestChannel(true)
	err := ch.HandleResponse("does-not-exist", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnknownRequest)
}

func TestChannel_HandleResponseIdempotent(t *testing.T) {
	ch, events := newTestChannel(true)

	go func() {
		_, _ = Request[pingReq, pongResp](context.Background(), ch, pingReq{Text: "hi"}, TimeoutQuick)
	}()

	ev := <-events
	payload, err := json.Marshal(pongResp{Text: "first"})
	require.NoError(t, err)
	require.NoError(t, ch.HandleResponse(ev.RequestID, payload))

	// A second delivery for the same request ID is now unknown.
	err = ch.HandleResponse(ev.RequestID, payload)
	require.ErrorIs(t, err, ErrUnknownRequest)
}

func TestChannel_CancelAllResolvesOutstanding(t *testing.T) {
	ch, events := newTestChannel(true)

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := Request[pingReq, pongResp](context.Background(), ch, pingReq{Text: "hi"}, TimeoutPatient)
			errs[i] = err
		}(i)
	}

	for i := 0; i < n; i++ {
		<-events
	}

	ch.cancelAll()
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, ErrCancelled)
	}
}

func TestChannel_RequestOrFallback(t *testing.T) {
	ch, _ := newTestChannel(false)
	resp := RequestOrFallback[pingReq, pongResp](context.Background(), ch, pingReq{Text: "hi"}, TimeoutQuick, func(r pingReq) pongResp {
		return pongResp{Text: "fallback:" + r.Text}
	})
	require.Equal(t, "fallback:hi", resp.Text)
}

func TestChannel_RequestTypeMismatch(t *testing.T) {
	ch, events := newTestChannel(true)

	resultCh := make(chan error, 1)
	go func() {
		_, err := Request[pingReq, pongResp](context.Background(), ch, pingReq{Text: "hi"}, TimeoutQuick)
		resultCh <- err
	}()

	ev := <-events
	require.NoError(t, ch.HandleResponse(ev.RequestID, json.RawMessage(`"not-an-object"`)))

	select {
	case err := <-resultCh:
		var mismatch *TypeMismatchError
		require.ErrorAs(t, err, &mismatch)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
	}
}
