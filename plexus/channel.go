package plexus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timeout presets for Channel.Request.
const (
	TimeoutQuick    = 10 * time.Second
	TimeoutNormal   = 30 * time.Second
	TimeoutPatient  = 60 * time.Second
	TimeoutExtended = 300 * time.Second
)

// pendingSlot is a single-use delivery point awaiting one response.
type pendingSlot struct {
	respCh chan json.RawMessage
	once   sync.Once
}

func (s *pendingSlot) deliver(payload json.RawMessage) {
	s.once.Do(func() {
		s.respCh <- payload
	})
}

// Responder is the type-erased interface the transport adapter uses to
// deliver a client response without knowing the channel's concrete (Req,
// Resp) type parameters. Every Channel, regardless of its request/response
// types, satisfies this interface.
type Responder interface {
	HandleResponse(requestID string, payload json.RawMessage) error
}

// Channel is the bidirectional request/response coordination object handed
// to a method handler through Call.Channel. It lets the handler inject a
// server-to-client Request event and suspend until the client answers,
// without breaking the single underlying event stream.
type Channel struct {
	sink                *Sink
	bidirSupported      bool
	log                 *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSlot
	closed  bool
}

func newChannel(sink *Sink, bidirSupported bool, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		sink:           sink,
		bidirSupported: bidirSupported,
		log:            log,
		pending:        make(map[string]*pendingSlot),
	}
}

// BidirectionalSupported reports the transport capability negotiated at
// subscription time.
func (c *Channel) BidirectionalSupported() bool { return c.bidirSupported }

// Request serializes req, emits a Request event carrying it, and suspends
// until a matching response arrives, the timeout elapses, or ctx is done.
// The response payload is unmarshaled into a value of type Resp.
func Request[Req any, Resp any](ctx context.Context, c *Channel, req Req, timeout time.Duration) (Resp, error) {
	var zero Resp

	if !c.bidirSupported {
		return zero, ErrNotSupported
	}

	requestID := uuid.NewString()
	slot := &pendingSlot{respCh: make(chan json.RawMessage, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrCancelled
	}
	c.pending[requestID] = slot
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}

	ev, err := RequestEvent(c.sink.Provenance(), requestID, req, timeout.Milliseconds())
	if err != nil {
		cleanup()
		return zero, fmt.Errorf("plexus: marshal request: %w", err)
	}
	c.sink.emit(ctx, ev)
	c.log.DebugContext(ctx, "channel.request.sent", slog.String("request_id", requestID))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-slot.respCh:
		cleanup()
		if payload == nil {
			// Channel was torn down (cancelAll closed the slot) rather
			// than receiving an actual response.
			return zero, ErrCancelled
		}
		var resp Resp
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.log.WarnContext(ctx, "channel.request.type_mismatch", slog.String("request_id", requestID), slog.String("err", err.Error()))
			return zero, &TypeMismatchError{Expected: fmt.Sprintf("%T", resp), Got: string(payload), Err: err}
		}
		c.log.DebugContext(ctx, "channel.request.resolved", slog.String("request_id", requestID))
		return resp, nil
	case <-timer.C:
		cleanup()
		c.log.WarnContext(ctx, "channel.request.timeout", slog.String("request_id", requestID))
		return zero, ErrTimeout
	case <-ctx.Done():
		cleanup()
		c.log.InfoContext(ctx, "channel.request.cancelled", slog.String("request_id", requestID))
		return zero, ErrCancelled
	}
}

// HandleResponse delivers a client response to the pending slot matching
// requestID. Each slot accepts one delivery: once a request has been
// answered, timed out, or cancelled its slot is removed, and a later
// delivery for that id is logged and rejected with ErrUnknownRequest.
func (c *Channel) HandleResponse(requestID string, payload json.RawMessage) error {
	c.mu.Lock()
	slot, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("channel.handle_response.unknown", slog.String("request_id", requestID))
		return ErrUnknownRequest
	}

	slot.deliver(payload)
	return nil
}

// cancelAll resolves every outstanding pending slot with ErrCancelled and
// marks the channel closed, preventing new requests. Called by the
// dispatcher when a subscription tears down.
func (c *Channel) cancelAll() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingSlot)
	c.mu.Unlock()

	for id, slot := range pending {
		_ = id
		slot.once.Do(func() {
			close(slot.respCh)
		})
	}
}

// RequestOrFallback calls Request and, on any channel error, invokes fn
// with req instead of propagating the error. This is the recommended
// default for activations that must behave sensibly under both
// interactive and non-interactive transports.
func RequestOrFallback[Req any, Resp any](ctx context.Context, c *Channel, req Req, timeout time.Duration, fn func(Req) Resp) Resp {
	resp, err := Request[Req, Resp](ctx, c, req, timeout)
	if err != nil {
		return fn(req)
	}
	return resp
}
