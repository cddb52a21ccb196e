// Package wsadapter wires a plexus.Plexus dispatcher to a WebSocket
// connection. Each inbound call gets a numeric subscription id; every
// event the call's stream produces is forwarded as a subscription
// notification, and a companion plexus_respond method routes client
// answers back into the call's bidirectional channel.
package wsadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/plexusd/auth"
	"github.com/ggoodman/plexusd/broker"
	"github.com/ggoodman/plexusd/internal/jsonrpc"
	"github.com/ggoodman/plexusd/internal/logctx"
	"github.com/ggoodman/plexusd/plexus"
	"github.com/ggoodman/plexusd/sessions"
	"github.com/ggoodman/plexusd/storage"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxPendingPerSubscription bounds the outbound queue for a single
// subscription. Once exceeded, the subscription is dropped with an
// unrecoverable Error event rather than growing memory unboundedly.
const maxPendingPerSubscription = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// respondParams is the payload of the plexus_respond method.
type respondParams struct {
	SubscriptionID int64           `json:"subscription_id"`
	RequestID      string          `json:"request_id"`
	Payload        json.RawMessage `json:"payload"`
}

// Handler upgrades HTTP connections to WebSocket and serves the plexus
// wire protocol over them.
type Handler struct {
	engine              *plexus.Plexus
	auth                auth.Authenticator
	broker              broker.Broker
	host                sessions.SessionHost
	storage             storage.Storage
	log                 *slog.Logger
	resourceMetadataURL string
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuthenticator gates connections behind bearer-token authentication.
// Without it, connections are accepted unauthenticated.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithBroker enables per-session event fan-out: connection.forward
// publishes each subscription event to a broker.SessionNamespace-keyed
// namespace instead of writing it to the socket directly, and a
// per-connection dispatcher goroutine consumes that namespace. Backed by
// broker/redis, this lets the events a session emits be picked up by
// whichever process holds that session's socket. Without it, forward
// hands events straight to the session/socket path.
func WithBroker(b broker.Broker) Option {
	return func(h *Handler) { h.broker = b }
}

// WithSessionHost enables durable, resumable per-session frame delivery:
// every outbound frame is appended to the session's log via
// sessions.SessionHost instead of being written to the socket directly,
// and a per-connection goroutine consumes that log (replaying anything
// published since the client's last_event_id, then continuing live) to
// actually write to the socket. A client that reconnects with the same
// session_id, even to a different process sharing a redishost-backed
// SessionHost, resumes from where it left off. Without it, frames are
// written to the socket directly and a dropped connection loses whatever
// hadn't reached the client yet.
func WithSessionHost(host sessions.SessionHost) Option {
	return func(h *Handler) { h.host = host }
}

// WithStorage makes a persistent per-user/per-session key/value backend
// reachable from activation handlers via storage.FromContext.
func WithStorage(s storage.Storage) Option {
	return func(h *Handler) { h.storage = s }
}

// WithLogger sets the base logger; request/session attributes are
// injected via logctx.Handler.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithResourceMetadataURL sets the URL advertised in the WWW-Authenticate
// challenge's resource_metadata parameter (RFC 9728), pointing clients at
// this server's protected-resource metadata document.
func WithResourceMetadataURL(url string) Option {
	return func(h *Handler) { h.resourceMetadataURL = url }
}

// New builds a Handler serving eng over WebSocket.
func New(eng *plexus.Plexus, opts ...Option) *Handler {
	h := &Handler{engine: eng, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	return h
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	var userID string
	if h.auth != nil {
		tok := bearerToken(r)
		if tok == "" {
			h.log.InfoContext(ctx, "ws.auth.missing")
			h.writeChallenge(w, auth.NewAuthenticationRequired(h.resourceMetadataURL))
			return
		}
		userInfo, err := h.auth.CheckAuthentication(ctx, tok)
		if err != nil {
			h.log.InfoContext(ctx, "ws.auth.fail", slog.String("err", err.Error()))
			if errors.Is(err, auth.ErrInsufficientScope) {
				h.writeChallenge(w, auth.NewInsufficientScopeResult("plexus", "required"))
			} else {
				h.writeChallenge(w, auth.NewInvalidTokenResult("plexus", err.Error()))
			}
			return
		}
		userID = userInfo.UserID()
	}

	if h.storage != nil {
		ctx = storage.WithContext(ctx, h.storage)
	}

	resumeID := r.URL.Query().Get("session_id")
	lastEventID := r.URL.Query().Get("last_event_id")

	var sess sessions.Session
	sessionID := uuid.NewString()
	if h.host != nil {
		sm := sessions.NewManager(h.host)
		if resumeID != "" {
			if s, err := sm.LoadSession(ctx, resumeID, userID); err != nil {
				h.log.WarnContext(ctx, "ws.session.resume.fail", slog.String("session_id", resumeID), slog.String("err", err.Error()))
			} else {
				sess = s
			}
		}
		if sess == nil {
			s, err := sm.CreateSession(ctx, userID)
			if err != nil {
				h.log.WarnContext(ctx, "ws.session.create.fail", slog.String("err", err.Error()))
			} else {
				sess = s
			}
		}
		if sess != nil {
			sessionID = sess.SessionID()
		}
	}

	// The session id is handed back on the upgrade response so a client
	// that wants resumable delivery can persist it and reconnect with
	// ?session_id=<id>&last_event_id=<id> after a drop.
	upgradeHeader := http.Header{"X-Plexus-Session-Id": []string{sessionID}}
	conn, err := upgrader.Upgrade(w, r, upgradeHeader)
	if err != nil {
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, UserID: userID, State: sessions.SessionStateOpen})
	h.log.InfoContext(ctx, "ws.connect", slog.Bool("resumed", sess != nil && resumeID != ""))

	c := &connection{
		handler:     h,
		conn:        conn,
		sessionID:   sessionID,
		userID:      userID,
		log:         h.log,
		subs:        make(map[int64]*subscription),
		sendCh:      make(chan []byte, 64),
		session:     sess,
		broker:      h.broker,
		lastEventID: lastEventID,
	}
	c.serve(ctx)
}

// writeChallenge renders an authentication failure as its HTTP status and,
// where the challenge specifies one, a WWW-Authenticate header.
func (h *Handler) writeChallenge(w http.ResponseWriter, result auth.AuthenticationResult) {
	challenge := result.GetAuthenticationChallenge()
	if challenge == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if challenge.WWWAuthenticate != "" {
		w.Header().Set("WWW-Authenticate", challenge.WWWAuthenticate)
	}
	w.WriteHeader(challenge.Status)
}

func bearerToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(v, prefix) {
			return strings.TrimSpace(v[len(prefix):])
		}
	}
	return r.URL.Query().Get("access_token")
}

// subscription tracks one in-flight plexus.Call for the lifetime of its
// stream.
type subscription struct {
	id        int64
	cancel    context.CancelFunc
	responder plexus.Responder
}

// connection is one WebSocket's server-side state: the set of active
// subscriptions and the single writer goroutine serializing frames onto
// the socket.
type connection struct {
	handler   *Handler
	conn      *websocket.Conn
	sessionID string
	userID    string
	log       *slog.Logger

	subCounter atomic.Int64

	mu   sync.Mutex
	subs map[int64]*subscription

	sendCh chan []byte

	// session, when non-nil, is this connection's durable frame log:
	// deliver appends to it instead of writing the socket directly, and a
	// goroutine started in serve consumes it (replaying from lastEventID)
	// to do the actual socket write.
	session     sessions.Session
	lastEventID string

	// broker, when non-nil, is the per-session event fan-out used by
	// forward/publishEvent ahead of the session/socket delivery path.
	broker broker.Broker
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	if c.session != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.consumeSession(ctx)
		}()
	}

	if c.broker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.consumeBroker(ctx)
		}()
	}

	c.readLoop(ctx)
	cancel()

	if c.broker != nil {
		_ = c.broker.Cleanup(context.Background(), broker.SessionNamespace(c.sessionID))
	}

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[int64]*subscription)
	c.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}

	wg.Wait()
	c.log.InfoContext(ctx, "ws.disconnect")
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.WarnContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (c *connection) send(ctx context.Context, b []byte) bool {
	select {
	case c.sendCh <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

// consumeSession replays this session's frame log from lastEventID and
// then continues delivering frames appended after this connection
// attached, writing each to the socket. It's the only thing that writes
// to the socket once a SessionHost is configured; deliver appends to the
// log instead of calling send directly, so this loop is what actually
// gets bytes onto the wire.
func (c *connection) consumeSession(ctx context.Context) {
	err := c.session.ConsumeMessages(ctx, c.lastEventID, func(ctx context.Context, eventID string, msg []byte) error {
		if !c.send(ctx, stampEventID(msg, eventID)) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.log.WarnContext(ctx, "ws.session.consume.fail", slog.String("err", err.Error()))
	}
}

// stampEventID adds this session log entry's event id to an outgoing
// frame under plexus_event_id, so a client can persist the id of the
// last frame it processed and pass it back as last_event_id when
// reconnecting to resume. Best-effort: an unexpected marshal failure
// just delivers the frame unmodified rather than dropping it.
func stampEventID(msg []byte, eventID string) []byte {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return msg
	}
	idJSON, err := json.Marshal(eventID)
	if err != nil {
		return msg
	}
	raw["plexus_event_id"] = idJSON
	out, err := json.Marshal(raw)
	if err != nil {
		return msg
	}
	return out
}

// consumeBroker relays this session's broker-published events into the
// deliver path (the session log when configured, the socket otherwise).
// A subscriber that falls behind gets disconnected by broker/memory (or
// times out on broker/redis) rather than silently losing messages; this
// loop treats that the same as any other stream error and resubscribes
// from the last event id it actually delivered, rather than exiting the
// connection outright.
func (c *connection) consumeBroker(ctx context.Context) {
	namespace := broker.SessionNamespace(c.sessionID)
	lastEventID := ""

	for {
		stream, err := c.broker.Subscribe(ctx, namespace, lastEventID)
		if err != nil {
			if ctx.Err() == nil {
				c.log.WarnContext(ctx, "ws.broker.subscribe.fail", slog.String("err", err.Error()))
			}
			return
		}

		for {
			env, err := stream.Next(ctx)
			if err != nil {
				stream.Close()
				if ctx.Err() != nil {
					return
				}
				c.log.WarnContext(ctx, "ws.broker.stream.resync", slog.String("last_event_id", lastEventID), slog.String("err", err.Error()))
				break
			}
			if !c.deliver(ctx, env.Data) {
				stream.Close()
				return
			}
			lastEventID = env.ID
		}
	}
}

// deliver hands a fully-marshaled frame to this connection's session log
// when one is configured (so a reconnect can replay it), or writes it to
// the socket directly otherwise.
func (c *connection) deliver(ctx context.Context, b []byte) bool {
	if c.session != nil {
		if err := c.session.WriteMessage(ctx, b); err != nil {
			c.log.WarnContext(ctx, "ws.session.write.fail", slog.String("err", err.Error()))
			return false
		}
		return true
	}
	return c.send(ctx, b)
}

// publishEvent hands a subscription event to this session's broker
// namespace when a broker is configured, so consumeBroker (running on
// whichever process holds this session's socket) picks it up, or
// delivers it directly otherwise.
func (c *connection) publishEvent(ctx context.Context, b []byte) bool {
	if c.broker != nil {
		if _, err := c.broker.Publish(ctx, broker.SessionNamespace(c.sessionID), jsonrpc.Message(b)); err != nil {
			c.log.WarnContext(ctx, "ws.broker.publish.fail", slog.String("err", err.Error()))
			return false
		}
		return true
	}
	return c.deliver(ctx, b)
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WarnContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.WarnContext(ctx, "ws.frame.invalid", slog.String("err", err.Error()))
			continue
		}
		req := msg.AsRequest()
		if req == nil {
			c.log.WarnContext(ctx, "ws.frame.unexpected", slog.String("type", msg.Type()))
			continue
		}

		reqCtx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

		switch req.Method {
		case "plexus_respond":
			c.handleRespond(reqCtx, req)
		default:
			c.handleCall(reqCtx, req)
		}
	}
}

func (c *connection) handleRespond(ctx context.Context, req *jsonrpc.Request) {
	var params respondParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.writeError(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid plexus_respond params")
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[params.SubscriptionID]
	c.mu.Unlock()
	if !ok {
		c.writeError(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown subscription %d", params.SubscriptionID))
		return
	}

	if err := sub.responder.HandleResponse(params.RequestID, params.Payload); err != nil {
		c.log.InfoContext(ctx, "ws.respond.stale", slog.String("request_id", params.RequestID), slog.String("err", err.Error()))
	}
	c.writeResult(req.ID, nil)
}

func (c *connection) handleCall(ctx context.Context, req *jsonrpc.Request) {
	subID := c.subCounter.Add(1)
	subCtx, cancel := context.WithCancel(ctx)

	events, responder := c.handler.engine.Call(subCtx, req.Method, req.Params, plexus.CallOptions{
		BidirectionalSupported: true,
	})

	c.mu.Lock()
	c.subs[subID] = &subscription{id: subID, cancel: cancel, responder: responder}
	c.mu.Unlock()

	c.writeResult(req.ID, map[string]any{"subscription_id": subID})

	go c.forward(subCtx, cancel, subID, events)
}

func (c *connection) forward(ctx context.Context, cancel context.CancelFunc, subID int64, events <-chan plexus.Event) {
	defer cancel()
	defer func() {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
	}()

	// pending counts events handed to the engine's channel that this loop
	// hasn't yet finished publishing/delivering; it's decremented as soon
	// as publishEvent returns, so it reflects actual backlog rather than a
	// lifetime total. A long-lived subscription that stays caught up never
	// approaches the overflow threshold; one whose consumer stalls (a full
	// sendCh, or a broker that's disconnected it as a slow reader) does.
	pending := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(newSubscriptionNotification(subID, ev))
			if err != nil {
				c.log.ErrorContext(ctx, "ws.event.marshal.fail", slog.String("err", err.Error()))
				continue
			}
			pending++
			if pending > maxPendingPerSubscription {
				c.log.WarnContext(ctx, "ws.subscription.overflow", slog.Int64("subscription_id", subID))
				errB, _ := json.Marshal(newSubscriptionNotification(subID, plexus.ErrorEvent(ev.Provenance, "subscription overflow: too many pending events", false)))
				c.publishEvent(ctx, errB)
				return
			}
			delivered := c.publishEvent(ctx, b)
			pending--
			if !delivered {
				return
			}
			if ev.IsTerminal() {
				return
			}
		}
	}
}

type subscriptionNotification struct {
	JSONRPCVersion string `json:"jsonrpc"`
	Method         string `json:"method"`
	Params         struct {
		Subscription int64        `json:"subscription"`
		Result       plexus.Event `json:"result"`
	} `json:"params"`
}

func newSubscriptionNotification(subID int64, ev plexus.Event) subscriptionNotification {
	n := subscriptionNotification{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "plexus_event"}
	n.Params.Subscription = subID
	n.Params.Result = ev
	return n
}

func (c *connection) writeResult(id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		c.log.Error("ws.result.marshal.fail", slog.String("err", err.Error()))
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("ws.result.marshal.fail", slog.String("err", err.Error()))
		return
	}
	c.deliver(context.Background(), b)
}

func (c *connection) writeError(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) {
	resp := jsonrpc.NewErrorResponse(id, code, message, nil)
	b, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("ws.error.marshal.fail", slog.String("err", err.Error()))
		return
	}
	c.deliver(context.Background(), b)
}
