package wsadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/plexusd/auth/authtest"
	"github.com/ggoodman/plexusd/broker"
	brokermemory "github.com/ggoodman/plexusd/broker/memory"
	"github.com/ggoodman/plexusd/internal/jsonrpc"
	"github.com/ggoodman/plexusd/plexus"
	"github.com/ggoodman/plexusd/sessions/memoryhost"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type echoParams struct {
	Message string `json:"message"`
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	eng := plexus.New(nil)
	require.NoError(t, eng.Register(&staticActivation{def: plexus.ActivationDefinition{
		Namespace: "echo",
		Methods: []plexus.Method{
			{
				Name:         "say",
				ParamsSchema: plexus.ReflectSchema[echoParams](),
				ResultSchema: plexus.ReflectSchema[echoParams](),
				Handler: func(ctx context.Context, call *plexus.Call) {
					var p echoParams
					_ = json.Unmarshal(call.Params, &p)
					call.Sink.Data(ctx, "echo.say", p)
					call.Sink.Done(ctx)
				},
			},
		},
	}}))
	require.NoError(t, eng.Register(&staticActivation{def: plexus.ActivationDefinition{
		Namespace: "ask",
		Methods: []plexus.Method{
			{
				Name:           "confirm",
				Bidirectional:  true,
				RequestSchema:  plexus.ReflectSchema[plexus.StandardRequest](),
				ResponseSchema: plexus.ReflectSchema[plexus.StandardResponse](),
				Handler: func(ctx context.Context, call *plexus.Call) {
					ok, err := plexus.Confirm(ctx, call.Channel, "proceed?", nil, plexus.TimeoutQuick)
					if err != nil {
						call.Sink.Error(ctx, err.Error(), false)
						return
					}
					call.Sink.Data(ctx, "ask.result", map[string]bool{"confirmed": ok})
					call.Sink.Done(ctx)
				},
			},
		},
	}}))
	eng.Freeze()

	handler := New(eng)
	server := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return server, wsURL
}

type staticActivation struct{ def plexus.ActivationDefinition }

func (s *staticActivation) Definition() plexus.ActivationDefinition { return s.def }

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCall(t *testing.T, conn *websocket.Conn, id int, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	req := jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         raw,
		ID:             jsonrpc.NewRequestID(id),
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func readMessage(t *testing.T, conn *websocket.Conn) jsonrpc.AnyMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg jsonrpc.AnyMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestWsAdapter_CallProducesSubscriptionAndEvents(t *testing.T) {
	server, url := newTestServer(t)
	defer server.Close()
	conn := dial(t, url)

	sendCall(t, conn, 1, "echo_say", echoParams{Message: "hi"})

	ack := readMessage(t, conn)
	require.Equal(t, "response", ack.Type())
	var ackResult struct {
		SubscriptionID int64 `json:"subscription_id"`
	}
	require.NoError(t, json.Unmarshal(ack.Result, &ackResult))
	require.NotZero(t, ackResult.SubscriptionID)

	dataNotif := readMessage(t, conn)
	require.Equal(t, "notification", dataNotif.Type())
	require.Equal(t, "plexus_event", dataNotif.Method)

	var dataParams struct {
		Subscription int64        `json:"subscription"`
		Result       plexus.Event `json:"result"`
	}
	require.NoError(t, json.Unmarshal(dataNotif.Params, &dataParams))
	require.Equal(t, ackResult.SubscriptionID, dataParams.Subscription)
	require.Equal(t, plexus.EventTypeData, dataParams.Result.Type)

	doneNotif := readMessage(t, conn)
	require.NoError(t, json.Unmarshal(doneNotif.Params, &dataParams))
	require.Equal(t, plexus.EventTypeDone, dataParams.Result.Type)
}

func TestWsAdapter_PlexusRespondRoutesToChannel(t *testing.T) {
	server, url := newTestServer(t)
	defer server.Close()
	conn := dial(t, url)

	sendCall(t, conn, 1, "ask_confirm", json.RawMessage(`{}`))

	ack := readMessage(t, conn)
	var ackResult struct {
		SubscriptionID int64 `json:"subscription_id"`
	}
	require.NoError(t, json.Unmarshal(ack.Result, &ackResult))

	reqNotif := readMessage(t, conn)
	var reqParams struct {
		Subscription int64        `json:"subscription"`
		Result       plexus.Event `json:"result"`
	}
	require.NoError(t, json.Unmarshal(reqNotif.Params, &reqParams))
	require.Equal(t, plexus.EventTypeRequest, reqParams.Result.Type)

	// The literal wire shape a real client sends, not a marshaled Go
	// struct: {"type":"confirmed","value":true}.
	sendCall(t, conn, 2, "plexus_respond", map[string]any{
		"subscription_id": ackResult.SubscriptionID,
		"request_id":      reqParams.Result.RequestID,
		"payload":         json.RawMessage(`{"type":"confirmed","value":true}`),
	})

	respondAck := readMessage(t, conn)
	require.Equal(t, "response", respondAck.Type())

	dataNotif := readMessage(t, conn)
	var dataParams struct {
		Result plexus.Event `json:"result"`
	}
	require.NoError(t, json.Unmarshal(dataNotif.Params, &dataParams))
	require.Equal(t, plexus.EventTypeData, dataParams.Result.Type)

	var result struct {
		Confirmed bool `json:"confirmed"`
	}
	require.NoError(t, json.Unmarshal(dataParams.Result.Data, &result))
	require.True(t, result.Confirmed)
}

func TestWsAdapter_AuthenticatorRejectsMissingBearerToken(t *testing.T) {
	eng := plexus.New(nil)
	eng.Freeze()
	handler := New(eng, WithAuthenticator(authtest.NewNoAuth("test-user")))
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWsAdapter_AuthenticatorAcceptsBearerToken(t *testing.T) {
	eng := plexus.New(nil)
	require.NoError(t, eng.Register(&staticActivation{def: plexus.ActivationDefinition{
		Namespace: "echo",
		Methods: []plexus.Method{
			{
				Name:         "say",
				ParamsSchema: plexus.ReflectSchema[echoParams](),
				ResultSchema: plexus.ReflectSchema[echoParams](),
				Handler: func(ctx context.Context, call *plexus.Call) {
					call.Sink.Data(ctx, "echo.say", echoParams{Message: "hi"})
					call.Sink.Done(ctx)
				},
			},
		},
	}}))
	eng.Freeze()
	handler := New(eng, WithAuthenticator(authtest.NewNoAuth("test-user")))
	server := httptest.NewServer(handler)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	headers := http.Header{"Authorization": []string{"Bearer any-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, headers)
	require.NoError(t, err)
	defer conn.Close()

	sendCall(t, conn, 1, "echo_say", echoParams{Message: "hi"})
	ack := readMessage(t, conn)
	require.Equal(t, "response", ack.Type())
}

func TestWsAdapter_RespondToUnknownSubscriptionIsRejected(t *testing.T) {
	server, url := newTestServer(t)
	defer server.Close()
	conn := dial(t, url)

	sendCall(t, conn, 1, "plexus_respond", map[string]any{
		"subscription_id": 999,
		"request_id":      "does-not-exist",
		"payload":         json.RawMessage(`{}`),
	})

	resp := readMessage(t, conn)
	require.Equal(t, "response", resp.Type())
	require.NotNil(t, resp.Error)
}

// TestWsAdapter_LongLivedSubscriptionDoesNotOverflowWhenCaughtUp guards
// against forward()'s pending counter treating a lifetime total as a
// backlog: a subscription whose consumer keeps up must never see a
// spurious "subscription overflow" once it has emitted more than
// maxPendingPerSubscription events.
func TestWsAdapter_LongLivedSubscriptionDoesNotOverflowWhenCaughtUp(t *testing.T) {
	const eventCount = maxPendingPerSubscription + 50

	eng := plexus.New(nil)
	require.NoError(t, eng.Register(&staticActivation{def: plexus.ActivationDefinition{
		Namespace: "stream",
		Methods: []plexus.Method{
			{
				Name:         "many",
				ParamsSchema: plexus.ReflectSchema[echoParams](),
				ResultSchema: plexus.ReflectSchema[echoParams](),
				Handler: func(ctx context.Context, call *plexus.Call) {
					for i := 0; i < eventCount; i++ {
						call.Sink.Data(ctx, "stream.many", echoParams{Message: "tick"})
					}
					call.Sink.Done(ctx)
				},
			},
		},
	}}))
	eng.Freeze()

	handler := New(eng)
	server := httptest.NewServer(handler)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn := dial(t, wsURL)

	sendCall(t, conn, 1, "stream_many", echoParams{})
	ack := readMessage(t, conn)
	require.Equal(t, "response", ack.Type())

	dataSeen := 0
	for {
		notif := readMessage(t, conn)
		require.Equal(t, "notification", notif.Type())
		var params struct {
			Result plexus.Event `json:"result"`
		}
		require.NoError(t, json.Unmarshal(notif.Params, &params))
		require.NotEqual(t, plexus.EventTypeError, params.Result.Type, "subscription must not overflow while its consumer is caught up")
		if params.Result.Type == plexus.EventTypeDone {
			break
		}
		dataSeen++
	}
	require.Equal(t, eventCount, dataSeen)
}

// TestWsAdapter_SessionHostRoundTripsSessionIDAndResumeCursor exercises the
// resumable-delivery path a WithSessionHost deployment relies on: the
// upgrade response hands back a session id, frames delivered through the
// session log carry a plexus_event_id a client can persist, and a
// reconnect naming that session id picks up whatever was published to its
// log while no socket was attached.
func TestWsAdapter_SessionHostRoundTripsSessionIDAndResumeCursor(t *testing.T) {
	host := memoryhost.New()
	eng := plexus.New(nil)
	eng.Freeze()
	handler := New(eng, WithSessionHost(host))
	server := httptest.NewServer(handler)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	sessionID := resp.Header.Get("X-Plexus-Session-Id")
	require.NotEmpty(t, sessionID)
	conn.Close()

	// A frame published to this session's log while nothing was connected,
	// standing in for one connection.deliver would have appended had a
	// subscription event landed mid-disconnect.
	publishedID, err := host.PublishSession(context.Background(), sessionID, []byte(`{"jsonrpc":"2.0","method":"plexus_event","params":{}}`))
	require.NoError(t, err)

	resumed, resumedResp, err := websocket.DefaultDialer.Dial(wsURL+"?session_id="+sessionID, nil)
	require.NoError(t, err)
	defer resumed.Close()
	require.Equal(t, sessionID, resumedResp.Header.Get("X-Plexus-Session-Id"))

	resumed.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := resumed.ReadMessage()
	require.NoError(t, err)

	var framed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &framed))
	var gotEventID string
	require.NoError(t, json.Unmarshal(framed["plexus_event_id"], &gotEventID))
	require.Equal(t, publishedID, gotEventID)
}

// TestWsAdapter_BrokerFansOutSubscriptionEvents exercises the other half of
// the fan-out path: with a broker.Broker configured, connection.forward
// publishes each subscription event to the session's broker namespace
// instead of handing it to the socket directly, and consumeBroker is what
// actually relays it onward. Publishing to the namespace out of band, the
// way a subscription event on another process holding a broker/redis
// client would, must show up on this connection.
func TestWsAdapter_BrokerFansOutSubscriptionEvents(t *testing.T) {
	b := brokermemory.New()
	eng := plexus.New(nil)
	eng.Freeze()
	handler := New(eng, WithBroker(b))
	server := httptest.NewServer(handler)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	sessionID := resp.Header.Get("X-Plexus-Session-Id")
	require.NotEmpty(t, sessionID)

	_, err = b.Publish(context.Background(), broker.SessionNamespace(sessionID), []byte(`{"jsonrpc":"2.0","method":"plexus_event","params":{"subscription":1}}`))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg jsonrpc.AnyMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "plexus_event", msg.Method)
}
