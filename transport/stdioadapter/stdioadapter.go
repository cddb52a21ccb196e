package stdioadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/plexusd/internal/jsonrpc"
	"github.com/ggoodman/plexusd/internal/logctx"
	"github.com/ggoodman/plexusd/plexus"
	"github.com/ggoodman/plexusd/storage"
	"github.com/google/uuid"
)

// maxLineBytes bounds a single JSON-RPC frame read from stdin.
const maxLineBytes = 16 << 20

// respondMethod is the synthetic method a client calls to answer a
// server-to-client Request event delivered over a notification.
const respondMethod = "_plexus_respond"

type respondParams struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Handler serves the plexus wire protocol over a single stdin/stdout
// connection.
type Handler struct {
	engine       *plexus.Plexus
	r            io.Reader
	w            io.Writer
	log          *slog.Logger
	userProvider UserProvider
	storage      storage.Storage

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]plexus.Responder
}

// NewHandler constructs a stdio Handler serving eng, with defaults of
// os.Stdin, os.Stdout, slog.Default, and OSUserProvider.
func NewHandler(eng *plexus.Plexus, opts ...Option) *Handler {
	h := &Handler{
		engine:       eng,
		r:            os.Stdin,
		w:            os.Stdout,
		log:          slog.Default(),
		userProvider: OSUserProvider{},
		pending:      make(map[string]plexus.Responder),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	return h
}

// Serve reads newline-delimited JSON-RPC frames from the reader until EOF
// or ctx is canceled, dispatching each request as a plexus call and
// writing every resulting event as a notification. Serve is safe to call
// at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	userID, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("stdioadapter: resolve user: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionID := uuid.NewString()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, UserID: userID})
	if h.storage != nil {
		ctx = storage.WithContext(ctx, h.storage)
	}
	h.log.InfoContext(ctx, "stdio.connect", slog.String("user_id", userID))

	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(h.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		frame := append([]byte(nil), line...)

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			h.log.WarnContext(ctx, "stdio.frame.invalid", slog.String("err", err.Error()))
			continue
		}
		req := msg.AsRequest()
		if req == nil {
			h.log.WarnContext(ctx, "stdio.frame.unexpected", slog.String("type", msg.Type()))
			continue
		}

		reqCtx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

		if req.Method == respondMethod {
			h.handleRespond(reqCtx, req)
			continue
		}

		wg.Add(1)
		go func(req *jsonrpc.Request) {
			defer wg.Done()
			h.handleCall(reqCtx, req)
		}(req)
	}

	h.log.InfoContext(ctx, "stdio.disconnect")
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (h *Handler) handleRespond(ctx context.Context, req *jsonrpc.Request) {
	var params respondParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.writeError(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid _plexus_respond params")
		return
	}

	h.pendingMu.Lock()
	responder, ok := h.pending[params.RequestID]
	if ok {
		delete(h.pending, params.RequestID)
	}
	h.pendingMu.Unlock()

	if !ok {
		h.writeError(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown request_id %q", params.RequestID))
		return
	}
	if err := responder.HandleResponse(params.RequestID, params.Payload); err != nil {
		h.log.InfoContext(ctx, "stdio.respond.stale", slog.String("request_id", params.RequestID), slog.String("err", err.Error()))
	}
	h.writeResult(req.ID, nil)
}

func (h *Handler) handleCall(ctx context.Context, req *jsonrpc.Request) {
	progressToken := extractProgressToken(req.Params)

	events, responder := h.engine.Call(ctx, req.Method, req.Params, plexus.CallOptions{
		BidirectionalSupported: true,
	})

	var seenRequestIDs []string
	count := 0
	for ev := range events {
		count++
		if ev.Type == plexus.EventTypeRequest {
			h.pendingMu.Lock()
			h.pending[ev.RequestID] = responder
			h.pendingMu.Unlock()
			seenRequestIDs = append(seenRequestIDs, ev.RequestID)
		}

		h.writeNotification("notifications/message", messageNotification{Data: ev})
		if ev.Type == plexus.EventTypeProgress && progressToken != nil {
			h.writeNotification("notifications/progress", progressNotification{
				ProgressToken: progressToken,
				Progress:      ev.Percentage,
				Message:       ev.Message,
			})
		}
	}

	h.pendingMu.Lock()
	for _, id := range seenRequestIDs {
		delete(h.pending, id)
	}
	h.pendingMu.Unlock()

	h.writeResult(req.ID, fmt.Sprintf("stream completed: %d events", count))
}

// messageNotification is the notifications/message payload: every event
// envelope, Request events included, nested under a data field, rather than sent
// as the notification's params directly.
type messageNotification struct {
	Data plexus.Event `json:"data"`
}

type progressNotification struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      *float64        `json:"progress,omitempty"`
	Message       string          `json:"message,omitempty"`
}

func extractProgressToken(params json.RawMessage) json.RawMessage {
	var withMeta struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &withMeta); err != nil {
		return nil
	}
	if len(withMeta.Meta.ProgressToken) == 0 {
		return nil
	}
	return withMeta.Meta.ProgressToken
}

func (h *Handler) writeNotification(method string, params any) {
	b, err := json.Marshal(params)
	if err != nil {
		h.log.Error("stdio.notification.marshal.fail", slog.String("err", err.Error()))
		return
	}
	n := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: b}
	h.writeJSON(n)
}

func (h *Handler) writeResult(id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		h.log.Error("stdio.result.marshal.fail", slog.String("err", err.Error()))
		return
	}
	h.writeJSON(resp)
}

func (h *Handler) writeError(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) {
	h.writeJSON(jsonrpc.NewErrorResponse(id, code, message, nil))
}

func (h *Handler) writeJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Error("stdio.write.marshal.fail", slog.String("err", err.Error()))
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.w.Write(b)
	h.w.Write([]byte("\n"))
}
