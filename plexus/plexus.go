package plexus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Method describes one RPC method exposed by an Activation.
type Method struct {
	// Name must match [a-z][a-z0-9_]* and is unique within the activation.
	Name string
	// Description is a short human-readable summary, surfaced through
	// schema introspection.
	Description string
	// ParamsSchema documents the shape of the method's input parameters.
	// Build with ReflectSchema[T]() for a plain Go struct.
	ParamsSchema *jsonschema.Schema
	// ResultSchema documents the shape of each Data event's payload.
	ResultSchema *jsonschema.Schema
	// Streaming is true if the method may emit more than one Data event.
	Streaming bool
	// Bidirectional is true if the handler may call plexus.Request on
	// Call.Channel. RequestSchema/ResponseSchema are then required.
	Bidirectional  bool
	RequestSchema  *jsonschema.Schema
	ResponseSchema *jsonschema.Schema
	// Handler implements the method. It owns the full lifecycle of the
	// stream and must not return before emitting a terminal event.
	Handler func(ctx context.Context, call *Call)
}

// ActivationDefinition is the static description an Activation reports at
// registration time.
type ActivationDefinition struct {
	Namespace   string
	Version     string
	Description string
	Methods     []Method
}

// Activation is a named, versioned capability module. Implementations are
// constructed at server start, registered into a Plexus before the server
// begins accepting connections, and are immutable thereafter.
type Activation interface {
	Definition() ActivationDefinition
}

// Call is the context handed to a method handler for a single invocation.
type Call struct {
	Params     json.RawMessage
	Provenance Provenance
	SchemaHash string
	Sink       *Sink
	Channel    *Channel
}

type registeredActivation struct {
	activation Activation
	def        ActivationDefinition
	methods    map[string]*Method
	node       SchemaNode
}

// Plexus is the dispatcher plus registry: the nerve center that routes
// namespace_method calls to activations and answers introspection calls.
// The activation registry is read-only after Freeze; Call takes only a
// read lock to look up an activation.
type Plexus struct {
	log *slog.Logger

	mu          sync.RWMutex
	started     bool
	activations map[string]*registeredActivation
	order       []string

	rootNode SchemaNode
	rootHash string
}

// New constructs an empty Plexus. Register activations, then call Freeze
// once before serving any connections.
func New(log *slog.Logger) *Plexus {
	if log == nil {
		log = slog.Default()
	}
	return &Plexus{
		log:         log,
		activations: make(map[string]*registeredActivation),
	}
}

// Register adds an activation to the registry. It fails if the namespace
// is already present or if Freeze has already been called.
func (p *Plexus) Register(a Activation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("plexus: cannot register %T after Freeze", a)
	}

	def := a.Definition()
	if def.Namespace == "" || !identifierPattern.MatchString(def.Namespace) {
		return fmt.Errorf("plexus: invalid namespace %q", def.Namespace)
	}
	if _, exists := p.activations[def.Namespace]; exists {
		return fmt.Errorf("plexus: namespace %q already registered", def.Namespace)
	}

	methods := make(map[string]*Method, len(def.Methods))
	for i := range def.Methods {
		m := &def.Methods[i]
		if m.Name == "" || !identifierPattern.MatchString(m.Name) {
			return fmt.Errorf("plexus: invalid method name %q in namespace %q", m.Name, def.Namespace)
		}
		if _, exists := methods[m.Name]; exists {
			return fmt.Errorf("plexus: duplicate method %q in namespace %q", m.Name, def.Namespace)
		}
		if m.Bidirectional && (m.RequestSchema == nil || m.ResponseSchema == nil) {
			return fmt.Errorf("plexus: bidirectional method %q.%q missing request/response schema", def.Namespace, m.Name)
		}
		methods[m.Name] = m
	}

	p.activations[def.Namespace] = &registeredActivation{
		activation: a,
		def:        def,
		methods:    methods,
		node:       buildActivationNode(a),
	}
	p.order = append(p.order, def.Namespace)
	return nil
}

// Freeze finalizes the registry, computing the schema tree and root hash
// once. It must be called exactly once, after all Register calls and
// before the server accepts connections.
func (p *Plexus) Freeze() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	children := make([]SchemaNode, 0, len(p.order))
	for _, ns := range p.order {
		children = append(children, p.activations[ns].node)
	}
	p.rootNode = buildRootNode(children)
	p.rootHash = p.rootNode.Hash
}

// Hash returns the root schema hash, equal to Schema().Hash.
func (p *Plexus) Hash() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rootHash
}

// Schema returns the full introspection tree.
func (p *Plexus) Schema() SchemaNode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rootNode
}

// CallOptions configures a single dispatch.
type CallOptions struct {
	// BidirectionalSupported reflects the transport's negotiated
	// capability for this subscription.
	BidirectionalSupported bool
	// OutBuffer sizes the returned event channel's buffer. Zero uses a
	// small default.
	OutBuffer int
}

// parseMethodID splits a wire method identifier at the first underscore
// into namespace and method name, per the invariant that ties always
// resolve to the first underscore.
func parseMethodID(methodID string) (namespace, method string, ok bool) {
	idx := strings.IndexByte(methodID, '_')
	if idx <= 0 || idx == len(methodID)-1 {
		return "", "", false
	}
	return methodID[:idx], methodID[idx+1:], true
}

// Call splits methodID at the first underscore, looks up the activation
// and method, and returns a channel of events plus the Responder a
// transport adapter uses to deliver client answers to any Request event
// the handler emits. The Responder is non-nil even for introspection and
// dispatch-error calls, backed by a no-op responder that rejects every
// delivery with ErrUnknownRequest, so callers never need a nil check.
//
// Lookup and validation failures are surfaced as in-band
// Guidance+Error+Done events rather than protocol-level errors; the only
// protocol-level errors are malformed JSON-RPC frames, which never reach
// Call.
func (p *Plexus) Call(ctx context.Context, methodID string, params json.RawMessage, opts CallOptions) (<-chan Event, Responder) {
	start := time.Now()
	provenance := NewProvenance(methodID)

	switch methodID {
	case "plexus_schema":
		return p.schemaStream(ctx, provenance), noopResponder{}
	case "plexus_hash":
		return p.hashStream(ctx, provenance), noopResponder{}
	}

	ns, methodName, ok := parseMethodID(methodID)
	if !ok {
		p.log.WarnContext(ctx, "plexus.call.invalid", slog.String("method", methodID))
		return p.inBandError(ctx, provenance, GuidanceActivationNotFound, "call plexus_schema",
			fmt.Sprintf("malformed method identifier %q", methodID)), noopResponder{}
	}

	p.mu.RLock()
	act, found := p.activations[ns]
	p.mu.RUnlock()
	if !found {
		p.log.WarnContext(ctx, "plexus.call.unsupported", slog.String("namespace", ns), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return p.inBandError(ctx, provenance, GuidanceActivationNotFound, "call plexus_schema",
			fmt.Sprintf("activation %q not found", ns)), noopResponder{}
	}

	method, found := act.methods[methodName]
	if !found {
		p.log.WarnContext(ctx, "plexus.call.unsupported", slog.String("namespace", ns), slog.String("method", methodName), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return p.inBandError(ctx, provenance, GuidanceMethodNotFound, "call plexus_schema to list methods",
			fmt.Sprintf("method %q not found in activation %q", methodName, ns)), noopResponder{}
	}

	if err := validateParams(method, params); err != nil {
		p.log.WarnContext(ctx, "plexus.call.invalid", slog.String("namespace", ns), slog.String("method", methodName), slog.String("err", err.Error()))
		return p.inBandError(ctx, provenance, GuidanceInvalidParams, "call plexus_schema to inspect the expected shape",
			err.Error()), noopResponder{}
	}

	bufSize := opts.OutBuffer
	if bufSize <= 0 {
		bufSize = 8
	}
	out := make(chan Event, bufSize)
	sink := newSink(out, provenance, p.rootHash)
	channel := newChannel(sink, opts.BidirectionalSupported, p.log)

	call := &Call{
		Params:     params,
		Provenance: provenance,
		SchemaHash: p.rootHash,
		Sink:       sink,
		Channel:    channel,
	}

	go func() {
		defer close(out)
		defer channel.cancelAll()
		defer func() {
			if r := recover(); r != nil {
				sink.Error(ctx, fmt.Sprintf("internal error: %v", r), false)
			}
		}()
		method.Handler(ctx, call)
		p.log.InfoContext(ctx, "plexus.call.ok", slog.String("namespace", ns), slog.String("method", methodName), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}()

	return out, channel
}

// noopResponder backs introspection and dispatch-error calls, which never
// emit a Request event and so never receive a plexus_respond delivery.
type noopResponder struct{}

func (noopResponder) HandleResponse(requestID string, payload json.RawMessage) error {
	return ErrUnknownRequest
}

func (p *Plexus) schemaStream(ctx context.Context, provenance Provenance) <-chan Event {
	out := make(chan Event, 2)
	sink := newSink(out, provenance, p.Hash())
	go func() {
		defer close(out)
		sink.Data(ctx, "plexus.schema", p.Schema())
		sink.Done(ctx)
	}()
	return out
}

func (p *Plexus) hashStream(ctx context.Context, provenance Provenance) <-chan Event {
	out := make(chan Event, 2)
	hash := p.Hash()
	sink := newSink(out, provenance, hash)
	go func() {
		defer close(out)
		sink.Data(ctx, "plexus.hash", hash)
		sink.Done(ctx)
	}()
	return out
}

// inBandError emits the standard Guidance, then Error, then Done sequence
// used for dispatch-level failures (ActivationNotFound, MethodNotFound,
// InvalidParams).
func (p *Plexus) inBandError(ctx context.Context, provenance Provenance, kind GuidanceKind, action, message string) <-chan Event {
	out := make(chan Event, 3)
	sink := newSink(out, provenance, p.Hash())
	go func() {
		defer close(out)
		sink.Guidance(ctx, kind, action)
		// recoverable=true: Done, not this Error, is the stream's single
		// terminal event, per the one-terminal-event invariant.
		sink.Error(ctx, message, true)
		sink.Done(ctx)
	}()
	return out
}
