// Package stdioadapter implements a minimal single-connection plexus
// transport over stdin/stdout. It is intended for embedding servers as
// subprocesses, local development, and environments where spawning a
// child process and piping JSON is simpler than running a WebSocket
// server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (lightweight implicit principal)
//	Sessions         : ephemeral, in-memory only
//	Bidirectional    : yes, via the synthetic _plexus_respond method
//	Transport        : newline-delimited JSON-RPC over stdin/stdout
//
// Every event a call produces, its terminal event included, is forwarded
// as a notifications/message notification carrying the raw event envelope.
// Progress events additionally produce a notifications/progress
// notification carrying the client's echoed progress token, for clients
// that only understand the conventional progress shape. A Request event
// is registered against its request_id so a later _plexus_respond call
// can be routed to the right in-flight call; the original JSON-RPC
// request only resolves once the call reaches its terminal event, with a
// minimal completion marker as its result -- the data itself was already
// delivered via notifications.
//
// Example:
//
//	eng := plexus.New(logger)
//	// eng.Register(...) then eng.Freeze()
//	h := stdioadapter.NewHandler(eng)
//	if err := h.Serve(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// For multi-session, horizontally scalable deployments prefer the
// WebSocket transport, which integrates with session hosts,
// authentication, and cross-instance subscription fan-out.
package stdioadapter
