// Package sessions models the durable identity that a long-lived
// transport connection (WebSocket, in particular) maps to across
// reconnects.
//
// # Layers
//
//	SessionManager -> creates/resumes a Session, backed by a SessionHost
//	SessionHost    -> durability: ordered per-session message log + distributed rendezvous
//	Session        -> per-connection view exposed to a transport adapter
//
// A transport adapter creates a Session on connect and writes every
// outbound plexus.Event to it via WriteMessage. On reconnect with a
// resume cursor, ConsumeMessages replays anything published while the
// client was offline before switching to live delivery.
//
// BeginAwait/Fulfill on the host let a bidirectional Request originated
// on one server instance be answered by whichever instance is holding
// the client's socket when the response arrives — required once a
// deployment runs more than one plexusd process behind a load balancer.
//
// Implementations:
//
//	memoryhost : in-process, for tests and single-instance deployments
//	redishost  : Redis Streams backed, for horizontal scale
package sessions
