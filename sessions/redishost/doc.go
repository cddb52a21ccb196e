// Package redishost implements sessions.SessionHost using Redis primitives
// (Streams + simple keys) to support horizontally scalable plexus deployments.
// It provides ordered per-session message streams and the await/fulfill
// rendezvous.
//
// Design Notes
//   - Session streams: XADD + XREAD consumer-group free polling; at-least-once
//   - Rendezvous: an await marker set with SETNX and a TTL, a reply list read
//     with BLPOP, and a Lua script that pushes a reply only while the marker exists
//   - Streams are not trimmed; CleanupSession deletes a session's keys
//
// Trade-offs
//
//	Pros: durability, multi-process coordination, simple operational model
//	Cons: streams grow until cleanup, at-least-once semantics require idempotent handlers
//
// Example:
//
//	host, _ := redishost.New(redishost.Config{RedisAddr: "localhost:6379", KeyPrefix: "plexus:"})
//	defer host.Close()
//
// Use memoryhost for ephemeral development; use redishost where scale-out or
// restart persistence is required.
package redishost
