// Package redis implements the shared stores on Redis.
//
// Presence and locations are hashes, the job queue combines a definitions
// hash, schedule and retry sorted sets and a consumer-group stream, and fanout
// events travel over one pub/sub channel. Every client built by NewClient
// carries a metrics hook and a circuit breaker hook.
package redis
