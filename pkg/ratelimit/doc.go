// Package ratelimit provides a fixed-window rate limiter with sticky lockouts,
// backed by a pluggable Store (sharded in-memory or Redis), together with the
// tier table and path routing that select which limit applies to a request.
package ratelimit
