// Package model holds the value types that flow through the gateway
// pipeline: the per-request context, consumer and route definitions,
// backend targets, async operations and the wire-level response.
package model
