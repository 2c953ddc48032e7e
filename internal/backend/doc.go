// Package backend forwards requests to upstream targets.
//
// The Executor sends one request per attempt through an instrumented HTTP
// client, records every attempt on the target's circuit breaker and retries
// timeouts, transport errors and retryable statuses with exponential
// backoff. The HealthChecker probes targets over HTTP or the gRPC health
// protocol and flips their health flags.
package backend
