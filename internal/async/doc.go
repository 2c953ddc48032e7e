// Package async runs long-running requests in the background and notifies
// consumers through signed webhooks.
//
// A request to an async route is accepted with 202 and an operation id. The
// operation record lives in the shared cache and moves through
// queued, running and then completed or failed. Callers poll it at
// {poll_prefix}/{operation_id}.
//
// When the operation finishes and the consumer has a webhook configured, the
// Dispatcher posts the outcome. Every delivery URL is validated against
// private, loopback and link-local ranges before any network call, and the
// dialer re-checks the address it actually connects to. Bodies are signed
// with HMAC-SHA256 over "{timestamp}.{body}". Deliveries that exhaust their
// retries are parked on a dead-letter list for ReplayDeadLetters.
package async
