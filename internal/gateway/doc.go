// Package gateway assembles the request pipeline and serves it over HTTP.
//
// A Pipeline sequences the stages for one request: authentication,
// idempotency replay, rate limiting, routing, authorization, validation and
// backend execution or async acceptance, then formats the response and
// publishes the outcome. Server is the gin shell around a Pipeline that also
// serves the probe and metrics endpoints. Gateway builds every component
// from a config.GatewayConfig and owns their lifecycle.
package gateway
