// Package observability provides structured logging and metrics for the
// execution core.
//
// Loggers are zap-based and pick up request and tenant identifiers from the
// request context. Metrics are exposed in Prometheus format from a private
// registry so tests can create as many collectors as they like.
package observability
