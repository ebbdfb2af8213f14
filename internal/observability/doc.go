// Package observability builds the service logger and the Prometheus metrics
// shared by the HTTP layer, the login orchestrator and the identity store.
package observability
