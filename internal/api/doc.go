// Package api is the client for the sitestream admin server.
//
// Endpoints:
//   - GET  /health
//   - GET  /debug/runners
//   - GET  /debug/subscriptions
//   - POST /subscriptions
//   - POST /consolidate
//
// Requests answered with 429 or 5xx are retried with jittered exponential
// backoff. /health is never retried so that a degraded pool is reported
// immediately.
package api
