// Package server implements the admin HTTP server.
//
// Routes:
//
//	GET  /health               pool health, 503 when no runner is healthy
//	GET  /debug/runners        runner statuses (?healthy=false filters)
//	GET  /debug/subscriptions  managed subscription IDs
//	POST /subscriptions        {"ids": [...], "start": true}
//	POST /consolidate          starts a consolidation, 202
//	GET  /metrics              Prometheus exposition (when configured)
//	GET  /tap                  websocket message tap (when configured)
package server
