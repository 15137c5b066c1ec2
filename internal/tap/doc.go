// Package tap streams decoded messages to websocket clients.
//
// Hub is both a router sink and the http.Handler for the tap endpoint. Each
// client gets its own bounded send queue and rate limiter; a slow or
// over-limit client loses messages without affecting the router or the other
// clients.
//
// Clients may filter with query parameters:
//
//	/tap?kind=status,delete&for_user=42
package tap
