// Package connection maintains authenticated site stream connections.
//
// A Connection owns one long-lived HTTP streaming session for a group of up
// to GroupLimit subscription IDs. It connects with counted retries and
// backoff, reads the body byte by byte into "\r\n"-delimited frames and hands
// each frame to a FrameHandler.
//
// A Runner drives one Connection on its own goroutine with an explicit
// reconnect loop. The Supervisor partitions an arbitrary subscription list
// across Runners, restarts unhealthy ones and consolidates underfull groups.
package connection
