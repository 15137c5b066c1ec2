// Package metrics exposes stream pool instrumentation.
//
// Components depend on the Collector interface. Nop discards everything and
// is the default; Prometheus registers collectors on first use.
package metrics

import "time"

// Connect attempt results.
const (
	ResultSuccess   = "success"
	ResultBadStatus = "bad_status"
	ResultTimeout   = "timeout"
	ResultError     = "error"
)

// Collector records pool, connection and routing metrics.
type Collector interface {
	// Connections
	RecordConnectAttempt(result string)
	RecordBackoff(delay time.Duration)
	RecordFrame(size int)
	RecordHandlerPanic()

	// Supervisor
	RecordRestart()
	RecordConsolidation(before, after int)
	SetRunners(total, healthy, nonfull int)
	SetSubscriptions(n int)

	// Router
	RecordDuplicate()
	RecordDropped()
	RecordDecodeError()
	RecordSinkError(sink string)
}

// Nop is a Collector that does nothing.
type Nop struct{}

var _ Collector = Nop{}

// NewNop returns a no-op Collector.
func NewNop() Nop { return Nop{} }

func (Nop) RecordConnectAttempt(string)  {}
func (Nop) RecordBackoff(time.Duration)  {}
func (Nop) RecordFrame(int)              {}
func (Nop) RecordHandlerPanic()          {}
func (Nop) RecordRestart()               {}
func (Nop) RecordConsolidation(int, int) {}
func (Nop) SetRunners(int, int, int)     {}
func (Nop) SetSubscriptions(int)         {}
func (Nop) RecordDuplicate()             {}
func (Nop) RecordDropped()               {}
func (Nop) RecordDecodeError()           {}
func (Nop) RecordSinkError(string)       {}
