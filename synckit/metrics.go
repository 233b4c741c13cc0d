package synckit

import "time"

// MetricsCollector provides hooks for collecting sync operation metrics
type MetricsCollector interface {
	// RecordSyncDuration records how long one remote call took
	RecordSyncDuration(operation string, duration time.Duration)

	// RecordSyncErrors records remote failures by error kind
	RecordSyncErrors(operation string, errorType string)

	// RecordOutboxDepth records the number of operations waiting for the remote
	RecordOutboxDepth(depth int)

	// RecordReconciliation records the outcome of a login merge
	RecordReconciliation(pushed, failed int)

	// RecordStateChange records a transition into state
	RecordStateChange(state string)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordSyncDuration(operation string, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordSyncErrors(operation string, errorType string)         {}
func (n *NoOpMetricsCollector) RecordOutboxDepth(depth int)                                 {}
func (n *NoOpMetricsCollector) RecordReconciliation(pushed, failed int)                     {}
func (n *NoOpMetricsCollector) RecordStateChange(state string)                              {}
