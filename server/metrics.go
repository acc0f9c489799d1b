package server

import "time"

// MetricsCollector receives structured events from the server. Implement it
// to feed a monitoring system; every method may be called from session or
// accept-loop goroutines and must not block.
//
// The server checks the collector for nil before each call, so a partial
// deployment simply leaves it unset.
type MetricsCollector interface {
	// RecordConnection is called for each inbound control connection.
	// reason is "accepted", or the rejection cause: "flood",
	// "global_limit", "per_ip_limit", "shutdown".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication is called after each PASS command.
	RecordAuthentication(success bool, user string)

	// RecordTransfer is called when a data transfer finishes, whether it
	// completed, failed, or was aborted. operation is "RETR", "STOR" or
	// "APPE".
	RecordTransfer(operation string, bytes int64, duration time.Duration, success bool)

	// RecordRateLimit is called when a transfer starts under a bandwidth
	// budget. scope is "connection" or "global".
	RecordRateLimit(scope string, bytesPerSecond int64)
}
