// Package server implements a hardened FTP server: the control-channel
// state machine, active/passive data-channel negotiation, resumable
// transfers with bandwidth budgets, and connection-flood protection.
//
// # Overview
//
// The package is embeddable. A Server accepts control connections and runs
// one session per client; file access and authentication are delegated to a
// Driver, so custom backends can replace the bundled filesystem driver.
//
//	driver, err := server.NewFSDriver("/srv/ftp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithPassivePortRange(30000, 30100),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
//
// # Concurrency model
//
// Each session runs in its own goroutine with a dedicated command reader, so
// no client can block another. Data transfers run in background goroutines
// owned by their session; ABOR cancels the transfer context and the copy
// loop stops at the next chunk boundary. The only structures shared across
// sessions (the passive port pool, the global bandwidth budget, and the
// flood throttle) are internally synchronized.
//
// # Admission control
//
// Three independent knobs guard the accept path:
//
//   - WithMaxConnections: global ceiling on concurrent sessions (421 reply).
//   - WithMaxConnectionsPerIP: per-address concurrent ceiling (421 reply).
//   - WithFloodProtection: per-source sliding-window rate ceiling. Rejected
//     connections are closed without any reply, so probes get no oracle.
//
// # Bandwidth budgets
//
// WithBandwidthLimit configures token-bucket budgets per connection and for
// the server as a whole. A transfer consults both and the stricter budget
// wins. Budgets allow a burst of one second of traffic.
//
// # Resumable transfers
//
// REST stores a restart offset that the next RETR or STOR consumes:
// downloads start at the offset, uploads position the write cursor without
// truncating. An offset beyond the target's size is refused with code 554
// and discarded.
package server
