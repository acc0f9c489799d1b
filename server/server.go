package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ftpd/internal/portpool"
	"ftpd/internal/ratelimit"
	"ftpd/internal/throttle"
)

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown.
var ErrServerClosed = errors.New("ftpd: server closed")

// Server is the FTP server. It owns the accept loop, admission control and
// the resources shared across sessions: the passive port pool, the global
// bandwidth budget and the flood throttle.
//
// Lifecycle:
//  1. Create with NewServer
//  2. Start with ListenAndServe or Serve
//  3. Stop with Shutdown (closes the listener and every live connection)
type Server struct {
	addr   string
	driver Driver
	logger *logrus.Logger

	welcomeMessage string
	maxIdleTime    time.Duration
	dataTimeout    time.Duration // deadline for data-channel negotiation

	// publicHost, when set, is the address advertised in PASV replies.
	// Needed behind NAT where the control socket's local address is not
	// reachable by clients.
	publicHost string

	// passivePorts leases data ports. Nil means the OS picks free ports.
	passivePorts *portpool.Pool

	// perConnRate is the per-connection bandwidth budget in bytes/s
	// (0 = unlimited); each session builds its own limiter from it.
	// globalLimiter is shared by every transfer on the server.
	perConnRate   int64
	globalLimiter *ratelimit.Limiter

	// floodThrottle rejects per-source connection bursts, silently.
	floodThrottle *throttle.Throttle

	metrics MetricsCollector

	// maxConnections / maxConnectionsPerIP are ceilings on concurrent
	// sessions; 0 disables the ceiling. Exceeding them is answered with
	// a 421 before the session starts.
	maxConnections      int
	maxConnectionsPerIP int

	activeConns atomic.Int32
	connsByIP   map[string]int32
	connsByIPMu sync.Mutex

	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	inShutdown atomic.Bool
}

// NewServer creates an FTP server listening on addr ("host:port" or
// ":port"). The driver is required; everything else has defaults: no
// passive range (OS-assigned ports), no bandwidth limits, no flood
// protection, 5 minute idle timeout.
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:           addr,
		logger:         logrus.StandardLogger(),
		welcomeMessage: "FTP server ready.",
		maxIdleTime:    5 * time.Minute,
		dataTimeout:    10 * time.Second,
		conns:          make(map[net.Conn]struct{}),
		connsByIP:      make(map[string]int32),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.driver == nil {
		return nil, fmt.Errorf("driver is required (use WithDriver)")
	}

	return s, nil
}

// PassivePortsLeased reports how many passive ports are currently leased.
// Zero when no passive range is configured.
func (s *Server) PassivePortsLeased() int {
	if s.passivePorts == nil {
		return 0
	}
	return s.passivePorts.Leased()
}

// ListenAndServe starts the server on the configured address and blocks
// until Shutdown or a fatal listener error.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.logger.WithField("addr", s.addr).Info("ftp server listening")
	return s.Serve(ln)
}

// Serve accepts control connections on l until the listener is closed or an
// unrecoverable accept error occurs. Transient errors (timeouts) are logged
// and the loop continues; anything else triggers an orderly shutdown so
// every session and every leased port is released before Serve returns.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	// Housekeeping: drop flood-throttle state for sources that went quiet,
	// so the tracked set does not grow with every address ever seen.
	if s.floodThrottle != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(s.floodThrottle.Window())
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.floodThrottle.Sweep()
				case <-stop:
					return
				}
			}
		}()
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.WithError(err).Warn("transient accept error")
				continue
			}
			// The polling primitive itself failed: close everything down
			// rather than spin on a broken listener.
			s.logger.WithError(err).Error("fatal accept error, shutting down")
			_ = s.Shutdown()
			return err
		}

		ip := remoteIP(conn)

		// Flood protection runs before any session state exists and
		// rejects silently: no reply, no session, no oracle.
		if !s.floodThrottle.Allow(ip) {
			s.logger.WithFields(logrus.Fields{
				"remote_ip": ip,
				"reason":    "flood",
			}).Warn("connection rejected")
			if s.metrics != nil {
				s.metrics.RecordConnection(false, "flood")
			}
			conn.Close()
			continue
		}

		go s.handleConnection(conn)
	}
}

// Shutdown stops the server: it closes the listener and then every live
// control and data connection. Sessions notice their sockets closing,
// cancel any in-flight transfer and release their resources.
func (s *Server) Shutdown() error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	for conn := range conns {
		conn.Close()
	}

	return err
}

// handleConnection applies the concurrent-connection ceilings and runs the
// session.
func (s *Server) handleConnection(conn net.Conn) {
	if !s.trackConnection(conn, true) {
		if s.metrics != nil {
			s.metrics.RecordConnection(false, "shutdown")
		}
		conn.Close()
		return
	}
	defer s.trackConnection(conn, false)

	ip := remoteIP(conn)

	if s.maxConnections > 0 && s.activeConns.Load() >= int32(s.maxConnections) {
		s.logger.WithFields(logrus.Fields{
			"remote_ip": ip,
			"reason":    "global_limit",
			"limit":     s.maxConnections,
		}).Warn("connection rejected")
		if s.metrics != nil {
			s.metrics.RecordConnection(false, "global_limit")
		}
		fmt.Fprintf(conn, "421 Too many users, try again later.\r\n")
		conn.Close()
		return
	}

	if s.maxConnectionsPerIP > 0 {
		s.connsByIPMu.Lock()
		over := s.connsByIP[ip] > int32(s.maxConnectionsPerIP)
		s.connsByIPMu.Unlock()
		if over {
			s.logger.WithFields(logrus.Fields{
				"remote_ip": ip,
				"reason":    "per_ip_limit",
				"limit":     s.maxConnectionsPerIP,
			}).Warn("connection rejected")
			if s.metrics != nil {
				s.metrics.RecordConnection(false, "per_ip_limit")
			}
			fmt.Fprintf(conn, "421 Too many connections from your address.\r\n")
			conn.Close()
			return
		}
	}

	if s.metrics != nil {
		s.metrics.RecordConnection(true, "accepted")
	}

	// Control channels carry short command lines; latency matters more
	// than throughput.
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}

	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	newSession(s, conn).serve()
}

// trackConnection registers or unregisters a connection for shutdown and
// the per-IP ceiling. Returns false when the server is shutting down.
func (s *Server) trackConnection(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inShutdown.Load() {
		conn.Close()
		return false
	}

	ip := remoteIP(conn)

	if add {
		s.conns[conn] = struct{}{}
		s.connsByIPMu.Lock()
		s.connsByIP[ip]++
		s.connsByIPMu.Unlock()
		return true
	}

	delete(s.conns, conn)
	s.connsByIPMu.Lock()
	s.connsByIP[ip]--
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
	s.connsByIPMu.Unlock()
	return true
}

// trackingConn removes a data connection from the server's tracking set
// when the session closes it.
type trackingConn struct {
	net.Conn
	server *Server
}

func (c *trackingConn) Close() error {
	c.server.trackConnection(c.Conn, false)
	return c.Conn.Close()
}

// remoteIP extracts the peer address without the port.
func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}
