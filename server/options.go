package server

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ftpd/internal/portpool"
	"ftpd/internal/ratelimit"
	"ftpd/internal/throttle"
)

// Option configures a Server.
type Option func(*Server) error

// WithDriver sets the backend driver for authentication and file
// operations. Required.
func WithDriver(driver Driver) Option {
	return func(s *Server) error {
		if s.driver != nil {
			return fmt.Errorf("driver already set")
		}
		s.driver = driver
		return nil
	}
}

// WithLogger sets the logger. Defaults to logrus.StandardLogger().
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics sink. Optional.
func WithMetrics(mc MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = mc
		return nil
	}
}

// WithWelcomeMessage sets the 220 banner text.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithMaxIdleTime sets how long a control connection may sit idle between
// commands before it is closed. Defaults to 5 minutes; 0 disables the
// timeout.
func WithMaxIdleTime(d time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = d
		return nil
	}
}

// WithDataTimeout sets the deadline for data-channel negotiation: how long
// a passive listener waits for the client to connect, and how long an
// active dial may take. Defaults to 10 seconds.
func WithDataTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("data timeout must be positive")
		}
		s.dataTimeout = d
		return nil
	}
}

// WithMaxConnections caps the number of concurrent sessions. Connections
// over the cap are answered with 421 and closed. 0 (the default) means no
// cap.
func WithMaxConnections(max int) Option {
	return func(s *Server) error {
		s.maxConnections = max
		return nil
	}
}

// WithMaxConnectionsPerIP caps concurrent sessions per client address.
// 0 (the default) means no cap.
func WithMaxConnectionsPerIP(max int) Option {
	return func(s *Server) error {
		s.maxConnectionsPerIP = max
		return nil
	}
}

// WithPassivePortRange makes passive data connections lease ports from the
// inclusive range [low, high] instead of asking the OS for free ports.
// The range must be large enough for the expected number of concurrent
// transfers.
func WithPassivePortRange(low, high int) Option {
	return func(s *Server) error {
		pool, err := portpool.New(low, high)
		if err != nil {
			return err
		}
		s.passivePorts = pool
		return nil
	}
}

// WithPublicHost sets the address advertised in PASV replies. Required
// behind NAT; defaults to the control connection's local address.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithBandwidthLimit sets transfer budgets in bytes per second:
// perConnection applies to each session separately, global to the sum of
// all transfers. 0 means unlimited for that scope; when both are set the
// stricter applies.
func WithBandwidthLimit(perConnection, global int64) Option {
	return func(s *Server) error {
		if perConnection < 0 || global < 0 {
			return fmt.Errorf("bandwidth limits must not be negative")
		}
		s.perConnRate = perConnection
		s.globalLimiter = ratelimit.New(global)
		return nil
	}
}

// WithFloodProtection rejects connection bursts: at most maxPerSource
// connections per client address within the sliding window. Rejected
// connections are closed without any protocol reply. Zero values disable
// flood protection.
func WithFloodProtection(maxPerSource int, window time.Duration) Option {
	return func(s *Server) error {
		if maxPerSource < 0 || window < 0 {
			return fmt.Errorf("flood protection values must not be negative")
		}
		s.floodThrottle = throttle.New(maxPerSource, window)
		return nil
	}
}
