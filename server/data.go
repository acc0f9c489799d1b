package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"ftpd/internal/portpool"
)

// dataChannelMode selects who opens the data connection.
type dataChannelMode int

const (
	// dataModeActive: the server dials out to a client-supplied address.
	dataModeActive dataChannelMode = iota
	// dataModePassive: the server listens and the client connects in.
	dataModePassive
)

// dataChannel is one negotiated transfer channel. A session owns at most
// one at a time; negotiating a new one tears the old one down first.
//
// For passive channels the leased port stays held until close, so two
// concurrent transfers can never advertise the same port.
type dataChannel struct {
	mode dataChannelMode

	// Passive state.
	listener net.Listener
	port     int // leased port, 0 when the OS picked one
	pool     *portpool.Pool

	// expiry reclaims a passive channel the client negotiated but never
	// used, so an idle PASV cannot hold a leased port indefinitely.
	expiry *time.Timer

	// Active state.
	addr string
}

// newPassiveChannel leases a port from the pool (or asks the OS when no
// range is configured) and starts listening on it. Ports whose bind fails
// are set aside and returned to the pool afterwards, so a port taken by
// another process is skipped without looping on it forever.
func newPassiveChannel(pool *portpool.Pool) (*dataChannel, error) {
	if pool == nil {
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, err
		}
		return &dataChannel{mode: dataModePassive, listener: ln}, nil
	}

	var failed []int
	defer func() {
		for _, p := range failed {
			pool.Release(p)
		}
	}()

	for {
		port, err := pool.Acquire()
		if err != nil {
			return nil, err
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return &dataChannel{
				mode:     dataModePassive,
				listener: ln,
				port:     port,
				pool:     pool,
			}, nil
		}
		failed = append(failed, port)
	}
}

// localPort returns the port the passive listener is bound to.
func (d *dataChannel) localPort() int {
	if d.port != 0 {
		return d.port
	}
	if d.listener == nil {
		return 0
	}
	_, portStr, _ := net.SplitHostPort(d.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

// open produces the connected data socket. Passive channels accept exactly
// one connection within the timeout and then stop listening, so a second
// connection attempt is refused. Active channels dial the stored target;
// failures are not retried.
func (d *dataChannel) open(timeout time.Duration) (net.Conn, error) {
	switch d.mode {
	case dataModePassive:
		if d.listener == nil {
			return nil, errors.New("passive listener already consumed")
		}
		if tl, ok := d.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(timeout))
		}
		conn, err := d.listener.Accept()
		// One shot: whatever happened, no further connections are taken.
		d.listener.Close()
		d.listener = nil
		if err != nil {
			return nil, err
		}
		return conn, nil

	case dataModeActive:
		return net.DialTimeout("tcp", d.addr, timeout)
	}
	return nil, errors.New("data channel not negotiated")
}

// close shuts the channel and returns the leased port to the pool.
// Idempotent; called on transfer completion, on renegotiation, and on
// session teardown, whichever comes first.
func (d *dataChannel) close() {
	if d.expiry != nil {
		d.expiry.Stop()
		d.expiry = nil
	}
	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
	if d.pool != nil && d.port != 0 {
		d.pool.Release(d.port)
		d.port = 0
		d.pool = nil
	}
}

// closeData releases the session's data channel, if any, and drops back
// from stateAwaitingData to stateIdle.
func (s *session) closeData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeDataLocked()
}

func (s *session) closeDataLocked() {
	if s.data != nil {
		s.data.close()
		s.data = nil
	}
	if s.state == stateAwaitingData {
		s.state = stateIdle
	}
}

// openData turns the negotiated channel into a connected socket. On
// failure the channel is released so the port does not leak and the
// client has to renegotiate.
func (s *session) openData() (net.Conn, error) {
	s.mu.Lock()
	d := s.data
	if d != nil && d.expiry != nil {
		// A transfer command claimed the channel; it is no longer merely
		// negotiated and must not expire under the running transfer.
		d.expiry.Stop()
		d.expiry = nil
	}
	s.mu.Unlock()

	if d == nil {
		return nil, errors.New("no data channel negotiated")
	}

	conn, err := d.open(s.server.dataTimeout)
	if err != nil {
		s.closeData()
		return nil, err
	}

	if !s.server.trackConnection(conn, true) {
		s.closeData()
		return nil, ErrServerClosed
	}
	return &trackingConn{Conn: conn, server: s.server}, nil
}

// validateActiveTarget refuses PORT/EPRT targets that do not match the
// control connection's peer. Classic FTP bounce protection.
func (s *session) validateActiveTarget(ip net.IP) bool {
	peer := net.ParseIP(s.remoteIP)
	if peer == nil {
		return false
	}
	return ip.Equal(peer)
}

// setActiveChannel stores a validated active-mode target, replacing any
// previously negotiated channel.
func (s *session) setActiveChannel(ip net.IP, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeDataLocked()
	s.data = &dataChannel{
		mode: dataModeActive,
		addr: net.JoinHostPort(ip.String(), strconv.Itoa(port)),
	}
	s.state = stateAwaitingData
}

// setPassiveChannel leases and installs a passive listener, replacing any
// previously negotiated channel. The channel expires on its own after the
// negotiation deadline if no transfer command claims it, returning the
// leased port. Returns the advertised port.
func (s *session) setPassiveChannel() (int, error) {
	ch, err := newPassiveChannel(s.server.passivePorts)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeDataLocked()
	s.data = ch
	s.state = stateAwaitingData
	ch.expiry = time.AfterFunc(s.server.dataTimeout, func() {
		s.expireDataChannel(ch)
	})
	return ch.localPort(), nil
}

// expireDataChannel reclaims ch if it is still the session's negotiated,
// unused channel. A channel claimed by a transfer or already replaced is
// left alone.
func (s *session) expireDataChannel(ch *dataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// ch.expiry is cleared under mu when a transfer claims the channel, so
	// a timer that fired just before the claim stops here.
	if s.data != ch || ch.expiry == nil || s.state != stateAwaitingData {
		return
	}
	s.log.Debug("passive data channel expired unused")
	s.closeDataLocked()
}

func (s *session) handlePASV(_ string) {
	port, err := s.setPassiveChannel()
	if err != nil {
		if errors.Is(err, portpool.ErrExhausted) {
			s.log.Warn("passive port range exhausted")
			s.reply(425, "No data port available, try again later.")
		} else {
			s.reply(425, "Can't open passive connection.")
		}
		return
	}

	ip := s.passiveIP()
	parts := []string{"0", "0", "0", "0"}
	if ip4 := ip.To4(); ip4 != nil {
		parts = strings.Split(ip4.String(), ".")
	}

	s.reply(227, fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d).",
		parts[0], parts[1], parts[2], parts[3], port/256, port%256))
}

func (s *session) handleEPSV(_ string) {
	port, err := s.setPassiveChannel()
	if err != nil {
		if errors.Is(err, portpool.ErrExhausted) {
			s.log.Warn("passive port range exhausted")
			s.reply(425, "No data port available, try again later.")
		} else {
			s.reply(425, "Can't open passive connection.")
		}
		return
	}

	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
}

// passiveIP picks the address to advertise in PASV replies: the configured
// public host when set, otherwise the control connection's local address.
func (s *session) passiveIP() net.IP {
	host := s.server.publicHost
	if host == "" {
		host, _, _ = net.SplitHostPort(s.conn.LocalAddr().String())
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip
	}

	// Hostname: resolve and prefer the first IPv4 address.
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip4 := a.To4(); ip4 != nil {
			return ip4
		}
	}
	return nil
}

func (s *session) handlePORT(arg string) {
	// Format: h1,h2,h3,h4,p1,p2
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		s.reply(501, "Invalid port number.")
		return
	}

	ip := net.ParseIP(strings.Join(parts[0:4], "."))
	if ip == nil {
		s.reply(501, "Invalid IP address.")
		return
	}

	if !s.validateActiveTarget(ip) {
		s.reply(500, "Illegal PORT command.")
		return
	}

	s.setActiveChannel(ip, p1*256+p2)
	s.reply(200, "PORT command successful.")
}

func (s *session) handleEPRT(arg string) {
	// Format: <d><proto><d><ip><d><port><d>, e.g. |1|132.235.1.2|6275|
	if len(arg) < 4 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	delim := string(arg[0])
	parts := strings.Split(arg, delim)
	if len(parts) != 5 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	proto, ipStr, portStr := parts[1], parts[2], parts[3]

	if proto != "1" && proto != "2" {
		s.reply(522, "Network protocol not supported, use (1,2).")
		return
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		s.reply(501, "Invalid network address.")
		return
	}
	if proto == "1" && ip.To4() == nil {
		s.reply(522, "Network protocol not supported, use (2).")
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		s.reply(501, "Invalid port number.")
		return
	}

	if !s.validateActiveTarget(ip) {
		s.reply(500, "Illegal EPRT command.")
		return
	}

	s.setActiveChannel(ip, port)
	s.reply(200, "EPRT command successful.")
}
