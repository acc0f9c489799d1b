package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ftpd/internal/ratelimit"
)

// MaxCommandLength is the maximum accepted length of one command line.
const MaxCommandLength = 4096

var errCommandTooLong = errors.New("command line too long")

// sessionState is the tagged state of the control-channel machine. Illegal
// commands for a state are refused in handleCommand before any handler
// runs, so handlers can assume their preconditions.
type sessionState int

const (
	// stateUnauthenticated: connection open, login not completed.
	stateUnauthenticated sessionState = iota
	// stateIdle: authenticated, no data channel, no transfer.
	stateIdle
	// stateAwaitingData: a data channel has been negotiated (PASV reply
	// sent or PORT target stored) but no transfer has started yet.
	stateAwaitingData
	// stateTransferring: a background transfer goroutine is running.
	stateTransferring
	// stateClosed: session torn down.
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateIdle:
		return "idle"
	case stateAwaitingData:
		return "awaiting-data"
	case stateTransferring:
		return "transferring"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// session is one FTP control connection and its state machine. Fields
// below mu are shared with the transfer goroutine and the channel expiry
// timer and are only touched under mu; fs, transferType and renameFrom are
// confined to the serve goroutine and need no locking.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	log    *logrus.Entry

	sessionID string
	remoteIP  string

	// connLimiter is this connection's bandwidth budget, shared by every
	// transfer the session runs. Nil means unlimited.
	connLimiter *ratelimit.Limiter

	fs           ClientContext
	transferType string // "A" or "I"; transfers are byte-exact either way
	renameFrom   string // pending RNFR source

	mu            sync.Mutex
	state         sessionState
	user          string
	restartOffset int64 // pending REST offset, consumed by the next transfer
	data          *dataChannel
	dataConn      net.Conn // open data connection during a transfer

	transferOp     string // command that started the running transfer
	transferCancel context.CancelFunc
	transferWG     sync.WaitGroup
}

// commandHandlers dispatches commands to their handlers. USER, PASS, QUIT
// and ABOR are handled directly in handleCommand because they interact
// with the state machine itself.
var commandHandlers = map[string]func(*session, string){
	// Directory navigation
	"CWD":  (*session).handleCWD,
	"XCWD": (*session).handleCWD,
	"CDUP": (*session).handleCDUP,
	"XCUP": (*session).handleCDUP,
	"PWD":  (*session).handlePWD,
	"XPWD": (*session).handlePWD,

	// Directory and file management
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
	"MKD":  (*session).handleMKD,
	"XMKD": (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"XRMD": (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,

	// Transfers
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"APPE": (*session).handleAPPE,
	"REST": (*session).handleREST,
	"TYPE": (*session).handleTYPE,

	// Data channel negotiation
	"PORT": (*session).handlePORT,
	"EPRT": (*session).handleEPRT,
	"PASV": (*session).handlePASV,
	"EPSV": (*session).handleEPSV,

	// Information
	"SIZE": (*session).handleSIZE,
	"MDTM": (*session).handleMDTM,
	"FEAT": (*session).handleFEAT,
	"OPTS": (*session).handleOPTS,
	"SYST": (*session).handleSYST,
	"STAT": (*session).handleSTAT,
	"HELP": (*session).handleHELP,
}

// preAuthCommands may be issued before login. Everything else is refused
// with 530 while the session is unauthenticated.
var preAuthCommands = map[string]bool{
	"USER": true,
	"PASS": true,
	"QUIT": true,
	"NOOP": true,
	"SYST": true,
	"FEAT": true,
	"HELP": true,
	"OPTS": true,
	"STAT": true,
}

func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

func newSession(server *Server, conn net.Conn) *session {
	sessionID := generateSessionID()
	ip := remoteIP(conn)

	return &session{
		server:    server,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		sessionID: sessionID,
		remoteIP:  ip,
		log: server.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"remote_ip":  ip,
		}),
		state:        stateUnauthenticated,
		transferType: "I",
		connLimiter:  ratelimit.New(server.perConnRate),
	}
}

type command struct {
	line string
	err  error
}

// serve runs the session until the client quits, disconnects, or the
// server shuts down.
//
// Concurrency model: a dedicated reader goroutine turns the control socket
// into a stream of complete command lines (partial lines stay buffered
// until the terminator arrives). This loop consumes them one at a time, so
// within a session commands execute strictly in arrival order and each
// gets exactly one reply, in order. Transfers run in a background
// goroutine; while one is active the loop keeps consuming commands, which
// is what lets ABOR interrupt a running transfer.
func (s *session) serve() {
	defer s.close()

	s.reply(220, s.server.welcomeMessage)
	s.log.Info("session started")

	done := make(chan struct{})
	defer close(done)

	for cmd := range s.startCommandReader(done) {
		if cmd.err != nil {
			if errors.Is(cmd.err, errCommandTooLong) {
				s.reply(500, "Command line too long.")
			} else if cmd.err != io.EOF {
				s.log.WithError(cmd.err).Warn("control read error")
			}
			return
		}
		if quit := s.handleCommand(cmd.line); quit {
			return
		}
	}
}

// startCommandReader reads command lines off the control connection and
// feeds them to the serve loop. The idle timeout is armed before every
// read, so a client that goes quiet between commands is expired by the
// next deadline.
func (s *session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			if s.server.maxIdleTime > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			line, err := s.readCommand()

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return cmdChan
}

// Telnet interpret-as-command bytes that may appear on the control channel.
const (
	telnetIAC  = 0xFF
	telnetWILL = 0xFB
	telnetDONT = 0xFE
)

// readCommand assembles one command line, tolerating bare LF line endings
// and discarding interleaved telnet option negotiation (old clients send
// IAC sequences around ABOR).
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return "", err
		}

		switch {
		case b == '\n':
			return string(line), nil
		case b == telnetIAC:
			next, err := s.reader.ReadByte()
			if err != nil {
				return "", err
			}
			if next == telnetIAC {
				// Escaped 0xFF data byte.
				line = append(line, telnetIAC)
				break
			}
			if next >= telnetWILL && next <= telnetDONT {
				// Three-byte negotiation: IAC CMD OPT.
				if _, err := s.reader.ReadByte(); err != nil {
					return "", err
				}
			}
		default:
			if len(line) >= MaxCommandLength {
				return "", errCommandTooLong
			}
			line = append(line, b)
		}
	}
}

// handleCommand parses one line and dispatches it through the state
// machine. Returns true when the session should end.
func (s *session) handleCommand(line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return false
	}

	cmd, arg := splitCommand(line)

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.log.WithFields(logrus.Fields{
		"cmd": cmd,
		"arg": logArg,
	}).Debug("command received")

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	// While a transfer runs, only ABOR, STAT and QUIT are serviced; the
	// session never has two commands in flight.
	if st == stateTransferring && cmd != "ABOR" && cmd != "STAT" && cmd != "QUIT" {
		s.reply(503, "Transfer in progress; ABOR or wait.")
		return false
	}

	switch cmd {
	case "QUIT":
		s.reply(221, "Goodbye.")
		return true
	case "NOOP":
		s.reply(200, "OK.")
		return false
	case "USER":
		s.handleUSER(arg)
		return false
	case "PASS":
		s.handlePASS(arg)
		return false
	case "ABOR":
		s.handleABOR()
		return false
	}

	if !preAuthCommands[cmd] && st == stateUnauthenticated {
		s.reply(530, "Please login with USER and PASS.")
		return false
	}

	if handler, ok := commandHandlers[cmd]; ok {
		handler(s, arg)
	} else {
		s.reply(502, "Command not implemented.")
	}
	return false
}

func splitCommand(line string) (cmd, arg string) {
	parts := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(parts[0])
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

func (s *session) handleUSER(user string) {
	if user == "" {
		s.reply(501, "USER requires a name.")
		return
	}

	s.mu.Lock()
	if s.state != stateUnauthenticated {
		s.mu.Unlock()
		s.reply(503, "Already logged in.")
		return
	}
	s.user = user
	s.mu.Unlock()

	s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(pass string) {
	s.mu.Lock()
	if s.state != stateUnauthenticated {
		s.mu.Unlock()
		s.reply(503, "Already logged in.")
		return
	}
	user := s.user
	s.mu.Unlock()

	if user == "" {
		s.reply(503, "Send USER first.")
		return
	}

	ctx, err := s.server.driver.Authenticate(user, pass)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"user":   user,
			"reason": err.Error(),
		}).Warn("authentication failed")
		if s.server.metrics != nil {
			s.server.metrics.RecordAuthentication(false, user)
		}
		s.reply(530, "Login incorrect.")
		return
	}

	s.fs = ctx
	s.mu.Lock()
	s.state = stateIdle
	s.mu.Unlock()

	s.log.WithField("user", user).Info("authentication success")
	if s.server.metrics != nil {
		s.server.metrics.RecordAuthentication(true, user)
	}
	s.reply(230, "User logged in, proceed.")
}

// handleABOR interrupts a running transfer: the data socket is closed and
// the transfer context canceled, so the copy loop stops at its next chunk
// boundary and sends the 426 for the aborted command. ABOR waits for that
// 426 before sending its own 226, then the session is usable again.
func (s *session) handleABOR() {
	s.mu.Lock()
	if s.state != stateTransferring {
		s.mu.Unlock()
		s.reply(226, "No transfer in progress.")
		return
	}

	s.log.WithField("op", s.transferOp).Info("transfer abort requested")

	if s.dataConn != nil {
		s.dataConn.Close()
	}
	if s.transferCancel != nil {
		s.transferCancel()
	}
	s.mu.Unlock()

	s.transferWG.Wait()
	s.reply(226, "Abort successful.")
}

// replyError maps filesystem errors to FTP reply codes.
func (s *session) replyError(err error) {
	switch {
	case os.IsNotExist(err):
		s.reply(550, "File not found.")
	case os.IsPermission(err):
		s.reply(550, "Permission denied.")
	case os.IsExist(err):
		s.reply(550, "File already exists.")
	default:
		s.reply(550, "Action failed: "+err.Error())
	}
}

// reply sends one "code message" line on the control channel.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

// close tears the session down: cancel any transfer, release the data
// channel and its port lease, close the filesystem context and the control
// socket, then wait for transfer goroutines so nothing outlives the
// session.
func (s *session) close() {
	s.mu.Lock()
	s.state = stateClosed
	if s.transferCancel != nil {
		s.transferCancel()
	}
	if s.dataConn != nil {
		s.dataConn.Close()
		s.dataConn = nil
	}
	if s.data != nil {
		s.data.close()
		s.data = nil
	}
	user := s.user
	s.mu.Unlock()

	if s.fs != nil {
		s.fs.Close()
		s.fs = nil
	}
	s.conn.Close()

	s.transferWG.Wait()

	s.log.WithField("user", user).Debug("session closed")
}
