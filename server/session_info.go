package server

import (
	"fmt"
	"runtime"
	"strings"
)

func (s *session) handleSIZE(path string) {
	info, err := s.fs.GetFileInfo(path)
	if err != nil || info.IsDir() {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, fmt.Sprintf("%d", info.Size()))
}

func (s *session) handleMDTM(path string) {
	info, err := s.fs.GetFileInfo(path)
	if err != nil {
		s.reply(550, "Could not get file modification time.")
		return
	}
	// RFC 3659 Section 2.3: time values are always represented in UTC.
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}

func (s *session) handleFEAT(_ string) {
	s.replyLines(211, "Features:", []string{
		"SIZE",
		"MDTM",
		"PASV",
		"EPSV",
		"EPRT",
		"UTF8",
		"REST STREAM",
	}, "End")
}

func (s *session) handleOPTS(arg string) {
	if strings.HasPrefix(strings.ToUpper(arg), "UTF8 ON") {
		s.reply(200, "Always in UTF8 mode.")
		return
	}
	s.reply(501, "Option not understood.")
}

// handleSYST returns the system type based on runtime.GOOS.
func (s *session) handleSYST(_ string) {
	var systType string
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		systType = "UNIX Type: L8"
	case "windows":
		systType = "Windows_NT"
	default:
		systType = "UNKNOWN Type: L8"
	}
	s.reply(215, systType)
}

// handleSTAT reports connection status. It is exempt from the busy gate,
// so a client can poll it during a running transfer.
func (s *session) handleSTAT(arg string) {
	if arg != "" {
		s.reply(502, "STAT with path not implemented. Use LIST instead.")
		return
	}

	s.mu.Lock()
	state := s.state
	user := s.user
	op := s.transferOp
	hasData := s.data != nil
	s.mu.Unlock()

	var lines []string
	if state == stateUnauthenticated {
		lines = append(lines, "Not logged in")
	} else {
		lines = append(lines, "Logged in as: "+user)
	}
	lines = append(lines, "TYPE: Image; STRUcture: File; transfer MODE: Stream")
	if state == stateTransferring {
		lines = append(lines, "Transfer in progress: "+op)
	} else if hasData {
		lines = append(lines, "Data connection negotiated")
	}

	s.replyLines(211, "Status:", lines, "End of status")
}

// handleHELP returns the list of supported commands.
func (s *session) handleHELP(arg string) {
	if arg != "" {
		s.reply(214, fmt.Sprintf("No help available for %s.", arg))
		return
	}

	s.replyLines(214, "The following commands are supported:", []string{
		"USER PASS QUIT NOOP",
		"CWD CDUP PWD MKD RMD",
		"LIST NLST RETR STOR APPE DELE",
		"RNFR RNTO REST ABOR",
		"TYPE PORT PASV EPSV EPRT",
		"SIZE MDTM FEAT OPTS",
		"SYST STAT HELP",
	}, "End of help")
}

// replyLines sends a multi-line reply "code-header ... code footer" as one
// atomic write, so a transfer-goroutine reply cannot interleave with it.
func (s *session) replyLines(code int, header string, lines []string, footer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return
	}
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, header)
	for _, line := range lines {
		fmt.Fprintf(s.writer, " %s\r\n", line)
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, footer)
	s.writer.Flush()
}
