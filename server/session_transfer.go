package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ftpd/internal/ratelimit"
)

// transferBufSize is the chunk size for data-channel copies. Each chunk
// passes through the rate limiters and checks for cancellation, so it
// bounds both shaping granularity and abort latency.
const transferBufSize = 32 * 1024

func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(arg) {
	case "I", "L8":
		s.transferType = "I"
		s.reply(200, "Type set to I.")
	case "A":
		// Accepted for client compatibility; transfers stay byte-exact.
		s.transferType = "A"
		s.reply(200, "Type set to A.")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid restart position.")
		return
	}

	s.mu.Lock()
	s.restartOffset = offset
	s.mu.Unlock()
	s.reply(350, fmt.Sprintf("Restarting at %d. Send STORE or RETRIEVE.", offset))
}

// takeRestartOffset consumes the pending REST offset. The offset applies
// to exactly one following transfer, applied or not.
func (s *session) takeRestartOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.restartOffset
	s.restartOffset = 0
	return offset
}

func (s *session) handleRETR(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	offset := s.takeRestartOffset()

	info, err := s.fs.GetFileInfo(arg)
	if err != nil {
		s.closeData()
		s.replyError(err)
		return
	}
	if info.IsDir() {
		s.closeData()
		s.reply(550, "Not a plain file.")
		return
	}
	if offset > info.Size() {
		s.closeData()
		s.reply(554, "Invalid restart position.")
		return
	}

	file, err := s.fs.OpenFile(arg, os.O_RDONLY)
	if err != nil {
		s.closeData()
		s.replyError(err)
		return
	}
	if offset > 0 {
		if err := seekTo(file, offset); err != nil {
			file.Close()
			s.closeData()
			s.reply(554, "Invalid restart position.")
			return
		}
	}

	dataConn, err := s.openData()
	if err != nil {
		file.Close()
		s.reply(425, "Can't open data connection.")
		return
	}

	s.reply(150, fmt.Sprintf("Opening data connection for %s.", arg))
	s.startTransfer("RETR", file, dataConn, true, offset)
}

func (s *session) handleSTOR(arg string) { s.storeFile("STOR", arg) }
func (s *session) handleAPPE(arg string) { s.storeFile("APPE", arg) }

func (s *session) storeFile(op, arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	offset := s.takeRestartOffset()

	flag := os.O_WRONLY | os.O_CREATE
	switch {
	case op == "APPE":
		// APPE always writes at the end; a pending REST does not apply.
		flag |= os.O_APPEND
		offset = 0
	case offset == 0:
		flag |= os.O_TRUNC
	default:
		// Resuming an upload: the target must exist and the offset must
		// fall within it, otherwise the restart position is bogus.
		info, err := s.fs.GetFileInfo(arg)
		if err != nil || offset > info.Size() {
			s.closeData()
			s.reply(554, "Invalid restart position.")
			return
		}
	}

	file, err := s.fs.OpenFile(arg, flag)
	if err != nil {
		s.closeData()
		s.replyError(err)
		return
	}
	if offset > 0 {
		if err := seekTo(file, offset); err != nil {
			file.Close()
			s.closeData()
			s.reply(554, "Invalid restart position.")
			return
		}
	}

	dataConn, err := s.openData()
	if err != nil {
		file.Close()
		s.reply(425, "Can't open data connection.")
		return
	}

	s.reply(150, "Ok to send data.")
	s.startTransfer(op, file, dataConn, false, offset)
}

func seekTo(f io.ReadWriteCloser, offset int64) error {
	seeker, ok := f.(io.Seeker)
	if !ok {
		return errors.New("file is not seekable")
	}
	_, err := seeker.Seek(offset, io.SeekStart)
	return err
}

// startTransfer moves the session to stateTransferring and runs the copy
// in the background so the control channel stays responsive to ABOR,
// STAT and QUIT. Exactly one completion reply (226 or 426) is sent from
// the transfer goroutine.
func (s *session) startTransfer(op string, file io.ReadWriteCloser, dataConn net.Conn, download bool, offset int64) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.state = stateTransferring
	s.transferOp = op
	s.dataConn = dataConn
	s.transferCancel = cancel
	s.mu.Unlock()

	if s.server.metrics != nil {
		if rate := s.connLimiter.Rate(); rate > 0 {
			s.server.metrics.RecordRateLimit("connection", rate)
		}
		if rate := s.server.globalLimiter.Rate(); rate > 0 {
			s.server.metrics.RecordRateLimit("global", rate)
		}
	}

	s.transferWG.Add(1)
	go func() {
		defer s.transferWG.Done()
		start := time.Now()

		var n int64
		var err error
		if download {
			// Both limiters wrap the destination; the stricter of the
			// two ends up pacing the copy.
			dst := ratelimit.NewWriter(dataConn, s.server.globalLimiter)
			dst = ratelimit.NewWriter(dst, s.connLimiter)
			n, err = copyWithContext(ctx, dst, file)
		} else {
			src := ratelimit.NewReader(dataConn, s.server.globalLimiter)
			src = ratelimit.NewReader(src, s.connLimiter)
			n, err = copyWithContext(ctx, file, src)
		}

		file.Close()
		dataConn.Close()
		s.finishTransfer(op, n, offset, time.Since(start), err)
	}()
}

// copyWithContext is io.Copy with a cancellation check between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, transferBufSize)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if w < n {
				return total, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// finishTransfer tears down transfer state, releases the data channel and
// its leased port, and sends the completion reply unless the session is
// already gone.
func (s *session) finishTransfer(op string, n, offset int64, elapsed time.Duration, err error) {
	s.mu.Lock()
	if s.transferCancel != nil {
		s.transferCancel()
		s.transferCancel = nil
	}
	s.dataConn = nil
	s.transferOp = ""
	if s.state == stateTransferring {
		s.state = stateIdle
	}
	s.closeDataLocked()
	closed := s.state == stateClosed
	s.mu.Unlock()

	success := err == nil
	if s.server.metrics != nil {
		s.server.metrics.RecordTransfer(op, n, elapsed, success)
	}

	log := s.log.WithFields(logrus.Fields{
		"op":       op,
		"bytes":    n,
		"offset":   offset,
		"duration": elapsed.Round(time.Millisecond),
	})
	if closed {
		log.Debug("transfer ended after session close")
		return
	}
	if success {
		log.Info("transfer complete")
		s.reply(226, fmt.Sprintf("Transfer complete, %d bytes.", n))
		return
	}
	log.WithError(err).Warn("transfer aborted")
	s.reply(426, "Transfer aborted or data connection failed.")
}
