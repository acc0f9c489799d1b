// Package ratelimit implements token-bucket bandwidth budgets for data
// transfers.
//
// A Limiter refills continuously at the configured rate up to a burst equal
// to one second of traffic. Readers and writers wrapped around a transfer
// consume tokens before moving bytes, so chaining a per-connection wrapper
// with a global wrapper applies whichever budget is stricter.
package ratelimit

import (
	"io"
	"sync"
	"time"
)

// Limiter is a token-bucket byte budget. A nil *Limiter is valid and means
// unlimited; all methods are nil-safe.
type Limiter struct {
	mu     sync.Mutex
	rate   float64 // tokens (bytes) added per second
	burst  float64 // bucket capacity
	tokens float64
	last   time.Time

	now func() time.Time // test hook
}

// New returns a limiter refilling at bytesPerSecond, or nil (unlimited) if
// bytesPerSecond is not positive.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	r := float64(bytesPerSecond)
	return &Limiter{
		rate:   r,
		burst:  r,
		tokens: r,
		last:   time.Now(),
		now:    time.Now,
	}
}

// Rate returns the configured refill rate in bytes per second.
// A nil limiter reports 0 (unlimited).
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.rate)
}

// refill credits tokens for the time elapsed since the last update.
// Callers must hold l.mu.
func (l *Limiter) refill() {
	now := l.now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now
}

// take consumes n tokens, sleeping until enough have accumulated. The wait
// is capped at one second per call so a huge request cannot stall a transfer
// goroutine indefinitely between cancellation checks.
func (l *Limiter) take(n int) {
	if l == nil || n <= 0 {
		return
	}

	need := float64(n)

	l.mu.Lock()
	l.refill()
	if l.tokens >= need {
		l.tokens -= need
		l.mu.Unlock()
		return
	}
	short := need - l.tokens
	wait := time.Duration(short / l.rate * float64(time.Second))
	if wait > time.Second {
		wait = time.Second
	}
	l.mu.Unlock()

	time.Sleep(wait)

	l.mu.Lock()
	l.refill()
	if l.tokens >= need {
		l.tokens -= need
	} else {
		// Capped wait: drain what is there and let the next take pay the rest.
		l.tokens = 0
	}
	l.mu.Unlock()
}

// reader limits the pace of reads from an underlying reader.
type reader struct {
	r io.Reader
	l *Limiter
}

// NewReader wraps r so reads never exceed the limiter's budget.
// With a nil limiter the original reader is returned unchanged.
func NewReader(r io.Reader, l *Limiter) io.Reader {
	if l == nil {
		return r
	}
	return &reader{r: r, l: l}
}

// readChunk keeps individual token grabs small so the observed rate stays
// close to the configured one instead of moving in large bursts.
const readChunk = 8 * 1024

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := len(p)
	if n > readChunk {
		n = readChunk
	}
	r.l.take(n)
	return r.r.Read(p[:n])
}

// writer limits the pace of writes to an underlying writer.
type writer struct {
	w io.Writer
	l *Limiter
}

// NewWriter wraps w so writes never exceed the limiter's budget.
// With a nil limiter the original writer is returned unchanged.
func NewWriter(w io.Writer, l *Limiter) io.Writer {
	if l == nil {
		return w
	}
	return &writer{w: w, l: l}
}

const writeChunk = 64 * 1024

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := len(p) - written
		if n > writeChunk {
			n = writeChunk
		}
		w.l.take(n)
		m, err := w.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
