// Package portpool leases TCP ports for passive-mode data connections out of
// a fixed configured range.
//
// The pool is a bitmap over the inclusive range [low, high]: a port is either
// free or leased, a port can be leased by at most one owner at a time, and
// releasing is idempotent. Allocation is next-fit, starting after the most
// recently leased port, so consecutive transfers spread across the range the
// way round-robin passive listeners usually do.
package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Acquire when every port in the range is leased.
var ErrExhausted = errors.New("portpool: no free ports in range")

// Pool hands out ports from [low, high]. The zero value is not usable; use New.
type Pool struct {
	mu     sync.Mutex
	low    int
	high   int
	leased []uint64 // bitmap, bit i = port low+i
	count  int      // number of leased ports
	next   int      // next-fit scan start, offset from low
}

// New creates a pool over the inclusive port range [low, high].
func New(low, high int) (*Pool, error) {
	if low < 1 || high > 65535 || low > high {
		return nil, fmt.Errorf("portpool: invalid range [%d, %d]", low, high)
	}
	size := high - low + 1
	return &Pool{
		low:    low,
		high:   high,
		leased: make([]uint64, (size+63)/64),
	}, nil
}

// Range returns the configured inclusive port range.
func (p *Pool) Range() (low, high int) {
	return p.low, p.high
}

// Leased returns the number of currently leased ports.
func (p *Pool) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Pool) bit(off int) (idx int, mask uint64) {
	return off / 64, 1 << uint(off%64)
}

// Acquire leases a free port. The caller owns the port until it calls
// Release; binding the port is the caller's problem, and a failed bind
// should be followed by Release so the port returns to the pool.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.high - p.low + 1
	for i := 0; i < size; i++ {
		off := (p.next + i) % size
		idx, mask := p.bit(off)
		if p.leased[idx]&mask == 0 {
			p.leased[idx] |= mask
			p.count++
			p.next = (off + 1) % size
			return p.low + off, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Ports outside the range and ports that
// are not currently leased are ignored, so double-release during teardown is
// harmless.
func (p *Pool) Release(port int) {
	if port < p.low || port > p.high {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, mask := p.bit(port - p.low)
	if p.leased[idx]&mask != 0 {
		p.leased[idx] &^= mask
		p.count--
	}
}
