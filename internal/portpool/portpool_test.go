package portpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name      string
		low, high int
		wantErr   bool
	}{
		{"valid range", 30000, 30100, false},
		{"single port", 30000, 30000, false},
		{"inverted range", 30100, 30000, true},
		{"zero low", 0, 100, true},
		{"high above 65535", 65000, 70000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.low, tt.high)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			low, high := p.Range()
			assert.Equal(t, tt.low, low)
			assert.Equal(t, tt.high, high)
		})
	}
}

func TestAcquireReleaseInvariants(t *testing.T) {
	p, err := New(40000, 40004)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := p.Acquire()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 40000)
		assert.LessOrEqual(t, port, 40004)
		assert.False(t, seen[port], "port %d leased twice", port)
		seen[port] = true
	}
	assert.Equal(t, 5, p.Leased())

	// Exhausted pool refuses further leases.
	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)

	// Every leased port can be returned, draining the pool.
	for port := range seen {
		p.Release(port)
	}
	assert.Equal(t, 0, p.Leased())

	// And the pool is usable again.
	port, err := p.Acquire()
	require.NoError(t, err)
	p.Release(port)
}

func TestReleaseIdempotent(t *testing.T) {
	p, err := New(40000, 40001)
	require.NoError(t, err)

	port, err := p.Acquire()
	require.NoError(t, err)

	p.Release(port)
	p.Release(port) // double release is a no-op
	p.Release(39999) // out of range is a no-op
	p.Release(40001) // never leased is a no-op
	assert.Equal(t, 0, p.Leased())

	// Both ports still individually leasable.
	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNextFitSpreadsPorts(t *testing.T) {
	p, err := New(40000, 40003)
	require.NoError(t, err)

	// Lease and release repeatedly: next-fit should walk the range instead
	// of handing the same port back every time.
	first, err := p.Acquire()
	require.NoError(t, err)
	p.Release(first)

	second, err := p.Acquire()
	require.NoError(t, err)
	p.Release(second)

	assert.NotEqual(t, first, second)
}

func TestConcurrentAcquire(t *testing.T) {
	p, err := New(41000, 41063)
	require.NoError(t, err)

	var mu sync.Mutex
	got := make(map[int]int)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := p.Acquire()
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			got[port]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, got, 64, "64 goroutines must receive 64 distinct ports")
	for port, n := range got {
		assert.Equal(t, 1, n, "port %d leased %d times", port, n)
	}
}
