package throttle

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	assert.Nil(t, New(0, time.Second))
	assert.Nil(t, New(5, 0))
	assert.Nil(t, New(-1, -time.Second))
	assert.NotNil(t, New(1, time.Second))
}

func TestNilThrottleAdmitsEverything(t *testing.T) {
	var th *Throttle
	for i := 0; i < 100; i++ {
		assert.True(t, th.Allow("10.0.0.1"))
	}
	th.Forget("10.0.0.1")
	assert.Equal(t, 0, th.Sources())
}

func TestCeilingWithinWindow(t *testing.T) {
	th := New(3, 10*time.Second)
	require.NotNil(t, th)

	now := time.Unix(1000, 0)
	th.now = func() time.Time { return now }

	// Exactly ceiling attempts pass, the rest are rejected.
	for i := 0; i < 3; i++ {
		assert.True(t, th.Allow("192.0.2.1"), "attempt %d should pass", i+1)
	}
	for i := 0; i < 5; i++ {
		assert.False(t, th.Allow("192.0.2.1"))
	}

	// A different source is unaffected.
	assert.True(t, th.Allow("192.0.2.2"))
}

func TestWindowSlides(t *testing.T) {
	th := New(2, 10*time.Second)
	require.NotNil(t, th)

	now := time.Unix(1000, 0)
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("h"))
	assert.True(t, th.Allow("h"))
	assert.False(t, th.Allow("h"))

	// Just before expiry the source is still blocked.
	now = now.Add(9 * time.Second)
	assert.False(t, th.Allow("h"))

	// Once the window has passed the source is admitted again.
	now = now.Add(2 * time.Second)
	assert.True(t, th.Allow("h"))
}

func TestRejectionsAreNotRecorded(t *testing.T) {
	th := New(1, 10*time.Second)
	require.NotNil(t, th)

	now := time.Unix(1000, 0)
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("h"))

	// A burst of rejected attempts must not extend the lockout.
	for i := 0; i < 50; i++ {
		now = now.Add(100 * time.Millisecond)
		assert.False(t, th.Allow("h"))
	}

	// 10s after the single accepted attempt the source is clean again.
	now = time.Unix(1011, 0)
	assert.True(t, th.Allow("h"))
}

func TestEvictionDropsIdleSources(t *testing.T) {
	th := New(4, time.Second)
	require.NotNil(t, th)

	now := time.Unix(0, 0)
	th.now = func() time.Time { return now }

	for i := 0; i < 32; i++ {
		th.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Equal(t, 32, th.Sources())

	th.Forget("10.0.0.0")
	assert.Equal(t, 31, th.Sources())
}

func TestSweepBoundsTrackedSources(t *testing.T) {
	th := New(4, time.Second)
	require.NotNil(t, th)

	now := time.Unix(0, 0)
	th.now = func() time.Time { return now }

	for i := 0; i < 32; i++ {
		th.Allow(fmt.Sprintf("10.0.0.%d", i))
	}

	// Inside the window nothing is stale yet.
	th.Sweep()
	assert.Equal(t, 32, th.Sources())

	// One source stays active past the others' expiry.
	now = now.Add(900 * time.Millisecond)
	th.Allow("10.0.0.7")
	now = now.Add(200 * time.Millisecond)

	th.Sweep()
	assert.Equal(t, 1, th.Sources())

	// And once it too ages out the map empties completely.
	now = now.Add(time.Second)
	th.Sweep()
	assert.Equal(t, 0, th.Sources())

	var nilTh *Throttle
	nilTh.Sweep()
	assert.Equal(t, time.Duration(0), nilTh.Window())
	assert.Equal(t, time.Second, th.Window())
}
