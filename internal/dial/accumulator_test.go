package dial

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func dialDigit(t *testing.T, a *Accumulator, at time.Time, pulses int) time.Time {
	t.Helper()
	_, err := a.Boundary(at)
	require.NoError(t, err)
	for i := 0; i < pulses; i++ {
		at = at.Add(100 * time.Millisecond)
		a.Pulse(at)
	}
	at = at.Add(100 * time.Millisecond)
	_, err = a.Boundary(at)
	require.NoError(t, err)
	return at.Add(500 * time.Millisecond)
}

func TestAccumulatorPulsesToDigit(t *testing.T) {
	for n := 0; n <= 10; n++ {
		a := NewAccumulator(0)
		dialDigit(t, a, t0, n)
		want := string(rune('0' + n%10))
		assert.Equal(t, want, a.Take(), "%d pulses", n)
	}
}

func TestAccumulatorSequence(t *testing.T) {
	a := NewAccumulator(0)
	at := t0
	for _, n := range []int{1, 2, 3, 10, 5} {
		at = dialDigit(t, a, at, n)
	}
	assert.Equal(t, "12305", a.Take())
	assert.Equal(t, "", a.Take(), "Take clears the buffer")
}

func TestAccumulatorBoundaryResult(t *testing.T) {
	a := NewAccumulator(0)

	res, err := a.Boundary(t0)
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.Zero(t, res.Committed)

	a.Pulse(t0.Add(time.Second))
	a.Pulse(t0.Add(2 * time.Second))

	res, err = a.Boundary(t0.Add(3 * time.Second))
	require.NoError(t, err)
	assert.False(t, res.Started)
	assert.Equal(t, byte('2'), res.Committed)
}

func TestAccumulatorPulseWhileIdleIgnored(t *testing.T) {
	a := NewAccumulator(0)
	assert.False(t, a.Pulse(t0))
	assert.False(t, a.Pulse(t0))

	p := a.Pending()
	assert.False(t, p.Reading)
	assert.Zero(t, p.Digits)
	assert.True(t, p.LastActivity.IsZero())
}

func TestAccumulatorStuckDigitRecovery(t *testing.T) {
	a := NewAccumulator(0)

	_, err := a.Boundary(t0)
	require.NoError(t, err)
	a.Pulse(t0.Add(100 * time.Millisecond))

	// Closing boundary lost; next boundary arrives after the timeout.
	late := t0.Add(StuckTimeout + time.Millisecond)
	res, err := a.Boundary(late)
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.True(t, res.Started)
	assert.Zero(t, res.Committed)

	// The new digit works normally.
	for i := 0; i < 4; i++ {
		a.Pulse(late.Add(time.Duration(i+1) * 100 * time.Millisecond))
	}
	res, err = a.Boundary(late.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, byte('4'), res.Committed)
	assert.Equal(t, "4", a.Take())
}

func TestAccumulatorExactlyAtTimeoutCommits(t *testing.T) {
	a := NewAccumulator(0)
	_, err := a.Boundary(t0)
	require.NoError(t, err)
	a.Pulse(t0.Add(time.Second))

	res, err := a.Boundary(t0.Add(StuckTimeout))
	require.NoError(t, err)
	assert.False(t, res.Recovered)
	assert.Equal(t, byte('1'), res.Committed)
}

func TestAccumulatorBufferFull(t *testing.T) {
	a := NewAccumulator(3)
	at := t0
	for i := 0; i < 3; i++ {
		at = dialDigit(t, a, at, 7)
	}

	_, err := a.Boundary(at)
	require.NoError(t, err)
	a.Pulse(at.Add(100 * time.Millisecond))
	_, err = a.Boundary(at.Add(200 * time.Millisecond))
	assert.ErrorIs(t, err, ErrURIBufferFull)

	p := a.Pending()
	assert.Equal(t, 3, p.Digits)
	assert.False(t, p.Reading)
	assert.Equal(t, "777", a.Take())
}

func TestAccumulatorDefaultCapacity(t *testing.T) {
	a := NewAccumulator(0)
	at := t0
	for i := 0; i < MaxURILength; i++ {
		_, err := a.Boundary(at)
		require.NoError(t, err)
		a.Pulse(at.Add(time.Millisecond))
		_, err = a.Boundary(at.Add(2 * time.Millisecond))
		require.NoError(t, err)
		at = at.Add(10 * time.Millisecond)
	}
	_, err := a.Boundary(at)
	require.NoError(t, err)
	_, err = a.Boundary(at.Add(time.Millisecond))
	assert.ErrorIs(t, err, ErrURIBufferFull)
	assert.Equal(t, strings.Repeat("1", MaxURILength), a.Take())
}

func TestAccumulatorPendingAndReset(t *testing.T) {
	a := NewAccumulator(0)
	at := dialDigit(t, a, t0, 9)

	_, err := a.Boundary(at)
	require.NoError(t, err)
	a.Pulse(at.Add(100 * time.Millisecond))

	p := a.Pending()
	assert.Equal(t, 1, p.Digits)
	assert.True(t, p.Reading)
	assert.Equal(t, at.Add(100*time.Millisecond), p.LastActivity)

	a.Reset()
	p = a.Pending()
	assert.Zero(t, p.Digits)
	assert.False(t, p.Reading)
	assert.Equal(t, "", a.Take())
}
