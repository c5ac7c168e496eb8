package backofftable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ttl = 100 * time.Millisecond

func TestEmptyTableHasNothingReady(t *testing.T) {
	tb := New(ttl, time.Second)
	assert.False(t, tb.AnyReady())
	addrs, err := tb.Extract(context.Background(), 1, 0, true)
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestAddThenExtract(t *testing.T) {
	tb := New(ttl, time.Second)
	d, err := tb.Add("a")
	require.NoError(t, err)
	assert.Equal(t, ttl, d)
	assert.False(t, tb.AnyReady())

	time.Sleep(ttl + 20*time.Millisecond)
	assert.True(t, tb.AnyReady())
	addrs, err := tb.Extract(context.Background(), 1, time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, addrs)
	assert.False(t, tb.AnyReady())
}

func TestExtractWaitsForCooldown(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("a")
	require.NoError(t, err)

	start := time.Now()
	addrs, err := tb.Extract(context.Background(), 1, time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, addrs)
	assert.True(t, time.Since(start) >= ttl-10*time.Millisecond)
}

func TestExtractTimeout(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("a")
	require.NoError(t, err)

	_, err = tb.Extract(context.Background(), 2, 2*ttl, false)
	assert.Equal(t, ErrTimeout, err)

	// The address found before timing out is not lost.
	assert.True(t, tb.AnyReady())
	addrs, err := tb.Extract(context.Background(), 1, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, addrs)
}

func TestExtractBestEffortTimeout(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("a")
	require.NoError(t, err)

	addrs, err := tb.Extract(context.Background(), 1, ttl/2, true)
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestExtractNonBlockingPartial(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("a")
	require.NoError(t, err)
	_, err = tb.Add("b")
	require.NoError(t, err)
	time.Sleep(ttl / 2)
	_, err = tb.Add("c")
	require.NoError(t, err)
	time.Sleep(ttl/2 + 10*time.Millisecond)

	addrs, err := tb.Extract(context.Background(), 3, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, addrs)
}

func TestExponentialBackoff(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("A")
	require.NoError(t, err)
	time.Sleep(ttl + 10*time.Millisecond)
	addrs, err := tb.Extract(context.Background(), 1, time.Second, false)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, addrs)

	d, err := tb.Add("A")
	require.NoError(t, err)
	assert.Equal(t, 2*ttl, d)
}

func TestBackoffResetsAfterReleaseWindow(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("A")
	require.NoError(t, err)
	addrs, err := tb.Extract(context.Background(), 1, time.Second, false)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, addrs)

	time.Sleep(ttl + 20*time.Millisecond)
	d, err := tb.Add("A")
	require.NoError(t, err)
	assert.Equal(t, ttl, d)
}

func TestMaxTTL(t *testing.T) {
	tb := New(ttl, 3*ttl)
	expected := []time.Duration{ttl, 2 * ttl, 3 * ttl, 3 * ttl}
	for _, exp := range expected {
		d, err := tb.Add("A")
		require.NoError(t, err)
		assert.Equal(t, exp, d)
		_, err = tb.Extract(context.Background(), 1, 4*ttl, false)
		require.NoError(t, err)
	}
}

func TestAlreadyPresent(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("a")
	require.NoError(t, err)
	_, err = tb.Add("a")
	assert.Equal(t, ErrAlreadyPresent, err)

	time.Sleep(ttl + 10*time.Millisecond)
	// ready but not extracted yet
	_, err = tb.Add("a")
	assert.Equal(t, ErrAlreadyPresent, err)
	assert.Equal(t, 1, tb.Len())
}

func TestExtractWakesOnAdd(t *testing.T) {
	tb := New(ttl, time.Second)
	go func() {
		time.Sleep(ttl / 2)
		_, _ = tb.Add("late")
	}()
	addrs, err := tb.Extract(context.Background(), 1, 3*ttl, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, addrs)
}

func TestExtractContextCanceled(t *testing.T) {
	tb := New(ttl, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tb.Extract(ctx, 1, -1, false)
	assert.Equal(t, context.Canceled, err)
}

func TestRemove(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("a")
	require.NoError(t, err)
	tb.Remove("a")
	assert.Equal(t, 0, tb.Len())
	d, err := tb.Add("a")
	require.NoError(t, err)
	assert.Equal(t, ttl, d)
}

func TestExtractTimeoutAfterReleaseWindow(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("a")
	require.NoError(t, err)
	time.Sleep(ttl + 10*time.Millisecond)

	// The wait is longer than the release window of the address found first.
	var addrs []string
	assert.NotPanics(t, func() {
		addrs, err = tb.Extract(context.Background(), 2, 4*ttl, false)
	})
	assert.Equal(t, ErrTimeout, err)
	assert.Nil(t, addrs)

	assert.Equal(t, 1, tb.Len())
	addrs, err = tb.Extract(context.Background(), 1, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, addrs)
}

func TestAddWhileExtractIsWaiting(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("a")
	require.NoError(t, err)
	time.Sleep(ttl + 10*time.Millisecond)

	addC := make(chan error, 1)
	go func() {
		time.Sleep(ttl / 2)
		_, err := tb.Add("a")
		addC <- err
	}()
	_, err = tb.Extract(context.Background(), 2, 2*ttl, false)
	assert.Equal(t, ErrTimeout, err)
	assert.Equal(t, ErrAlreadyPresent, <-addC)

	// Put back as ready, not as cooling.
	assert.True(t, tb.AnyReady())
	addrs, err := tb.Extract(context.Background(), 1, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, addrs)
}

func TestRemoveWhileExtractIsWaiting(t *testing.T) {
	tb := New(ttl, time.Second)
	_, err := tb.Add("a")
	require.NoError(t, err)
	time.Sleep(ttl + 10*time.Millisecond)

	go func() {
		time.Sleep(ttl / 2)
		tb.Remove("a")
	}()
	_, err = tb.Extract(context.Background(), 2, 2*ttl, false)
	assert.Equal(t, ErrTimeout, err)
	assert.False(t, tb.AnyReady())
	assert.Equal(t, 0, tb.Len())
}
