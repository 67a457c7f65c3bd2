package squeue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewRejectsZeroHorizon(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestAddPeekPopOrdering(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	q, err := New(30)
	require.NoError(t, err)
	q.now = fixedClock(base)

	q.Add(base.Add(3*time.Second), "third")
	q.Add(base.Add(1*time.Second), "first")
	q.Add(base.Add(2*time.Second), "second")

	require.Equal(t, uint(3), q.NumEvents())

	got := q.Pop()
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Data)
	assert.Equal(t, uint(2), q.NumEvents())

	got = q.Pop()
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Data)

	got = q.Pop()
	require.NotNil(t, got)
	assert.Equal(t, "third", got.Data)

	assert.Nil(t, q.Pop())
	assert.Equal(t, uint(0), q.NumEvents())
}

func TestPastEventsClampToNow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	q, err := New(30)
	require.NoError(t, err)
	q.now = fixedClock(base)

	evt := q.Add(base.Add(-10*time.Second), "stale")
	assert.False(t, evt.When.Before(base))

	got := q.Peek()
	require.NotNil(t, got)
	assert.Equal(t, "stale", got.Data)
}

func TestRemove(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	q, err := New(30)
	require.NoError(t, err)
	q.now = fixedClock(base)

	a := q.Add(base.Add(1*time.Second), "a")
	b := q.Add(base.Add(2*time.Second), "b")
	c := q.Add(base.Add(3*time.Second), "c")

	require.NoError(t, q.Remove(b))
	assert.Equal(t, uint(2), q.NumEvents())

	got := q.Pop()
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Data)
	got = q.Pop()
	require.NotNil(t, got)
	assert.Equal(t, "c", got.Data)

	_ = a
	_ = c
}

func TestRemoveOnEmptyQueueErrors(t *testing.T) {
	q, err := New(10)
	require.NoError(t, err)
	assert.Error(t, q.Remove(&Event{}))
}

func TestLaterListPromotesAsClockAdvances(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	q, err := New(5)
	require.NoError(t, err)

	cur := base
	q.now = func() time.Time { return cur }

	// scheduled 20s out with a 5-bucket horizon: lands in "later".
	farEvt := q.Add(base.Add(20*time.Second), "far")
	require.True(t, farEvt.inLater)
	assert.Equal(t, uint(1), q.runsLater)

	nearEvt := q.Add(base.Add(2*time.Second), "near")
	assert.False(t, nearEvt.inLater)

	got := q.Pop()
	require.NotNil(t, got)
	assert.Equal(t, "near", got.Data)

	// advance the clock so "far" now falls inside the horizon and
	// should promote out of later on the next Peek.
	cur = base.Add(17 * time.Second)

	got = q.Pop()
	require.NotNil(t, got)
	assert.Equal(t, "far", got.Data)
	assert.Equal(t, uint(0), q.runsLater)
}

func TestRemoveFromLaterListDoesNotCorruptCurrent(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	q, err := New(5)
	require.NoError(t, err)
	q.now = fixedClock(base)

	far := q.Add(base.Add(100*time.Second), "far")
	require.True(t, far.inLater)

	require.NoError(t, q.Remove(far))
	assert.Equal(t, uint(0), q.NumEvents())
	assert.Equal(t, uint(0), q.runsLater)
	assert.Nil(t, q.Peek())
}

func TestNextWakeup(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	q, err := New(30)
	require.NoError(t, err)
	q.now = fixedClock(base)

	_, ok := q.NextWakeup()
	assert.False(t, ok)

	q.Add(base.Add(5*time.Second), "x")
	d, ok := q.NextWakeup()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}
