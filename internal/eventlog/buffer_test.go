package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	b := New[string](3)
	e1 := b.Append("a")
	e2 := b.Append("b")
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, 3, b.Cap())
}

func TestEvictsOldestFirst(t *testing.T) {
	b := New[int](200)
	for i := 1; i <= 205; i++ {
		b.Append(i)
	}
	require.Equal(t, 200, b.Size())

	all := b.Chronological()
	require.Len(t, all, 200)
	for i, e := range all {
		assert.Equal(t, i+6, e.Value, "retained window must be the 200 most recent in order")
	}

	latest := b.Latest(200)
	require.Len(t, latest, 200)
	assert.Equal(t, 205, latest[0].Value)
	assert.Equal(t, 6, latest[199].Value)
	assert.Equal(t, uint64(205), b.LastSeq())
}

func TestLatestIsNonMutating(t *testing.T) {
	b := New[int](5)
	for i := 0; i < 7; i++ {
		b.Append(i)
	}
	first := b.Latest(3)
	second := b.Latest(3)
	assert.Equal(t, first, second)
	assert.Equal(t, 5, b.Size())
	assert.Equal(t, []int{6, 5, 4}, values(first))
}

func TestLatestBounds(t *testing.T) {
	b := New[int](4)
	assert.Empty(t, b.Latest(10))
	b.Append(1)
	b.Append(2)
	assert.Equal(t, []int{2, 1}, values(b.Latest(10)))
	assert.Empty(t, b.Latest(0))
	assert.Empty(t, b.Latest(-1))
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New[int](0).Cap())
}

func TestIndependentBuffers(t *testing.T) {
	events := New[string](2)
	statuses := New[string](2)
	events.Append("e1")
	events.Append("e2")
	events.Append("e3")
	statuses.Append("s1")
	assert.Equal(t, 2, events.Size())
	assert.Equal(t, 1, statuses.Size())
	assert.Equal(t, uint64(1), statuses.Latest(1)[0].Seq)
}

func TestClock(t *testing.T) {
	b := New[int](1)
	b.now = func() time.Time { return time.Date(2025, 1, 2, 13, 4, 5, 0, time.Local) }
	e := b.Append(1)
	assert.Equal(t, "13:04:05", e.Clock())
}

func values(es []Entry[int]) []int {
	out := make([]int, len(es))
	for i, e := range es {
		out[i] = e.Value
	}
	return out
}
