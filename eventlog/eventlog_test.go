package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *Log {
	var tick uint64
	return New(func() uint64 {
		tick++
		return 1000 + tick
	})
}

func TestAppendSequences(t *testing.T) {
	l := testLog()

	for i := range 5 {
		ev := l.Append("default", "tick", i)
		assert.Equal(t, uint64(i), ev.Sequence, "sequences are gapless from 0")
	}
	assert.Equal(t, 5, l.Len("default", 0))
	assert.Equal(t, 5, l.Size())

	// Spaces share the branch sequence space.
	ev := l.Append("other", "tick", nil)
	assert.Equal(t, uint64(5), ev.Sequence)
	assert.Equal(t, 1, l.Len("other", 0))
	assert.Equal(t, 5, l.Len("default", 0))
}

func TestGetAsOf(t *testing.T) {
	l := testLog()

	ev0 := l.Append("default", "a", "p0")
	ev1 := l.Append("default", "b", "p1")

	got, ok := l.Get(0, 0)
	require.True(t, ok)
	assert.Equal(t, "p0", got.Payload)

	// An event does not exist before its creation time, even though the slot
	// is reserved.
	_, ok = l.Get(1, ev0.Timestamp)
	assert.False(t, ok)

	got, ok = l.Get(1, ev1.Timestamp)
	require.True(t, ok)
	assert.Equal(t, "b", got.Type)

	_, ok = l.Get(99, 0)
	assert.False(t, ok)
}

func TestListByType(t *testing.T) {
	l := testLog()

	l.Append("default", "alpha", 1)
	beta := l.Append("default", "beta", 2)
	l.Append("default", "alpha", 3)
	l.Append("other", "alpha", 4)

	got := l.ListByType("default", "alpha", 0)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Payload)
	assert.Equal(t, uint64(0), got[0].Sequence)
	assert.Equal(t, uint64(2), got[1].Sequence)

	// Exact type match only.
	assert.Empty(t, l.ListByType("default", "alph", 0))

	// As-of cuts off the later append.
	got = l.ListByType("default", "alpha", beta.Timestamp)
	assert.Len(t, got, 1)
}

func TestPage(t *testing.T) {
	l := testLog()

	for i := range 7 {
		l.Append("default", "e", i)
	}

	page1, cursor := l.Page("default", 0, 3, 0)
	require.Len(t, page1, 3)
	assert.Equal(t, uint64(0), page1[0].Sequence)
	assert.Equal(t, uint64(3), cursor)

	page2, cursor := l.Page("default", 0, 3, cursor)
	require.Len(t, page2, 3)
	assert.Equal(t, uint64(3), page2[0].Sequence)

	page3, cursor := l.Page("default", 0, 3, cursor)
	require.Len(t, page3, 1)
	assert.Equal(t, uint64(6), page3[0].Sequence)

	empty, _ := l.Page("default", 0, 3, cursor)
	assert.Empty(t, empty)
}

func TestApplyReplay(t *testing.T) {
	l := testLog()
	l.Append("default", "a", nil)

	replayed := New(func() uint64 { return 0 })
	l.Range(func(ev Event) bool {
		replayed.Apply(ev)
		return true
	})

	got, ok := replayed.Get(0, 0)
	require.True(t, ok)
	assert.Equal(t, "a", got.Type)

	// Out-of-order apply is refused.
	replayed.Apply(Event{Sequence: 5})
	assert.Equal(t, 1, replayed.Size())
}

func TestFork(t *testing.T) {
	l := testLog()
	l.Append("default", "a", nil)

	forked := l.Fork(func() uint64 { return 9999 })
	forked.Append("default", "b", nil)

	assert.Equal(t, 1, l.Size())
	assert.Equal(t, 2, forked.Size())
}
