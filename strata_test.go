package strata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, optFns ...Option) *Engine {
	t.Helper()

	e, err := Cache(optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCacheLifecycle(t *testing.T) {
	e, err := Cache()
	require.NoError(t, err)

	assert.Equal(t, "default", e.CurrentBranch())
	assert.Equal(t, "default", e.CurrentSpace())

	_, err = e.Put("greeting", "hello")
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close()) // idempotent

	_, err = e.Put("greeting", "again")
	assert.Equal(t, KindState, KindOf(err))

	_, _, err = e.Get("greeting")
	assert.Equal(t, KindState, KindOf(err))
}

func TestUseSwitchesScope(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Put("k", "on-default")
	require.NoError(t, err)

	require.NoError(t, e.SpaceCreate("staging"))
	require.NoError(t, e.Use("default", "staging"))
	assert.Equal(t, "staging", e.CurrentSpace())

	_, ok, err := e.Get("k")
	require.NoError(t, err)
	assert.False(t, ok, "spaces isolate keys")

	_, err = e.Put("k", "on-staging")
	require.NoError(t, err)

	require.NoError(t, e.Use("default", ""))
	assert.Equal(t, "default", e.CurrentSpace())

	v, ok, err := e.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "on-default", v)

	err = e.Use("nope", "")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestTimeRange(t *testing.T) {
	e := newTestEngine(t)

	tr, err := e.TimeRange()
	require.NoError(t, err)
	assert.True(t, tr.Oldest.IsZero())
	assert.True(t, tr.Latest.IsZero())

	_, err = e.Put("a", 1)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = e.StateSet("cell", "x")
	require.NoError(t, err)

	tr, err = e.TimeRange()
	require.NoError(t, err)
	assert.False(t, tr.Oldest.IsZero())
	assert.True(t, tr.Latest.After(tr.Oldest))
}

func TestRetentionApply(t *testing.T) {
	t.Run("unbounded horizon is a no-op", func(t *testing.T) {
		e := newTestEngine(t)
		for i := 0; i < 5; i++ {
			_, err := e.Put("k", i)
			require.NoError(t, err)
		}
		n, err := e.RetentionApply()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("reclaims superseded versions past the horizon", func(t *testing.T) {
		e := newTestEngine(t, WithRetention(RetentionPolicy{
			KeepVersions: 1,
			Horizon:      time.Millisecond,
		}))

		for i := 0; i < 3; i++ {
			_, err := e.Put("k", i)
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
		}
		// Advance the clock past the horizon relative to the old versions.
		_, err := e.Put("other", "fresh")
		require.NoError(t, err)

		n, err := e.RetentionApply()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		v, ok, err := e.Get("k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, float64(2), v)

		hist, err := e.History("k")
		require.NoError(t, err)
		assert.Less(t, len(hist), 3)
	})
}
