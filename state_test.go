package strata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSetGet(t *testing.T) {
	e := newTestEngine(t)

	v1, err := e.StateSet("config", map[string]any{"mode": "a"})
	require.NoError(t, err)
	assert.NotZero(t, v1)

	got, ok, err := e.StateGet("config")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"mode": "a"}, got)

	ver, err := e.StateVersion("config")
	require.NoError(t, err)
	assert.Equal(t, v1, ver)

	// Missing cells read as absent with version 0.
	_, ok, err = e.StateGet("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ver, err = e.StateVersion("missing")
	require.NoError(t, err)
	assert.Zero(t, ver)
}

func TestCAS(t *testing.T) {
	e := newTestEngine(t)

	// Expected 0 on a missing cell creates it.
	v1, ok, err := e.CAS("counter", 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, v1)

	v2, ok, err := e.CAS("counter", 2, v1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, v2, v1)

	// A stale expected version fails quietly without touching the cell.
	ver, ok, err := e.CAS("counter", 99, v1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, ver)

	got, found, err := e.StateGet("counter")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(2), got)

	cur, err := e.StateVersion("counter")
	require.NoError(t, err)
	assert.Equal(t, v2, cur)
}

func TestStateInit(t *testing.T) {
	e := newTestEngine(t)

	v1, wrote, err := e.StateInit("flag", true)
	require.NoError(t, err)
	assert.True(t, wrote)

	v2, wrote, err := e.StateInit("flag", false)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, v1, v2)

	got, ok, err := e.StateGet("flag")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, got)
}
