package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator() *Coordinator {
	var ts uint64
	return NewCoordinator(func() uint64 {
		ts++
		return ts
	})
}

func TestBeginCommitLifecycle(t *testing.T) {
	c := newTestCoordinator()

	_, ok := c.Info()
	assert.False(t, ok)

	tx, err := c.Begin("default", "default", false)
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID())
	assert.False(t, tx.ReadOnly())

	info, ok := c.Info()
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
	assert.Equal(t, tx.ID(), info.ID)

	t.Run("second begin rejected", func(t *testing.T) {
		_, err := c.Begin("default", "default", false)
		var active *ErrTxnActive
		require.ErrorAs(t, err, &active)
	})

	done, err := c.Finish(StateCommitted)
	require.NoError(t, err)
	assert.Equal(t, tx.ID(), done.ID())

	info, ok = c.Info()
	require.True(t, ok)
	assert.Equal(t, StateCommitted, info.State)

	_, ok = c.Active()
	assert.False(t, ok)

	// A new transaction may begin after a terminal state.
	next, err := c.Begin("default", "default", false)
	require.NoError(t, err)
	assert.NotEqual(t, tx.ID(), next.ID())
}

func TestFinishWithoutBegin(t *testing.T) {
	c := newTestCoordinator()
	_, err := c.Finish(StateRolledBack)
	var noTxn *ErrNoTxn
	require.ErrorAs(t, err, &noTxn)
}

func TestStageKeepsFinalWritePerKey(t *testing.T) {
	c := newTestCoordinator()
	tx, err := c.Begin("default", "default", false)
	require.NoError(t, err)

	k := WriteKey{Primitive: "kv", Space: "default", Key: "user:1"}
	require.NoError(t, tx.Stage(Write{WriteKey: k, Op: OpPut, Value: "first"}))
	require.NoError(t, tx.Stage(Write{WriteKey: k, Op: OpPut, Value: "second"}))
	require.NoError(t, tx.Stage(Write{
		WriteKey: WriteKey{Primitive: "kv", Space: "default", Key: "user:2"},
		Op:       OpPut, Value: "other",
	}))

	writes := tx.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "user:1", writes[0].Key)
	assert.Equal(t, "second", writes[0].Value)
	assert.Equal(t, "user:2", writes[1].Key)

	t.Run("read your writes", func(t *testing.T) {
		w, ok := tx.Staged(k)
		require.True(t, ok)
		assert.Equal(t, "second", w.Value)

		_, ok = tx.Staged(WriteKey{Primitive: "kv", Space: "default", Key: "ghost"})
		assert.False(t, ok)
	})

	t.Run("delete then put keeps the put", func(t *testing.T) {
		require.NoError(t, tx.Stage(Write{WriteKey: k, Op: OpDelete}))
		require.NoError(t, tx.Stage(Write{WriteKey: k, Op: OpPut, Value: "revived"}))

		w, _ := tx.Staged(k)
		assert.Equal(t, OpPut, w.Op)
		assert.Equal(t, "revived", w.Value)
		assert.Len(t, tx.Writes(), 2)
	})
}

func TestStagedKeysFiltersByScope(t *testing.T) {
	c := newTestCoordinator()
	tx, err := c.Begin("default", "default", false)
	require.NoError(t, err)

	require.NoError(t, tx.Stage(Write{WriteKey: WriteKey{Primitive: "kv", Space: "default", Key: "b"}, Op: OpPut}))
	require.NoError(t, tx.Stage(Write{WriteKey: WriteKey{Primitive: "kv", Space: "default", Key: "a"}, Op: OpPut}))
	require.NoError(t, tx.Stage(Write{WriteKey: WriteKey{Primitive: "cell", Space: "default", Key: "c"}, Op: OpPut}))
	require.NoError(t, tx.Stage(Write{WriteKey: WriteKey{Primitive: "kv", Space: "other", Key: "d"}, Op: OpPut}))

	staged := tx.StagedKeys("kv", "default")
	require.Len(t, staged, 2)
	assert.Equal(t, "a", staged[0].Key)
	assert.Equal(t, "b", staged[1].Key)
}

func TestReadOnlyTxnRejectsWrites(t *testing.T) {
	c := newTestCoordinator()
	tx, err := c.Begin("default", "default", true)
	require.NoError(t, err)
	assert.True(t, tx.ReadOnly())

	err = tx.Stage(Write{WriteKey: WriteKey{Primitive: "kv", Space: "default", Key: "k"}, Op: OpPut})
	var readOnly *ErrTxnReadOnly
	require.ErrorAs(t, err, &readOnly)
}
