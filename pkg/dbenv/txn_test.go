package dbenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnAbortUndoesUncommittedPut(t *testing.T) {
	e := openTestEnv(t)
	defer e.Close()

	db, err := e.DBOpen("widgets", true)
	require.NoError(t, err)
	require.NoError(t, db.Put(0, []byte("before"), []byte("seed")))

	txn, err := e.TxnBegin(0)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn.ID, []byte("scratch"), []byte("temp")))

	e.mu.Lock()
	recorded := len(e.txnRecords[txn.ID])
	e.mu.Unlock()
	require.Greater(t, recorded, 0)

	require.NoError(t, e.TxnAbort(txn))

	e.mu.Lock()
	_, stillTracked := e.txnRecords[txn.ID]
	e.mu.Unlock()
	assert.False(t, stillTracked)

	_, err = db.Get([]byte("before"))
	require.NoError(t, err)

	_, err = db.Get([]byte("scratch"))
	assert.Error(t, err)
}

func TestTxnCommitClearsRecords(t *testing.T) {
	e := openTestEnv(t)
	defer e.Close()

	db, err := e.DBOpen("widgets", true)
	require.NoError(t, err)

	txn, err := e.TxnBegin(0)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn.ID, []byte("k"), []byte("v")))
	require.NoError(t, e.TxnCommit(txn))

	e.mu.Lock()
	_, tracked := e.txnRecords[txn.ID]
	e.mu.Unlock()
	assert.False(t, tracked)

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestTxnNestedBeginRequiresKnownParent(t *testing.T) {
	e := openTestEnv(t)
	defer e.Close()

	_, err := e.TxnBegin(9999)
	assert.Error(t, err)
}

func TestTxnCheckpointSyncsCache(t *testing.T) {
	e := openTestEnv(t)
	defer e.Close()

	_, err := e.DBOpen("widgets", true)
	require.NoError(t, err)
	require.NoError(t, e.TxnCheckpoint())
}
