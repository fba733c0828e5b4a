package dbenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T) *Env {
	dir := t.TempDir()
	e, err := Open(Config{DataDir: dir, LogDir: dir, PageSize: 4096})
	require.NoError(t, err)
	return e
}

func TestEnvOpenCloseDBPutGet(t *testing.T) {
	e := openTestEnv(t)
	defer e.Close()

	t.Run("put and get round-trip", func(t *testing.T) {
		db, err := e.DBOpen("widgets", true)
		require.NoError(t, err)

		require.NoError(t, db.Put(0, []byte("k1"), []byte("v1")))
		got, err := db.Get([]byte("k1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("missing key", func(t *testing.T) {
		db, err := e.DBOpen("widgets", true)
		require.NoError(t, err)
		_, err = db.Get([]byte("absent"))
		assert.Error(t, err)
	})

	t.Run("overflow value round-trip", func(t *testing.T) {
		db, err := e.DBOpen("widgets", true)
		require.NoError(t, err)

		big := make([]byte, overflowThreshold(4096)+512)
		for i := range big {
			big[i] = byte(i)
		}
		require.NoError(t, db.Put(0, []byte("big"), big))
		got, err := db.Get([]byte("big"))
		require.NoError(t, err)
		assert.Equal(t, big, got)
	})

	t.Run("delete removes the key", func(t *testing.T) {
		db, err := e.DBOpen("widgets", true)
		require.NoError(t, err)
		require.NoError(t, db.Put(0, []byte("k2"), []byte("v2")))
		require.NoError(t, db.Del(0, []byte("k2")))
		_, err = db.Get([]byte("k2"))
		assert.Error(t, err)
	})
}

func TestEnvPanicLatches(t *testing.T) {
	e := openTestEnv(t)
	defer e.Close()

	e.Panic()
	_, err := e.DBOpen("anything", true)
	assert.Error(t, err)
}

func TestEnvSetters(t *testing.T) {
	e := openTestEnv(t)
	defer e.Close()

	require.NoError(t, e.SetCacheSize(1<<20))
	require.NoError(t, e.SetLogMax(1<<20))
	require.NoError(t, e.SetPassword(1, []byte("secret")))
	require.NoError(t, e.SetPassword(0, nil))
}

func TestEnvRecoverAfterCommit(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Config{DataDir: dir, LogDir: dir, PageSize: 4096})
	require.NoError(t, err)

	db, err := e.DBOpen("widgets", true)
	require.NoError(t, err)

	txn, err := e.TxnBegin(0)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn.ID, []byte("committed"), []byte("value")))
	require.NoError(t, e.TxnCommit(txn))
	require.NoError(t, e.Close())

	e2, err := Open(Config{DataDir: dir, LogDir: dir, PageSize: 4096})
	require.NoError(t, err)
	defer e2.Close()

	require.NoError(t, e2.Recover())

	db2, err := e2.DBOpen("widgets", false)
	require.NoError(t, err)
	got, err := db2.Get([]byte("committed"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
}
