package dbreg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeLogger struct {
	ops []Opcode
}

func (f *fakeLogger) LogDbregRegister(op Opcode, fn *FNAME) error {
	f.ops = append(f.ops, op)
	return nil
}

func TestNewIDAllocatesFreshThenRecycles(t *testing.T) {
	lw := &fakeLogger{}
	gen := uint32(1)
	r := New(lw, func() uint32 { return gen }, nil)

	f1 := r.Setup("users.db", 1, 5, 100)
	require.NoError(t, r.NewID(f1, false, false))
	require.Equal(t, int32(0), f1.FileID)
	require.Equal(t, uint32(0), f1.CreateTxnID, "create txn id cleared once logged")

	f2 := r.Setup("orders.db", 1, 6, 101)
	require.NoError(t, r.NewID(f2, false, false))
	require.Equal(t, int32(1), f2.FileID)

	r.RevokeID(f1)
	require.Equal(t, InvalidFileID, int(f1.FileID))

	f3 := r.Setup("items.db", 1, 7, 102)
	require.NoError(t, r.NewID(f3, false, false))
	require.Equal(t, int32(0), f3.FileID, "id 0 recycled from the free stack")

	require.Equal(t, []Opcode{OpOpen, OpOpen, OpOpen}, lw.ops)
}

func TestRevokeSkipsRecycleAcrossGenerationChange(t *testing.T) {
	lw := &fakeLogger{}
	gen := uint32(1)
	r := New(lw, func() uint32 { return gen }, nil)

	f1 := r.Setup("users.db", 1, 5, 100)
	require.NoError(t, r.NewID(f1, false, false))

	gen = 2 // replication advanced the generation while f1 was open
	r.RevokeID(f1)

	f2 := r.Setup("orders.db", 1, 6, 101)
	require.NoError(t, r.NewID(f2, false, false))
	require.Equal(t, int32(1), f2.FileID, "id 0 must not be recycled across a generation change")
}

func TestAssignIDDuringRecoveryClosesPriorOwner(t *testing.T) {
	r := New(nil, nil, nil)

	old := r.Setup("users.db", 1, 5, 100)
	require.NoError(t, r.NewID(old, false, false))

	replay := r.Setup("users.db", 1, 5, 100)
	require.NoError(t, r.AssignID(replay, 0))

	require.Equal(t, replay, r.Lookup(0))
}

func TestCloseIDMarksNotYetLoggedOnFailure(t *testing.T) {
	r := New(failingLogger{}, nil, nil)
	f := r.Setup("users.db", 1, 5, 100)
	require.NoError(t, r.NewID(f, false, false))

	err := r.CloseID(f, false)
	require.Error(t, err)
	require.True(t, f.NotYetLogged)
}

type failingLogger struct{}

func (failingLogger) LogDbregRegister(op Opcode, f *FNAME) error {
	if op == OpClose || op == OpRClose {
		return assertErr
	}
	return nil
}

var assertErr = &simpleErr{"log write failed"}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }
