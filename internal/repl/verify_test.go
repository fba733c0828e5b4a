package repl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/walog"
)

func newRegionDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

func writeRecordsForVerify(t *testing.T, dir string) []lsn.LSN {
	t.Helper()
	region, err := walog.OpenRegion(walog.Config{Dir: dir, LogID: 1, PageSize: 4096, MaxFileSize: 1 << 20})
	require.NoError(t, err)
	defer region.Close()

	var lsns []lsn.LSN
	for i := 0; i < 3; i++ {
		payload := []byte{1, 0, 0, 0, 0, 0, 0, 0, 0}
		at, err := region.Put(walog.RecordBodyPrefix{Type: walog.RecTxnRegop}, payload, walog.PutNormal)
		require.NoError(t, err)
		lsns = append(lsns, at)
	}
	return lsns
}

type fileReader struct {
	dir, legacy string
}

func (r fileReader) ReadRecord(at lsn.LSN) (walog.Record, error) {
	c := walog.NewCursor(r.dir, r.legacy)
	return c.Get(walog.CursorSet, at)
}

type fakeTruncator struct {
	truncatedAt lsn.LSN
	called      bool
}

func (tr *fakeTruncator) TruncateTo(at lsn.LSN) error {
	tr.truncatedAt = at
	tr.called = true
	return nil
}

func TestVerifyMatchTruncatesAndResumesStreaming(t *testing.T) {
	dir := newRegionDir(t)
	lsns := writeRecordsForVerify(t, dir)

	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1})
	s.MasterID = "master"
	trunc := &fakeTruncator{}
	tr := &recordingTransport{}
	env := VerifyEnv{Reader: fileReader{dir: dir}, Truncator: trunc, LogDir: dir}

	rec, err := fileReader{dir: dir}.ReadRecord(lsns[1])
	require.NoError(t, err)

	ctrl := NewControl(MsgVerify, 1, lsns[1], len(rec.Body))
	require.NoError(t, s.HandleVerify(env, tr, ctrl, rec.Body))

	require.True(t, trunc.called)
	require.Equal(t, lsns[1], trunc.truncatedAt)
	require.Equal(t, lsns[1], s.ReadyLSN)
	require.False(t, s.recovering)
	require.NotEmpty(t, tr.sent)
	require.Equal(t, MsgAllReq, tr.sent[len(tr.sent)-1].ctrl.Type)
}

func TestVerifyMismatchStepsBackward(t *testing.T) {
	dir := newRegionDir(t)
	lsns := writeRecordsForVerify(t, dir)

	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1})
	s.MasterID = "master"
	tr := &recordingTransport{}
	env := VerifyEnv{Reader: fileReader{dir: dir}, LogDir: dir}

	ctrl := NewControl(MsgVerify, 1, lsns[2], 5)
	require.NoError(t, s.HandleVerify(env, tr, ctrl, []byte("bogus")))

	require.NotEmpty(t, tr.sent)
	last := tr.sent[len(tr.sent)-1]
	require.Equal(t, MsgVerifyReq, last.ctrl.Type)
	require.True(t, last.ctrl.LSN.Less(lsns[2]), "a mismatch should step verify_lsn backward")
}

func TestVerifyFailWithNoAutoInitFails(t *testing.T) {
	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1, NoAutoInit: true})
	err := s.HandleVerifyFail(VerifyEnv{})
	require.ErrorIs(t, err, ErrJoinFailure)
}

func TestDelayClientHoldsVerifyReqUntilSync(t *testing.T) {
	dir := newRegionDir(t)
	lsns := writeRecordsForVerify(t, dir)

	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1, DelayClient: true})
	tr := &recordingTransport{}
	env := VerifyEnv{LogDir: dir}

	require.NoError(t, s.OnNewMaster(env, tr, lsns[2]))
	require.Empty(t, tr.sent, "DelayClient should hold VERIFY_REQ until sync()")

	require.NoError(t, s.Sync(tr))
	require.NotEmpty(t, tr.sent)
	require.Equal(t, MsgVerifyReq, tr.sent[0].ctrl.Type)
}

func TestBulkBufferFlushesOnOverflowAndDisable(t *testing.T) {
	tr := &recordingTransport{}
	b := NewBulkBuffer(tr, 1, 10)

	require.NoError(t, b.Add(NewControl(MsgLog, 1, lsn.LSN{File: 1, Offset: 1}, 5), []byte("hello")))
	require.Empty(t, tr.sent, "buffer should not flush before the threshold")

	require.NoError(t, b.Add(NewControl(MsgLog, 1, lsn.LSN{File: 1, Offset: 2}, 20), make([]byte, 20)))
	require.NotEmpty(t, tr.sent, "overflowing maxBytes should flush the prior contents")

	before := len(tr.sent)
	require.NoError(t, b.Disable())
	require.Greater(t, len(tr.sent), before, "Disable flushes whatever remains buffered")
}
