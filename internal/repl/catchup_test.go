package repl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/recovery"
	"github.com/coredbio/coredb/internal/walog"
)

type fakeAppender struct {
	appended []lsn.LSN
	newFiles []uint32
}

func (a *fakeAppender) AppendRaw(rec []byte, at lsn.LSN) error {
	a.appended = append(a.appended, at)
	return nil
}

func (a *fakeAppender) NewFile(fileNo uint32) error {
	a.newFiles = append(a.newFiles, fileNo)
	return nil
}

type fakeReader struct {
	records map[lsn.LSN]walog.Record
}

func (r *fakeReader) ReadRecord(at lsn.LSN) (walog.Record, error) {
	rec, ok := r.records[at]
	if !ok {
		return walog.Record{}, walog.ErrShortRecord
	}
	return rec, nil
}

func simpleRecordBody(t *testing.T) []byte {
	t.Helper()
	return walog.EncodeBody(walog.RecordBodyPrefix{Type: walog.RecNoop}, nil)
}

func TestApplyInSequenceAdvancesReadyLSN(t *testing.T) {
	s := NewState(Config{EID: "c", NSites: 1, NVotes: 1})
	app := &fakeAppender{}
	env := Env{Appender: app}
	s.ReadyLSN = lsn.LSN{File: 1, Offset: 0}

	body := simpleRecordBody(t)
	ctrl := NewControl(MsgLog, 1, lsn.LSN{File: 1, Offset: 0}, len(body))
	require.NoError(t, s.Apply(env, ctrl, body))

	want := lsn.LSN{File: 1, Offset: walog.RecordHeaderSize + uint32(len(body))}
	require.Equal(t, want, s.ReadyLSN)
	require.Equal(t, []lsn.LSN{{File: 1, Offset: 0}}, app.appended)
}

func TestApplyGapQueuesPendingAndEventuallyRequests(t *testing.T) {
	s := NewState(Config{EID: "c", NSites: 1, NVotes: 1, WaitRecsInitial: 2})
	var reqs []struct{ from, to lsn.LSN }
	env := Env{
		Appender: &fakeAppender{},
		SendLogReq: func(from, to lsn.LSN, payload []byte) error {
			reqs = append(reqs, struct{ from, to lsn.LSN }{from, to})
			return nil
		},
	}

	body := simpleRecordBody(t)
	gap1 := NewControl(MsgLog, 1, lsn.LSN{File: 1, Offset: 100}, len(body))
	require.NoError(t, s.Apply(env, gap1, body))
	require.Empty(t, reqs, "first miss should not trigger a re-request yet")

	gap2 := NewControl(MsgLog, 1, lsn.LSN{File: 1, Offset: 200}, len(body))
	require.NoError(t, s.Apply(env, gap2, body))
	require.Len(t, reqs, 1, "second miss crosses wait_recs=2 and triggers LOG_REQ")
	require.Equal(t, lsn.LSN{File: 1, Offset: 100}, s.WaitingLSN)
}

func TestApplyDuplicateIsDropped(t *testing.T) {
	s := NewState(Config{EID: "c", NSites: 1, NVotes: 1})
	s.ReadyLSN = lsn.LSN{File: 2, Offset: 0}
	env := Env{}

	body := simpleRecordBody(t)
	ctrl := NewControl(MsgLog, 1, lsn.LSN{File: 1, Offset: 0}, len(body))
	require.NoError(t, s.Apply(env, ctrl, body))
	require.Equal(t, 1, s.dupCount)
}

func TestApplyGapClosureLoopDrainsPendingInOrder(t *testing.T) {
	s := NewState(Config{EID: "c", NSites: 1, NVotes: 1, WaitRecsInitial: 100})
	app := &fakeAppender{}
	env := Env{Appender: app}

	body := simpleRecordBody(t)
	at0 := lsn.LSN{File: 1, Offset: 0}
	at1 := lsn.LSN{File: 1, Offset: walog.RecordHeaderSize + uint32(len(body))}
	s.ReadyLSN = at0

	require.NoError(t, s.Apply(env, NewControl(MsgLog, 1, at1, len(body)), body))
	require.Contains(t, s.Pending, at1)

	require.NoError(t, s.Apply(env, NewControl(MsgLog, 1, at0, len(body)), body))
	require.Empty(t, s.Pending, "the gap-closure loop should drain the pending queue once the hole is filled")
	require.Equal(t, []lsn.LSN{at0, at1}, app.appended)
}

func TestGatherTxnLSNsFollowsChildChain(t *testing.T) {
	reader := &fakeReader{records: map[lsn.LSN]walog.Record{}}
	parentPrev := lsn.LSN{File: 1, Offset: 10}
	childLSN := lsn.LSN{File: 1, Offset: 20}
	commitLSN := lsn.LSN{File: 1, Offset: 30}

	reader.records[parentPrev] = walog.Record{LSN: parentPrev, Body: walog.EncodeBody(walog.RecordBodyPrefix{Type: walog.RecNoop}, nil)}
	reader.records[childLSN] = walog.Record{LSN: childLSN, Body: walog.EncodeBody(walog.RecordBodyPrefix{Type: walog.RecNoop}, nil)}
	childPayload := recovery.EncodeTxnChild(recovery.TxnChildPayload{ChildTxnID: 2, ChildLSN: childLSN})
	reader.records[commitLSN] = walog.Record{LSN: commitLSN, Body: walog.EncodeBody(walog.RecordBodyPrefix{Type: walog.RecTxnChild, PrevLSN: parentPrev}, childPayload)}

	lsns, err := gatherTxnLSNs(reader, commitLSN)
	require.NoError(t, err)
	require.ElementsMatch(t, []lsn.LSN{commitLSN, parentPrev, childLSN}, lsns)
}
