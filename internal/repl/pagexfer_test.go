package repl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/walog"
)

type fakePageTransfer struct {
	files   map[string]map[uint32][]byte
	applied map[string]map[uint32][]byte
	dumpErr error
}

func newFakePageTransfer() *fakePageTransfer {
	return &fakePageTransfer{
		files:   make(map[string]map[uint32][]byte),
		applied: make(map[string]map[uint32][]byte),
	}
}

func (f *fakePageTransfer) put(fileID string, pageNo uint32, body []byte) {
	if f.files[fileID] == nil {
		f.files[fileID] = make(map[uint32][]byte)
	}
	f.files[fileID][pageNo] = body
}

func (f *fakePageTransfer) DumpFiles(send func(fileID string, pageNo uint32, body []byte) error) error {
	if f.dumpErr != nil {
		return f.dumpErr
	}
	for fileID, pages := range f.files {
		for pageNo, body := range pages {
			if err := send(fileID, pageNo, body); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakePageTransfer) ApplyPage(fileID string, pageNo uint32, body []byte) error {
	if f.applied[fileID] == nil {
		f.applied[fileID] = make(map[uint32][]byte)
	}
	f.applied[fileID][pageNo] = append([]byte(nil), body...)
	return nil
}

func TestEncodeDecodePageFrameRoundTrips(t *testing.T) {
	payload := []byte("a whole page of bytes")
	framed := encodePageFrame("__db.pages", 42, payload)

	fileID, pageNo, body, ok := decodePageFrame(framed)
	require.True(t, ok)
	assert.Equal(t, "__db.pages", fileID)
	assert.EqualValues(t, 42, pageNo)
	assert.Equal(t, payload, body)
}

func TestDecodePageFrameRejectsTruncatedInput(t *testing.T) {
	_, _, _, ok := decodePageFrame([]byte{0, 5, 'a'})
	assert.False(t, ok)
}

func TestPageReqOnMasterDumpsEveryPageThenSendsDone(t *testing.T) {
	s := NewState(Config{EID: "master", NSites: 2, NVotes: 1})
	s.Status = StatusMaster
	tr := &recordingTransport{}
	xfer := newFakePageTransfer()
	xfer.put("__db.pages", 1, []byte("page one"))
	xfer.put("__db.pages", 2, []byte("page two"))

	end := lsn.LSN{File: 3, Offset: 30}
	env := MessageEnv{Transport: tr, Pages: xfer, EndLSN: func() lsn.LSN { return end }}

	require.NoError(t, s.dumpPages(env, "client"))
	require.Len(t, tr.sent, 3, "two PAGE messages plus one PAGE_DONE")

	var pages, dones int
	for _, m := range tr.sent {
		switch m.ctrl.Type {
		case MsgPage:
			pages++
			_, _, _, ok := decodePageFrame(m.rec)
			assert.True(t, ok)
		case MsgPageDone:
			dones++
			assert.Equal(t, end, m.ctrl.LSN)
		default:
			t.Fatalf("unexpected message type %v", m.ctrl.Type)
		}
	}
	assert.Equal(t, 2, pages)
	assert.Equal(t, 1, dones)
}

func TestPageReqIgnoredWhenNotMaster(t *testing.T) {
	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1})
	tr := &recordingTransport{}
	ctrl := NewControl(MsgPageReq, 0, lsn.Zero, 0)

	require.NoError(t, s.ProcessMessage(MessageEnv{Transport: tr}, ctrl, nil, "other"))
	assert.Empty(t, tr.sent)
}

func TestApplyPageIgnoredOutsidePageCatchupSubState(t *testing.T) {
	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1})
	xfer := newFakePageTransfer()
	payload := encodePageFrame("__db.pages", 1, []byte("body"))

	ctrl := NewControl(MsgPage, 0, lsn.Zero, len(payload))
	require.NoError(t, s.ProcessMessage(MessageEnv{Pages: xfer}, ctrl, payload, "master"))

	assert.Empty(t, xfer.applied, "a PAGE arriving outside page-catchup must be dropped")
}

func TestApplyPageWritesUnderPageCatchupLockWhileActive(t *testing.T) {
	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1})
	s.recovering = true
	s.recoveringPages = true
	xfer := newFakePageTransfer()
	payload := encodePageFrame("__db.pages", 7, []byte("a page"))

	ctrl := NewControl(MsgPage, 0, lsn.Zero, len(payload))
	require.NoError(t, s.ProcessMessage(MessageEnv{Pages: xfer}, ctrl, payload, "master"))

	assert.Equal(t, []byte("a page"), xfer.applied["__db.pages"][7])
}

func TestPageReqAndPageAdmittedThroughRecoveryGateOnlyDuringPageCatchup(t *testing.T) {
	s := NewState(Config{EID: "client", NSites: 1, NVotes: 1, WaitRecsInitial: 100})
	s.recovering = true
	s.VerifyLSN = lsn.LSN{File: 1, Offset: 0}
	xfer := newFakePageTransfer()
	payload := encodePageFrame("__db.pages", 1, []byte("x"))
	ctrl := NewControl(MsgPage, 0, lsn.Zero, len(payload))

	// Not yet in the page-catchup sub-state: gated like any other
	// non-exempt message during recovery, not dispatched at all.
	require.NoError(t, s.ProcessMessage(MessageEnv{Pages: xfer}, ctrl, payload, "master"))
	assert.Empty(t, xfer.applied)

	s.recoveringPages = true
	require.NoError(t, s.ProcessMessage(MessageEnv{Pages: xfer}, ctrl, payload, "master"))
	assert.Equal(t, []byte("x"), xfer.applied["__db.pages"][1])
}

func TestPageDoneFinishesInitAndResumesAllReq(t *testing.T) {
	dir := newRegionDir(t)
	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1})
	s.MasterID = "master"
	s.recovering = true
	s.recoveringPages = true
	tr := &recordingTransport{}
	at := lsn.LSN{File: 5, Offset: 50}
	env := MessageEnv{Transport: tr, Verify: VerifyEnv{LogDir: dir}}
	ctrl := NewControl(MsgPageDone, 0, at, 0)

	require.NoError(t, s.ProcessMessage(env, ctrl, nil, "master"))

	assert.False(t, s.recoveringPages)
	assert.False(t, s.recovering)
	assert.Equal(t, at, s.ReadyLSN)
	require.NotEmpty(t, tr.sent)
	assert.Equal(t, MsgAllReq, tr.sent[len(tr.sent)-1].ctrl.Type)
}

func TestBeginInternalInitSendsPageReqAndEntersPageCatchup(t *testing.T) {
	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1})
	s.MasterID = "master"
	tr := &recordingTransport{}
	init := &PageInit{State: s, Transport: tr}

	require.NoError(t, init.BeginInternalInit())

	assert.True(t, s.recoveringPages)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, MsgPageReq, tr.sent[0].ctrl.Type)
	assert.Equal(t, "master", tr.sent[0].target)
}

func TestApplyBulkLogAppliesEachFramedRecordInOrder(t *testing.T) {
	s := NewState(Config{EID: "client", NSites: 2, NVotes: 1})

	body := walog.EncodeBody(walog.RecordBodyPrefix{Type: walog.RecNoop}, nil)
	bodyLen := uint32(len(body))
	lsn1 := lsn.LSN{File: 1, Offset: 0}
	lsn2 := lsn.LSN{File: 1, Offset: walog.RecordHeaderSize + bodyLen}
	ctrl1 := NewControl(MsgLog, 0, lsn1, int(bodyLen))
	ctrl2 := NewControl(MsgLog, 0, lsn2, int(bodyLen))

	payload := append(append([]byte(nil), encodeBulkFrame(ctrl1, body)...), encodeBulkFrame(ctrl2, body)...)

	s.ReadyLSN = lsn1
	env := MessageEnv{Catchup: Env{}}
	ctrl := NewControl(MsgBulkLog, 0, lsn1, len(payload))
	require.NoError(t, s.ProcessMessage(env, ctrl, payload, "master"))

	want := lsn.LSN{File: 1, Offset: lsn2.Offset + walog.RecordHeaderSize + bodyLen}
	assert.Equal(t, want, s.ReadyLSN)
}

func TestDecodeBulkFramesRejectsTruncatedPayload(t *testing.T) {
	ctrl := NewControl(MsgLog, 0, lsn.LSN{File: 1}, 20)
	framed := encodeBulkFrame(ctrl, make([]byte, 5)) // claims 20 bytes, only has 5

	_, err := decodeBulkFrames(framed)
	assert.Error(t, err)
}
