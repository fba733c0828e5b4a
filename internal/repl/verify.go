package repl

import (
	"bytes"
	"errors"
	"sync"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/walog"
)

// LogTruncator lets verify_match discard everything the client logged
// past the agreed rendezvous point (spec.md §4.I "truncates the local
// log at verify_lsn").
type LogTruncator interface {
	TruncateTo(at lsn.LSN) error
}

// Initializer performs internal initialization: fetching the master's
// databases wholesale when the verify walk rewinds past file 1
// (spec.md §4.I "fetch the master's pages/files wholesale"). See
// PageInit (pagexfer.go) for the concrete PAGE_REQ/PAGE-based
// implementation.
type Initializer interface {
	BeginInternalInit() error
}

// VerifyEnv bundles the dependencies the verify handshake needs beyond
// State itself.
type VerifyEnv struct {
	Reader    LogReader
	Truncator LogTruncator
	Init      Initializer

	LogDir        string
	LegacyLogDir  string // legacy log-file name prefix, passed through to walog.LogBackup
}

// OnNewMaster implements spec.md §4.I's verify_handshake entry point:
// rewind endOfLocalLog to the nearest regop/ckp record via log_backup,
// record it as verify_lsn, and (unless DelayClient) kick off the
// VERIFY_REQ loop.
func (s *State) OnNewMaster(env VerifyEnv, t Transport, endOfLocalLog lsn.LSN) error {
	backup, err := walog.LogBackup(env.LogDir, env.LegacyLogDir, endOfLocalLog)
	if err != nil {
		return errs.Trace(err)
	}

	s.mu.Lock()
	s.VerifyLSN = backup.LSN
	s.recovering = true
	s.Pending = make(map[lsn.LSN]PendingRecord)
	s.WaitingLSN = lsn.Zero
	delay := s.DelayClient
	target := s.VerifyLSN
	s.mu.Unlock()

	if delay {
		return nil
	}
	return s.sendVerifyReq(t, target)
}

// Sync resumes a delayed client's verify handshake (spec.md §4.I
// "Delay mode": the application calls sync() to proceed).
func (s *State) Sync(t Transport) error {
	s.mu.Lock()
	target := s.VerifyLSN
	s.mu.Unlock()
	if target.IsZero() {
		return nil
	}
	return s.sendVerifyReq(t, target)
}

func (s *State) sendVerifyReq(t Transport, at lsn.LSN) error {
	ctrl := NewControl(MsgVerifyReq, s.Gen, at, 0)
	return s.sendTo(t, s.MasterID, ctrl, nil)
}

func (s *State) sendAllReq(t Transport, at lsn.LSN) error {
	ctrl := NewControl(MsgAllReq, s.Gen, at, 0)
	return s.sendTo(t, s.MasterID, ctrl, nil)
}

// HandleVerifyReq is the master side: reply with the record at the
// requested LSN, or VERIFY_FAIL if it is no longer in the log
// (spec.md §4.I "master replies VERIFY with the record at that LSN").
func (s *State) HandleVerifyReq(env VerifyEnv, t Transport, fromEID string, at lsn.LSN) error {
	if env.Reader == nil {
		return nil
	}
	rec, err := env.Reader.ReadRecord(at)
	if err != nil {
		ctrl := NewControl(MsgVerifyFail, s.Gen, at, 0)
		return s.sendTo(t, fromEID, ctrl, nil)
	}
	ctrl := NewControl(MsgVerify, s.Gen, at, len(rec.Body))
	return s.sendTo(t, fromEID, ctrl, rec.Body)
}

// HandleVerify is the client side of one round of the verify loop:
// compare the master's record bytes at verify_lsn against the local
// copy. A match rendezvous; a mismatch steps verify_lsn backward and
// resends VERIFY_REQ (spec.md §4.I).
func (s *State) HandleVerify(env VerifyEnv, t Transport, ctrl Control, masterBody []byte) error {
	if env.Reader == nil {
		return nil
	}
	local, err := env.Reader.ReadRecord(ctrl.LSN)
	if err == nil && bytes.Equal(local.Body, masterBody) {
		return s.verifyMatch(env, t, ctrl.LSN)
	}
	return s.stepVerifyBackward(env, t, ctrl.LSN)
}

// HandleVerifyFail handles the master reporting it no longer has the
// requested LSN: same resolution as rewinding past file 1 (spec.md
// §4.I "enter internal initialization ... or fail JOIN_FAILURE").
func (s *State) HandleVerifyFail(env VerifyEnv) error {
	return s.beginInitOrFail(env)
}

// stepVerifyBackward moves the verify rendezvous point strictly before
// `at`: it steps one record back via the log cursor, then rewinds from
// there to the nearest commit/ckp record via log_backup (spec.md §4.I
// "step verify_lsn backward using log_backup").
func (s *State) stepVerifyBackward(env VerifyEnv, t Transport, at lsn.LSN) error {
	cur := walog.NewCursor(env.LogDir, env.LegacyLogDir)
	if _, err := cur.Get(walog.CursorSet, at); err != nil {
		return errs.Trace(err)
	}
	prev, err := cur.Get(walog.CursorPrev, lsn.Zero)
	if err != nil {
		if errors.Is(err, walog.ErrNoMoreRecords) {
			return s.beginInitOrFail(env)
		}
		return errs.Trace(err)
	}

	backup, err := walog.LogBackup(env.LogDir, env.LegacyLogDir, prev.LSN)
	if err != nil {
		if err == walog.ErrNoCheckpoint {
			return s.beginInitOrFail(env)
		}
		return errs.Trace(err)
	}
	if backup.LSN.File < 1 {
		return s.beginInitOrFail(env)
	}

	s.mu.Lock()
	s.VerifyLSN = backup.LSN
	target := s.VerifyLSN
	s.mu.Unlock()

	return s.sendVerifyReq(t, target)
}

func (s *State) beginInitOrFail(env VerifyEnv) error {
	s.mu.Lock()
	noAutoInit := s.NoAutoInit
	s.mu.Unlock()
	if noAutoInit {
		return errs.Trace(ErrJoinFailure)
	}
	if env.Init != nil {
		return errs.Trace(env.Init.BeginInternalInit())
	}
	return nil
}

// verifyMatch rendezvouses the client's log with the master's at lsn:
// truncate the local log there, reset ready_lsn, drop the stale
// pending queue, and resume streaming with ALL_REQ (spec.md §4.I
// "verify_match").
func (s *State) verifyMatch(env VerifyEnv, t Transport, at lsn.LSN) error {
	if env.Truncator != nil {
		if err := env.Truncator.TruncateTo(at); err != nil {
			return errs.Trace(err)
		}
	}

	s.mu.Lock()
	s.ReadyLSN = at
	s.WaitingLSN = lsn.Zero
	s.Pending = make(map[lsn.LSN]PendingRecord)
	s.recovering = false
	s.VerifyLSN = lsn.Zero
	s.mu.Unlock()

	return s.sendAllReq(t, at)
}

// BulkBuffer coalesces outgoing log messages on the master when
// CONF_BULK is set, flushing as one BULK_LOG message when the buffer
// fills or bulk mode is toggled off (spec.md §4.I "Bulk mode").
type BulkBuffer struct {
	mu       sync.Mutex
	t        Transport
	gen      uint32
	maxBytes int
	buf      []byte
	first    lsn.LSN
	count    int
}

// NewBulkBuffer creates a buffer that flushes once its accumulated
// payload would exceed maxBytes.
func NewBulkBuffer(t Transport, gen uint32, maxBytes int) *BulkBuffer {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &BulkBuffer{t: t, gen: gen, maxBytes: maxBytes}
}

// Add appends one (ctrl, record) pair to the bulk buffer, flushing
// first if the addition would overflow maxBytes.
func (b *BulkBuffer) Add(ctrl Control, rec []byte) error {
	b.mu.Lock()
	framed := encodeBulkFrame(ctrl, rec)
	if len(b.buf)+len(framed) > b.maxBytes && len(b.buf) > 0 {
		b.mu.Unlock()
		if err := b.Flush(); err != nil {
			return err
		}
		b.mu.Lock()
	}
	if b.count == 0 {
		b.first = ctrl.LSN
	}
	b.buf = append(b.buf, framed...)
	b.count++
	b.mu.Unlock()
	return nil
}

// Flush sends whatever is buffered as one BULK_LOG message and resets
// the buffer.
func (b *BulkBuffer) Flush() error {
	b.mu.Lock()
	if b.count == 0 {
		b.mu.Unlock()
		return nil
	}
	payload := b.buf
	at := b.first
	b.buf = nil
	b.count = 0
	gen := b.gen
	b.mu.Unlock()

	if b.t == nil {
		return nil
	}
	ctrl := NewControl(MsgBulkLog, gen, at, len(payload))
	return b.t.Send(ctrl, payload, BroadcastEID, 0)
}

// Disable flushes any remaining buffered records, as happens when
// bulk mode is toggled off.
func (b *BulkBuffer) Disable() error {
	return b.Flush()
}

func encodeBulkFrame(ctrl Control, rec []byte) []byte {
	header := ctrl.Encode()
	buf := make([]byte, 0, len(header)+len(rec))
	buf = append(buf, header...)
	buf = append(buf, rec...)
	return buf
}
