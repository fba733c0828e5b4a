package repl

import (
	"errors"
	"sort"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/recovery"
	"github.com/coredbio/coredb/internal/walog"
)

// LogAppender is the local log-write surface a client uses to adopt a
// master's records verbatim, preserving the master's LSN rather than
// assigning a fresh one (spec.md §4.I "log_rep_put").
type LogAppender interface {
	AppendRaw(rec []byte, at lsn.LSN) error
	NewFile(fileNo uint32) error
}

// LogReader looks up an already-written record by LSN, used to walk
// a committing transaction's prev_lsn chain (spec.md §4.I
// "process_txn").
type LogReader interface {
	ReadRecord(at lsn.LSN) (walog.Record, error)
}

// LockManager is the minimal locker-acquisition surface process_txn
// needs; the lock manager's own internals are out of this module's
// scope (spec.md §1 Non-goals).
type LockManager interface {
	AcquireLocker() (uint32, error)
	ReleaseLocker(lockerID uint32) error
}

// Checkpointer syncs the buffer cache through a checkpoint's LSN
// (spec.md §4.I "checkpoint — sync the buffer cache").
type Checkpointer interface {
	SyncTo(through lsn.LSN) error
}

// Env bundles the dependencies Apply needs beyond State itself.
type Env struct {
	Appender   LogAppender
	Reader     LogReader
	Locks      LockManager
	Checkpoint Checkpointer
	Dispatcher *recovery.Dispatcher
	WaitRecs   int // not read by Apply: the gap threshold is State's own wait_recs counter, seeded from Config.WaitRecsInitial

	// SendLogReq issues LOG_REQ{range = [from, to)} (spec.md §4.I "emit
	// LOG_REQ"); left nil in tests that don't exercise the gap path.
	SendLogReq func(from, to lsn.LSN, payload []byte) error
}

// isSimple reports whether rec is a plain record the gap-closure loop
// can append without special dispatch (spec.md §4.I: "not a
// commit/ckp/dbreg").
func isSimple(rec walog.Record) (bool, walog.RecordBodyPrefix, error) {
	prefix, _, err := walog.DecodeBodyPrefix(rec.Body)
	if err != nil {
		return false, prefix, err
	}
	switch prefix.Type {
	case walog.RecTxnRegop, walog.RecTxnXARegop, walog.RecTxnCkp, walog.RecDbregRegister:
		return false, prefix, nil
	default:
		return true, prefix, nil
	}
}

// Apply feeds one incoming (Control, record-bytes) pair into the
// client catch-up state machine (spec.md §4.I "apply(rp, rec)").
func (s *State) Apply(env Env, ctrl Control, recBody []byte) error {
	s.mu.Lock()
	cmp := ctrl.LSN.Compare(s.ReadyLSN)

	switch {
	case cmp == 0:
		s.mu.Unlock()
		return s.applyInSequence(env, ctrl, recBody)

	case cmp > 0:
		// Special case: NEWFILE whose payload's last-LSN is already covered.
		if ctrl.Type == MsgNewFile && ctrl.LSN.File == s.ReadyLSN.File+1 && ctrl.LSN.Offset == 0 {
			if payloadLSN, ok := decodeNewFilePayload(recBody); ok && !s.ReadyLSN.Less(payloadLSN) {
				s.mu.Unlock()
				return s.applyInSequence(env, ctrl, recBody)
			}
		}
		s.Pending[ctrl.LSN] = PendingRecord{Ctrl: ctrl, Rec: recBody}
		if s.WaitingLSN.IsZero() || ctrl.LSN.Less(s.WaitingLSN) {
			s.WaitingLSN = ctrl.LSN
		}
		s.missedRecords++
		needReq := s.missedRecords >= s.waitRecs
		rng := s.ReadyLSN
		if needReq {
			s.waitRecs *= 2
			if s.waitRecs > s.maxGap {
				s.waitRecs = s.maxGap
			}
			s.missedRecords = 0
		}
		waiting := ctrl.LSN
		s.mu.Unlock()
		if needReq {
			payload := encodeLogReqRange(rng, waiting)
			return env.reqLogRange(rng, waiting, payload)
		}
		return nil

	default: // cmp < 0: duplicate
		s.dupCount++
		s.mu.Unlock()
		return nil
	}
}

// reqLogRange issues LOG_REQ{range = [from, to)} via the env's
// SendLogReq hook (spec.md §4.I "emit LOG_REQ").
func (e Env) reqLogRange(from, to lsn.LSN, payload []byte) error {
	if e.SendLogReq == nil {
		return nil
	}
	return e.SendLogReq(from, to, payload)
}

func encodeLogReqRange(from, to lsn.LSN) []byte {
	buf := make([]byte, 16)
	putLSN(buf[0:8], from)
	putLSN(buf[8:16], to)
	return buf
}

func putLSN(buf []byte, v lsn.LSN) {
	buf[0] = byte(v.File >> 24)
	buf[1] = byte(v.File >> 16)
	buf[2] = byte(v.File >> 8)
	buf[3] = byte(v.File)
	buf[4] = byte(v.Offset >> 24)
	buf[5] = byte(v.Offset >> 16)
	buf[6] = byte(v.Offset >> 8)
	buf[7] = byte(v.Offset)
}

func decodeNewFilePayload(buf []byte) (lsn.LSN, bool) {
	if len(buf) < 8 {
		return lsn.Zero, false
	}
	return lsn.LSN{
		File:   uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]),
		Offset: uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7]),
	}, true
}

// applyInSequence implements the in-sequence branch of apply,
// including the gap-closure loop (spec.md §4.I).
func (s *State) applyInSequence(env Env, ctrl Control, recBody []byte) error {
	if ctrl.Type == MsgNewFile {
		s.mu.Lock()
		s.ReadyLSN = lsn.LSN{File: s.ReadyLSN.File + 1, Offset: 0}
		s.mu.Unlock()
		if env.Appender != nil {
			return env.Appender.NewFile(s.ReadyLSN.File)
		}
		return nil
	}

	if err := s.appendAndDispatch(env, ctrl.LSN, recBody); err != nil {
		return err
	}

	for {
		s.mu.Lock()
		if s.ReadyLSN != s.WaitingLSN || s.WaitingLSN.IsZero() {
			s.mu.Unlock()
			break
		}
		head, ok := s.Pending[s.WaitingLSN]
		if !ok {
			s.mu.Unlock()
			break
		}
		rec := walog.Record{LSN: head.Ctrl.LSN, Body: head.Rec}
		simple, _, err := isSimple(rec)
		if err != nil {
			s.mu.Unlock()
			return errs.Trace(err)
		}
		if !simple {
			s.mu.Unlock()
			return s.dispatchNonSimple(env, head.Ctrl, head.Rec)
		}
		delete(s.Pending, s.WaitingLSN)
		s.recomputeWaitingLocked()
		s.mu.Unlock()

		if err := s.appendAndDispatch(env, head.Ctrl.LSN, head.Rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) recomputeWaitingLocked() {
	var next lsn.LSN
	first := true
	for k := range s.Pending {
		if first || k.Less(next) {
			next = k
			first = false
		}
	}
	if first {
		s.WaitingLSN = lsn.Zero
	} else {
		s.WaitingLSN = next
	}
}

// appendAndDispatch appends a record to the local log and, if it is
// non-simple, dispatches it; otherwise just advances ready_lsn.
func (s *State) appendAndDispatch(env Env, at lsn.LSN, body []byte) error {
	if env.Appender != nil {
		if err := env.Appender.AppendRaw(body, at); err != nil {
			return errs.Trace(err)
		}
	}
	rec := walog.Record{LSN: at, Header: walog.RecordHeader{Length: uint32(len(body))}, Body: body}
	simple, _, err := isSimple(rec)
	if err != nil {
		return errs.Trace(err)
	}
	s.mu.Lock()
	s.ReadyLSN = lsn.LSN{File: at.File, Offset: at.Offset + walog.RecordHeaderSize + uint32(len(body))}
	s.mu.Unlock()

	if simple {
		return nil
	}
	return s.dispatchNonSimple(env, NewControl(MsgLog, s.Gen, at, len(body)), body)
}

// dispatchNonSimple implements spec.md §4.I's commit/checkpoint/dbreg
// special handling.
func (s *State) dispatchNonSimple(env Env, ctrl Control, body []byte) error {
	prefix, _, err := walog.DecodeBodyPrefix(body)
	if err != nil {
		return errs.Trace(err)
	}
	rec := walog.Record{LSN: ctrl.LSN, Body: body}

	switch prefix.Type {
	case walog.RecTxnRegop:
		payload, err := recovery.DecodeTxnRegop(body)
		if err != nil {
			return errs.Trace(err)
		}
		if payload.Commit {
			return s.processTxn(env, ctrl.LSN)
		}
		return nil

	case walog.RecTxnCkp:
		ckp, err := recovery.DecodeTxnCkp(body)
		if err != nil {
			return errs.Trace(err)
		}
		if env.Checkpoint != nil {
			return errs.Trace(env.Checkpoint.SyncTo(ckp.CkpLSN))
		}
		return nil

	case walog.RecDbregRegister:
		if prefix.TxnID == 0 && env.Dispatcher != nil {
			return errs.Trace(env.Dispatcher.Apply(rec, recovery.Redo))
		}
		return nil

	default:
		return nil
	}
}

// processTxn replays a committed transaction's entire record set
// (spec.md §4.I "process_txn"): walk prev_lsn backward, recursing
// into txn_child records to pull in child chains, sort ascending,
// then replay each under one locker with deadlock retry.
func (s *State) processTxn(env Env, commitLSN lsn.LSN) error {
	if env.Reader == nil || env.Dispatcher == nil {
		return nil
	}

	for {
		lsns, err := gatherTxnLSNs(env.Reader, commitLSN)
		if err != nil {
			return errs.Trace(err)
		}
		sort.Slice(lsns, func(i, j int) bool { return lsns[i].Less(lsns[j]) })

		var lockerID uint32
		if env.Locks != nil {
			lockerID, err = env.Locks.AcquireLocker()
			if err != nil {
				return errs.Trace(err)
			}
		}

		deadlocked := false
		for _, at := range lsns {
			rec, err := env.Reader.ReadRecord(at)
			if err != nil {
				return errs.Trace(err)
			}
			if err := env.Dispatcher.Apply(rec, recovery.Redo); err != nil {
				if errIsDeadlock(err) {
					deadlocked = true
					break
				}
				if env.Locks != nil {
					_ = env.Locks.ReleaseLocker(lockerID)
				}
				return errs.Trace(err)
			}
		}
		if env.Locks != nil {
			_ = env.Locks.ReleaseLocker(lockerID)
		}
		if !deadlocked {
			return nil
		}
		// retry the whole transaction
	}
}

func errIsDeadlock(err error) bool {
	return errors.Is(err, errs.ErrDeadlock)
}

// gatherTxnLSNs walks prev_lsn backward from commitLSN, recursing
// into txn_child records to gather child transactions' chains too.
func gatherTxnLSNs(reader LogReader, commitLSN lsn.LSN) ([]lsn.LSN, error) {
	var out []lsn.LSN
	cur := commitLSN
	for !cur.IsZero() {
		rec, err := reader.ReadRecord(cur)
		if err != nil {
			return nil, err
		}
		prefix, _, err := walog.DecodeBodyPrefix(rec.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, cur)
		if prefix.Type == walog.RecTxnChild {
			child, err := recovery.DecodeTxnChild(rec.Body)
			if err != nil {
				return nil, err
			}
			childLSNs, err := gatherTxnLSNs(reader, child.ChildLSN)
			if err != nil {
				return nil, err
			}
			out = append(out, childLSNs...)
		}
		cur = prefix.PrevLSN
	}
	return out, nil
}
