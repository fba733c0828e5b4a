package repl

import (
	"errors"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/walog"
)

// MessageEnv bundles every dependency ProcessMessage needs to route an
// incoming message to the right handler (spec.md §4.G).
type MessageEnv struct {
	Catchup   Env
	Verify    VerifyEnv
	Egen      EgenStore
	Transport Transport

	// Pages backs PAGE/PAGE_REQ internal initialization. Nil means this
	// site does not serve or accept page transfers; PAGE_REQ is then a
	// no-op and PAGE is dropped. PAGE_DONE is handled either way.
	Pages PageTransfer

	// EndLSN reports this site's current end-of-log, used to answer
	// ALIVE*/NEWMASTER and to advertise on NEWSITE.
	EndLSN func() lsn.LSN

	// NewSite is called when a NEWSITE arrives, to let the host bump
	// its site count (spec.md §4.G "bump site count").
	NewSite func(eid string)

	// BudgetBytes bounds one ALL_REQ/LOG_REQ stream; zero defaults to
	// 64KiB (spec.md §4.G "Send budget").
	BudgetBytes int
}

func (e MessageEnv) budget() int {
	if e.BudgetBytes > 0 {
		return e.BudgetBytes
	}
	return 64 * 1024
}

func (e MessageEnv) endLSN() lsn.LSN {
	if e.EndLSN != nil {
		return e.EndLSN()
	}
	return lsn.Zero
}

// recoveryAllowed is the message set accepted while s.recovering is
// true (spec.md §4.G step 3).
var recoveryAllowed = map[MsgType]bool{
	MsgAlive:     true,
	MsgAliveReq:  true,
	MsgElect:     true,
	MsgNewClient: true,
	MsgNewMaster: true,
	MsgNewSite:   true,
	MsgVerify:    true,
	MsgVote1:     true,
	MsgVote2:     true,
}

// genExemptLow is the message set accepted despite rp.gen < our.gen
// (spec.md §4.G step 2 "rp.gen < our.gen").
var genExemptLow = map[MsgType]bool{
	MsgAliveReq:  true,
	MsgNewClient: true,
	MsgMasterReq: true,
}

// genExemptHigh is the message set accepted despite rp.gen > our.gen
// without us declaring ourselves stale (spec.md §4.G step 2 "rp.gen >
// our.gen").
var genExemptHigh = map[MsgType]bool{
	MsgAlive:     true,
	MsgNewMaster: true,
}

// ProcessMessage is the entry point every incoming (control, record)
// pair flows through: version check, generation gating, recovery
// gating, and the dispatch table (spec.md §4.G).
func (s *State) ProcessMessage(env MessageEnv, ctrl Control, body []byte, senderEID string) error {
	if ctrl.RepVersion != SupportedRepVersion || ctrl.LogVersion != SupportedLogVersion {
		return errs.Trace(ErrInvalidMessage)
	}

	s.mu.Lock()
	ourGen := s.Gen
	s.mu.Unlock()

	if ctrl.Gen < ourGen && !genExemptLow[ctrl.Type] {
		return nil // stale, silently dropped
	}
	if ctrl.Gen > ourGen && !genExemptHigh[ctrl.Type] {
		masterReq := NewControl(MsgMasterReq, ourGen, env.endLSN(), 0)
		return s.broadcast(env.Transport, masterReq, nil)
	}

	s.mu.Lock()
	recovering := s.recovering
	recoveringPages := s.recoveringPages
	s.mu.Unlock()
	// PAGE/PAGE_REQ/PAGE_DONE are only let through the recovery gate
	// while this site is in the page-catchup sub-state it entered via
	// BeginInternalInit (spec.md §4.G "within the [matching RECOVER_*]
	// state, PAGE_REQ produces a file-by-file page dump and PAGE
	// applies pages blindly under the page-catchup lock").
	pageInitMsg := ctrl.Type == MsgPageReq || ctrl.Type == MsgPage || ctrl.Type == MsgPageDone
	if recovering && !recoveryAllowed[ctrl.Type] && !(recoveringPages && pageInitMsg) {
		return s.noteMissedDuringRecovery(env)
	}

	switch ctrl.Type {
	case MsgAlive, MsgAliveReq:
		return s.respondAlive(env, senderEID)

	case MsgMasterReq:
		if !s.IsMaster() {
			return nil
		}
		newMaster := NewControl(MsgNewMaster, ourGen, env.endLSN(), 0)
		return s.broadcast(env.Transport, newMaster, nil)

	case MsgNewClient:
		newSite := NewControl(MsgNewSite, ourGen, lsn.Zero, 0)
		if err := s.broadcast(env.Transport, newSite, nil); err != nil {
			return err
		}
		return s.respondAlive(env, senderEID)

	case MsgNewSite:
		if env.NewSite != nil {
			env.NewSite(senderEID)
		}
		if !s.IsMaster() {
			return nil
		}
		advertise := NewControl(MsgNewMaster, ourGen, env.endLSN(), 0)
		return s.broadcast(env.Transport, advertise, nil)

	case MsgNewMaster:
		if s.IsMaster() && senderEID != s.EID {
			return errs.Trace(&errs.DupMasterError{Ours: ourGen, Theirs: ctrl.Gen})
		}
		return s.newMaster(env, ctrl, senderEID)

	case MsgAllReq:
		if !s.IsMaster() {
			return nil
		}
		return s.streamLogRange(env, senderEID, ctrl.LSN, lsn.Zero)

	case MsgLogReq:
		if !s.IsMaster() {
			return nil
		}
		from, to, ok := decodeLogReqRange(body)
		if !ok {
			return errs.Trace(errs.ErrInvalid)
		}
		return s.streamLogRange(env, senderEID, from, to)

	case MsgLog, MsgNewFile:
		return s.Apply(env.Catchup, ctrl, body)

	case MsgLogMore:
		s.mu.Lock()
		at := s.ReadyLSN
		s.mu.Unlock()
		return s.sendAllReq(env.Transport, at)

	case MsgVerifyReq:
		return s.HandleVerifyReq(env.Verify, env.Transport, senderEID, ctrl.LSN)

	case MsgVerify:
		return s.HandleVerify(env.Verify, env.Transport, ctrl, body)

	case MsgVerifyFail:
		return s.HandleVerifyFail(env.Verify)

	case MsgVote1:
		p, err := DecodeVote1(body)
		if err != nil {
			return errs.Trace(err)
		}
		return s.HandleVote1(senderEID, p, env.Transport)

	case MsgVote2:
		p, err := DecodeVote2(body)
		if err != nil {
			return errs.Trace(err)
		}
		return s.HandleVote2(senderEID, p, env.Transport, env.EndLSN)

	case MsgElect:
		return s.StartElection(env.Egen, env.Transport, env.endLSN())

	case MsgPageReq:
		if !s.IsMaster() {
			return nil
		}
		return s.dumpPages(env, senderEID)

	case MsgPage:
		return s.applyPage(env, body)

	case MsgPageDone:
		return s.finishPageInit(env, ctrl)

	case MsgBulkLog:
		return s.applyBulkLog(env, body)

	case MsgUpdate, MsgUpdateReq, MsgBulkPage:
		// spec.md §4.G's dispatch table names these alongside
		// PAGE/PAGE_REQ but specifies no wire payload or apply
		// behavior for them beyond "ignore unless in the matching
		// RECOVER_* state" — there is nothing concrete to dispatch to
		// (see DESIGN.md).
		return nil

	default:
		return nil
	}
}

// noteMissedDuringRecovery implements the recovery-gating counter
// (spec.md §4.G step 3): reuses the same backoff shape as the client
// catch-up gap counter (§4.I), since both are "count misses, resend,
// double the threshold" state machines.
func (s *State) noteMissedDuringRecovery(env MessageEnv) error {
	s.mu.Lock()
	s.missedRecords++
	needResend := s.missedRecords >= s.waitRecs
	at := s.VerifyLSN
	if needResend {
		s.waitRecs *= 2
		if s.waitRecs > s.maxGap {
			s.waitRecs = s.maxGap
		}
		s.missedRecords = 0
	}
	s.mu.Unlock()
	if !needResend || at.IsZero() {
		return nil
	}
	return s.sendVerifyReq(env.Transport, at)
}

func (s *State) respondAlive(env MessageEnv, toEID string) error {
	flags := FlagNone
	if s.IsMaster() {
		flags |= FlagIsMaster
	}
	ctrl := NewControl(MsgAlive, s.Gen, env.endLSN(), 0)
	ctrl.Flags = flags
	return s.sendTo(env.Transport, toEID, ctrl, nil)
}

// newMaster implements spec.md §4.G's NEWMASTER handler: bump gen, end
// any election, and hand off into the verify handshake.
func (s *State) newMaster(env MessageEnv, ctrl Control, senderEID string) error {
	s.mu.Lock()
	if ctrl.Gen > s.Gen {
		s.Gen = ctrl.Gen
	}
	s.MasterID = senderEID
	s.Status = StatusClient
	end := s.ReadyLSN
	s.mu.Unlock()

	return s.OnNewMaster(env.Verify, env.Transport, end)
}

// streamLogRange implements ALL_REQ (to == lsn.Zero, unbounded except
// by the byte budget) and LOG_REQ (bounded to [from, to)), inserting
// NEWFILE between files and finishing with LOG_MORE when the outgoing
// byte budget is exhausted (spec.md §4.G step 4 "ALL_REQ"/"LOG_REQ").
func (s *State) streamLogRange(env MessageEnv, toEID string, from, to lsn.LSN) error {
	cur := walog.NewCursor(env.Verify.LogDir, env.Verify.LegacyLogDir)
	rec, err := cur.Get(walog.CursorSet, from)
	if err != nil {
		if errors.Is(err, walog.ErrNoMoreRecords) || errors.Is(err, walog.ErrShortRecord) {
			return nil
		}
		return errs.Trace(err)
	}

	sent := 0
	budget := env.budget()
	for to.IsZero() || rec.LSN.Less(to) {
		ctrl := NewControl(MsgLog, s.Gen, rec.LSN, len(rec.Body))
		if err := s.sendTo(env.Transport, toEID, ctrl, rec.Body); err != nil {
			return errs.Trace(err)
		}
		sent += len(rec.Body)
		if sent >= budget {
			more := NewControl(MsgLogMore, s.Gen, rec.LSN, 0)
			return s.sendTo(env.Transport, toEID, more, nil)
		}

		next, err := cur.Get(walog.CursorNext, lsn.Zero)
		if err != nil {
			if errors.Is(err, walog.ErrNoMoreRecords) {
				return nil
			}
			return errs.Trace(err)
		}
		if next.LSN.File != rec.LSN.File {
			payload := make([]byte, 8)
			putLSN(payload, rec.LSN)
			newFile := NewControl(MsgNewFile, s.Gen, lsn.LSN{File: next.LSN.File, Offset: 0}, len(payload))
			if err := s.sendTo(env.Transport, toEID, newFile, payload); err != nil {
				return errs.Trace(err)
			}
		}
		rec = next
	}
	return nil
}

func decodeLogReqRange(buf []byte) (from, to lsn.LSN, ok bool) {
	if len(buf) < 16 {
		return lsn.Zero, lsn.Zero, false
	}
	readLSN := func(b []byte) lsn.LSN {
		return lsn.LSN{
			File:   uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
			Offset: uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		}
	}
	return readLSN(buf[0:8]), readLSN(buf[8:16]), true
}
