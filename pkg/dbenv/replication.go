package dbenv

import (
	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/repl"
)

// RepStart brings up this environment's replication state as either a
// master or a client (spec.md §6 "rep_start"). Calling it again
// replaces the prior State.
func (e *Env) RepStart(cfg repl.Config, master bool) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	if cfg.Log == nil {
		cfg.Log = e.log
	}
	st := repl.NewState(cfg)
	if master {
		st.Status = repl.StatusMaster
		st.MasterID = cfg.EID
		st.Gen = 1
	}
	e.mu.Lock()
	e.repl = st
	e.mu.Unlock()
	return nil
}

// RepSetTransport installs the host's send callback (spec.md §6
// "rep_set_transport" — "must be thread-safe; the engine may call it
// under region locks").
func (e *Env) RepSetTransport(t repl.Transport) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	e.transport = t
	e.mu.Unlock()
	return nil
}

// messageEnv assembles the dependency bundle repl.State.ProcessMessage
// needs, wiring the same log region/dispatcher/registry the storage
// layer itself uses so a replicated record lands through the identical
// redo path a local crash recovery would take.
func (e *Env) messageEnv() repl.MessageEnv {
	return repl.MessageEnv{
		Catchup:   e.catchupEnv(),
		Verify:    e.verifyEnv(),
		Egen:      e.egen,
		Transport: e.transport,
		EndLSN:    e.region.CurrentLSN,
		Pages:     &pageTransfer{e: e},
	}
}

func (e *Env) catchupEnv() repl.Env {
	return repl.Env{
		Appender:   e.region,
		Reader:     &logReader{e: e},
		Locks:      e.locks,
		Checkpoint: &checkpointer{e: e},
		Dispatcher: e.dispatcher,
	}
}

func (e *Env) verifyEnv() repl.VerifyEnv {
	e.mu.Lock()
	st, t := e.repl, e.transport
	e.mu.Unlock()
	return repl.VerifyEnv{
		Reader:       &logReader{e: e},
		Truncator:    e.region,
		Init:         &repl.PageInit{State: st, Transport: t},
		LogDir:       e.cfg.LogDir,
		LegacyLogDir: e.cfg.LegacyLogPrefix,
	}
}

// RepProcessMessage routes one incoming (control, body) pair from
// senderEID through the replication state machine (spec.md §6
// "rep_process_message").
func (e *Env) RepProcessMessage(ctrl repl.Control, body []byte, senderEID string) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	st := e.repl
	e.mu.Unlock()
	if st == nil {
		return errs.Trace(errs.ErrInvalid)
	}
	return st.ProcessMessage(e.messageEnv(), ctrl, body, senderEID)
}

// RepElect starts a phase-1 election (spec.md §6 "rep_elect").
func (e *Env) RepElect() error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	st, t := e.repl, e.transport
	e.mu.Unlock()
	if st == nil {
		return errs.Trace(errs.ErrInvalid)
	}
	return st.StartElection(e.egen, t, e.region.CurrentLSN())
}

// RepFlush forces the log durable through the given LSN, or everything
// written so far if it is the zero LSN (spec.md §6 "rep_flush").
func (e *Env) RepFlush(through lsn.LSN) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	return errs.Trace(e.region.Flush(through))
}

// RepSync resumes a delayed client's verify handshake (spec.md §6
// "rep_sync", §4.I "Delay mode": the application calls this to
// proceed once it is ready to let catch-up begin).
func (e *Env) RepSync() error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	st, t := e.repl, e.transport
	e.mu.Unlock()
	if st == nil {
		return errs.Trace(errs.ErrInvalid)
	}
	return st.Sync(t)
}

// IsMaster reports whether this environment currently believes itself
// the replication master (spec.md §6 "rep_stat").
func (e *Env) IsMaster() bool {
	e.mu.Lock()
	st := e.repl
	e.mu.Unlock()
	return st != nil && st.IsMaster()
}
