package dbenv

import (
	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/recovery"
	"github.com/coredbio/coredb/internal/txn"
	"github.com/coredbio/coredb/internal/walog"
)

// TxnBegin starts a new transaction, optionally nested under parentID
// (spec.md §6 "txn_begin"). A parentID of 0 starts a top-level
// transaction.
func (e *Env) TxnBegin(parentID uint32) (*txn.Txn, error) {
	if err := e.checkLive(); err != nil {
		return nil, err
	}
	var parent *txn.Txn
	if parentID != 0 {
		parent = e.txns.Lookup(parentID)
		if parent == nil {
			return nil, errs.Trace(errs.ErrNotFound)
		}
	}
	return e.txns.Begin(parent), nil
}

// TxnCommit commits t: a nested transaction chains into its parent via
// a txn_child record, a top-level one writes a committing txn_regop
// (spec.md §6 "txn_commit").
func (e *Env) TxnCommit(t *txn.Txn) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	if err := e.txns.Commit(t); err != nil {
		return errs.Trace(err)
	}
	e.mu.Lock()
	delete(e.txnRecords, t.ID)
	e.mu.Unlock()
	return nil
}

// TxnAbort undoes every addrem record t has written so far, then logs
// an aborting txn_regop and retires t's handle (spec.md §6
// "txn_abort"). Overflow-chain big/ovref edits t may have made are not
// rolled back here — page.WALWriter carries no txn id to attribute
// them with — and are instead corrected only by Recover after a crash
// (see DESIGN.md).
func (e *Env) TxnAbort(t *txn.Txn) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	lsns := e.txnRecords[t.ID]
	delete(e.txnRecords, t.ID)
	e.mu.Unlock()

	for i := len(lsns) - 1; i >= 0; i-- {
		rec, err := e.LogCursor().Get(walog.CursorSet, lsns[i])
		if err != nil {
			return errs.Trace(err)
		}
		if err := e.dispatcher.Apply(rec, recovery.Undo); err != nil {
			return errs.Trace(err)
		}
	}
	return errs.Trace(e.txns.Abort(t))
}

// TxnPrepare logs t's prepare record, the first phase of a two-phase
// commit (spec.md §6 "txn_prepare").
func (e *Env) TxnPrepare(t *txn.Txn) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	return errs.Trace(e.txns.Prepare(t))
}

// TxnCheckpoint writes a checkpoint record and syncs the shared page
// cache (spec.md §6 "txn_checkpoint").
func (e *Env) TxnCheckpoint() error {
	if err := e.checkLive(); err != nil {
		return err
	}
	_, err := e.checkpoint()
	return err
}
