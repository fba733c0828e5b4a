package dbenv

import (
	"errors"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/recovery"
	"github.com/coredbio/coredb/internal/walog"
)

// txnTrace is what the forward pass remembers about one transaction:
// every record LSN it wrote, in the order written, and whether the log
// ever recorded it reaching a final commit.
type txnTrace struct {
	lsns      []lsn.LSN
	committed bool
	closed    bool
}

// Recover implements spec.md §6 "env_open DB_RECOVER": a single
// forward pass over the write-ahead log that redoes every page edit
// and opens every database a dbreg_register record names, followed by
// a backward pass, per transaction, that undoes the records of any
// transaction the log never closed with a txn_regop record, commit or
// abort (spec.md §4.F steps
// 2-7, "aborts walk ... undoing each record").
func Recover(e *Env) error {
	traces := make(map[uint32]*txnTrace)

	cur := e.LogCursor()
	rec, err := cur.Get(walog.CursorFirst, lsn.Zero)
	for {
		if err != nil {
			if isCursorEOF(err) {
				break
			}
			return errs.Trace(err)
		}

		prefix, _, derr := walog.DecodeBodyPrefix(rec.Body)
		if derr != nil {
			return errs.Trace(derr)
		}

		if err := e.dispatcher.Apply(rec, recovery.Redo); err != nil {
			return errs.Trace(err)
		}

		if prefix.TxnID != 0 {
			t := traces[prefix.TxnID]
			if t == nil {
				t = &txnTrace{}
				traces[prefix.TxnID] = t
			}
			t.lsns = append(t.lsns, rec.LSN)
			if prefix.Type == walog.RecTxnRegop {
				if pl, perr := recovery.DecodeTxnRegop(rec.Body); perr == nil {
					t.closed = true
					t.committed = pl.Commit
				}
			}
		}

		rec, err = cur.Get(walog.CursorNext, lsn.Zero)
	}

	for txnID, t := range traces {
		if t.closed {
			continue
		}
		if e.log != nil {
			e.log.WithField("txn", txnID).Warn("recovery: undoing transaction open at end of log")
		}
		for i := len(t.lsns) - 1; i >= 0; i-- {
			urec, gerr := e.LogCursor().Get(walog.CursorSet, t.lsns[i])
			if gerr != nil {
				return errs.Trace(gerr)
			}
			if err := e.dispatcher.Apply(urec, recovery.Undo); err != nil {
				return errs.Trace(err)
			}
		}
	}
	return nil
}

func isCursorEOF(err error) bool {
	return errors.Is(err, walog.ErrNoMoreRecords) || errors.Is(err, walog.ErrShortRecord)
}
