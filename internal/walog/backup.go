package walog

import (
	"errors"

	"github.com/coredbio/coredb/internal/lsn"
)

// ErrNoCheckpoint is returned by LogBackup when PREV walks off the
// start of the log without ever finding a commit, abort, or
// checkpoint record.
var ErrNoCheckpoint = errors.New("walog: no commit/checkpoint record found walking back from lsn")

// LogBackup walks the log backward from start via PREV, stopping at
// the first transaction-commit/abort (RecTxnRegop) or checkpoint
// (RecTxnCkp) record — the point a client resyncing its log can trust
// as already-applied (spec.md §4.I "verify handshake": log_backup).
func LogBackup(dir, legacyPrefix string, start lsn.LSN) (Record, error) {
	c := NewCursor(dir, legacyPrefix)
	rec, err := c.Get(CursorSet, start)
	if err != nil {
		return Record{}, err
	}
	for {
		prefix, _, err := DecodeBodyPrefix(rec.Body)
		if err != nil {
			return Record{}, err
		}
		if prefix.Type == RecTxnRegop || prefix.Type == RecTxnCkp {
			return rec, nil
		}
		rec, err = c.Get(CursorPrev, lsn.Zero)
		if err != nil {
			if errors.Is(err, ErrNoMoreRecords) {
				return Record{}, ErrNoCheckpoint
			}
			return Record{}, err
		}
	}
}
