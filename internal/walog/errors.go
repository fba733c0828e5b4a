package walog

import (
	"errors"

	"github.com/coredbio/coredb/internal/errs"
)

// ErrShortRecord indicates a record's bytes were truncated, always a
// sign of on-disk corruption.
var ErrShortRecord = errors.New("walog: record bytes shorter than its own header claims")

// ErrBadChecksum indicates a record's checksum does not match its
// body — corruption, per spec.md §7 CORRUPT.
var ErrBadChecksum = errors.New("walog: record checksum mismatch")

// ErrRecordTooLarge is spec.md §4.D step 2's RECORD_TOO_LARGE: the
// record does not fit even in a freshly rolled-over file.
var ErrRecordTooLarge = errs.ErrRecordTooLarge

// ErrNoMoreRecords is returned by a log Cursor when a NEXT/PREV walk
// runs off either end of the log.
var ErrNoMoreRecords = errors.New("walog: no more log records in that direction")

// ErrInvalidCursorOp is returned for an unrecognized CursorOp.
var ErrInvalidCursorOp = errors.New("walog: invalid cursor operation")

func trace(err error) error { return errs.Trace(err) }
