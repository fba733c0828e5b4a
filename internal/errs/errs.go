// Package errs defines the error taxonomy shared across the storage
// core and replication engine (spec.md §7).
package errs

import (
	"errors"
	"fmt"

	pingcaperrors "github.com/pingcap/errors"
)

// Sentinel error kinds. Check with errors.Is; wrap with Trace/Annotate
// below to preserve a stack for storage-core errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrPageFull     = errors.New("page full: needs split")
	ErrBufferSmall  = errors.New("buffer too small")
	ErrInvalid      = errors.New("invalid argument or state")
	ErrIO           = errors.New("i/o error")
	ErrCorrupt      = errors.New("on-disk corruption detected")
	ErrDeadlock     = errors.New("deadlock detected, transaction must retry")
	ErrDupMaster    = errors.New("duplicate master detected")
	ErrHoldElection = errors.New("vote received while not in election")
	ErrJoinFailure  = errors.New("client too far behind, auto-init disabled")
	ErrEgenChg      = errors.New("election generation changed")
	ErrUnavail      = errors.New("no quorum available")
	ErrPanic        = errors.New("environment panicked, recreate to continue")
	ErrLengthError  = errors.New("partial put does not match fixed record length")
	ErrRecordTooLarge = errors.New("record too large for any log file")
)

// Trace wraps err with a stack trace the way the storage core does
// throughout recovery/page/walog, via github.com/pingcap/errors.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return pingcaperrors.Trace(err)
}

// Annotatef wraps err with a stack trace and a formatted message.
func Annotatef(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return pingcaperrors.Annotatef(err, format, args...)
}

// DupMasterError carries the competing generations so the application
// layer can decide who yields (SPEC_FULL §9.2).
type DupMasterError struct {
	Ours, Theirs uint32
}

func (e *DupMasterError) Error() string {
	return fmt.Sprintf("%v: our gen=%d, their gen=%d", ErrDupMaster, e.Ours, e.Theirs)
}

func (e *DupMasterError) Unwrap() error { return ErrDupMaster }
