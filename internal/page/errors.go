package page

import (
	"errors"

	"github.com/coredbio/coredb/internal/errs"
)

// ErrShortItem indicates a slot's encoded bytes were truncated —
// always a sign of on-disk corruption, never a caller mistake.
var ErrShortItem = errors.New("page: item bytes shorter than its own header claims")

func errTrace(err error) error { return errs.Trace(err) }

// ErrPageFull is returned by Insert/Replace when there is not enough
// free space; callers split rather than treat it as a fatal error
// (spec.md §4.B "Failure semantics").
var ErrPageFull = errs.ErrPageFull

// ErrBufferTooSmall is returned by ReadOverflow when the caller
// supplied a MemUserOwned buffer too small to hold the requested
// range (spec.md §7 BUFFER_SMALL).
var ErrBufferTooSmall = errs.ErrBufferSmall
