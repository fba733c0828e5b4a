package repl

import (
	"errors"

	"github.com/coredbio/coredb/internal/errs"
)

// ErrInvalidMessage is spec.md §4.G step 1: rep_version or
// log_version does not match this build's supported values.
var ErrInvalidMessage = errors.New("repl: unsupported rep_version or log_version")

var (
	ErrDupMaster    = errs.ErrDupMaster
	ErrHoldElection = errs.ErrHoldElection
	ErrJoinFailure  = errs.ErrJoinFailure
	ErrEgenChg      = errs.ErrEgenChg
	ErrUnavail      = errs.ErrUnavail
)
