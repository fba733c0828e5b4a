package page

import "github.com/coredbio/coredb/internal/lsn"

// Pager is the pin/unpin contract this package needs from the buffer
// cache (spec.md §1 "mpool_fget/fput"; full ownership rules live in
// internal/bufpool, out of this package's scope). Fetch returns a
// write-pinned page, allocating it if it does not exist when alloc is
// true.
type Pager interface {
	Fetch(pageNo uint32, alloc bool) (*Page, error)
	Put(p *Page, dirty bool) error
	NewPageNo() (uint32, error)
	FreePageNo(pageNo uint32) error
}

// WALWriter is the subset of the write-ahead log this package needs to
// emit *big*/*ovref* records while building or freeing an overflow
// chain (spec.md §4.B "build_overflow", "delete_overflow_chain").
type WALWriter interface {
	LogBig(pageNo uint32, prevPageLSN lsn.LSN, payload []byte, add bool) (lsn.LSN, error)
	LogOvRef(pageNo uint32, prevPageLSN lsn.LSN, adjust int32) (lsn.LSN, error)
}

// MemoryMode selects how read_overflow delivers bytes to the caller,
// per spec.md §4.B's DBT memory modes.
type MemoryMode int

const (
	MemUserOwned MemoryMode = iota
	MemLibraryMalloc
	MemLibraryRealloc
	MemInternalScratch
)

// DBT mirrors the subset of Berkeley DB's DBT (data/length descriptor)
// that read_overflow needs: an optional partial-get window and, for
// MemUserOwned, the caller's buffer.
type DBT struct {
	Mem  MemoryMode
	Buf  []byte // caller-owned buffer for MemUserOwned
	Doff int    // partial-get: bytes to skip
	Dlen int    // partial-get: bytes to copy (0 = to end)
}
