// Package dbreg implements the per-environment file-ID registry: a
// small-integer file_id mapped to the FNAME bookkeeping record of the
// underlying database file, shared between the buffer cache and
// recovery so logged file-IDs can be resolved back to open databases
// (spec.md §4.E).
package dbreg

import (
	"crypto/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/internal/errs"
)

// Opcode is the dbreg_register log record's operation, spec.md §4.E.
type Opcode uint8

const (
	OpOpen Opcode = iota
	OpPreopen
	OpReopen
	OpClose
	OpRClose
)

// InvalidFileID marks an FNAME that has not yet been assigned a slot.
const InvalidFileID = -1

// FNAME is the per-open-database bookkeeping record, linked into the
// registry's open-file list once it has a file_id (spec.md §4.E).
type FNAME struct {
	FileID        int32
	Name          string
	UID           [16]byte
	DBType        uint32
	MetaPageNo    uint32
	CreateTxnID   uint32
	Durable       bool
	NotYetLogged  bool
	rememberedGen uint32
}

// Logger is the subset of the write-ahead log the registry needs to
// emit dbreg_register records.
type Logger interface {
	LogDbregRegister(op Opcode, f *FNAME) error
}

// Registry is the per-environment file-ID table: a slice indexed by
// file_id (nil where unassigned), a free-stack of recyclable ids, and
// the shared mutex spec.md §4.E calls "the filelist mutex".
type Registry struct {
	mu        sync.Mutex
	byID      []*FNAME
	freeStack []int32
	fidMax    int32
	curGen    func() uint32
	logw      Logger
	log       *logrus.Logger
}

// New creates an empty registry. curGen reports the replication
// engine's current generation (or a constant 0 if replication is
// inactive), used by the push/pop recycling policy below.
func New(logw Logger, curGen func() uint32, log *logrus.Logger) *Registry {
	if curGen == nil {
		curGen = func() uint32 { return 0 }
	}
	return &Registry{logw: logw, curGen: curGen, log: log}
}

func newUID() [16]byte {
	var uid [16]byte
	_, _ = rand.Read(uid[:])
	return uid
}

// Setup allocates an FNAME for name, stamping a randomly generated uid
// (16 bytes from crypto/rand; it is not derived from the file's inode
// or any other filesystem identity) and database type. file_id remains InvalidFileID until NewID
// links it into the open-file list (spec.md §4.E setup).
func (r *Registry) Setup(name string, dbType uint32, metaPageNo uint32, createTxnID uint32) *FNAME {
	return &FNAME{
		FileID:      InvalidFileID,
		Name:        name,
		UID:         newUID(),
		DBType:      dbType,
		MetaPageNo:  metaPageNo,
		CreateTxnID: createTxnID,
	}
}

// NewID assigns f a file_id — recycled from the free stack when
// available, otherwise freshly minted — links it into the open-file
// list, and logs a dbreg_register OPEN record. preopen marks the
// record PREOPEN instead of OPEN for a database not yet fully open;
// reopen marks it REOPEN for an in-memory reinstate. On a successful
// log write, CreateTxnID is cleared so it is never relogged (spec.md
// §4.E new_id).
func (r *Registry) NewID(f *FNAME, preopen, reopen bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.popFree()
	if id < 0 {
		id = r.fidMax
		r.fidMax++
	}
	f.FileID = id
	f.rememberedGen = r.curGen()
	r.install(id, f)

	op := OpOpen
	switch {
	case preopen:
		op = OpPreopen
	case reopen:
		op = OpReopen
	}
	if r.logw != nil {
		if err := r.logw.LogDbregRegister(op, f); err != nil {
			return errs.Trace(err)
		}
	}
	f.CreateTxnID = 0
	return nil
}

// AssignID installs f at the specific id, used during recovery replay
// (spec.md §4.E assign_id). If another FNAME already owns id, it is
// closed first, preserving its reference long enough to release
// cleanly.
func (r *Registry) AssignID(f *FNAME, id int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(id) < len(r.byID) && r.byID[id] != nil && r.byID[id] != f {
		r.unlinkLocked(id)
	}
	r.removeFromFree(id)
	f.FileID = id
	f.rememberedGen = r.curGen()
	r.install(id, f)
	if id >= r.fidMax {
		r.fidMax = id + 1
	}
	return nil
}

// RevokeID unlinks f from the open-file list and pushes its id onto
// the free stack, unless replication is active and f's remembered
// generation differs from the current one — in which case the push
// is skipped so a stale master's in-flight log can't refer to a
// recycled id out from under it (spec.md §4.E "push/pop policy").
func (r *Registry) RevokeID(f *FNAME) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := f.FileID
	if id < 0 {
		return
	}
	r.unlinkLocked(id)
	if f.rememberedGen == r.curGen() {
		r.freeStack = append(r.freeStack, id)
	}
	f.FileID = InvalidFileID
}

// CloseID emits a dbreg_register CLOSE (or RClose) record, then
// revokes the id. If the log write fails, f is marked NotYetLogged so
// environment shutdown can detect the inconsistency (spec.md §4.E
// close_id).
func (r *Registry) CloseID(f *FNAME, rclose bool) error {
	op := OpClose
	if rclose {
		op = OpRClose
	}
	if r.logw != nil {
		if err := r.logw.LogDbregRegister(op, f); err != nil {
			f.NotYetLogged = true
			return errs.Trace(err)
		}
	}
	r.RevokeID(f)
	return nil
}

// Lookup returns the FNAME registered under id, or nil.
func (r *Registry) Lookup(id int32) *FNAME {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) < 0 || int(id) >= len(r.byID) {
		return nil
	}
	return r.byID[id]
}

func (r *Registry) install(id int32, f *FNAME) {
	for int(id) >= len(r.byID) {
		r.byID = append(r.byID, nil)
	}
	r.byID[id] = f
}

func (r *Registry) unlinkLocked(id int32) {
	if int(id) < len(r.byID) {
		r.byID[id] = nil
	}
}

func (r *Registry) popFree() int32 {
	n := len(r.freeStack)
	if n == 0 {
		return -1
	}
	id := r.freeStack[n-1]
	r.freeStack = r.freeStack[:n-1]
	return id
}

func (r *Registry) removeFromFree(id int32) {
	out := r.freeStack[:0]
	for _, v := range r.freeStack {
		if v != id {
			out = append(out, v)
		}
	}
	r.freeStack = out
}
