// Package txn implements the transaction handle: identity, parent
// linkage, the last-LSN chain that ties together a transaction's log
// records for undo and reconstruction, and the lock set it holds
// (spec.md §3 "Transaction").
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
)

// State is a transaction's lifecycle stage (spec.md §3).
type State uint8

const (
	StateActive State = iota
	StatePrepared
	StateCommitted
	StateAborted
)

// Txn is one transaction handle.
type Txn struct {
	ID      uint32
	Parent  *Txn
	LastLSN lsn.LSN
	State   State

	mu      sync.Mutex
	lockers map[string]struct{}
}

// HoldsLock reports whether this transaction has recorded holding the
// named lock resource.
func (t *Txn) HoldsLock(resource string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lockers[resource]
	return ok
}

// AddLocker records resource as held by this transaction.
func (t *Txn) AddLocker(resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lockers == nil {
		t.lockers = make(map[string]struct{})
	}
	t.lockers[resource] = struct{}{}
}

// Lockers returns a snapshot of the resources this transaction holds.
func (t *Txn) Lockers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.lockers))
	for k := range t.lockers {
		out = append(out, k)
	}
	return out
}

// WAL is the subset of the write-ahead log the transaction manager
// needs in order to record commit/abort/prepare/child boundaries.
type WAL interface {
	LogTxnRegop(txnID uint32, prevLSN lsn.LSN, commit bool) (lsn.LSN, error)
	LogTxnXARegop(txnID uint32, prevLSN lsn.LSN) (lsn.LSN, error)
	LogTxnChild(parentID, childID uint32, childLSN lsn.LSN) (lsn.LSN, error)
}

// Manager tracks every active transaction and assigns ids, grounded on
// the teacher's TransactionManager (mutex-guarded active-set map, an
// atomically incremented id counter) generalized to spec.md §3's
// {parent, last_lsn, lockers, state} shape rather than the teacher's
// MVCC read-view fields.
type Manager struct {
	mu     sync.RWMutex
	nextID uint32
	active map[uint32]*Txn
	wal    WAL
}

// NewManager creates an empty transaction manager.
func NewManager(wal WAL) *Manager {
	return &Manager{active: make(map[uint32]*Txn), wal: wal}
}

// Begin starts a new transaction, optionally nested under parent.
func (m *Manager) Begin(parent *Txn) *Txn {
	id := atomic.AddUint32(&m.nextID, 1)
	t := &Txn{ID: id, Parent: parent, State: StateActive}

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t
}

// Lookup returns the active transaction for id, or nil.
func (m *Manager) Lookup(id uint32) *Txn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[id]
}

// Prepare logs a txn_xa_regop record and moves t to the prepared
// state, the first phase of a two-phase commit (spec.md §3, §4.F
// "txn_xa_regop — prepare").
func (m *Manager) Prepare(t *Txn) error {
	if t.State != StateActive {
		return errs.Trace(errs.ErrInvalid)
	}
	if m.wal != nil {
		newLSN, err := m.wal.LogTxnXARegop(t.ID, t.LastLSN)
		if err != nil {
			return errs.Trace(err)
		}
		t.LastLSN = newLSN
	}
	t.State = StatePrepared
	return nil
}

// Commit logs a txn_regop commit record (or, for a nested
// transaction, a txn_child record chaining into the parent's LastLSN)
// and retires t.
func (m *Manager) Commit(t *Txn) error {
	if t.State != StateActive && t.State != StatePrepared {
		return errs.Trace(errs.ErrInvalid)
	}
	if m.wal != nil {
		if t.Parent != nil {
			newLSN, err := m.wal.LogTxnChild(t.Parent.ID, t.ID, t.LastLSN)
			if err != nil {
				return errs.Trace(err)
			}
			t.Parent.LastLSN = newLSN
		} else {
			newLSN, err := m.wal.LogTxnRegop(t.ID, t.LastLSN, true)
			if err != nil {
				return errs.Trace(err)
			}
			t.LastLSN = newLSN
		}
	}
	t.State = StateCommitted
	m.retire(t)
	return nil
}

// Abort logs a txn_regop abort record. The caller is responsible for
// walking t.LastLSN's prev_lsn chain through internal/recovery to
// undo each of t's records before calling Abort (spec.md §4.F "aborts
// walk the prev_lsn chain undoing each record").
func (m *Manager) Abort(t *Txn) error {
	if t.State != StateActive && t.State != StatePrepared {
		return errs.Trace(errs.ErrInvalid)
	}
	if m.wal != nil {
		newLSN, err := m.wal.LogTxnRegop(t.ID, t.LastLSN, false)
		if err != nil {
			return errs.Trace(err)
		}
		t.LastLSN = newLSN
	}
	t.State = StateAborted
	m.retire(t)
	return nil
}

func (m *Manager) retire(t *Txn) {
	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
}

// Active returns every currently active or prepared transaction,
// oldest LastLSN first — the set recovery's OpenFiles pass and a
// checkpoint need to compute the earliest uncommitted LSN (spec.md
// §4.F "txn_ckp").
func (m *Manager) Active() []*Txn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Txn, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastLSN.Less(out[j-1].LastLSN); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// EarliestLSN returns the smallest LastLSN among active transactions,
// or the zero LSN if none are active — the ckp_lsn of a new
// checkpoint record (spec.md §3, §4.F).
func (m *Manager) EarliestLSN() lsn.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best lsn.LSN
	first := true
	for _, t := range m.active {
		if first || t.LastLSN.Less(best) {
			best = t.LastLSN
			first = false
		}
	}
	return best
}
