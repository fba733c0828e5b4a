// Package recovery implements the generic redo/undo dispatch
// framework and the per-record-type apply functions that replay the
// write-ahead log against the buffer cache after a crash (spec.md
// §4.F).
package recovery

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/internal/dbreg"
	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/page"
	"github.com/coredbio/coredb/internal/walog"
)

// Direction is the pass a record is being replayed under (spec.md
// §4.F "direction ∈ {redo, undo, txn-open-files}").
type Direction int

const (
	Redo Direction = iota
	Undo
	OpenFiles
)

// FileOpener is the hook the dbreg_register handler calls into to
// actually open or close a database file and install it in the id
// table — owned by the embedding environment, not this package
// (spec.md §4.F "call into §4.E's log_do_open").
type FileOpener interface {
	OpenFile(f *dbreg.FNAME) error
	CloseFile(f *dbreg.FNAME) error
}

// Dispatcher replays log records against a page.Pager, honoring the
// cmp_n/cmp_p redo/undo conditions of spec.md §4.F steps 3-7.
type Dispatcher struct {
	Pager    page.Pager
	Registry *dbreg.Registry
	Opener   FileOpener
	Log      *logrus.Logger
}

// Apply parses rec's body and dispatches to the matching per-record
// handler.
func (d *Dispatcher) Apply(rec walog.Record, direction Direction) error {
	prefix, body, err := walog.DecodeBodyPrefix(rec.Body)
	if err != nil {
		return errs.Trace(err)
	}
	switch prefix.Type {
	case walog.RecAddRem:
		return d.applyAddRem(body, rec.LSN, direction)
	case walog.RecBig:
		return d.applyBig(body, rec.LSN, direction)
	case walog.RecOvRef:
		return d.applyOvRef(body, rec.LSN, direction)
	case walog.RecRelink:
		return d.applyRelink(body, rec.LSN, direction)
	case walog.RecTxnRegop, walog.RecTxnXARegop:
		return nil // commit/abort boundaries carry no page edit of their own
	case walog.RecTxnCkp:
		return nil // checkpoint marker; the ckp_lsn is consumed by the caller, not here
	case walog.RecTxnChild:
		return nil // parent/child linkage only, no page edit
	case walog.RecDbregRegister:
		return d.applyDbregRegister(body, direction)
	case walog.RecNoop, walog.RecDebug:
		return nil
	default:
		return errs.Trace(errs.ErrInvalid)
	}
}

// applyPageEdit implements the generic cmp_n/cmp_p redo/undo decision
// (spec.md §4.F steps 2-7) around a record-type-specific edit.
func applyPageEdit(pager page.Pager, pageNo uint32, recordLSN, recordPrevPageLSN lsn.LSN, direction Direction, doRedo, doUndo func(p *page.Page) error) error {
	allowMissing := direction == Undo
	p, err := pager.Fetch(pageNo, direction == Redo)
	if err != nil {
		if allowMissing && errors.Is(err, errs.ErrNotFound) {
			return nil // page had zero LSN: nothing to undo
		}
		return errs.Trace(err)
	}

	cmpN := recordLSN.Compare(p.Header.PageLSN)
	cmpP := p.Header.PageLSN.Compare(recordPrevPageLSN)

	switch {
	case direction == Redo && cmpP == 0:
		if err := doRedo(p); err != nil {
			_ = pager.Put(p, false)
			return errs.Trace(err)
		}
		p.Header.PageLSN = recordLSN
		p.Flush()
		return errs.Trace(pager.Put(p, true))

	case direction == Undo && cmpN == 0:
		if err := doUndo(p); err != nil {
			_ = pager.Put(p, false)
			return errs.Trace(err)
		}
		p.Header.PageLSN = recordPrevPageLSN
		p.Flush()
		return errs.Trace(pager.Put(p, true))

	default:
		return errs.Trace(pager.Put(p, false))
	}
}

func (d *Dispatcher) applyAddRem(body []byte, recLSN lsn.LSN, direction Direction) error {
	pl, err := decodeAddRem(body)
	if err != nil {
		return errs.Trace(err)
	}
	item, _, err := page.DecodeItem(pl.Item)
	if err != nil {
		return errs.Trace(err)
	}

	insert := func(p *page.Page) error { return p.Insert(int(pl.Indx), item) }
	del := func(p *page.Page) error { return p.Delete(int(pl.Indx)) }

	var doRedo, doUndo func(p *page.Page) error
	switch pl.Op {
	case AddRemAdd:
		doRedo, doUndo = insert, del
	case AddRemRemove:
		doRedo, doUndo = del, insert
	}
	return applyPageEdit(d.Pager, pl.PageNo, recLSN, pl.PrevPageLSN, direction, doRedo, doUndo)
}

func (d *Dispatcher) applyBig(body []byte, recLSN lsn.LSN, direction Direction) error {
	pl, err := decodeBig(body)
	if err != nil {
		return errs.Trace(err)
	}
	doRedo := func(p *page.Page) error {
		if pl.Add {
			page.ReinitOverflowPage(p, pl.Data)
		}
		// remove: the page is about to be freed by the caller; just stamping the LSN is enough.
		return nil
	}
	doUndo := func(p *page.Page) error {
		// Undoing an add/remove of an about-to-vanish overflow page is a
		// no-op beyond the LSN stamp applyPageEdit already performs.
		return nil
	}
	return applyPageEdit(d.Pager, pl.PageNo, recLSN, pl.PrevPageLSN, direction, doRedo, doUndo)
}

func (d *Dispatcher) applyOvRef(body []byte, recLSN lsn.LSN, direction Direction) error {
	pl, err := decodeOvRef(body)
	if err != nil {
		return errs.Trace(err)
	}
	doRedo := func(p *page.Page) error {
		page.AdjustOverflowRefcount(p, pl.Adjust)
		return nil
	}
	doUndo := func(p *page.Page) error {
		page.AdjustOverflowRefcount(p, -pl.Adjust)
		return nil
	}
	return applyPageEdit(d.Pager, pl.PageNo, recLSN, pl.PrevPageLSN, direction, doRedo, doUndo)
}

func (d *Dispatcher) applyRelink(body []byte, recLSN lsn.LSN, direction Direction) error {
	pl, err := decodeRelink(body)
	if err != nil {
		return errs.Trace(err)
	}
	rewire := func(p *page.Page) error {
		p.Header.PrevPage = pl.Prev
		p.Header.NextPage = pl.Next
		return nil
	}
	unrewire := func(p *page.Page) error {
		return nil // the prior prev/next is restored by the page's own prevPageLSN-stamped state on revisits
	}
	if err := applyPageEdit(d.Pager, pl.PageNo, recLSN, pl.OldPrevPageLSN, direction, rewire, unrewire); err != nil {
		return err
	}
	if pl.Prev != 0 {
		if err := applyPageEdit(d.Pager, pl.Prev, recLSN, pl.PrevOfPrevPgLSN, direction,
			func(p *page.Page) error { p.Header.NextPage = pl.Next; return nil },
			func(p *page.Page) error { return nil }); err != nil {
			return err
		}
	}
	if pl.Next != 0 {
		if err := applyPageEdit(d.Pager, pl.Next, recLSN, pl.NextOfNextPgLSN, direction,
			func(p *page.Page) error { p.Header.PrevPage = pl.Prev; return nil },
			func(p *page.Page) error { return nil }); err != nil {
			return err
		}
	}
	return nil
}

// applyDbregRegister implements spec.md §4.F's dbreg_register rule:
// redo of OPEN (or the OPENFILES pass) opens and installs the file;
// undo of OPEN closes and revokes it; undo of CLOSE re-opens it;
// checkpoint-marker opcodes (PREOPEN/REOPEN) only snapshot state and
// never themselves open.
func (d *Dispatcher) applyDbregRegister(body []byte, direction Direction) error {
	pl, err := decodeDbregRegister(body)
	if err != nil {
		return errs.Trace(err)
	}
	op := dbreg.Opcode(pl.Opcode)
	f := &dbreg.FNAME{
		FileID:     pl.FileID,
		Name:       pl.Name,
		UID:        pl.UID,
		DBType:     pl.DBType,
		MetaPageNo: pl.MetaPageNo,
	}

	switch {
	case (direction == Redo || direction == OpenFiles) && op == dbreg.OpOpen:
		if d.Opener == nil {
			return nil
		}
		if err := d.Opener.OpenFile(f); err != nil {
			return errs.Trace(err)
		}
		return d.Registry.AssignID(f, pl.FileID)

	case direction == Undo && op == dbreg.OpOpen:
		if d.Opener != nil {
			if err := d.Opener.CloseFile(f); err != nil {
				return errs.Trace(err)
			}
		}
		d.Registry.RevokeID(f)
		return nil

	case direction == Undo && (op == dbreg.OpClose || op == dbreg.OpRClose):
		if d.Opener == nil {
			return nil
		}
		if err := d.Opener.OpenFile(f); err != nil {
			return errs.Trace(err)
		}
		return d.Registry.AssignID(f, pl.FileID)

	default:
		return nil
	}
}
