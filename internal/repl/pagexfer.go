package repl

import (
	"encoding/binary"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
)

// PageTransfer implements the file-by-file page dump/apply internal
// initialization drives once the verify walk rewinds past file 1
// (spec.md §4.I "fetch the master's pages/files wholesale", §4.G
// "PAGE_REQ produces a file-by-file page dump and PAGE applies pages
// blindly under the page-catchup lock").
type PageTransfer interface {
	// DumpFiles streams every page of every database file, invoking
	// send once per page in file order. Master side.
	DumpFiles(send func(fileID string, pageNo uint32, body []byte) error) error
	// ApplyPage writes one received page verbatim: the transfer rides
	// the already-authenticated replication channel, so no further
	// validation is done here. Client side.
	ApplyPage(fileID string, pageNo uint32, body []byte) error
}

// PageInit implements Initializer by entering the page-catchup
// sub-state and requesting a file-by-file dump from the master
// (spec.md §4.I "fetch the master's pages/files wholesale").
type PageInit struct {
	State     *State
	Transport Transport
}

// BeginInternalInit sends PAGE_REQ to the current master and marks
// this site as mid page-catchup, so the PAGE/PAGE_DONE replies that
// follow are let through the recovery gate (spec.md §4.G step 3).
func (p *PageInit) BeginInternalInit() error {
	p.State.mu.Lock()
	p.State.recoveringPages = true
	masterID := p.State.MasterID
	gen := p.State.Gen
	p.State.mu.Unlock()

	ctrl := NewControl(MsgPageReq, gen, lsn.Zero, 0)
	return p.State.sendTo(p.Transport, masterID, ctrl, nil)
}

// dumpPages is the master side of PAGE_REQ: stream every page as one
// PAGE message apiece, then close the transfer with PAGE_DONE stamped
// at the LSN the dump was taken against.
func (s *State) dumpPages(env MessageEnv, toEID string) error {
	if env.Pages == nil {
		return nil
	}
	snapshot := env.endLSN()
	err := env.Pages.DumpFiles(func(fileID string, pageNo uint32, body []byte) error {
		payload := encodePageFrame(fileID, pageNo, body)
		ctrl := NewControl(MsgPage, s.Gen, lsn.Zero, len(payload))
		return s.sendTo(env.Transport, toEID, ctrl, payload)
	})
	if err != nil {
		return errs.Trace(err)
	}
	done := NewControl(MsgPageDone, s.Gen, snapshot, 0)
	return s.sendTo(env.Transport, toEID, done, nil)
}

// applyPage is the client side of PAGE: write the page blindly under
// the page-catchup lock. Ignored outside the page-catchup sub-state so
// a stray or late PAGE can never clobber a page once the site has
// moved on.
func (s *State) applyPage(env MessageEnv, body []byte) error {
	s.mu.Lock()
	active := s.recoveringPages
	s.mu.Unlock()
	if !active || env.Pages == nil {
		return nil
	}

	fileID, pageNo, page, ok := decodePageFrame(body)
	if !ok {
		return errs.Trace(errs.ErrInvalid)
	}

	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	return errs.Trace(env.Pages.ApplyPage(fileID, pageNo, page))
}

// finishPageInit is the client side of PAGE_DONE: the dump's snapshot
// LSN becomes the rendezvous point, exactly as a successful verify
// round would, so the site resumes via the ordinary ALL_REQ path.
func (s *State) finishPageInit(env MessageEnv, ctrl Control) error {
	s.mu.Lock()
	s.recoveringPages = false
	s.mu.Unlock()
	return s.verifyMatch(env.Verify, env.Transport, ctrl.LSN)
}

// encodePageFrame frames one page transfer as
// fileID_len[2] | fileID | page_no[4] | page_body.
func encodePageFrame(fileID string, pageNo uint32, body []byte) []byte {
	buf := make([]byte, 2+len(fileID)+4+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(fileID)))
	copy(buf[2:2+len(fileID)], fileID)
	off := 2 + len(fileID)
	binary.BigEndian.PutUint32(buf[off:off+4], pageNo)
	copy(buf[off+4:], body)
	return buf
}

func decodePageFrame(buf []byte) (fileID string, pageNo uint32, body []byte, ok bool) {
	if len(buf) < 2 {
		return "", 0, nil, false
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+n+4 {
		return "", 0, nil, false
	}
	fileID = string(buf[2 : 2+n])
	off := 2 + n
	pageNo = binary.BigEndian.Uint32(buf[off : off+4])
	return fileID, pageNo, buf[off+4:], true
}

// bulkFrame is one (Control, record) pair unpacked from a BULK_LOG
// payload.
type bulkFrame struct {
	Ctrl Control
	Body []byte
}

// decodeBulkFrames is the inverse of encodeBulkFrame, applied
// repeatedly until the buffer is consumed (spec.md §4.I "Bulk mode").
func decodeBulkFrames(buf []byte) ([]bulkFrame, error) {
	var out []bulkFrame
	for len(buf) > 0 {
		ctrl, err := DecodeControl(buf)
		if err != nil {
			return nil, errs.Trace(err)
		}
		buf = buf[ControlSize:]
		if uint32(len(buf)) < ctrl.MsgLen {
			return nil, errs.Trace(errs.ErrInvalid)
		}
		out = append(out, bulkFrame{Ctrl: ctrl, Body: buf[:ctrl.MsgLen]})
		buf = buf[ctrl.MsgLen:]
	}
	return out, nil
}

// applyBulkLog unpacks a coalesced BULK_LOG payload and feeds each
// record through the ordinary catch-up path in order, so a bulk
// message behaves identically to the individual LOG messages it
// replaces (spec.md §4.I "Bulk mode").
func (s *State) applyBulkLog(env MessageEnv, body []byte) error {
	frames, err := decodeBulkFrames(body)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.Apply(env.Catchup, f.Ctrl, f.Body); err != nil {
			return err
		}
	}
	return nil
}
