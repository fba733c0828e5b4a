package dbenv

import "github.com/coredbio/coredb/internal/errs"

// pageFileID names the one shared page file every database in this
// environment lives in (see env.go's catalog comment: one page file,
// one page-number space, across all open databases).
const pageFileID = "__db.pages"

// pageTransfer adapts Env's page cache to repl.PageTransfer, backing
// PAGE_REQ/PAGE internal initialization (spec.md §4.I "fetch the
// master's pages/files wholesale").
type pageTransfer struct{ e *Env }

// DumpFiles streams every materialized page of the shared page file in
// order. Page 0 is the reserved invalid sentinel and is never written.
func (p *pageTransfer) DumpFiles(send func(fileID string, pageNo uint32, body []byte) error) error {
	n := p.e.cache.PageCount()
	for pno := uint32(1); pno < n; pno++ {
		buf, err := p.e.cache.ReadPageRaw(pno)
		if err != nil {
			return errs.Trace(err)
		}
		if err := send(pageFileID, pno, buf); err != nil {
			return err
		}
	}
	return nil
}

// ApplyPage writes a received page straight to disk, bypassing the
// frame cache entirely since the page is not yet owned by any pinned
// frame during internal initialization.
func (p *pageTransfer) ApplyPage(fileID string, pageNo uint32, body []byte) error {
	if fileID != pageFileID {
		return nil
	}
	return errs.Trace(p.e.cache.WritePageRaw(pageNo, body))
}
