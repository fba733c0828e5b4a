package bufpool

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/page"
)

const numBuckets = 32

// LogFlusher is the subset of the write-ahead log the cache needs to
// honor the WAL rule of spec.md §5: "the buffer cache must not write a
// dirty page until the log has been flushed through that page's
// page_lsn".
type LogFlusher interface {
	Flush(through lsn.LSN) error
}

// frame is one cached page plus its pin/dirty bookkeeping. Every
// caller that fetches a page gets the same frame; writers are not
// serialized and readers are not told apart from writers by this
// simplified cache (write-through, no eviction algorithm) since the LRU/
// clock-sweep internals are out of this module's scope (spec.md §1).
type frame struct {
	page     *page.Page
	pinCount int32
	dirty    bool
}

// Cache is a file-backed, write-through page cache implementing
// page.Pager. It holds one Hook, shared by every database in its page
// file, and enforces the WAL ordering rule on every write-back.
type Cache struct {
	mu      [numBuckets]sync.Mutex
	frames  [numBuckets]map[uint32]*frame
	file    *os.File
	pageNo  uint32 // next unallocated page number
	pageSz  uint32
	hook    Hook
	flusher LogFlusher
	freeMu  sync.Mutex
	free    []uint32
	log     *logrus.Logger
}

// Open backs a Cache with the file at path, creating it if absent.
func Open(path string, pageSize uint32, hook Hook, flusher LogFlusher, log *logrus.Logger) (*Cache, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Trace(err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, errs.Trace(err)
	}
	c := &Cache{
		file:    f,
		pageSz:  pageSize,
		hook:    hook,
		flusher: flusher,
		log:     log,
	}
	for i := range c.frames {
		c.frames[i] = make(map[uint32]*frame)
	}
	if pageSize > 0 {
		c.pageNo = uint32(info.Size() / int64(pageSize))
	}
	if c.pageNo == 0 {
		c.pageNo = 1 // page 0 is reserved as the invalid sentinel
	}
	return c, nil
}

func bucket(pageNo uint32) int { return int(pageNo) % numBuckets }

// Fetch pins pageNo for writing, reading it from disk (through the
// PageIn hook) if it is not already cached. When alloc is true and the
// page does not yet exist on disk, a zeroed page is materialized
// instead of returning ErrNotFound (spec.md §4.F "redo: create the
// page if missing").
func (c *Cache) Fetch(pageNo uint32, alloc bool) (*page.Page, error) {
	b := bucket(pageNo)
	c.mu[b].Lock()
	defer c.mu[b].Unlock()

	if fr, ok := c.frames[b][pageNo]; ok {
		atomic.AddInt32(&fr.pinCount, 1)
		return fr.page, nil
	}

	buf := make([]byte, c.pageSz)
	off := int64(pageNo) * int64(c.pageSz)
	n, err := c.file.ReadAt(buf, off)
	if err != nil && n == 0 && !alloc {
		return nil, errs.Trace(errs.ErrNotFound)
	}
	if c.hook.PageIn != nil {
		if err := c.hook.PageIn(pageNo, buf, c.hook.Ctx); err != nil {
			return nil, errs.Trace(err)
		}
	}
	p, err := page.Open(buf)
	if err != nil {
		return nil, errs.Trace(err)
	}
	if n == 0 {
		p.Header.PageNo = pageNo
		p.Header.HeapOffset = uint16(c.pageSz)
		p.Flush()
	}
	fr := &frame{page: p, pinCount: 1}
	c.frames[b][pageNo] = fr
	return p, nil
}

// Put unpins p, marking it dirty if the caller edited it. The WAL rule
// is enforced here: a dirty page is not written back until the log has
// been flushed through p.Header.PageLSN.
func (c *Cache) Put(p *page.Page, dirty bool) error {
	pageNo := p.Header.PageNo
	b := bucket(pageNo)
	c.mu[b].Lock()
	fr, ok := c.frames[b][pageNo]
	if !ok {
		c.mu[b].Unlock()
		return errs.Trace(errs.ErrInvalid)
	}
	if dirty {
		fr.dirty = true
	}
	left := atomic.AddInt32(&fr.pinCount, -1)
	c.mu[b].Unlock()

	if left < 0 {
		return errs.Trace(errs.ErrInvalid)
	}
	if !fr.dirty {
		return nil
	}
	return c.writeBack(fr)
}

// writeBack flushes the log through the page's LSN, runs the PageOut
// hook, and writes the page to disk.
func (c *Cache) writeBack(fr *frame) error {
	if c.flusher != nil {
		if err := c.flusher.Flush(fr.page.Header.PageLSN); err != nil {
			return errs.Trace(err)
		}
	}
	buf := make([]byte, len(fr.page.Buf))
	copy(buf, fr.page.Buf)
	if c.hook.PageOut != nil {
		if err := c.hook.PageOut(fr.page.Header.PageNo, buf, c.hook.Ctx); err != nil {
			return errs.Trace(err)
		}
	}
	off := int64(fr.page.Header.PageNo) * int64(c.pageSz)
	if _, err := c.file.WriteAt(buf, off); err != nil {
		return errs.Trace(err)
	}
	fr.dirty = false
	return nil
}

// Sync flushes every dirty page in the cache, honoring the WAL rule
// per page (spec.md §4.I "checkpoint — sync the buffer cache").
func (c *Cache) Sync() error {
	for b := range c.frames {
		c.mu[b].Lock()
		frames := make([]*frame, 0, len(c.frames[b]))
		for _, fr := range c.frames[b] {
			if fr.dirty {
				frames = append(frames, fr)
			}
		}
		c.mu[b].Unlock()
		for _, fr := range frames {
			if err := c.writeBack(fr); err != nil {
				return err
			}
		}
	}
	return c.file.Sync()
}

// NewPageNo allocates a fresh page number, recycling from the free
// list when available.
func (c *Cache) NewPageNo() (uint32, error) {
	c.freeMu.Lock()
	if n := len(c.free); n > 0 {
		pno := c.free[n-1]
		c.free = c.free[:n-1]
		c.freeMu.Unlock()
		return pno, nil
	}
	c.freeMu.Unlock()
	return atomic.AddUint32(&c.pageNo, 1) - 1, nil
}

// FreePageNo returns pageNo to the free list for reuse.
func (c *Cache) FreePageNo(pageNo uint32) error {
	c.freeMu.Lock()
	c.free = append(c.free, pageNo)
	c.freeMu.Unlock()

	b := bucket(pageNo)
	c.mu[b].Lock()
	delete(c.frames[b], pageNo)
	c.mu[b].Unlock()
	return nil
}

// PageCount reports the number of pages materialized in the backing
// file, used by a page-by-page internal-initialization dump.
func (c *Cache) PageCount() uint32 {
	return atomic.LoadUint32(&c.pageNo)
}

// ReadPageRaw reads pageNo directly from the backing file, bypassing
// the frame cache: the bytes are already in on-disk (PageOut'd) form,
// so an internal-initialization dump can ship them unmodified (spec.md
// §4.I "fetch the master's pages/files wholesale").
func (c *Cache) ReadPageRaw(pageNo uint32) ([]byte, error) {
	buf := make([]byte, c.pageSz)
	if _, err := c.file.ReadAt(buf, int64(pageNo)*int64(c.pageSz)); err != nil {
		return nil, errs.Trace(err)
	}
	return buf, nil
}

// WritePageRaw writes buf to pageNo directly in the backing file,
// bypassing the frame cache: a PAGE message applies blindly, with no
// decode step, per spec.md §4.G.
func (c *Cache) WritePageRaw(pageNo uint32, buf []byte) error {
	if _, err := c.file.WriteAt(buf, int64(pageNo)*int64(c.pageSz)); err != nil {
		return errs.Trace(err)
	}
	for {
		cur := atomic.LoadUint32(&c.pageNo)
		if pageNo < cur {
			return nil
		}
		if atomic.CompareAndSwapUint32(&c.pageNo, cur, pageNo+1) {
			return nil
		}
	}
}

// Close syncs and closes the backing file.
func (c *Cache) Close() error {
	if err := c.Sync(); err != nil {
		return err
	}
	return c.file.Close()
}
