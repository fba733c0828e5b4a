package dbenv

import (
	"bytes"
	"errors"

	"github.com/coredbio/coredb/internal/dbreg"
	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/page"
	"github.com/coredbio/coredb/internal/recovery"
)

// dbTypeBTree is the only access method this package implements: a
// sorted-within-page, linked chain of leaf pages. Access-method
// specifics beyond the B-tree/hash/overflow page invariants are out of
// scope (spec.md §1 Non-goals), so DB deliberately does not build a
// search tree over the chain — every lookup walks it (see DESIGN.md).
const dbTypeBTree uint32 = 1

// overflowThreshold is the value size past which Put stores the value
// in an overflow chain instead of inline in the leaf item (spec.md
// §4.B "build_overflow").
func overflowThreshold(pageSize uint32) int {
	return int(pageSize) / 4
}

// ErrCursorExhausted is returned by Cursor.Next once every leaf page in
// the chain has been visited.
var ErrCursorExhausted = errors.New("dbenv: cursor exhausted")

// DB is one open database: a name bound to a meta page inside the
// environment's single shared page file, plus the meta page's
// bookkeeping (root of the leaf chain). Every open database shares one
// bufpool.Cache and one page-number space (see the comment on Env.catalog
// in env.go for why); a named database is distinguished purely by its
// own meta page and the leaf chain hanging off it. Every mutating
// operation logs page-item WAL records through the owning Env's log
// region (spec.md §4.B, §4.F).
type DB struct {
	env   *Env
	name  string
	fname *dbreg.FNAME

	metaPageNo uint32
	root       uint32
}

// openDB brings up name's meta page (creating it if needed) without
// touching the file-id registry — the primitive recovery's FileOpener
// calls directly, and that DBOpen builds on top of by additionally
// logging and registering a file id (spec.md §4.E, §4.F).
func (e *Env) openDB(name string, create bool) (*DB, error) {
	e.mu.Lock()
	if db, ok := e.dbs[name]; ok {
		e.mu.Unlock()
		return db, nil
	}
	metaPageNo, existed := e.catalog[name]
	e.mu.Unlock()

	if !existed && !create {
		return nil, errs.Trace(errs.ErrNotFound)
	}

	db := &DB{env: e, name: name}

	if !existed {
		newMeta, err := e.cache.NewPageNo()
		if err != nil {
			return nil, errs.Trace(err)
		}
		db.metaPageNo = newMeta
		if err := db.initMeta(); err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.catalog[name] = db.metaPageNo
		saveErr := e.saveCatalogLocked()
		e.mu.Unlock()
		if saveErr != nil {
			return nil, saveErr
		}
	} else {
		db.metaPageNo = metaPageNo
		if err := db.loadMeta(); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.dbs[name] = db
	e.mu.Unlock()
	return db, nil
}

// initMeta stamps a freshly created database's meta page and
// allocates its first (empty) leaf page (spec.md §3 "meta page").
func (db *DB) initMeta() error {
	e := db.env
	meta, err := e.cache.Fetch(db.metaPageNo, true)
	if err != nil {
		return errs.Trace(err)
	}

	leafNo, err := e.cache.NewPageNo()
	if err != nil {
		_ = e.cache.Put(meta, false)
		return errs.Trace(err)
	}
	leaf, err := e.cache.Fetch(leafNo, true)
	if err != nil {
		_ = e.cache.Put(meta, false)
		return errs.Trace(err)
	}
	leaf.Header.Type = page.TypeLeaf
	leaf.Header.PageNo = leafNo
	leaf.Flush()
	if err := e.cache.Put(leaf, true); err != nil {
		_ = e.cache.Put(meta, false)
		return errs.Trace(err)
	}

	mh := page.MetaHeader{
		Header:     meta.Header,
		Magic:      page.MetaMagic,
		Version:    page.MetaVersion,
		PageSize:   e.cfg.PageSize,
		EncryptAlg: e.encryptAlg,
		Root:       leafNo,
	}
	mh.Header.Type = page.TypeBTreeMeta
	mh.Header.PageNo = db.metaPageNo
	mh.Encode(meta.Buf)
	meta.Header = mh.Header
	db.root = leafNo
	return errs.Trace(e.cache.Put(meta, true))
}

// loadMeta reads an existing database's meta page to recover the leaf
// chain's root page number.
func (db *DB) loadMeta() error {
	e := db.env
	meta, err := e.cache.Fetch(db.metaPageNo, false)
	if err != nil {
		return errs.Trace(err)
	}
	var mh page.MetaHeader
	if err := mh.Decode(meta.Buf); err != nil {
		_ = e.cache.Put(meta, false)
		return errs.Trace(err)
	}
	db.root = mh.Root
	return errs.Trace(e.cache.Put(meta, false))
}

// DBOpen opens (creating if needed and create is true) the named
// database, registering it in the file-id registry so its WAL records
// resolve back to it after a restart (spec.md §6 "db_open").
func (e *Env) DBOpen(name string, create bool) (*DB, error) {
	if err := e.checkLive(); err != nil {
		return nil, err
	}
	db, err := e.openDB(name, create)
	if err != nil {
		return nil, err
	}
	if db.fname == nil {
		fname := e.registry.Setup(name, dbTypeBTree, db.metaPageNo, 0)
		if err := e.registry.NewID(fname, false, false); err != nil {
			return nil, err
		}
		db.fname = fname
	}
	return db, nil
}

// DBClose drops name's in-memory handle and revokes its file id
// (spec.md §6 "db_close"). The shared page cache stays open for the
// other databases still using it; Env.Close is what syncs and closes
// it.
func (e *Env) DBClose(name string) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	db, ok := e.dbs[name]
	if ok {
		delete(e.dbs, name)
	}
	e.mu.Unlock()
	if !ok {
		return errs.Trace(errs.ErrNotFound)
	}
	if db.fname != nil {
		return e.registry.CloseID(db.fname, false)
	}
	return nil
}

// leafMatch locates key within one leaf page's {key,data} slot pairs,
// returning the key slot's index.
func leafMatch(p *page.Page, key []byte) (int, bool, error) {
	n := int(p.Header.EntriesCount)
	for i := 0; i+1 < n+1 && i < n; i += 2 {
		it, err := p.ItemAt(i)
		if err != nil {
			return 0, false, err
		}
		if it.Kind == page.KindKeyData && !it.Deleted && bytes.Equal(it.Bytes, key) {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// findLeaf walks the leaf chain from root looking for key, returning
// the page number and key-slot index it was found at, or the chain's
// last page number with found=false (spec.md §1: a plain linked scan,
// not a B-tree search — see DESIGN.md).
func (db *DB) findLeaf(key []byte) (pageNo uint32, indx int, found bool, err error) {
	cache := db.env.cache
	pno := db.root
	for {
		p, ferr := cache.Fetch(pno, false)
		if ferr != nil {
			return 0, 0, false, errs.Trace(ferr)
		}
		i, ok, merr := leafMatch(p, key)
		next := p.Header.NextPage
		if merr != nil {
			_ = cache.Put(p, false)
			return 0, 0, false, errs.Trace(merr)
		}
		if ok {
			_ = cache.Put(p, false)
			return pno, i, true, nil
		}
		_ = cache.Put(p, false)
		if next == 0 {
			return pno, 0, false, nil
		}
		pno = next
	}
}

// valueItem builds the data-half Item for value, spilling to an
// overflow chain when it is larger than overflowThreshold (spec.md
// §4.B "build_overflow").
func (db *DB) valueItem(value []byte) (page.Item, error) {
	pageSize := db.env.cfg.PageSize
	if len(value) <= overflowThreshold(pageSize) {
		return page.Item{Kind: page.KindKeyData, Bytes: value}, nil
	}
	firstPage, err := page.BuildOverflow(db.env.cache, &walWriter{e: db.env}, int(pageSize), value)
	if err != nil {
		return page.Item{}, errs.Trace(err)
	}
	return page.Item{Kind: page.KindOverflow, FirstPage: firstPage, TotalLength: uint32(len(value))}, nil
}

// insertPair appends a {key,data} slot pair to p, logging one *addrem*
// ADD record per item (spec.md §4.B "insert_item", §4.F).
func (db *DB) insertPair(p *page.Page, keyItem, dataItem page.Item, txnID uint32) error {
	at := int(p.Header.EntriesCount)
	if err := p.Insert(at, keyItem); err != nil {
		return err
	}
	prevLSN := p.Header.PageLSN
	newLSN, err := db.env.logAddRem(recovery.AddRemAdd, p.Header.PageNo, at, prevLSN, keyItem.Encode(), txnID)
	if err != nil {
		return errs.Trace(err)
	}
	p.Header.PageLSN = newLSN
	p.Flush()

	if err := p.Insert(at+1, dataItem); err != nil {
		return err
	}
	prevLSN = p.Header.PageLSN
	newLSN, err = db.env.logAddRem(recovery.AddRemAdd, p.Header.PageNo, at+1, prevLSN, dataItem.Encode(), txnID)
	if err != nil {
		return errs.Trace(err)
	}
	p.Header.PageLSN = newLSN
	p.Flush()
	return nil
}

// Put inserts or overwrites key's value (spec.md §6 "db_put"). txnID
// is 0 for an auto-commit put outside any transaction.
func (db *DB) Put(txnID uint32, key, value []byte) error {
	if err := db.env.checkLive(); err != nil {
		return err
	}
	cache := db.env.cache
	pageNo, indx, found, err := db.findLeaf(key)
	if err != nil {
		return err
	}
	dataItem, err := db.valueItem(value)
	if err != nil {
		return err
	}

	if found {
		p, ferr := cache.Fetch(pageNo, false)
		if ferr != nil {
			return errs.Trace(ferr)
		}
		old, derr := p.ItemAt(indx + 1)
		if derr != nil {
			_ = cache.Put(p, false)
			return errs.Trace(derr)
		}
		if old.Kind == page.KindOverflow {
			if err := page.DeleteOverflowChain(cache, &walWriter{e: db.env}, old.FirstPage); err != nil {
				_ = cache.Put(p, false)
				return errs.Trace(err)
			}
		}
		oldEncoded := old.Encode()
		prevLSN := p.Header.PageLSN
		remLSN, err := db.env.logAddRem(recovery.AddRemRemove, pageNo, indx+1, prevLSN, oldEncoded, txnID)
		if err != nil {
			_ = cache.Put(p, false)
			return errs.Trace(err)
		}
		p.Header.PageLSN = remLSN
		p.Flush()

		if err := p.Replace(indx+1, dataItem); err != nil {
			_ = cache.Put(p, false)
			return errs.Trace(err)
		}
		prevLSN = p.Header.PageLSN
		addLSN, err := db.env.logAddRem(recovery.AddRemAdd, pageNo, indx+1, prevLSN, dataItem.Encode(), txnID)
		if err != nil {
			_ = cache.Put(p, false)
			return errs.Trace(err)
		}
		p.Header.PageLSN = addLSN
		p.Flush()
		return errs.Trace(cache.Put(p, true))
	}

	keyItem := page.Item{Kind: page.KindKeyData, Bytes: key}
	tail, ferr := cache.Fetch(pageNo, false)
	if ferr != nil {
		return errs.Trace(ferr)
	}
	if err := db.insertPair(tail, keyItem, dataItem, txnID); err != nil {
		if errors.Is(err, errs.ErrPageFull) {
			_ = cache.Put(tail, false)
			return db.putOnNewLeaf(pageNo, keyItem, dataItem, txnID)
		}
		_ = cache.Put(tail, false)
		return errs.Trace(err)
	}
	return errs.Trace(cache.Put(tail, true))
}

// putOnNewLeaf allocates a fresh leaf page, links it after prevPageNo,
// and inserts the pair there — the chain-growth path taken when the
// current tail page has no free space (spec.md §4.B "PAGE_FULL ...
// the access method can split"; here growth is a new tail link rather
// than a split, consistent with this package's flat-chain design, see
// DESIGN.md).
func (db *DB) putOnNewLeaf(prevPageNo uint32, keyItem, dataItem page.Item, txnID uint32) error {
	cache := db.env.cache
	newNo, err := cache.NewPageNo()
	if err != nil {
		return errs.Trace(err)
	}
	leaf, err := cache.Fetch(newNo, true)
	if err != nil {
		return errs.Trace(err)
	}
	leaf.Header.Type = page.TypeLeaf
	leaf.Header.PageNo = newNo
	leaf.Flush()
	if err := db.insertPair(leaf, keyItem, dataItem, txnID); err != nil {
		_ = cache.Put(leaf, false)
		return errs.Trace(err)
	}
	if err := cache.Put(leaf, true); err != nil {
		return errs.Trace(err)
	}

	prev, err := cache.Fetch(prevPageNo, false)
	if err != nil {
		return errs.Trace(err)
	}
	prev.Header.NextPage = newNo
	prev.Flush()
	return errs.Trace(cache.Put(prev, true))
}

// Get returns key's value, or ErrNotFound (spec.md §6 "db_get").
func (db *DB) Get(key []byte) ([]byte, error) {
	if err := db.env.checkLive(); err != nil {
		return nil, err
	}
	cache := db.env.cache
	pageNo, indx, found, err := db.findLeaf(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.Trace(errs.ErrNotFound)
	}
	p, err := cache.Fetch(pageNo, false)
	if err != nil {
		return nil, errs.Trace(err)
	}
	defer cache.Put(p, false)

	it, err := p.ItemAt(indx + 1)
	if err != nil {
		return nil, errs.Trace(err)
	}
	if it.Kind == page.KindKeyData {
		return append([]byte(nil), it.Bytes...), nil
	}
	out, err := page.ReadOverflow(cache, &page.DBT{Mem: page.MemLibraryMalloc}, int(it.TotalLength), it.FirstPage)
	return out, errs.Trace(err)
}

// Del removes key (spec.md §6 "db_del").
func (db *DB) Del(txnID uint32, key []byte) error {
	if err := db.env.checkLive(); err != nil {
		return err
	}
	cache := db.env.cache
	pageNo, indx, found, err := db.findLeaf(key)
	if err != nil {
		return err
	}
	if !found {
		return errs.Trace(errs.ErrNotFound)
	}
	p, err := cache.Fetch(pageNo, false)
	if err != nil {
		return errs.Trace(err)
	}

	dataItem, derr := p.ItemAt(indx + 1)
	if derr != nil {
		_ = cache.Put(p, false)
		return errs.Trace(derr)
	}
	if dataItem.Kind == page.KindOverflow {
		if err := page.DeleteOverflowChain(cache, &walWriter{e: db.env}, dataItem.FirstPage); err != nil {
			_ = cache.Put(p, false)
			return errs.Trace(err)
		}
	}
	keyItem, kerr := p.ItemAt(indx)
	if kerr != nil {
		_ = cache.Put(p, false)
		return errs.Trace(kerr)
	}

	dataEncoded := dataItem.Encode()
	if err := p.Delete(indx + 1); err != nil {
		_ = cache.Put(p, false)
		return errs.Trace(err)
	}
	prevLSN := p.Header.PageLSN
	newLSN, err := db.env.logAddRem(recovery.AddRemRemove, pageNo, indx+1, prevLSN, dataEncoded, txnID)
	if err != nil {
		_ = cache.Put(p, false)
		return errs.Trace(err)
	}
	p.Header.PageLSN = newLSN
	p.Flush()

	keyEncoded := keyItem.Encode()
	if err := p.Delete(indx); err != nil {
		_ = cache.Put(p, false)
		return errs.Trace(err)
	}
	prevLSN = p.Header.PageLSN
	newLSN, err = db.env.logAddRem(recovery.AddRemRemove, pageNo, indx, prevLSN, keyEncoded, txnID)
	if err != nil {
		_ = cache.Put(p, false)
		return errs.Trace(err)
	}
	p.Header.PageLSN = newLSN
	p.Flush()

	return errs.Trace(cache.Put(p, true))
}

// Cursor walks every {key,data} pair across the leaf chain in
// insertion order (spec.md §6 "db_cursor" — ordering across pages is
// not maintained, per this package's flat-chain design).
type Cursor struct {
	db     *DB
	pageNo uint32
	indx   int
}

// NewCursor opens a cursor positioned before the first pair.
func (db *DB) NewCursor() *Cursor {
	return &Cursor{db: db, pageNo: db.root, indx: -2}
}

// Next advances the cursor and returns the next key/value pair, or
// ErrCursorExhausted once the chain is consumed.
func (c *Cursor) Next() (key, value []byte, err error) {
	if err := c.db.env.checkLive(); err != nil {
		return nil, nil, err
	}
	cache := c.db.env.cache
	for {
		p, ferr := cache.Fetch(c.pageNo, false)
		if ferr != nil {
			return nil, nil, errs.Trace(ferr)
		}
		n := int(p.Header.EntriesCount)
		c.indx += 2
		if c.indx >= n {
			next := p.Header.NextPage
			_ = cache.Put(p, false)
			if next == 0 {
				return nil, nil, ErrCursorExhausted
			}
			c.pageNo = next
			c.indx = -2
			continue
		}
		kItem, kerr := p.ItemAt(c.indx)
		if kerr != nil {
			_ = cache.Put(p, false)
			return nil, nil, errs.Trace(kerr)
		}
		vItem, verr := p.ItemAt(c.indx + 1)
		if verr != nil {
			_ = cache.Put(p, false)
			return nil, nil, errs.Trace(verr)
		}
		_ = cache.Put(p, false)
		if kItem.Deleted {
			continue
		}
		var val []byte
		if vItem.Kind == page.KindKeyData {
			val = append([]byte(nil), vItem.Bytes...)
		} else {
			val, err = page.ReadOverflow(cache, &page.DBT{Mem: page.MemLibraryMalloc}, int(vItem.TotalLength), vItem.FirstPage)
			if err != nil {
				return nil, nil, errs.Trace(err)
			}
		}
		return append([]byte(nil), kItem.Bytes...), val, nil
	}
}

// splitLines splits buf on '\n', dropping a trailing empty segment.
func splitLines(buf []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range buf {
		if b == '\n' {
			out = append(out, buf[start:i])
			start = i + 1
		}
	}
	if start < len(buf) {
		out = append(out, buf[start:])
	}
	return out
}

// encodeCatalogLine renders one "name metaPageNo\n" catalog entry.
func encodeCatalogLine(name string, metaPageNo uint32) []byte {
	n := metaPageNo
	digits := []byte{}
	if n == 0 {
		digits = []byte{'0'}
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	line := append([]byte(name), ' ')
	line = append(line, digits...)
	line = append(line, '\n')
	return line
}

// parseCatalogLine parses one "name metaPageNo" catalog entry.
func parseCatalogLine(line []byte) (name string, metaPageNo uint32, ok bool) {
	sp := bytes.LastIndexByte(line, ' ')
	if sp < 0 {
		return "", 0, false
	}
	name = string(line[:sp])
	var n uint32
	for _, c := range line[sp+1:] {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		n = n*10 + uint32(c-'0')
	}
	return name, n, true
}
