// Package dbenv is the embedding API: the single entry point an
// application links against to open an environment, open databases
// inside it, run transactions, and participate in replication. It
// wires internal/page, internal/bufpool, internal/walog, internal/dbreg,
// internal/recovery, internal/txn and internal/repl together behind the
// function list of spec.md §6, the way the teacher's net.MySQLServer
// wires its storage/network/session layers together behind one Start
// call.
package dbenv

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/internal/bufpool"
	"github.com/coredbio/coredb/internal/dbreg"
	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/page"
	"github.com/coredbio/coredb/internal/recovery"
	"github.com/coredbio/coredb/internal/repl"
	"github.com/coredbio/coredb/internal/txn"
	"github.com/coredbio/coredb/internal/walog"
	"github.com/coredbio/coredb/internal/xlog"
)

// Config seeds Env.Open. DataDir holds the databases' page files,
// LogDir the write-ahead log.
type Config struct {
	DataDir         string
	LogDir          string
	PageSize        uint32
	CacheSizeBytes  uint64
	LogFileMaxBytes uint64
	LegacyLogPrefix string
	LogID           uint32

	// NeedsSwap forces every page through internal/page's byte-swap
	// codec on the way in and out of the cache, for a store created on
	// a host of the opposite byte order (spec.md §4.A "needs_swap").
	NeedsSwap bool

	Log *logrus.Logger
}

// Env is one open storage environment: a log region, one shared page
// buffer cache spanning every open database, the transaction manager,
// the file-id registry, and (once RepStart is called) a replication
// State. It is the receiver of every operation in spec.md §6.
//
// Env.Panic (spec.md §7) latches once and is checked by every public
// method afterward; there is no recovery from a panicked Env short of
// a fresh Open.
type Env struct {
	mu sync.Mutex

	cfg    Config
	log    *logrus.Logger
	panicked atomic.Bool

	region   *walog.Region
	registry *dbreg.Registry
	txns     *txn.Manager
	cache    *bufpool.Cache

	// catalog persists name -> meta page number across restarts. It
	// exists because internal/recovery's Dispatcher redoes/undoes page
	// edits against a single shared page.Pager and the addrem/big/ovref
	// WAL payloads carry no file id of their own (spec.md §4.F), so
	// every open database shares one page file and one page-number
	// space; the catalog is this package's own bookkeeping for mapping
	// a name back to its meta page (see DESIGN.md).
	catalog     map[string]uint32
	catalogPath string

	dbs map[string]*DB

	// txnRecords holds, for each currently active transaction, the
	// addrem record LSNs it has written so far in the order written —
	// the list TxnAbort walks backward to undo a live transaction
	// immediately, rather than waiting for Recover after a crash (see
	// DESIGN.md; big/ovref overflow-chain edits are not tracked here,
	// since page.WALWriter carries no txn id to attribute them with).
	txnRecords map[uint32][]lsn.LSN

	repl      *repl.State
	transport repl.Transport
	egen      *egenStore
	locks     *lockManager
	dispatcher *recovery.Dispatcher

	cacheSizeBytes uint64
	logMaxBytes    uint64

	encryptAlg uint32
	passwd     []byte
}

// Open creates or reopens an environment at cfg.DataDir/cfg.LogDir,
// bringing up the log region, the file-id registry, and the
// transaction manager (spec.md §6 "env_open").
func Open(cfg Config) (*Env, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = 16 * 1024
	}
	if cfg.LogFileMaxBytes == 0 {
		cfg.LogFileMaxBytes = 10 << 20
	}
	if cfg.Log == nil {
		l, err := xlog.New(xlog.Config{})
		if err != nil {
			return nil, errs.Trace(err)
		}
		cfg.Log = l
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errs.Trace(err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, errs.Trace(err)
	}

	region, err := walog.OpenRegion(walog.Config{
		Dir:             cfg.LogDir,
		LegacyLogPrefix: cfg.LegacyLogPrefix,
		LogID:           cfg.LogID,
		PageSize:        cfg.PageSize,
		MaxFileSize:     int64(cfg.LogFileMaxBytes),
		Log:             cfg.Log,
	})
	if err != nil {
		return nil, errs.Trace(err)
	}

	e := &Env{
		cfg:            cfg,
		log:            cfg.Log,
		region:         region,
		dbs:            make(map[string]*DB),
		cacheSizeBytes: cfg.CacheSizeBytes,
		logMaxBytes:    cfg.LogFileMaxBytes,
		catalog:        make(map[string]uint32),
		catalogPath:    filepath.Join(cfg.DataDir, "__db.catalog"),
		txnRecords:     make(map[uint32][]lsn.LSN),
	}
	e.registry = dbreg.New(&dbregLogger{e: e}, e.currentGen, cfg.Log)
	e.txns = txn.NewManager(&txnWAL{e: e})

	pagerCtx := page.Ctx{PageSize: cfg.PageSize, NeedsSwap: cfg.NeedsSwap}
	cache, err := bufpool.Open(filepath.Join(cfg.DataDir, "__db.pages"), cfg.PageSize, bufpool.DefaultHook(pagerCtx), region, cfg.Log)
	if err != nil {
		region.Close()
		return nil, errs.Trace(err)
	}
	e.cache = cache

	e.dispatcher = &recovery.Dispatcher{Pager: e.cache, Registry: e.registry, Opener: &fileOpener{e: e}, Log: cfg.Log}
	e.egen = &egenStore{path: filepath.Join(cfg.LogDir, "__db.rep.egen")}
	e.locks = &lockManager{}
	if err := e.loadCatalog(); err != nil {
		return nil, err
	}
	return e, nil
}

// checkLive returns ErrPanic once Panic has latched (spec.md §7).
func (e *Env) checkLive() error {
	if e.panicked.Load() {
		return errs.Trace(errs.ErrPanic)
	}
	return nil
}

// Panic latches the environment's process-wide panic flag; every
// subsequent call to Env's methods fails with ErrPanic until a fresh
// Env is opened (spec.md §7 "fatal errors... panic the environment").
func (e *Env) Panic() {
	e.panicked.Store(true)
}

// SetCacheSize records bytes as the environment's cache budget
// (spec.md §6 "env_set_cachesize"). Nothing in this package reads the
// recorded value: the single shared page cache opened by Open is
// neither resized nor replaced.
func (e *Env) SetCacheSize(bytes uint64) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cacheSizeBytes = bytes
	e.mu.Unlock()
	return nil
}

// SetLogMax records bytes as the maximum log file size (spec.md §6
// "env_set_lg_max"). The log region opened by Open keeps the maximum
// it was opened with, so files rolled after this call still use that
// original limit.
func (e *Env) SetLogMax(bytes uint64) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	e.logMaxBytes = bytes
	e.mu.Unlock()
	return nil
}

// SetPassword installs a stored secret used only to stamp newly
// created databases' meta page as encrypted (spec.md §6
// "env_set_encrypt" names only `encrypt_alg` as the on-disk hook; no
// cipher is specified, so this records the secret and marks future
// DBOpen(create) calls to set MetaHeader.EncryptAlg, without
// performing the encryption itself — see DESIGN.md).
func (e *Env) SetPassword(alg uint32, passwd []byte) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(passwd) == 0 {
		e.encryptAlg = 0
		e.passwd = nil
		return nil
	}
	e.encryptAlg = alg
	e.passwd = append([]byte(nil), passwd...)
	return nil
}

// currentGen reports the replication generation dbreg's recycling
// policy keys off of, or 0 if replication has not started.
func (e *Env) currentGen() uint32 {
	e.mu.Lock()
	r := e.repl
	e.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.Gen
}

// Close drops every open database handle and closes the shared page
// cache and the log region (spec.md §6 "env_close"). The egen store is
// not touched; it is written whenever an election persists a new egen.
func (e *Env) Close() error {
	if err := e.checkLive(); err != nil {
		return err
	}
	e.mu.Lock()
	e.dbs = make(map[string]*DB)
	e.mu.Unlock()

	var firstErr error
	if err := e.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.region.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Recover replays the log against every registered database, a redo
// pass from the last checkpoint followed by an undo pass over
// transactions still open at the end of the log (spec.md §6
// "env_open DB_RECOVER", §4.F).
func (e *Env) Recover() error {
	if err := e.checkLive(); err != nil {
		return err
	}
	return Recover(e)
}

// LogCursor opens a cursor over the write-ahead log for first/next/
// prev/set traversal (spec.md §6 "log_cursor").
func (e *Env) LogCursor() *walog.Cursor {
	return walog.NewCursor(e.cfg.LogDir, e.cfg.LegacyLogPrefix)
}

// loadCatalog reads the name -> meta-page-number table persisted by
// saveCatalogLocked, tolerating a missing file on first open.
func (e *Env) loadCatalog() error {
	buf, err := os.ReadFile(e.catalogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Trace(err)
	}
	for _, line := range splitLines(buf) {
		if len(line) == 0 {
			continue
		}
		name, metaPageNo, ok := parseCatalogLine(line)
		if !ok {
			continue
		}
		e.catalog[name] = metaPageNo
	}
	return nil
}

// saveCatalogLocked rewrites the catalog file in full; called with e.mu
// held, after a new database's meta page is created.
func (e *Env) saveCatalogLocked() error {
	var buf []byte
	for name, metaPageNo := range e.catalog {
		buf = append(buf, encodeCatalogLine(name, metaPageNo)...)
	}
	return errs.Trace(os.WriteFile(e.catalogPath, buf, 0o644))
}
