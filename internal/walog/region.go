package walog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
)

// PutFlag modifies Put's durability behavior (spec.md §4.D step 2:
// "normal / FLUSH / CHECKPOINT").
type PutFlag int

const (
	// PutNormal buffers the record; durability is left to a later Flush.
	PutNormal PutFlag = iota
	// PutFlush forces an fsync through the new record before returning.
	PutFlush
	// PutCheckpoint is PutFlush plus advancing the checkpoint LSN
	// bookkeeping an owning dbenv keeps outside this package.
	PutCheckpoint
)

// Region is the write-ahead log's mutable state: the currently open
// log file, the offset of the next write, and the high-water marks
// that govern Flush (spec.md §4.D "log region").
type Region struct {
	mu sync.Mutex

	dir          string
	legacyPrefix string
	logID        uint32
	pageSize     uint32
	maxFileSize  int64

	curFile   *os.File
	curFileNo uint32
	writeOff  int64
	prevOff   uint32

	curLSN        lsn.LSN
	lastSyncedLSN lsn.LSN

	log *logrus.Logger
}

// Config collects the parameters needed to open or create a Region.
type Config struct {
	Dir             string
	LegacyLogPrefix string
	LogID           uint32
	PageSize        uint32
	MaxFileSize     int64
	Log             *logrus.Logger
}

// OpenRegion opens the log region, picking up at the end of the
// highest-numbered existing log file, or creating file 1 if the
// directory is empty.
func OpenRegion(cfg Config) (*Region, error) {
	r := &Region{
		dir:          cfg.Dir,
		legacyPrefix: cfg.LegacyLogPrefix,
		logID:        cfg.LogID,
		pageSize:     cfg.PageSize,
		maxFileSize:  cfg.MaxFileSize,
		log:          cfg.Log,
	}
	if r.legacyPrefix == "" {
		r.legacyPrefix = "log."
	}
	if r.maxFileSize == 0 {
		r.maxFileSize = 10 << 20
	}

	last, err := highestFileNo(r.dir)
	if err != nil {
		return nil, trace(err)
	}
	if last == 0 {
		if err := r.rollover(); err != nil {
			return nil, err
		}
		return r, nil
	}
	f, err := openWrite(r.dir, last)
	if err != nil {
		return nil, trace(err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, trace(err)
	}
	r.curFile = f
	r.curFileNo = last
	r.writeOff = info.Size()
	r.prevOff = 0
	r.curLSN = lsn.LSN{File: last, Offset: uint32(r.writeOff)}
	r.lastSyncedLSN = r.curLSN
	if prev, err := lastRecordOffset(f, uint32(r.writeOff)); err == nil {
		r.prevOff = prev
	}
	return r, nil
}

// highestFileNo scans dir for the largest "log.NNNNNNNNNN" file
// present, returning 0 if none exist.
func highestFileNo(dir string) (uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var max uint32
	for _, e := range entries {
		name := e.Name()
		if len(name) != len("log.0000000001") || name[:4] != "log." {
			continue
		}
		var n uint32
		for _, c := range name[4:] {
			if c < '0' || c > '9' {
				n = 0
				break
			}
			n = n*10 + uint32(c-'0')
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

// lastRecordOffset walks forward from the file header to find the
// start offset of the final complete record, used to seed prevOff
// when reopening an existing file for append.
func lastRecordOffset(f *os.File, size uint32) (uint32, error) {
	off, _ := lastOffsetScan(f, size)
	return off, nil
}

// rollover creates the next numbered log file and writes its
// persistent file header.
func (r *Region) rollover() error {
	next := r.curFileNo + 1
	f, err := createFile(r.dir, next)
	if err != nil {
		return trace(err)
	}
	if r.curFile != nil {
		if err := r.curFile.Sync(); err != nil {
			f.Close()
			return trace(err)
		}
		r.curFile.Close()
	}
	hdr := FileHeader{
		Magic:       FileMagic,
		Version:     FileVersion,
		LogID:       r.logID,
		Mode:        0,
		PageSize:    r.pageSize,
		MaxFileSize: r.maxFileSize,
	}
	if _, err := f.WriteAt(hdr.encode(), 0); err != nil {
		return trace(err)
	}
	r.curFile = f
	r.curFileNo = next
	r.writeOff = int64(FileHeaderSize)
	r.prevOff = 0
	r.curLSN = lsn.LSN{File: next, Offset: uint32(r.writeOff)}
	if r.log != nil {
		r.log.WithFields(logrus.Fields{"file": next}).Info("walog: rolled over to new log file")
	}
	return nil
}

// Put appends a record and returns the LSN assigned to it (spec.md
// §4.D step 2). The record's prev_offset back-link is set to the
// offset of the previous record in the current file, or zero at a
// file boundary — a PREV cursor detects the boundary by that zero
// back-link and steps to the prior file's last record.
func (r *Region) Put(prefix RecordBodyPrefix, payload []byte, flag PutFlag) (lsn.LSN, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	body := EncodeBody(prefix, payload)
	rec := append(RecordHeader{
		PrevOffset: r.prevOff,
		Length:     uint32(len(body)),
		Checksum:   checksum(body),
	}.encode(), body...)

	if int64(FileHeaderSize)+int64(len(rec)) > r.maxFileSize {
		return lsn.Zero, trace(ErrRecordTooLarge)
	}
	if r.writeOff+int64(len(rec)) > r.maxFileSize {
		if err := r.rollover(); err != nil {
			return lsn.Zero, err
		}
	}

	assigned := lsn.LSN{File: r.curFileNo, Offset: uint32(r.writeOff)}
	if _, err := r.curFile.WriteAt(rec, r.writeOff); err != nil {
		return lsn.Zero, trace(err)
	}
	r.prevOff = uint32(r.writeOff)
	r.writeOff += int64(len(rec))
	r.curLSN = lsn.LSN{File: r.curFileNo, Offset: uint32(r.writeOff)}

	if flag == PutFlush || flag == PutCheckpoint {
		if err := r.curFile.Sync(); err != nil {
			return lsn.Zero, trace(err)
		}
		r.lastSyncedLSN = r.curLSN
	}
	return assigned, nil
}

// Flush syncs the log through at least the given LSN (spec.md §4.D
// step 3). A zero LSN means "flush everything written so far". It is
// a no-op if through is already durable, satisfying the ordering rule
// the buffer cache depends on (spec.md §5).
func (r *Region) Flush(through lsn.LSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !through.IsZero() && !r.lastSyncedLSN.Less(through) {
		return nil
	}
	if r.curFile == nil {
		return nil
	}
	if err := r.curFile.Sync(); err != nil {
		return trace(err)
	}
	r.lastSyncedLSN = r.curLSN
	return nil
}

// CurrentLSN returns the LSN that will be assigned to the next Put.
func (r *Region) CurrentLSN() lsn.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curLSN
}

// LastSyncedLSN returns the highest LSN known durable on disk.
func (r *Region) LastSyncedLSN() lsn.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSyncedLSN
}

// AppendRaw writes an already-encoded record (header+body, as produced
// by a peer's own Put) at exactly the given LSN, rather than assigning
// a fresh one — the write a replication client performs to adopt a
// master's log verbatim (spec.md §4.I "log_rep_put").
func (r *Region) AppendRaw(rec []byte, at lsn.LSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.curFile == nil || at.File != r.curFileNo {
		return trace(errs.ErrInvalid)
	}
	if _, err := r.curFile.WriteAt(rec, int64(at.Offset)); err != nil {
		return trace(err)
	}
	r.prevOff = at.Offset
	r.writeOff = int64(at.Offset) + int64(len(rec))
	r.curLSN = lsn.LSN{File: r.curFileNo, Offset: uint32(r.writeOff)}
	return nil
}

// NewFile rolls the region directly to fileNo, writing its file
// header — the client-side counterpart to a NEWFILE message crossing
// a master's file boundary (spec.md §4.G "NEWFILE").
func (r *Region) NewFile(fileNo uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := createFile(r.dir, fileNo)
	if err != nil {
		return trace(err)
	}
	if r.curFile != nil {
		if err := r.curFile.Sync(); err != nil {
			f.Close()
			return trace(err)
		}
		r.curFile.Close()
	}
	hdr := FileHeader{
		Magic:       FileMagic,
		Version:     FileVersion,
		LogID:       r.logID,
		PageSize:    r.pageSize,
		MaxFileSize: r.maxFileSize,
	}
	if _, err := f.WriteAt(hdr.encode(), 0); err != nil {
		return trace(err)
	}
	r.curFile = f
	r.curFileNo = fileNo
	r.writeOff = int64(FileHeaderSize)
	r.prevOff = 0
	r.curLSN = lsn.LSN{File: fileNo, Offset: uint32(r.writeOff)}
	return nil
}

// TruncateTo discards every record at or after at: the current file is
// truncated to at.Offset, and every higher-numbered file is removed.
// Used by the verify handshake to rewind a client's log to the
// rendezvous point found with the master (spec.md §4.I "verify_match
// ... truncates the local log").
func (r *Region) TruncateTo(at lsn.LSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for fileNo := r.curFileNo; fileNo > at.File; fileNo-- {
		os.Remove(modernName(r.dir, fileNo))
	}
	if at.File != r.curFileNo {
		f, err := openWrite(r.dir, at.File)
		if err != nil {
			return trace(err)
		}
		if r.curFile != nil {
			r.curFile.Close()
		}
		r.curFile = f
		r.curFileNo = at.File
	}
	if err := r.curFile.Truncate(int64(at.Offset)); err != nil {
		return trace(err)
	}
	r.writeOff = int64(at.Offset)
	r.curLSN = at
	r.lastSyncedLSN = lsn.Min(r.lastSyncedLSN, at)
	if prev, err := lastRecordOffset(r.curFile, at.Offset); err == nil {
		r.prevOff = prev
	}
	return nil
}

// Close syncs and closes the current log file.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.curFile == nil {
		return nil
	}
	if err := r.curFile.Sync(); err != nil {
		return trace(err)
	}
	return r.curFile.Close()
}
