package walog

import (
	"io"
	"os"

	"github.com/coredbio/coredb/internal/lsn"
)

// CursorOp selects a Cursor.Get positioning mode, mirroring the
// DB_SET / DB_FIRST / DB_LAST / DB_NEXT / DB_PREV operations of
// spec.md §4.D's log cursor.
type CursorOp int

const (
	CursorSet CursorOp = iota
	CursorFirst
	CursorLast
	CursorNext
	CursorPrev
)

// Cursor walks the log file-by-file and record-by-record. It carries
// no in-memory state beyond the position of the last record returned,
// so it survives across process restarts given only an LSN (spec.md
// §4.D "self-describing via the LSN plus the next record's header").
type Cursor struct {
	dir          string
	legacyPrefix string
	pos          lsn.LSN
	haveHeader   bool
	lastHeader   RecordHeader
}

// NewCursor opens a cursor over the log files in dir.
func NewCursor(dir, legacyPrefix string) *Cursor {
	if legacyPrefix == "" {
		legacyPrefix = "log."
	}
	return &Cursor{dir: dir, legacyPrefix: legacyPrefix}
}

func readRecordAt(dir, legacyPrefix string, fileNo, offset uint32) (Record, error) {
	f, err := openForRead(dir, legacyPrefix, fileNo)
	if err != nil {
		return Record{}, trace(err)
	}
	defer f.Close()

	hbuf := make([]byte, RecordHeaderSize)
	if _, err := f.ReadAt(hbuf, int64(offset)); err != nil {
		if err == io.EOF {
			return Record{}, trace(ErrShortRecord)
		}
		return Record{}, trace(err)
	}
	h := decodeRecordHeader(hbuf)
	body := make([]byte, h.Length)
	if _, err := f.ReadAt(body, int64(offset)+RecordHeaderSize); err != nil {
		return Record{}, trace(ErrShortRecord)
	}
	if checksum(body) != h.Checksum {
		return Record{}, trace(ErrBadChecksum)
	}
	return Record{
		LSN:    lsn.LSN{File: fileNo, Offset: offset},
		Header: h,
		Body:   body,
	}, nil
}

func fileSize(dir, legacyPrefix string, fileNo uint32) (uint32, error) {
	f, err := openForRead(dir, legacyPrefix, fileNo)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return uint32(info.Size()), nil
}

// lastRecordInFile returns the offset of the final complete record in
// fileNo, or ok=false if the file holds only its header.
func lastRecordInFile(dir, legacyPrefix string, fileNo uint32) (uint32, bool, error) {
	size, err := fileSize(dir, legacyPrefix, fileNo)
	if err != nil {
		return 0, false, err
	}
	f, err := openForRead(dir, legacyPrefix, fileNo)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()
	off, found := lastOffsetScan(f, size)
	return off, found, nil
}

func lastOffsetScan(f *os.File, size uint32) (uint32, bool) {
	off := uint32(FileHeaderSize)
	last := uint32(0)
	found := false
	for off+RecordHeaderSize <= size {
		hbuf := make([]byte, RecordHeaderSize)
		if _, err := f.ReadAt(hbuf, int64(off)); err != nil {
			break
		}
		h := decodeRecordHeader(hbuf)
		if off+RecordHeaderSize+h.Length > size {
			break
		}
		last = off
		found = true
		off += RecordHeaderSize + h.Length
	}
	return last, found
}

// Get repositions the cursor and returns the record found there.
// For CursorSet, target must name the record's LSN exactly.
func (c *Cursor) Get(op CursorOp, target lsn.LSN) (Record, error) {
	switch op {
	case CursorSet:
		rec, err := readRecordAt(c.dir, c.legacyPrefix, target.File, target.Offset)
		if err != nil {
			return Record{}, err
		}
		c.pos, c.haveHeader, c.lastHeader = rec.LSN, true, rec.Header
		return rec, nil

	case CursorFirst:
		first, err := lowestFileNo(c.dir)
		if err != nil {
			return Record{}, err
		}
		return c.Get(CursorSet, lsn.LSN{File: first, Offset: FileHeaderSize})

	case CursorLast:
		last, err := highestFileNo(c.dir)
		if err != nil {
			return Record{}, err
		}
		for last > 0 {
			if off, ok, err := lastRecordInFile(c.dir, c.legacyPrefix, last); err != nil {
				return Record{}, trace(err)
			} else if ok {
				return c.Get(CursorSet, lsn.LSN{File: last, Offset: off})
			}
			last--
		}
		return Record{}, trace(ErrShortRecord)

	case CursorNext:
		if !c.haveHeader {
			return c.Get(CursorFirst, lsn.Zero)
		}
		nextOff := c.pos.Offset + RecordHeaderSize + c.lastHeader.Length
		size, err := fileSize(c.dir, c.legacyPrefix, c.pos.File)
		if err == nil && nextOff+RecordHeaderSize <= size {
			return c.Get(CursorSet, lsn.LSN{File: c.pos.File, Offset: nextOff})
		}
		nextFile := c.pos.File + 1
		if _, err := fileSize(c.dir, c.legacyPrefix, nextFile); err != nil {
			return Record{}, trace(ErrNoMoreRecords)
		}
		return c.Get(CursorSet, lsn.LSN{File: nextFile, Offset: FileHeaderSize})

	case CursorPrev:
		if !c.haveHeader {
			return c.Get(CursorLast, lsn.Zero)
		}
		if c.lastHeader.PrevOffset != 0 {
			return c.Get(CursorSet, lsn.LSN{File: c.pos.File, Offset: c.lastHeader.PrevOffset})
		}
		prevFile := c.pos.File - 1
		for prevFile > 0 {
			if off, ok, err := lastRecordInFile(c.dir, c.legacyPrefix, prevFile); err != nil {
				return Record{}, trace(err)
			} else if ok {
				return c.Get(CursorSet, lsn.LSN{File: prevFile, Offset: off})
			}
			prevFile--
		}
		return Record{}, trace(ErrNoMoreRecords)
	}
	return Record{}, trace(ErrInvalidCursorOp)
}

func lowestFileNo(dir string) (uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var min uint32
	for _, e := range entries {
		name := e.Name()
		if len(name) != len("log.0000000001") || name[:4] != "log." {
			continue
		}
		var n uint32
		valid := true
		for _, ch := range name[4:] {
			if ch < '0' || ch > '9' {
				valid = false
				break
			}
			n = n*10 + uint32(ch-'0')
		}
		if valid && (min == 0 || n < min) {
			min = n
		}
	}
	if min == 0 {
		return 0, os.ErrNotExist
	}
	return min, nil
}
