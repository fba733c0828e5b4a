// Package page implements the on-disk page layout: the byte-swap codec
// (spec.md §4.A), slotted-page item primitives (§4.B), and the
// overflow-chain and duplicate-set machinery built on top of them.
package page

import (
	"encoding/binary"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
)

// Type identifies what a page holds. The low bits carry the page
// category; access methods interpret PageTypeLeaf/Internal/DupLeaf
// bodies, the codec and buffer pool only need to distinguish meta
// pages from everything else.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeBTreeMeta
	TypeHashMeta
	TypeQueueMeta
	TypeLeaf
	TypeDupLeaf
	TypeInternal
	TypeOverflow
)

// IsMeta reports whether t is one of the method-specific meta page
// types (spec.md §4.A: "Meta pages ... have method-specific swap
// routines").
func (t Type) IsMeta() bool {
	return t == TypeBTreeMeta || t == TypeHashMeta || t == TypeQueueMeta
}

// HeaderSize is the fixed size of the canonical page header (spec.md
// §6): lsn[8] | pgno[4] | prev[4] | next[4] | entries[2] | hoffset[2]
// | level[1] | type[1], padded to an 8-byte boundary.
const HeaderSize = 32

// Header is every page's fixed prefix (spec.md §3).
type Header struct {
	PageLSN      lsn.LSN
	PageNo       uint32
	PrevPage     uint32
	NextPage     uint32
	EntriesCount uint16
	HeapOffset   uint16
	Level        uint8
	Type         Type
}

// Encode writes h into the first HeaderSize bytes of buf in canonical
// (big-endian) disk byte order.
func (h *Header) Encode(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.BigEndian.PutUint32(buf[0:4], h.PageLSN.File)
	binary.BigEndian.PutUint32(buf[4:8], h.PageLSN.Offset)
	binary.BigEndian.PutUint32(buf[8:12], h.PageNo)
	binary.BigEndian.PutUint32(buf[12:16], h.PrevPage)
	binary.BigEndian.PutUint32(buf[16:20], h.NextPage)
	binary.BigEndian.PutUint16(buf[20:22], h.EntriesCount)
	binary.BigEndian.PutUint16(buf[22:24], h.HeapOffset)
	buf[24] = h.Level
	buf[25] = byte(h.Type)
	for i := 26; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

// Decode parses h from the first HeaderSize bytes of buf.
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return errs.Trace(errs.ErrInvalid)
	}
	h.PageLSN = lsn.LSN{
		File:   binary.BigEndian.Uint32(buf[0:4]),
		Offset: binary.BigEndian.Uint32(buf[4:8]),
	}
	h.PageNo = binary.BigEndian.Uint32(buf[8:12])
	h.PrevPage = binary.BigEndian.Uint32(buf[12:16])
	h.NextPage = binary.BigEndian.Uint32(buf[16:20])
	h.EntriesCount = binary.BigEndian.Uint16(buf[20:22])
	h.HeapOffset = binary.BigEndian.Uint16(buf[22:24])
	h.Level = buf[24]
	h.Type = Type(buf[25])
	return nil
}

// FreeSpace returns the number of bytes available for a new item, per
// spec.md §3: heap_offset − (header_size + entries_count × sizeof(offset)).
func (h *Header) FreeSpace() int {
	return int(h.HeapOffset) - (HeaderSize + int(h.EntriesCount)*SlotSize)
}
