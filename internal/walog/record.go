// Package walog implements the write-ahead log: append-only numbered
// log files sharing an in-memory buffer, per-record headers with
// checksums and back-links, durable flush semantics, and file-ID
// registration so recovery can map logged file-IDs back to open
// databases (spec.md §4.D).
package walog

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"

	"github.com/coredbio/coredb/internal/lsn"
)

// RecType identifies a log record's role (spec.md §3 "Log record"),
// named by role rather than by the original engine's literal type
// constants.
type RecType uint16

const (
	RecNoop RecType = iota
	RecDebug
	RecAddRem
	RecBig
	RecOvRef
	RecRelink
	RecTxnRegop
	RecTxnXARegop
	RecTxnCkp
	RecTxnChild
	RecDbregRegister
)

// RecordHeaderSize is the on-disk size of a log record's header:
// prev_offset[4] | length[4] | checksum[4] (spec.md §6).
const RecordHeaderSize = 12

// RecordHeader is a log record's fixed prefix.
type RecordHeader struct {
	PrevOffset uint32
	Length     uint32
	Checksum   uint32
}

func (h RecordHeader) encode() []byte {
	buf := make([]byte, RecordHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.PrevOffset)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	binary.BigEndian.PutUint32(buf[8:12], h.Checksum)
	return buf
}

func decodeRecordHeader(buf []byte) RecordHeader {
	return RecordHeader{
		PrevOffset: binary.BigEndian.Uint32(buf[0:4]),
		Length:     binary.BigEndian.Uint32(buf[4:8]),
		Checksum:   binary.BigEndian.Uint32(buf[8:12]),
	}
}

func checksum(body []byte) uint32 {
	return xxhash.Checksum32(body)
}

// Record is a decoded log record: the header, the LSN it was written
// at, and its raw body (record type + txn id + prev-lsn + payload, per
// spec.md §3; the body's internal layout is owned by the record type's
// encode/decode functions below).
type Record struct {
	LSN    lsn.LSN
	Header RecordHeader
	Body   []byte
}

// RecordBodyPrefix is the common prefix every record body begins
// with: a record type, a transaction id, and the LSN of the previous
// log record written by that same transaction (spec.md §3, the
// "back-link used by abort/undo").
type RecordBodyPrefix struct {
	Type    RecType
	TxnID   uint32
	PrevLSN lsn.LSN
}

const bodyPrefixSize = 2 + 4 + 4 + 4 // type(2) + txnid(4) + prevlsn{file,offset}(4+4)

func (p RecordBodyPrefix) encode(payload []byte) []byte {
	buf := make([]byte, bodyPrefixSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(p.Type))
	binary.BigEndian.PutUint32(buf[2:6], p.TxnID)
	binary.BigEndian.PutUint32(buf[6:10], p.PrevLSN.File)
	binary.BigEndian.PutUint32(buf[10:14], p.PrevLSN.Offset)
	copy(buf[bodyPrefixSize:], payload)
	return buf
}

// DecodeBodyPrefix parses the common prefix from a record body,
// returning the prefix and the remaining payload bytes.
func DecodeBodyPrefix(body []byte) (RecordBodyPrefix, []byte, error) {
	if len(body) < bodyPrefixSize {
		return RecordBodyPrefix{}, nil, ErrShortRecord
	}
	p := RecordBodyPrefix{
		Type:  RecType(binary.BigEndian.Uint16(body[0:2])),
		TxnID: binary.BigEndian.Uint32(body[2:6]),
		PrevLSN: lsn.LSN{
			File:   binary.BigEndian.Uint32(body[6:10]),
			Offset: binary.BigEndian.Uint32(body[10:14]),
		},
	}
	return p, body[bodyPrefixSize:], nil
}

// EncodeBody builds a record body from its common prefix and a
// record-type-specific payload.
func EncodeBody(p RecordBodyPrefix, payload []byte) []byte {
	return p.encode(payload)
}
