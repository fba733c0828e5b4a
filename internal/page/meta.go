package page

import "encoding/binary"

// MetaMagic is the engine's meta-page magic number; MetaHeader.Valid
// rejects a meta page whose magic does not match (spec.md §3
// "Invariants"). PageIn/PageOut swap a meta page without checking it.
const MetaMagic uint32 = 0x4242444D // "BBDM"

// MetaVersion is the current on-disk meta page format version.
const MetaVersion uint32 = 1

// MetaPrefixSize is the size of the method-independent meta prefix
// swapped by every meta page codec before the method-specific tail
// (spec.md §4.A): lsn, pgno, magic, version, pagesize, encrypt_alg,
// type, metaflags, fileid[16], uid, log_fileid, last_pgno, nparts,
// key_count, record_count, flags, root.
const MetaPrefixSize = HeaderSize + 4 + 4 + 4 + 4 + 2 + 16 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4

// MetaHeader is the fixed prefix of every meta page (btree-meta,
// hash-meta, queue-meta), spec.md §3.
type MetaHeader struct {
	Header
	Magic         uint32
	Version       uint32
	PageSize      uint32
	EncryptAlg    uint32
	MetaFlags     uint16
	FileID        [16]byte
	UID           uint32
	LogFileID     uint32
	LastPgno      uint32
	NParts        uint32
	KeyCount      uint32
	RecordCount   uint32
	Flags         uint32
	Root          uint32
}

// Encode writes the full meta prefix (generic header + meta fields) to
// buf in canonical disk byte order.
func (m *MetaHeader) Encode(buf []byte) {
	m.Header.Encode(buf[:HeaderSize])
	off := HeaderSize
	binary.BigEndian.PutUint32(buf[off:], m.Magic)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.Version)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.PageSize)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.EncryptAlg)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], m.MetaFlags)
	off += 2
	copy(buf[off:off+16], m.FileID[:])
	off += 16
	binary.BigEndian.PutUint32(buf[off:], m.UID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.LogFileID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.LastPgno)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.NParts)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.KeyCount)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.RecordCount)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.Flags)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.Root)
}

// Decode parses the full meta prefix from buf.
func (m *MetaHeader) Decode(buf []byte) error {
	if err := m.Header.Decode(buf[:HeaderSize]); err != nil {
		return err
	}
	off := HeaderSize
	m.Magic = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.Version = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.PageSize = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.EncryptAlg = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.MetaFlags = binary.BigEndian.Uint16(buf[off:])
	off += 2
	copy(m.FileID[:], buf[off:off+16])
	off += 16
	m.UID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.LogFileID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.LastPgno = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.NParts = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.KeyCount = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.RecordCount = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.Flags = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.Root = binary.BigEndian.Uint32(buf[off:])
	return nil
}

// Valid reports whether the meta page's magic and version match the
// engine (spec.md §3 "Invariants"), and the IV is set whenever
// encryption is configured.
func (m *MetaHeader) Valid(iv [16]byte) bool {
	if m.Magic != MetaMagic || m.Version != MetaVersion {
		return false
	}
	if m.EncryptAlg != 0 {
		var zero [16]byte
		if iv == zero {
			return false
		}
	}
	return true
}
