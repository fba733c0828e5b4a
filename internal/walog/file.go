package walog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// FileMagic and FileVersion identify this engine's log file format.
const (
	FileMagic   uint32 = 0x57414c30 // "WAL0"
	FileVersion uint32 = 1
)

// FileHeaderSize is the on-disk size of the persistent per-file header
// (spec.md §4.D): magic[4] | version[4] | log_id[4] | mode[4] |
// pagesize[4] | max_file_size[8].
const FileHeaderSize = 4 + 4 + 4 + 4 + 4 + 8

// FileHeader is every log file's persistent first record (spec.md
// §4.D: "also re-emitted as the first record of every new file").
type FileHeader struct {
	Magic       uint32
	Version     uint32
	LogID       uint32
	Mode        uint32
	PageSize    uint32
	MaxFileSize int64
}

func (h FileHeader) encode() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.LogID)
	binary.BigEndian.PutUint32(buf[12:16], h.Mode)
	binary.BigEndian.PutUint32(buf[16:20], h.PageSize)
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.MaxFileSize))
	return buf
}

func decodeFileHeader(buf []byte) FileHeader {
	return FileHeader{
		Magic:       binary.BigEndian.Uint32(buf[0:4]),
		Version:     binary.BigEndian.Uint32(buf[4:8]),
		LogID:       binary.BigEndian.Uint32(buf[8:12]),
		Mode:        binary.BigEndian.Uint32(buf[12:16]),
		PageSize:    binary.BigEndian.Uint32(buf[16:20]),
		MaxFileSize: int64(binary.BigEndian.Uint64(buf[20:28])),
	}
}

// modernName is the current on-disk file-naming convention: numbered
// files starting at 1, 10-digit, "log.NNNNNNNNNN" (spec.md §6).
func modernName(dir string, fileNo uint32) string {
	return filepath.Join(dir, fmt.Sprintf("log.%010d", fileNo))
}

// legacyName is the pre-5.0 naming fallback, accepted on read-only
// open when the modern name is missing (spec.md §6, SPEC_FULL §9.4).
func legacyName(dir, legacyPrefix string, fileNo uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", legacyPrefix, fileNo))
}

// openForRead opens fileNo for reading, falling back to the legacy
// name if the modern one does not exist.
func openForRead(dir, legacyPrefix string, fileNo uint32) (*os.File, error) {
	f, err := os.Open(modernName(dir, fileNo))
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, trace(err)
	}
	f, err2 := os.Open(legacyName(dir, legacyPrefix, fileNo))
	if err2 != nil {
		return nil, trace(err)
	}
	return f, nil
}

func createFile(dir string, fileNo uint32) (*os.File, error) {
	return os.OpenFile(modernName(dir, fileNo), os.O_CREATE|os.O_RDWR, 0o644)
}

func openWrite(dir string, fileNo uint32) (*os.File, error) {
	return os.OpenFile(modernName(dir, fileNo), os.O_RDWR, 0o644)
}
