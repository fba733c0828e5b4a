// Package repl implements the replication message loop, the two-phase
// election state machine, and client log catch-up/verify handshake
// (spec.md §4.G, §4.H, §4.I).
package repl

import (
	"encoding/binary"

	"github.com/coredbio/coredb/internal/errs"
	"github.com/coredbio/coredb/internal/lsn"
)

// Supported protocol versions this build understands (spec.md §4.G
// step 1 "version check").
const (
	SupportedRepVersion = 1
	SupportedLogVersion = 1
)

// MsgType is the replication message kind carried in Control.Type
// (spec.md §4.G "dispatch table").
type MsgType uint32

const (
	MsgInvalid MsgType = iota
	MsgAlive
	MsgAliveReq
	MsgDupMaster
	MsgElect
	MsgVote1
	MsgVote2
	MsgLog
	MsgLogMore
	MsgLogReq
	MsgAllReq
	MsgMasterReq
	MsgNewClient
	MsgNewMaster
	MsgNewSite
	MsgNewFile
	MsgPage
	MsgPageReq
	MsgUpdate
	MsgUpdateReq
	MsgBulkLog
	MsgBulkPage
	MsgVerify
	MsgVerifyFail
	MsgVerifyReq
	MsgPageDone
)

func (t MsgType) String() string {
	switch t {
	case MsgAlive:
		return "ALIVE"
	case MsgAliveReq:
		return "ALIVE_REQ"
	case MsgDupMaster:
		return "DUPMASTER"
	case MsgElect:
		return "ELECT"
	case MsgVote1:
		return "VOTE1"
	case MsgVote2:
		return "VOTE2"
	case MsgLog:
		return "LOG"
	case MsgLogMore:
		return "LOG_MORE"
	case MsgLogReq:
		return "LOG_REQ"
	case MsgAllReq:
		return "ALL_REQ"
	case MsgMasterReq:
		return "MASTER_REQ"
	case MsgNewClient:
		return "NEWCLIENT"
	case MsgNewMaster:
		return "NEWMASTER"
	case MsgNewSite:
		return "NEWSITE"
	case MsgNewFile:
		return "NEWFILE"
	case MsgPage:
		return "PAGE"
	case MsgPageReq:
		return "PAGE_REQ"
	case MsgUpdate:
		return "UPDATE"
	case MsgUpdateReq:
		return "UPDATE_REQ"
	case MsgBulkLog:
		return "BULK_LOG"
	case MsgBulkPage:
		return "BULK_PAGE"
	case MsgVerify:
		return "VERIFY"
	case MsgVerifyFail:
		return "VERIFY_FAIL"
	case MsgVerifyReq:
		return "VERIFY_REQ"
	case MsgPageDone:
		return "PAGE_DONE"
	default:
		return "INVALID"
	}
}

// ControlSize is the on-wire byte size of Control (spec.md §6):
// rep_version[4] | log_version[4] | rectype[4] | flags[4] | gen[4] |
// lsn{file[4],offset[4]} | msg_len[4].
const ControlSize = 4*6 + 8

// Flag bits carried in Control.Flags.
const (
	FlagNone      uint32 = 0
	FlagPermanent uint32 = 1 << 0 // durable record the sender has flushed
	FlagIsMaster  uint32 = 1 << 1 // set on an ALIVE reply when the sender believes itself master
)

// Control is the replication wire header every message carries,
// encoded little-endian regardless of host byte order (spec.md §6).
type Control struct {
	RepVersion uint32
	LogVersion uint32
	Type       MsgType
	Flags      uint32
	Gen        uint32
	LSN        lsn.LSN
	MsgLen     uint32
}

// Encode serializes c to its wire form.
func (c Control) Encode() []byte {
	buf := make([]byte, ControlSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.RepVersion)
	binary.LittleEndian.PutUint32(buf[4:8], c.LogVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(c.Type))
	binary.LittleEndian.PutUint32(buf[12:16], c.Flags)
	binary.LittleEndian.PutUint32(buf[16:20], c.Gen)
	binary.LittleEndian.PutUint32(buf[20:24], c.LSN.File)
	binary.LittleEndian.PutUint32(buf[24:28], c.LSN.Offset)
	binary.LittleEndian.PutUint32(buf[28:32], c.MsgLen)
	return buf
}

// DecodeControl parses a wire Control header.
func DecodeControl(buf []byte) (Control, error) {
	if len(buf) < ControlSize {
		return Control{}, errs.Trace(errs.ErrInvalid)
	}
	return Control{
		RepVersion: binary.LittleEndian.Uint32(buf[0:4]),
		LogVersion: binary.LittleEndian.Uint32(buf[4:8]),
		Type:       MsgType(binary.LittleEndian.Uint32(buf[8:12])),
		Flags:      binary.LittleEndian.Uint32(buf[12:16]),
		Gen:        binary.LittleEndian.Uint32(buf[16:20]),
		LSN: lsn.LSN{
			File:   binary.LittleEndian.Uint32(buf[20:24]),
			Offset: binary.LittleEndian.Uint32(buf[24:28]),
		},
		MsgLen: binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

// NewControl builds a Control stamped with this build's supported
// versions.
func NewControl(t MsgType, gen uint32, at lsn.LSN, payloadLen int) Control {
	return Control{
		RepVersion: SupportedRepVersion,
		LogVersion: SupportedLogVersion,
		Type:       t,
		Gen:        gen,
		LSN:        at,
		MsgLen:     uint32(payloadLen),
	}
}
