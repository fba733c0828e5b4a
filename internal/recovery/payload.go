package recovery

import (
	"encoding/binary"

	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/walog"
)

// AddRemOp distinguishes the two item-mutation kinds an *addrem*
// record can log (spec.md §4.F "per-record specifics").
type AddRemOp uint8

const (
	AddRemAdd AddRemOp = iota
	AddRemRemove
)

// AddRemPayload is an *addrem* record's body: which slot on which
// page changed, what it changed from/to, and the item bytes needed to
// replay either direction.
type AddRemPayload struct {
	Op          AddRemOp
	PageNo      uint32
	Indx        uint32
	PrevPageLSN lsn.LSN
	Item        []byte
}

func (p AddRemPayload) encode() []byte {
	buf := make([]byte, 1+4+4+8+4+len(p.Item))
	buf[0] = byte(p.Op)
	binary.BigEndian.PutUint32(buf[1:5], p.PageNo)
	binary.BigEndian.PutUint32(buf[5:9], p.Indx)
	binary.BigEndian.PutUint32(buf[9:13], p.PrevPageLSN.File)
	binary.BigEndian.PutUint32(buf[13:17], p.PrevPageLSN.Offset)
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(p.Item)))
	copy(buf[21:], p.Item)
	return buf
}

func decodeAddRem(buf []byte) (AddRemPayload, error) {
	if len(buf) < 21 {
		return AddRemPayload{}, walog.ErrShortRecord
	}
	n := binary.BigEndian.Uint32(buf[17:21])
	if len(buf) < 21+int(n) {
		return AddRemPayload{}, walog.ErrShortRecord
	}
	return AddRemPayload{
		Op:     AddRemOp(buf[0]),
		PageNo: binary.BigEndian.Uint32(buf[1:5]),
		Indx:   binary.BigEndian.Uint32(buf[5:9]),
		PrevPageLSN: lsn.LSN{
			File:   binary.BigEndian.Uint32(buf[9:13]),
			Offset: binary.BigEndian.Uint32(buf[13:17]),
		},
		Item: append([]byte(nil), buf[21:21+n]...),
	}, nil
}

// EncodeAddRem builds the body payload (after the common prefix) for
// an *addrem* record.
func EncodeAddRem(p AddRemPayload) []byte { return p.encode() }

// BigPayload is a *big* record's body: the affected overflow page, and
// for an add, the raw data chunk that was written there.
type BigPayload struct {
	PageNo      uint32
	PrevPageLSN lsn.LSN
	Add         bool
	Data        []byte
}

func (p BigPayload) encode() []byte {
	buf := make([]byte, 4+8+1+4+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], p.PageNo)
	binary.BigEndian.PutUint32(buf[4:8], p.PrevPageLSN.File)
	binary.BigEndian.PutUint32(buf[8:12], p.PrevPageLSN.Offset)
	if p.Add {
		buf[12] = 1
	}
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(p.Data)))
	copy(buf[17:], p.Data)
	return buf
}

func decodeBig(buf []byte) (BigPayload, error) {
	if len(buf) < 17 {
		return BigPayload{}, walog.ErrShortRecord
	}
	n := binary.BigEndian.Uint32(buf[13:17])
	if len(buf) < 17+int(n) {
		return BigPayload{}, walog.ErrShortRecord
	}
	return BigPayload{
		PageNo: binary.BigEndian.Uint32(buf[0:4]),
		PrevPageLSN: lsn.LSN{
			File:   binary.BigEndian.Uint32(buf[4:8]),
			Offset: binary.BigEndian.Uint32(buf[8:12]),
		},
		Add:  buf[12] != 0,
		Data: append([]byte(nil), buf[17:17+n]...),
	}, nil
}

// EncodeBig builds the body payload for a *big* record.
func EncodeBig(p BigPayload) []byte { return p.encode() }

// OvRefPayload is an *ovref* record's body: the overflow head page and
// the signed refcount adjustment applied on redo (negated on undo).
type OvRefPayload struct {
	PageNo      uint32
	PrevPageLSN lsn.LSN
	Adjust      int32
}

func (p OvRefPayload) encode() []byte {
	buf := make([]byte, 4+8+4)
	binary.BigEndian.PutUint32(buf[0:4], p.PageNo)
	binary.BigEndian.PutUint32(buf[4:8], p.PrevPageLSN.File)
	binary.BigEndian.PutUint32(buf[8:12], p.PrevPageLSN.Offset)
	binary.BigEndian.PutUint32(buf[12:16], uint32(p.Adjust))
	return buf
}

func decodeOvRef(buf []byte) (OvRefPayload, error) {
	if len(buf) < 16 {
		return OvRefPayload{}, walog.ErrShortRecord
	}
	return OvRefPayload{
		PageNo: binary.BigEndian.Uint32(buf[0:4]),
		PrevPageLSN: lsn.LSN{
			File:   binary.BigEndian.Uint32(buf[4:8]),
			Offset: binary.BigEndian.Uint32(buf[8:12]),
		},
		Adjust: int32(binary.BigEndian.Uint32(buf[12:16])),
	}, nil
}

// EncodeOvRef builds the body payload for an *ovref* record.
func EncodeOvRef(p OvRefPayload) []byte { return p.encode() }

// RelinkPayload is a *relink* record's body: the page being removed
// from a chain and the former prev/next neighbors it was wired
// between (spec.md §4.F "relink").
type RelinkPayload struct {
	PageNo           uint32
	OldPrevPageLSN   lsn.LSN
	Prev, Next       uint32
	PrevOfPrevPgLSN  lsn.LSN
	NextOfNextPgLSN  lsn.LSN
}

func (p RelinkPayload) encode() []byte {
	buf := make([]byte, 4+8+4+4+8+8)
	binary.BigEndian.PutUint32(buf[0:4], p.PageNo)
	binary.BigEndian.PutUint32(buf[4:8], p.OldPrevPageLSN.File)
	binary.BigEndian.PutUint32(buf[8:12], p.OldPrevPageLSN.Offset)
	binary.BigEndian.PutUint32(buf[12:16], p.Prev)
	binary.BigEndian.PutUint32(buf[16:20], p.Next)
	binary.BigEndian.PutUint32(buf[20:24], p.PrevOfPrevPgLSN.File)
	binary.BigEndian.PutUint32(buf[24:28], p.PrevOfPrevPgLSN.Offset)
	binary.BigEndian.PutUint32(buf[28:32], p.NextOfNextPgLSN.File)
	binary.BigEndian.PutUint32(buf[32:36], p.NextOfNextPgLSN.Offset)
	return buf
}

func decodeRelink(buf []byte) (RelinkPayload, error) {
	if len(buf) < 36 {
		return RelinkPayload{}, walog.ErrShortRecord
	}
	return RelinkPayload{
		PageNo: binary.BigEndian.Uint32(buf[0:4]),
		OldPrevPageLSN: lsn.LSN{
			File:   binary.BigEndian.Uint32(buf[4:8]),
			Offset: binary.BigEndian.Uint32(buf[8:12]),
		},
		Prev: binary.BigEndian.Uint32(buf[12:16]),
		Next: binary.BigEndian.Uint32(buf[16:20]),
		PrevOfPrevPgLSN: lsn.LSN{
			File:   binary.BigEndian.Uint32(buf[20:24]),
			Offset: binary.BigEndian.Uint32(buf[24:28]),
		},
		NextOfNextPgLSN: lsn.LSN{
			File:   binary.BigEndian.Uint32(buf[28:32]),
			Offset: binary.BigEndian.Uint32(buf[32:36]),
		},
	}, nil
}

// EncodeRelink builds the body payload for a *relink* record.
func EncodeRelink(p RelinkPayload) []byte { return p.encode() }

// TxnRegopPayload is a *txn_regop* record's body: the commit/abort
// outcome and the txn's prior LSN for abort's undo walk.
type TxnRegopPayload struct {
	Commit  bool
	PrevLSN lsn.LSN
}

func (p TxnRegopPayload) encode() []byte {
	buf := make([]byte, 1+8)
	if p.Commit {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:5], p.PrevLSN.File)
	binary.BigEndian.PutUint32(buf[5:9], p.PrevLSN.Offset)
	return buf
}

func decodeTxnRegop(buf []byte) (TxnRegopPayload, error) {
	if len(buf) < 9 {
		return TxnRegopPayload{}, walog.ErrShortRecord
	}
	return TxnRegopPayload{
		Commit: buf[0] != 0,
		PrevLSN: lsn.LSN{
			File:   binary.BigEndian.Uint32(buf[1:5]),
			Offset: binary.BigEndian.Uint32(buf[5:9]),
		},
	}, nil
}

// EncodeTxnRegop builds the body payload for a *txn_regop* record.
func EncodeTxnRegop(p TxnRegopPayload) []byte { return p.encode() }

// DecodeTxnRegop parses a *txn_regop* record's full body (common
// prefix plus payload).
func DecodeTxnRegop(body []byte) (TxnRegopPayload, error) {
	_, payload, err := walog.DecodeBodyPrefix(body)
	if err != nil {
		return TxnRegopPayload{}, err
	}
	return decodeTxnRegop(payload)
}

// TxnCkpPayload is a *txn_ckp* record's body: the LSN of the earliest
// uncommitted transaction at checkpoint time, used by replication to
// bound a VERIFY rewind (spec.md §4.F, §4.I).
type TxnCkpPayload struct {
	CkpLSN lsn.LSN
}

func (p TxnCkpPayload) encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], p.CkpLSN.File)
	binary.BigEndian.PutUint32(buf[4:8], p.CkpLSN.Offset)
	return buf
}

func decodeTxnCkp(buf []byte) (TxnCkpPayload, error) {
	if len(buf) < 8 {
		return TxnCkpPayload{}, walog.ErrShortRecord
	}
	return TxnCkpPayload{CkpLSN: lsn.LSN{
		File:   binary.BigEndian.Uint32(buf[0:4]),
		Offset: binary.BigEndian.Uint32(buf[4:8]),
	}}, nil
}

// EncodeTxnCkp builds the body payload for a *txn_ckp* record.
func EncodeTxnCkp(p TxnCkpPayload) []byte { return p.encode() }

// DecodeTxnCkp parses a *txn_ckp* record's full body.
func DecodeTxnCkp(body []byte) (TxnCkpPayload, error) {
	_, payload, err := walog.DecodeBodyPrefix(body)
	if err != nil {
		return TxnCkpPayload{}, err
	}
	return decodeTxnCkp(payload)
}

// TxnChildPayload links a child transaction to its parent at commit
// (spec.md §3 "Transaction" — nested transactions).
type TxnChildPayload struct {
	ChildTxnID uint32
	ChildLSN   lsn.LSN
}

func (p TxnChildPayload) encode() []byte {
	buf := make([]byte, 4+8)
	binary.BigEndian.PutUint32(buf[0:4], p.ChildTxnID)
	binary.BigEndian.PutUint32(buf[4:8], p.ChildLSN.File)
	binary.BigEndian.PutUint32(buf[8:12], p.ChildLSN.Offset)
	return buf
}

func decodeTxnChild(buf []byte) (TxnChildPayload, error) {
	if len(buf) < 12 {
		return TxnChildPayload{}, walog.ErrShortRecord
	}
	return TxnChildPayload{
		ChildTxnID: binary.BigEndian.Uint32(buf[0:4]),
		ChildLSN: lsn.LSN{
			File:   binary.BigEndian.Uint32(buf[4:8]),
			Offset: binary.BigEndian.Uint32(buf[8:12]),
		},
	}, nil
}

// EncodeTxnChild builds the body payload for a *txn_child* record.
func EncodeTxnChild(p TxnChildPayload) []byte { return p.encode() }

// DecodeTxnChild parses a *txn_child* record's full body.
func DecodeTxnChild(body []byte) (TxnChildPayload, error) {
	_, payload, err := walog.DecodeBodyPrefix(body)
	if err != nil {
		return TxnChildPayload{}, err
	}
	return decodeTxnChild(payload)
}

// DbregRegisterPayload is a *dbreg_register* record's body (spec.md
// §4.E/§4.F).
type DbregRegisterPayload struct {
	Opcode     uint8
	FileID     int32
	Name       string
	UID        [16]byte
	DBType     uint32
	MetaPageNo uint32
}

func (p DbregRegisterPayload) encode() []byte {
	nameBytes := []byte(p.Name)
	buf := make([]byte, 1+4+4+len(nameBytes)+16+4+4)
	off := 0
	buf[off] = p.Opcode
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(p.FileID))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(nameBytes)))
	off += 4
	copy(buf[off:], nameBytes)
	off += len(nameBytes)
	copy(buf[off:off+16], p.UID[:])
	off += 16
	binary.BigEndian.PutUint32(buf[off:], p.DBType)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.MetaPageNo)
	return buf
}

func decodeDbregRegister(buf []byte) (DbregRegisterPayload, error) {
	if len(buf) < 9 {
		return DbregRegisterPayload{}, walog.ErrShortRecord
	}
	off := 0
	opcode := buf[off]
	off++
	fileID := int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	nameLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+nameLen+16+8 {
		return DbregRegisterPayload{}, walog.ErrShortRecord
	}
	name := string(buf[off : off+nameLen])
	off += nameLen
	var uid [16]byte
	copy(uid[:], buf[off:off+16])
	off += 16
	dbType := binary.BigEndian.Uint32(buf[off:])
	off += 4
	metaPageNo := binary.BigEndian.Uint32(buf[off:])
	return DbregRegisterPayload{
		Opcode:     opcode,
		FileID:     fileID,
		Name:       name,
		UID:        uid,
		DBType:     dbType,
		MetaPageNo: metaPageNo,
	}, nil
}

// EncodeDbregRegister builds the body payload for a *dbreg_register*
// record.
func EncodeDbregRegister(p DbregRegisterPayload) []byte { return p.encode() }
