// Package ral defines the radio abstraction layer: the Radio interface
// the scheduler drives, and the fixed-layout binary wire records exchanged
// between the master process and each concentrator slave over a pair of
// non-blocking pipes.
package ral

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/agsys/lorastation/internal/rps"
)

func float32bits(f float32) uint32    { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }

// Cmd identifies a wire record's fixed layout.
type Cmd uint8

const (
	CmdConfig Cmd = iota + 1
	CmdTx
	CmdTxNoCCA
	CmdTxStatus
	CmdTxAbort
	CmdRx
	CmdTimesync
	CmdStop
)

// MaxFrameLen bounds a single LoRa frame's payload on the wire, matching
// the concentrator FIFO's maximum frame size.
const MaxFrameLen = 255

// TxStatus is the 1-byte status TXSTATUS replies carry.
type TxStatus uint8

const (
	TxStatusIdle TxStatus = iota
	TxStatusScheduled
	TxStatusEmitting
	TxStatusFail
)

// header is the common prefix of every record: the routing context
// (typically the antenna/txunit index packed with a request tag) and the
// command byte.
type header struct {
	Rctx int64
	Cmd  Cmd
}

const headerLen = 8 + 1

// ErrShortRecord is returned when a buffer doesn't yet hold a complete
// record of its declared command.
var ErrShortRecord = errors.New("ral: short record")

// ErrUnknownCmd is returned for a command byte with no known fixed layout.
var ErrUnknownCmd = errors.New("ral: unknown command")

// RecordLen returns the total wire length of a fixed record for cmd,
// given the variable-length payload size used by TX/RX records (0 for
// fixed-size commands). It returns 0 for an unrecognized command.
// CONFIG records are length-prefixed and vary in size (see EncodeConfig);
// the value returned for CmdConfig is a fixed figure, not the length of
// an encoded CONFIG record.
func RecordLen(cmd Cmd, dataLen int) int {
	switch cmd {
	case CmdConfig:
		return headerLen + 4 + 4 + configVariableCap // hwspec length + region + JSON cap
	case CmdTx, CmdTxNoCCA:
		return headerLen + txFixedLen + dataLen
	case CmdTxStatus:
		return headerLen + 1
	case CmdTxAbort:
		return headerLen
	case CmdRx:
		return headerLen + rxFixedLen + dataLen
	case CmdTimesync:
		return headerLen + 4 + 8 + 8 + 8
	case CmdStop:
		return headerLen
	default:
		return 0
	}
}

const (
	txFixedLen          = 1 /*rps*/ + 4 /*freq*/ + 8 /*xtime*/ + 1 /*txpow*/ + 1 /*addcrc*/ + 2 /*len*/
	rxFixedLen          = 1 /*rps*/ + 4 /*freq*/ + 8 /*xtime*/ + 2 /*rssi*/ + 4 /*snr*/ + 2 /*len*/
	configVariableCap   = 2048 // JSON sx130x config fits within PIPE_BUF in practice
)

// PeekCmd reads the command byte of the record at the front of buf
// without decoding the rest; it does not report a var-length record's
// length. It returns 0, false if buf doesn't yet hold a header.
func PeekCmd(buf []byte) (cmd Cmd, ok bool) {
	if len(buf) < headerLen {
		return 0, false
	}
	return Cmd(buf[8]), true
}

func decodeHeader(buf []byte) header {
	return header{Rctx: int64(binary.LittleEndian.Uint64(buf[0:8])), Cmd: Cmd(buf[8])}
}

func encodeHeader(buf []byte, h header) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Rctx))
	buf[8] = byte(h.Cmd)
}

// TxRecord is the master->slave TX/TX_NOCCA command.
type TxRecord struct {
	Rctx    int64
	NoCCA   bool
	Rps     rps.Rps
	FreqHz  uint32
	Xtime   uint64
	TxPowDBm int8
	AddCRC  bool
	Data    []byte
}

// EncodeTx serializes a TxRecord to its wire form.
func EncodeTx(r TxRecord) ([]byte, error) {
	if len(r.Data) > MaxFrameLen {
		return nil, errors.Newf("ral: tx payload %d exceeds max frame len %d", len(r.Data), MaxFrameLen)
	}
	cmd := CmdTx
	if r.NoCCA {
		cmd = CmdTxNoCCA
	}
	buf := make([]byte, headerLen+txFixedLen+len(r.Data))
	encodeHeader(buf, header{Rctx: r.Rctx, Cmd: cmd})
	off := headerLen
	buf[off] = byte(r.Rps)
	off++
	binary.LittleEndian.PutUint32(buf[off:], r.FreqHz)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], r.Xtime)
	off += 8
	buf[off] = byte(r.TxPowDBm)
	off++
	if r.AddCRC {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Data)))
	off += 2
	copy(buf[off:], r.Data)
	return buf, nil
}

// DecodeTx parses a TX/TX_NOCCA record; buf must be exactly the record's
// length (as reported by RecordLen once the length field is known).
func DecodeTx(buf []byte) (TxRecord, error) {
	if len(buf) < headerLen+txFixedLen {
		return TxRecord{}, ErrShortRecord
	}
	h := decodeHeader(buf)
	off := headerLen
	r := TxRecord{Rctx: h.Rctx, NoCCA: h.Cmd == CmdTxNoCCA}
	r.Rps = rps.Rps(buf[off])
	off++
	r.FreqHz = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.Xtime = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.TxPowDBm = int8(buf[off])
	off++
	r.AddCRC = buf[off] != 0
	off++
	dlen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+dlen {
		return TxRecord{}, ErrShortRecord
	}
	r.Data = append([]byte(nil), buf[off:off+dlen]...)
	return r, nil
}

// RxRecord is the slave->master RX report for one received frame.
type RxRecord struct {
	Rctx   int64
	Rps    rps.Rps
	FreqHz uint32
	Xtime  uint64
	RSSI   int16
	SNR    float32
	Data   []byte
}

// EncodeRx serializes an RxRecord to its wire form.
func EncodeRx(r RxRecord) ([]byte, error) {
	if len(r.Data) > MaxFrameLen {
		return nil, errors.Newf("ral: rx payload %d exceeds max frame len %d", len(r.Data), MaxFrameLen)
	}
	buf := make([]byte, headerLen+rxFixedLen+len(r.Data))
	encodeHeader(buf, header{Rctx: r.Rctx, Cmd: CmdRx})
	off := headerLen
	buf[off] = byte(r.Rps)
	off++
	binary.LittleEndian.PutUint32(buf[off:], r.FreqHz)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], r.Xtime)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(r.RSSI))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], float32bits(r.SNR))
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Data)))
	off += 2
	copy(buf[off:], r.Data)
	return buf, nil
}

// DecodeRx parses an RX record.
func DecodeRx(buf []byte) (RxRecord, error) {
	if len(buf) < headerLen+rxFixedLen {
		return RxRecord{}, ErrShortRecord
	}
	h := decodeHeader(buf)
	off := headerLen
	r := RxRecord{Rctx: h.Rctx}
	r.Rps = rps.Rps(buf[off])
	off++
	r.FreqHz = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.Xtime = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.RSSI = int16(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	r.SNR = float32frombits(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	dlen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+dlen {
		return RxRecord{}, ErrShortRecord
	}
	r.Data = append([]byte(nil), buf[off:off+dlen]...)
	return r, nil
}

// TimesyncRecord is exchanged both directions: master requests a sample
// (only Rctx/Cmd meaningful), slave replies with the quality/time fields.
type TimesyncRecord struct {
	Rctx     int64
	Quality  int32
	Ustime   int64
	Xtime    uint64
	PpsXtime uint64
}

// EncodeTimesyncReply serializes a slave's TIMESYNC reply.
func EncodeTimesyncReply(r TimesyncRecord) []byte {
	buf := make([]byte, headerLen+4+8+8+8)
	encodeHeader(buf, header{Rctx: r.Rctx, Cmd: CmdTimesync})
	off := headerLen
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.Quality))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.Ustime))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.Xtime)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.PpsXtime)
	return buf
}

// DecodeTimesyncReply parses a slave's TIMESYNC reply.
func DecodeTimesyncReply(buf []byte) (TimesyncRecord, error) {
	want := headerLen + 4 + 8 + 8 + 8
	if len(buf) < want {
		return TimesyncRecord{}, ErrShortRecord
	}
	h := decodeHeader(buf)
	off := headerLen
	r := TimesyncRecord{Rctx: h.Rctx}
	r.Quality = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	r.Ustime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	r.Xtime = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.PpsXtime = binary.LittleEndian.Uint64(buf[off:])
	return r, nil
}

// EncodeTxStatusReply serializes a TXSTATUS reply's single status byte.
func EncodeTxStatusReply(rctx int64, status TxStatus) []byte {
	buf := make([]byte, headerLen+1)
	encodeHeader(buf, header{Rctx: rctx, Cmd: CmdTxStatus})
	buf[headerLen] = byte(status)
	return buf
}

// DecodeTxStatusReply parses a TXSTATUS reply.
func DecodeTxStatusReply(buf []byte) (int64, TxStatus, error) {
	if len(buf) < headerLen+1 {
		return 0, 0, ErrShortRecord
	}
	h := decodeHeader(buf)
	return h.Rctx, TxStatus(buf[headerLen]), nil
}

// EncodeSimpleCmd serializes a header-only record (TXABORT, STOP, or a
// bare TXSTATUS/TIMESYNC request with no payload).
func EncodeSimpleCmd(rctx int64, cmd Cmd) []byte {
	buf := make([]byte, headerLen)
	encodeHeader(buf, header{Rctx: rctx, Cmd: cmd})
	return buf
}

// ConfigRecord is the master->slave CONFIG command.
type ConfigRecord struct {
	Rctx       int64
	HwSpec     string
	RegionCode uint32
	Sx130xJSON []byte
	UpChannels []uint32 // frequencies; Rps carried separately via chans.Chdefl at a higher layer
}

// EncodeConfig serializes a ConfigRecord. The hwspec string and JSON blob
// are each length-prefixed; the whole record must still fit PIPE_BUF,
// which the caller is responsible for verifying before writing.
func EncodeConfig(r ConfigRecord) []byte {
	size := headerLen + 4 + len(r.HwSpec) + 4 + 4 + len(r.Sx130xJSON) + 4 + 4*len(r.UpChannels)
	buf := make([]byte, size)
	encodeHeader(buf, header{Rctx: r.Rctx, Cmd: CmdConfig})
	off := headerLen
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.HwSpec)))
	off += 4
	copy(buf[off:], r.HwSpec)
	off += len(r.HwSpec)
	binary.LittleEndian.PutUint32(buf[off:], r.RegionCode)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Sx130xJSON)))
	off += 4
	copy(buf[off:], r.Sx130xJSON)
	off += len(r.Sx130xJSON)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.UpChannels)))
	off += 4
	for _, f := range r.UpChannels {
		binary.LittleEndian.PutUint32(buf[off:], f)
		off += 4
	}
	return buf
}

// DecodeConfig parses a ConfigRecord.
func DecodeConfig(buf []byte) (ConfigRecord, error) {
	if len(buf) < headerLen+4 {
		return ConfigRecord{}, ErrShortRecord
	}
	h := decodeHeader(buf)
	off := headerLen
	hwspecLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+hwspecLen+4+4 {
		return ConfigRecord{}, ErrShortRecord
	}
	r := ConfigRecord{Rctx: h.Rctx, HwSpec: string(buf[off : off+hwspecLen])}
	off += hwspecLen
	r.RegionCode = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	jsonLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+jsonLen+4 {
		return ConfigRecord{}, ErrShortRecord
	}
	r.Sx130xJSON = append([]byte(nil), buf[off:off+jsonLen]...)
	off += jsonLen
	nch := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+4*nch {
		return ConfigRecord{}, ErrShortRecord
	}
	r.UpChannels = make([]uint32, nch)
	for i := range r.UpChannels {
		r.UpChannels[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return r, nil
}
