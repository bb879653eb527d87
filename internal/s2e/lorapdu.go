// Message-kind dispatch on the raw LoRaWAN PHYPayload's leading MHdr
// octet (spec §4.2): the core inspects only header fields, never the
// MIC or FRMPayload encryption, per spec §1 Non-goals.
package s2e

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// mtype is the 3-bit MHdr message type (top bits of the first PDU byte).
type mtype uint8

const (
	mtypeJoinRequest       mtype = 0
	mtypeJoinAccept        mtype = 1
	mtypeUnconfirmedDataUp mtype = 2
	mtypeUnconfirmedDataDn mtype = 3
	mtypeConfirmedDataUp   mtype = 4
	mtypeConfirmedDataDn   mtype = 5
	mtypeRejoinRequest     mtype = 6
	mtypeProprietary       mtype = 7
)

func mhdrMType(mhdr byte) mtype { return mtype(mhdr >> 5) }

// minPDULen is the shortest PHYPayload the core accepts: MHdr + MIC.
const minPDULen = 1 + 4

// errShortPDU/errBadMajor mirror spec §4.2's "bad major version or too
// short length" drop condition.
var (
	errShortPDU = fmt.Errorf("s2e: phypayload shorter than MHdr+MIC")
	errBadMajor = fmt.Errorf("s2e: unsupported LoRaWAN major version")
)

// joinRequestPDU is the decoded fixed layout of a join-request/rejoin PDU.
type joinRequestPDU struct {
	MHdr     byte
	JoinEUI  uint64
	DevEUI   uint64
	DevNonce uint16
	MIC      int32
}

func parseJoinRequest(pdu []byte) (joinRequestPDU, error) {
	const want = 1 + 8 + 8 + 2 + 4
	if len(pdu) < want {
		return joinRequestPDU{}, errShortPDU
	}
	return joinRequestPDU{
		MHdr:     pdu[0],
		JoinEUI:  binary.LittleEndian.Uint64(pdu[1:9]),
		DevEUI:   binary.LittleEndian.Uint64(pdu[9:17]),
		DevNonce: binary.LittleEndian.Uint16(pdu[17:19]),
		MIC:      int32(binary.LittleEndian.Uint32(pdu[19:23])),
	}, nil
}

// dataUpPDU is the decoded fixed+variable layout of an up data frame.
type dataUpPDU struct {
	MHdr       byte
	DevAddr    uint32
	FCtrl      uint8
	FCnt       uint16
	FOpts      []byte
	FPort      *int
	FRMPayload []byte
	MIC        int32
}

func parseDataUp(pdu []byte) (dataUpPDU, error) {
	const fixedLen = 1 + 4 + 1 + 2
	if len(pdu) < fixedLen+4 {
		return dataUpPDU{}, errShortPDU
	}
	fctrl := pdu[5]
	foptsLen := int(fctrl & 0x0F)
	off := fixedLen
	if len(pdu) < off+foptsLen+4 {
		return dataUpPDU{}, errShortPDU
	}
	d := dataUpPDU{
		MHdr:    pdu[0],
		DevAddr: binary.LittleEndian.Uint32(pdu[1:5]),
		FCtrl:   fctrl,
		FCnt:    binary.LittleEndian.Uint16(pdu[6:8]),
	}
	if foptsLen > 0 {
		d.FOpts = append([]byte(nil), pdu[off:off+foptsLen]...)
	}
	off += foptsLen
	micOff := len(pdu) - 4
	if off < micOff {
		port := int(pdu[off])
		d.FPort = &port
		off++
		if off < micOff {
			d.FRMPayload = append([]byte(nil), pdu[off:micOff]...)
		}
	}
	d.MIC = int32(binary.LittleEndian.Uint32(pdu[micOff:]))
	return d, nil
}

// netIDOfDevAddr extracts the top 7 bits of DevAddr, matching
// filter.NetIDOfDevAddr (kept local to avoid importing filter just for
// this one-liner in the hot RX path's decode step).
func netIDOfDevAddr(devAddr uint32) uint8 { return uint8(devAddr >> 25) }

// euiToHex renders an EUI in the dash-separated form the LNS wire
// protocol uses ("00-11-22-33-44-55-66-77").
func euiToHex(eui uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], eui)
	parts := make([]string, 8)
	for i, x := range b {
		parts[i] = hex.EncodeToString([]byte{x})
	}
	return strings.Join(parts, "-")
}

// hexToEUI accepts both the dashed/colon-separated wire form and plain
// 16-digit hex.
func hexToEUI(s string) (uint64, error) {
	clean := strings.NewReplacer("-", "", ":", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil || len(b) != 8 {
		return 0, fmt.Errorf("s2e: malformed EUI hex %q", s)
	}
	return binary.BigEndian.Uint64(b), nil
}

func hexToBytes(s string) ([]byte, error) { return hex.DecodeString(s) }

func bytesToHex(b []byte) string { return hex.EncodeToString(b) }
