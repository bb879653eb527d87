// Package beacon builds and schedules the class-B beacon frame: a small,
// two-CRC-protected PDU broadcasting the current GPS epoch and gateway
// position every 128 s.
package beacon

import "github.com/cockroachdb/errors"

// Interval is the GPS-epoch beacon period in seconds.
const Interval = 128

// PreLeadUS is how far ahead of the beacon slot the scheduling task wakes
// to prepare and place the TxJob.
const PreLeadUS = 800_000

// Layout describes the byte offsets of a beacon PDU's fields, mirroring
// the {time_off, infodesc_off, bcn_len} triple the radio layer supplies
// from its hardware/region beacon-format table. Two CRC16 runs protect
// [0, infodescOff-2) and [infodescOff, bcnLen-2); each is stored in the
// two bytes that follow the range it covers.
type Layout struct {
	TimeOff     int
	InfodescOff int
	BcnLen      int
}

// DefaultLayout is the layout used when no region-specific format is
// supplied: 4-byte epoch, 2-byte CRC, 1-byte info descriptor, 3-byte lat,
// 3-byte lon, 2 reserved bytes, 2-byte CRC (17 bytes total).
var DefaultLayout = Layout{TimeOff: 0, InfodescOff: 6, BcnLen: 17}

// ErrBadLayout is returned by Make when a Layout's fields are inconsistent.
var ErrBadLayout = errors.New("beacon: layout fields out of range")

// crc16 implements the CCITT polynomial (0x1021) the original beacon
// encoder uses, computed the bit-serial way rather than via a lookup
// table since it only ever runs twice per 128s beacon.
func crc16(data []byte) uint16 {
	var remainder uint32
	const poly = 0x1021
	for _, b := range data {
		remainder ^= uint32(b) << 8
		for bit := 0; bit < 8; bit++ {
			if remainder&0x8000 != 0 {
				remainder = (remainder << 1) ^ poly
			} else {
				remainder <<= 1
			}
		}
	}
	return uint16(remainder & 0xFFFF)
}

// putLE writes n little-endian bytes of v starting at dst[0].
func putLE(dst []byte, v uint32, n int) {
	for i := 0; i < n; i++ {
		dst[i] = byte(v >> (8 * uint(i)))
	}
}

// Make builds a beacon PDU for epochSecs (a multiple of Interval),
// infoDesc (the beacon info descriptor selecting which parameter set
// lat/lon encode), and the gateway's position in degrees.
func Make(layout Layout, epochSecs int64, infoDesc uint8, latDeg, lonDeg float64) ([]byte, error) {
	if layout.BcnLen < 8 || layout.InfodescOff < layout.TimeOff+6 || layout.InfodescOff+7 > layout.BcnLen-2 {
		return nil, ErrBadLayout
	}
	pdu := make([]byte, layout.BcnLen)

	putLE(pdu[layout.TimeOff:], uint32(epochSecs), 4)

	ulat := int32(latDeg / 90 * (1 << 31))
	ulon := int32(lonDeg / 180 * (1 << 31))
	pdu[layout.InfodescOff] = infoDesc
	putLE(pdu[layout.InfodescOff+1:], uint32(ulat), 3)
	putLE(pdu[layout.InfodescOff+4:], uint32(ulon), 3)

	crc1 := crc16(pdu[0 : layout.InfodescOff-2])
	putLE(pdu[layout.InfodescOff-2:], uint32(crc1), 2)

	crc2 := crc16(pdu[layout.InfodescOff : layout.BcnLen-2])
	putLE(pdu[layout.BcnLen-2:], uint32(crc2), 2)

	return pdu, nil
}

// Status is the sticky state of the beacon task when it cannot currently
// produce a frame.
type Status int

const (
	OK Status = iota
	NoTime
	NoPos
)

// NextSlot returns the next GPS epoch second (a multiple of Interval)
// strictly after nowGPSus, and the host-clock lead time at which the
// beacon task should wake to prepare it.
func NextSlot(nowGPSus int64) (epochSecs int64, wakeAheadUS int64) {
	nowSecs := nowGPSus / 1_000_000
	next := (nowSecs/Interval + 1) * Interval
	return next, PreLeadUS
}

// Scheduler drives the sticky NOTIME/NOPOS state machine: Prepare is
// called each time the beacon task wakes, and reports whether a frame is
// ready along with whether the status changed (so the caller logs only on
// transition, matching the original's "log on change" behaviour).
type Scheduler struct {
	layout Layout
	freqs  []uint32
	status Status
	next   int
}

// NewScheduler creates a beacon scheduler rotating through freqs (up to 8
// channels) for successive beacon frames.
func NewScheduler(layout Layout, freqs []uint32) *Scheduler {
	return &Scheduler{layout: layout, freqs: freqs, status: OK}
}

// RetryDelayUS is how long the scheduler waits before retrying when time
// or position is unavailable.
const RetryDelayUS = 10_000_000

// Prepare attempts to build the next beacon PDU. haveTime/haveLat/haveLon
// report whether GPS time and a position fix are currently available.
func (s *Scheduler) Prepare(epochSecs int64, haveTime bool, latDeg, lonDeg float64, havePos bool) (pdu []byte, freqHz uint32, changed bool, err error) {
	newStatus := OK
	switch {
	case !haveTime:
		newStatus = NoTime
	case !havePos:
		newStatus = NoPos
	}
	changed = newStatus != s.status
	s.status = newStatus
	if newStatus != OK {
		return nil, 0, changed, nil
	}

	freqHz = s.freqs[s.next%len(s.freqs)]
	s.next++

	pdu, err = Make(s.layout, epochSecs, 0, latDeg, lonDeg)
	return pdu, freqHz, changed, err
}
