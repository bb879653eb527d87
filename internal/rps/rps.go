// Package rps implements the compact radio-parameter-set codec: a single
// byte encoding spreading factor, bandwidth and a couple of modulation
// flags. It doubles as the map key for data-rate tables and concentrator
// channel settings.
package rps

import "fmt"

// Rps is a packed {spread_factor, bandwidth, flags} value. The zero value
// is not a valid Rps; use Illegal for "no such setting".
type Rps uint8

// Bandwidth codes.
const (
	BW125 uint8 = 0
	BW250 uint8 = 1
	BW500 uint8 = 2
	BWFSK uint8 = 3 // sentinel: FSK has no LoRa bandwidth
)

// Flag bits, stored above the sf/bw fields.
const (
	flagDNONLY Rps = 1 << 6 // data-rate only usable downlink
	flagBCN    Rps = 1 << 7 // beacon modulation

	sfMask = 0x0F
	bwMask = 0x03
	bwShift = 4
)

// Illegal is the sentinel "no such rps" value. It must round-trip through
// Make/SF/BW/Flags without colliding with any legal encoding.
const Illegal Rps = 0xFF

// sfFSK is the reserved spreading-factor nibble marking FSK modulation.
const sfFSK uint8 = 0

// Make packs a spreading factor (7..12, or 0 for FSK) and bandwidth code
// into an Rps. DNONLY/BCN flags can be ORed in by the caller afterward.
func Make(sf uint8, bw uint8) Rps {
	return Rps(sf&sfMask) | Rps(bw&bwMask)<<bwShift
}

// FSK returns the sentinel Rps for FSK modulation (sf=0, bw=BWFSK).
func FSK() Rps { return Make(sfFSK, BWFSK) }

// SF returns the spreading factor, or 0 if this is an FSK setting.
func (r Rps) SF() uint8 { return uint8(r) & sfMask }

// BW returns the bandwidth code.
func (r Rps) BW() uint8 { return (uint8(r) >> bwShift) & bwMask }

// IsFSK reports whether this Rps encodes FSK modulation.
func (r Rps) IsFSK() bool { return r.BW() == BWFSK }

// WithDNONLY returns r with the data-rate-only-downlink flag set.
func (r Rps) WithDNONLY() Rps { return r | flagDNONLY }

// WithBCN returns r with the beacon-modulation flag set.
func (r Rps) WithBCN() Rps { return r | flagBCN }

// DNONLY reports whether this data rate is downlink-only.
func (r Rps) DNONLY() bool { return r&flagDNONLY != 0 }

// BCN reports whether this is the beacon modulation.
func (r Rps) BCN() bool { return r&flagBCN != 0 }

// Base strips the DNONLY/BCN flags, returning the plain sf/bw value.
func (r Rps) Base() Rps { return r &^ (flagDNONLY | flagBCN) }

// Valid reports whether r is a legal, non-Illegal encoding: a FSK setting,
// or sf in [7,12] with bw in {125,250,500}.
func (r Rps) Valid() bool {
	if r == Illegal {
		return false
	}
	if r.IsFSK() {
		return r.Base().SF() == sfFSK
	}
	sf := r.SF()
	bw := r.BW()
	return sf >= 7 && sf <= 12 && (bw == BW125 || bw == BW250 || bw == BW500)
}

// BandwidthHz returns the bandwidth in Hz for LoRa settings; 0 for FSK.
func (r Rps) BandwidthHz() uint32 {
	switch r.BW() {
	case BW125:
		return 125000
	case BW250:
		return 250000
	case BW500:
		return 500000
	default:
		return 0
	}
}

func (r Rps) String() string {
	if r == Illegal {
		return "illegal"
	}
	if r.IsFSK() {
		return "FSK"
	}
	return fmt.Sprintf("SF%dBW%d", r.SF(), r.BandwidthHz()/1000)
}
