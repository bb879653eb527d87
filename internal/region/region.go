// Package region implements the per-regulatory-region TX policy: the
// can_tx predicate, default/alternate power, and duty-cycle or
// listen-before-talk bookkeeping a region mandates before a channel may
// be keyed.
package region

import (
	"time"

	"golang.org/x/time/rate"
)

// Tag identifies a regulatory region. Unknown falls back to a conservative
// default policy (14 dBm, no duty cycle).
type Tag int

const (
	Unknown Tag = iota
	EU868
	IL915
	KR920
	AS9231
	US915
	AU915
)

// DCMode selects how a region's duty-cycle bookkeeping is structured.
type DCMode int

const (
	DCNone     DCMode = iota // US915/AU915: power-limited, no DC accounting
	DCSubBand                // EU868: one window per sub-band
	DCPercent                // KR920/AS923-1: one window per local channel index, plus CCA
)

// MaxDnChnls bounds the per-channel duty-cycle table; the last slot is a
// shared overflow bucket for channel indices beyond the table.
const MaxDnChnls = 48

// EU868 sub-band edges (Hz) and their duty-cycle rate divisors (1/rate is
// the fraction of time a channel may transmit: g=1%, g1=10%, g2=0.1%).
const (
	eu868GLo, eu868GHi   = 868_000_000, 868_600_000
	eu868G3Lo, eu868G3Hi = 869_700_000, 870_000_000
	eu868G1Lo, eu868G1Hi = 869_400_000, 869_650_000

	RateG  = 100  // 1/100 = 1%
	RateG1 = 10   // 1/10  = 10%
	RateG2 = 1000 // 1/1000 = 0.1%
)

// KR920/AS923-1 per-channel duty-cycle percentages.
const (
	PercentKR920  = 2  // 2% per channel
	PercentAS9231 = 10 // 10% per channel
)

// Policy is the resolved regulatory behaviour for one region tag: the
// power table, duty-cycle mode, and whether CCA/LBT gates transmission.
type Policy struct {
	Tag Tag

	DefaultPowerDBm int
	AltPowerDBm     int
	AltLoHz, AltHiHz uint32 // sub-band the alt power applies to; 0,0 = none

	DCMode     DCMode
	PercentDC  int // used when DCMode == DCPercent
	CCARequired bool
}

// ForTag returns the policy for a region tag, falling back to the
// conservative Unknown default (14 dBm, no duty cycle, no CCA).
func ForTag(t Tag) Policy {
	switch t {
	case EU868:
		return Policy{Tag: t, DefaultPowerDBm: 16, AltPowerDBm: 27, AltLoHz: eu868G1Lo, AltHiHz: eu868G1Hi, DCMode: DCSubBand}
	case IL915:
		return Policy{Tag: t, DefaultPowerDBm: 20, DCMode: DCNone}
	case KR920:
		return Policy{Tag: t, DefaultPowerDBm: 14, DCMode: DCPercent, PercentDC: PercentKR920, CCARequired: true}
	case AS9231:
		return Policy{Tag: t, DefaultPowerDBm: 16, DCMode: DCPercent, PercentDC: PercentAS9231, CCARequired: true}
	case US915:
		return Policy{Tag: t, DefaultPowerDBm: 26, DCMode: DCNone}
	case AU915:
		return Policy{Tag: t, DefaultPowerDBm: 30, DCMode: DCNone}
	default:
		return Policy{Tag: Unknown, DefaultPowerDBm: 14, DCMode: DCNone}
	}
}

// PowerDBm returns the TX power to use for a transmission on freqHz, using
// the alternate power if freqHz falls within the region's alternate
// sub-band (EU868's 869.4-869.65 MHz band).
func (p Policy) PowerDBm(freqHz uint32) int {
	if p.AltLoHz != 0 && freqHz >= p.AltLoHz && freqHz <= p.AltHiHz {
		return p.AltPowerDBm
	}
	return p.DefaultPowerDBm
}

func eu868SubBand(freqHz uint32) (rate int) {
	switch {
	case freqHz >= eu868GLo && freqHz <= eu868GHi:
		return RateG
	case freqHz >= eu868G3Lo && freqHz <= eu868G3Hi:
		return RateG
	case freqHz >= eu868G1Lo && freqHz <= eu868G1Hi:
		return RateG1
	default:
		return RateG2
	}
}

// subBandKey identifies the EU868 duty-cycle accounting bucket for a
// frequency: the three sub-bands share a window each regardless of which
// channel within them transmits.
func subBandKey(freqHz uint32) int {
	switch {
	case freqHz >= eu868GLo && freqHz <= eu868GHi, freqHz >= eu868G3Lo && freqHz <= eu868G3Hi:
		return 0 // g
	case freqHz >= eu868G1Lo && freqHz <= eu868G1Hi:
		return 1 // g1
	default:
		return 2 // g2
	}
}

// DutyCycle tracks per-antenna duty-cycle windows: either three EU868
// sub-band buckets, or a per-local-channel-index table (with a shared
// overflow slot) for percent-DC regions.
type DutyCycle struct {
	policy Policy

	subBandNextAllowed [3]int64 // ustime each sub-band is next allowed to transmit

	chNextAllowed [MaxDnChnls]int64
}

// NewDutyCycle creates duty-cycle bookkeeping for one antenna under the
// given policy.
func NewDutyCycle(p Policy) *DutyCycle { return &DutyCycle{policy: p} }

// CanTx reports whether a transmission of airtimeUS on freqHz (local
// channel index chIdx, used only for percent-DC regions) starting at
// txtime is permitted under the region's duty-cycle/CCA policy.
func (dc *DutyCycle) CanTx(txtime int64, freqHz uint32, chIdx int, airtimeUS int64) bool {
	switch dc.policy.DCMode {
	case DCNone:
		return true
	case DCSubBand:
		key := subBandKey(freqHz)
		return txtime >= dc.subBandNextAllowed[key]
	case DCPercent:
		idx := chIdx
		if idx < 0 || idx >= MaxDnChnls-1 {
			idx = MaxDnChnls - 1 // shared overflow bucket
		}
		return txtime >= dc.chNextAllowed[idx]
	default:
		return true
	}
}

// Book records that a transmission of airtimeUS on freqHz (local channel
// chIdx) started at txtime, advancing the appropriate window by
// airtime * rate (where rate is 1/dutyFraction, e.g. 100 for EU868 g).
func (dc *DutyCycle) Book(txtime int64, freqHz uint32, chIdx int, airtimeUS int64) {
	switch dc.policy.DCMode {
	case DCSubBand:
		key := subBandKey(freqHz)
		r := eu868SubBand(freqHz)
		next := txtime + airtimeUS*int64(r)
		if next > dc.subBandNextAllowed[key] {
			dc.subBandNextAllowed[key] = next
		}
	case DCPercent:
		idx := chIdx
		if idx < 0 || idx >= MaxDnChnls-1 {
			idx = MaxDnChnls - 1
		}
		r := int64(100) / int64(dc.policy.PercentDC)
		next := txtime + airtimeUS*r
		if next > dc.chNextAllowed[idx] {
			dc.chNextAllowed[idx] = next
		}
	}
}

// CCAScanner paces listen-before-talk scan retries for a single antenna
// using a token-bucket limiter, so KR920/AS923-1 do not hammer the
// channel with CCA probes.
type CCAScanner struct {
	limiter *rate.Limiter
}

// NewCCAScanner builds a scanner allowing at most one scan attempt every
// minInterval, with a single-attempt burst.
func NewCCAScanner(minInterval time.Duration) *CCAScanner {
	return &CCAScanner{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Allow reports whether a CCA scan attempt may proceed now.
func (s *CCAScanner) Allow() bool { return s.limiter.Allow() }

// Snapshot returns the non-zero duty-cycle windows currently booked, keyed
// by sub-band index (DCSubBand) or local channel index (DCPercent), for
// persistence across restarts.
func (dc *DutyCycle) Snapshot() map[int]int64 {
	out := make(map[int]int64)
	switch dc.policy.DCMode {
	case DCSubBand:
		for k, v := range dc.subBandNextAllowed {
			if v != 0 {
				out[k] = v
			}
		}
	case DCPercent:
		for k, v := range dc.chNextAllowed {
			if v != 0 {
				out[k] = v
			}
		}
	}
	return out
}

// Restore seeds a freshly-created DutyCycle from a previously persisted
// Snapshot, so a restart resumes bookkeeping instead of permitting an
// over-duty-cycle burst.
func (dc *DutyCycle) Restore(windows map[int]int64) {
	switch dc.policy.DCMode {
	case DCSubBand:
		for k, v := range windows {
			if k >= 0 && k < len(dc.subBandNextAllowed) {
				dc.subBandNextAllowed[k] = v
			}
		}
	case DCPercent:
		for k, v := range windows {
			if k >= 0 && k < MaxDnChnls {
				dc.chNextAllowed[k] = v
			}
		}
	}
}
