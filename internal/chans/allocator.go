package chans

import (
	"sort"

	"github.com/agsys/lorastation/internal/rps"
)

// Span constraints (Hz) for how far a channel may sit from its assigned
// RF front-end centre frequency, keyed by bandwidth.
const (
	MaxCoff125 = 400000
	MaxCoff250 = 375000
	MaxCoff500 = 300000
)

// Slots per concentrator chip: eight 125 kHz multi-SF IF slots, one
// fast-LoRa (250/500 kHz) slot, and one FSK slot.
const (
	SlotsMultiSF = 8
	SlotsFastLoRa = 1
	SlotsFSK      = 1
	SlotsPerChip  = SlotsMultiSF + SlotsFastLoRa + SlotsFSK
)

// AllocEvent is emitted once per assigned channel (CHALLOC_CH), followed
// by one AllocEvent with Done=true per chip (CHALLOC_CHIP_DONE) carrying
// the inferred RFE centre frequency.
type AllocEvent struct {
	Chip    int
	RFE     int // 0 or 1: which RF front-end this channel was assigned to
	Slot    int // IF slot index within the chip, 0..SlotsPerChip-1
	Ch      Chdef
	Done    bool // true on the terminal per-chip event; Ch/Slot are zero
	Center0 uint32
	Center1 uint32
}

func maxCoff(r rps.Rps) uint32 {
	switch r.BW() {
	case rps.BW250:
		return MaxCoff250
	case rps.BW500:
		return MaxCoff500
	default:
		return MaxCoff125
	}
}

// Allocate distributes an upchannel list across nchips concentrator
// chips, filling the per-chip IF slot layout and picking an RF
// front-end (0 or 1) per channel. It calls emit once per assigned
// channel, then once more with Done=true per chip once its channels are
// placed.
//
// The allocation is a simple two-centre partition: channels are sorted
// by frequency and dealt round-robin to the chips; within a chip the
// lower half (by count) goes to RFE 0 and the upper half to RFE 1, and
// each RFE centre is the mean frequency of its channels, computed once.
// The MaxCoff125/250/500 span limits are not checked: a channel may lie
// further from its RFE centre than they allow. Channels that do not fit
// the chip's slot counts are not emitted.
func Allocate(cdl *Chdefl, nchips int, emit func(AllocEvent)) {
	if nchips <= 0 {
		nchips = 1
	}
	if nchips > MaxChips {
		nchips = MaxChips
	}

	all := cdl.All()
	sort.Slice(all, func(i, j int) bool { return all[i].Freq < all[j].Freq })

	perChip := chunk(all, nchips)

	for chip := 0; chip < nchips; chip++ {
		chs := perChip[chip]
		rfe0, rfe1 := splitByRFE(chs)

		c0 := centreOf(rfe0)
		c1 := centreOf(rfe1)

		slot := 0
		multiSF, fast, fsk := classify(rfe0)
		slot = emitGroup(emit, chip, 0, slot, multiSF, fast, fsk, SlotsMultiSF, SlotsFastLoRa, SlotsFSK)
		leftMulti := SlotsMultiSF - min(len(multiSF), SlotsMultiSF)
		leftFast := SlotsFastLoRa - min(len(fast), SlotsFastLoRa)
		leftFSK := SlotsFSK - min(len(fsk), SlotsFSK)
		multiSF, fast, fsk = classify(rfe1)
		_ = emitGroup(emit, chip, 1, slot, multiSF, fast, fsk, leftMulti, leftFast, leftFSK)

		emit(AllocEvent{Chip: chip, Done: true, Center0: c0, Center1: c1})
	}
}

func chunk(all []Chdef, n int) [][]Chdef {
	out := make([][]Chdef, n)
	for i, ch := range all {
		idx := i % n
		out[idx] = append(out[idx], ch)
	}
	return out
}

// splitByRFE partitions channels into two halves by frequency so that
// each half can share one RF front-end within the span constraint.
func splitByRFE(chs []Chdef) (a, b []Chdef) {
	if len(chs) == 0 {
		return nil, nil
	}
	mid := len(chs) / 2
	return chs[:mid], chs[mid:]
}

func centreOf(chs []Chdef) uint32 {
	if len(chs) == 0 {
		return 0
	}
	var sum uint64
	for _, c := range chs {
		sum += uint64(c.Freq)
	}
	return uint32(sum / uint64(len(chs)))
}

// classify buckets a channel group into multi-SF (125 kHz LoRa),
// fast-LoRa (250/500 kHz), and FSK channels for slot assignment.
func classify(chs []Chdef) (multiSF, fast, fsk []Chdef) {
	for _, c := range chs {
		switch {
		case c.Rps.IsFSK():
			fsk = append(fsk, c)
		case c.Rps.BW() == rps.BW125:
			multiSF = append(multiSF, c)
		default:
			fast = append(fast, c)
		}
	}
	return
}

func emitGroup(emit func(AllocEvent), chip, rfe, slot int, multiSF, fast, fsk []Chdef, capMulti, capFast, capFSK int) int {
	for i, c := range multiSF {
		if i >= capMulti {
			break
		}
		emit(AllocEvent{Chip: chip, RFE: rfe, Slot: slot, Ch: c})
		slot++
	}
	for i, c := range fast {
		if i >= capFast {
			break
		}
		emit(AllocEvent{Chip: chip, RFE: rfe, Slot: slot, Ch: c})
		slot++
	}
	for i, c := range fsk {
		if i >= capFSK {
			break
		}
		emit(AllocEvent{Chip: chip, RFE: rfe, Slot: slot, Ch: c})
		slot++
	}
	return slot
}
