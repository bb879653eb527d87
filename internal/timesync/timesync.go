// Package timesync maintains the triple clock relationship the core needs
// to schedule transmissions precisely: host ustime (the process's own
// monotonic clock), concentrator xtime (a free-running 48-bit microsecond
// counter per radio unit, tagged with a unit id and session nonce), and,
// once a PPS pulse and an LNS round trip are available, GPS time.
//
// xtime layout (64 bits): [7-bit txunit | 8-bit session nonce | 48-bit usec]
package timesync

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"
)

const (
	// MaxTxUnits bounds the number of concentrator radio units a single
	// station process tracks independent clocks for.
	MaxTxUnits = 4

	txunitShift = 56
	txunitMask  = 0x7F
	sessShift   = 48
	sessMask    = 0xFF
	usecMask    = (uint64(1) << 48) - 1

	// PPM is one second expressed in microseconds, used throughout as the
	// unit for drift ratios (parts per PPM is parts per million).
	PPM = int64(1_000_000)

	// ippmScale keeps drift values as integer deci-ppm instead of floats.
	ippmScale = 10

	minMCUDriftThres = 2 * ippmScale
	maxMCUDriftThres = 100 * ippmScale

	maxPPSErrorUS = 1000

	nDrifts            = 20
	mcuDriftThresQ     = 90
	ppsDriftThresQ     = 80
	nSyncQual          = 30
	syncQualThresQ     = 90
	syncQualGood       = 100
	quickRetries       = 3

	noPPSAlarmIniSec  = 10
	noPPSAlarmRate    = 2.0
	noPPSAlarmMaxSec  = 3600

	ppsValidIntervalUS   = 10 * 60 * int64(1_000_000)
	timesyncRadioIntvUS  = 2100 * 1000
	timesyncLNSRetryUS   = 71 * 1000
	timesyncLNSPauseUS   = 5 * int64(1_000_000)
	timesyncLNSBurst     = 10
)

// ErrNoSync is returned by conversions when the requested txunit, session,
// or PPS/GPS reference isn't established yet.
var ErrNoSync = errors.New("timesync: no reference available")

// MakeXtime packs a txunit id, session nonce and 48-bit microsecond counter
// into the wire xtime representation.
func MakeXtime(txunit uint8, sess uint8, usec uint64) uint64 {
	return (uint64(txunit&txunitMask) << txunitShift) |
		(uint64(sess) << sessShift) |
		(usec & usecMask)
}

// TxUnit extracts the 7-bit radio-unit id from an xtime value.
func TxUnit(xtime uint64) uint8 { return uint8((xtime >> txunitShift) & txunitMask) }

// Session extracts the 8-bit session nonce from an xtime value.
func Session(xtime uint64) uint8 { return uint8((xtime >> sessShift) & sessMask) }

// Usec extracts the 48-bit raw microsecond counter from an xtime value.
func Usec(xtime uint64) uint64 { return xtime & usecMask }

// NewSession derives a fresh, non-zero session nonce for txunit, used
// whenever the concentrator restarts and its tick counter rebases, so that
// timestamps from before the restart are unambiguously rejected.
func NewSession(txunit uint8, rand uint8) uint64 {
	sess := rand
	if sess == 0 {
		sess = 1
	}
	return MakeXtime(txunit, sess, 0)
}

// sync is one (ustime, xtime) correspondence point recorded for a txunit,
// plus the most recent PPS-tagged xtime observed on that unit (0 if none).
type sync struct {
	ustime   int64
	xtime    uint64
	ppsXtime uint64
}

type txunitStats struct {
	excessiveDriftCount int
	driftThres          int
	mcuDrifts           [nDrifts]int
	mcuDriftsWidx       int
}

// Engine tracks per-txunit clock correspondences, drift statistics, PPS
// acquisition, and the GPS epoch offset once an LNS round trip resolves it.
// Not safe for concurrent use; it is driven from the single-threaded event
// loop like everything else in the core.
type Engine struct {
	timesyncs [MaxTxUnits]sync
	stats     [MaxTxUnits]txunitStats
	sumMCUDrifts int

	ppsDrifts     [nDrifts]int
	ppsDriftsWidx int
	ppsDriftThres int

	noPPSThres int
	ppsOffset  int64 // -1: unknown, else 0..PPM-1
	gpsOffset  int64 // 0 == unknown, else the GPS time of ppsSync.ppsXtime

	ppsSync sync

	syncQual      [nSyncQual]int
	syncQualWidx  int
	syncQualThres int

	syncWobble int

	// LNS round-trip burst state.
	lnsSyncCount int
}

// NewEngine returns an Engine ready for a fresh session.
func NewEngine() *Engine {
	e := &Engine{
		ppsOffset:     -1,
		noPPSThres:    noPPSAlarmIniSec,
		syncQualThres: math.MaxInt32,
	}
	for i := range e.stats {
		e.stats[i].driftThres = maxMCUDriftThres
	}
	e.syncWobble = -1
	return e
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func encodeDriftPPM(ratio float64) int {
	return int(math.Round((ratio - 1.0) * float64(PPM) * ippmScale))
}

func decodeDriftPPM(scaled float64) float64 {
	return 1.0 + scaled/(float64(PPM)*ippmScale)
}

func decodePPM(scaled float64) float64 { return scaled / ippmScale }

// quantile returns the Qth percentile (nearest-rank, +0.5 rounding as in
// the original) of vals ranked by absolute value; the returned element
// keeps its sign. vals is not modified (a sorted copy is used).
func quantile(vals []int, q int) int {
	sorted := append([]int(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return absInt(sorted[i]) < absInt(sorted[j]) })
	idx := (q*len(sorted) + 50) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// NormalizeTimespanMCU scales a host-clock timespan by the mean MCU/SX130X#0
// drift, correcting for the concentrator's crystal running fast or slow.
func (e *Engine) NormalizeTimespanMCU(timespan int64) int64 {
	if e.sumMCUDrifts == 0 {
		return timespan
	}
	return int64(math.Round(float64(timespan) / decodeDriftPPM(float64(e.sumMCUDrifts)/nDrifts)))
}

// Sample is one (ustime, xtime) correspondence report from the radio layer
// for a given txunit, plus its most recent PPS-tagged xtime if any.
type Sample struct {
	TxUnit   uint8
	Quality  int
	Ustime   int64
	Xtime    uint64
	PPSXtime uint64 // 0 if this update carries no PPS latch
}

// UpdateResult reports what Update decided: the delay until the next
// resync attempt should be scheduled, and whether this sample was used.
type UpdateResult struct {
	Delay    int64
	Accepted bool
}

// Update feeds a fresh txunit<->host correspondence into the engine. It
// gates on sync quality, tracks MCU/SX130X drift, and — for txunit 0 only —
// tracks PPS acquisition and drift against the host clock.
func (e *Engine) Update(s Sample) UpdateResult {
	e.syncQual[e.syncQualWidx] = s.Quality
	e.syncQualWidx = (e.syncQualWidx + 1) % nSyncQual
	if e.syncQualWidx == 0 {
		thres := quantile(e.syncQual[:], syncQualThresQ)
		if absInt(thres) > syncQualGood {
			e.syncQualThres = absInt(thres)
		} else {
			e.syncQualThres = syncQualGood
		}
	}
	if absInt(s.Quality) > e.syncQualThres {
		return UpdateResult{Delay: timesyncRadioIntvUS, Accepted: false}
	}

	if int(s.TxUnit) >= MaxTxUnits {
		return UpdateResult{Delay: timesyncRadioIntvUS, Accepted: false}
	}
	last := &e.timesyncs[s.TxUnit]
	cur := sync{ustime: s.Ustime, xtime: s.Xtime, ppsXtime: s.PPSXtime}

	// xtime is the "no sample yet" sentinel: a real sample always carries
	// a nonzero session nonce in bits 48..55, so only the zero value means
	// this txunit has never been seeded.
	if last.xtime == 0 {
		*last = cur
		return UpdateResult{Delay: timesyncRadioIntvUS, Accepted: true}
	}

	dus := cur.ustime - last.ustime
	dxc := int64(cur.xtime) - int64(last.xtime)
	if dxc <= 0 {
		return UpdateResult{Delay: timesyncRadioIntvUS, Accepted: false}
	}
	if dus < timesyncRadioIntvUS/5 {
		return UpdateResult{Delay: timesyncRadioIntvUS, Accepted: false}
	}

	stats := &e.stats[s.TxUnit]
	driftPPM := encodeDriftPPM(float64(dus) / float64(dxc))
	if s.TxUnit == 0 {
		e.sumMCUDrifts += driftPPM - stats.mcuDrifts[stats.mcuDriftsWidx]
	}
	stats.mcuDrifts[stats.mcuDriftsWidx] = driftPPM
	stats.mcuDriftsWidx = (stats.mcuDriftsWidx + 1) % nDrifts
	if stats.mcuDriftsWidx == 0 {
		thres := quantile(stats.mcuDrifts[:], mcuDriftThresQ)
		stats.driftThres = clamp(absInt(thres), minMCUDriftThres, maxMCUDriftThres)
	}

	if absInt(driftPPM) > stats.driftThres {
		stats.excessiveDriftCount++
		if stats.excessiveDriftCount%quickRetries == 0 {
			// repeated excessive drift; caller may want to log this
		}
		if stats.excessiveDriftCount >= 2*quickRetries {
			stats.driftThres = maxMCUDriftThres
		}
		*last = cur
		return UpdateResult{Delay: timesyncRadioIntvUS / 2, Accepted: false}
	}
	stats.excessiveDriftCount = 0

	delay := int64(timesyncRadioIntvUS)
	if s.TxUnit != 0 {
		*last = cur
		return UpdateResult{Delay: delay, Accepted: true}
	}

	delay = e.updatePPS(last, &cur, stats, delay)
	*last = cur
	return UpdateResult{Delay: delay, Accepted: true}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// updatePPS folds a txunit-0 sample's PPS latch (if any) into the PPS
// tracking state: no-pulse alarm growth, consecutive-latch drift stats,
// and the ppsOffset/gpsOffset correspondence used by GPS conversions.
func (e *Engine) updatePPS(last, cur *sync, stats *txunitStats, delay int64) int64 {
	if e.ppsSync.ppsXtime != 0 {
		noPPSSecs := (int64(cur.xtime) - int64(e.ppsSync.ppsXtime) + PPM/2) / PPM
		if noPPSSecs > int64(e.noPPSThres) {
			if e.noPPSThres >= noPPSAlarmMaxSec {
				e.noPPSThres += noPPSAlarmMaxSec
			} else {
				e.noPPSThres = int(float64(e.noPPSThres) * noPPSAlarmRate)
			}
		}
	}

	if last.ppsXtime == 0 || cur.ppsXtime == 0 {
		return delay
	}
	if int64(cur.xtime)-int64(cur.ppsXtime) > PPM+10_000 {
		return delay // PPS/xtime spread too large: no PPS since last sync
	}
	errUS := (int64(cur.ppsXtime) - int64(last.ppsXtime)) % PPM
	if errUS < 0 {
		errUS += PPM
	}
	if errUS > maxPPSErrorUS && errUS < PPM-maxPPSErrorUS {
		return delay // consecutive latches don't agree mod 1s
	}

	ppsDrift := float64(int64(cur.ppsXtime)-int64(last.ppsXtime)) /
		float64(((int64(cur.ppsXtime)-int64(last.ppsXtime))+PPM/2)/PPM*PPM)
	e.ppsDrifts[e.ppsDriftsWidx] = encodeDriftPPM(ppsDrift)
	e.ppsDriftsWidx = (e.ppsDriftsWidx + 1) % nDrifts
	if e.ppsDriftsWidx == 0 {
		e.ppsDriftThres = quantile(e.ppsDrifts[:], ppsDriftThresQ)
	}

	ppsUstime := cur.ustime + (int64(cur.ppsXtime) - int64(cur.xtime))
	off := ((ppsUstime % PPM) + PPM) % PPM
	if e.lnsSyncCount == 0 {
		e.ppsOffset = off
		e.lnsSyncCount = 1
	} else if absInt(int(e.ppsOffset-off)) > int(int64(stats.driftThres)*timesyncRadioIntvUS/PPM) {
		e.ppsOffset = off
	}

	if e.gpsOffset != 0 {
		spread := int64(cur.ppsXtime) - int64(e.ppsSync.ppsXtime)
		e.gpsOffset += ((spread + PPM/2) / PPM) * PPM
	}
	e.ppsSync = *cur
	return delay
}

// PPSAcquired reports whether a PPS pulse has ever been latched on txunit 0.
func (e *Engine) PPSAcquired() bool { return e.ppsSync.ppsXtime != 0 }

// GPSAcquired reports whether the xtime<->GPS-epoch correspondence is known.
func (e *Engine) GPSAcquired() bool { return e.gpsOffset != 0 }

// StartLNSRound begins (or continues) the timesync burst with the LNS,
// returning the delay until the next timesync message should be sent and
// whether a message should be sent at all right now.
func (e *Engine) StartLNSRound() (delay int64, shouldSend bool) {
	if e.ppsOffset < 0 || e.gpsOffset != 0 {
		return timesyncLNSPauseUS, false
	}
	if e.lnsSyncCount%timesyncLNSBurst != 0 {
		delay = timesyncLNSRetryUS
	} else {
		delay = timesyncLNSPauseUS
	}
	e.lnsSyncCount++
	return delay, true
}

// SetLNSTimesync installs an xtime/gpstime correspondence directly,
// bypassing round-trip inference; ProcessLNSRoundTrip calls it once a
// round trip resolves the PPS second.
func (e *Engine) SetLNSTimesync(xtime uint64, gpstime int64) error {
	ustime, err := e.Xtime2Ustime(xtime)
	if err != nil {
		return err
	}
	gpsUS := gpstime % PPM
	e.ppsOffset = ((ustime - gpsUS) % PPM + PPM) % PPM
	e.gpsOffset = gpstime
	e.ppsSync = sync{xtime: xtime, ppsXtime: xtime, ustime: ustime}
	return nil
}

// ProcessLNSRoundTrip infers the GPS second label of the tracked PPS edge
// from a server round trip: txtime/rxtime bracket the request/response on
// the host clock, and gpstime is the server's reported GPS microsecond
// time at receipt. Only effective once ppsOffset is known and before
// gpsOffset is already resolved; a round trip slower than 2 PPM (2
// seconds) is dropped as too imprecise to resolve the second boundary.
//
// The search tries every whole second s between tx and rx (shifted into
// PPS-relative time) for which s*PPM + (gpstime mod PPM) falls inside the
// round trip window. A unique candidate pins the PPS edge to GPS second
// s; zero or multiple candidates mean the round trip didn't resolve the
// ambiguity this time and the burst continues.
func (e *Engine) ProcessLNSRoundTrip(txtime, rxtime, gpstime int64) {
	if e.ppsOffset < 0 || e.gpsOffset != 0 || rxtime-txtime >= 2*PPM {
		return
	}
	txtime -= e.ppsOffset
	rxtime -= e.ppsOffset
	txS := txtime / PPM
	rxS := rxtime / PPM
	gpsUS := gpstime % PPM

	var found int64
	count := 0
	for s := txS; s <= rxS; s++ {
		candidate := s*PPM + gpsUS
		if candidate >= txtime && candidate <= rxtime {
			found = s
			count++
		}
	}
	if count != 1 {
		return
	}
	xtime := e.ustime2xtimeTxunit(0, found*PPM+e.ppsOffset)
	_ = e.SetLNSTimesync(xtime, gpstime-gpsUS)
}

func (e *Engine) ustime2xtimeTxunit(txunit uint8, ustime int64) uint64 {
	s := e.timesyncs[txunit]
	return uint64(int64(s.xtime) + (ustime - s.ustime))
}

// Ustime2Xtime converts a host-clock timestamp to the given txunit's xtime,
// assuming a linear correspondence since the last Update for that unit.
func (e *Engine) Ustime2Xtime(txunit uint8, ustime int64) (uint64, error) {
	if int(txunit) >= MaxTxUnits || e.timesyncs[txunit].xtime == 0 {
		return 0, ErrNoSync
	}
	return e.ustime2xtimeTxunit(txunit, ustime), nil
}

// Xtime2Ustime converts an xtime back to the host clock, rejecting xtime
// values from a stale concentrator session.
func (e *Engine) Xtime2Ustime(xtime uint64) (int64, error) {
	txunit := TxUnit(xtime)
	if int(txunit) >= MaxTxUnits || e.timesyncs[txunit].xtime == 0 {
		return 0, ErrNoSync
	}
	s := e.timesyncs[txunit]
	if Session(xtime) != Session(s.xtime) {
		return 0, ErrNoSync
	}
	return s.ustime + (int64(xtime) - int64(s.xtime)), nil
}

// Xtime2Xtime re-tags an xtime from one txunit's session to another's,
// using the difference of their last correspondence points.
func (e *Engine) Xtime2Xtime(xtime uint64, dstTxUnit uint8) (uint64, error) {
	srcTxUnit := TxUnit(xtime)
	if srcTxUnit == dstTxUnit {
		return xtime, nil
	}
	if int(srcTxUnit) >= MaxTxUnits || e.timesyncs[srcTxUnit].xtime == 0 || e.timesyncs[dstTxUnit].xtime == 0 {
		return 0, ErrNoSync
	}
	src := e.timesyncs[srcTxUnit]
	dst := e.timesyncs[dstTxUnit]
	return uint64(int64(dst.xtime) - int64(src.xtime) + (src.ustime - dst.ustime) + int64(xtime)), nil
}

// Gpstime2Xtime converts a GPS-epoch microsecond timestamp to the xtime of
// txunit, requiring a PPS sync no older than PPS_VALID_INTV.
func (e *Engine) Gpstime2Xtime(txunit uint8, gpstime int64) (uint64, error) {
	if int(txunit) >= MaxTxUnits || e.timesyncs[txunit].xtime == 0 || e.ppsSync.ppsXtime == 0 || e.ppsOffset < 0 || e.gpsOffset == 0 {
		return 0, ErrNoSync
	}
	if int64(e.timesyncs[0].xtime)-int64(e.ppsSync.ppsXtime) > ppsValidIntervalUS {
		return 0, ErrNoSync
	}
	xtime := uint64(gpstime - e.gpsOffset + int64(e.ppsSync.ppsXtime))
	if txunit == 0 {
		return xtime, nil
	}
	return e.Xtime2Xtime(xtime, txunit)
}

// Xtime2Gpstime converts an xtime to GPS-epoch microseconds, the inverse of
// Gpstime2Xtime.
func (e *Engine) Xtime2Gpstime(xtime uint64) (int64, error) {
	if e.ppsSync.ppsXtime == 0 || e.gpsOffset == 0 {
		return 0, ErrNoSync
	}
	x0, err := e.Xtime2Xtime(xtime, 0)
	if err != nil {
		return 0, err
	}
	if int64(x0)-int64(e.ppsSync.ppsXtime) > ppsValidIntervalUS {
		return 0, ErrNoSync
	}
	return e.gpsOffset + int64(x0) - int64(e.ppsSync.ppsXtime), nil
}
