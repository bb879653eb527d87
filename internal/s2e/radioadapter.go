package s2e

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cockroachdb/errors"

	"github.com/agsys/lorastation/internal/chans"
	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/rps"
	"github.com/agsys/lorastation/internal/timesync"
	"github.com/agsys/lorastation/internal/txq"
)

// errNoDRTable is returned when Tx is asked to resolve a DR index before
// any router_config has installed a DR table.
var errNoDRTable = errors.New("s2e: no dr table installed")

// radioCallTimeout bounds one synchronous RAL request issued from the
// scheduler's callback; the event loop callback itself must never block,
// so this only guards against a wedged backend, not ordinary latency.
const radioCallTimeout = 2 * time.Second

// radioAdapter bridges the ctx/txunit-shaped ral.Radio the backends
// implement to the ant/job-shaped sched.Radio and sched.Clock the
// scheduler drives, and performs the "refresh xtime from the current
// time-sync" step spec §4.3 calls for at commit time, since sched.Admit
// accepts the job's xtime as given but NextTxAction's commit step is the
// authoritative moment to recompute it.
type radioAdapter struct {
	log   *zap.Logger
	radio ral.Radio
	ts    *timesync.Engine
	clock clockSource
	drs   *chans.DRTable

	lastRctx map[int]int64
}

// clockSource is the subset of eventloop.Clock the adapter needs.
type clockSource interface {
	NowUstime() int64
}

func newRadioAdapter(log *zap.Logger, radio ral.Radio, ts *timesync.Engine, clock clockSource) *radioAdapter {
	return &radioAdapter{log: log, radio: radio, ts: ts, clock: clock, lastRctx: make(map[int]int64)}
}

// setDRTable installs the region's DR->Rps lookup, refreshed on every
// router_config.
func (a *radioAdapter) setDRTable(t *chans.DRTable) { a.drs = t }

// NowUstime satisfies sched.Clock.
func (a *radioAdapter) NowUstime() int64 { return a.clock.NowUstime() }

// Tx satisfies sched.Radio.
func (a *radioAdapter) Tx(ant int, job *txq.TxJob, payload []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), radioCallTimeout)
	defer cancel()

	xtime := job.XTime
	if job.GPSTime != 0 {
		if x, err := a.ts.Gpstime2Xtime(uint8(ant), job.GPSTime); err == nil {
			xtime = x
		}
	} else if x, err := a.ts.Ustime2Xtime(uint8(ant), job.TxTime); err == nil {
		xtime = x
	}
	job.XTime = xtime

	r, err := a.rps(job.DR)
	if err != nil {
		a.log.Warn("s2e: tx dropped, no rps for dr", zap.Int("dr", job.DR), zap.Error(err))
		return false
	}

	rec := ral.TxRecord{
		Rctx:     int64(job.Rctx),
		NoCCA:    false,
		Rps:      r,
		FreqHz:   job.Freq,
		Xtime:    xtime,
		TxPowDBm: int8(job.TxPow / 100),
		AddCRC:   job.AddCRC,
		Data:     payload,
	}
	a.lastRctx[ant] = rec.Rctx
	ok, err := a.radio.Tx(ctx, ant, rec)
	if err != nil {
		a.log.Warn("s2e: ral tx failed", zap.Int("ant", ant), zap.Error(err))
		return false
	}
	return ok
}

// Status satisfies sched.Radio.
func (a *radioAdapter) Status(ant int) bool {
	rctx, ok := a.lastRctx[ant]
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), radioCallTimeout)
	defer cancel()
	st, err := a.radio.TxStatus(ctx, ant, rctx)
	if err != nil {
		a.log.Warn("s2e: ral txstatus failed", zap.Int("ant", ant), zap.Error(err))
		return false
	}
	return st == ral.TxStatusEmitting || st == ral.TxStatusScheduled
}

func (a *radioAdapter) rps(dr int) (rps.Rps, error) {
	if a.drs == nil {
		return rps.Illegal, errNoDRTable
	}
	return a.drs.Rps(dr)
}
