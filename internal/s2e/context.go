// Package s2e is the station-to-network-server core: it owns the TX/RX
// queues, the scheduler, the time-sync engine, the region/duty-cycle
// policy and the uplink filters, and dispatches typed LNS messages
// (§4.7) into them. It is the glue spec §9 calls for: "explicit context
// structs owned by the event loop and passed into every callback" - one
// Context per running station process, no package-level state.
package s2e

import (
	"time"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/beacon"
	"github.com/agsys/lorastation/internal/chans"
	"github.com/agsys/lorastation/internal/eventloop"
	"github.com/agsys/lorastation/internal/filter"
	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/region"
	"github.com/agsys/lorastation/internal/rxq"
	"github.com/agsys/lorastation/internal/sched"
	"github.com/agsys/lorastation/internal/statestore"
	"github.com/agsys/lorastation/internal/timesync"
	"github.com/agsys/lorastation/internal/transport"
	"github.com/agsys/lorastation/internal/txq"
)

// Defaults for the fixed-capacity pools, sized generously for a 4-antenna
// station; callers may override via Options.
const (
	DefaultTxPoolCapacity = 256
	DefaultTxArenaSize    = 256 * 256
	DefaultRxQueueCapacity = 512
	DefaultRxArenaSize     = 512 * 256

	// rxFlushWindow is how long the RX path waits after the first frame
	// of a burst before running mirror suppression and emitting: long
	// enough for neighbouring-channel images of the same uplink to have
	// all arrived, short enough not to visibly delay delivery.
	rxFlushWindow = 50 * time.Millisecond
)

// Options configures a new Context.
type Options struct {
	Log    *zap.Logger
	Loop   *eventloop.Loop
	Clock  eventloop.Clock
	Radio  ral.Radio
	Conn   *transport.Conn
	Store  *statestore.Store

	Antennas   int
	RegionTag  region.Tag

	// LastPosDir is the directory holding ~temp/station.lastpos (spec
	// §6); empty disables the file-based mirror of the last GPS fix,
	// leaving the state-store copy as the only persistence.
	LastPosDir string

	TxPoolCapacity  int
	TxArenaSize     int
	RxQueueCapacity int
	RxArenaSize     int
}

// Context wires every subsystem together for one running station
// process.
type Context struct {
	log   *zap.Logger
	loop  *eventloop.Loop
	clock eventloop.Clock
	radio ral.Radio
	conn  *transport.Conn
	store *statestore.Store

	lastPosDir string

	pool    *txq.Pool
	rxq     *rxq.Queue
	ts      *timesync.Engine
	sched   *sched.Scheduler
	adapter *radioAdapter

	antennas int
	policy   region.Policy
	dc       []*region.DutyCycle

	chdefl     *chans.Chdefl
	drtable    *chans.DRTable
	joinFilter *filter.JoinFilter
	netIDs     *filter.NetIDBitmap
	beacon     *beacon.Scheduler

	antennaTimers []eventloop.TimerID
	rxFlushTimer  eventloop.TimerID
	rxFlushArmed  bool

	beaconTimer eventloop.TimerID
	beaconArmed bool
	beaconDR    int

	rmtsh map[int]*rmtshSession

	gps gpsState
}

// gpsState tracks the station's own position and fix status for the
// beacon task and the "event" gps fix/move/nofix notifications.
type gpsState struct {
	haveFix        bool
	lat, lon       float64
	nofixBackoff   int
}

// New builds a Context ready to accept router_config and begin serving
// traffic; the caller must still call ApplyRouterConfig before any
// uplink/downlink can flow (spec §4.7: region policy, filters and DR
// table are all established there).
func New(opts Options) *Context {
	if opts.TxPoolCapacity == 0 {
		opts.TxPoolCapacity = DefaultTxPoolCapacity
	}
	if opts.TxArenaSize == 0 {
		opts.TxArenaSize = DefaultTxArenaSize
	}
	if opts.RxQueueCapacity == 0 {
		opts.RxQueueCapacity = DefaultRxQueueCapacity
	}
	if opts.RxArenaSize == 0 {
		opts.RxArenaSize = DefaultRxArenaSize
	}

	pool := txq.NewPool(opts.TxPoolCapacity, opts.TxArenaSize)
	rq := rxq.NewQueue(opts.RxQueueCapacity, opts.RxArenaSize)
	ts := timesync.NewEngine()
	policy := region.ForTag(opts.RegionTag)

	dc := make([]*region.DutyCycle, opts.Antennas)
	for i := range dc {
		dc[i] = region.NewDutyCycle(policy)
	}

	adapter := newRadioAdapter(opts.Log, opts.Radio, ts, opts.Clock)
	s := sched.NewScheduler(pool, dc, adapter, adapter)

	return &Context{
		log:      opts.Log,
		loop:     opts.Loop,
		clock:    opts.Clock,
		radio:    opts.Radio,
		conn:     opts.Conn,
		store:    opts.Store,
		lastPosDir: opts.LastPosDir,
		pool:     pool,
		rxq:      rq,
		ts:       ts,
		sched:    s,
		adapter:  adapter,
		antennas: opts.Antennas,
		policy:   policy,
		dc:       dc,
		beaconDR: -1,
		rmtsh:    make(map[int]*rmtshSession),
	}
}

// Start wires the radio's unsolicited RX channel into the event loop and
// arms each antenna's scheduling timer and the periodic time-sync tasks.
// Must be called once, after the event loop's Run has been scheduled to
// start (PostIO is safe to call before Run begins draining).
func (c *Context) Start() {
	go c.pumpRadioRx()
	go c.pumpConnRx()

	c.antennaTimers = make([]eventloop.TimerID, c.antennas)
	for ant := 0; ant < c.antennas; ant++ {
		ant := ant
		c.antennaTimers[ant] = c.loop.SetTimer(c.clock.NowUstime(), func() { c.runAntennaTimer(ant) })
		c.loop.SetTimer(c.clock.NowUstime(), func() { c.runRadioTimesync(ant) })
	}

	if windows, err := c.store.LoadDutyCycleWindows(); err == nil {
		for k, v := range windows {
			ant, band := k[0], k[1]
			if ant >= 0 && ant < len(c.dc) {
				c.dc[ant].Restore(map[int]int64{band: v})
			}
		}
	}
	if lat, lon, ok, err := c.store.LoadLastPos(); err == nil && ok {
		c.gps.lat, c.gps.lon, c.gps.haveFix = lat, lon, true
	}

	c.loop.SetTimer(c.clock.NowUstime(), func() { c.runLNSTimesyncRound() })
}

// pumpRadioRx forwards the radio backend's RX channel onto the event
// loop via PostIO, so frame decoding always runs on the loop goroutine.
func (c *Context) pumpRadioRx() {
	for rec := range c.radio.Rx() {
		rec := rec
		c.loop.PostIO(func() { c.ingestRx(rec) })
	}
}

// runAntennaTimer drives one antenna's NextTxAction and re-arms its
// timer for whatever deadline the scheduler reports next.
func (c *Context) runAntennaTimer(ant int) {
	action := c.sched.NextTxAction(ant)
	if action.Completed != nil {
		c.emitDnTxed(ant, action.Completed)
		c.persistDutyCycle(ant)
	}
	c.antennaTimers[ant] = c.loop.SetTimer(action.NextDeadline, func() { c.runAntennaTimer(ant) })
}

func (c *Context) persistDutyCycle(ant int) {
	if ant < 0 || ant >= len(c.dc) {
		return
	}
	for band, next := range c.dc[ant].Snapshot() {
		if err := c.store.SaveDutyCycleWindow(ant, band, next); err != nil {
			c.log.Warn("s2e: persist duty cycle window failed", zap.Error(err))
		}
	}
}

// Close releases background resources started by Start.
func (c *Context) Close() error {
	for _, id := range c.antennaTimers {
		c.loop.ClrTimer(id)
	}
	if c.beaconArmed {
		c.loop.ClrTimer(c.beaconTimer)
	}
	if c.rxFlushArmed {
		c.loop.ClrTimer(c.rxFlushTimer)
	}
	return nil
}
