package s2e

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cockroachdb/errors"

	"github.com/agsys/lorastation/internal/beacon"
	"github.com/agsys/lorastation/internal/chans"
	"github.com/agsys/lorastation/internal/filter"
	"github.com/agsys/lorastation/internal/protocol"
	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/region"
	"github.com/agsys/lorastation/internal/rps"
	"github.com/agsys/lorastation/internal/sched"
	"github.com/agsys/lorastation/internal/txq"
)

// regionTagFromString maps the router_config "region" keyword (the LNS
// wire convention, e.g. "EU868", "US915") to a region.Tag.
func regionTagFromString(s string) region.Tag {
	switch strings.ToUpper(s) {
	case "EU868":
		return region.EU868
	case "IL915":
		return region.IL915
	case "KR920":
		return region.KR920
	case "AS923-1", "AS923_1", "AS9231":
		return region.AS9231
	case "US915":
		return region.US915
	case "AU915":
		return region.AU915
	default:
		return region.Unknown
	}
}

// ApplyRouterConfig installs a router_config message (spec §4.7): it
// rebuilds the region policy, DR table, channel list and uplink filters,
// configures the radio backend on every antenna, and (re)starts beacon
// scheduling if the LNS enabled class B.
func (c *Context) ApplyRouterConfig(msg *protocol.RouterConfig) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	tag := regionTagFromString(msg.Region)
	c.policy = region.ForTag(tag)
	for i := range c.dc {
		saved := c.dc[i].Snapshot()
		c.dc[i] = region.NewDutyCycle(c.policy)
		c.dc[i].Restore(saved)
	}

	drtable, chdefl, err := buildDRTableAndChannels(msg)
	if err != nil {
		return errors.Wrap(err, "s2e: router_config dr table")
	}
	c.drtable = drtable
	c.chdefl = chdefl
	c.adapter.setDRTable(drtable)

	jf, err := buildJoinFilter(msg.JoinEUI)
	if err != nil {
		return errors.Wrap(err, "s2e: router_config joineui filter")
	}
	c.joinFilter = jf
	c.netIDs = buildNetIDBitmap(msg.NetID)

	c.beaconDR = -1
	if msg.Bcning != nil {
		layout := beacon.DefaultLayout
		if msg.Bcning.Layout[2] != 0 {
			layout = beacon.Layout{TimeOff: 0, InfodescOff: msg.Bcning.Layout[1], BcnLen: msg.Bcning.Layout[2]}
		}
		c.beacon = beacon.NewScheduler(layout, msg.Bcning.Frequencies)
		c.beaconDR = msg.Bcning.DR
		if !c.beaconArmed {
			c.beaconArmed = true
			c.beaconTimer = c.loop.SetTimer(c.clock.NowUstime(), c.runBeaconTask)
		}
	} else {
		c.beacon = nil
	}

	for ant := 0; ant < c.antennas; ant++ {
		cfg := ral.ConfigRecord{
			HwSpec:     msg.HwSpec,
			RegionCode: uint32(tag),
			Sx130xJSON: configBlobFor(msg, ant),
			UpChannels: upChannelFreqs(chdefl),
		}
		ctx, cancel := context.WithTimeout(context.Background(), radioCallTimeout)
		err := c.radio.Configure(ctx, ant, cfg)
		cancel()
		if err != nil {
			c.log.Error("s2e: radio configure failed", zap.Int("ant", ant), zap.Error(err))
			return errors.Wrapf(err, "s2e: configure antenna %d", ant)
		}
	}
	c.log.Info("s2e: router_config applied", zap.String("region", msg.Region), zap.Int("channels", chdefl.Len()))
	return nil
}

// configBlobFor picks the sx130x_conf blob for ant, falling back to the
// first (and often only) element the LNS supplied.
func configBlobFor(msg *protocol.RouterConfig, ant int) []byte {
	if len(msg.SX1301Conf) == 0 {
		return nil
	}
	if ant < len(msg.SX1301Conf) {
		return msg.SX1301Conf[ant]
	}
	return msg.SX1301Conf[0]
}

func upChannelFreqs(cd *chans.Chdefl) []uint32 {
	all := cd.All()
	out := make([]uint32, len(all))
	for i, ch := range all {
		out[i] = ch.Freq
	}
	return out
}

// buildDRTableAndChannels derives the region DR table and the concentrator
// channel definition list from router_config's DRs ([sf, bw_khz, dnonly]
// triples) and freq_range; the upchannel frequencies are spread evenly
// across the usable band, mirroring the reference station's simple default
// channel plan for a router_config that doesn't carry an explicit list.
func buildDRTableAndChannels(msg *protocol.RouterConfig) (*chans.DRTable, *chans.Chdefl, error) {
	rows := make([]chans.DataRate, 0, len(msg.DRs))
	for _, dr := range msg.DRs {
		sf, bwKHz, dnonly := dr[0], dr[1], dr[2]
		var r rps.Rps
		if sf == 0 {
			r = rps.FSK()
		} else {
			r = rps.Make(uint8(sf), bwKHzToCode(bwKHz))
		}
		if dnonly != 0 {
			r = r.WithDNONLY()
		}
		rows = append(rows, chans.DataRate{Rps: r})
	}
	drtable := chans.NewDRTable(rows)

	cd := chans.NewChdefl()
	lo, hi := msg.FreqRange[0], msg.FreqRange[1]
	if lo != 0 && hi != 0 && hi > lo {
		const defaultChannels = 8
		step := (hi - lo) / defaultChannels
		if step == 0 {
			step = 1
		}
		base := rps.Illegal
		if len(rows) > 0 {
			base = rows[0].Rps
		}
		for i := 0; i < defaultChannels; i++ {
			if err := cd.Add(lo+uint32(i)*step, base); err != nil {
				break
			}
		}
	}
	return drtable, cd, nil
}

func bwKHzToCode(khz int) uint8 {
	switch khz {
	case 250:
		return rps.BW250
	case 500:
		return rps.BW500
	default:
		return rps.BW125
	}
}

// buildJoinFilter parses router_config's JoinEui hex-range pairs.
func buildJoinFilter(ranges [][2]string) (*filter.JoinFilter, error) {
	parsed := make([]filter.EUIRange, 0, len(ranges))
	for _, r := range ranges {
		lo, err := hexToEUI(strings.ReplaceAll(r[0], "-", ""))
		if err != nil {
			return nil, err
		}
		hi, err := hexToEUI(strings.ReplaceAll(r[1], "-", ""))
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, filter.EUIRange{Lo: lo, Hi: hi})
	}
	return filter.NewJoinFilter(parsed)
}

func buildNetIDBitmap(ids []int) *filter.NetIDBitmap {
	netIDs := make([]uint8, 0, len(ids))
	for _, id := range ids {
		netIDs = append(netIDs, uint8(id))
	}
	return filter.NewNetIDBitmap(netIDs...)
}

// runBeaconTask fires on the beacon task's own timer, armed once by the
// first router_config that enables class B: it prepares the next slot's
// frame from the current GPS/position state and admits it as a ClassBCN
// job on every antenna.
func (c *Context) runBeaconTask() {
	if c.beacon == nil {
		c.beaconArmed = false
		return
	}
	now := c.clock.NowUstime()

	var gpsNow int64
	haveTime := false
	if x, err := c.ts.Ustime2Xtime(0, now); err == nil {
		if gt, err := c.ts.Xtime2Gpstime(x); err == nil {
			gpsNow, haveTime = gt, true
		}
	}

	epoch, wakeAhead := beacon.NextSlot(gpsNow)
	pdu, freq, changed, err := c.beacon.Prepare(epoch, haveTime, c.gps.lat, c.gps.lon, c.gps.haveFix)
	if changed {
		c.log.Info("s2e: beacon status changed", zap.Bool("have_time", haveTime), zap.Bool("have_pos", c.gps.haveFix))
	}
	if err != nil {
		c.log.Warn("s2e: beacon prepare failed", zap.Error(err))
	}

	// When time or position is unavailable the sticky NOTIME/NOPOS state
	// retries on beacon.RetryDelayUS (10s) rather than re-waking at the
	// normal ~800ms pre-beacon lead, matching spec §4.3's "10 s retry".
	deadline := now + wakeAhead
	if pdu == nil {
		deadline = now + beacon.RetryDelayUS
	}
	if pdu != nil {
		if xtime, xerr := c.ts.Gpstime2Xtime(0, epoch*1_000_000); xerr == nil {
			airtime := c.beaconAirtime(len(pdu))
			for ant := 0; ant < c.antennas; ant++ {
				job := txq.TxJob{
					TxTime: now, GPSTime: epoch * 1_000_000, XTime: xtime,
					Freq: freq, DR: c.beaconDR, Flags: txq.FlagBCN,
					TxPow: int16(c.policy.PowerDBm(freq) * 100),
				}
				req := sched.AdmitRequest{
					Class: sched.ClassBCN, Antenna: ant, TxTime: now,
					Airtime: airtime, FreqHz: freq, Priority: sched.PriorityBeacon,
					Job: job, Payload: pdu,
				}
				if _, err := c.sched.Admit(req); err != nil {
					c.log.Warn("s2e: beacon admission rejected", zap.Int("ant", ant), zap.Error(err))
				}
			}
		}
		deadline = now + beacon.Interval*1_000_000 - wakeAhead
	}
	c.beaconTimer = c.loop.SetTimer(deadline, c.runBeaconTask)
}

// beaconAirtime resolves the beacon's DR to an Rps via the installed DR
// table (falling back to the default modulation) to size its on-air time.
func (c *Context) beaconAirtime(plen int) int64 {
	r := rps.Make(9, rps.BW125).WithBCN()
	if c.drtable != nil && c.beaconDR >= 0 {
		if rr, err := c.drtable.Rps(c.beaconDR); err == nil {
			r = rr.WithBCN()
		}
	}
	if r.IsFSK() {
		return sched.AirtimeFSK(plen, 50)
	}
	// The beacon PDU carries its own CRC16 pair; the physical-layer CRC
	// stays off, as on every downlink.
	return sched.Airtime(plen, int(r.SF()), int(r.BW()), 10, false)
}
