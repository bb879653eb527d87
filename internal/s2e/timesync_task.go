package s2e

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/protocol"
	"github.com/agsys/lorastation/internal/timesync"
)

// timesyncRetryUS is the fallback re-arm delay when a radio timesync
// request fails outright, matching the engine's own default poll interval
// (timesync.go's unexported timesyncRadioIntvUS).
const timesyncRetryUS = 2100 * 1000

// runRadioTimesync polls one antenna's concentrator for a fresh
// (ustime, xtime, pps) correspondence and feeds it to the time-sync
// engine, re-arming itself at whatever interval the engine reports.
func (c *Context) runRadioTimesync(ant int) {
	ctx, cancel := context.WithTimeout(context.Background(), radioCallTimeout)
	rec, err := c.radio.Timesync(ctx, ant)
	cancel()

	delay := int64(timesyncRetryUS)
	if err != nil {
		c.log.Warn("s2e: radio timesync request failed", zap.Int("ant", ant), zap.Error(err))
	} else {
		res := c.ts.Update(timesync.Sample{
			TxUnit: uint8(ant), Quality: int(rec.Quality),
			Ustime: rec.Ustime, Xtime: rec.Xtime, PPSXtime: rec.PpsXtime,
		})
		delay = res.Delay
	}
	c.loop.SetTimer(c.clock.NowUstime()+delay, func() { c.runRadioTimesync(ant) })
}

// runLNSTimesyncRound drives the station->LNS timesync burst (spec §4.4):
// StartLNSRound decides whether the current state warrants sending another
// probe, and at what delay to check again.
func (c *Context) runLNSTimesyncRound() {
	delay, shouldSend := c.ts.StartLNSRound()
	if shouldSend {
		req := protocol.TimeSyncReq{MsgType: protocol.MsgTimeSync, TxTime: c.clock.NowUstime()}
		if raw, err := json.Marshal(req); err == nil {
			if err := c.conn.TrySendText(raw); err != nil {
				c.log.Debug("s2e: timesync request dropped, ws backpressured", zap.Error(err))
			}
		}
	}
	c.loop.SetTimer(c.clock.NowUstime()+delay, c.runLNSTimesyncRound)
}

// handleTimeSyncResp processes the LNS's reply to a station-initiated
// burst; a reply without txtime is ignored.
func (c *Context) handleTimeSyncResp(raw []byte) {
	var resp protocol.TimeSyncResp
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.log.Warn("s2e: malformed timesync response", zap.Error(err))
		return
	}
	if resp.TxTime == 0 {
		return
	}
	rxtime := c.clock.NowUstime()
	c.ts.ProcessLNSRoundTrip(resp.TxTime, rxtime, resp.GPSTime)
}
