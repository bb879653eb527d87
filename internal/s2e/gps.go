package s2e

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/config"
	"github.com/agsys/lorastation/internal/protocol"
)

// moveThresholdDeg is how far the reported position must shift, in
// degrees, before the station considers itself to have "moved" rather
// than just jittered within GPS noise.
const moveThresholdDeg = 0.0005 // roughly 50m at the equator

// maxNoFixBackoff caps how many consecutive nofix events the gps event
// emitter coalesces into one reported event (spec §9 Open Questions: the
// original's MIN(nofix_backoff+1, 16) only degenerates to a constant if
// misread as MAX; this implements the evidently-intended capped-linear
// backoff).
const maxNoFixBackoff = 16

// nextNoFixBackoff returns the backoff count to use for the next
// consecutive nofix observation.
func nextNoFixBackoff(prev int) int {
	if prev+1 > maxNoFixBackoff {
		return maxNoFixBackoff
	}
	return prev + 1
}

// IngestGPSFix is called by the GPS/NMEA collaborator (spec §1, out of
// scope for this core) each time it decodes a new fix or loses one. The
// core emits the user-visible "fix"/"move"/"nofix" event spec §7
// describes, persists the last good position for the beacon task and
// for `~temp/station.lastpos`, and throttles repeated nofix chatter with
// a capped backoff rather than emitting one event per NMEA sentence.
func (c *Context) IngestGPSFix(lat, lon float64, hasFix bool) {
	if !hasFix {
		c.gps.nofixBackoff = nextNoFixBackoff(c.gps.nofixBackoff)
		if c.gps.nofixBackoff == 1 || c.gps.nofixBackoff == maxNoFixBackoff {
			c.emitGPSEvent("nofix", "")
		}
		c.gps.haveFix = false
		return
	}

	wasFix := c.gps.haveFix
	moved := wasFix && (absDeg(lat-c.gps.lat) > moveThresholdDeg || absDeg(lon-c.gps.lon) > moveThresholdDeg)

	c.gps.lat, c.gps.lon, c.gps.haveFix = lat, lon, true
	c.gps.nofixBackoff = 0

	switch {
	case !wasFix:
		c.emitGPSEvent("fix", "")
	case moved:
		c.emitGPSEvent("move", "")
	}

	if err := c.store.SaveLastPos(lat, lon); err != nil {
		c.log.Warn("s2e: persist last gps fix to state store failed", zap.Error(err))
	}
	if c.lastPosDir != "" {
		if err := config.SaveLastPos(c.lastPosDir, config.LastPos{Lat: lat, Lon: lon}); err != nil {
			c.log.Warn("s2e: persist station.lastpos failed", zap.Error(err))
		}
	}
}

func absDeg(d float64) float64 {
	if d < 0 {
		return -d
	}
	return d
}

func (c *Context) emitGPSEvent(evtype, text string) {
	ev := protocol.Event{MsgType: protocol.MsgEvent, EvCat: "gps", EvType: evtype, Text: text}
	raw, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("s2e: marshal gps event failed", zap.Error(err))
		return
	}
	if err := c.conn.TrySendText(raw); err != nil {
		c.log.Warn("s2e: gps event dropped, ws backpressured", zap.String("evtype", evtype), zap.Error(err))
	}
}
