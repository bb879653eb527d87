package s2e

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/protocol"
	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/rxq"
	"github.com/agsys/lorastation/internal/transport"
)

// ingestRx applies the uplink admission filters (spec §4.2) to a frame the
// radio layer just reported, then queues it for the mirror-suppression
// flush window. Frames failing the JoinEUI/NetID filter, or shorter than a
// valid PHYPayload, are dropped here and never reach the LNS.
func (c *Context) ingestRx(rec ral.RxRecord) {
	pdu := rec.Data
	if len(pdu) < minPDULen {
		c.log.Debug("s2e: dropping short uplink pdu", zap.Int("len", len(pdu)))
		return
	}
	if pdu[0]&0x03 != 0 {
		c.log.Debug("s2e: dropping uplink with unsupported major version")
		return
	}

	switch mhdrMType(pdu[0]) {
	case mtypeJoinRequest, mtypeRejoinRequest:
		jr, err := parseJoinRequest(pdu)
		if err != nil {
			c.log.Debug("s2e: malformed join-request pdu", zap.Error(err))
			return
		}
		if c.joinFilter == nil || !c.joinFilter.Allowed(jr.JoinEUI) {
			c.log.Debug("s2e: join request outside joineui filter", zap.String("joineui", euiToHex(jr.JoinEUI)))
			return
		}
	case mtypeUnconfirmedDataUp, mtypeConfirmedDataUp:
		du, err := parseDataUp(pdu)
		if err != nil {
			c.log.Debug("s2e: malformed data-up pdu", zap.Error(err))
			return
		}
		if c.netIDs == nil || !c.netIDs.Allowed(netIDOfDevAddr(du.DevAddr)) {
			c.log.Debug("s2e: data frame outside netid filter", zap.Uint32("devaddr", du.DevAddr))
			return
		}
	case mtypeProprietary, mtypeJoinAccept:
		// passed through opaque; no filter applies.
	default:
		c.log.Debug("s2e: dropping uplink of unsupported mtype")
		return
	}

	dr := -1
	if c.drtable != nil {
		dr = c.drtable.IndexOf(rec.Rps)
	}
	job := rxq.RxJob{
		XTime: rec.Xtime,
		Freq:  rec.FreqHz,
		DR:    dr,
		RSSI:  rec.RSSI,
		SNR:   rec.SNR,
		Fts:   -1,
		Rctx:  int8(rec.Rctx),
	}
	if _, err := c.rxq.Push(job, pdu); err != nil {
		c.log.Error("s2e: rx queue full, dropping uplink", zap.Error(err))
		return
	}
	c.armRxFlush()
}

// armRxFlush starts the mirror-suppression flush window on the first frame
// of a burst; later frames in the same window just queue, per spec §4.2.
func (c *Context) armRxFlush() {
	if c.rxFlushArmed {
		return
	}
	c.rxFlushArmed = true
	c.rxFlushTimer = c.loop.SetTimer(c.clock.NowUstime()+rxFlushWindow.Microseconds(), c.flushRx)
}

// flushRx runs mirror suppression once the window closes, then emits every
// surviving frame in arrival order. A backpressured send leaves the frame
// at the head of the queue and re-arms the window rather than dropping it.
func (c *Context) flushRx() {
	c.rxFlushArmed = false
	c.rxq.SuppressMirrors()
	for c.rxq.Len() > 0 {
		job, payload := c.rxq.At(0)
		if !c.emitUplink(job, payload) {
			c.armRxFlush()
			return
		}
		c.rxq.Drop(0)
	}
}

// emitUplink builds and sends the LNS-facing JSON report for one rx job,
// classifying it from the PDU's MHdr. It returns false only when the send
// failed due to WS backpressure, so the caller knows to retry later rather
// than drop the frame.
func (c *Context) emitUplink(job rxq.RxJob, pdu []byte) bool {
	up := protocol.UpInfo{
		RCtx:   int64(job.Rctx),
		XTime:  int64(job.XTime),
		RSSI:   job.RSSI,
		SNR:    job.SNR,
		RxTime: float64(time.Now().UnixNano()) / 1e9,
	}
	if job.Fts >= 0 {
		up.FTS = int64(job.Fts)
	}
	if gt, err := c.ts.Xtime2Gpstime(job.XTime); err == nil {
		up.GPSTime = gt
	}

	var raw []byte
	var err error
	switch mhdrMType(pdu[0]) {
	case mtypeJoinRequest, mtypeRejoinRequest:
		jr, perr := parseJoinRequest(pdu)
		if perr != nil {
			return true // already filter-checked at ingest; treat as consumed
		}
		raw, err = json.Marshal(protocol.JoinRequest{
			MsgType: protocol.MsgJoinRequest, MHdr: jr.MHdr,
			JoinEUI: euiToHex(jr.JoinEUI), DevEUI: euiToHex(jr.DevEUI),
			DevNonce: jr.DevNonce, MIC: jr.MIC,
			DR: job.DR, Freq: job.Freq, UpInfo: up,
		})
	case mtypeUnconfirmedDataUp, mtypeConfirmedDataUp:
		du, perr := parseDataUp(pdu)
		if perr != nil {
			return true
		}
		raw, err = json.Marshal(protocol.UplinkDataFrame{
			MsgType: protocol.MsgUplinkFrame, MHdr: du.MHdr,
			DevAddr: du.DevAddr, FCtrl: du.FCtrl, FCnt: du.FCnt,
			FOpts: bytesToHex(du.FOpts), FPort: du.FPort,
			FRMPayload: bytesToHex(du.FRMPayload), MIC: du.MIC,
			DR: job.DR, Freq: job.Freq, UpInfo: up,
		})
	default:
		raw, err = json.Marshal(protocol.PropFrame{
			MsgType: protocol.MsgPropFrame, FRMPayload: bytesToHex(pdu),
			DR: job.DR, Freq: job.Freq, UpInfo: up,
		})
	}
	if err != nil {
		c.log.Error("s2e: marshal uplink report failed", zap.Error(err))
		return true
	}

	if err := c.conn.TrySendText(raw); err != nil {
		if err == transport.ErrBackpressure {
			return false
		}
		c.log.Warn("s2e: send uplink failed", zap.Error(err))
	}
	return true
}
