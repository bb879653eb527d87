package s2e

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/protocol"
	"github.com/agsys/lorastation/internal/rps"
	"github.com/agsys/lorastation/internal/sched"
	"github.com/agsys/lorastation/internal/txq"
)

// handleDnMsg admits an LNS "dnmsg" class A/B/C downlink dispatch (spec
// §4.7): mandatory-field validation failures drop only this message with a
// warning, never the connection.
func (c *Context) handleDnMsg(raw []byte) {
	var m protocol.DnMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		c.log.Warn("s2e: malformed dnmsg json", zap.Error(err))
		return
	}
	if err := m.Validate(); err != nil {
		c.log.Warn("s2e: dnmsg validation failed", zap.Error(err))
		return
	}
	pdu, err := hexToBytes(m.Pdu)
	if err != nil {
		c.log.Warn("s2e: dnmsg pdu is not valid hex", zap.Error(err))
		return
	}
	devEUI, err := hexToEUI(m.DevEUI)
	if err != nil {
		c.log.Warn("s2e: dnmsg has malformed DevEui", zap.Error(err))
		return
	}

	class := sched.ClassA
	switch m.DC {
	case 1:
		class = sched.ClassPing
	case 2:
		class = sched.ClassC
	}

	dr, freq := 0, uint32(0)
	switch {
	case m.RX1DR != nil && m.RX1Freq != nil:
		dr, freq = *m.RX1DR, *m.RX1Freq
	case m.DR != nil && m.Freq != nil:
		dr, freq = *m.DR, *m.Freq
	}

	r, err := c.drtable.Rps(dr)
	if err != nil {
		c.log.Warn("s2e: dnmsg dr out of range", zap.Int("dr", dr), zap.Error(err))
		return
	}
	airtime := airtimeFor(r, len(pdu), m.AddCrc)

	ant := 0
	if m.RCtx != 0 {
		ant = int(m.RCtx)
	}

	txtime := c.clock.NowUstime()
	rxdelay := m.EffectiveRxDelay()
	switch {
	case class == sched.ClassPing:
		// Class B fires at its GPS ping slot, not "now": resolve the slot
		// through the PPS/GPS mapping and back onto the host clock.
		if x, xerr := c.ts.Gpstime2Xtime(uint8(ant), m.GPSTime); xerr == nil {
			if us, uerr := c.ts.Xtime2Ustime(x); uerr == nil {
				txtime = us
			}
		}
	case m.XTime != 0:
		if us, uerr := c.ts.Xtime2Ustime(uint64(m.XTime)); uerr == nil {
			txtime = us + int64(rxdelay)*1_000_000
		}
	}

	job := txq.TxJob{
		DevEUI: devEUI, Diid: m.Diid,
		GPSTime: m.GPSTime, RxDelay: uint8(rxdelay),
		DR: dr, Rctx: int8(ant),
		TxPow:  int16(c.policy.PowerDBm(freq) * 100),
		AddCRC: m.AddCrc,
	}
	switch class {
	case sched.ClassPing:
		job.Flags |= txq.FlagPING
	case sched.ClassC:
		job.Flags |= txq.FlagCLSC
	default:
		job.Flags |= txq.FlagCLSA
	}
	if m.RX2DR != nil {
		job.RX2DR = *m.RX2DR
	}
	if m.RX2Freq != nil {
		job.RX2Freq = *m.RX2Freq
	}

	req := sched.AdmitRequest{
		Class: class, Antenna: ant, TxTime: txtime, Airtime: airtime,
		FreqHz: freq, Priority: m.Priority, Job: job, Payload: pdu,
	}
	if _, err := c.sched.Admit(req); err != nil {
		c.log.Warn("s2e: dnmsg admission rejected", zap.String("deveui", m.DevEUI), zap.Error(err))
	}
}

// handleDnFrame admits a legacy single-frame "dnframe" downlink, kept for
// LNS backward compatibility (spec §9).
func (c *Context) handleDnFrame(raw []byte) {
	var f protocol.DnFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.log.Warn("s2e: malformed dnframe json", zap.Error(err))
		return
	}
	if f.DevEUI == "" || f.Pdu == "" {
		c.log.Warn("s2e: dnframe missing DevEui/pdu")
		return
	}
	m := protocol.DnMsg{
		MsgType: protocol.MsgDnMsg, DevEUI: f.DevEUI, Diid: f.Diid,
		DC: f.DC, Pdu: f.Pdu, RxDelay: 1, XTime: f.XTime,
		DR: &f.DR, Freq: &f.Freq,
	}
	raw2, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.handleDnMsg(raw2)
}

// handleDnSched admits a batch "dnsched" schedule: one entry per class-A
// job or class-B ping slot.
func (c *Context) handleDnSched(raw []byte) {
	var s protocol.DnSched
	if err := json.Unmarshal(raw, &s); err != nil {
		c.log.Warn("s2e: malformed dnsched json", zap.Error(err))
		return
	}
	devEUI, err := hexToEUI(s.DevEUI)
	if err != nil {
		c.log.Warn("s2e: dnsched has malformed DevEui", zap.Error(err))
		return
	}
	for _, entry := range s.Sched {
		c.admitSchedEntry(devEUI, s.DevEUI, entry)
	}
}

func (c *Context) admitSchedEntry(devEUI uint64, devEUIHex string, e protocol.DnSchedEntry) {
	pdu, err := hexToBytes(e.Pdu)
	if err != nil {
		c.log.Warn("s2e: dnsched entry pdu is not valid hex", zap.String("deveui", devEUIHex), zap.Error(err))
		return
	}
	r, err := c.drtable.Rps(e.DR)
	if err != nil {
		c.log.Warn("s2e: dnsched entry dr out of range", zap.Int("dr", e.DR), zap.Error(err))
		return
	}
	airtime := airtimeFor(r, len(pdu), e.AddCrc)

	class := sched.ClassA
	txtime := c.clock.NowUstime()
	switch {
	case e.GPSTime != nil:
		class = sched.ClassPing
		if us, err := c.ts.Xtime2Ustime(mustGpstimeToXtime(c.ts, *e.GPSTime)); err == nil {
			txtime = us
		}
	case e.XTime != nil:
		if us, err := c.ts.Xtime2Ustime(uint64(*e.XTime)); err == nil {
			txtime = us
		}
	case e.OnTime != nil:
		txtime = int64(*e.OnTime * 1e6)
	}

	ant := 0
	if e.RCtx != nil {
		ant = int(*e.RCtx)
	}
	job := txq.TxJob{
		DevEUI: devEUI, Diid: e.Diid, DR: e.DR, Rctx: int8(ant),
		TxPow:  int16(c.policy.PowerDBm(e.Freq) * 100),
		AddCRC: e.AddCrc,
	}
	if class == sched.ClassPing {
		job.Flags |= txq.FlagPING
	} else {
		job.Flags |= txq.FlagCLSA
	}

	req := sched.AdmitRequest{
		Class: class, Antenna: ant, TxTime: txtime, Airtime: airtime,
		FreqHz: e.Freq, Job: job, Payload: pdu,
	}
	if _, err := c.sched.Admit(req); err != nil {
		c.log.Warn("s2e: dnsched entry admission rejected", zap.String("deveui", devEUIHex), zap.Error(err))
	}
}

// mustGpstimeToXtime resolves a ping-slot's GPS time to an xtime on txunit
// 0; the zero value is returned (and rejected downstream by Xtime2Ustime)
// if no GPS reference is established yet.
func mustGpstimeToXtime(ts interface {
	Gpstime2Xtime(uint8, int64) (uint64, error)
}, gpstime int64) uint64 {
	x, err := ts.Gpstime2Xtime(0, gpstime)
	if err != nil {
		return 0
	}
	return x
}

func airtimeFor(r rps.Rps, plen int, crcOn bool) int64 {
	if r.IsFSK() {
		return sched.AirtimeFSK(plen, 50)
	}
	return sched.Airtime(plen, int(r.SF()), int(r.BW()), 8, crcOn)
}

// emitDnTxed reports a committed downlink's outcome to the LNS.
func (c *Context) emitDnTxed(ant int, job *txq.TxJob) {
	msg := protocol.NewDnTxed(euiToHex(job.DevEUI), job.Diid, int64(job.XTime), job.GPSTime, float64(job.TxTime)/1e6)
	raw, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("s2e: marshal dntxed failed", zap.Error(err))
		return
	}
	if err := c.conn.TrySendText(raw); err != nil {
		c.log.Warn("s2e: dntxed dropped, ws backpressured", zap.Int("ant", ant), zap.Error(err))
	}
}
