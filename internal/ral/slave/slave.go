// Package slave implements the per-concentrator slave process: a
// cooperative loop that polls the concentrator's RX FIFO, dispatches TX
// commands arriving from the master over the down-pipe, and answers
// TIMESYNC/TXSTATUS requests, writing results to the up-pipe.
package slave

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/ral"
)

// RxPollInterval is how often the slave polls the concentrator's RX FIFO.
const RxPollInterval = 20 * time.Millisecond

// MaxWriteRetries bounds how many times the slave retries a blocked
// write to the up-pipe before dropping the record (never blocks).
const MaxWriteRetries = 5

// Concentrator abstracts the hardware access a slave drives; a real
// backend wraps libloragw (via cgo) or talks to Concentratord, while
// tests substitute a fake.
type Concentrator interface {
	Configure(cfg ral.ConfigRecord) error
	Receive(maxFrames int) ([]ral.RxRecord, error)
	Send(rec ral.TxRecord) error
	Status(rctx int64) ral.TxStatus
	Abort(rctx int64) error
	// Timesync disables PPS latching, reads the free-running and latched
	// tick counters, then re-enables latching, returning a fresh sample.
	Timesync() (ral.TimesyncRecord, error)
}

// Loop runs the slave's cooperative event loop against down (the
// master's commands, read to EOF or ctx cancellation) writing replies and
// RX records to up. It returns when down is closed or ctx is done.
type Loop struct {
	log   *zap.Logger
	radio Concentrator
	down  io.Reader
	up    io.Writer

	spill []byte
}

// NewLoop builds a slave loop over the given pipe ends and concentrator
// backend.
func NewLoop(log *zap.Logger, radio Concentrator, down io.Reader, up io.Writer) *Loop {
	return &Loop{log: log, radio: radio, down: down, up: up}
}

// Run drives the loop until ctx is cancelled or the down-pipe is closed.
// It polls for incoming commands opportunistically (non-blocking callers
// should wrap down in a context-aware reader) and fires the RX poll timer
// on RxPollInterval.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(RxPollInterval)
	defer ticker.Stop()

	cmdCh := make(chan []byte, 16)
	errCh := make(chan error, 1)
	go l.readCommands(cmdCh, errCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case buf := <-cmdCh:
			l.handleCommand(buf)
		case <-ticker.C:
			l.pollRx()
		}
	}
}

// readCommands reassembles the down-pipe byte stream and forwards
// complete command records, matching the master's own reassembly
// discipline (spill buffer, probe for a complete record before
// decoding).
func (l *Loop) readCommands(out chan<- []byte, errc chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, err := l.down.Read(buf)
		if n > 0 {
			l.spill = append(l.spill, buf[:n]...)
			for {
				record, rest, ok := nextCommandRecord(l.spill)
				if !ok {
					break
				}
				l.spill = rest
				out <- record
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

// nextCommandRecord extracts one complete master->slave record (CONFIG,
// TX/TX_NOCCA, TXABORT, TXSTATUS request, TIMESYNC request, STOP) from
// the front of buf if one is fully present.
func nextCommandRecord(buf []byte) (record, rest []byte, ok bool) {
	cmd, have := ral.PeekCmd(buf)
	if !have {
		return nil, buf, false
	}
	const headerLen = 9
	switch cmd {
	case ral.CmdTxAbort, ral.CmdTxStatus, ral.CmdTimesync, ral.CmdStop:
		if len(buf) < headerLen {
			return nil, buf, false
		}
		return buf[:headerLen], buf[headerLen:], true
	case ral.CmdTx, ral.CmdTxNoCCA:
		const fixedEnd = headerLen + 1 + 4 + 8 + 1 + 1 + 2
		if len(buf) < fixedEnd {
			return nil, buf, false
		}
		dataLen := int(buf[fixedEnd-2]) | int(buf[fixedEnd-1])<<8
		total := fixedEnd + dataLen
		if len(buf) < total {
			return nil, buf, false
		}
		return buf[:total], buf[total:], true
	case ral.CmdConfig:
		if len(buf) < headerLen+4 {
			return nil, buf, false
		}
		hwspecLen := int(buf[headerLen]) | int(buf[headerLen+1])<<8 | int(buf[headerLen+2])<<16 | int(buf[headerLen+3])<<24
		off := headerLen + 4 + hwspecLen + 4 // +region
		if len(buf) < off+4 {
			return nil, buf, false
		}
		jsonLen := int(buf[off]) | int(buf[off+1])<<8 | int(buf[off+2])<<16 | int(buf[off+3])<<24
		off += 4 + jsonLen
		if len(buf) < off+4 {
			return nil, buf, false
		}
		nch := int(buf[off]) | int(buf[off+1])<<8 | int(buf[off+2])<<16 | int(buf[off+3])<<24
		total := off + 4 + 4*nch
		if len(buf) < total {
			return nil, buf, false
		}
		return buf[:total], buf[total:], true
	default:
		return buf[:1], buf[1:], true // drop unknown byte and resync
	}
}

func (l *Loop) handleCommand(buf []byte) {
	cmd, _ := ral.PeekCmd(buf)
	switch cmd {
	case ral.CmdConfig:
		cfg, err := ral.DecodeConfig(buf)
		if err != nil {
			l.log.Warn("ral/slave: malformed CONFIG", zap.Error(err))
			return
		}
		if err := l.radio.Configure(cfg); err != nil {
			l.log.Error("ral/slave: configure failed", zap.Error(err))
		}
	case ral.CmdTx, ral.CmdTxNoCCA:
		rec, err := ral.DecodeTx(buf)
		if err != nil {
			l.log.Warn("ral/slave: malformed TX", zap.Error(err))
			return
		}
		if err := l.radio.Send(rec); err != nil {
			l.writeRecord(ral.EncodeTxStatusReply(rec.Rctx, ral.TxStatusFail))
			return
		}
		l.writeRecord(ral.EncodeTxStatusReply(rec.Rctx, ral.TxStatusScheduled))
	case ral.CmdTxAbort:
		rctx, _, _ := decodeSimple(buf)
		l.radio.Abort(rctx)
	case ral.CmdTxStatus:
		rctx, _, _ := decodeSimple(buf)
		l.writeRecord(ral.EncodeTxStatusReply(rctx, l.radio.Status(rctx)))
	case ral.CmdTimesync:
		sample, err := l.radio.Timesync()
		if err != nil {
			l.log.Warn("ral/slave: timesync measurement failed", zap.Error(err))
			return
		}
		l.writeRecord(ral.EncodeTimesyncReply(sample))
	case ral.CmdStop:
		// Caller's Run loop exits on the next down-pipe EOF/ctx cancel;
		// nothing else to do here.
	}
}

func decodeSimple(buf []byte) (rctx int64, cmd ral.Cmd, ok bool) {
	if len(buf) < 9 {
		return 0, 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * uint(i))
	}
	return int64(v), ral.Cmd(buf[8]), true
}

// pollRx polls the concentrator's RX FIFO and forwards each frame,
// dropping (with a logged error, never blocking) if the up-pipe stays
// unwritable after MaxWriteRetries.
func (l *Loop) pollRx() {
	records, err := l.radio.Receive(ral.MaxFrameLen)
	if err != nil {
		l.log.Warn("ral/slave: RX poll failed", zap.Error(err))
		return
	}
	for _, rec := range records {
		buf, err := ral.EncodeRx(rec)
		if err != nil {
			l.log.Warn("ral/slave: RX frame too large to forward", zap.Error(err))
			continue
		}
		l.writeRecord(buf)
	}
}

func (l *Loop) writeRecord(buf []byte) {
	for attempt := 0; attempt < MaxWriteRetries; attempt++ {
		if _, err := l.up.Write(buf); err == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	l.log.Error("ral/slave: up-pipe write failed after retries, dropping record")
}
