// Package concentratord implements a ral.Radio backend that talks to a
// ChirpStack Concentratord process over ZeroMQ, as an alternative to the
// pipe/slave-process IPC in internal/ral/master. One Backend drives one
// concentrator; a multi-antenna station runs one Backend per txunit.
package concentratord

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/ral/concentratord/gw"
	"github.com/agsys/lorastation/internal/rps"
)

// Config holds the two Concentratord ZeroMQ endpoints.
type Config struct {
	EventURL   string // SUB socket Concentratord publishes uplinks/stats on
	CommandURL string // REQ socket commands (down, gateway_id) go to
}

// ErrNotSupported is returned for RAL operations Concentratord's simple
// command set has no equivalent for.
var ErrNotSupported = errors.New("concentratord: operation not supported by this backend")

// Backend is a ral.Radio that proxies to one Concentratord instance.
type Backend struct {
	log *zap.Logger
	cfg Config

	eventSock zmq4.Socket
	cmdSock   zmq4.Socket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	gatewayID  string
	downlinkID uint32
	txStatus   map[int64]ral.TxStatus

	rxCh chan ral.RxRecord
}

// Dial connects to Concentratord's event and command sockets and starts
// the background event loop forwarding uplinks onto Rx().
func Dial(ctx context.Context, log *zap.Logger, cfg Config) (*Backend, error) {
	bctx, cancel := context.WithCancel(ctx)
	b := &Backend{
		log:      log,
		cfg:      cfg,
		ctx:      bctx,
		cancel:   cancel,
		txStatus: make(map[int64]ral.TxStatus),
		rxCh:     make(chan ral.RxRecord, 64),
	}

	b.eventSock = zmq4.NewSub(bctx)
	if err := b.eventSock.Dial(cfg.EventURL); err != nil {
		cancel()
		return nil, errors.Wrap(err, "concentratord: dial event socket")
	}
	if err := b.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		b.eventSock.Close()
		return nil, errors.Wrap(err, "concentratord: subscribe")
	}

	b.cmdSock = zmq4.NewReq(bctx)
	if err := b.cmdSock.Dial(cfg.CommandURL); err != nil {
		cancel()
		b.eventSock.Close()
		return nil, errors.Wrap(err, "concentratord: dial command socket")
	}

	if id, err := b.fetchGatewayID(); err != nil {
		log.Warn("concentratord: gateway_id query failed", zap.Error(err))
	} else {
		b.gatewayID = id
	}

	b.wg.Add(1)
	go b.eventLoop()

	log.Info("concentratord: connected", zap.String("event", cfg.EventURL),
		zap.String("cmd", cfg.CommandURL), zap.String("gateway_id", b.gatewayID))
	return b, nil
}

// Configure is a no-op for Concentratord: channel plans live in its own
// config file, not pushed over this socket pair.
func (b *Backend) Configure(ctx context.Context, txunit int, cfg ral.ConfigRecord) error {
	b.log.Debug("concentratord: ignoring router_config push, channel plan is static", zap.Int("txunit", txunit))
	return nil
}

// Tx submits rec as a DownlinkFrame and waits for Concentratord's ack.
func (b *Backend) Tx(ctx context.Context, txunit int, rec ral.TxRecord) (bool, error) {
	b.mu.Lock()
	b.downlinkID++
	dlID := b.downlinkID
	gwID := b.gatewayID
	b.mu.Unlock()

	frame := buildDownlinkFrame(rec, gwID, dlID)
	data, err := gw.MarshalDownlinkFrame(frame)
	if err != nil {
		return false, errors.Wrap(err, "concentratord: marshal downlink")
	}

	b.mu.Lock()
	b.txStatus[rec.Rctx] = ral.TxStatusScheduled
	b.mu.Unlock()

	reply, err := b.sendCommand(zmq4.NewMsgFrom([]byte("down"), data))
	if err != nil {
		b.setStatus(rec.Rctx, ral.TxStatusFail)
		return false, errors.Wrap(err, "concentratord: send downlink")
	}
	if len(reply.Frames) == 0 {
		b.setStatus(rec.Rctx, ral.TxStatusFail)
		return false, errors.New("concentratord: empty tx ack")
	}
	ack, err := gw.UnmarshalDownlinkTxAck(reply.Frames[0])
	if err != nil {
		b.setStatus(rec.Rctx, ral.TxStatusFail)
		return false, errors.Wrap(err, "concentratord: unmarshal tx ack")
	}
	ok := len(ack.Items) > 0 && ack.Items[0].Status == gw.TxAckOK
	if ok {
		b.setStatus(rec.Rctx, ral.TxStatusEmitting)
	} else {
		b.setStatus(rec.Rctx, ral.TxStatusFail)
	}
	return ok, nil
}

// TxAbort has no Concentratord command equivalent; by the time a downlink
// is acked Concentratord already owns the timing.
func (b *Backend) TxAbort(ctx context.Context, txunit int, rctx int64) error {
	return ErrNotSupported
}

// TxStatus returns the status last recorded for rctx by Tx.
func (b *Backend) TxStatus(ctx context.Context, txunit int, rctx int64) (ral.TxStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.txStatus[rctx]
	if !ok {
		return ral.TxStatusIdle, nil
	}
	return st, nil
}

// Timesync returns a coarse sample derived from the host clock.
// Concentratord's ZMQ API exposes no PPS/GPS counter over this transport,
// so the sample carries no PPS latch and this backend never provides the
// PPS reference. Its Quality of -1 passes the sync engine's |quality|
// threshold like any small value.
func (b *Backend) Timesync(ctx context.Context, txunit int) (ral.TimesyncRecord, error) {
	now := time.Now().UnixMicro()
	return ral.TimesyncRecord{Quality: -1, Ustime: now, Xtime: uint64(now)}, nil
}

// Rx returns the channel of uplinks forwarded from Concentratord's event
// socket.
func (b *Backend) Rx() <-chan ral.RxRecord { return b.rxCh }

// Close tears down both sockets and stops the event loop.
func (b *Backend) Close() error {
	b.cancel()
	b.wg.Wait()
	var err error
	if b.eventSock != nil {
		err = b.eventSock.Close()
	}
	if b.cmdSock != nil {
		if cerr := b.cmdSock.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (b *Backend) fetchGatewayID() (string, error) {
	reply, err := b.sendCommand(zmq4.NewMsgFrom([]byte("gateway_id"), []byte{}))
	if err != nil {
		return "", err
	}
	if len(reply.Frames) == 0 {
		return "", nil
	}
	resp, err := gw.UnmarshalGetGatewayIDResponse(reply.Frames[0])
	if err != nil {
		return "", err
	}
	return resp.GatewayID, nil
}

func (b *Backend) sendCommand(msg zmq4.Msg) (zmq4.Msg, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.cmdSock.Send(msg); err != nil {
		return zmq4.Msg{}, err
	}
	return b.cmdSock.Recv()
}

func (b *Backend) setStatus(rctx int64, st ral.TxStatus) {
	b.mu.Lock()
	b.txStatus[rctx] = st
	b.mu.Unlock()
}

func (b *Backend) eventLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}
		msg, err := b.eventSock.Recv()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.log.Warn("concentratord: event recv failed", zap.Error(err))
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}
		event, err := gw.UnmarshalEvent(string(msg.Frames[0]), msg.Frames[1])
		if err != nil {
			b.log.Warn("concentratord: malformed event", zap.Error(err))
			continue
		}
		if event.UplinkFrame != nil {
			rec, ok := decodeUplink(event.UplinkFrame)
			if ok {
				select {
				case b.rxCh <- rec:
				case <-b.ctx.Done():
					return
				}
			}
		} else if event.GatewayStats != nil {
			b.log.Debug("concentratord: stats",
				zap.Uint32("rx_ok", event.GatewayStats.RxPacketsReceivedOk),
				zap.Uint32("tx_emitted", event.GatewayStats.TxPacketsEmitted))
		}
	}
}

// buildDownlinkFrame translates a ral.TxRecord into the DownlinkFrame
// Concentratord expects, carrying GPS-epoch timing so the xtime the
// scheduler computed is honored rather than "send immediately".
func buildDownlinkFrame(rec ral.TxRecord, gatewayID string, downlinkID uint32) *gw.DownlinkFrame {
	sf := uint32(rec.Rps.SF())
	codeRate := gw.CodeRate4_5

	return &gw.DownlinkFrame{
		DownlinkID: downlinkID,
		GatewayID:  gatewayID,
		Items: []*gw.DownlinkFrameItem{{
			PhyPayload: rec.Data,
			TxInfo: &gw.DownlinkTxInfo{
				Frequency: rec.FreqHz,
				Power:     int32(rec.TxPowDBm),
				Modulation: &gw.Modulation{Lora: &gw.LoraModulationInfo{
					Bandwidth:             rec.Rps.BandwidthHz(),
					SpreadingFactor:       sf,
					CodeRate:              codeRate,
					PolarizationInversion: true,
					NoCrc:                 !rec.AddCRC,
				}},
				Timing: &gw.Timing{GPSEpoch: &gw.GPSEpochTimingInfo{
					TimeSinceGpsEpochNanos: int64(rec.Xtime) * 1000,
				}},
			},
		}},
	}
}

// decodeUplink translates an UplinkFrame event into a ral.RxRecord. It
// returns ok=false for a frame with no usable modulation info.
func decodeUplink(up *gw.UplinkFrame) (ral.RxRecord, bool) {
	if up.TxInfo == nil || up.TxInfo.Modulation == nil || up.TxInfo.Modulation.Lora == nil {
		return ral.RxRecord{}, false
	}
	lora := up.TxInfo.Modulation.Lora
	bw := rps.BW125
	switch lora.Bandwidth {
	case 250000:
		bw = rps.BW250
	case 500000:
		bw = rps.BW500
	}
	rec := ral.RxRecord{
		Rps:    rps.Make(uint8(lora.SpreadingFactor), bw),
		FreqHz: up.TxInfo.Frequency,
		Data:   up.PhyPayload,
	}
	if up.RxInfo != nil {
		rec.RSSI = int16(up.RxInfo.RSSI)
		rec.SNR = up.RxInfo.SNR
	}
	return rec, true
}

var _ ral.Radio = (*Backend)(nil)
