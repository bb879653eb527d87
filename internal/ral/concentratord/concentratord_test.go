package concentratord

import (
	"testing"

	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/ral/concentratord/gw"
	"github.com/agsys/lorastation/internal/rps"
)

func TestBuildDownlinkFrameCarriesGPSEpochTiming(t *testing.T) {
	rec := ral.TxRecord{
		Rctx: 1, Rps: rps.Make(9, rps.BW125), FreqHz: 868_500_000,
		Xtime: 1_000_000, TxPowDBm: 14, AddCRC: true, Data: []byte("payload"),
	}
	frame := buildDownlinkFrame(rec, "0102030405060708", 5)
	if frame.DownlinkID != 5 || frame.GatewayID != "0102030405060708" {
		t.Fatalf("unexpected frame header: %+v", frame)
	}
	item := frame.Items[0]
	if item.TxInfo.Frequency != rec.FreqHz || item.TxInfo.Power != int32(rec.TxPowDBm) {
		t.Fatalf("unexpected tx info: %+v", item.TxInfo)
	}
	if item.TxInfo.Modulation.Lora.SpreadingFactor != 9 || item.TxInfo.Modulation.Lora.Bandwidth != 125000 {
		t.Fatalf("unexpected modulation: %+v", item.TxInfo.Modulation.Lora)
	}
	if item.TxInfo.Modulation.Lora.NoCrc {
		t.Fatal("AddCRC true should map to NoCrc=false")
	}
	if item.TxInfo.Timing.GPSEpoch == nil || item.TxInfo.Timing.GPSEpoch.TimeSinceGpsEpochNanos != int64(rec.Xtime)*1000 {
		t.Fatalf("expected GPS epoch timing in ns, got %+v", item.TxInfo.Timing)
	}
}

func TestBuildDownlinkFrameMarshalsCleanly(t *testing.T) {
	rec := ral.TxRecord{Rctx: 2, Rps: rps.Make(7, rps.BW500), FreqHz: 915_000_000, Data: []byte("x")}
	frame := buildDownlinkFrame(rec, "gw1", 1)
	if _, err := gw.MarshalDownlinkFrame(frame); err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
}

func TestDecodeUplinkRejectsMissingModulation(t *testing.T) {
	if _, ok := decodeUplink(&gw.UplinkFrame{PhyPayload: []byte("x")}); ok {
		t.Fatal("expected decodeUplink to reject a frame with no modulation info")
	}
}

func TestDecodeUplinkMapsBandwidthAndRSSI(t *testing.T) {
	up := &gw.UplinkFrame{
		PhyPayload: []byte("hello"),
		TxInfo: &gw.UplinkTxInfo{
			Frequency:  868_100_000,
			Modulation: &gw.Modulation{Lora: &gw.LoraModulationInfo{Bandwidth: 500000, SpreadingFactor: 12}},
		},
		RxInfo: &gw.UplinkRxInfo{RSSI: -97, SNR: 3.5},
	}
	rec, ok := decodeUplink(up)
	if !ok {
		t.Fatal("expected decodeUplink to succeed")
	}
	if rec.Rps.SF() != 12 || rec.Rps.BW() != rps.BW500 {
		t.Fatalf("unexpected rps: %v", rec.Rps)
	}
	if rec.RSSI != -97 || rec.SNR != 3.5 {
		t.Fatalf("unexpected rx metadata: rssi=%d snr=%f", rec.RSSI, rec.SNR)
	}
}

func TestBackendTxStatusDefaultsToIdle(t *testing.T) {
	b := &Backend{txStatus: make(map[int64]ral.TxStatus)}
	st, err := b.TxStatus(nil, 0, 42)
	if err != nil {
		t.Fatal(err)
	}
	if st != ral.TxStatusIdle {
		t.Fatalf("status = %v, want idle for unknown rctx", st)
	}
}

func TestBackendTxAbortNotSupported(t *testing.T) {
	b := &Backend{}
	if err := b.TxAbort(nil, 0, 1); err != ErrNotSupported {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}
