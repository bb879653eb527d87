package ral

import (
	"bytes"
	"testing"

	"github.com/agsys/lorastation/internal/rps"
)

func TestTxRecordRoundTrip(t *testing.T) {
	r := TxRecord{
		Rctx: 42, Rps: rps.Make(7, rps.BW125), FreqHz: 868_100_000,
		Xtime: 0x1234567890, TxPowDBm: 14, AddCRC: true, Data: []byte("hello"),
	}
	buf, err := EncodeTx(r)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeTx(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Rctx != r.Rctx || got.FreqHz != r.FreqHz || got.Xtime != r.Xtime || !bytes.Equal(got.Data, r.Data) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, r)
	}
}

func TestTxRecordRejectsOversizePayload(t *testing.T) {
	data := make([]byte, MaxFrameLen+1)
	if _, err := EncodeTx(TxRecord{Data: data}); err == nil {
		t.Fatal("expected error for oversize TX payload")
	}
}

func TestRxRecordRoundTrip(t *testing.T) {
	r := RxRecord{Rctx: 7, Rps: rps.Make(9, rps.BW125), FreqHz: 915_000_000, Xtime: 99, RSSI: -42, SNR: 7.5, Data: []byte("frame")}
	buf, err := EncodeRx(r)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRx(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.RSSI != r.RSSI || got.SNR != r.SNR || !bytes.Equal(got.Data, r.Data) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, r)
	}
}

func TestTimesyncReplyRoundTrip(t *testing.T) {
	r := TimesyncRecord{Rctx: 1, Quality: -5, Ustime: 100, Xtime: 200, PpsXtime: 300}
	buf := EncodeTimesyncReply(r)
	got, err := DecodeTimesyncReply(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, r)
	}
}

func TestTxStatusReplyRoundTrip(t *testing.T) {
	buf := EncodeTxStatusReply(5, TxStatusEmitting)
	rctx, status, err := DecodeTxStatusReply(buf)
	if err != nil {
		t.Fatal(err)
	}
	if rctx != 5 || status != TxStatusEmitting {
		t.Fatalf("got rctx=%d status=%d", rctx, status)
	}
}

func TestConfigRecordRoundTrip(t *testing.T) {
	r := ConfigRecord{
		Rctx: 0, HwSpec: "sx1301/1", RegionCode: 1,
		Sx130xJSON: []byte(`{"foo":1}`), UpChannels: []uint32{868100000, 868300000, 868500000},
	}
	buf := EncodeConfig(r)
	got, err := DecodeConfig(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.HwSpec != r.HwSpec || len(got.UpChannels) != 3 || got.UpChannels[1] != 868300000 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeTxShortRecord(t *testing.T) {
	if _, err := DecodeTx([]byte{1, 2, 3}); err != ErrShortRecord {
		t.Fatalf("expected ErrShortRecord, got %v", err)
	}
}
