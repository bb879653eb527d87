package slave

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/ral"
)

type fakeConcentrator struct {
	configured ral.ConfigRecord
	sent       []ral.TxRecord
	rxBatch    []ral.RxRecord
	status     ral.TxStatus
}

func (f *fakeConcentrator) Configure(cfg ral.ConfigRecord) error { f.configured = cfg; return nil }
func (f *fakeConcentrator) Receive(maxFrames int) ([]ral.RxRecord, error) {
	batch := f.rxBatch
	f.rxBatch = nil
	return batch, nil
}
func (f *fakeConcentrator) Send(rec ral.TxRecord) error { f.sent = append(f.sent, rec); return nil }
func (f *fakeConcentrator) Status(rctx int64) ral.TxStatus { return f.status }
func (f *fakeConcentrator) Abort(rctx int64) error         { return nil }
func (f *fakeConcentrator) Timesync() (ral.TimesyncRecord, error) {
	return ral.TimesyncRecord{Xtime: 42}, nil
}

func TestNextCommandRecordTxAbort(t *testing.T) {
	buf := ral.EncodeSimpleCmd(7, ral.CmdTxAbort)
	record, rest, ok := nextCommandRecord(buf)
	if !ok || len(rest) != 0 || len(record) != len(buf) {
		t.Fatalf("expected full record consumed, got ok=%v rest=%d", ok, len(rest))
	}
}

func TestNextCommandRecordIncompleteTx(t *testing.T) {
	full, _ := ral.EncodeTx(ral.TxRecord{Rctx: 1, Data: []byte("hello")})
	partial := full[:len(full)-2]
	_, _, ok := nextCommandRecord(partial)
	if ok {
		t.Fatal("incomplete TX record should not be extracted yet")
	}
}

func TestHandleCommandConfig(t *testing.T) {
	radio := &fakeConcentrator{}
	var up bytes.Buffer
	l := NewLoop(zap.NewNop(), radio, &bytes.Buffer{}, &up)

	cfg := ral.ConfigRecord{HwSpec: "sx1301/1", RegionCode: 1, UpChannels: []uint32{868100000}}
	l.handleCommand(ral.EncodeConfig(cfg))
	if radio.configured.HwSpec != "sx1301/1" {
		t.Fatalf("expected concentrator to be configured, got %+v", radio.configured)
	}
}

func TestHandleCommandTxWritesStatusReply(t *testing.T) {
	radio := &fakeConcentrator{}
	var up bytes.Buffer
	l := NewLoop(zap.NewNop(), radio, &bytes.Buffer{}, &up)

	txbuf, _ := ral.EncodeTx(ral.TxRecord{Rctx: 99, Data: []byte("x")})
	l.handleCommand(txbuf)

	if len(radio.sent) != 1 || radio.sent[0].Rctx != 99 {
		t.Fatalf("expected concentrator.Send to be called with rctx 99, got %+v", radio.sent)
	}
	rctx, status, err := ral.DecodeTxStatusReply(up.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if rctx != 99 || status != ral.TxStatusScheduled {
		t.Fatalf("got rctx=%d status=%d", rctx, status)
	}
}

func TestHandleCommandTimesync(t *testing.T) {
	radio := &fakeConcentrator{}
	var up bytes.Buffer
	l := NewLoop(zap.NewNop(), radio, &bytes.Buffer{}, &up)

	l.handleCommand(ral.EncodeSimpleCmd(0, ral.CmdTimesync))
	reply, err := ral.DecodeTimesyncReply(up.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if reply.Xtime != 42 {
		t.Fatalf("Xtime = %d, want 42", reply.Xtime)
	}
}

func TestRunExitsOnDownPipeEOF(t *testing.T) {
	radio := &fakeConcentrator{}
	down := bytes.NewReader(nil) // immediate EOF
	var up bytes.Buffer
	l := NewLoop(zap.NewNop(), radio, down, &up)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Run(ctx); err == nil {
		t.Fatal("expected Run to return an error on down-pipe EOF")
	}
}
