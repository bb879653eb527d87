package master

import (
	"testing"

	"go.uber.org/zap"

	"github.com/agsys/lorastation/internal/ral"
	"github.com/agsys/lorastation/internal/rps"
)

func newTestMaster() *Master {
	return &Master{log: zap.NewNop(), rxCh: make(chan ral.RxRecord, 8)}
}

func TestExitClassFatalRange(t *testing.T) {
	if !ExitClass(30) || !ExitClass(40) || !ExitClass(35) {
		t.Fatal("30..40 should all be fatal exit codes")
	}
	if ExitClass(29) || ExitClass(41) || ExitClass(0) {
		t.Fatal("codes outside 30..40 should not be classified fatal")
	}
}

func TestRxRecordLenWaitsForLengthField(t *testing.T) {
	// Not enough bytes yet to even see the length field.
	if got := rxRecordLen(make([]byte, 5)); got != 0 {
		t.Fatalf("rxRecordLen with short buffer = %d, want 0", got)
	}
}

func TestRxRecordLenMatchesEncoder(t *testing.T) {
	buf, err := ral.EncodeRx(ral.RxRecord{Rctx: 1, Rps: rps.Make(7, rps.BW125), Data: []byte("hello")})
	if err != nil {
		t.Fatal(err)
	}
	if got := rxRecordLen(buf); got != len(buf) {
		t.Fatalf("rxRecordLen = %d, want %d", got, len(buf))
	}
}

func TestDrainSpillReassemblesFragmentedRx(t *testing.T) {
	m := newTestMaster()
	s := &slave{}
	buf, err := ral.EncodeRx(ral.RxRecord{Rctx: 3, Rps: rps.Make(9, rps.BW125), FreqHz: 868_100_000, Data: []byte("frame")})
	if err != nil {
		t.Fatal(err)
	}

	// Feed the record one fragment at a time; nothing should dispatch
	// until the last byte arrives.
	split := len(buf) / 2
	s.spill = append(s.spill, buf[:split]...)
	s.drainSpill(m)
	select {
	case <-m.rxCh:
		t.Fatal("partial record must not dispatch")
	default:
	}

	s.spill = append(s.spill, buf[split:]...)
	s.drainSpill(m)
	select {
	case rx := <-m.rxCh:
		if rx.Rctx != 3 || string(rx.Data) != "frame" {
			t.Fatalf("unexpected rx record: %+v", rx)
		}
	default:
		t.Fatal("complete record should have dispatched")
	}
	if len(s.spill) != 0 {
		t.Fatalf("spill should be empty after a full record, has %d bytes", len(s.spill))
	}
}

func TestDrainSpillHandlesBackToBackRecords(t *testing.T) {
	m := newTestMaster()
	s := &slave{}
	a, _ := ral.EncodeRx(ral.RxRecord{Rctx: 1, Data: []byte("a")})
	b, _ := ral.EncodeRx(ral.RxRecord{Rctx: 2, Data: []byte("bb")})
	s.spill = append(append(s.spill, a...), b...)
	s.drainSpill(m)

	if len(m.rxCh) != 2 {
		t.Fatalf("expected 2 dispatched records, got %d", len(m.rxCh))
	}
}

func TestDispatchStoresTxStatusReplyAndClearsExchange(t *testing.T) {
	m := newTestMaster()
	s := &slave{lastExpCmd: ral.CmdTxStatus}
	s.dispatch(m, ral.CmdTxStatus, ral.EncodeTxStatusReply(7, ral.TxStatusEmitting))
	if s.lastExpCmd != 0 {
		t.Fatal("TXSTATUS reply must complete the pending exchange")
	}
	if s.lastStatus != ral.TxStatusEmitting {
		t.Fatalf("lastStatus = %v, want emitting", s.lastStatus)
	}
}

func TestDispatchStoresTimesyncReply(t *testing.T) {
	m := newTestMaster()
	s := &slave{lastExpCmd: ral.CmdTimesync}
	rec := ral.TimesyncRecord{Rctx: 0, Quality: 42, Ustime: 100, Xtime: 200, PpsXtime: 300}
	s.dispatch(m, ral.CmdTimesync, ral.EncodeTimesyncReply(rec))
	if s.lastExpCmd != 0 {
		t.Fatal("TIMESYNC reply must complete the pending exchange")
	}
	if s.lastTimesync != rec {
		t.Fatalf("lastTimesync = %+v, want %+v", s.lastTimesync, rec)
	}
}

func TestDispatchResetsRestartCounterOnInteraction(t *testing.T) {
	m := newTestMaster()
	s := &slave{restarts: 3}
	buf, _ := ral.EncodeRx(ral.RxRecord{Rctx: 1, Data: []byte("x")})
	s.dispatch(m, ral.CmdRx, buf)
	if s.restarts != 0 {
		t.Fatalf("restarts = %d, want 0 after a successful interaction", s.restarts)
	}
}
