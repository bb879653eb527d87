package sched

import (
	"testing"

	"github.com/agsys/lorastation/internal/region"
	"github.com/agsys/lorastation/internal/txq"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) NowUstime() int64 { return c.now }

type fakeRadio struct {
	txOK     bool
	txCalls  int
	emitting bool
}

func (r *fakeRadio) Tx(ant int, job *txq.TxJob, payload []byte) bool {
	r.txCalls++
	return r.txOK
}
func (r *fakeRadio) Status(ant int) bool { return r.emitting }

func newTestScheduler(t *testing.T, now int64) (*Scheduler, *fakeClock, *fakeRadio) {
	t.Helper()
	pool := txq.NewPool(8, 1024)
	dc := []*region.DutyCycle{region.NewDutyCycle(region.ForTag(region.US915))}
	clock := &fakeClock{now: now}
	radio := &fakeRadio{txOK: true}
	return NewScheduler(pool, dc, radio, clock), clock, radio
}

func TestAdmitTooFarAheadRejected(t *testing.T) {
	s, clock, _ := newTestScheduler(t, 0)
	_, err := s.Admit(AdmitRequest{
		Class: ClassA, Antenna: 0, TxTime: clock.now + TxMaxAhead + 1,
		Airtime: 1000, Payload: []byte("x"),
	})
	if err == nil {
		t.Fatal("expected rejection for txtime beyond TX_MAX_AHEAD")
	}
}

func TestAdmitClassAFallsBackToRX2(t *testing.T) {
	s, clock, _ := newTestScheduler(t, 1_000_000)
	h, err := s.Admit(AdmitRequest{
		Class: ClassA, Antenna: 0, TxTime: clock.now + 1000, // inside TX_AIM_GAP
		Airtime: 1000, Payload: []byte("x"),
	})
	if err != nil {
		t.Fatal(err)
	}
	job := s.pool.Get(h)
	if job.TxTime != clock.now+1000+1_000_000 {
		t.Fatalf("expected +1s RX2 fallback, got txtime=%d", job.TxTime)
	}
}

func TestAdmitClassPingNoAlternative(t *testing.T) {
	s, clock, _ := newTestScheduler(t, 1_000_000)
	_, err := s.Admit(AdmitRequest{
		Class: ClassPing, Antenna: 0, TxTime: clock.now + 1000,
		Airtime: 1000, Payload: []byte("x"),
	})
	if err == nil {
		t.Fatal("class PING has no alternate slot and should reject")
	}
}

func TestNextTxActionCommitsAtAimPoint(t *testing.T) {
	s, clock, radio := newTestScheduler(t, 0)
	h, err := s.Admit(AdmitRequest{
		Class: ClassA, Antenna: 0, TxTime: TxAimGap, Airtime: 1000, Payload: []byte("x"),
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = h
	// now == txtime - TX_AIM_GAP: exactly the aim point, where commit runs.
	action := s.NextTxAction(0)
	if radio.txCalls != 1 {
		t.Fatalf("expected radio.Tx to be called once, got %d", radio.txCalls)
	}
	_ = clock
	if action.NextDeadline != TxAimGap+1000 {
		t.Fatalf("NextDeadline = %d, want %d", action.NextDeadline, TxAimGap+1000)
	}
}

func TestNextTxActionCompletesAfterAirtime(t *testing.T) {
	s, clock, _ := newTestScheduler(t, 0)
	_, err := s.Admit(AdmitRequest{
		Class: ClassA, Antenna: 0, TxTime: TxAimGap, Airtime: 1000, Payload: []byte("x"),
	})
	if err != nil {
		t.Fatal(err)
	}
	s.NextTxAction(0) // at the aim point: commits, sets TXing

	clock.now = TxAimGap + 1000
	action := s.NextTxAction(0)
	if action.Completed == nil {
		t.Fatal("expected a completed job once now >= txtime+airtime")
	}
	if s.pool.Occupied() != 0 {
		t.Fatal("completed job should be freed")
	}
}

func TestAirtimeMatchesKnownSF7BW125(t *testing.T) {
	// A reference value: SF7/BW125, 13-byte payload (e.g. a short LoRaWAN
	// join-request), explicit header, CRC on, preamble 8: 33 payload
	// symbols plus 12.25 preamble symbols of 1024us each = 46336us.
	at := Airtime(13, 7, 0, 8, true)
	if at != 46336 {
		t.Fatalf("airtime = %d, want 46336", at)
	}
	// Airtime should grow with payload length for fixed SF/BW.
	at2 := Airtime(100, 7, 0, 8, true)
	if at2 <= at {
		t.Fatalf("airtime should increase with payload length: %d vs %d", at, at2)
	}
}

func TestAirtimeFSK(t *testing.T) {
	if AirtimeFSK(50, 50) <= 0 {
		t.Fatal("FSK airtime must be positive")
	}
}
