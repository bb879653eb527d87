package beacon

import "testing"

func TestMakeProducesCorrectLength(t *testing.T) {
	pdu, err := Make(DefaultLayout, 128*1000, 3, 37.7749, -122.4194)
	if err != nil {
		t.Fatal(err)
	}
	if len(pdu) != DefaultLayout.BcnLen {
		t.Fatalf("len(pdu) = %d, want %d", len(pdu), DefaultLayout.BcnLen)
	}
}

func TestMakeEpochRoundTrips(t *testing.T) {
	const epoch = 128 * 12345
	pdu, err := Make(DefaultLayout, epoch, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := uint32(pdu[0]) | uint32(pdu[1])<<8 | uint32(pdu[2])<<16 | uint32(pdu[3])<<24
	if int64(got) != epoch {
		t.Fatalf("decoded epoch = %d, want %d", got, epoch)
	}
}

func TestCRCChangesWithPayload(t *testing.T) {
	a, _ := Make(DefaultLayout, 0, 0, 0, 0)
	b, _ := Make(DefaultLayout, 0, 0, 10, 10)
	crcA := a[DefaultLayout.InfodescOff-2 : DefaultLayout.InfodescOff]
	crcB := b[DefaultLayout.InfodescOff-2 : DefaultLayout.InfodescOff]
	if string(crcA) != string(crcB) {
		t.Fatal("first CRC only covers the epoch field and must not depend on position")
	}
	tail := func(p []byte) []byte { return p[DefaultLayout.BcnLen-2:] }
	if string(tail(a)) == string(tail(b)) {
		t.Fatal("second CRC must change when lat/lon changes")
	}
}

func TestBadLayoutRejected(t *testing.T) {
	if _, err := Make(Layout{TimeOff: 0, InfodescOff: 1, BcnLen: 5}, 0, 0, 0, 0); err != ErrBadLayout {
		t.Fatalf("expected ErrBadLayout, got %v", err)
	}
}

func TestSchedulerStickyNoTimeUntilFixAvailable(t *testing.T) {
	s := NewScheduler(DefaultLayout, []uint32{869_525_000})
	pdu, _, changed, err := s.Prepare(0, false, 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if pdu != nil {
		t.Fatal("expected no PDU without time")
	}
	if !changed {
		t.Fatal("first Prepare should report a status change into NoTime")
	}

	pdu, freq, changed, err := s.Prepare(128000, true, 1, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if pdu == nil || freq == 0 {
		t.Fatal("expected a PDU once time and position are available")
	}
	if !changed {
		t.Fatal("transition from NoTime to OK should report a status change")
	}
}

func TestSchedulerRotatesFrequencies(t *testing.T) {
	freqs := []uint32{100, 200, 300}
	s := NewScheduler(DefaultLayout, freqs)
	var seen []uint32
	for i := 0; i < 3; i++ {
		_, f, _, _ := s.Prepare(int64(i*128), true, 0, 0, true)
		seen = append(seen, f)
	}
	for i, f := range seen {
		if f != freqs[i] {
			t.Fatalf("frequency %d = %d, want %d", i, f, freqs[i])
		}
	}
}
