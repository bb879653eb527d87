package region

import "testing"

func TestEU868AltPowerInG1Band(t *testing.T) {
	p := ForTag(EU868)
	if got := p.PowerDBm(869_500_000); got != 27 {
		t.Fatalf("PowerDBm in g1 = %d, want 27", got)
	}
	if got := p.PowerDBm(868_100_000); got != 16 {
		t.Fatalf("PowerDBm in g = %d, want 16", got)
	}
}

func TestUnknownTagIsConservative(t *testing.T) {
	p := ForTag(Tag(999))
	if p.DefaultPowerDBm != 14 || p.DCMode != DCNone {
		t.Fatalf("unexpected unknown-tag policy: %+v", p)
	}
}

func TestEU868SubBandDutyCycle(t *testing.T) {
	p := ForTag(EU868)
	dc := NewDutyCycle(p)

	if !dc.CanTx(0, 868_100_000, 0, 100_000) {
		t.Fatal("first transmission should always be allowed")
	}
	dc.Book(0, 868_100_000, 0, 100_000)

	// g-band rate divisor is 100: a 100ms airtime books a 10s window.
	if dc.CanTx(1, 868_100_000, 0, 100_000) {
		t.Fatal("g-band channel should be within its duty-cycle window")
	}
	// g1-band is an independent bucket and should be unaffected.
	if !dc.CanTx(1, 869_500_000, 0, 100_000) {
		t.Fatal("g1-band window should be independent of g-band booking")
	}
}

func TestPercentDCOverflowBucket(t *testing.T) {
	p := ForTag(KR920)
	dc := NewDutyCycle(p)
	dc.Book(0, 920_000_000, MaxDnChnls+5, 50_000)
	if dc.CanTx(1, 920_000_000, MaxDnChnls+9, 50_000) {
		t.Fatal("channel indices beyond the table should share the overflow bucket")
	}
}

func TestUS915NoDutyCycle(t *testing.T) {
	p := ForTag(US915)
	dc := NewDutyCycle(p)
	dc.Book(0, 902_000_000, 0, 10_000_000)
	if !dc.CanTx(1, 902_000_000, 0, 10_000_000) {
		t.Fatal("US915 has no duty-cycle restriction")
	}
}
