package chans

import (
	"testing"

	"github.com/agsys/lorastation/internal/rps"
)

func TestChdeflAddAndIterate(t *testing.T) {
	c := NewChdefl()
	if err := c.Add(868100000, rps.Make(7, rps.BW125)); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(868300000, rps.Make(9, rps.BW125)); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	all := c.All()
	if len(all) != 2 || all[0].Freq != 868100000 {
		t.Fatalf("unexpected All(): %+v", all)
	}
}

func TestChdeflFull(t *testing.T) {
	c := NewChdefl()
	for i := 0; i < MaxUpChannels; i++ {
		if err := c.Add(868000000+uint32(i), rps.Make(7, rps.BW125)); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
	if err := c.Add(1, rps.Make(7, rps.BW125)); err == nil {
		t.Fatal("expected error on overflow")
	}
}

func TestDRTableLookup(t *testing.T) {
	tbl := NewDRTable([]DataRate{
		{Rps: rps.Make(12, rps.BW125)},
		{Rps: rps.Make(11, rps.BW125)},
		{Rps: rps.Make(10, rps.BW125)},
	})
	r, err := tbl.Rps(2)
	if err != nil {
		t.Fatal(err)
	}
	if r.SF() != 10 {
		t.Fatalf("SF = %d, want 10", r.SF())
	}
	if _, err := tbl.Rps(99); err == nil {
		t.Fatal("expected out-of-range error")
	}
	if idx := tbl.IndexOf(rps.Make(11, rps.BW125)); idx != 1 {
		t.Fatalf("IndexOf = %d, want 1", idx)
	}
}

func TestAllocatorCoversAllChannels(t *testing.T) {
	cdl := NewChdefl()
	for i := 0; i < 16; i++ {
		cdl.Add(902000000+uint32(i*200000), rps.Make(7, rps.BW125))
	}
	var events []AllocEvent
	Allocate(cdl, 2, func(e AllocEvent) { events = append(events, e) })

	var assigned, done int
	for _, e := range events {
		if e.Done {
			done++
		} else {
			assigned++
		}
	}
	if done != 2 {
		t.Fatalf("expected 2 CHIP_DONE events, got %d", done)
	}
	if assigned != 16 {
		t.Fatalf("expected all 16 channels assigned, got %d", assigned)
	}
}
