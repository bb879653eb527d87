package filter

import "testing"

func TestJoinFilterRanges(t *testing.T) {
	f, err := NewJoinFilter([]EUIRange{
		{Lo: 0x0000000000000000, Hi: 0x00000000000000FF},
		{Lo: 0xFFFFFFFFFFFFFF00, Hi: 0xFFFFFFFFFFFFFFFF},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !f.Allowed(0x50) {
		t.Fatal("0x50 should be allowed (first range)")
	}
	if !f.Allowed(0xFFFFFFFFFFFFFF10) {
		t.Fatal("should be allowed (second range)")
	}
	if f.Allowed(0x1000) {
		t.Fatal("0x1000 should not be allowed")
	}
}

func TestJoinFilterTooManyRanges(t *testing.T) {
	ranges := make([]EUIRange, MaxJoinEUIRanges+1)
	if _, err := NewJoinFilter(ranges); err == nil {
		t.Fatal("expected error for too many ranges")
	}
}

func TestEmptyJoinFilterDeniesAll(t *testing.T) {
	f, _ := NewJoinFilter(nil)
	if f.Allowed(0) {
		t.Fatal("an unconfigured filter must deny everything")
	}
}

func TestNetIDBitmap(t *testing.T) {
	b := NewNetIDBitmap(0, 1, 127)
	if !b.Allowed(0) || !b.Allowed(1) || !b.Allowed(127) {
		t.Fatal("expected configured NetIDs to be allowed")
	}
	if b.Allowed(2) {
		t.Fatal("NetID 2 was not configured")
	}
}

func TestNetIDOfDevAddr(t *testing.T) {
	// top 7 bits of 0xFE000000 = 0b1111111_0000000000000000000000000 -> 0x7F
	if got := NetIDOfDevAddr(0xFE000000); got != 0x7F {
		t.Fatalf("NetIDOfDevAddr = %#x, want 0x7f", got)
	}
	if got := NetIDOfDevAddr(0x00000000); got != 0 {
		t.Fatalf("NetIDOfDevAddr = %#x, want 0", got)
	}
}
