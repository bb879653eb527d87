package txq

import (
	"bytes"
	"testing"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p := NewPool(4, 1024)
	if p.Cap() != 4 {
		t.Fatalf("Cap() = %d, want 4", p.Cap())
	}
	var handles []Handle
	for i := 0; i < 4; i++ {
		h, err := p.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	if _, err := p.Alloc(); err != ErrPoolFull {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
	for _, h := range handles {
		if err := p.Free(h); err != nil {
			t.Fatal(err)
		}
	}
	if p.Occupied() != 0 {
		t.Fatalf("Occupied() = %d, want 0", p.Occupied())
	}
	if _, err := p.Alloc(); err != nil {
		t.Fatal(err)
	}
}

func TestCompactionPreservesOtherPayloads(t *testing.T) {
	p := NewPool(4, 1024)
	h1, _ := p.Alloc()
	h2, _ := p.Alloc()
	h3, _ := p.Alloc()

	p.SetPayload(h1, []byte("aaaa"))
	p.SetPayload(h2, []byte("bb"))
	p.SetPayload(h3, []byte("cccccc"))

	// Free the middle job; h1 and h3's payloads must survive untouched.
	if err := p.Free(h2); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(p.Payload(h1), []byte("aaaa")) {
		t.Fatalf("h1 payload corrupted: %q", p.Payload(h1))
	}
	if !bytes.Equal(p.Payload(h3), []byte("cccccc")) {
		t.Fatalf("h3 payload corrupted: %q", p.Payload(h3))
	}
}

func TestAntennaOrderingAscendingTxTime(t *testing.T) {
	p := NewPool(8, 1024)
	times := []int64{500, 100, 300, 200, 400}
	for _, tt := range times {
		h, _ := p.Alloc()
		p.Get(h).TxTime = tt
		p.Insert(0, h)
	}
	var seen []int64
	p.Walk(0, func(h Handle, j *TxJob) bool {
		seen = append(seen, j.TxTime)
		return true
	})
	for i := 1; i < len(seen); i++ {
		if seen[i-1] > seen[i] {
			t.Fatalf("list not ordered: %v", seen)
		}
	}
	if len(seen) != len(times) {
		t.Fatalf("expected %d entries, got %d", len(times), len(seen))
	}
}

func TestInsertReportsNewHead(t *testing.T) {
	p := NewPool(4, 64)
	h1, _ := p.Alloc()
	p.Get(h1).TxTime = 100
	becameHead, _ := p.Insert(0, h1)
	if !becameHead {
		t.Fatal("first insert should become head")
	}

	h2, _ := p.Alloc()
	p.Get(h2).TxTime = 50
	becameHead, _ = p.Insert(0, h2)
	if !becameHead {
		t.Fatal("earlier txtime should become new head")
	}

	h3, _ := p.Alloc()
	p.Get(h3).TxTime = 200
	becameHead, _ = p.Insert(0, h3)
	if becameHead {
		t.Fatal("later txtime should not become head")
	}
}

func TestRemoveFromList(t *testing.T) {
	p := NewPool(4, 64)
	h1, _ := p.Alloc()
	h2, _ := p.Alloc()
	p.Get(h1).TxTime = 100
	p.Get(h2).TxTime = 200
	p.Insert(0, h1)
	p.Insert(0, h2)

	if err := p.Remove(0, h1); err != nil {
		t.Fatal(err)
	}
	if p.Head(0) != h2 {
		t.Fatalf("expected head %d, got %d", h2, p.Head(0))
	}
	if err := p.Remove(0, h1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPoolUnionInvariant(t *testing.T) {
	// The union of (free list, per-antenna lists) must equal the job pool:
	// every allocated handle is reachable from exactly one place.
	p := NewPool(6, 256)
	var allocated []Handle
	for i := 0; i < 3; i++ {
		h, _ := p.Alloc()
		p.Get(h).TxTime = int64(i)
		p.Insert(i%2, h)
		allocated = append(allocated, h)
	}

	reachable := map[Handle]bool{}
	for ant := 0; ant < MaxAntennas; ant++ {
		p.Walk(ant, func(h Handle, j *TxJob) bool {
			reachable[h] = true
			return true
		})
	}
	for _, h := range allocated {
		if !reachable[h] {
			t.Fatalf("handle %d not reachable from any antenna list", h)
		}
	}
	if p.Occupied() != len(allocated) {
		t.Fatalf("Occupied() = %d, want %d", p.Occupied(), len(allocated))
	}
}
