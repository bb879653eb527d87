// Package txq implements the TX job pool: a fixed-capacity arena of TxJob
// records addressed by small integer handles, a shared byte arena for
// payload data, and per-antenna ordered singly-linked lists. This mirrors
// the original C implementation's index-based pools (txidx_t/txoff_t)
// instead of pointers, giving borrow-free linked-list semantics and cheap
// compaction in a single-threaded scheduler.
package txq

import (
	"github.com/cockroachdb/errors"
)

// Handle addresses a job within a Pool.
type Handle int32

// Nil means "not linked to anything"; End terminates a list.
const (
	Nil Handle = -1
	End Handle = -2
)

// TxFlag bits record scheduler progress for a job.
type TxFlag uint16

const (
	FlagTXing     TxFlag = 1 << iota // radio has been asked to emit
	FlagTXChecked                    // radio status checked once after TX start
	FlagCLSA                         // class A
	FlagPING                         // class B ping slot
	FlagCLSC                         // class C
	FlagBCN                          // beacon
)

// TxJob is one pending or in-flight downlink.
type TxJob struct {
	// Identity
	DevEUI uint64
	Diid   int64

	// Timing
	TxTime  int64  // host microseconds, monotonic
	XTime   uint64 // concentrator tick encoding
	GPSTime int64  // optional, 0 if unset
	RxDelay uint8
	Airtime int64 // microseconds

	// Channel
	Freq    uint32
	DR      int
	RX2Freq uint32
	RX2DR   int
	DnChnl  int // local channel index, for DC accounting
	DnChnl2 int

	// Radio
	TxPow  int16 // centi-dBm
	AddCRC bool  // physical-layer CRC on the emission (off by default)
	Len    int
	Off    int // offset into the shared data arena
	Rctx   int8

	// Scheduler state
	TxUnit  int // assigned antenna
	AltAnts uint8 // bitmask of other eligible antennas
	Retries int
	Prio    int16
	Flags   TxFlag

	next Handle // pool index or End; free-list link when unallocated
}

// Pool is a fixed-capacity TxJob arena plus a shared payload byte arena.
type Pool struct {
	jobs     []TxJob
	occupied []bool
	freeHead Handle

	data    []byte
	dataLen int

	antHeads [MaxAntennas]Handle
}

// MaxAntennas is the largest antenna/txunit count a pool supports.
const MaxAntennas = 4

// NewPool creates a pool with the given job capacity and payload arena size.
func NewPool(capacity, arenaSize int) *Pool {
	p := &Pool{
		jobs:     make([]TxJob, capacity),
		occupied: make([]bool, capacity),
		data:     make([]byte, arenaSize),
	}
	for i := range p.antHeads {
		p.antHeads[i] = End
	}
	p.rebuildFreeList()
	return p
}

func (p *Pool) rebuildFreeList() {
	for i := range p.jobs {
		if i == len(p.jobs)-1 {
			p.jobs[i].next = End
		} else {
			p.jobs[i].next = Handle(i + 1)
		}
	}
	if len(p.jobs) > 0 {
		p.freeHead = 0
	} else {
		p.freeHead = End
	}
}

// Cap returns the pool's job capacity.
func (p *Pool) Cap() int { return len(p.jobs) }

// Alloc reserves a job slot, returning ErrPoolFull if none remain.
func (p *Pool) Alloc() (Handle, error) {
	if p.freeHead == End {
		return Nil, ErrPoolFull
	}
	h := p.freeHead
	p.freeHead = p.jobs[h].next
	p.jobs[h] = TxJob{next: Nil}
	p.occupied[h] = true
	return h, nil
}

// ErrPoolFull is returned by Alloc when the pool has no free slots.
var ErrPoolFull = errors.New("txq: pool full")

// Get returns a pointer to the job for h. The pointer is only valid until
// the next Free/compaction.
func (p *Pool) Get(h Handle) *TxJob {
	if h < 0 || int(h) >= len(p.jobs) || !p.occupied[h] {
		return nil
	}
	return &p.jobs[h]
}

// SetPayload copies data into the shared arena and records Off/Len on the
// job. It must be called before the job is linked into an antenna list.
func (p *Pool) SetPayload(h Handle, data []byte) error {
	j := p.Get(h)
	if j == nil {
		return errors.Newf("txq: invalid handle %d", h)
	}
	if p.dataLen+len(data) > len(p.data) {
		return ErrArenaFull
	}
	j.Off = p.dataLen
	j.Len = len(data)
	copy(p.data[j.Off:j.Off+j.Len], data)
	p.dataLen += len(data)
	return nil
}

// ErrArenaFull is returned by SetPayload when the shared data arena has
// no room left for the new payload (compact via Free first).
var ErrArenaFull = errors.New("txq: data arena full")

// Payload returns the byte slice for a job's payload.
func (p *Pool) Payload(h Handle) []byte {
	j := p.Get(h)
	if j == nil || j.Len == 0 {
		return nil
	}
	return p.data[j.Off : j.Off+j.Len]
}

// Free releases a job back to the pool. The caller must have already
// unlinked it from any antenna list. Freeing compacts the shared arena,
// preserving the payload bytes and offsets of every other occupied job.
func (p *Pool) Free(h Handle) error {
	j := p.Get(h)
	if j == nil {
		return errors.Newf("txq: invalid handle %d", h)
	}
	if j.Len > 0 {
		p.compact(j.Off, j.Len)
	}
	p.occupied[h] = false
	p.jobs[h] = TxJob{}
	p.jobs[h].next = p.freeHead
	p.freeHead = h
	return nil
}

// compact removes the [off, off+n) region from the arena and shifts
// everything after it down by n bytes, updating every other occupied
// job's Off accordingly.
func (p *Pool) compact(off, n int) {
	copy(p.data[off:p.dataLen-n], p.data[off+n:p.dataLen])
	p.dataLen -= n
	for i := range p.jobs {
		if !p.occupied[i] {
			continue
		}
		if p.jobs[i].Len > 0 && p.jobs[i].Off > off {
			p.jobs[i].Off -= n
		}
	}
}

// --- Per-antenna ordered lists -------------------------------------------

// Head returns the head job handle of an antenna's list, or End if empty.
func (p *Pool) Head(antenna int) Handle { return p.antHeads[antenna] }

// Insert inserts h into antenna's list, ordered ascending by TxTime.
// Returns true if h became the new head (caller should re-arm the
// antenna's scheduling timer).
func (p *Pool) Insert(antenna int, h Handle) (becameHead bool, err error) {
	j := p.Get(h)
	if j == nil {
		return false, errors.Newf("txq: invalid handle %d", h)
	}
	head := p.antHeads[antenna]
	if head == End || p.jobs[head].TxTime >= j.TxTime {
		j.next = head
		p.antHeads[antenna] = h
		return true, nil
	}
	cur := head
	for p.jobs[cur].next != End && p.jobs[p.jobs[cur].next].TxTime < j.TxTime {
		cur = p.jobs[cur].next
	}
	j.next = p.jobs[cur].next
	p.jobs[cur].next = h
	return false, nil
}

// Remove unlinks h from antenna's list without freeing it. Returns
// ErrNotFound if h is not on that list.
func (p *Pool) Remove(antenna int, h Handle) error {
	head := p.antHeads[antenna]
	if head == h {
		p.antHeads[antenna] = p.jobs[h].next
		p.jobs[h].next = Nil
		return nil
	}
	cur := head
	for cur != End {
		next := p.jobs[cur].next
		if next == h {
			p.jobs[cur].next = p.jobs[h].next
			p.jobs[h].next = Nil
			return nil
		}
		cur = next
	}
	return ErrNotFound
}

// ErrNotFound is returned by Remove when the handle is not on the given list.
var ErrNotFound = errors.New("txq: handle not on list")

// Next returns the next handle in whatever list h currently sits on.
func (p *Pool) Next(h Handle) Handle { return p.jobs[h].next }

// Walk calls fn for every job on antenna's list, head to tail, in order.
func (p *Pool) Walk(antenna int, fn func(Handle, *TxJob) bool) {
	cur := p.antHeads[antenna]
	for cur != End {
		j := &p.jobs[cur]
		next := j.next
		if !fn(cur, j) {
			return
		}
		cur = next
	}
}

// Occupied reports the total number of allocated (non-free) slots.
func (p *Pool) Occupied() int {
	n := 0
	for _, o := range p.occupied {
		if o {
			n++
		}
	}
	return n
}
