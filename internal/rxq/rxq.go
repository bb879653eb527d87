// Package rxq implements the RX job FIFO: a contiguous byte arena for
// received frame payloads plus a parallel job array, and mirror-frame
// suppression for images of the same uplink picked up on neighbouring
// channels.
package rxq

import "github.com/cockroachdb/errors"

// RxJob is one received LoRa frame, pending emission to the LNS.
type RxJob struct {
	XTime   uint64
	Freq    uint32
	DR      int
	RSSI    int16
	SNR     float32
	Fts     int32 // fine timestamp, -1 if unavailable
	Off     int
	Len     int
	Rctx    int8
}

// Quality is the ordering key used by mirror suppression: larger wins.
func (j RxJob) Quality() float32 { return 8*j.SNR - float32(j.RSSI) }

// Queue is a fixed-capacity sliding FIFO of RxJob over a contiguous byte
// arena. Compaction only shifts the arena when the tail reaches the end,
// matching the single-threaded, allocate-at-the-end discipline of the
// original implementation.
type Queue struct {
	jobs []RxJob
	head int
	n    int

	data    []byte
	dataLen int
}

// NewQueue creates a queue with the given job capacity and byte arena size.
func NewQueue(capacity, arenaSize int) *Queue {
	return &Queue{
		jobs: make([]RxJob, capacity),
		data: make([]byte, arenaSize),
	}
}

// ErrFull is returned by Push when the queue has no room for the frame.
var ErrFull = errors.New("rxq: queue full")

// Push appends a received frame, copying payload into the arena. If the
// arena is full but the queue is not at job capacity, the tail is first
// compacted to the front (valid because jobs are drained in FIFO order).
func (q *Queue) Push(j RxJob, payload []byte) (int, error) {
	if q.n >= len(q.jobs) {
		return -1, ErrFull
	}
	if q.dataLen+len(payload) > len(q.data) {
		q.compactToFront()
		if q.dataLen+len(payload) > len(q.data) {
			return -1, ErrFull
		}
	}
	j.Off = q.dataLen
	j.Len = len(payload)
	copy(q.data[j.Off:j.Off+j.Len], payload)
	q.dataLen += len(payload)

	idx := (q.head + q.n) % len(q.jobs)
	q.jobs[idx] = j
	q.n++
	return idx, nil
}

// compactToFront shifts all live payload bytes down to offset 0. Only
// valid because all live jobs' Off values are monotonically increasing
// in FIFO order (oldest first), so rewriting offsets in place is safe.
func (q *Queue) compactToFront() {
	if q.n == 0 {
		q.dataLen = 0
		return
	}
	firstOff := q.jobs[q.head].Off
	if firstOff == 0 {
		return
	}
	newLen := q.dataLen - firstOff
	copy(q.data[0:newLen], q.data[firstOff:q.dataLen])
	for i := 0; i < q.n; i++ {
		idx := (q.head + i) % len(q.jobs)
		q.jobs[idx].Off -= firstOff
	}
	q.dataLen = newLen
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int { return q.n }

// At returns the i-th job (0 = oldest) and its payload.
func (q *Queue) At(i int) (RxJob, []byte) {
	idx := (q.head + i) % len(q.jobs)
	j := q.jobs[idx]
	return j, q.data[j.Off : j.Off+j.Len]
}

// Drop removes the i-th job in place, shifting later entries down by one
// slot so indices stay contiguous. Used by mirror suppression to discard
// the losing duplicate before anything is emitted.
func (q *Queue) Drop(i int) {
	for k := i; k < q.n-1; k++ {
		from := (q.head + k + 1) % len(q.jobs)
		to := (q.head + k) % len(q.jobs)
		q.jobs[to] = q.jobs[from]
	}
	q.n--
}

// PopFront removes and returns the oldest job.
func (q *Queue) PopFront() (RxJob, []byte, bool) {
	if q.n == 0 {
		return RxJob{}, nil, false
	}
	j := q.jobs[q.head]
	payload := append([]byte(nil), q.data[j.Off:j.Off+j.Len]...)
	q.head = (q.head + 1) % len(q.jobs)
	q.n--
	if q.n == 0 {
		q.dataLen = 0
		q.head = 0
	}
	return j, payload, true
}

// SuppressMirrors scans the queue for frames with identical (DR, payload)
// and keeps only the one with the larger Quality(), dropping the rest.
// It runs in place before any job in the current flush window is emitted.
func (q *Queue) SuppressMirrors() {
	i := 0
	for i < q.n {
		dupIdx := -1
		ji, pi := q.At(i)
		for k := i + 1; k < q.n; k++ {
			jk, pk := q.At(k)
			if jk.DR == ji.DR && len(pi) == len(pk) && bytesEqual(pi, pk) {
				dupIdx = k
				break
			}
		}
		if dupIdx == -1 {
			i++
			continue
		}
		jk, _ := q.At(dupIdx)
		if jk.Quality() > ji.Quality() {
			q.Drop(i)
			// do not advance i: re-examine the slot that slid into place
		} else {
			q.Drop(dupIdx)
			i++
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
