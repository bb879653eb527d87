// Package chans implements the channel definition list produced by
// region configuration and consumed by the per-concentrator channel
// allocator, plus the per-region data-rate table.
package chans

import (
	"github.com/cockroachdb/errors"

	"github.com/agsys/lorastation/internal/rps"
)

// MaxChips is the largest number of concentrator chips (antennas) a
// station can drive.
const MaxChips = 4

// MaxUpChannels bounds the channel definition list: up to 10 channels per
// concentrator chip.
const MaxUpChannels = MaxChips * 10

// Chdef is one (frequency, rps) pair in the channel definition list.
// A zero Freq marks an empty slot.
type Chdef struct {
	Freq uint32
	Rps  rps.Rps
}

// Chdefl is the ordered, sparse channel definition list: the output of
// region configuration, consumed by the allocator.
type Chdefl struct {
	chs [MaxUpChannels]Chdef
	n   int
}

// NewChdefl creates an empty channel definition list.
func NewChdefl() *Chdefl { return &Chdefl{} }

// Add appends a channel, returning an error if the list is full.
func (c *Chdefl) Add(freq uint32, r rps.Rps) error {
	if c.n >= MaxUpChannels {
		return errors.Newf("chans: channel list full (max %d)", MaxUpChannels)
	}
	c.chs[c.n] = Chdef{Freq: freq, Rps: r}
	c.n++
	return nil
}

// Len returns the number of occupied slots.
func (c *Chdefl) Len() int { return c.n }

// At returns the channel at index i. Ok is false if i is out of range or
// the slot is empty (Freq == 0).
func (c *Chdefl) At(i int) (Chdef, bool) {
	if i < 0 || i >= c.n {
		return Chdef{}, false
	}
	ch := c.chs[i]
	return ch, ch.Freq != 0
}

// All returns the occupied channels in order.
func (c *Chdefl) All() []Chdef {
	out := make([]Chdef, 0, c.n)
	for i := 0; i < c.n; i++ {
		if c.chs[i].Freq != 0 {
			out = append(out, c.chs[i])
		}
	}
	return out
}

// DataRate is one row of a region's DR table: the modulation/coding that
// a numeric DR index maps to.
type DataRate struct {
	Rps rps.Rps
}

// DRTable maps a small integer DR index (as carried in dnmsg/upinfo JSON)
// to its Rps. Regions populate this from their band plan.
type DRTable struct {
	rows []DataRate
}

// NewDRTable builds a DR table from an ordered list of rows; rows[i] is DR i.
func NewDRTable(rows []DataRate) *DRTable {
	cp := make([]DataRate, len(rows))
	copy(cp, rows)
	return &DRTable{rows: cp}
}

// Rps returns the Rps for a DR index.
func (t *DRTable) Rps(dr int) (rps.Rps, error) {
	if dr < 0 || dr >= len(t.rows) {
		return rps.Illegal, errors.Newf("chans: dr %d out of range [0,%d)", dr, len(t.rows))
	}
	return t.rows[dr].Rps, nil
}

// IndexOf returns the DR index whose Rps matches r (ignoring flags), or
// -1 if none matches.
func (t *DRTable) IndexOf(r rps.Rps) int {
	base := r.Base()
	for i, row := range t.rows {
		if row.Rps.Base() == base {
			return i
		}
	}
	return -1
}

// Len returns the number of DR rows.
func (t *DRTable) Len() int { return len(t.rows) }
