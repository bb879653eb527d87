// Package filter implements the two uplink admission filters the core
// applies before forwarding a frame: a JoinEUI range list for join
// requests, and a 128-bit NetID bitmap for data frames.
package filter

import "github.com/cockroachdb/errors"

// MaxJoinEUIRanges bounds the number of disjoint inclusive JoinEUI ranges
// a router_config may install.
const MaxJoinEUIRanges = 16

// EUIRange is one inclusive, disjoint JoinEUI range.
type EUIRange struct {
	Lo, Hi uint64
}

// JoinFilter decides whether a join-request's JoinEUI is covered by any
// configured range. An empty filter (no ranges configured) admits nothing,
// matching the fail-closed default of an unconfigured router.
type JoinFilter struct {
	ranges []EUIRange
}

// NewJoinFilter builds a filter from up to MaxJoinEUIRanges ranges.
func NewJoinFilter(ranges []EUIRange) (*JoinFilter, error) {
	if len(ranges) > MaxJoinEUIRanges {
		return nil, errors.Newf("filter: %d join-eui ranges exceeds max %d", len(ranges), MaxJoinEUIRanges)
	}
	cp := make([]EUIRange, len(ranges))
	copy(cp, ranges)
	return &JoinFilter{ranges: cp}, nil
}

// Allowed reports whether eui falls within any configured range.
func (f *JoinFilter) Allowed(eui uint64) bool {
	for _, r := range f.ranges {
		if eui >= r.Lo && eui <= r.Hi {
			return true
		}
	}
	return false
}

// NetIDBitmap is a 128-bit bitmap over NetID values (the top 7 bits of a
// DevAddr), indexed 0..127.
type NetIDBitmap struct {
	bits [2]uint64
}

// NewNetIDBitmap builds a bitmap with the given NetIDs set.
func NewNetIDBitmap(netIDs ...uint8) *NetIDBitmap {
	b := &NetIDBitmap{}
	for _, id := range netIDs {
		b.Set(id)
	}
	return b
}

// Set marks netID (0..127) as allowed.
func (b *NetIDBitmap) Set(netID uint8) {
	netID &= 0x7F
	word := netID / 64
	bit := netID % 64
	b.bits[word] |= 1 << bit
}

// Allowed reports whether netID (0..127) is set in the bitmap.
func (b *NetIDBitmap) Allowed(netID uint8) bool {
	netID &= 0x7F
	word := netID / 64
	bit := netID % 64
	return b.bits[word]&(1<<bit) != 0
}

// NetIDOfDevAddr extracts the 7-bit NetID from a DevAddr (its top bits).
func NetIDOfDevAddr(devAddr uint32) uint8 {
	return uint8(devAddr >> 25)
}
