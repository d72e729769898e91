package mux

import "sync/atomic"

// DefaultRegionSize is the per-region ring capacity (spec §4.9 gives no
// default for this, unlike shmem_threshold; sized generously above the
// default threshold so a single bulk transfer ordinarily fits without
// the producer blocking on its own write).
const DefaultRegionSize = 4 * 1024 * 1024

// DefaultRegionCount is how many independent regions a pool carries, so
// concurrent bulk transfers on different connections don't serialize
// against each other through a single ring.
const DefaultRegionCount = 4

// RegionPool is the set of named bounded regions a connection pair's two
// Mux endpoints share. Because this substrate is an in-process runtime,
// "named" here means "looked up by the same *RegionPool pointer and
// numeric id on both ends" rather than a kernel SHM name — pkg/kernel
// constructs one RegionPool for the whole node and shares it among every
// bridge session's Mux.
type RegionPool struct {
	regions []*Region
	next    atomic.Uint32
}

// NewRegionPool builds a pool of count regions, each regionSize bytes.
func NewRegionPool(count, regionSize int) *RegionPool {
	if count <= 0 {
		count = DefaultRegionCount
	}
	if regionSize <= 0 {
		regionSize = DefaultRegionSize
	}
	p := &RegionPool{regions: make([]*Region, count)}
	for i := range p.regions {
		p.regions[i] = newRegion(regionSize)
	}
	return p
}

// Acquire returns the next region to use for a new bulk transfer,
// round-robin, and the id the receiving side will look it up by.
func (p *RegionPool) Acquire() (uint32, *Region) {
	id := p.next.Add(1) % uint32(len(p.regions))
	return id, p.regions[id]
}

// Region looks up a region by id, as the receiving side does against a
// descriptor that crossed the wire.
func (p *RegionPool) Region(id uint32) (*Region, bool) {
	if int(id) >= len(p.regions) {
		return nil, false
	}
	return p.regions[id], true
}

// Close closes every region in the pool, waking any blocked Write/Read.
func (p *RegionPool) Close() {
	for _, r := range p.regions {
		r.Close()
	}
}
