package ingest

import "github.com/Rusteze-AP/simulation-controller/model"

// Default moduli for the high-frequency categories.
const (
	TrafficModulus = 1000
	DroppedModulus = 10000
)

// Policy decides, per category, how many events it takes to produce one
// display event. A modulus of zero or one forwards every event. Suppressed
// categories are never forwarded.
type Policy struct {
	Moduli     map[model.Category]uint64
	Suppressed map[model.Category]bool
}

// DefaultPolicy samples fragments, acks and nacks one in a thousand and
// drops one in ten thousand. Nacks for in-transit drops are suppressed
// because the same loss arrives as a dropped event. Flood traffic and
// shortcuts are always forwarded.
func DefaultPolicy() Policy {
	return Policy{
		Moduli: map[model.Category]uint64{
			model.CategoryFragment: TrafficModulus,
			model.CategoryAck:      TrafficModulus,
			model.CategoryNack:     TrafficModulus,
			model.CategoryDropped:  DroppedModulus,
		},
		Suppressed: map[model.Category]bool{
			model.CategoryNackDropped: true,
			model.CategoryUnknown:     true,
		},
	}
}

// Downsampler keeps one counter per category. It is owned by a single
// ingestion goroutine and is not safe for concurrent use.
type Downsampler struct {
	policy   Policy
	counters map[model.Category]uint64
}

// NewDownsampler constructs a Downsampler for p.
func NewDownsampler(p Policy) *Downsampler {
	return &Downsampler{policy: p, counters: make(map[model.Category]uint64)}
}

// Allow counts one event of category c and reports whether it should be
// forwarded. A sampled category fires on every modulus-th event and its
// counter then restarts from zero.
func (d *Downsampler) Allow(c model.Category) bool {
	if d.policy.Suppressed[c] {
		return false
	}
	mod := d.policy.Moduli[c]
	if mod <= 1 {
		return true
	}
	d.counters[c]++
	if d.counters[c] < mod {
		return false
	}
	d.counters[c] = 0
	return true
}

// Count returns the current counter of c.
func (d *Downsampler) Count(c model.Category) uint64 {
	return d.counters[c]
}

// Reset zeroes every counter.
func (d *Downsampler) Reset() {
	d.counters = make(map[model.Category]uint64)
}
