package perp

import "math/big"

// Observation is one (timestamp, cumulative value) sample. CumulativeX96 is
// the time integral of the observed value: each write adds
// value * secondsElapsed to the previous cumulative.
type Observation struct {
	Timestamp     int64
	CumulativeX96 *big.Int
	Initialized   bool
}

// Observations is a growable ring buffer of observations, used for the mark
// price TWAP and reusable for any index-style accumulator. The buffer always
// holds at least one initialized observation; callers must construct it with
// NewObservations before reading.
type Observations struct {
	slots          []Observation
	index          int
	cardinality    int
	cardinalityCap int
}

// NewObservations creates a buffer with a single observation written at now.
func NewObservations(now int64) *Observations {
	o := &Observations{
		slots:          make([]Observation, 1),
		index:          0,
		cardinality:    1,
		cardinalityCap: 1,
	}
	o.slots[0] = Observation{Timestamp: now, CumulativeX96: new(big.Int), Initialized: true}
	return o
}

// Cardinality returns the number of populated slots.
func (o *Observations) Cardinality() int { return o.cardinality }

// CardinalityCap returns the maximum number of slots the buffer may grow to.
func (o *Observations) CardinalityCap() int { return o.cardinalityCap }

// IncreaseCardinalityCap raises the buffer's capacity. A newCap at or below
// the current cap (including 0) is a true no-op. New slots are pre-touched
// with a sentinel timestamp so later first writes into them cost the same as
// overwrites.
func (o *Observations) IncreaseCardinalityCap(newCap int) {
	if newCap <= o.cardinalityCap {
		return
	}
	for i := o.cardinalityCap; i < newCap; i++ {
		o.slots = append(o.slots, Observation{Timestamp: 1})
	}
	o.cardinalityCap = newCap
}

// Write appends an observation at now. valueX96 is the value that has been
// in effect since the previous observation. Writing twice at the same
// timestamp is a no-op.
func (o *Observations) Write(now int64, valueX96 *big.Int) {
	last := &o.slots[o.index]
	if now == last.Timestamp {
		return
	}

	cum := new(big.Int).Mul(valueX96, big.NewInt(now-last.Timestamp))
	cum.Add(cum, last.CumulativeX96)

	next := o.index + 1
	if next >= o.cardinality {
		if o.cardinality < o.cardinalityCap {
			o.cardinality++
		} else {
			next = 0
		}
	}
	o.slots[next] = Observation{Timestamp: now, CumulativeX96: cum, Initialized: true}
	o.index = next
}

// oldest returns the logically oldest initialized observation. While the
// buffer is still growing, index == cardinality-1 and the expression lands
// on slot 0; once wrapped it lands on the slot about to be overwritten.
// Both hold regardless of any cardinality cap raised in between.
func (o *Observations) oldest() *Observation {
	return &o.slots[(o.index+1)%o.cardinality]
}

// newest returns the most recent observation.
func (o *Observations) newest() *Observation {
	return &o.slots[o.index]
}

// Observe returns the cumulative value at each now-secondsAgo[i] offset.
// latestValueX96 extrapolates past the newest observation; targets before
// the oldest observation clamp to it.
func (o *Observations) Observe(now int64, secondsAgo []int64, latestValueX96 *big.Int) []*big.Int {
	out := make([]*big.Int, len(secondsAgo))
	for i, ago := range secondsAgo {
		out[i] = o.cumulativeAt(now-ago, latestValueX96)
	}
	return out
}

// TimeWeightedAvg returns the average observed value over the trailing
// window, clamped so the window never reaches past the oldest observation.
// A clamped window of zero returns latestValueX96 unchanged.
func (o *Observations) TimeWeightedAvg(now, window int64, latestValueX96 *big.Int) *big.Int {
	oldest := o.oldest()
	if maxWindow := now - oldest.Timestamp; window > maxWindow {
		window = maxWindow
	}
	if window <= 0 {
		return clone(latestValueX96)
	}

	cumNow := o.cumulativeAt(now, latestValueX96)
	cumThen := o.cumulativeAt(now-window, latestValueX96)

	avg := cumNow.Sub(cumNow, cumThen)
	return avg.Quo(avg, big.NewInt(window))
}

// cumulativeAt reconstructs the cumulative value at target by extrapolating
// beyond the newest observation and interpolating between the bracketing
// pair otherwise.
func (o *Observations) cumulativeAt(target int64, latestValueX96 *big.Int) *big.Int {
	newest := o.newest()
	if target >= newest.Timestamp {
		ext := new(big.Int).Mul(latestValueX96, big.NewInt(target-newest.Timestamp))
		return ext.Add(ext, newest.CumulativeX96)
	}

	oldest := o.oldest()
	if target <= oldest.Timestamp {
		return clone(oldest.CumulativeX96)
	}

	before, after := o.bracket(target)
	span := after.Timestamp - before.Timestamp
	interp := new(big.Int).Sub(after.CumulativeX96, before.CumulativeX96)
	interp.Mul(interp, big.NewInt(target-before.Timestamp))
	interp.Quo(interp, big.NewInt(span))
	return interp.Add(interp, before.CumulativeX96)
}

// bracket binary-searches the two observations surrounding target. The
// caller guarantees oldest < target < newest.
func (o *Observations) bracket(target int64) (before, after *Observation) {
	// Logical position i maps to slot (index+1+i) % cardinality; while the
	// buffer is still growing this reduces to slot i.
	at := func(i int) *Observation {
		return &o.slots[(o.index+1+i)%o.cardinality]
	}

	lo, hi := 0, o.cardinality-1
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if at(mid).Timestamp <= target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return at(lo), at(hi)
}
