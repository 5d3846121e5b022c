// Package reputation implements the per-entity reputation counters and
// dispute cost multiplier driven by settlement outcomes. Counters
// only increase; the reputation score is always recomputed deterministically
// from them, never stored independently.
package reputation

import "time"

// EntityType distinguishes the two roles a reputation record can track.
type EntityType string

const (
	EntityAgent EntityType = "agent"
	EntityProvider EntityType = "provider"
)

// Counters are the monotonic inputs a reputation score is a pure function
// of. QualitySum and QualitySampleCount are tracked as running totals
// rather than a rolling average so the mean stays exact integer arithmetic
// regardless of update order.
type Counters struct {
	TotalTransactions uint64
	DisputesFiled uint64
	DisputesWon uint64
	DisputesPartial uint64
	DisputesLost uint64
	QualitySum uint64
	QualitySampleCount uint64
}

// AverageQuality returns the running mean quality score in [0,100], floored
// to the nearest integer. Zero with no samples.
func (c Counters) AverageQuality() uint8 {
	if c.QualitySampleCount == 0 {
		return 0
	}
	return uint8(c.QualitySum / c.QualitySampleCount)
}

// Record is the persisted reputation account for one entity.
type Record struct {
	Entity string
	EntityType EntityType
	Counters Counters
	CreatedAt time.Time
	LastUpdated time.Time
}

// Score recomputes the reputation score in [0,1000] from counters, per the
// canonical formulation:
//
//	clamp(500 + 2*won + partial - 3*lost + (avg_quality - 50), 0, 1000)
//
// This is ScoreFormulaV1: the source leaves the formula as an open question
// bound only by "deterministic pure function of the counters"; this is the
// one implementation fixes and versions.
func Score(c Counters) int {
	raw := 500 + 2*int(c.DisputesWon) + int(c.DisputesPartial) - 3*int(c.DisputesLost)
	raw += int(c.AverageQuality()) - 50
	return clamp(raw, 0, 1000)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RecordDispute categorizes a resolved dispute into the agent's counters by
// refund percentage:
//
//	== 0 -> DisputesLost
//	== 100 -> DisputesWon
//	else -> DisputesPartial
func (c *Counters) RecordDispute(refundPercentage uint8) {
	c.DisputesFiled++
	switch refundPercentage {
	case 0:
		c.DisputesLost++
	case 100:
		c.DisputesWon++
	default:
		c.DisputesPartial++
	}
}

// RecordQuality folds a quality score into the running sum; AverageQuality
// derives the mean from QualitySum and QualitySampleCount on read.
func (c *Counters) RecordQuality(qualityScore uint8) {
	c.QualitySum += uint64(qualityScore)
	c.QualitySampleCount++
}

// disputeRateBands maps a dispute rate upper bound to its cost multiplier,
// <=20% -> 1x, <=40% -> 2x, <=60% -> 5x, >60% -> 10x.
var disputeRateBands = []struct {
	upTo float64
	multiplier uint64
}{
	{0.20, 1},
	{0.40, 2},
	{0.60, 5},
}

// DisputeCostMultiplier scales a base dispute cost by the agent's dispute
// rate (disputes filed / total transactions). Queried out-of-band by
// clients; never deducted by the core itself.
func DisputeCostMultiplier(c Counters) uint64 {
	if c.TotalTransactions == 0 {
		return 1
	}
	rate := float64(c.DisputesFiled) / float64(c.TotalTransactions)
	for _, band := range disputeRateBands {
		if rate <= band.upTo {
			return band.multiplier
		}
	}
	return 10
}
