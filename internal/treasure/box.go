// Package treasure accrues reward coins per entity from zone occupancy.
//
// Accrual is deliberately independent of governance status: effort earns coins
// whether or not the content happens to be locked.
package treasure

import "time"

// RankSource resolves an entity's current zone rank. The vitals tracker
// satisfies this; entities with no confirmed (or stale) zone report false.
type RankSource interface {
	CurrentZoneRank(entityID string, now time.Time) (int, bool)
}

// Box holds per-entity running coin totals for the life of a session.
// Totals are monotonic non-decreasing. Not safe for concurrent use; the
// session loop owns it.
type Box struct {
	ranks         RankSource
	ratePerSecond float64
	totals        map[string]float64
}

// NewBox creates a box accruing ratePerSecond coins per zone rank per second.
func NewBox(ranks RankSource, ratePerSecond float64) *Box {
	return &Box{
		ranks:         ranks,
		ratePerSecond: ratePerSecond,
		totals:        make(map[string]float64),
	}
}

// Tick accrues coins for one entity over the elapsed interval ending at now.
// Entities with no current zone accrue nothing.
func (b *Box) Tick(entityID string, elapsed time.Duration, now time.Time) {
	if elapsed <= 0 {
		return
	}
	rank, ok := b.ranks.CurrentZoneRank(entityID, now)
	if !ok || rank <= 0 {
		return
	}
	b.totals[entityID] += float64(rank) * b.ratePerSecond * elapsed.Seconds()
}

// Total returns the running total for an entity. Unknown entities read zero.
func (b *Box) Total(entityID string) float64 {
	return b.totals[entityID]
}

// Totals returns a copy of all per-entity totals.
func (b *Box) Totals() map[string]float64 {
	out := make(map[string]float64, len(b.totals))
	for id, v := range b.totals {
		out[id] = v
	}
	return out
}
