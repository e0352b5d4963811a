package treasure

import (
	"math"
	"testing"
	"time"
)

// stubRanks implements RankSource with a fixed rank per entity.
type stubRanks struct {
	ranks map[string]int
}

func (s *stubRanks) CurrentZoneRank(entityID string, now time.Time) (int, bool) {
	r, ok := s.ranks[entityID]
	return r, ok
}

func TestTick_AccruesByRank(t *testing.T) {
	ranks := &stubRanks{ranks: map[string]int{"e1": 2, "e2": 3}}
	box := NewBox(ranks, 0.5)
	now := time.Unix(1000, 0)

	box.Tick("e1", 10*time.Second, now)
	box.Tick("e2", 10*time.Second, now)

	if got := box.Total("e1"); math.Abs(got-10.0) > 1e-9 { // 2 * 0.5 * 10
		t.Errorf("e1 total = %v, want 10", got)
	}
	if got := box.Total("e2"); math.Abs(got-15.0) > 1e-9 { // 3 * 0.5 * 10
		t.Errorf("e2 total = %v, want 15", got)
	}
}

func TestTick_NoZoneAccruesNothing(t *testing.T) {
	box := NewBox(&stubRanks{ranks: map[string]int{}}, 0.5)
	box.Tick("ghost", 10*time.Second, time.Unix(1000, 0))

	if got := box.Total("ghost"); got != 0 {
		t.Errorf("entity without zone accrued %v", got)
	}
}

func TestTick_Monotonic(t *testing.T) {
	ranks := &stubRanks{ranks: map[string]int{"e1": 1}}
	box := NewBox(ranks, 1.0)
	now := time.Unix(1000, 0)

	prev := 0.0
	for i := 0; i < 20; i++ {
		box.Tick("e1", time.Second, now.Add(time.Duration(i)*time.Second))
		cur := box.Total("e1")
		if cur < prev {
			t.Fatalf("total decreased: %v -> %v", prev, cur)
		}
		prev = cur
	}

	// Negative or zero elapsed must not change totals.
	box.Tick("e1", -time.Second, now)
	box.Tick("e1", 0, now)
	if box.Total("e1") != prev {
		t.Error("non-positive elapsed changed total")
	}
}

func TestTotals_ReturnsCopy(t *testing.T) {
	ranks := &stubRanks{ranks: map[string]int{"e1": 1}}
	box := NewBox(ranks, 1.0)
	box.Tick("e1", time.Second, time.Unix(1000, 0))

	totals := box.Totals()
	totals["e1"] = 999
	if box.Total("e1") == 999 {
		t.Error("Totals exposed internal map")
	}
}
