// Package zones defines the heart-rate zone taxonomy.
//
// A catalog is built once from configuration at session start and is immutable
// afterwards. Ranks are assigned by sorting zones by minimum heart rate
// ascending; the lowest zone has rank 1 so that reward accrual scales from the
// first band up.
package zones

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	// ErrEmptyCatalog is returned when no valid zone survives validation.
	ErrEmptyCatalog = errors.New("zone catalog has no valid zones")
	// ErrDuplicateZoneID is returned when two zones share an id.
	ErrDuplicateZoneID = errors.New("duplicate zone id")
)

// Config is a single zone definition as provided by the configuration loader.
type Config struct {
	ID           string `yaml:"id" json:"id"`
	MinHeartRate int    `yaml:"min_heart_rate" json:"min_heart_rate"`
	Color        string `yaml:"color,omitempty" json:"color,omitempty"`
}

// Zone is a ranked heart-rate intensity band.
type Zone struct {
	ID           string
	Rank         int
	MinHeartRate int
	Color        string
}

// Catalog is the immutable, rank-ordered zone taxonomy.
type Catalog struct {
	byID   map[string]Zone
	ranked []Zone
}

// Build validates zone configs and constructs a catalog.
//
// Individual invalid entries (empty id, negative threshold) are dropped with a
// warning so one bad zone does not disable governance. Duplicate ids reject the
// whole catalog: a taxonomy with ambiguous identity cannot be used safely.
func Build(configs []Config) (*Catalog, error) {
	valid := make([]Config, 0, len(configs))
	seen := make(map[string]struct{}, len(configs))
	for _, zc := range configs {
		if zc.ID == "" || zc.MinHeartRate < 0 {
			slog.Warn("dropping invalid zone config",
				"component", "zones",
				"zone_id", zc.ID,
				"min_heart_rate", zc.MinHeartRate,
			)
			continue
		}
		if _, dup := seen[zc.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateZoneID, zc.ID)
		}
		seen[zc.ID] = struct{}{}
		valid = append(valid, zc)
	}
	if len(valid) == 0 {
		return nil, ErrEmptyCatalog
	}

	// Stable sort keeps original config order for equal thresholds, so rank
	// assignment is deterministic across rebuilds.
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].MinHeartRate < valid[j].MinHeartRate
	})

	c := &Catalog{
		byID:   make(map[string]Zone, len(valid)),
		ranked: make([]Zone, 0, len(valid)),
	}
	for i, zc := range valid {
		z := Zone{
			ID:           zc.ID,
			Rank:         i + 1,
			MinHeartRate: zc.MinHeartRate,
			Color:        zc.Color,
		}
		c.byID[z.ID] = z
		c.ranked = append(c.ranked, z)
	}
	return c, nil
}

// ByID returns the zone with the given id.
func (c *Catalog) ByID(id string) (Zone, bool) {
	z, ok := c.byID[id]
	return z, ok
}

// RankOf returns the rank of the zone with the given id.
func (c *Catalog) RankOf(id string) (int, bool) {
	z, ok := c.byID[id]
	if !ok {
		return 0, false
	}
	return z.Rank, true
}

// ColorOf returns the display color configured for the zone, if any.
func (c *Catalog) ColorOf(id string) (string, bool) {
	z, ok := c.byID[id]
	if !ok || z.Color == "" {
		return "", false
	}
	return z.Color, true
}

// Ranked returns all zones in rank order. The returned slice is a copy.
func (c *Catalog) Ranked() []Zone {
	out := make([]Zone, len(c.ranked))
	copy(out, c.ranked)
	return out
}

// Len returns the number of zones in the catalog.
func (c *Catalog) Len() int { return len(c.ranked) }

// ZoneFor returns the highest zone whose threshold the heart rate meets.
// Returns false when the heart rate is below the lowest zone.
func (c *Catalog) ZoneFor(heartRate int) (Zone, bool) {
	for i := len(c.ranked) - 1; i >= 0; i-- {
		if heartRate >= c.ranked[i].MinHeartRate {
			return c.ranked[i], true
		}
	}
	return Zone{}, false
}

// NextAbove returns the zone ranked directly above the given zone id.
// Returns false at the top zone or for unknown ids.
func (c *Catalog) NextAbove(id string) (Zone, bool) {
	z, ok := c.byID[id]
	if !ok || z.Rank >= len(c.ranked) {
		return Zone{}, false
	}
	return c.ranked[z.Rank], true
}
