// Package vitals stabilizes noisy heart-rate feeds into per-entity profiles.
//
// Raw samples jitter by a few bpm, so the tracker never switches an entity's
// zone on a single reading. A transition is confirmed only after the candidate
// zone has been the best match for a configured number of consecutive samples,
// and downward transitions additionally require the heart rate to fall a margin
// below the current zone's threshold. Both guards exist to stop the confirmed
// zone from flapping at a boundary, which would ripple into governance status.
package vitals

import (
	"errors"
	"sort"
	"time"

	"github.com/hyperengineering/pulsegate/internal/zones"
)

var (
	// ErrOutOfOrderSample is returned when a sample's timestamp precedes the
	// entity's last applied sample. The sample is dropped, never applied.
	ErrOutOfOrderSample = errors.New("sample timestamp out of order")
	// ErrUnknownEntity is returned when reading a profile that was never fed.
	ErrUnknownEntity = errors.New("unknown entity")
)

// Profile is the stabilized view of one entity's vitals.
// CurrentZoneID is empty until a zone has been hysteresis-confirmed, and decays
// back to empty once samples go stale.
type Profile struct {
	EntityID           string
	HeartRate          int
	CurrentZoneID      string
	ProgressToNextZone float64
	TargetHeartRate    int
	LastUpdatedAt      time.Time
}

// InZone reports whether the profile has a confirmed, non-stale zone.
func (p Profile) InZone() bool { return p.CurrentZoneID != "" }

// Options tunes the hysteresis and staleness behavior.
type Options struct {
	// DwellSamples is the number of consecutive samples a candidate zone must
	// win before it is confirmed.
	DwellSamples int
	// DownwardMarginBPM is subtracted from the current zone's threshold when
	// judging downward transitions.
	DownwardMarginBPM int
	// StaleAfter is how long without a sample before the confirmed zone decays
	// to none. A silent device must not satisfy requirements forever.
	StaleAfter time.Duration
}

// DefaultOptions are tuned for 1-4 Hz device feeds.
func DefaultOptions() Options {
	return Options{
		DwellSamples:      3,
		DownwardMarginBPM: 3,
		StaleAfter:        10 * time.Second,
	}
}

type entityState struct {
	heartRate     int
	confirmedZone string // empty until first confirmation
	candidateZone string
	candidateRun  int
	targetHR      int
	lastSampleAt  time.Time
}

// Tracker holds stabilized profiles for all entities in a session.
// It is not safe for concurrent use; the session loop owns it.
type Tracker struct {
	catalog *zones.Catalog
	opts    Options
	states  map[string]*entityState
}

// NewTracker creates a tracker over the given catalog.
func NewTracker(catalog *zones.Catalog, opts Options) *Tracker {
	if opts.DwellSamples < 1 {
		opts.DwellSamples = 1
	}
	if opts.DownwardMarginBPM < 0 {
		opts.DownwardMarginBPM = 0
	}
	return &Tracker{
		catalog: catalog,
		opts:    opts,
		states:  make(map[string]*entityState),
	}
}

// Ingest applies one raw sample for an entity.
// Samples older than the entity's last applied sample are dropped with
// ErrOutOfOrderSample; applying them would corrupt the dwell-window logic.
func (t *Tracker) Ingest(entityID string, heartRate int, ts time.Time) error {
	st, ok := t.states[entityID]
	if !ok {
		st = &entityState{}
		t.states[entityID] = st
	}
	if !st.lastSampleAt.IsZero() && ts.Before(st.lastSampleAt) {
		return ErrOutOfOrderSample
	}

	st.heartRate = heartRate
	st.lastSampleAt = ts
	t.applyHysteresis(st, heartRate)
	return nil
}

// applyHysteresis advances the dwell window for the instantaneous zone and
// confirms a transition once the window is filled.
func (t *Tracker) applyHysteresis(st *entityState, heartRate int) {
	instant := t.instantZone(st, heartRate)

	if instant == st.confirmedZone {
		// Reading agrees with the confirmed zone; abandon any pending candidate.
		st.candidateZone = ""
		st.candidateRun = 0
		return
	}

	if instant == st.candidateZone {
		st.candidateRun++
	} else {
		st.candidateZone = instant
		st.candidateRun = 1
	}

	if st.candidateRun >= t.opts.DwellSamples {
		st.confirmedZone = st.candidateZone
		st.candidateZone = ""
		st.candidateRun = 0
	}
}

// instantZone computes the best-match zone for a single reading, applying the
// downward overlap margin against the currently confirmed zone.
func (t *Tracker) instantZone(st *entityState, heartRate int) string {
	z, ok := t.catalog.ZoneFor(heartRate)
	if !ok {
		// Below the lowest zone. Still honor the margin when leaving the
		// confirmed zone downward.
		if st.confirmedZone != "" {
			if cur, curOK := t.catalog.ByID(st.confirmedZone); curOK &&
				heartRate >= cur.MinHeartRate-t.opts.DownwardMarginBPM {
				return st.confirmedZone
			}
		}
		return ""
	}

	if st.confirmedZone == "" {
		return z.ID
	}
	cur, curOK := t.catalog.ByID(st.confirmedZone)
	if !curOK {
		return z.ID
	}
	if z.Rank < cur.Rank && heartRate >= cur.MinHeartRate-t.opts.DownwardMarginBPM {
		// Within the overlap band under the current zone's floor: hold.
		return st.confirmedZone
	}
	return z.ID
}

// SetTarget records a target heart rate for the entity, surfaced on its profile.
func (t *Tracker) SetTarget(entityID string, heartRate int) {
	st, ok := t.states[entityID]
	if !ok {
		st = &entityState{}
		t.states[entityID] = st
	}
	st.targetHR = heartRate
}

// Remove forgets all state for an entity.
func (t *Tracker) Remove(entityID string) {
	delete(t.states, entityID)
}

// Profile returns the stabilized profile for one entity as of now.
// Staleness is applied at read time: if the last sample is older than the
// staleness threshold the zone reads as none rather than freezing.
func (t *Tracker) Profile(entityID string, now time.Time) (Profile, error) {
	st, ok := t.states[entityID]
	if !ok {
		return Profile{}, ErrUnknownEntity
	}
	return t.buildProfile(entityID, st, now), nil
}

// Profiles returns all profiles as of now, ordered by entity id.
// Entity ids are ULIDs, so this order is also join order.
func (t *Tracker) Profiles(now time.Time) []Profile {
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.buildProfile(id, t.states[id], now))
	}
	return out
}

func (t *Tracker) buildProfile(entityID string, st *entityState, now time.Time) Profile {
	p := Profile{
		EntityID:        entityID,
		HeartRate:       st.heartRate,
		TargetHeartRate: st.targetHR,
		LastUpdatedAt:   st.lastSampleAt,
	}
	if st.confirmedZone == "" || t.stale(st, now) {
		return p
	}
	p.CurrentZoneID = st.confirmedZone
	p.ProgressToNextZone = t.progress(st.confirmedZone, st.heartRate)
	return p
}

// CurrentZoneRank resolves the entity's confirmed zone rank as of now,
// honoring staleness decay. Reports false when the entity has no usable zone.
func (t *Tracker) CurrentZoneRank(entityID string, now time.Time) (int, bool) {
	st, ok := t.states[entityID]
	if !ok || st.confirmedZone == "" || t.stale(st, now) {
		return 0, false
	}
	return t.catalog.RankOf(st.confirmedZone)
}

func (t *Tracker) stale(st *entityState, now time.Time) bool {
	if t.opts.StaleAfter <= 0 {
		return false
	}
	return st.lastSampleAt.IsZero() || now.Sub(st.lastSampleAt) > t.opts.StaleAfter
}

// progress linearly interpolates between the zone's floor and the next zone's
// floor, clamped to [0,1]. The top zone holds at 1.0 so a full bar reads
// correctly wherever progress is consumed.
func (t *Tracker) progress(zoneID string, heartRate int) float64 {
	cur, ok := t.catalog.ByID(zoneID)
	if !ok {
		return 0
	}
	next, ok := t.catalog.NextAbove(zoneID)
	if !ok {
		return 1.0
	}
	span := next.MinHeartRate - cur.MinHeartRate
	if span <= 0 {
		return 1.0
	}
	p := float64(heartRate-cur.MinHeartRate) / float64(span)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
