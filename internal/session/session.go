// Package session runs the per-session evaluation loop.
//
// One goroutine per active session owns the vitals tracker, the roster, the
// treasure box, and the governance engine. Device feeds funnel samples in
// through a bounded queue that never blocks the sender; the loop selects over
// inbound samples and a tick timer, so ingestion and evaluation never
// interleave inconsistently.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/pulsegate/internal/governance"
	"github.com/hyperengineering/pulsegate/internal/roster"
	"github.com/hyperengineering/pulsegate/internal/telemetry"
	"github.com/hyperengineering/pulsegate/internal/treasure"
	"github.com/hyperengineering/pulsegate/internal/vitals"
	"github.com/hyperengineering/pulsegate/internal/zones"
)

// ErrSessionClosed is returned for operations on a torn-down session.
var ErrSessionClosed = errors.New("session closed")

// Sample is the normalized heart-rate sample contract consumed by the engine.
// Timestamps must be monotonically non-decreasing per entity; older samples
// are dropped at ingestion.
type Sample struct {
	EntityID  string    `json:"entity_id"`
	HeartRate int       `json:"heart_rate"`
	Timestamp time.Time `json:"timestamp"`
}

// EntityTotal is one entity's final coin accrual, reported at session end.
type EntityTotal struct {
	EntityID  string  `json:"entity_id"`
	ProfileID string  `json:"profile_id"`
	Coins     float64 `json:"coins"`
}

// Recorder receives governance history from the session loop. Implementations
// must tolerate being called after arbitrary delays; the loop never blocks on
// them. The sqlite-backed implementation lives outside the core; NopRecorder
// is the default.
type Recorder interface {
	RecordTransition(ctx context.Context, sessionID string, from, to governance.Status, at time.Time) error
	RecordSessionEnd(ctx context.Context, sessionID string, endedAt time.Time, totals []EntityTotal) error
}

// NopRecorder discards all history.
type NopRecorder struct{}

func (NopRecorder) RecordTransition(context.Context, string, governance.Status, governance.Status, time.Time) error {
	return nil
}

func (NopRecorder) RecordSessionEnd(context.Context, string, time.Time, []EntityTotal) error {
	return nil
}

// Options tunes a session loop.
type Options struct {
	// TickInterval drives evaluation when no samples arrive.
	TickInterval time.Duration
	// SampleQueueSize bounds the inbound sample queue. Offers beyond it drop.
	SampleQueueSize int
	// CoinRatePerSecond is the treasure accrual rate per zone rank.
	CoinRatePerSecond float64
	// Vitals tunes hysteresis and staleness.
	Vitals vitals.Options
	// Recorder receives status transitions and the end-of-session summary.
	Recorder Recorder
}

// DefaultOptions suit 1-4 Hz feeds with a 1 Hz evaluation floor.
func DefaultOptions() Options {
	return Options{
		TickInterval:      time.Second,
		SampleQueueSize:   256,
		CoinRatePerSecond: 0.25,
		Vitals:            vitals.DefaultOptions(),
		Recorder:          NopRecorder{},
	}
}

type transition struct {
	from governance.Status
	to   governance.Status
	at   time.Time
}

// Session owns all mutable governance state for one workout session.
type Session struct {
	ID string

	opts    Options
	nowFunc func() time.Time

	mu       sync.RWMutex
	tracker  *vitals.Tracker
	roster   *roster.Roster
	box      *treasure.Box
	engine   *governance.Engine
	decision *governance.Decision
	lastTick time.Time
	closed   bool

	samples     chan Sample
	transitions chan transition
	done        chan struct{}
}

// New creates a session over the catalog and policy. Call Run to start the
// loop; until then samples queue but nothing evaluates.
func New(id string, catalog *zones.Catalog, policy *governance.Policy, opts Options) *Session {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.SampleQueueSize <= 0 {
		opts.SampleQueueSize = 256
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}

	tracker := vitals.NewTracker(catalog, opts.Vitals)
	return &Session{
		ID:          id,
		opts:        opts,
		nowFunc:     time.Now,
		tracker:     tracker,
		roster:      roster.New(),
		box:         treasure.NewBox(tracker, opts.CoinRatePerSecond),
		engine:      governance.New(catalog, policy),
		samples:     make(chan Sample, opts.SampleQueueSize),
		transitions: make(chan transition, 64),
		done:        make(chan struct{}),
	}
}

// Run executes the session loop until ctx is cancelled. Blocks.
// After return no session state is touched again.
func (s *Session) Run(ctx context.Context) {
	telemetry.ActiveSessions.Inc()
	defer telemetry.ActiveSessions.Dec()

	slog.Info("session loop started",
		"component", "session",
		"action", "loop_started",
		"session_id", s.ID,
		"tick_interval", s.opts.TickInterval.String(),
	)

	// History writes happen off the loop so evaluation never blocks on I/O.
	var recorderWG sync.WaitGroup
	recorderWG.Add(1)
	go func() {
		defer recorderWG.Done()
		for tr := range s.transitions {
			if err := s.opts.Recorder.RecordTransition(context.Background(), s.ID, tr.from, tr.to, tr.at); err != nil {
				slog.Error("record transition failed",
					"component", "session",
					"session_id", s.ID,
					"error", err,
				)
			}
		}
	}()

	s.mu.Lock()
	s.lastTick = s.nowFunc()
	s.mu.Unlock()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finish()
			close(s.transitions)
			recorderWG.Wait()
			close(s.done)
			slog.Info("session loop stopped",
				"component", "session",
				"action", "loop_stopped",
				"session_id", s.ID,
				"reason", "context_cancelled",
			)
			return
		case smp := <-s.samples:
			s.applySample(smp)
		case <-ticker.C:
			s.tick(s.nowFunc())
		}
	}
}

// Offer enqueues a sample without blocking. Returns false when the queue is
// full or the session is closed; the sample is dropped either way.
func (s *Session) Offer(smp Sample) bool {
	select {
	case <-s.done:
		telemetry.SamplesDropped.WithLabelValues("closed").Inc()
		return false
	default:
	}
	select {
	case s.samples <- smp:
		return true
	default:
		telemetry.SamplesDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

func (s *Session) applySample(smp Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.tracker.Ingest(smp.EntityID, smp.HeartRate, smp.Timestamp); err != nil {
		telemetry.SamplesDropped.WithLabelValues("out_of_order").Inc()
		slog.Debug("sample dropped",
			"component", "session",
			"session_id", s.ID,
			"entity_id", smp.EntityID,
			"error", err,
		)
		return
	}
	telemetry.SamplesIngested.Inc()
	s.evaluateLocked(s.nowFunc())
}

// tick accrues coins over the elapsed interval and re-evaluates.
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	elapsed := now.Sub(s.lastTick)
	s.lastTick = now
	for _, ent := range s.roster.ActiveEntities() {
		s.box.Tick(ent.EntityID, elapsed, now)
	}
	s.evaluateLocked(now)
}

// evaluateLocked runs one governance evaluation. Caller holds s.mu.
func (s *Session) evaluateLocked(now time.Time) {
	start := time.Now()

	profiles := make(map[string]vitals.Profile)
	for _, p := range s.tracker.Profiles(now) {
		profiles[p.EntityID] = p
	}
	prev := s.decision
	next := s.engine.Evaluate(profiles, s.roster.ActiveEntities(), now)
	s.decision = next

	telemetry.EvaluationDuration.Observe(time.Since(start).Seconds())

	if prev != nil && next.Status != prev.Status {
		telemetry.StatusTransitions.WithLabelValues(string(next.Status)).Inc()
		slog.Info("governance status changed",
			"component", "session",
			"action", "status_transition",
			"session_id", s.ID,
			"from", string(prev.Status),
			"to", string(next.Status),
		)
		select {
		case s.transitions <- transition{from: prev.Status, to: next.Status, at: now}:
		default:
			slog.Warn("transition history dropped",
				"component", "session",
				"session_id", s.ID,
			)
		}
	}
}

// finish records the end-of-session summary and marks the session closed.
func (s *Session) finish() {
	s.mu.Lock()
	s.closed = true
	endedAt := s.nowFunc()
	totals := make([]EntityTotal, 0)
	for _, ent := range s.roster.AllEntities() {
		totals = append(totals, EntityTotal{
			EntityID:  ent.EntityID,
			ProfileID: ent.ProfileID,
			Coins:     s.box.Total(ent.EntityID),
		})
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Recorder.RecordSessionEnd(ctx, s.ID, endedAt, totals); err != nil {
		slog.Error("record session end failed",
			"component", "session",
			"session_id", s.ID,
			"error", err,
		)
	}
}

// Join adds a participation entity and re-evaluates.
func (s *Session) Join(profileID, deviceID string) (roster.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return roster.Entity{}, ErrSessionClosed
	}
	ent := s.roster.Join(profileID, deviceID, s.nowFunc())
	s.evaluateLocked(s.nowFunc())
	return ent, nil
}

// Leave deactivates an entity. Its coin total freezes; its vitals state is
// released. A rejoin gets a fresh entity id.
func (s *Session) Leave(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.roster.Leave(entityID); err != nil {
		return err
	}
	s.tracker.Remove(entityID)
	s.evaluateLocked(s.nowFunc())
	return nil
}

// AssignDevice binds a device feed to an entity, revoking any prior holder.
func (s *Session) AssignDevice(entityID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.roster.AssignDevice(entityID, deviceID)
}

// Done is closed once the loop has fully drained.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Decision returns the latest governance decision. It is immutable and safe
// to share; nil before the first evaluation.
func (s *Session) Decision() *governance.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decision
}

// Profiles returns stabilized profiles for all tracked entities.
func (s *Session) Profiles() []vitals.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker.Profiles(s.nowFunc())
}

// Entities returns every entity ever joined, in join order.
func (s *Session) Entities() []roster.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roster.AllEntities()
}

// Coins returns per-entity coin totals.
func (s *Session) Coins() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.box.Totals()
}
