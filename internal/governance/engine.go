package governance

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/pulsegate/internal/roster"
	"github.com/hyperengineering/pulsegate/internal/vitals"
	"github.com/hyperengineering/pulsegate/internal/zones"
)

// clause is a requirement clause that survived policy validation, with its
// target rank resolved once.
type clause struct {
	RequirementClause
	targetRank int
}

// Engine is the governance state machine for one content item in one session.
//
// Evaluate is a pure function of (profiles, roster, policy, prior challenge
// state, now): the only cross-tick state is the grace-period start, the
// challenge instance, and the decision memo. It is not safe for concurrent
// use; the session loop owns it.
type Engine struct {
	catalog *zones.Catalog

	governed bool
	clauses  []clause
	chalCfg  *ChallengeClause
	grace    time.Duration

	graceStart time.Time // zero when all requirements are satisfied
	chal       *Challenge

	// Decision memo: identical outputs return the identical pointer so
	// downstream consumers can compare by reference and skip re-renders.
	memoKey      uint64
	memoDecision *Decision

	ungoverned *Decision
}

// New builds an engine for the policy. A nil policy means the content is not
// governed. Malformed clauses are skipped with a warning so governance
// degrades to fewer constraints instead of becoming unusable.
func New(catalog *zones.Catalog, policy *Policy) *Engine {
	e := &Engine{
		catalog: catalog,
		ungoverned: &Decision{
			IsGoverned:   false,
			Status:       StatusUnlocked,
			Requirements: []Requirement{},
		},
	}
	if policy == nil {
		return e
	}
	e.governed = true
	e.grace = policy.GracePeriod

	for _, rc := range policy.Requirements {
		if !rc.Rule.Valid() {
			slog.Warn("skipping requirement clause with unknown rule",
				"component", "governance",
				"rule", string(rc.Rule),
				"target_zone_id", rc.TargetZoneID,
			)
			continue
		}
		rank, ok := catalog.RankOf(rc.TargetZoneID)
		if !ok {
			slog.Warn("skipping requirement clause with unknown zone",
				"component", "governance",
				"target_zone_id", rc.TargetZoneID,
			)
			continue
		}
		e.clauses = append(e.clauses, clause{RequirementClause: rc, targetRank: rank})
	}

	if ch := policy.Challenge; ch != nil {
		if _, ok := catalog.RankOf(ch.TargetZoneID); !ok || ch.RequiredCount <= 0 || ch.Window <= 0 {
			slog.Warn("dropping invalid challenge clause",
				"component", "governance",
				"target_zone_id", ch.TargetZoneID,
				"required_count", ch.RequiredCount,
				"window", ch.Window.String(),
			)
		} else {
			cfg := *ch
			e.chalCfg = &cfg
		}
	}
	return e
}

// Governed reports whether a policy is attached.
func (e *Engine) Governed() bool { return e.governed }

// Evaluate runs one governance tick.
//
// profiles is the tracker snapshot keyed by entity id; active is the roster's
// active set in join order; now is the evaluation instant. The returned
// decision is immutable. Two ticks with identical effective inputs return the
// same pointer.
func (e *Engine) Evaluate(profiles map[string]vitals.Profile, active []roster.Entity, now time.Time) *Decision {
	if !e.governed {
		return e.ungoverned
	}

	requirements := make([]Requirement, 0, len(e.clauses))
	allSatisfied := true
	for _, cl := range e.clauses {
		req := e.evalClause(cl, profiles, active)
		if !req.Satisfied {
			allSatisfied = false
		}
		requirements = append(requirements, req)
	}

	chal := e.evalChallenge(profiles, active, now)

	// Grace timer: starts on the first unsatisfied tick, clears entirely the
	// moment every requirement is satisfied. No carry-over.
	if allSatisfied {
		e.graceStart = time.Time{}
	} else if e.graceStart.IsZero() {
		e.graceStart = now
	}

	status := StatusUnlocked
	var deadline *time.Time
	var graceSeconds float64

	switch {
	case chal != nil && chal.Status == ChallengeFailed:
		status = StatusChallengeFailed

	case allSatisfied:
		if chal != nil && chal.Status == ChallengeActive {
			// A pending challenge keeps the content out of unlocked until it
			// resolves; its own deadline is the one that matters.
			status = StatusPending
			dl := chal.Deadline
			deadline = &dl
		}

	default:
		dl := e.graceStart.Add(e.grace)
		deadline = &dl
		graceSeconds = e.grace.Seconds()
		switch {
		case !now.Before(dl):
			status = StatusLocked
		case !now.Before(e.graceStart.Add(e.grace / 2)):
			status = StatusWarning
		default:
			status = StatusPending
		}
	}

	d := &Decision{
		IsGoverned:         true,
		Status:             status,
		Requirements:       requirements,
		Challenge:          chal,
		Deadline:           deadline,
		GracePeriodSeconds: graceSeconds,
	}
	return e.memoize(d)
}

// evalClause resolves the clause's scope against the active set and computes
// satisfaction and the missing set in roster-join order.
func (e *Engine) evalClause(cl clause, profiles map[string]vitals.Profile, active []roster.Entity) Requirement {
	req := Requirement{
		TargetZoneID:     cl.TargetZoneID,
		Rule:             cl.Rule,
		MissingEntityIDs: []string{},
	}
	if len(cl.Scope) > 0 {
		req.Scope = append([]string(nil), cl.Scope...)
	}

	inScope := make(map[string]struct{}, len(cl.Scope))
	for _, id := range cl.Scope {
		inScope[id] = struct{}{}
	}

	metCount := 0
	for _, ent := range active {
		if len(inScope) > 0 {
			if _, ok := inScope[ent.EntityID]; !ok {
				continue
			}
		}
		if e.meetsTarget(profiles, ent.EntityID, cl.targetRank) {
			metCount++
		} else {
			req.MissingEntityIDs = append(req.MissingEntityIDs, ent.EntityID)
		}
	}

	switch cl.Rule {
	case RuleAll:
		req.Satisfied = len(req.MissingEntityIDs) == 0
	case RuleAny:
		req.Satisfied = metCount > 0
	}
	return req
}

// evalChallenge advances the current challenge instance. Terminal instances
// are returned frozen and never re-evaluated.
func (e *Engine) evalChallenge(profiles map[string]vitals.Profile, active []roster.Entity, now time.Time) *Challenge {
	if e.chalCfg == nil {
		return nil
	}
	if e.chal == nil {
		// Arm on the first governed tick; the window runs from activation.
		e.chal = &Challenge{
			ChallengeID:      ulid.Make().String(),
			TargetZoneID:     e.chalCfg.TargetZoneID,
			RequiredCount:    e.chalCfg.RequiredCount,
			Deadline:         now.Add(e.chalCfg.Window),
			Status:           ChallengeActive,
			MetEntityIDs:     []string{},
			MissingEntityIDs: []string{},
		}
		slog.Info("challenge armed",
			"component", "governance",
			"action", "challenge_armed",
			"challenge_id", e.chal.ChallengeID,
			"target_zone_id", e.chal.TargetZoneID,
			"required_count", e.chal.RequiredCount,
		)
	}
	if e.chal.Status.Terminal() {
		return e.chal
	}

	targetRank, _ := e.catalog.RankOf(e.chalCfg.TargetZoneID)
	met := []string{}
	missing := []string{}
	for _, ent := range active {
		if e.meetsTarget(profiles, ent.EntityID, targetRank) {
			met = append(met, ent.EntityID)
		} else {
			missing = append(missing, ent.EntityID)
		}
	}

	next := *e.chal
	next.MetEntityIDs = met
	next.MissingEntityIDs = missing

	switch {
	case len(met) >= e.chalCfg.RequiredCount:
		next.Status = ChallengeSatisfied
	case !now.Before(e.chal.Deadline):
		next.Status = ChallengeFailed
	}
	e.chal = &next

	if next.Status.Terminal() {
		slog.Info("challenge resolved",
			"component", "governance",
			"action", "challenge_resolved",
			"challenge_id", next.ChallengeID,
			"status", string(next.Status),
			"met", len(met),
			"required", e.chalCfg.RequiredCount,
		)
	}
	return e.chal
}

// Rearm replaces a failed challenge with a fresh instance if the policy opted
// in via rearm_on_load. Returns true when a new instance will be armed on the
// next evaluation tick.
func (e *Engine) Rearm() bool {
	if e.chalCfg == nil || !e.chalCfg.RearmOnLoad {
		return false
	}
	if e.chal == nil || e.chal.Status != ChallengeFailed {
		return false
	}
	e.chal = nil
	e.memoDecision = nil
	return true
}

// meetsTarget reports whether the entity's confirmed zone rank meets the
// target rank. Entities without a profile or with a decayed zone never meet.
func (e *Engine) meetsTarget(profiles map[string]vitals.Profile, entityID string, targetRank int) bool {
	p, ok := profiles[entityID]
	if !ok || !p.InZone() {
		return false
	}
	rank, ok := e.catalog.RankOf(p.CurrentZoneID)
	return ok && rank >= targetRank
}

// memoize returns the previous decision pointer when the new decision is
// identical, so consumers can detect "nothing changed" by reference.
func (e *Engine) memoize(d *Decision) *Decision {
	key := decisionDigest(d)
	if e.memoDecision != nil && key == e.memoKey {
		return e.memoDecision
	}
	e.memoKey = key
	e.memoDecision = d
	return d
}

// decisionDigest hashes a canonical encoding of the decision.
func decisionDigest(d *Decision) uint64 {
	h := xxhash.New()
	writeField := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.WriteString(p)
			_, _ = h.WriteString("\x1f")
		}
		_, _ = h.WriteString("\x1e")
	}

	writeField(string(d.Status), strconv.FormatFloat(d.GracePeriodSeconds, 'g', -1, 64))
	if d.Deadline != nil {
		writeField(strconv.FormatInt(d.Deadline.UnixNano(), 10))
	}
	for _, r := range d.Requirements {
		parts := []string{r.TargetZoneID, string(r.Rule), strconv.FormatBool(r.Satisfied)}
		parts = append(parts, r.Scope...)
		parts = append(parts, r.MissingEntityIDs...)
		writeField(parts...)
	}
	if c := d.Challenge; c != nil {
		parts := []string{
			c.ChallengeID, c.TargetZoneID, string(c.Status),
			strconv.Itoa(c.RequiredCount),
			strconv.FormatInt(c.Deadline.UnixNano(), 10),
		}
		parts = append(parts, c.MetEntityIDs...)
		parts = append(parts, "|")
		parts = append(parts, c.MissingEntityIDs...)
		writeField(parts...)
	}
	return h.Sum64()
}
