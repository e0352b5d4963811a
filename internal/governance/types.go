// Package governance evaluates playback-gating policy against stabilized
// vitals and produces the per-tick decision consumed by the presentation
// layer.
//
// Decisions carry identifiers only. Names, colors, and avatars are joined in
// by the presentation layer from its own metadata store; embedding display
// data here is what caused the flicker bugs this boundary exists to prevent.
package governance

import "time"

// Rule is a requirement clause's quantifier.
type Rule string

const (
	// RuleAll requires every in-scope entity to meet the target zone.
	RuleAll Rule = "all"
	// RuleAny requires at least one in-scope entity to meet the target zone.
	RuleAny Rule = "any"
)

// Valid reports whether the rule is a known quantifier.
func (r Rule) Valid() bool {
	switch r {
	case RuleAll, RuleAny:
		return true
	}
	return false
}

// Status is the governance state for the active content.
type Status string

const (
	// StatusUnlocked means every requirement (and any pending challenge) is met.
	StatusUnlocked Status = "unlocked"
	// StatusPending is the first phase of the grace period after a requirement
	// becomes unsatisfied, or the waiting phase of an active challenge.
	StatusPending Status = "pending"
	// StatusWarning is the informational lead time before the grace deadline.
	StatusWarning Status = "warning"
	// StatusLocked means the grace deadline elapsed with requirements unmet.
	StatusLocked Status = "locked"
	// StatusChallengeFailed means an active challenge's deadline elapsed unmet.
	// Distinct from StatusLocked so the presentation layer can message it
	// differently.
	StatusChallengeFailed Status = "challenge-failed"
)

// ChallengeStatus is the lifecycle state of a challenge instance.
type ChallengeStatus string

const (
	ChallengeActive    ChallengeStatus = "active"
	ChallengeSatisfied ChallengeStatus = "satisfied"
	ChallengeFailed    ChallengeStatus = "failed"
)

// Terminal reports whether the challenge can no longer change state.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengeSatisfied || s == ChallengeFailed
}

// RequirementClause is one configured policy clause.
// An empty Scope means "all currently active entities".
type RequirementClause struct {
	TargetZoneID string   `yaml:"target_zone_id" json:"target_zone_id"`
	Rule         Rule     `yaml:"rule" json:"rule"`
	Scope        []string `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// ChallengeClause configures an optional timed group requirement.
type ChallengeClause struct {
	TargetZoneID  string        `yaml:"target_zone_id" json:"target_zone_id"`
	RequiredCount int           `yaml:"required_count" json:"required_count"`
	Window        time.Duration `yaml:"window" json:"window"`
	// RearmOnLoad controls whether a fresh challenge instance is created when
	// the same content is governed again after a failure. The engine itself
	// never auto-retries.
	RearmOnLoad bool `yaml:"rearm_on_load,omitempty" json:"rearm_on_load,omitempty"`
}

// Policy is the governance configuration for one content item.
type Policy struct {
	Requirements []RequirementClause `yaml:"requirements" json:"requirements"`
	Challenge    *ChallengeClause    `yaml:"challenge,omitempty" json:"challenge,omitempty"`
	GracePeriod  time.Duration       `yaml:"grace_period" json:"grace_period"`
}

// Requirement is the per-tick evaluated view of one clause.
// MissingEntityIDs is exactly the in-scope entities failing the clause, in
// roster-join order, whether or not the clause as a whole is satisfied.
type Requirement struct {
	TargetZoneID     string   `json:"target_zone_id"`
	Rule             Rule     `json:"rule"`
	Scope            []string `json:"scope,omitempty"`
	Satisfied        bool     `json:"satisfied"`
	MissingEntityIDs []string `json:"missing_entity_ids"`
}

// Challenge is the per-tick view of the current challenge instance.
// Once Status is terminal the met/missing sets are frozen.
type Challenge struct {
	ChallengeID      string          `json:"challenge_id"`
	TargetZoneID     string          `json:"target_zone_id"`
	RequiredCount    int             `json:"required_count"`
	Deadline         time.Time       `json:"deadline"`
	Status           ChallengeStatus `json:"status"`
	MetEntityIDs     []string        `json:"met_entity_ids"`
	MissingEntityIDs []string        `json:"missing_entity_ids"`
}

// Decision is the engine's output for one evaluation tick. It is immutable
// once produced and safe to share read-only across goroutines. It contains
// identifiers only, never display data.
type Decision struct {
	IsGoverned         bool          `json:"is_governed"`
	Status             Status        `json:"status"`
	Requirements       []Requirement `json:"requirements"`
	Challenge          *Challenge    `json:"challenge,omitempty"`
	Deadline           *time.Time    `json:"deadline,omitempty"`
	GracePeriodSeconds float64       `json:"grace_period_seconds,omitempty"`
}
