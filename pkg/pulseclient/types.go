package pulseclient

import "time"

// Config configures a Client.
type Config struct {
	// BaseURL is the Pulsegate server root, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is sent as a Bearer token when non-empty.
	APIKey string
	// Timeout applies per request. Defaults to 30s.
	Timeout time.Duration
}

// Requirement describes one policy clause in a create-session request.
type Requirement struct {
	TargetZoneID string   `json:"target_zone_id"`
	Rule         string   `json:"rule"`
	Scope        []string `json:"scope,omitempty"`
}

// Challenge describes an optional timed group requirement.
type Challenge struct {
	TargetZoneID  string  `json:"target_zone_id"`
	RequiredCount int     `json:"required_count"`
	Window        float64 `json:"window_seconds"`
	RearmOnLoad   bool    `json:"rearm_on_load"`
}

// Policy is an inline governance policy for a session.
type Policy struct {
	Requirements []Requirement `json:"requirements"`
	Challenge    *Challenge    `json:"challenge,omitempty"`
	GracePeriod  float64       `json:"grace_period_seconds"`
}

// CreateSessionParams are the inputs to CreateSession. Policy overrides
// the server-side content lookup when set.
type CreateSessionParams struct {
	ContentID string  `json:"content_id"`
	Policy    *Policy `json:"policy,omitempty"`
}

// SessionInfo is the result of CreateSession.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	ContentID string `json:"content_id,omitempty"`
	Governed  bool   `json:"governed"`
}

// Entity is a session participant.
type Entity struct {
	EntityID  string    `json:"entity_id"`
	ProfileID string    `json:"profile_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
	Active    bool      `json:"active"`
}

// Sample is one heart-rate reading.
type Sample struct {
	EntityID  string    `json:"entity_id"`
	HeartRate int       `json:"heart_rate"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestResult reports how a sample batch was queued.
type IngestResult struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// RequirementStatus is one evaluated policy clause inside a Decision.
type RequirementStatus struct {
	TargetZoneID     string   `json:"target_zone_id"`
	Rule             string   `json:"rule"`
	Scope            []string `json:"scope,omitempty"`
	Satisfied        bool     `json:"satisfied"`
	MissingEntityIDs []string `json:"missing_entity_ids,omitempty"`
}

// ChallengeStatus is the evaluated challenge inside a Decision.
type ChallengeStatus struct {
	ChallengeID      string     `json:"challenge_id"`
	TargetZoneID     string     `json:"target_zone_id"`
	RequiredCount    int        `json:"required_count"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	Status           string     `json:"status"`
	MetEntityIDs     []string   `json:"met_entity_ids,omitempty"`
	MissingEntityIDs []string   `json:"missing_entity_ids,omitempty"`
}

// Decision is the current governance verdict for a session.
type Decision struct {
	IsGoverned         bool                `json:"is_governed"`
	Status             string              `json:"status"`
	Requirements       []RequirementStatus `json:"requirements,omitempty"`
	Challenge          *ChallengeStatus    `json:"challenge,omitempty"`
	Deadline           *time.Time          `json:"deadline,omitempty"`
	GracePeriodSeconds float64             `json:"grace_period_seconds,omitempty"`
}

// Playable reports whether content should currently play.
func (d *Decision) Playable() bool {
	switch d.Status {
	case "unlocked", "pending", "warning":
		return true
	default:
		return false
	}
}

// Profile is a stabilized vitals snapshot for one entity.
type Profile struct {
	EntityID           string    `json:"entity_id"`
	HeartRate          int       `json:"heart_rate"`
	CurrentZoneID      string    `json:"current_zone_id,omitempty"`
	ProgressToNextZone float64   `json:"progress_to_next_zone"`
	TargetHeartRate    int       `json:"target_heart_rate,omitempty"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
}

// Health is the server health report.
type Health struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
}
