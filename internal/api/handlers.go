package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/pulsegate/internal/governance"
	"github.com/hyperengineering/pulsegate/internal/roster"
	"github.com/hyperengineering/pulsegate/internal/session"
	"github.com/hyperengineering/pulsegate/internal/vitals"
)

// Version is the server version reported by the health endpoint.
var Version = "dev"

const maxRequestBody = 1 << 20 // 1 MiB

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	manager  *session.Manager
	policies map[string]*governance.Policy
}

// NewHandler creates a Handler backed by the given session manager.
// policies maps content IDs to governance policies; content without an
// entry runs ungoverned.
func NewHandler(manager *session.Manager, policies map[string]*governance.Policy) *Handler {
	return &Handler{manager: manager, policies: policies}
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// lookupSession resolves the session from the URL, writing a 404 problem
// when it does not exist.
func (h *Handler) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	s, ok := h.manager.Get(id)
	if !ok {
		WriteProblem(w, r, http.StatusNotFound, "Session not found: "+id)
		return nil, false
	}
	return s, true
}

type createSessionRequest struct {
	ContentID string         `json:"content_id"`
	Policy    *policyRequest `json:"policy,omitempty"`
}

type policyRequest struct {
	Requirements []requirementRequest `json:"requirements"`
	Challenge    *challengeRequest    `json:"challenge,omitempty"`
	GracePeriod  float64              `json:"grace_period_seconds"`
}

type requirementRequest struct {
	TargetZoneID string   `json:"target_zone_id"`
	Rule         string   `json:"rule"`
	Scope        []string `json:"scope,omitempty"`
}

type challengeRequest struct {
	TargetZoneID  string  `json:"target_zone_id"`
	RequiredCount int     `json:"required_count"`
	Window        float64 `json:"window_seconds"`
	RearmOnLoad   bool    `json:"rearm_on_load"`
}

func (p *policyRequest) policy() *governance.Policy {
	pol := &governance.Policy{
		GracePeriod: time.Duration(p.GracePeriod * float64(time.Second)),
	}
	for _, rq := range p.Requirements {
		pol.Requirements = append(pol.Requirements, governance.RequirementClause{
			TargetZoneID: rq.TargetZoneID,
			Rule:         governance.Rule(rq.Rule),
			Scope:        rq.Scope,
		})
	}
	if p.Challenge != nil {
		pol.Challenge = &governance.ChallengeClause{
			TargetZoneID:  p.Challenge.TargetZoneID,
			RequiredCount: p.Challenge.RequiredCount,
			Window:        time.Duration(p.Challenge.Window * float64(time.Second)),
			RearmOnLoad:   p.Challenge.RearmOnLoad,
		}
	}
	return pol
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	ContentID string `json:"content_id,omitempty"`
	Governed  bool   `json:"governed"`
}

// CreateSession handles POST /api/v1/sessions.
// The policy is taken from the request body when present, otherwise
// looked up by content ID from the server configuration.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	var policy *governance.Policy
	switch {
	case req.Policy != nil:
		policy = req.Policy.policy()
	case req.ContentID != "":
		policy = h.policies[req.ContentID]
	}

	s := h.manager.Create(policy)
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: s.ID,
		ContentID: req.ContentID,
		Governed:  policy != nil,
	})
}

// EndSession handles DELETE /api/v1/sessions/{sessionID}.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.manager.End(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			WriteProblem(w, r, http.StatusNotFound, "Session not found: "+id)
			return
		}
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to end session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type joinRequest struct {
	ProfileID string `json:"profile_id"`
	DeviceID  string `json:"device_id,omitempty"`
}

type entityResponse struct {
	EntityID  string    `json:"entity_id"`
	ProfileID string    `json:"profile_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
	Active    bool      `json:"active"`
}

func toEntityResponse(e roster.Entity) entityResponse {
	return entityResponse{
		EntityID:  e.EntityID,
		ProfileID: e.ProfileID,
		DeviceID:  e.DeviceID,
		JoinedAt:  e.JoinedAt,
		Active:    e.Active,
	}
}

// JoinEntity handles POST /api/v1/sessions/{sessionID}/entities.
func (h *Handler) JoinEntity(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.ProfileID == "" {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "profile_id is required")
		return
	}

	e, err := s.Join(req.ProfileID, req.DeviceID)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntityResponse(e))
}

// LeaveEntity handles DELETE /api/v1/sessions/{sessionID}/entities/{entityID}.
func (h *Handler) LeaveEntity(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	entityID := chi.URLParam(r, "entityID")
	if err := s.Leave(entityID); err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// AssignDevice handles PUT /api/v1/sessions/{sessionID}/entities/{entityID}/device.
func (h *Handler) AssignDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	var req assignDeviceRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "device_id is required")
		return
	}

	entityID := chi.URLParam(r, "entityID")
	if err := s.AssignDevice(entityID, req.DeviceID); err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sampleRequest struct {
	EntityID  string    `json:"entity_id"`
	HeartRate int       `json:"heart_rate"`
	Timestamp time.Time `json:"timestamp"`
}

type ingestRequest struct {
	Samples []sampleRequest `json:"samples"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// IngestSamples handles POST /api/v1/sessions/{sessionID}/samples.
// Samples are offered to the session loop without blocking; samples
// that cannot be queued are counted as dropped.
func (h *Handler) IngestSamples(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	var req ingestRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Samples) == 0 {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "samples must not be empty")
		return
	}

	// Every sample must carry its device timestamp: server-stamping would
	// race device-stamped samples already queued and trip the per-entity
	// ordering check.
	for i, smp := range req.Samples {
		if smp.Timestamp.IsZero() {
			WriteProblem(w, r, http.StatusUnprocessableEntity,
				fmt.Sprintf("samples[%d] is missing a timestamp", i))
			return
		}
	}

	var resp ingestResponse
	for _, smp := range req.Samples {
		if s.Offer(session.Sample{EntityID: smp.EntityID, HeartRate: smp.HeartRate, Timestamp: smp.Timestamp}) {
			resp.Accepted++
		} else {
			resp.Dropped++
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GetDecision handles GET /api/v1/sessions/{sessionID}/decision.
// Until the session loop has produced its first decision the endpoint
// reports 503 so callers treat the content as not yet playable.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	d := s.Decision()
	if d == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "No governance decision available yet")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type profileResponse struct {
	EntityID           string    `json:"entity_id"`
	HeartRate          int       `json:"heart_rate"`
	CurrentZoneID      string    `json:"current_zone_id,omitempty"`
	ProgressToNextZone float64   `json:"progress_to_next_zone"`
	TargetHeartRate    int       `json:"target_heart_rate,omitempty"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
}

type profilesResponse struct {
	Profiles []profileResponse `json:"profiles"`
}

// GetProfiles handles GET /api/v1/sessions/{sessionID}/profiles.
func (h *Handler) GetProfiles(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	profiles := s.Profiles()
	resp := profilesResponse{Profiles: make([]profileResponse, 0, len(profiles))}
	for _, p := range profiles {
		resp.Profiles = append(resp.Profiles, toProfileResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toProfileResponse(p vitals.Profile) profileResponse {
	return profileResponse{
		EntityID:           p.EntityID,
		HeartRate:          p.HeartRate,
		CurrentZoneID:      p.CurrentZoneID,
		ProgressToNextZone: p.ProgressToNextZone,
		TargetHeartRate:    p.TargetHeartRate,
		LastUpdatedAt:      p.LastUpdatedAt,
	}
}

type coinsResponse struct {
	Totals map[string]float64 `json:"totals"`
}

// GetCoins handles GET /api/v1/sessions/{sessionID}/coins.
func (h *Handler) GetCoins(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, coinsResponse{Totals: s.Coins()})
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Version:        Version,
		ActiveSessions: h.manager.Active(),
	})
}

// writeSessionError maps session and roster errors to problem responses.
func (h *Handler) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionClosed):
		WriteProblem(w, r, http.StatusConflict, "Session is closed")
	case errors.Is(err, roster.ErrUnknownEntity):
		WriteProblem(w, r, http.StatusNotFound, "Entity not found")
	case errors.Is(err, roster.ErrEntityInactive):
		WriteProblem(w, r, http.StatusConflict, "Entity is not active")
	default:
		WriteProblem(w, r, http.StatusInternalServerError, "Internal server error")
	}
}
