package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hyperengineering/pulsegate/internal/session"
	"github.com/hyperengineering/pulsegate/internal/zones"
)

func testCatalog(t *testing.T) *zones.Catalog {
	t.Helper()
	cat, err := zones.Build([]zones.Config{
		{ID: "rest", MinHeartRate: 0, Color: "#3b82f6"},
		{ID: "warm", MinHeartRate: 100, Color: "#22c55e"},
		{ID: "active", MinHeartRate: 130, Color: "#f59e0b"},
		{ID: "intense", MinHeartRate: 160, Color: "#ef4444"},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return cat
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	mgr := session.NewManager(testCatalog(t), session.DefaultOptions())
	t.Cleanup(mgr.Shutdown)

	h := NewHandler(mgr, nil)
	srv := httptest.NewServer(NewRouter(h, ""))
	t.Cleanup(srv.Close)
	return srv, mgr
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createGovernedSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions", map[string]any{
		"content_id": "movie-night",
		"policy": map[string]any{
			"requirements": []map[string]any{
				{"target_zone_id": "warm", "rule": "all"},
			},
			"grace_period_seconds": 60,
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var out struct {
		SessionID string `json:"session_id"`
		Governed  bool   `json:"governed"`
	}
	decodeBody(t, resp, &out)
	if !out.Governed {
		t.Fatal("expected governed session")
	}
	return out.SessionID
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var out struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"active_sessions"`
	}
	decodeBody(t, resp, &out)
	if out.Status != "ok" {
		t.Errorf("status = %q, want %q", out.Status, "ok")
	}
}

func TestCreateSessionUngoverned(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions", map[string]any{
		"content_id": "cartoons",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var out struct {
		SessionID string `json:"session_id"`
		Governed  bool   `json:"governed"`
	}
	decodeBody(t, resp, &out)
	if out.SessionID == "" {
		t.Error("expected non-empty session_id")
	}
	if out.Governed {
		t.Error("expected ungoverned session without a policy")
	}
}

func TestCreateSessionInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/sessions", "application/json", bytes.NewBufferString("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
}

func TestJoinAndDecision(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createGovernedSession(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/entities", map[string]any{
		"profile_id": "kid-1",
		"device_id":  "strap-01",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var ent entityResponse
	decodeBody(t, resp, &ent)
	if ent.EntityID == "" {
		t.Fatal("expected non-empty entity_id")
	}
	if !ent.Active {
		t.Error("expected active entity")
	}

	resp, err := http.Get(srv.URL + "/api/v1/sessions/" + id + "/decision")
	if err != nil {
		t.Fatalf("GET decision: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decision status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var dec struct {
		IsGoverned bool   `json:"is_governed"`
		Status     string `json:"status"`
	}
	decodeBody(t, resp, &dec)
	if !dec.IsGoverned {
		t.Error("expected governed decision")
	}
	if dec.Status != "pending" {
		t.Errorf("status = %q, want %q while grace runs", dec.Status, "pending")
	}
}

func TestDecisionBeforeFirstEvaluation(t *testing.T) {
	srv, mgr := newTestServer(t)
	s := mgr.Create(nil)

	resp, err := http.Get(srv.URL + "/api/v1/sessions/" + s.ID + "/decision")
	if err != nil {
		t.Fatalf("GET decision: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestJoinValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createGovernedSession(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/entities", map[string]any{
		"device_id": "strap-01",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, tt := range []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/v1/sessions/nope/decision", nil},
		{http.MethodGet, "/api/v1/sessions/nope/profiles", nil},
		{http.MethodGet, "/api/v1/sessions/nope/coins", nil},
		{http.MethodDelete, "/api/v1/sessions/nope", nil},
		{http.MethodPost, "/api/v1/sessions/nope/entities", map[string]any{"profile_id": "p"}},
	} {
		resp := doJSON(t, tt.method, srv.URL+tt.path, tt.body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, resp.StatusCode, http.StatusNotFound)
		}
	}
}

func TestIngestSamples(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createGovernedSession(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/entities", map[string]any{
		"profile_id": "kid-1",
	})
	var ent entityResponse
	decodeBody(t, resp, &ent)

	now := time.Now()
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/samples", map[string]any{
		"samples": []map[string]any{
			{"entity_id": ent.EntityID, "heart_rate": 110, "timestamp": now.Format(time.RFC3339Nano)},
			{"entity_id": ent.EntityID, "heart_rate": 112, "timestamp": now.Add(time.Second).Format(time.RFC3339Nano)},
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	var out ingestResponse
	decodeBody(t, resp, &out)
	if out.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", out.Accepted)
	}
	if out.Dropped != 0 {
		t.Errorf("dropped = %d, want 0", out.Dropped)
	}
}

func TestIngestRejectsMissingTimestamp(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createGovernedSession(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/entities", map[string]any{
		"profile_id": "kid-1",
	})
	var ent entityResponse
	decodeBody(t, resp, &ent)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/samples", map[string]any{
		"samples": []map[string]any{
			{"entity_id": ent.EntityID, "heart_rate": 110, "timestamp": time.Now().Format(time.RFC3339Nano)},
			{"entity_id": ent.EntityID, "heart_rate": 112},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
}

func TestIngestEmptyBatch(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createGovernedSession(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/samples", map[string]any{
		"samples": []map[string]any{},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestAssignAndLeave(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createGovernedSession(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/entities", map[string]any{
		"profile_id": "kid-1",
	})
	var ent entityResponse
	decodeBody(t, resp, &ent)

	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/sessions/"+id+"/entities/"+ent.EntityID+"/device", map[string]any{
		"device_id": "strap-02",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("assign status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/sessions/"+id+"/entities/"+ent.EntityID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("leave status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	// A second leave hits an inactive entity.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/sessions/"+id+"/entities/"+ent.EntityID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat leave status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/sessions/"+id+"/entities/ghost", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown leave status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestCoinsAndProfilesEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createGovernedSession(t, srv)

	resp, err := http.Get(srv.URL + "/api/v1/sessions/" + id + "/coins")
	if err != nil {
		t.Fatalf("GET coins: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("coins status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var coins coinsResponse
	decodeBody(t, resp, &coins)
	if len(coins.Totals) != 0 {
		t.Errorf("totals = %v, want empty", coins.Totals)
	}

	resp, err = http.Get(srv.URL + "/api/v1/sessions/" + id + "/profiles")
	if err != nil {
		t.Fatalf("GET profiles: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profiles status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var profiles profilesResponse
	decodeBody(t, resp, &profiles)
	if len(profiles.Profiles) != 0 {
		t.Errorf("profiles = %v, want empty", profiles.Profiles)
	}
}

func TestEndSession(t *testing.T) {
	srv, mgr := newTestServer(t)
	id := createGovernedSession(t, srv)

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/sessions/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if mgr.Active() != 0 {
		t.Errorf("Active() = %d, want 0", mgr.Active())
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/sessions/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("repeat end status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestSessionOutlivesCreateRequest(t *testing.T) {
	srv, mgr := newTestServer(t)
	id := createGovernedSession(t, srv)

	// The create request is long gone; the loop must still be running.
	time.Sleep(100 * time.Millisecond)
	s, ok := mgr.Get(id)
	if !ok {
		t.Fatal("session gone after create request completed")
	}
	select {
	case <-s.Done():
		t.Fatal("session loop stopped with the create request")
	default:
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/entities", map[string]any{
		"profile_id": "kid-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join after create status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var ent entityResponse
	decodeBody(t, resp, &ent)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/samples", map[string]any{
		"samples": []map[string]any{
			{"entity_id": ent.EntityID, "heart_rate": 110, "timestamp": time.Now().Format(time.RFC3339Nano)},
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest after create status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	var out ingestResponse
	decodeBody(t, resp, &out)
	if out.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", out.Accepted)
	}
}
