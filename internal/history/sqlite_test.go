package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/pulsegate/internal/governance"
	"github.com/hyperengineering/pulsegate/internal/session"
)

func newTestRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()
	rec, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec
}

func TestRecordTransition_ReadBackInOrder(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	steps := []struct {
		from, to governance.Status
	}{
		{governance.StatusUnlocked, governance.StatusPending},
		{governance.StatusPending, governance.StatusWarning},
		{governance.StatusWarning, governance.StatusLocked},
		{governance.StatusLocked, governance.StatusUnlocked},
	}
	for i, step := range steps {
		if err := rec.RecordTransition(ctx, "s1", step.from, step.to, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("record transition %d: %v", i, err)
		}
	}
	// Another session's rows must not leak in.
	if err := rec.RecordTransition(ctx, "s2", governance.StatusUnlocked, governance.StatusPending, base); err != nil {
		t.Fatalf("record s2 transition: %v", err)
	}

	got, err := rec.Transitions(ctx, "s1")
	if err != nil {
		t.Fatalf("read transitions: %v", err)
	}
	if len(got) != len(steps) {
		t.Fatalf("got %d transitions, want %d", len(got), len(steps))
	}
	for i, tr := range got {
		if tr.From != steps[i].from || tr.To != steps[i].to {
			t.Errorf("transition %d = %s->%s, want %s->%s", i, tr.From, tr.To, steps[i].from, steps[i].to)
		}
	}
}

func TestRecordSessionEnd(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	totals := []session.EntityTotal{
		{EntityID: "e1", ProfileID: "p1", Coins: 42.5},
		{EntityID: "e2", ProfileID: "p2", Coins: 0},
	}
	if err := rec.RecordSessionEnd(ctx, "s1", time.Now(), totals); err != nil {
		t.Fatalf("record session end: %v", err)
	}

	var count int
	if err := rec.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_summaries WHERE session_id = ?`, "s1",
	).Scan(&count); err != nil {
		t.Fatalf("count summaries: %v", err)
	}
	if count != 2 {
		t.Errorf("summaries = %d, want 2", count)
	}
}

func TestRecorder_SatisfiesSessionInterface(t *testing.T) {
	var _ session.Recorder = newTestRecorder(t)
}

func TestMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	rec, err := NewSQLiteRecorder(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	rec.Close()

	// Reopening runs goose against an already-migrated database.
	rec, err = NewSQLiteRecorder(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	rec.Close()
}

func TestPruneBefore(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if err := rec.RecordTransition(ctx, "old", governance.StatusUnlocked, governance.StatusPending, base); err != nil {
		t.Fatalf("record old transition: %v", err)
	}
	if err := rec.RecordTransition(ctx, "new", governance.StatusUnlocked, governance.StatusPending, base.Add(48*time.Hour)); err != nil {
		t.Fatalf("record new transition: %v", err)
	}
	if err := rec.RecordSessionEnd(ctx, "old", base, []session.EntityTotal{
		{EntityID: "e1", ProfileID: "p1", Coins: 4},
	}); err != nil {
		t.Fatalf("record old summary: %v", err)
	}

	removed, err := rec.PruneBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	old, err := rec.Transitions(ctx, "old")
	if err != nil {
		t.Fatalf("read old transitions: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("old transitions remaining = %d, want 0", len(old))
	}
	kept, err := rec.Transitions(ctx, "new")
	if err != nil {
		t.Fatalf("read new transitions: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("new transitions = %d, want 1", len(kept))
	}
}
