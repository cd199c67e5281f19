package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

func seedJob(id, tenantID string, status models.JobStatus, createdAt time.Time) *models.IngestJob {
	return &models.IngestJob{
		JobID:       id,
		TenantID:    tenantID,
		Platform:    "freshdesk",
		Scope:       models.ScopeFull,
		Status:      status,
		HeartbeatAt: createdAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestMemStoreCreateGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.Create(ctx, seedJob("j1", "acme", models.JobCreated, now)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, seedJob("j1", "acme", models.JobCreated, now)); !faults.IsKind(err, faults.ValidationFailure) {
		t.Errorf("duplicate create err = %v", err)
	}

	got, err := s.Get(ctx, "acme", "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.JobID != "j1" {
		t.Errorf("got %+v", got)
	}

	// A job is invisible to other tenants.
	if _, err := s.Get(ctx, "other", "j1"); !faults.IsKind(err, faults.NotFound) {
		t.Errorf("cross-tenant get err = %v, want NotFound", err)
	}
	if _, err := s.Get(ctx, "acme", "missing"); !faults.IsKind(err, faults.NotFound) {
		t.Errorf("missing get err = %v", err)
	}
}

func TestMemStoreCloneIsolation(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Create(ctx, seedJob("j1", "acme", models.JobCreated, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, _ := s.Get(ctx, "acme", "j1")
	got.Status = models.JobFailed
	got.ErrorLog = append(got.ErrorLog, models.JobError{Message: "mutated"})

	again, _ := s.Get(ctx, "acme", "j1")
	if again.Status != models.JobCreated || len(again.ErrorLog) != 0 {
		t.Errorf("store leaked caller mutations: %+v", again)
	}
}

func TestMemStoreListNewestFirst(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Create(ctx, seedJob(id, "acme", models.JobCreated, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if err := s.Create(ctx, seedJob("foreign", "other", models.JobCreated, base)); err != nil {
		t.Fatalf("Create foreign: %v", err)
	}

	jobs, err := s.List(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("listed %d jobs", len(jobs))
	}
	if jobs[0].JobID != "new" || jobs[2].JobID != "old" {
		t.Errorf("order = %s, %s, %s", jobs[0].JobID, jobs[1].JobID, jobs[2].JobID)
	}

	limited, _ := s.List(ctx, "acme", 2)
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d jobs", len(limited))
	}
}

func TestMemStoreRunnableOldestFirst(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	s.Create(ctx, seedJob("second", "acme", models.JobCreated, base.Add(time.Hour)))
	s.Create(ctx, seedJob("first", "acme", models.JobCreated, base))
	s.Create(ctx, seedJob("busy", "acme", models.JobRunning, base))

	jobs, err := s.Runnable(ctx, 10)
	if err != nil {
		t.Fatalf("Runnable: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("runnable = %d jobs", len(jobs))
	}
	if jobs[0].JobID != "first" || jobs[1].JobID != "second" {
		t.Errorf("order = %s, %s", jobs[0].JobID, jobs[1].JobID)
	}
}

func TestMemStoreLastCompleted(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	got, err := s.LastCompleted(ctx, "acme", "freshdesk")
	if err != nil || got != nil {
		t.Fatalf("empty store: %v, %v", got, err)
	}

	older := seedJob("older", "acme", models.JobCompleted, base)
	newer := seedJob("newer", "acme", models.JobCompleted, base.Add(time.Hour))
	newer.UpdatedAt = base.Add(2 * time.Hour)
	s.Create(ctx, older)
	s.Create(ctx, newer)
	s.Create(ctx, seedJob("running", "acme", models.JobRunning, base.Add(3*time.Hour)))

	got, err = s.LastCompleted(ctx, "acme", "freshdesk")
	if err != nil {
		t.Fatalf("LastCompleted: %v", err)
	}
	if got == nil || got.JobID != "newer" {
		t.Errorf("got %+v, want newer", got)
	}

	if got, _ := s.LastCompleted(ctx, "acme", "zendesk"); got != nil {
		t.Errorf("platform mismatch returned %+v", got)
	}
}

func TestMemStoreReclaimStale(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	stale := seedJob("stale", "acme", models.JobRunning, now.Add(-time.Hour))
	stale.HeartbeatAt = now.Add(-time.Hour)
	fresh := seedJob("fresh", "acme", models.JobRunning, now)
	fresh.HeartbeatAt = now
	s.Create(ctx, stale)
	s.Create(ctx, fresh)

	n, err := s.ReclaimStale(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed %d jobs, want 1", n)
	}

	got, _ := s.Get(ctx, "acme", "stale")
	if got.Status != models.JobCreated {
		t.Errorf("stale job status = %q, want created", got.Status)
	}
	got, _ = s.Get(ctx, "acme", "fresh")
	if got.Status != models.JobRunning {
		t.Errorf("fresh job status = %q, want running", got.Status)
	}
}

func TestMemStoreHeartbeat(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	s.Create(ctx, seedJob("j1", "acme", models.JobRunning, at.Add(-time.Hour)))
	if err := s.Heartbeat(ctx, "j1", at); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got, _ := s.Get(ctx, "acme", "j1")
	if !got.HeartbeatAt.Equal(at) {
		t.Errorf("HeartbeatAt = %v, want %v", got.HeartbeatAt, at)
	}

	if err := s.Heartbeat(ctx, "missing", at); !faults.IsKind(err, faults.NotFound) {
		t.Errorf("missing heartbeat err = %v", err)
	}
}
