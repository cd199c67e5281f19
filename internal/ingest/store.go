// Package ingest runs restart-safe batch ingest jobs: paged listing from
// the platform adapter, integration, batch summarization, embedding, and
// vector upsert, with durable per-page progress.
package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// JobStore persists ingest jobs. Progress and cursor are written after
// every completed page so a crashed run resumes from the last page
// boundary, not from scratch.
type JobStore interface {
	Create(ctx context.Context, job *models.IngestJob) error
	Get(ctx context.Context, tenantID, jobID string) (*models.IngestJob, error)
	Update(ctx context.Context, job *models.IngestJob) error
	Heartbeat(ctx context.Context, jobID string, at time.Time) error
	// List returns a tenant's jobs, newest first.
	List(ctx context.Context, tenantID string, limit int) ([]*models.IngestJob, error)

	// Runnable returns jobs in the created state, oldest first, for the
	// orchestrator's pickup loop.
	Runnable(ctx context.Context, limit int) ([]*models.IngestJob, error)

	// LastCompleted returns the tenant's most recent completed job, or nil
	// when none exists. Incremental jobs anchor their since bound to it.
	LastCompleted(ctx context.Context, tenantID, platform string) (*models.IngestJob, error)

	// ReclaimStale moves running jobs whose heartbeat is older than cutoff
	// back to created so a restarted process picks them up.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)

	Close()
}

// MemStore is the in-memory job store used when DATABASE_URL is unset.
// Jobs do not survive a restart; it exists for development and tests.
type MemStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.IngestJob
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*models.IngestJob)}
}

func (s *MemStore) Create(_ context.Context, job *models.IngestJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return faults.Newf(faults.ValidationFailure, "job %s already exists", job.JobID)
	}
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (s *MemStore) Get(_ context.Context, tenantID, jobID string) (*models.IngestJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, faults.Newf(faults.NotFound, "job %s not found", jobID)
	}
	return cloneJob(job), nil
}

func (s *MemStore) Update(_ context.Context, job *models.IngestJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; !ok {
		return faults.Newf(faults.NotFound, "job %s not found", job.JobID)
	}
	job.UpdatedAt = time.Now()
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (s *MemStore) Heartbeat(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return faults.Newf(faults.NotFound, "job %s not found", jobID)
	}
	job.HeartbeatAt = at
	return nil
}

func (s *MemStore) List(_ context.Context, tenantID string, limit int) ([]*models.IngestJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.IngestJob
	for _, job := range s.jobs {
		if job.TenantID == tenantID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Runnable(_ context.Context, limit int) ([]*models.IngestJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.IngestJob
	for _, job := range s.jobs {
		if job.Status == models.JobCreated {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) LastCompleted(_ context.Context, tenantID, platform string) (*models.IngestJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *models.IngestJob
	for _, job := range s.jobs {
		if job.TenantID != tenantID || job.Platform != platform || job.Status != models.JobCompleted {
			continue
		}
		if last == nil || job.UpdatedAt.After(last.UpdatedAt) {
			last = job
		}
	}
	if last == nil {
		return nil, nil
	}
	return cloneJob(last), nil
}

func (s *MemStore) ReclaimStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == models.JobRunning && job.HeartbeatAt.Before(cutoff) {
			job.Status = models.JobCreated
			job.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Close() {}

func cloneJob(job *models.IngestJob) *models.IngestJob {
	c := *job
	if job.Since != nil {
		since := *job.Since
		c.Since = &since
	}
	if job.Progress.ItemsTotal != nil {
		total := *job.Progress.ItemsTotal
		c.Progress.ItemsTotal = &total
	}
	c.ErrorLog = append([]models.JobError(nil), job.ErrorLog...)
	return &c
}
