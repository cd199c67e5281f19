package ingest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/internal/platform"
	"github.com/wedosoft/supportrag/internal/tenant"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// staleMultiplier times the heartbeat interval is the reclaim cutoff.
const staleMultiplier = 3

// AdapterFactory builds a platform adapter for a tenant. Credentials are
// resolved per tenant outside the orchestrator.
type AdapterFactory func(tc tenant.Context) (platform.Adapter, error)

// ObjectProcessor ingests one listed object end to end. Pipeline is the
// production implementation.
type ObjectProcessor interface {
	Process(ctx context.Context, tc tenant.Context, adapter platform.Adapter, ref platform.ObjectRef) (degraded bool, err error)

	// WithLargeScale returns a variant that compresses input before
	// summarizing. The orchestrator switches to it when a job crosses
	// the large-scale threshold.
	WithLargeScale() ObjectProcessor
}

// Orchestrator drives ingest jobs through their lifecycle. One
// orchestrator runs per process; each job gets its own goroutine and a
// bounded worker pool for object processing.
type Orchestrator struct {
	store    JobStore
	pipeline ObjectProcessor
	large    ObjectProcessor
	adapters AdapterFactory
	cfg      config.IngestConfig

	mu      sync.Mutex
	control map[string]chan models.JobStatus // jobID → pause/cancel signals

	wg sync.WaitGroup
}

// NewOrchestrator wires the orchestrator. Call Run to start the pickup
// loop and Close for graceful drain.
func NewOrchestrator(store JobStore, pipeline ObjectProcessor, adapters AdapterFactory, cfg config.IngestConfig) *Orchestrator {
	return &Orchestrator{
		store:    store,
		pipeline: pipeline,
		large:    pipeline.WithLargeScale(),
		adapters: adapters,
		cfg:      cfg,
		control:  make(map[string]chan models.JobStatus),
	}
}

// Submit creates a job in the created state. The pickup loop starts it.
// since overrides the derived incremental lower bound when set; an
// external scheduler passes it for clock-skew-safe incremental runs.
func (o *Orchestrator) Submit(ctx context.Context, tc tenant.Context, scope models.JobScope, since *time.Time) (*models.IngestJob, error) {
	if scope != models.ScopeFull && scope != models.ScopeIncremental {
		return nil, faults.Newf(faults.ValidationFailure, "unknown ingest scope %q", scope)
	}
	now := time.Now()
	job := &models.IngestJob{
		JobID:       uuid.NewString(),
		TenantID:    tc.TenantID,
		Platform:    tc.Platform,
		Scope:       scope,
		Since:       since,
		Status:      models.JobCreated,
		HeartbeatAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, err
	}
	log.Info().Str("job_id", job.JobID).Str("tenant_id", tc.TenantID).Str("scope", string(scope)).Msg("ingest job submitted")
	return job, nil
}

// Get returns one job scoped to the tenant.
func (o *Orchestrator) Get(ctx context.Context, tenantID, jobID string) (*models.IngestJob, error) {
	return o.store.Get(ctx, tenantID, jobID)
}

// List returns a tenant's jobs, newest first.
func (o *Orchestrator) List(ctx context.Context, tenantID string, limit int) ([]*models.IngestJob, error) {
	return o.store.List(ctx, tenantID, limit)
}

// transitions is the allowed state machine for Control actions. Terminal
// states accept nothing; created→running belongs to the pickup loop, not
// to callers.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobCreated: {models.JobCancelled},
	models.JobRunning: {models.JobPaused, models.JobCancelled, models.JobCompleted, models.JobFailed},
	models.JobPaused:  {models.JobRunning, models.JobCancelled},
}

func canTransition(from, to models.JobStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Control applies a pause, resume, or cancel action. Invalid transitions
// are rejected without touching the job.
func (o *Orchestrator) Control(ctx context.Context, tenantID, jobID string, action string) (*models.IngestJob, error) {
	job, err := o.store.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	var target models.JobStatus
	switch action {
	case "pause":
		target = models.JobPaused
	case "resume":
		target = models.JobRunning
	case "cancel":
		target = models.JobCancelled
	default:
		return nil, faults.Newf(faults.ValidationFailure, "unknown job action %q", action)
	}
	if !canTransition(job.Status, target) {
		return nil, faults.Newf(faults.ValidationFailure, "cannot %s a %s job", action, job.Status)
	}

	// A running job is signalled through its control channel; the runner
	// persists the state change at the next page boundary. Jobs without a
	// live runner (paused, created) are updated directly.
	o.mu.Lock()
	ch, live := o.control[jobID]
	o.mu.Unlock()

	if live && (target == models.JobPaused || target == models.JobCancelled) {
		select {
		case ch <- target:
		default:
		}
		// Report the accepted target, not the pre-signal snapshot. The
		// runner writes it at the next page boundary.
		job.Status = target
		return job, nil
	}

	// Resume requeues the job for the pickup loop. The pickup path owns
	// the created→running transition, so a resumed job re-enters through
	// it with the cursor intact rather than sitting at running with no
	// runner attached.
	if target == models.JobRunning {
		target = models.JobCreated
	}

	job.Status = target
	if err := o.store.Update(ctx, job); err != nil {
		return nil, err
	}
	log.Info().Str("job_id", jobID).Str("action", action).Msg("ingest job state changed")
	return job, nil
}

// Run starts the pickup loop: reclaim stale jobs once, then poll for
// runnable jobs until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	cutoff := time.Now().Add(-staleMultiplier * o.cfg.HeartbeatInterval)
	if n, err := o.store.ReclaimStale(ctx, cutoff); err != nil {
		log.Error().Err(err).Msg("stale job reclaim failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("stale ingest jobs reclaimed")
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return
		case <-ticker.C:
			o.pickup(ctx)
		}
	}
}

func (o *Orchestrator) pickup(ctx context.Context) {
	jobs, err := o.store.Runnable(ctx, 10)
	if err != nil {
		log.Error().Err(err).Msg("runnable job query failed")
		return
	}
	for _, job := range jobs {
		o.mu.Lock()
		if _, running := o.control[job.JobID]; running {
			o.mu.Unlock()
			continue
		}
		ch := make(chan models.JobStatus, 1)
		o.control[job.JobID] = ch
		o.mu.Unlock()

		o.wg.Add(1)
		go func(job *models.IngestJob, ch chan models.JobStatus) {
			defer o.wg.Done()
			defer func() {
				o.mu.Lock()
				delete(o.control, job.JobID)
				o.mu.Unlock()
			}()
			o.run(ctx, job, ch)
		}(job, ch)
	}
}

// run executes one job until a terminal or paused state. Cursor and
// progress are persisted after every page, which is the resume boundary.
func (o *Orchestrator) run(ctx context.Context, job *models.IngestJob, control <-chan models.JobStatus) {
	logger := log.With().Str("job_id", job.JobID).Str("tenant_id", job.TenantID).Logger()

	if err := tenant.Validate(job.TenantID); err != nil {
		o.finish(ctx, job, models.JobFailed, err)
		return
	}
	tc := tenant.Context{TenantID: job.TenantID, Platform: job.Platform}
	adapter, err := o.adapters(tc)
	if err != nil {
		o.finish(ctx, job, models.JobFailed, err)
		return
	}

	job.Status = models.JobRunning
	job.HeartbeatAt = time.Now()
	if err := o.store.Update(ctx, job); err != nil {
		logger.Error().Err(err).Msg("job start persist failed")
		return
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go o.heartbeat(hbCtx, job.JobID)

	since := o.sinceFor(ctx, job)
	logger.Info().Str("scope", string(job.Scope)).Time("since", since).Msg("ingest job running")

	// The persisted cursor carries the object-type phase, so a job that
	// stopped in the article phase resumes there instead of re-running
	// the whole ticket phase.
	phases := []models.ObjectType{models.ObjectTicket, models.ObjectKBArticle}
	start, resumeCursor := 0, ""
	if job.Cursor != "" {
		phase, c := splitPhaseCursor(job.Cursor)
		for i, p := range phases {
			if p == phase {
				start, resumeCursor = i, c
				break
			}
		}
	}

	for i := start; i < len(phases); i++ {
		done, err := o.runListing(ctx, job, tc, adapter, phases[i], resumeCursor, since, control)
		if err != nil {
			o.finish(ctx, job, models.JobFailed, err)
			return
		}
		if !done {
			// Paused or cancelled; state already persisted.
			return
		}
		resumeCursor = ""
		if i+1 < len(phases) {
			// A phase boundary is a resume point too.
			job.Cursor = phaseCursor(phases[i+1], "")
			if err := o.store.Update(ctx, job); err != nil {
				logger.Error().Err(err).Msg("phase boundary persist failed")
				return
			}
		}
	}

	job.Cursor = ""
	o.finish(ctx, job, models.JobCompleted, nil)
}

// phaseCursor encodes the object-type phase alongside the adapter's
// pagination token.
func phaseCursor(objectType models.ObjectType, cursor string) string {
	return string(objectType) + "|" + cursor
}

func splitPhaseCursor(raw string) (models.ObjectType, string) {
	phase, cursor, ok := strings.Cut(raw, "|")
	if !ok {
		return "", ""
	}
	return models.ObjectType(phase), cursor
}

// runListing pages through one object type starting from startCursor.
// Returns done=false when the job left the running state mid-listing.
func (o *Orchestrator) runListing(ctx context.Context, job *models.IngestJob, tc tenant.Context, adapter platform.Adapter, objectType models.ObjectType, startCursor string, since time.Time, control <-chan models.JobStatus) (done bool, err error) {
	cursor := startCursor
	for {
		select {
		case target := <-control:
			job.Status = target
			if uerr := o.store.Update(ctx, job); uerr != nil {
				return false, uerr
			}
			log.Info().Str("job_id", job.JobID).Str("status", string(target)).Msg("ingest job interrupted")
			return false, nil
		case <-ctx.Done():
			// Process shutdown: leave the job running; the stale reclaim
			// returns it to created after the heartbeat expires.
			return false, nil
		default:
		}

		refs, next, err := adapter.ListUpdated(ctx, objectType, since, cursor)
		if err != nil {
			return false, err
		}

		// Deterministic page order: ascending updated_at, ties broken by id.
		sort.SliceStable(refs, func(i, j int) bool {
			if refs[i].UpdatedAt.Equal(refs[j].UpdatedAt) {
				return refs[i].ID < refs[j].ID
			}
			return refs[i].UpdatedAt.Before(refs[j].UpdatedAt)
		})

		// Past the large-scale threshold the remaining pages go through
		// the compress-first pipeline.
		proc := o.pipeline
		if t := o.cfg.LargeScaleThreshold; t > 0 && job.Progress.ItemsDone+len(refs) > t {
			proc = o.large
		}
		if err := o.processPage(ctx, job, tc, adapter, refs, proc); err != nil {
			return false, err
		}

		cursor = next
		job.Cursor = phaseCursor(objectType, cursor)
		if err := o.store.Update(ctx, job); err != nil {
			return false, err
		}
		if cursor == "" {
			return true, nil
		}
	}
}

// processPage fans the page out over the worker pool. Per-object failures
// are retried up to the configured budget, then logged and skipped;
// auth failures abort the whole job.
func (o *Orchestrator) processPage(ctx context.Context, job *models.IngestJob, tc tenant.Context, adapter platform.Adapter, refs []platform.ObjectRef, proc ObjectProcessor) error {
	if len(refs) == 0 {
		return nil
	}

	workers := o.cfg.Workers
	if workers <= 0 {
		workers = 5
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			degraded, err := o.processWithRetry(gctx, tc, adapter, ref, proc)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				job.Progress.ItemsDone++
				if degraded {
					job.ErrorLog = appendError(job.ErrorLog, ref.ID, faults.New(faults.TransientNetwork, "embedding degraded to zero vector"), true)
				}
			case faults.IsKind(err, faults.AuthFailure) || faults.IsKind(err, faults.Cancelled):
				return err
			default:
				job.Progress.ItemsDone++
				job.Progress.ItemsFailed++
				job.ErrorLog = appendError(job.ErrorLog, ref.ID, err, faults.Retryable(err))
				log.Warn().Str("job_id", job.JobID).Str("original_id", ref.ID).Err(err).Msg("object skipped after retries")
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) processWithRetry(ctx context.Context, tc tenant.Context, adapter platform.Adapter, ref platform.ObjectRef, proc ObjectProcessor) (degraded bool, err error) {
	retries := o.cfg.ObjectRetries
	if retries <= 0 {
		retries = 3
	}
	for attempt := 0; ; attempt++ {
		degraded, err = proc.Process(ctx, tc, adapter, ref)
		if err == nil {
			return degraded, nil
		}
		if attempt >= retries || !faults.Retryable(err) {
			return false, err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * time.Second):
		case <-ctx.Done():
			return false, faults.Wrap(faults.Cancelled, "object retry wait", ctx.Err())
		}
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context, jobID string) {
	interval := o.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.Heartbeat(ctx, jobID, time.Now()); err != nil {
				log.Warn().Str("job_id", jobID).Err(err).Msg("heartbeat write failed")
			}
		}
	}
}

// sinceFor computes the listing lower bound. A caller-supplied since
// wins. Otherwise incremental jobs start from the last completed run
// rewound by the overlap window, so edits racing that run are not
// missed; re-upserts of unchanged content are idempotent. With no prior
// completed run an incremental job degrades to a full sweep.
func (o *Orchestrator) sinceFor(ctx context.Context, job *models.IngestJob) time.Time {
	if job.Since != nil {
		return *job.Since
	}
	if job.Scope == models.ScopeFull {
		return time.Time{}
	}
	last, err := o.store.LastCompleted(ctx, job.TenantID, job.Platform)
	if err != nil || last == nil {
		return time.Time{}
	}
	return last.CreatedAt.Add(-o.cfg.OverlapWindow)
}

func (o *Orchestrator) finish(ctx context.Context, job *models.IngestJob, status models.JobStatus, cause error) {
	job.Status = status
	if cause != nil {
		job.ErrorLog = appendError(job.ErrorLog, "", cause, false)
		log.Error().Str("job_id", job.JobID).Err(cause).Msg("ingest job failed")
	} else {
		log.Info().Str("job_id", job.JobID).Int("done", job.Progress.ItemsDone).Int("failed", job.Progress.ItemsFailed).Msg("ingest job finished")
	}
	if err := o.store.Update(ctx, job); err != nil {
		log.Error().Str("job_id", job.JobID).Err(err).Msg("final job state persist failed")
	}
}

// errorLogCap bounds the per-job error log.
const errorLogCap = 200

func appendError(logSlice []models.JobError, originalID string, err error, recoverable bool) []models.JobError {
	if len(logSlice) >= errorLogCap {
		return logSlice
	}
	return append(logSlice, models.JobError{
		At:          time.Now(),
		OriginalID:  originalID,
		Kind:        string(faults.KindOf(err)),
		Message:     err.Error(),
		Recoverable: recoverable,
	})
}
