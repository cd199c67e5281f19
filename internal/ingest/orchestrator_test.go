package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/internal/platform"
	"github.com/wedosoft/supportrag/internal/tenant"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

var testTC = tenant.Context{TenantID: "acme", Platform: "freshdesk"}

// fakeAdapter serves pre-built listing pages and records the since bound.
type fakeAdapter struct {
	mu    sync.Mutex
	pages map[models.ObjectType][][]platform.ObjectRef
	since time.Time
}

func (a *fakeAdapter) Platform() string { return "freshdesk" }

func (a *fakeAdapter) ListUpdated(_ context.Context, objectType models.ObjectType, since time.Time, cursor string) ([]platform.ObjectRef, string, error) {
	a.mu.Lock()
	a.since = since
	a.mu.Unlock()

	pages := a.pages[objectType]
	idx := 0
	if cursor != "" {
		for i := range pages {
			if cursor == pageCursor(i) {
				idx = i
				break
			}
		}
	}
	if idx >= len(pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(pages) {
		next = pageCursor(idx + 1)
	}
	return pages[idx], next, nil
}

func pageCursor(i int) string { return "page-" + string(rune('0'+i)) }

func (a *fakeAdapter) FetchTicket(context.Context, string) (*platform.RawTicket, []platform.RawConversation, []platform.RawAttachment, error) {
	return nil, nil, nil, faults.New(faults.NotFound, "not used")
}

func (a *fakeAdapter) FetchArticle(context.Context, string) (*platform.RawArticle, error) {
	return nil, faults.New(faults.NotFound, "not used")
}

func (a *fakeAdapter) RateLimits() platform.RateLimits { return platform.RateLimits{} }

// fakeProcessor records processed ids and fails the ones it is told to.
type fakeProcessor struct {
	mu         sync.Mutex
	processed  []string
	largeScale []string
	failWith   map[string]error
	degraded   map[string]bool
}

func (p *fakeProcessor) Process(_ context.Context, _ tenant.Context, _ platform.Adapter, ref platform.ObjectRef) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failWith[ref.ID]; err != nil {
		return false, err
	}
	p.processed = append(p.processed, ref.ID)
	return p.degraded[ref.ID], nil
}

func (p *fakeProcessor) WithLargeScale() ObjectProcessor { return &largeScaleFake{p} }

func (p *fakeProcessor) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.processed...)
}

func (p *fakeProcessor) largeIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.largeScale...)
}

// largeScaleFake tags objects that went through the compress-first path.
type largeScaleFake struct{ *fakeProcessor }

func (p *largeScaleFake) Process(ctx context.Context, tc tenant.Context, adapter platform.Adapter, ref platform.ObjectRef) (bool, error) {
	p.mu.Lock()
	p.largeScale = append(p.largeScale, ref.ID)
	p.mu.Unlock()
	return p.fakeProcessor.Process(ctx, tc, adapter, ref)
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		Workers:           2,
		HeartbeatInterval: time.Second,
		OverlapWindow:     5 * time.Minute,
		ObjectRetries:     1,
		PageSize:          10,
	}
}

func refs(objectType models.ObjectType, ids ...string) []platform.ObjectRef {
	out := make([]platform.ObjectRef, len(ids))
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range ids {
		out[i] = platform.ObjectRef{ID: id, ObjectType: objectType, UpdatedAt: base.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func newTestOrchestrator(store JobStore, proc ObjectProcessor, adapter platform.Adapter) *Orchestrator {
	factory := func(tenant.Context) (platform.Adapter, error) { return adapter, nil }
	return NewOrchestrator(store, proc, factory, testIngestConfig())
}

// ── Submit and Control ───────────────────────────────────────

func TestSubmit(t *testing.T) {
	o := newTestOrchestrator(NewMemStore(), &fakeProcessor{}, &fakeAdapter{})

	job, err := o.Submit(context.Background(), testTC, models.ScopeIncremental, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != models.JobCreated || job.JobID == "" {
		t.Errorf("job = %+v", job)
	}

	if _, err := o.Submit(context.Background(), testTC, models.JobScope("weekly"), nil); !faults.IsKind(err, faults.ValidationFailure) {
		t.Errorf("bad scope err = %v, want ValidationFailure", err)
	}
}

func TestControlTransitions(t *testing.T) {
	store := NewMemStore()
	o := newTestOrchestrator(store, &fakeProcessor{}, &fakeAdapter{})
	ctx := context.Background()

	job, err := o.Submit(ctx, testTC, models.ScopeFull, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A created job cannot be paused or resumed.
	for _, action := range []string{"pause", "resume"} {
		if _, err := o.Control(ctx, testTC.TenantID, job.JobID, action); !faults.IsKind(err, faults.ValidationFailure) {
			t.Errorf("%s on created job: err = %v, want ValidationFailure", action, err)
		}
	}

	// Cancel works without a live runner and is terminal.
	got, err := o.Control(ctx, testTC.TenantID, job.JobID, "cancel")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.JobCancelled {
		t.Errorf("status = %q", got.Status)
	}
	if _, err := o.Control(ctx, testTC.TenantID, job.JobID, "cancel"); !faults.IsKind(err, faults.ValidationFailure) {
		t.Errorf("cancel on cancelled job: err = %v", err)
	}

	// A paused job resumes by requeueing into the pickup path; the pickup
	// loop owns the created→running transition.
	paused, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	paused.Status = models.JobPaused
	if err := store.Update(ctx, paused); err != nil {
		t.Fatalf("seed paused: %v", err)
	}
	got, err = o.Control(ctx, testTC.TenantID, paused.JobID, "resume")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.Status != models.JobCreated {
		t.Errorf("resumed status = %q, want created (requeued)", got.Status)
	}

	if _, err := o.Control(ctx, testTC.TenantID, job.JobID, "restart"); !faults.IsKind(err, faults.ValidationFailure) {
		t.Errorf("unknown action err = %v", err)
	}
}

func TestControlResumeRunsJob(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{
		models.ObjectTicket: {refs(models.ObjectTicket, "t1")},
	}}
	proc := &fakeProcessor{}
	store := NewMemStore()
	o := newTestOrchestrator(store, proc, adapter)
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	job.Status = models.JobPaused
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("seed paused: %v", err)
	}

	if _, err := o.Control(ctx, testTC.TenantID, job.JobID, "resume"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// One pickup round must start the requeued job.
	o.pickup(ctx)
	o.wg.Wait()

	got, _ := store.Get(ctx, testTC.TenantID, job.JobID)
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %q, want completed after resume", got.Status)
	}
	if ids := proc.ids(); len(ids) != 1 || ids[0] != "t1" {
		t.Errorf("processed = %v, want [t1]", ids)
	}
}

func TestControlLiveSignalReportsTarget(t *testing.T) {
	store := NewMemStore()
	o := newTestOrchestrator(store, &fakeProcessor{}, &fakeAdapter{})
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	job.Status = models.JobRunning
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("seed running: %v", err)
	}
	ch := make(chan models.JobStatus, 1)
	o.mu.Lock()
	o.control[job.JobID] = ch
	o.mu.Unlock()

	got, err := o.Control(ctx, testTC.TenantID, job.JobID, "pause")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got.Status != models.JobPaused {
		t.Errorf("reported status = %q, want the accepted target", got.Status)
	}
	select {
	case sig := <-ch:
		if sig != models.JobPaused {
			t.Errorf("signal = %q", sig)
		}
	default:
		t.Error("no pause signal delivered to the runner")
	}

	// The runner persists the change at the next page boundary, so the
	// store still holds the previous state.
	stored, _ := store.Get(ctx, testTC.TenantID, job.JobID)
	if stored.Status != models.JobRunning {
		t.Errorf("stored status = %q, want running until the runner persists", stored.Status)
	}
}

// ── Job execution ────────────────────────────────────────────

func TestRunCompletesBothObjectTypes(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{
		models.ObjectTicket: {
			refs(models.ObjectTicket, "t1", "t2"),
			refs(models.ObjectTicket, "t3"),
		},
		models.ObjectKBArticle: {
			refs(models.ObjectKBArticle, "a1"),
		},
	}}
	proc := &fakeProcessor{}
	store := NewMemStore()
	o := newTestOrchestrator(store, proc, adapter)
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	o.run(ctx, job, make(chan models.JobStatus, 1))

	got, err := store.Get(ctx, testTC.TenantID, job.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Progress.ItemsDone != 4 || got.Progress.ItemsFailed != 0 {
		t.Errorf("progress = %+v", got.Progress)
	}
	if len(proc.ids()) != 4 {
		t.Errorf("processed = %v", proc.ids())
	}
	if got.Cursor != "" {
		t.Errorf("cursor not cleared after completion: %q", got.Cursor)
	}
}

func TestRunAuthFailureFailsJob(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{
		models.ObjectTicket: {refs(models.ObjectTicket, "t1")},
	}}
	proc := &fakeProcessor{failWith: map[string]error{
		"t1": faults.New(faults.AuthFailure, "key revoked"),
	}}
	store := NewMemStore()
	o := newTestOrchestrator(store, proc, adapter)
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	o.run(ctx, job, make(chan models.JobStatus, 1))

	got, _ := store.Get(ctx, testTC.TenantID, job.JobID)
	if got.Status != models.JobFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if len(got.ErrorLog) == 0 || got.ErrorLog[len(got.ErrorLog)-1].Kind != string(faults.AuthFailure) {
		t.Errorf("error log = %+v", got.ErrorLog)
	}
}

func TestRunSkipsFailedObjectsAndCompletes(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{
		models.ObjectTicket: {refs(models.ObjectTicket, "t1", "t2", "t3")},
	}}
	proc := &fakeProcessor{failWith: map[string]error{
		"t2": faults.New(faults.ValidationFailure, "empty after integration"),
	}}
	store := NewMemStore()
	o := newTestOrchestrator(store, proc, adapter)
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	o.run(ctx, job, make(chan models.JobStatus, 1))

	got, _ := store.Get(ctx, testTC.TenantID, job.JobID)
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %q, want completed despite one bad object", got.Status)
	}
	if got.Progress.ItemsDone != 3 || got.Progress.ItemsFailed != 1 {
		t.Errorf("progress = %+v", got.Progress)
	}
	if len(got.ErrorLog) != 1 || got.ErrorLog[0].OriginalID != "t2" {
		t.Errorf("error log = %+v", got.ErrorLog)
	}
}

func TestRunRecordsDegradedObjects(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{
		models.ObjectTicket: {refs(models.ObjectTicket, "t1")},
	}}
	proc := &fakeProcessor{degraded: map[string]bool{"t1": true}}
	store := NewMemStore()
	o := newTestOrchestrator(store, proc, adapter)
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	o.run(ctx, job, make(chan models.JobStatus, 1))

	got, _ := store.Get(ctx, testTC.TenantID, job.JobID)
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if got.Progress.ItemsFailed != 0 {
		t.Errorf("degraded object counted as failed: %+v", got.Progress)
	}
	if len(got.ErrorLog) != 1 || !got.ErrorLog[0].Recoverable {
		t.Errorf("error log = %+v, want one recoverable entry", got.ErrorLog)
	}
}

func TestRunPausesAtPageBoundary(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{
		models.ObjectTicket: {refs(models.ObjectTicket, "t1"), refs(models.ObjectTicket, "t2")},
	}}
	proc := &fakeProcessor{}
	store := NewMemStore()
	o := newTestOrchestrator(store, proc, adapter)
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	control := make(chan models.JobStatus, 1)
	control <- models.JobPaused
	o.run(ctx, job, control)

	got, _ := store.Get(ctx, testTC.TenantID, job.JobID)
	if got.Status != models.JobPaused {
		t.Fatalf("status = %q, want paused", got.Status)
	}
	if len(proc.ids()) != 0 {
		t.Errorf("processed %v before honoring the pause", proc.ids())
	}
}

func TestRunResumesInArticlePhase(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{
		models.ObjectTicket: {refs(models.ObjectTicket, "t1")},
		models.ObjectKBArticle: {
			refs(models.ObjectKBArticle, "a1"),
			refs(models.ObjectKBArticle, "a2"),
		},
	}}
	proc := &fakeProcessor{}
	store := NewMemStore()
	o := newTestOrchestrator(store, proc, adapter)
	ctx := context.Background()

	// Job stopped mid article phase; the cursor carries the phase, so
	// resuming must not re-run the ticket phase or earlier article pages.
	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	job.Cursor = phaseCursor(models.ObjectKBArticle, pageCursor(1))
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	o.run(ctx, job, make(chan models.JobStatus, 1))

	got, _ := store.Get(ctx, testTC.TenantID, job.JobID)
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if ids := proc.ids(); len(ids) != 1 || ids[0] != "a2" {
		t.Errorf("processed = %v, want only the remaining article page", ids)
	}
}

// cursorSpy records every cursor value the orchestrator persists.
type cursorSpy struct {
	JobStore
	mu      sync.Mutex
	cursors []string
}

func (s *cursorSpy) Update(ctx context.Context, job *models.IngestJob) error {
	s.mu.Lock()
	s.cursors = append(s.cursors, job.Cursor)
	s.mu.Unlock()
	return s.JobStore.Update(ctx, job)
}

func TestRunPersistsPhaseInCursor(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{
		models.ObjectTicket: {
			refs(models.ObjectTicket, "t1"),
			refs(models.ObjectTicket, "t2"),
		},
		models.ObjectKBArticle: {refs(models.ObjectKBArticle, "a1")},
	}}
	spy := &cursorSpy{JobStore: NewMemStore()}
	o := newTestOrchestrator(spy, &fakeProcessor{}, adapter)
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	o.run(ctx, job, make(chan models.JobStatus, 1))

	// Every persisted cursor names its phase: the mid-phase page token,
	// the phase boundary, and the cleared cursor on completion.
	seen := map[string]bool{}
	spy.mu.Lock()
	for _, c := range spy.cursors {
		seen[c] = true
	}
	spy.mu.Unlock()
	if !seen[phaseCursor(models.ObjectTicket, pageCursor(1))] {
		t.Errorf("mid-phase ticket cursor not persisted: %v", spy.cursors)
	}
	if !seen[phaseCursor(models.ObjectKBArticle, "")] {
		t.Errorf("article phase boundary not persisted: %v", spy.cursors)
	}
	if !seen[""] {
		t.Errorf("cursor not cleared on completion: %v", spy.cursors)
	}
}

func TestRunSwitchesToLargeScalePastThreshold(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{
		models.ObjectTicket: {
			refs(models.ObjectTicket, "t1", "t2"),
			refs(models.ObjectTicket, "t3", "t4"),
		},
	}}
	proc := &fakeProcessor{}
	store := NewMemStore()
	cfg := testIngestConfig()
	cfg.LargeScaleThreshold = 2
	factory := func(tenant.Context) (platform.Adapter, error) { return adapter, nil }
	o := NewOrchestrator(store, proc, factory, cfg)
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	o.run(ctx, job, make(chan models.JobStatus, 1))

	got, _ := store.Get(ctx, testTC.TenantID, job.JobID)
	if got.Status != models.JobCompleted || got.Progress.ItemsDone != 4 {
		t.Fatalf("job = %q done=%d", got.Status, got.Progress.ItemsDone)
	}

	// First page stays under the threshold; the second crosses it and
	// runs through the compress-first pipeline.
	large := map[string]bool{}
	for _, id := range proc.largeIDs() {
		large[id] = true
	}
	if large["t1"] || large["t2"] {
		t.Errorf("first page compressed prematurely: %v", proc.largeIDs())
	}
	if !large["t3"] || !large["t4"] {
		t.Errorf("second page not compressed: %v", proc.largeIDs())
	}
}

func TestSinceForExplicit(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{}}
	store := NewMemStore()
	o := newTestOrchestrator(store, &fakeProcessor{}, adapter)
	ctx := context.Background()

	since := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	job, err := o.Submit(ctx, testTC, models.ScopeIncremental, &since)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The bound survives persistence; a reclaimed job must keep it.
	stored, _ := store.Get(ctx, testTC.TenantID, job.JobID)
	if stored.Since == nil || !stored.Since.Equal(since) {
		t.Fatalf("stored since = %v, want %v", stored.Since, since)
	}

	o.run(ctx, job, make(chan models.JobStatus, 1))
	if !adapter.since.Equal(since) {
		t.Errorf("listing since = %v, want the caller-supplied bound", adapter.since)
	}
}

func TestSinceForIncremental(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	completedAt := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	if err := store.Create(ctx, &models.IngestJob{
		JobID:     "prev",
		TenantID:  testTC.TenantID,
		Platform:  testTC.Platform,
		Scope:     models.ScopeFull,
		Status:    models.JobCompleted,
		CreatedAt: completedAt,
		UpdatedAt: completedAt,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{}}
	o := newTestOrchestrator(store, &fakeProcessor{}, adapter)

	job, _ := o.Submit(ctx, testTC, models.ScopeIncremental, nil)
	o.run(ctx, job, make(chan models.JobStatus, 1))

	want := completedAt.Add(-testIngestConfig().OverlapWindow)
	if !adapter.since.Equal(want) {
		t.Errorf("since = %v, want %v", adapter.since, want)
	}

	// Full scope always sweeps from the beginning.
	full, _ := o.Submit(ctx, testTC, models.ScopeFull, nil)
	o.run(ctx, full, make(chan models.JobStatus, 1))
	if !adapter.since.IsZero() {
		t.Errorf("full sweep since = %v, want zero", adapter.since)
	}
}

func TestSinceForIncrementalWithoutHistory(t *testing.T) {
	adapter := &fakeAdapter{pages: map[models.ObjectType][][]platform.ObjectRef{}}
	o := newTestOrchestrator(NewMemStore(), &fakeProcessor{}, adapter)
	ctx := context.Background()

	job, _ := o.Submit(ctx, testTC, models.ScopeIncremental, nil)
	o.run(ctx, job, make(chan models.JobStatus, 1))

	if !adapter.since.IsZero() {
		t.Errorf("since = %v, want zero (degrade to full sweep)", adapter.since)
	}
}
