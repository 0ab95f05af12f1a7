package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/lock"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/signals"
	"marketplace-orchestrator/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*models.Job
	types  map[string]models.ActionType
	tasks  map[int64][]models.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs: make(map[int64]*models.Job),
		types: map[string]models.ActionType{
			"ebay/publish_listing": {ID: 3, Marketplace: models.Ebay, Code: "publish_listing", HandlerKey: "listing.publish"},
		},
		tasks: make(map[int64][]models.Task),
	}
}

func (f *fakeStore) ResolveActionType(_ context.Context, mp models.Marketplace, code string) (models.ActionType, error) {
	at, ok := f.types[string(mp)+"/"+code]
	if !ok {
		return models.ActionType{}, models.ErrInvalidInput
	}
	return at, nil
}

func (f *fakeStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.IdempotencyKey != "" {
		for _, j := range f.jobs {
			if j.IdempotencyKey != nil && *j.IdempotencyKey == p.IdempotencyKey &&
				(j.Status.Active() || j.Status == models.JobCompleted) {
				return models.Job{}, models.ErrDuplicateKey
			}
		}
	}
	f.nextID++
	j := &models.Job{
		ID: f.nextID, Marketplace: p.Marketplace, ActionTypeID: p.ActionTypeID,
		TargetResourceID: p.TargetResourceID, Priority: p.Priority, MaxRetries: p.MaxRetries,
		Status: models.JobPending, InputData: p.InputData, ExpiresAt: p.ExpiresAt,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		j.IdempotencyKey = &key
	}
	f.jobs[j.ID] = j
	return *j, nil
}

func (f *fakeStore) FindByIdempotencyKey(_ context.Context, key string) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Job
	for _, j := range f.jobs {
		if j.IdempotencyKey != nil && *j.IdempotencyKey == key && (latest == nil || j.ID > latest.ID) {
			latest = j
		}
	}
	if latest == nil {
		return models.Job{}, false, nil
	}
	return *latest, true, nil
}

func (f *fakeStore) GetJob(_ context.Context, id int64) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return *j, nil
}

func (f *fakeStore) RequestCancel(_ context.Context, id int64) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	if j.Status.Active() {
		j.CancelRequested = true
	}
	return *j, nil
}

func (f *fakeStore) ListTasks(_ context.Context, jobID int64) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[jobID], nil
}

func (f *fakeStore) setStatus(id int64, status models.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = status
}

type harness struct {
	svc   *Service
	store *fakeStore
	sig   *lock.Signaler
	bus   *signals.Bus
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := newFakeStore()
	sig := lock.NewSignaler(lock.NewMemoryLocker(), 1, time.Millisecond)
	bus := signals.NewBusWithClient(client, time.Hour)
	cfg := config.Config{DefaultPriority: 5, DefaultMaxRetries: 3}
	return &harness{svc: NewService(cfg, st, sig, bus), store: st, sig: sig, bus: bus, ctx: context.Background()}
}

func publishRequest(key string) CreateRequest {
	return CreateRequest{
		Marketplace:    models.Ebay,
		ActionType:     "publish_listing",
		IdempotencyKey: key,
		InputData:      models.Payload{"listing_id": 1},
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Create(h.ctx, publishRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Cached {
		t.Fatal("fresh job reported as cached")
	}
	job := res.Job
	if job.Status != models.JobPending || job.Priority != 5 || job.MaxRetries != 3 || job.ActionTypeID != 3 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	cases := map[string]CreateRequest{
		"marketplace": {Marketplace: "amazon", ActionType: "publish_listing"},
		"action":      {Marketplace: models.Ebay, ActionType: "teleport"},
		"key":         {Marketplace: models.Ebay, ActionType: "publish_listing", IdempotencyKey: strings.Repeat("k", 65)},
		"retries":     {Marketplace: models.Ebay, ActionType: "publish_listing", MaxRetries: intPtr(-1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			if _, err := h.svc.Create(h.ctx, req); !errors.Is(err, models.ErrInvalidInput) {
				t.Fatalf("want ErrInvalidInput, got %v", err)
			}
		})
	}
}

func intPtr(v int) *int { return &v }

func TestCreateAllowsSingleAttempt(t *testing.T) {
	h := newHarness(t)
	req := publishRequest("")
	req.MaxRetries = intPtr(0)
	res, err := h.svc.Create(h.ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Job.MaxRetries != 0 {
		t.Fatalf("max_retries = %d, want 0", res.Job.MaxRetries)
	}
}

func TestCreateHonorsIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	first, err := h.svc.Create(h.ctx, publishRequest("publish_1_abc"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := h.svc.Create(h.ctx, publishRequest("publish_1_abc")); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("active duplicate: want ErrConflict, got %v", err)
	}

	h.store.setStatus(first.Job.ID, models.JobCompleted)
	cached, err := h.svc.Create(h.ctx, publishRequest("publish_1_abc"))
	if err != nil || !cached.Cached || cached.Job.ID != first.Job.ID {
		t.Fatalf("completed duplicate: got %+v, %v", cached, err)
	}

	h.store.setStatus(first.Job.ID, models.JobFailed)
	again, err := h.svc.Create(h.ctx, publishRequest("publish_1_abc"))
	if err != nil || again.Cached || again.Job.ID == first.Job.ID {
		t.Fatalf("failed duplicate should create a new job: %+v, %v", again, err)
	}
}

func TestProgressPrefersLiveMirrorWhileRunning(t *testing.T) {
	h := newHarness(t)
	res, _ := h.svc.Create(h.ctx, publishRequest(""))
	id := res.Job.ID
	h.store.jobs[id].Progress = models.Progress{Phase: "dispatch", Current: 500}
	h.store.setStatus(id, models.JobRunning)

	st, err := h.svc.Progress(h.ctx, id)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if st.Progress == nil || st.Progress.Current != 500 {
		t.Fatalf("row progress = %+v", st.Progress)
	}

	if err := h.bus.StoreProgress(h.ctx, id, models.Progress{Phase: "dispatch", Current: 750}); err != nil {
		t.Fatalf("store progress: %v", err)
	}
	st, _ = h.svc.Progress(h.ctx, id)
	if st.Progress.Current != 750 {
		t.Fatalf("live progress = %+v", st.Progress)
	}
	if st.Result != nil {
		t.Fatal("running job must not expose a result")
	}

	h.store.jobs[id].ResultData = models.Payload{"remote_id": "R-9"}
	h.store.setStatus(id, models.JobCompleted)
	st, _ = h.svc.Progress(h.ctx, id)
	if st.Result["remote_id"] != "R-9" {
		t.Fatalf("completed result = %v", st.Result)
	}
}

func TestRequestCancelSignalsRunningJob(t *testing.T) {
	h := newHarness(t)
	res, _ := h.svc.Create(h.ctx, publishRequest(""))
	id := res.Job.ID
	h.store.setStatus(id, models.JobRunning)

	job, err := h.svc.RequestCancel(h.ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !job.CancelRequested {
		t.Fatal("cancel_requested not set")
	}
	if raised, _ := h.sig.CancelRequested(h.ctx, id); !raised {
		t.Fatal("advisory cancel signal not raised")
	}
	if raised, _ := h.bus.CancelRequested(h.ctx, id); !raised {
		t.Fatal("bus cancel flag not raised")
	}

	h.store.setStatus(id, models.JobCancelled)
	released, err := h.svc.PruneSignals(h.ctx)
	if err != nil || released != 1 {
		t.Fatalf("prune = %d, %v", released, err)
	}
	if raised, _ := h.sig.CancelRequested(h.ctx, id); raised {
		t.Fatal("signal still held after prune")
	}
	if raised, _ := h.bus.CancelRequested(h.ctx, id); raised {
		t.Fatal("bus flag survived prune")
	}
}

func TestRequestCancelPendingJobOnlyFlagsRow(t *testing.T) {
	h := newHarness(t)
	res, _ := h.svc.Create(h.ctx, publishRequest(""))

	job, err := h.svc.RequestCancel(h.ctx, res.Job.ID)
	if err != nil || !job.CancelRequested {
		t.Fatalf("cancel = %+v, %v", job, err)
	}
	if raised, _ := h.sig.CancelRequested(h.ctx, res.Job.ID); raised {
		t.Fatal("pending job should not hold a cancel signal")
	}
}

func TestTasksUnknownJob(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Tasks(h.ctx, 404); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
