package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/listings"
	"marketplace-orchestrator/internal/marketplace"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/pending"
	"marketplace-orchestrator/internal/photos"
	"marketplace-orchestrator/internal/tasks"
	"marketplace-orchestrator/internal/worker"
)

type memTasks struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*models.Task
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[int64]*models.Task)}
}

func (m *memTasks) CreateTasks(_ context.Context, jobID int64, descriptions []string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Task, 0, len(descriptions))
	for i, d := range descriptions {
		m.nextID++
		t := &models.Task{ID: m.nextID, JobID: jobID, Position: i + 1, Description: d, Status: models.TaskPending}
		m.tasks[t.ID] = t
		out = append(out, *t)
	}
	return out, nil
}

func (m *memTasks) ListTasks(_ context.Context, jobID int64) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for id := int64(1); id <= m.nextID; id++ {
		if t, ok := m.tasks[id]; ok && t.JobID == jobID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTasks) set(id int64, fn func(t *models.Task)) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, models.ErrNotFound
	}
	fn(t)
	return *t, nil
}

func (m *memTasks) MarkTaskProcessing(_ context.Context, id int64) (models.Task, error) {
	return m.set(id, func(t *models.Task) { t.Status = models.TaskProcessing })
}

func (m *memTasks) MarkTaskSuccess(_ context.Context, id int64, result models.Payload) (models.Task, error) {
	return m.set(id, func(t *models.Task) {
		now := time.Now()
		t.Status = models.TaskSuccess
		t.Result = result
		t.CompletedAt = &now
	})
}

func (m *memTasks) MarkTaskFailed(_ context.Context, id int64, msg string) (models.Task, error) {
	return m.set(id, func(t *models.Task) {
		t.Status = models.TaskFailed
		t.ErrorMessage = &msg
	})
}

type stubProbe struct{ requested bool }

func (p stubProbe) CancelRequested(context.Context, int64) (bool, error) {
	return p.requested, nil
}

type progressLog struct {
	mu    sync.Mutex
	snaps []models.Progress
}

func (l *progressLog) write(_ context.Context, _ int64, p models.Progress) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, p)
	return nil
}

func (l *progressLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snaps)
}

func newExec(job models.Job, st *memTasks, probe worker.CancelProbe, progress *progressLog) *worker.Execution {
	var write worker.ProgressWriter
	if progress != nil {
		write = progress.write
	}
	return worker.NewExecution(job, tasks.NewOrchestrator(st), probe, nil, write, 5*time.Millisecond)
}

type fakeMarketplace struct {
	mu          sync.Mutex
	uploads     []string
	failUploads map[string]int
	created     []marketplace.ListingDraft
	updated     map[string]models.Payload
	pages       []marketplace.InventoryPage
	listCalls   []int
	details     map[string]int
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		failUploads: make(map[string]int),
		updated:     make(map[string]models.Payload),
		details:     make(map[string]int),
	}
}

func (f *fakeMarketplace) UploadPhoto(_ context.Context, _ models.Marketplace, photo marketplace.PhotoUpload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, photo.Location)
	if f.failUploads[photo.Location] > 0 {
		f.failUploads[photo.Location]--
		return "", models.Transient(fmt.Errorf("gateway busy"))
	}
	return "rp-" + photo.Location, nil
}

func (f *fakeMarketplace) CreateListing(_ context.Context, _ models.Marketplace, draft marketplace.ListingDraft) (marketplace.RemoteListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, draft)
	return marketplace.RemoteListing{ID: "R-1", URL: "https://example.test/R-1"}, nil
}

func (f *fakeMarketplace) UpdateListing(_ context.Context, _ models.Marketplace, remoteID string, patch models.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[remoteID] = patch
	return nil
}

func (f *fakeMarketplace) ListInventory(_ context.Context, _ models.Marketplace, page, _ int) (marketplace.InventoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, page)
	if page-1 >= len(f.pages) {
		return marketplace.InventoryPage{}, nil
	}
	return f.pages[page-1], nil
}

func (f *fakeMarketplace) ListingDetails(_ context.Context, _ models.Marketplace, remoteID string) (models.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[remoteID]++
	return models.Payload{"description": "details of " + remoteID}, nil
}

type fakeListings struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[int64]*listings.Listing
	details  map[int64]models.Payload
	policies int
}

func newFakeListings(rows ...listings.Listing) *fakeListings {
	f := &fakeListings{rows: make(map[int64]*listings.Listing), details: make(map[int64]models.Payload)}
	for i := range rows {
		l := rows[i]
		f.rows[l.ID] = &l
		if l.ID > f.nextID {
			f.nextID = l.ID
		}
	}
	return f
}

func (f *fakeListings) Get(_ context.Context, id int64) (listings.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.rows[id]
	if !ok {
		return listings.Listing{}, fmt.Errorf("listing %d: %w", id, models.ErrNotFound)
	}
	return *l, nil
}

func (f *fakeListings) MarkPublished(_ context.Context, id int64, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.rows[id]
	if !ok {
		return models.ErrNotFound
	}
	l.RemoteID = &remoteID
	l.Status = listings.StatusPublished
	return nil
}

func (f *fakeListings) UpsertRemote(_ context.Context, mp models.Marketplace, item listings.RemoteSnapshot, jobID int64) (int64, listings.UpsertOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.rows {
		if l.Marketplace == mp && l.RemoteID != nil && *l.RemoteID == item.RemoteID {
			seen := jobID
			l.LastSeenJob = &seen
			if l.Title == item.Title && l.PriceCents == item.PriceCents {
				return l.ID, listings.Unchanged, nil
			}
			l.Title, l.PriceCents = item.Title, item.PriceCents
			return l.ID, listings.Changed, nil
		}
	}
	f.nextID++
	remote, seen := item.RemoteID, jobID
	f.rows[f.nextID] = &listings.Listing{
		ID: f.nextID, Marketplace: mp, RemoteID: &remote, Title: item.Title,
		PriceCents: item.PriceCents, Status: listings.StatusPublished, LastSeenJob: &seen,
	}
	return f.nextID, listings.Created, nil
}

func (f *fakeListings) ApplyDetails(_ context.Context, id int64, details models.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[id] = details
	return nil
}

func (f *fakeListings) ApplyPolicy(_ context.Context, id int64, policyID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.rows[id]
	if l.PolicyID != nil && *l.PolicyID == policyID {
		return false, nil
	}
	p := policyID
	l.PolicyID = &p
	f.policies++
	return true, nil
}

func (f *fakeListings) ActiveIDs(_ context.Context, mp models.Marketplace) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, l := range f.rows {
		if l.Marketplace == mp && l.Status == listings.StatusPublished && l.RemoteID != nil {
			ids = append(ids, l.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeListings) UnseenActive(_ context.Context, mp models.Marketplace, jobID int64) ([]listings.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []listings.Listing
	for _, l := range f.rows {
		if l.Marketplace != mp || l.Status != listings.StatusPublished || l.RemoteID == nil {
			continue
		}
		if l.LastSeenJob == nil || *l.LastSeenJob != jobID {
			out = append(out, *l)
		}
	}
	return out, nil
}

type fakeStager struct{}

func (fakeStager) Stage(_ context.Context, req photos.Request) (photos.Staged, error) {
	return photos.Staged{Location: req.SourceURL, Key: req.Key, ContentType: "image/jpeg"}, nil
}

type fakeDetector struct {
	mu    sync.Mutex
	calls []pending.Detection
}

func (d *fakeDetector) Detect(_ context.Context, det pending.Detection) (models.PendingAction, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, det)
	return models.PendingAction{ResourceID: det.ResourceID, ActionType: det.ActionType}, true, nil
}

func testConfig() config.Config {
	return config.Config{
		DispatchBatchSize: 2,
		WorkerPoolSize:    3,
		EnrichBatchSize:   2,
		MaxPagesPerRun:    10,
	}
}

func strPtr(s string) *string { return &s }
