package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"marketplace-orchestrator/internal/models"
)

type fakeJobs struct {
	mu     sync.Mutex
	jobs   []models.Job
	nextID int64
}

func (f *fakeJobs) FindByIdempotencyKey(_ context.Context, key string) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.jobs) - 1; i >= 0; i-- {
		if j := f.jobs[i]; j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return j, true, nil
		}
	}
	return models.Job{}, false, nil
}

func (f *fakeJobs) create(key string) func(context.Context) (models.Job, error) {
	return func(context.Context) (models.Job, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.nextID++
		j := models.Job{ID: f.nextID, Status: models.JobPending, IdempotencyKey: &key}
		f.jobs = append(f.jobs, j)
		return j, nil
	}
}

func (f *fakeJobs) setStatus(id int64, s models.JobStatus, result models.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			f.jobs[i].Status = s
			f.jobs[i].ResultData = result
		}
	}
}

func TestGuardInFlightThenCached(t *testing.T) {
	ctx := context.Background()
	jobs := &fakeJobs{}
	g := NewGuard(jobs)
	key := "pub_42_abc"

	first, err := g.Run(ctx, key, jobs.create(key))
	if err != nil || first.Cached {
		t.Fatalf("first submission: %+v %v", first, err)
	}
	jobs.setStatus(first.Job.ID, models.JobRunning, nil)

	if _, err := g.Run(ctx, key, jobs.create(key)); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	jobs.setStatus(first.Job.ID, models.JobCompleted, models.Payload{"remote_id": "r-1"})
	third, err := g.Run(ctx, key, jobs.create(key))
	if err != nil {
		t.Fatalf("third submission: %v", err)
	}
	if !third.Cached || third.Job.ID != first.Job.ID || third.Job.ResultData["remote_id"] != "r-1" {
		t.Fatalf("expected cached result of first job, got %+v", third)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected exactly one job row, got %d", len(jobs.jobs))
	}
}

func TestGuardAllowsRetryAfterTerminalFailure(t *testing.T) {
	for _, status := range []models.JobStatus{models.JobFailed, models.JobCancelled, models.JobExpired} {
		jobs := &fakeJobs{}
		g := NewGuard(jobs)
		first, _ := g.Run(context.Background(), "k", jobs.create("k"))
		jobs.setStatus(first.Job.ID, status, nil)
		second, err := g.Run(context.Background(), "k", jobs.create("k"))
		if err != nil || second.Cached || second.Job.ID == first.Job.ID {
			t.Fatalf("%s: expected fresh job, got %+v %v", status, second, err)
		}
	}
}

func TestGuardDuplicateKeyRace(t *testing.T) {
	jobs := &fakeJobs{}
	g := NewGuard(jobs)
	winner := "race"
	racing := func(ctx context.Context) (models.Job, error) {
		// Another submission inserted between check and insert.
		_, _ = jobs.create(winner)(ctx)
		return models.Job{}, models.ErrDuplicateKey
	}
	if _, err := g.Run(context.Background(), winner, racing); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict after losing race, got %v", err)
	}
}

func TestEmptyKeyAlwaysProceeds(t *testing.T) {
	jobs := &fakeJobs{}
	g := NewGuard(jobs)
	for i := 0; i < 2; i++ {
		if _, err := g.Run(context.Background(), "", jobs.create("")); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}

func TestValidateKeyAndNewKey(t *testing.T) {
	if err := ValidateKey(strings.Repeat("x", 65)); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	key := NewKey("publish_listing", 42)
	if !strings.HasPrefix(key, "publish_listing_42_") || len(key) > MaxKeyLength {
		t.Fatalf("unexpected key %q", key)
	}
	long := NewKey(strings.Repeat("a", 80), 123456789)
	if len(long) != MaxKeyLength || ValidateKey(long) != nil {
		t.Fatalf("long action not truncated: %q (%d)", long, len(long))
	}
	if NewKey("a", 1) == NewKey("a", 1) {
		t.Fatal("keys must be random")
	}
}
