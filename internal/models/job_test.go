package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestJobStatusTerminal(t *testing.T) {
	cases := map[JobStatus]bool{
		JobPending:   false,
		JobRunning:   false,
		JobPaused:    false,
		JobCompleted: true,
		JobFailed:    true,
		JobCancelled: true,
		JobExpired:   true,
	}
	for status, terminal := range cases {
		if status.Terminal() != terminal {
			t.Fatalf("%s terminal=%v, want %v", status, status.Terminal(), terminal)
		}
		if status.Active() == terminal {
			t.Fatalf("%s active=%v, want %v", status, status.Active(), !terminal)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]JobStatus{
		{JobPending, JobRunning},
		{JobPending, JobExpired},
		{JobPending, JobCancelled},
		{JobRunning, JobPaused},
		{JobPaused, JobRunning},
		{JobRunning, JobCompleted},
		{JobRunning, JobFailed},
		{JobRunning, JobPending},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s to be allowed", tr[0], tr[1])
		}
	}
	denied := [][2]JobStatus{
		{JobPending, JobCompleted},
		{JobCompleted, JobRunning},
		{JobFailed, JobPending},
		{JobExpired, JobRunning},
		{JobPaused, JobCompleted},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s to be rejected", tr[0], tr[1])
		}
	}
}

func TestClaimStatus(t *testing.T) {
	status, reason := Job{CancelRequested: true}.ClaimStatus()
	if status != JobCancelled || reason != ReasonCancelledBeforeStart {
		t.Fatalf("got %s/%s", status, reason)
	}
	status, reason = Job{}.ClaimStatus()
	if status != JobRunning || reason != "" {
		t.Fatalf("got %s/%s", status, reason)
	}
}

func TestRetryBudgetLeft(t *testing.T) {
	job := Job{MaxRetries: 3}
	for i, want := range []bool{true, true, false} {
		job.RetryCount = i
		if got := job.RetryBudgetLeft(); got != want {
			t.Fatalf("retry_count=%d: got %v want %v", i, got, want)
		}
	}
}

func TestNoRetryBudget(t *testing.T) {
	if (Job{MaxRetries: 0}).RetryBudgetLeft() {
		t.Fatal("max_retries 0 must fail on the first transient error")
	}
}

func TestJobExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	job := Job{Status: JobPending, ExpiresAt: &past}
	if !job.Expired(now) {
		t.Fatal("expected pending job past deadline to be expired")
	}
	job.Status = JobRunning
	if job.Expired(now) {
		t.Fatal("running jobs never expire")
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	if IsPermanent(base) {
		t.Fatal("plain errors are not permanent")
	}
	if !IsPermanent(fmt.Errorf("wrap: %w", Permanent(base))) {
		t.Fatal("wrapped permanent error lost its class")
	}
	if !IsPermanent(fmt.Errorf("bad: %w", ErrInvalidInput)) {
		t.Fatal("invalid input must be permanent")
	}
	if IsPermanent(Transient(base)) {
		t.Fatal("transient error classified permanent")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatal("permanent error must unwrap")
	}
}

func TestPendingActionTargets(t *testing.T) {
	cases := map[PendingActionType]string{
		ActionMarkSold:            ResourceSold,
		ActionArchive:             ResourceArchived,
		ActionDeleteRemoteListing: ResourceDeleted,
	}
	for action, want := range cases {
		got, ok := action.TargetStatus()
		if !ok || got != want {
			t.Fatalf("%s: got %q ok=%v", action, got, ok)
		}
	}
	if _, ok := PendingActionType("explode").TargetStatus(); ok {
		t.Fatal("unknown action must not map")
	}
}

func TestPayloadDecode(t *testing.T) {
	p := Payload{"listing_id": float64(42), "title": "coat"}
	var dst struct {
		ListingID int64  `json:"listing_id"`
		Title     string `json:"title"`
	}
	if err := p.Decode(&dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dst.ListingID != 42 || dst.Title != "coat" {
		t.Fatalf("unexpected decode result %+v", dst)
	}
	merged := p.Merge(Payload{"title": "jacket"})
	if merged["title"] != "jacket" || p["title"] != "coat" {
		t.Fatal("merge must copy and override")
	}
}
