package signals

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"marketplace-orchestrator/internal/models"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBusWithClient(client, time.Hour), mr
}

func TestCancelFlagIsSticky(t *testing.T) {
	ctx := context.Background()
	bus, mr := newTestBus(t)

	raised, err := bus.CancelRequested(ctx, 7)
	if err != nil || raised {
		t.Fatalf("expected no flag, got %v %v", raised, err)
	}
	if err := bus.PublishCancel(ctx, 7); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if raised, _ := bus.CancelRequested(ctx, 7); !raised {
		t.Fatal("expected flag raised")
	}
	if ttl := mr.TTL("workflow:cancel:7"); ttl <= 0 {
		t.Fatalf("expected ttl on cancel flag, got %v", ttl)
	}
}

func TestWatchCancelFiresOnPublish(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	fired := make(chan struct{}, 2)
	stop, err := bus.WatchCancel(ctx, 11, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	if err := bus.PublishCancel(ctx, 11); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel callback not invoked")
	}
	_ = bus.PublishCancel(ctx, 11)
	select {
	case <-fired:
		t.Fatal("callback must fire at most once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchCancelSeesEarlierSignal(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)
	_ = bus.PublishCancel(ctx, 3)

	fired := false
	stop, err := bus.WatchCancel(ctx, 3, func() { fired = true })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	stop()
	if !fired {
		t.Fatal("expected callback for signal raised before watch")
	}
}

func TestProgressMirrorRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	if _, ok, err := bus.LoadProgress(ctx, 5); ok || err != nil {
		t.Fatalf("expected empty mirror, ok=%v err=%v", ok, err)
	}
	total := 1200
	in := models.Progress{Phase: "import", Cursor: 3, Current: 500, Total: &total, Label: "500/1200",
		Counters: models.Counters{Imported: 480, Errored: 20}}
	if err := bus.StoreProgress(ctx, 5, in); err != nil {
		t.Fatalf("store: %v", err)
	}
	out, ok, err := bus.LoadProgress(ctx, 5)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if out.Current != 500 || out.Total == nil || *out.Total != 1200 || out.Counters.Errored != 20 {
		t.Fatalf("unexpected snapshot %+v", out)
	}

	if err := bus.Forget(ctx, 5); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok, _ := bus.LoadProgress(ctx, 5); ok {
		t.Fatal("expected mirror removed")
	}
}
