// Package signals carries workflow cancel signals and live progress snapshots over Redis
// so the API process can reach a workflow running inside a worker process.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/models"
)

// Bus publishes cancel signals and stores progress mirrors.
type Bus struct {
	client         *redis.Client
	cancelPrefix   string
	channelPrefix  string
	progressPrefix string
	ttl            time.Duration
}

// NewBus builds a bus client from config.
func NewBus(cfg config.Config) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewBusWithClient(client, cfg.ProgressTTL)
}

// NewBusWithClient wraps an existing client. ttl bounds how long signals and
// progress snapshots outlive their job.
func NewBusWithClient(client *redis.Client, ttl time.Duration) *Bus {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Bus{
		client:         client,
		cancelPrefix:   "workflow:cancel:",
		channelPrefix:  "workflow:cancel-signal:",
		progressPrefix: "workflow:progress:",
		ttl:            ttl,
	}
}

func (b *Bus) cancelKey(jobID int64) string {
	return b.cancelPrefix + strconv.FormatInt(jobID, 10)
}

func (b *Bus) channel(jobID int64) string {
	return b.channelPrefix + strconv.FormatInt(jobID, 10)
}

func (b *Bus) progressKey(jobID int64) string {
	return b.progressPrefix + strconv.FormatInt(jobID, 10)
}

// Client exposes the underlying Redis client.
func (b *Bus) Client() *redis.Client {
	return b.client
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}

// PublishCancel raises the sticky cancel flag and notifies live subscribers. It never
// waits for the workflow to react.
func (b *Bus) PublishCancel(ctx context.Context, jobID int64) error {
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.cancelKey(jobID), time.Now().UTC().Format(time.RFC3339Nano), b.ttl)
	pipe.Publish(ctx, b.channel(jobID), "cancel")
	_, err := pipe.Exec(ctx)
	return err
}

// CancelRequested reports whether the sticky flag is set.
func (b *Bus) CancelRequested(ctx context.Context, jobID int64) (bool, error) {
	n, err := b.client.Exists(ctx, b.cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WatchCancel calls onCancel at most once when a cancel signal for jobID arrives, or
// right away if the flag was raised before the watch started. The returned stop
// function ends the subscription.
func (b *Bus) WatchCancel(ctx context.Context, jobID int64, onCancel func()) (func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe cancel channel: %w", err)
	}

	var once sync.Once
	fire := func() { once.Do(onCancel) }

	raised, err := b.CancelRequested(ctx, jobID)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	if raised {
		fire()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := sub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				log.Debug().Int64("job_id", jobID).Msg("cancel signal received")
				fire()
			}
		}
	}()

	return func() {
		cancel()
		_ = sub.Close()
		<-done
	}, nil
}

// StoreProgress mirrors a progress snapshot for cheap cross-process queries.
func (b *Bus) StoreProgress(ctx context.Context, jobID int64, p models.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.progressKey(jobID), "snapshot", raw, "updated_ms", time.Now().UnixMilli())
	pipe.Expire(ctx, b.progressKey(jobID), b.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadProgress returns the mirrored snapshot, if any.
func (b *Bus) LoadProgress(ctx context.Context, jobID int64) (models.Progress, bool, error) {
	raw, err := b.client.HGet(ctx, b.progressKey(jobID), "snapshot").Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Progress{}, false, nil
	}
	if err != nil {
		return models.Progress{}, false, err
	}
	var p models.Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Progress{}, false, fmt.Errorf("unmarshal progress: %w", err)
	}
	return p, true, nil
}

// Forget drops both the cancel flag and the progress mirror of a finished job.
func (b *Bus) Forget(ctx context.Context, jobID int64) error {
	return b.client.Del(ctx, b.cancelKey(jobID), b.progressKey(jobID)).Err()
}
