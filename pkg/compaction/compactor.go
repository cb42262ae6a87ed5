package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/storage"
)

// Options tunes a Compactor.
type Options struct {
	// BatchSize caps (hour, field) pairs per Downsample call.
	BatchSize int
}

// Compactor handles downsampling of raw readings into hourly buckets
type Compactor struct {
	storage   storage.Backend
	batchSize int
}

// New creates a new compactor
func New(store storage.Backend, opts Options) *Compactor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultDownsampleBatch
	}
	return &Compactor{
		storage:   store,
		batchSize: opts.BatchSize,
	}
}

// Downsample computes buckets for completed hours that have raw readings
// but no bucket yet, at most BatchSize pairs per call. It returns the
// number of buckets written.
//
// An hour is complete once now has moved past it: the newest eligible
// hour is floor(now/3600) - 1.
func (c *Compactor) Downsample(ctx context.Context, now time.Time) (int, error) {
	cutoffHour := now.Unix()/storage.SecondsPerHour - 1

	pending, err := c.storage.PendingHours(ctx, cutoffHour, c.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find pending hours: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	buckets := make([]storage.Bucket, 0, len(pending))
	for _, p := range pending {
		b, ok, err := c.ComputeBucket(ctx, p.Hour, p.Field)
		if err != nil {
			return 0, err
		}
		if ok {
			buckets = append(buckets, b)
		}
	}

	if err := c.storage.UpsertBuckets(ctx, buckets); err != nil {
		return 0, fmt.Errorf("failed to write hourly buckets: %w", err)
	}
	return len(buckets), nil
}

// ComputeBucket aggregates the raw readings of field in
// [hour*3600, hour*3600+3600). ok is false when the hour has no readings.
func (c *Compactor) ComputeBucket(ctx context.Context, hour int64, field string) (storage.Bucket, bool, error) {
	start := float64(hour * storage.SecondsPerHour)
	readings, err := c.storage.QueryReadings(ctx, storage.ReadingQuery{
		Field: field,
		Start: start,
		End:   start + storage.SecondsPerHour,
	})
	if err != nil {
		return storage.Bucket{}, false, fmt.Errorf("failed to query readings for hour %d: %w", hour, err)
	}

	var agg Aggregate
	for _, r := range readings {
		agg.Add(r.Value)
	}
	if agg.Count == 0 {
		return storage.Bucket{}, false, nil
	}
	return agg.ToBucket(hour, field), true, nil
}

// Windows groups time-ordered readings into fixed-width windows, oldest
// first. At most limit windows are returned (0 = no limit).
func Windows(readings []storage.Reading, width float64, limit int) []Window {
	var windows []Window
	for _, r := range readings {
		start := WindowStart(r.Timestamp, width)
		if n := len(windows); n == 0 || windows[n-1].Start != start {
			if limit > 0 && len(windows) == limit {
				break
			}
			windows = append(windows, Window{Start: start})
		}
		windows[len(windows)-1].Add(r.Value)
	}
	return windows
}
