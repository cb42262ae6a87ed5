package timeseries

import (
	"context"
	"fmt"

	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/compaction"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/storage"
)

// Resolution names the granularity a history query was answered at.
type Resolution string

const (
	ResolutionRaw    Resolution = "raw"
	Resolution5m     Resolution = "5m"
	ResolutionHourly Resolution = "1h"
)

// ResolutionFor picks the granularity for a range: raw up to one hour,
// 5 minute windows up to a day, hourly buckets beyond.
func ResolutionFor(rangeHours float64) Resolution {
	switch {
	case rangeHours <= 1:
		return ResolutionRaw
	case rangeHours <= 24:
		return Resolution5m
	default:
		return ResolutionHourly
	}
}

// Point is one history sample. Aggregated points carry Min and Max.
type Point struct {
	T   float64  `json:"t"`
	V   float64  `json:"v"`
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// GetHistory returns up to maxPoints points for field over the last
// rangeHours, oldest first, at the resolution chosen by ResolutionFor.
// Only flushed readings are visible.
func (s *Store) GetHistory(ctx context.Context, field string, rangeHours float64, maxPoints int) ([]Point, error) {
	if rangeHours <= 0 {
		rangeHours = config.DefaultHistoryHours
	}
	if maxPoints <= 0 {
		maxPoints = config.DefaultHistoryPoints
	}
	cutoff := clock.Unix(s.opts.Clock.Now()) - rangeHours*storage.SecondsPerHour

	switch ResolutionFor(rangeHours) {
	case ResolutionRaw:
		return s.rawHistory(ctx, field, cutoff, maxPoints)
	case Resolution5m:
		return s.windowHistory(ctx, field, cutoff, config.AveragedBucketWidth.Seconds(), maxPoints)
	default:
		return s.hourlyHistory(ctx, field, cutoff, maxPoints)
	}
}

func (s *Store) rawHistory(ctx context.Context, field string, cutoff float64, limit int) ([]Point, error) {
	readings, err := s.backend.QueryReadings(ctx, storage.ReadingQuery{
		Field: field,
		Start: cutoff,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("raw history for %s: %w", field, err)
	}

	points := make([]Point, len(readings))
	for i, r := range readings {
		points[i] = Point{T: r.Timestamp, V: r.Value}
	}
	return points, nil
}

func (s *Store) windowHistory(ctx context.Context, field string, cutoff, width float64, limit int) ([]Point, error) {
	readings, err := s.backend.QueryReadings(ctx, storage.ReadingQuery{
		Field: field,
		Start: cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("averaged history for %s: %w", field, err)
	}

	windows := compaction.Windows(readings, width, limit)
	points := make([]Point, len(windows))
	for i, w := range windows {
		points[i] = aggregatePoint(w.Start+width/2, w.Average(), w.Min, w.Max)
	}
	return points, nil
}

func (s *Store) hourlyHistory(ctx context.Context, field string, cutoff float64, limit int) ([]Point, error) {
	buckets, err := s.backend.QueryBuckets(ctx, storage.BucketQuery{
		Field:     field,
		StartHour: storage.HourOf(cutoff),
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("hourly history for %s: %w", field, err)
	}

	points := make([]Point, len(buckets))
	for i, b := range buckets {
		mid := float64(b.Hour*storage.SecondsPerHour) + storage.SecondsPerHour/2
		points[i] = aggregatePoint(mid, b.Avg, b.Min, b.Max)
	}
	return points, nil
}

func aggregatePoint(t, avg, min, max float64) Point {
	lo, hi := compaction.Round2(min), compaction.Round2(max)
	return Point{T: t, V: compaction.Round2(avg), Min: &lo, Max: &hi}
}

// FieldSummary describes one field over a summary window.
type FieldSummary struct {
	Avg     float64  `json:"avg"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Count   int64    `json:"count"`
	Current *float64 `json:"current"`
}

// GetSummary returns avg/min/max/count per field over the last
// rangeHours plus each field's most recent value. Buffered readings are
// included, so the summary reflects data that has not been flushed yet.
func (s *Store) GetSummary(ctx context.Context, rangeHours float64) (map[string]FieldSummary, error) {
	if rangeHours <= 0 {
		rangeHours = config.DefaultHistoryHours
	}
	cutoff := clock.Unix(s.opts.Clock.Now()) - rangeHours*storage.SecondsPerHour

	// A flush between the buffer snapshot and the backend query would
	// count its readings twice, so retry when the buffer was swapped.
	var (
		pending  []storage.Reading
		readings []storage.Reading
	)
	for attempt := 0; ; attempt++ {
		var gen uint64
		pending, gen = s.snapshot()

		var err error
		readings, err = s.backend.QueryReadings(ctx, storage.ReadingQuery{Start: cutoff})
		if err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
		if s.generation() == gen || attempt == 2 {
			break
		}
	}

	aggs := make(map[string]*compaction.Aggregate)
	add := func(r storage.Reading) {
		agg, ok := aggs[r.Field]
		if !ok {
			agg = &compaction.Aggregate{}
			aggs[r.Field] = agg
		}
		agg.Add(r.Value)
	}
	for _, r := range readings {
		add(r)
	}

	latestBuffered := make(map[string]storage.Reading)
	for _, r := range pending {
		if r.Timestamp >= cutoff {
			add(r)
		}
		if prev, ok := latestBuffered[r.Field]; !ok || r.Timestamp >= prev.Timestamp {
			latestBuffered[r.Field] = r
		}
	}

	summary := make(map[string]FieldSummary, len(aggs))
	for field, agg := range aggs {
		fs := FieldSummary{
			Avg:   compaction.Round2(agg.Average()),
			Min:   compaction.Round2(agg.Min),
			Max:   compaction.Round2(agg.Max),
			Count: agg.Count,
		}

		current, ok := latestBuffered[field]
		stored, found, err := s.backend.LatestReading(ctx, field)
		if err != nil {
			return nil, fmt.Errorf("summary latest for %s: %w", field, err)
		}
		if found && (!ok || stored.Timestamp > current.Timestamp) {
			current, ok = stored, true
		}
		if ok {
			v := compaction.Round2(current.Value)
			fs.Current = &v
		}
		summary[field] = fs
	}
	return summary, nil
}
