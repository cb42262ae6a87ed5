package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/storage"
)

// Storage stores readings and buckets in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu       sync.RWMutex
	readings map[string][]storage.Reading // per field, ascending timestamp
	buckets  map[string]map[int64]storage.Bucket
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		readings: make(map[string][]storage.Reading),
		buckets:  make(map[string]map[int64]storage.Bucket),
	}
}

// WriteReadings stores readings in memory
func (s *Storage) WriteReadings(ctx context.Context, readings []storage.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range readings {
		series := s.readings[r.Field]
		// Equal timestamps keep insertion order.
		i := sort.Search(len(series), func(i int) bool { return series[i].Timestamp > r.Timestamp })
		series = append(series, storage.Reading{})
		copy(series[i+1:], series[i:])
		series[i] = r
		s.readings[r.Field] = series
	}
	return nil
}

// QueryReadings retrieves readings matching the query
func (s *Storage) QueryReadings(ctx context.Context, q storage.ReadingQuery) ([]storage.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []storage.Reading
	for field, series := range s.readings {
		if q.Field != "" && field != q.Field {
			continue
		}
		start := sort.Search(len(series), func(i int) bool { return series[i].Timestamp >= q.Start })
		for _, r := range series[start:] {
			if !q.Matches(r) {
				break
			}
			results = append(results, r)
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Timestamp < results[j].Timestamp })
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// LatestReading returns the most recent reading for field
func (s *Storage) LatestReading(ctx context.Context, field string) (storage.Reading, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.Reading{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.readings[field]
	if len(series) == 0 {
		return storage.Reading{}, false, nil
	}
	return series[len(series)-1], true, nil
}

// DeleteReadingsBefore removes readings older than ts
func (s *Storage) DeleteReadingsBefore(ctx context.Context, ts float64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for field, series := range s.readings {
		cut := sort.Search(len(series), func(i int) bool { return series[i].Timestamp >= ts })
		if cut == 0 {
			continue
		}
		deleted += cut
		if cut == len(series) {
			delete(s.readings, field)
			continue
		}
		s.readings[field] = append([]storage.Reading(nil), series[cut:]...)
	}
	return deleted, nil
}

// UpsertBuckets stores buckets with replace semantics
func (s *Storage) UpsertBuckets(ctx context.Context, buckets []storage.Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		hours, ok := s.buckets[b.Field]
		if !ok {
			hours = make(map[int64]storage.Bucket)
			s.buckets[b.Field] = hours
		}
		hours[b.Hour] = b
	}
	return nil
}

// QueryBuckets retrieves buckets matching the query
func (s *Storage) QueryBuckets(ctx context.Context, q storage.BucketQuery) ([]storage.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []storage.Bucket
	for field, hours := range s.buckets {
		if q.Field != "" && field != q.Field {
			continue
		}
		for _, b := range hours {
			if q.Matches(b) {
				results = append(results, b)
			}
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Hour != results[j].Hour {
			return results[i].Hour < results[j].Hour
		}
		return results[i].Field < results[j].Field
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// PendingHours finds completed hours that have readings but no bucket
func (s *Storage) PendingHours(ctx context.Context, maxHour int64, limit int) ([]storage.HourField, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []storage.HourField
	for field, series := range s.readings {
		last := int64(-1 << 62)
		for _, r := range series {
			hour := r.Hour()
			if hour > maxHour {
				break
			}
			if hour == last {
				continue
			}
			last = hour
			if _, done := s.buckets[field][hour]; !done {
				pending = append(pending, storage.HourField{Hour: hour, Field: field})
			}
		}
	}

	storage.SortHourFields(pending)
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// Fields returns fields that have readings
func (s *Storage) Fields(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := make([]string, 0, len(s.readings))
	for field, series := range s.readings {
		if len(series) > 0 {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields, nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{}
	oldest, newest := 0.0, 0.0
	for _, series := range s.readings {
		if len(series) == 0 {
			continue
		}
		stats.TotalFields++
		stats.TotalReadings += uint64(len(series))
		if first := series[0].Timestamp; stats.TotalFields == 1 || first < oldest {
			oldest = first
		}
		if last := series[len(series)-1].Timestamp; last > newest {
			newest = last
		}
	}
	for _, hours := range s.buckets {
		stats.TotalBuckets += uint64(len(hours))
	}
	if stats.TotalReadings > 0 {
		stats.OldestReading = clock.FromUnix(oldest)
		stats.NewestReading = clock.FromUnix(newest)
	}
	return stats, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}
