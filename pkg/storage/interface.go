package storage

import (
	"context"
	"time"
)

// Backend persists raw readings and hourly buckets.
// Implementations: memory (testing), badger (production).
//
// A Backend is used by one writer and any number of concurrent readers.
// Readers never observe a partially written batch.
type Backend interface {
	// WriteReadings stores a batch of readings atomically
	WriteReadings(ctx context.Context, readings []Reading) error

	// QueryReadings returns readings matching q, ascending by timestamp
	QueryReadings(ctx context.Context, q ReadingQuery) ([]Reading, error)

	// LatestReading returns the most recent reading for field
	LatestReading(ctx context.Context, field string) (Reading, bool, error)

	// DeleteReadingsBefore removes readings with timestamp < ts and
	// returns how many were deleted. Buckets are never touched.
	DeleteReadingsBefore(ctx context.Context, ts float64) (int, error)

	// UpsertBuckets stores buckets, replacing any existing bucket for the
	// same (hour, field)
	UpsertBuckets(ctx context.Context, buckets []Bucket) error

	// QueryBuckets returns buckets matching q, ascending by hour
	QueryBuckets(ctx context.Context, q BucketQuery) ([]Bucket, error)

	// PendingHours returns up to limit (hour, field) pairs with
	// hour <= maxHour that have readings but no bucket, oldest hour first
	PendingHours(ctx context.Context, maxHour int64, limit int) ([]HourField, error)

	// Fields returns the distinct fields that currently have readings,
	// sorted
	Fields(ctx context.Context) ([]string, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// ReadingQuery specifies which readings to retrieve.
type ReadingQuery struct {
	// Field filter. Empty matches every field.
	Field string

	// Time range in unix seconds: Start <= t < End. A zero End is
	// unbounded.
	Start float64
	End   float64

	// Limit number of results (0 = no limit). The oldest readings are
	// kept.
	Limit int
}

// Matches reports whether r falls inside the query.
func (q ReadingQuery) Matches(r Reading) bool {
	if q.Field != "" && r.Field != q.Field {
		return false
	}
	if r.Timestamp < q.Start {
		return false
	}
	if q.End > 0 && r.Timestamp >= q.End {
		return false
	}
	return true
}

// BucketQuery specifies which hourly buckets to retrieve.
type BucketQuery struct {
	Field string

	// StartHour <= hour. EndHour is inclusive; zero means unbounded.
	StartHour int64
	EndHour   int64

	Limit int
}

// Matches reports whether b falls inside the query.
func (q BucketQuery) Matches(b Bucket) bool {
	if q.Field != "" && b.Field != q.Field {
		return false
	}
	if b.Hour < q.StartHour {
		return false
	}
	if q.EndHour > 0 && b.Hour > q.EndHour {
		return false
	}
	return true
}

// Stats provides storage health and usage info
type Stats struct {
	// Raw readings currently stored
	TotalReadings uint64 `json:"total_readings"`

	// Hourly buckets stored
	TotalBuckets uint64 `json:"total_buckets"`

	// Distinct fields with readings
	TotalFields uint64 `json:"total_fields"`

	// Storage size in bytes (0 for memory)
	SizeBytes uint64 `json:"size_bytes"`

	OldestReading time.Time `json:"oldest_reading"`
	NewestReading time.Time `json:"newest_reading"`
}
