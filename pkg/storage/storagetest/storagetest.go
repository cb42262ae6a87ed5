// Package storagetest holds behaviour tests shared by every
// storage.Backend implementation.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystation/pkg/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Backend

// Run exercises b's contract.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"WriteAndQuery", testWriteAndQuery},
		{"QueryAllFields", testQueryAllFields},
		{"LatestReading", testLatestReading},
		{"DeleteKeepsBuckets", testDeleteKeepsBuckets},
		{"UpsertReplaces", testUpsertReplaces},
		{"PendingHours", testPendingHours},
		{"Fields", testFields},
		{"Stats", testStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			defer b.Close()
			tt.fn(t, b)
		})
	}
}

func testWriteAndQuery(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	err := b.WriteReadings(ctx, []storage.Reading{
		{Timestamp: 30, Field: "temp", Value: 3},
		{Timestamp: 10, Field: "temp", Value: 1},
		{Timestamp: 20, Field: "temp", Value: 2},
		{Timestamp: 20, Field: "hum", Value: 50},
		{Timestamp: 20, Field: "temp", Value: 2.5}, // same timestamp
	})
	require.NoError(t, err)

	got, err := b.QueryReadings(ctx, storage.ReadingQuery{Field: "temp"})
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, []float64{10, 20, 20, 30}, timestamps(got))

	got, err = b.QueryReadings(ctx, storage.ReadingQuery{Field: "temp", Start: 15, End: 30})
	require.NoError(t, err)
	require.Equal(t, []float64{20, 20}, timestamps(got))

	got, err = b.QueryReadings(ctx, storage.ReadingQuery{Field: "temp", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []float64{10, 20}, timestamps(got), "limit keeps the oldest")

	got, err = b.QueryReadings(ctx, storage.ReadingQuery{Field: "missing"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func testQueryAllFields(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.WriteReadings(ctx, []storage.Reading{
		{Timestamp: 5, Field: "b", Value: 1},
		{Timestamp: 1, Field: "a", Value: 1},
		{Timestamp: 3, Field: "c", Value: 1},
	}))

	got, err := b.QueryReadings(ctx, storage.ReadingQuery{Start: 2})
	require.NoError(t, err)
	require.Equal(t, []float64{3, 5}, timestamps(got))
}

func testLatestReading(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, ok, err := b.LatestReading(ctx, "temp")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.WriteReadings(ctx, []storage.Reading{
		{Timestamp: 100, Field: "temp", Value: 21},
		{Timestamp: 300, Field: "temp", Value: 23},
		{Timestamp: 200, Field: "temp", Value: 22},
		{Timestamp: 400, Field: "other", Value: 99},
	}))

	r, ok, err := b.LatestReading(ctx, "temp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 23.0, r.Value)
}

func testDeleteKeepsBuckets(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.WriteReadings(ctx, []storage.Reading{
		{Timestamp: 100, Field: "x", Value: 1},
		{Timestamp: 200, Field: "x", Value: 2},
		{Timestamp: 5000, Field: "x", Value: 3},
	}))
	require.NoError(t, b.UpsertBuckets(ctx, []storage.Bucket{
		{Hour: 0, Field: "x", Avg: 1.5, Min: 1, Max: 2, Count: 2},
	}))

	n, err := b.DeleteReadingsBefore(ctx, 4000)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := b.QueryReadings(ctx, storage.ReadingQuery{Field: "x"})
	require.NoError(t, err)
	require.Equal(t, []float64{5000}, timestamps(got))

	buckets, err := b.QueryBuckets(ctx, storage.BucketQuery{Field: "x"})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, int64(2), buckets[0].Count)
}

func testUpsertReplaces(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.UpsertBuckets(ctx, []storage.Bucket{
		{Hour: 3, Field: "x", Avg: 1, Min: 1, Max: 1, Count: 1},
		{Hour: 1, Field: "x", Avg: 5, Min: 5, Max: 5, Count: 1},
		{Hour: 2, Field: "y", Avg: 7, Min: 7, Max: 7, Count: 1},
	}))
	require.NoError(t, b.UpsertBuckets(ctx, []storage.Bucket{
		{Hour: 3, Field: "x", Avg: 2, Min: 1, Max: 3, Count: 2},
	}))

	got, err := b.QueryBuckets(ctx, storage.BucketQuery{Field: "x"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].Hour)
	require.Equal(t, storage.Bucket{Hour: 3, Field: "x", Avg: 2, Min: 1, Max: 3, Count: 2}, got[1])

	got, err = b.QueryBuckets(ctx, storage.BucketQuery{Field: "x", StartHour: 2, EndHour: 3})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = b.QueryBuckets(ctx, storage.BucketQuery{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{got[0].Hour, got[1].Hour, got[2].Hour})
}

func testPendingHours(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.WriteReadings(ctx, []storage.Reading{
		{Timestamp: 0, Field: "x", Value: 1},
		{Timestamp: 3599, Field: "x", Value: 1},
		{Timestamp: 3600, Field: "x", Value: 1},
		{Timestamp: 7300, Field: "x", Value: 1},
		{Timestamp: 11000, Field: "x", Value: 1}, // hour 3, not complete
		{Timestamp: 4000, Field: "y", Value: 1},
	}))
	require.NoError(t, b.UpsertBuckets(ctx, []storage.Bucket{{Hour: 1, Field: "x", Count: 1}}))

	got, err := b.PendingHours(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []storage.HourField{
		{Hour: 0, Field: "x"},
		{Hour: 1, Field: "y"},
		{Hour: 2, Field: "x"},
	}, got)

	got, err = b.PendingHours(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(0), got[0].Hour)
}

func testFields(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.WriteReadings(ctx, []storage.Reading{
		{Timestamp: 10, Field: "temperature", Value: 1},
		{Timestamp: 10, Field: "cpu_percent", Value: 1},
		{Timestamp: 9000, Field: "humidity", Value: 1},
	}))

	fields, err := b.Fields(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"cpu_percent", "humidity", "temperature"}, fields)

	_, err = b.DeleteReadingsBefore(ctx, 100)
	require.NoError(t, err)

	fields, err = b.Fields(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"humidity"}, fields)
}

func testStats(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.WriteReadings(ctx, []storage.Reading{
		{Timestamp: 1000, Field: "a", Value: 1},
		{Timestamp: 2000, Field: "a", Value: 1},
		{Timestamp: 1500, Field: "b", Value: 1},
	}))
	require.NoError(t, b.UpsertBuckets(ctx, []storage.Bucket{{Hour: 0, Field: "a", Count: 2}}))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), stats.TotalReadings)
	require.Equal(t, uint64(1), stats.TotalBuckets)
	require.Equal(t, uint64(2), stats.TotalFields)
	require.Equal(t, int64(1000), stats.OldestReading.Unix())
	require.Equal(t, int64(2000), stats.NewestReading.Unix())
}

func timestamps(rs []storage.Reading) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = r.Timestamp
	}
	return out
}
