package badger

import (
	"context"
	"os"
	"testing"

	"github.com/nicktill/tinystation/pkg/storage"
	"github.com/nicktill/tinystation/pkg/storage/storagetest"
)

func TestBadgerStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		// Use in-memory mode for tests
		store, err := New(Config{InMemory: true})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		return store
	})
}

func TestBadgerStorage_Persistence(t *testing.T) {
	// Use temp directory for persistence test
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()

	// Write to first instance
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}

		err = store.WriteReadings(ctx, []storage.Reading{
			{Timestamp: 1700000000.25, Field: "temperature", Value: 22.5},
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		err = store.UpsertBuckets(ctx, []storage.Bucket{
			{Hour: 472222, Field: "temperature", Avg: 22, Min: 21, Max: 23, Count: 12},
		})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		store.Close()
	}

	// Read from second instance (reopens same directory)
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to reopen storage: %v", err)
		}
		defer store.Close()

		results, err := store.QueryReadings(ctx, storage.ReadingQuery{Field: "temperature"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("Expected 1 persisted reading, got %d", len(results))
		}
		if results[0].Timestamp != 1700000000.25 || results[0].Value != 22.5 {
			t.Errorf("Unexpected reading %+v", results[0])
		}

		// New writes must not collide with keys from the first run
		err = store.WriteReadings(ctx, []storage.Reading{
			{Timestamp: 1700000000.25, Field: "temperature", Value: 23},
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		results, _ = store.QueryReadings(ctx, storage.ReadingQuery{Field: "temperature"})
		if len(results) != 2 {
			t.Errorf("Expected 2 readings after second write, got %d", len(results))
		}

		buckets, err := store.QueryBuckets(ctx, storage.BucketQuery{Field: "temperature"})
		if err != nil {
			t.Fatalf("Query buckets failed: %v", err)
		}
		if len(buckets) != 1 || buckets[0].Count != 12 {
			t.Errorf("Expected persisted bucket, got %+v", buckets)
		}
	}
}

func TestKeys_OrderMatchesTime(t *testing.T) {
	earlier := readingKey("x", -5, 1)
	later := readingKey("x", 10, 0)
	if string(earlier) >= string(later) {
		t.Error("Expected negative timestamps to sort before positive ones")
	}
	if got := readingKeyTime(readingKey("x", 1234.5, 9)); got != 1234.5 {
		t.Errorf("Expected 1234.5, got %v", got)
	}
	if string(bucketKey("x", 1)) >= string(bucketKey("x", 2)) {
		t.Error("Expected bucket keys ordered by hour")
	}
}

func TestNew_OpensOnDisk(t *testing.T) {
	// Same options the station uses; badger rejects some combinations at open time
	for _, cfg := range []Config{
		{Path: t.TempDir()},
		{Path: t.TempDir(), MaxMemoryMB: 48},
	} {
		store, err := New(cfg)
		if err != nil {
			t.Fatalf("Failed to open %+v: %v", cfg, err)
		}
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close: %v", err)
		}
	}
}

func TestDeleteReadingsBefore_PerField(t *testing.T) {
	store, err := New(Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	err = store.WriteReadings(ctx, []storage.Reading{
		{Timestamp: -10, Field: "a", Value: 1},
		{Timestamp: 100, Field: "a", Value: 2},
		{Timestamp: 200, Field: "a", Value: 3},
		{Timestamp: 50, Field: "b", Value: 4},
		{Timestamp: 200, Field: "b", Value: 5},
		{Timestamp: 300, Field: "b", Value: 6},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	n, err := store.DeleteReadingsBefore(ctx, 200)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 deleted readings, got %d", n)
	}

	results, err := store.QueryReadings(ctx, storage.ReadingQuery{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 remaining readings, got %d", len(results))
	}
	for _, r := range results {
		if r.Timestamp < 200 {
			t.Errorf("Reading %+v should have been deleted", r)
		}
	}
}
