package memory

import (
	"context"
	"testing"

	"github.com/nicktill/tinystation/pkg/storage"
	"github.com/nicktill/tinystation/pkg/storage/storagetest"
)

func TestMemoryStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return New()
	})
}

func TestMemoryStorage_CancelledContext(t *testing.T) {
	store := New()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.WriteReadings(ctx, []storage.Reading{{Timestamp: 1, Field: "x", Value: 1}}); err == nil {
		t.Error("Expected error for cancelled context")
	}
	if _, err := store.QueryReadings(ctx, storage.ReadingQuery{}); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
