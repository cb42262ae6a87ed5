package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/server/monitor"
	"github.com/nicktill/tinystation/pkg/storage"
	"github.com/nicktill/tinystation/pkg/storage/badger"
	"github.com/nicktill/tinystation/pkg/timeseries"
)

const (
	cleanupRetries   = 3
	cleanupBaseDelay = 30 * time.Second
	cleanupTimeout   = 5 * time.Minute
)

// RunRetention deletes raw readings older than retentionDays once at
// startup and then every config.CleanupInterval. Hourly buckets are
// kept.
func RunRetention(ctx context.Context, store *timeseries.Store, retentionDays int, mon *monitor.CycleMonitor, clk clock.Clock, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := clk.NewTicker(config.CleanupInterval)
	defer ticker.Stop()

	// Helper function to run cleanup with retry and exponential backoff
	runWithRetry := func() {
		for attempt := 0; attempt <= cleanupRetries; attempt++ {
			if attempt > 0 {
				delay := cleanupBaseDelay * time.Duration(1<<(attempt-1)) // Exponential backoff: 30s, 60s, 120s
				log.Printf("Retrying cleanup in %v (attempt %d/%d)...", delay, attempt+1, cleanupRetries+1)
				select {
				case <-clk.After(delay):
				case <-ctx.Done():
					return
				}
			}

			start := clk.Now()
			cctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
			n, err := store.Cleanup(cctx, retentionDays)
			cancel()

			if err == nil {
				mon.RecordSuccess()
				log.Printf("Retention cleanup completed in %v (%d readings removed)", clk.Now().Sub(start).Round(time.Millisecond), n)
				return
			}
			if ctx.Err() != nil {
				return
			}

			mon.RecordFailure(err)
			log.Printf("Retention cleanup failed (attempt %d/%d): %v", attempt+1, cleanupRetries+1, err)
			if mon.ConsecutiveErrors() > cleanupRetries {
				log.Printf("ALERT: Retention cleanup has been failing! Consecutive errors: %d", mon.ConsecutiveErrors())
			}
		}

		log.Printf("Retention cleanup failed after %d attempts, will retry on next schedule", cleanupRetries+1)
	}

	runWithRetry()

	for {
		select {
		case <-ticker.C:
			runWithRetry()
		case <-ctx.Done():
			log.Println("Stopping retention scheduler")
			return
		}
	}
}

// gcCollector is implemented by backends with value-log garbage
// collection.
type gcCollector interface {
	RunGC(discardRatio float64) error
}

var _ gcCollector = (*badger.Storage)(nil)

// RunBadgerGC runs BadgerDB garbage collection periodically to reclaim disk space.
// BadgerDB uses LSM trees which accumulate deleted data in value log.
func RunBadgerGC(ctx context.Context, backend storage.Backend, clk clock.Clock, wg *sync.WaitGroup) {
	defer wg.Done()

	gc, ok := backend.(gcCollector)
	if !ok {
		log.Println("Storage is not BadgerDB, skipping GC")
		return
	}

	ticker := clk.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()
	log.Printf("BadgerDB GC scheduler started (runs every %v)", config.BadgerGCInterval)

	for {
		select {
		case <-ticker.C:
			start := clk.Now()
			// Reclaim a value log file once half of it is garbage.
			if err := gc.RunGC(0.5); err != nil {
				// Not an error if no GC was needed
				log.Printf("GC completed in %v (no rewrite needed)", clk.Now().Sub(start).Round(time.Millisecond))
			} else {
				log.Printf("GC completed in %v (disk space reclaimed)", clk.Now().Sub(start).Round(time.Millisecond))
			}
		case <-ctx.Done():
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
