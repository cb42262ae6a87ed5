package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fxamacker/cbor/v2"

	"github.com/nicktill/tinystation/pkg/storage"
)

// Storage implements storage.Backend using BadgerDB (LSM tree)
type Storage struct {
	db  *badger.DB
	seq atomic.Uint64
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// SAFETY: Conservative memory limits for small devices.
	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total
	var memTableSize int64 = 16 * 1024 * 1024
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	blockCacheSize := memTableSize / 2 // Block cache: 50% of memtable
	indexCacheSize := memTableSize / 4 // Index cache: 25% of memtable

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2). // badger refuses to open with fewer than 2
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20). // 64 MB value log files instead of the default 2 GB
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Storage{db: db}
	// Seed the sequence so keys never collide with an earlier run.
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

// view runs fn in a read transaction, giving up when ctx is done.
// Each call uses its own transaction so readers never block the writer.
func (s *Storage) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.db.View(fn) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// update runs fn in a read-write transaction, giving up when ctx is done.
func (s *Storage) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.db.Update(fn) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// checkCtx is called every 1000 iterations of long scans.
func checkCtx(ctx context.Context, n int) error {
	if n%1000 != 0 {
		return nil
	}
	return ctx.Err()
}

// WriteReadings stores a batch of readings in one transaction
func (s *Storage) WriteReadings(ctx context.Context, readings []storage.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	return s.update(ctx, "write", func(txn *badger.Txn) error {
		indexed := make(map[string]bool)
		for i, r := range readings {
			if err := checkCtx(ctx, i); err != nil {
				return err
			}

			value, err := cbor.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode reading: %w", err)
			}
			if err := txn.Set(readingKey(r.Field, r.Timestamp, s.seq.Add(1)), value); err != nil {
				return fmt.Errorf("failed to write reading: %w", err)
			}

			if !indexed[r.Field] {
				indexed[r.Field] = true
				if err := txn.Set(fieldKey(r.Field), nil); err != nil {
					return fmt.Errorf("failed to index field: %w", err)
				}
			}
		}
		return nil
	})
}

// QueryReadings retrieves readings matching the query, ascending by time
func (s *Storage) QueryReadings(ctx context.Context, q storage.ReadingQuery) ([]storage.Reading, error) {
	var results []storage.Reading
	startTime := time.Now()

	err := s.view(ctx, "query", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100

		prefix := []byte{prefixReading}
		seek := prefix
		if q.Field != "" {
			prefix = readingPrefix(q.Field)
			seek = readingSeekKey(q.Field, q.Start)
		}
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			iterCount++
			if err := checkCtx(ctx, iterCount); err != nil {
				return err
			}

			ts := readingKeyTime(it.Item().Key())
			if ts < q.Start {
				continue
			}
			if q.End > 0 && ts >= q.End {
				if q.Field != "" {
					break // keys are time-ordered within one field
				}
				continue
			}

			r, err := decodeReading(it.Item())
			if err != nil {
				return err
			}
			if q.Field != "" && r.Field != q.Field {
				continue // hash collision
			}
			results = append(results, r)

			// Early exit if limit reached; single-field scans are already ordered
			if q.Field != "" && q.Limit > 0 && len(results) >= q.Limit {
				break
			}
		}

		if elapsed := time.Since(startTime); elapsed > 5*time.Second {
			log.Printf("[store] slow query completed in %v (%d iterations, %d results)", elapsed, iterCount, len(results))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.Field == "" {
		sort.SliceStable(results, func(i, j int) bool { return results[i].Timestamp < results[j].Timestamp })
		if q.Limit > 0 && len(results) > q.Limit {
			results = results[:q.Limit]
		}
	}
	return results, nil
}

// LatestReading returns the most recent reading for field
func (s *Storage) LatestReading(ctx context.Context, field string) (storage.Reading, bool, error) {
	var (
		latest storage.Reading
		found  bool
	)
	err := s.view(ctx, "latest", func(txn *badger.Txn) error {
		prefix := readingPrefix(field)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the largest possible key under prefix.
		seek := append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xff}, 16)...)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			r, err := decodeReading(it.Item())
			if err != nil {
				return err
			}
			if r.Field == field {
				latest, found = r, true
				return nil
			}
		}
		return nil
	})
	return latest, found, err
}

// DeleteReadingsBefore removes readings with timestamp < ts. Keys are
// ordered by time within a field, so each field is scanned only up to ts.
func (s *Storage) DeleteReadingsBefore(ctx context.Context, ts float64) (int, error) {
	var keysToDelete [][]byte

	err := s.view(ctx, "delete", func(txn *badger.Txn) error {
		fields, err := indexedFields(txn)
		if err != nil {
			return err
		}

		var iterCount int
		for _, field := range fields {
			prefix := readingPrefix(field)
			end := readingSeekKey(field, ts)

			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				iterCount++
				if err := checkCtx(ctx, iterCount); err != nil {
					it.Close()
					return err
				}
				key := it.Item().Key()
				if bytes.Compare(key, end) >= 0 {
					break
				}
				keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keysToDelete) == 0 {
		return 0, nil
	}

	// A retention sweep can exceed a single transaction, so use a
	// write batch that commits in chunks.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keysToDelete {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to delete reading: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush deletes: %w", err)
	}
	return len(keysToDelete), nil
}

// UpsertBuckets stores buckets, replacing existing ones
func (s *Storage) UpsertBuckets(ctx context.Context, buckets []storage.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	return s.update(ctx, "upsert", func(txn *badger.Txn) error {
		for _, b := range buckets {
			value, err := cbor.Marshal(b)
			if err != nil {
				return fmt.Errorf("failed to encode bucket: %w", err)
			}
			if err := txn.Set(bucketKey(b.Field, b.Hour), value); err != nil {
				return fmt.Errorf("failed to write bucket: %w", err)
			}
		}
		return nil
	})
}

// QueryBuckets retrieves buckets matching the query, ascending by hour
func (s *Storage) QueryBuckets(ctx context.Context, q storage.BucketQuery) ([]storage.Bucket, error) {
	var results []storage.Bucket

	err := s.view(ctx, "query buckets", func(txn *badger.Txn) error {
		prefix := []byte{prefixBucket}
		seek := prefix
		if q.Field != "" {
			prefix = bucketPrefix(q.Field)
			seek = bucketKey(q.Field, q.StartHour)
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var b storage.Bucket
			if err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &b)
			}); err != nil {
				return fmt.Errorf("failed to decode bucket: %w", err)
			}
			if !q.Matches(b) {
				if q.Field != "" && q.EndHour > 0 && b.Hour > q.EndHour {
					break
				}
				continue
			}
			results = append(results, b)
			if q.Field != "" && q.Limit > 0 && len(results) >= q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.Field == "" {
		sort.SliceStable(results, func(i, j int) bool {
			if results[i].Hour != results[j].Hour {
				return results[i].Hour < results[j].Hour
			}
			return results[i].Field < results[j].Field
		})
		if q.Limit > 0 && len(results) > q.Limit {
			results = results[:q.Limit]
		}
	}
	return results, nil
}

// PendingHours finds completed hours that have readings but no bucket.
// It visits one key per hour by seeking past each hour it has seen.
func (s *Storage) PendingHours(ctx context.Context, maxHour int64, limit int) ([]storage.HourField, error) {
	var pending []storage.HourField

	err := s.view(ctx, "pending", func(txn *badger.Txn) error {
		fields, err := indexedFields(txn)
		if err != nil {
			return err
		}

		for _, field := range fields {
			if err := ctx.Err(); err != nil {
				return err
			}

			prefix := readingPrefix(field)
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)

			found := 0
			for it.Seek(prefix); it.ValidForPrefix(prefix); {
				hour := storage.HourOf(readingKeyTime(it.Item().Key()))
				if hour > maxHour {
					break
				}

				_, err := txn.Get(bucketKey(field, hour))
				switch {
				case errors.Is(err, badger.ErrKeyNotFound):
					pending = append(pending, storage.HourField{Hour: hour, Field: field})
					found++
				case err != nil:
					it.Close()
					return fmt.Errorf("failed to check bucket: %w", err)
				}
				if limit > 0 && found >= limit {
					break
				}

				it.Seek(readingSeekKey(field, float64((hour+1)*storage.SecondsPerHour)))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	storage.SortHourFields(pending)
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// Fields returns fields that currently have readings
func (s *Storage) Fields(ctx context.Context) ([]string, error) {
	var fields []string
	err := s.view(ctx, "fields", func(txn *badger.Txn) error {
		indexed, err := indexedFields(txn)
		if err != nil {
			return err
		}
		for _, field := range indexed {
			if hasPrefix(txn, readingPrefix(field)) {
				fields = append(fields, field)
			}
		}
		return nil
	})
	return fields, err
}

// indexedFields lists every field ever written, sorted.
func indexedFields(txn *badger.Txn) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte{prefixField}

	it := txn.NewIterator(opts)
	defer it.Close()

	var fields []string
	for it.Rewind(); it.Valid(); it.Next() {
		fields = append(fields, string(it.Item().Key()[1:]))
	}
	return fields, nil
}

func hasPrefix(txn *badger.Txn, prefix []byte) bool {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()
	it.Seek(prefix)
	return it.ValidForPrefix(prefix)
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted readings
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed or was not needed
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := s.view(ctx, "stats", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var oldest, newest float64
		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if err := checkCtx(ctx, iterCount); err != nil {
				return err
			}

			key := it.Item().Key()
			switch key[0] {
			case prefixReading:
				ts := readingKeyTime(key)
				if stats.TotalReadings == 0 || ts < oldest {
					oldest = ts
				}
				if stats.TotalReadings == 0 || ts > newest {
					newest = ts
				}
				stats.TotalReadings++
			case prefixBucket:
				stats.TotalBuckets++
			case prefixField:
				if hasPrefix(txn, readingPrefix(string(key[1:]))) {
					stats.TotalFields++
				}
			}
		}

		if stats.TotalReadings > 0 {
			stats.OldestReading = unixTime(oldest)
			stats.NewestReading = unixTime(newest)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

func decodeReading(item *badger.Item) (storage.Reading, error) {
	var r storage.Reading
	err := item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &r)
	})
	if err != nil {
		return r, fmt.Errorf("failed to decode reading: %w", err)
	}
	return r, nil
}

func unixTime(ts float64) time.Time {
	return time.Unix(0, int64(ts*1e9))
}
