// Package timeseries buffers recorded readings, persists them in batches,
// rolls completed hours into buckets and answers range queries whose
// result size does not grow with the requested span.
package timeseries

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/compaction"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/storage"
)

// writeTimeout bounds one flush, downsample or cleanup.
const writeTimeout = 30 * time.Second

// Observer is told about each background flush or downsample.
// *monitor.CycleMonitor implements it.
type Observer interface {
	RecordSuccess()
	RecordFailure(err error)
}

// Options tunes a Store. Zero values fall back to config defaults.
type Options struct {
	FlushInterval   time.Duration
	DownsampleBatch int
	Clock           clock.Clock

	FlushObserver      Observer
	DownsampleObserver Observer
}

// Store is the buffered time-series store. Record never touches the
// backend; one background goroutine flushes and then downsamples.
type Store struct {
	backend   storage.Backend
	compactor *compaction.Compactor
	opts      Options

	bufMu  sync.Mutex
	buffer []storage.Reading
	swaps  uint64 // incremented each time Flush takes the buffer

	// writeMu serializes backend writes. Readers do not take it.
	writeMu sync.Mutex

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	recorded atomic.Uint64
	flushed  atomic.Uint64
	lost     atomic.Uint64
	rejected atomic.Uint64
}

// New creates a stopped Store over backend.
func New(backend storage.Backend, opts Options) *Store {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = config.DefaultFlushInterval
	}
	if opts.DownsampleBatch <= 0 {
		opts.DownsampleBatch = config.DefaultDownsampleBatch
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Store{
		backend:   backend,
		compactor: compaction.New(backend, compaction.Options{BatchSize: opts.DownsampleBatch}),
		opts:      opts,
	}
}

// Backend returns the underlying storage.
func (s *Store) Backend() storage.Backend { return s.backend }

// Record buffers value for field at the current time. Safe for
// concurrent use; never blocks on I/O.
func (s *Store) Record(field string, value float64) {
	s.RecordAt(field, value, clock.Unix(s.opts.Clock.Now()))
}

// RecordAt buffers value for field at ts (unix seconds). NaN and
// infinite values are counted as rejected and not stored: they would
// poison every aggregate they fall into.
func (s *Store) RecordAt(field string, value float64, ts float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) || math.IsNaN(ts) || math.IsInf(ts, 0) {
		s.rejected.Add(1)
		return
	}
	s.bufMu.Lock()
	s.buffer = append(s.buffer, storage.Reading{Timestamp: ts, Field: field, Value: value})
	s.bufMu.Unlock()
	s.recorded.Add(1)
}

// Start launches the flush/downsample loop. No-op if already running.
func (s *Store) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	log.Printf("[store] started (flush every %v)", s.opts.FlushInterval)
}

// Stop ends the loop, waits for an in-progress cycle and flushes what is
// still buffered.
func (s *Store) Stop() {
	s.lifeMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	ctx, cancelFlush := context.WithTimeout(context.Background(), writeTimeout)
	defer cancelFlush()
	if _, err := s.Flush(ctx); err != nil {
		log.Printf("[store] final flush failed: %v", err)
	}
}

func (s *Store) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := s.opts.Clock.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// cycle runs one flush followed by one downsample.
func (s *Store) cycle(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := s.Flush(cctx)
	observe(s.opts.FlushObserver, err)

	n, err := s.Downsample(cctx)
	observe(s.opts.DownsampleObserver, err)
	if err != nil {
		log.Printf("[store] downsample failed: %v", err)
	} else if n > 0 {
		log.Printf("[store] downsampled %d hour/field pairs", n)
	}
}

func observe(o Observer, err error) {
	if o == nil {
		return
	}
	if err != nil {
		o.RecordFailure(err)
		return
	}
	o.RecordSuccess()
}

// Flush swaps out the buffer and writes it as one batch. On failure the
// batch is dropped and counted as lost; it is not retried.
func (s *Store) Flush(ctx context.Context) (int, error) {
	s.bufMu.Lock()
	batch := s.buffer
	s.buffer = nil
	if len(batch) > 0 {
		s.swaps++
	}
	s.bufMu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	err := s.backend.WriteReadings(ctx, batch)
	s.writeMu.Unlock()

	if err != nil {
		s.lost.Add(uint64(len(batch)))
		log.Printf("[store] flush failed, %d readings lost: %v", len(batch), err)
		return 0, fmt.Errorf("flush %d readings: %w", len(batch), err)
	}
	s.flushed.Add(uint64(len(batch)))
	return len(batch), nil
}

// Downsample computes buckets for completed hours that lack one, at most
// DownsampleBatch per call.
func (s *Store) Downsample(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.compactor.Downsample(ctx, s.opts.Clock.Now())
}

// Cleanup deletes raw readings older than retentionDays. Buckets are
// kept.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = config.DefaultRetentionDays
	}
	cutoff := clock.Unix(s.opts.Clock.Now()) - float64(retentionDays)*86400

	s.writeMu.Lock()
	n, err := s.backend.DeleteReadingsBefore(ctx, cutoff)
	s.writeMu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if n > 0 {
		log.Printf("[store] cleanup: deleted %d readings older than %d days", n, retentionDays)
	}
	return n, nil
}

// GetFields returns every field with recorded data, including readings
// not yet flushed, sorted.
func (s *Store) GetFields(ctx context.Context) ([]string, error) {
	fields, err := s.backend.Fields(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		seen[f] = true
	}
	for _, r := range s.buffered() {
		if !seen[r.Field] {
			seen[r.Field] = true
			fields = append(fields, r.Field)
		}
	}
	sort.Strings(fields)
	return fields, nil
}

// buffered returns a copy of the unflushed readings.
func (s *Store) buffered() []storage.Reading {
	pending, _ := s.snapshot()
	return pending
}

// snapshot returns a copy of the unflushed readings and the current swap
// generation.
func (s *Store) snapshot() ([]storage.Reading, uint64) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return append([]storage.Reading(nil), s.buffer...), s.swaps
}

func (s *Store) generation() uint64 {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.swaps
}

// Stats is a point-in-time view of store counters.
type Stats struct {
	Recorded uint64         `json:"recorded"`
	Flushed  uint64         `json:"flushed"`
	Lost     uint64         `json:"lost"`
	Rejected uint64         `json:"rejected"`
	Buffered int            `json:"buffered"`
	Storage  *storage.Stats `json:"storage,omitempty"`
}

// Stats returns store counters and backend statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.bufMu.Lock()
	buffered := len(s.buffer)
	s.bufMu.Unlock()

	st := Stats{
		Recorded: s.recorded.Load(),
		Flushed:  s.flushed.Load(),
		Lost:     s.lost.Load(),
		Rejected: s.rejected.Load(),
		Buffered: buffered,
	}
	bs, err := s.backend.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Storage = bs
	return st, nil
}
