// Package source runs data producers on a fixed interval and publishes
// their payloads to the bus.
//
// Each Runner owns exactly one worker goroutine. A failing, panicking or
// hanging producer only costs its own cycles; it never stops the loop or
// blocks shutdown.
package source

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
)

// Producer fetches one payload per cycle. A nil payload with a nil error
// means there is nothing to publish this cycle. Fetch should honour ctx
// but is not required to.
type Producer interface {
	Fetch(ctx context.Context) (bus.Payload, error)
}

// Publisher is the subset of *bus.Bus a Runner needs.
type Publisher interface {
	Publish(topic string, payload bus.Payload)
}

// Options tunes a Runner. Zero values fall back to config defaults.
type Options struct {
	Interval time.Duration

	// FetchTimeout bounds a single Fetch. Zero means no per-cycle limit;
	// Stop still abandons an in-flight Fetch.
	FetchTimeout time.Duration

	Clock clock.Clock
}

// Runner polls one producer and publishes under one topic.
type Runner struct {
	topic    string
	producer Producer
	pub      Publisher
	opts     Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// inflight is set while a Fetch goroutine is alive, including one
	// abandoned by Stop or a timeout.
	inflight atomic.Bool

	cycles    atomic.Uint64
	published atomic.Uint64
	empty     atomic.Uint64
	errors    atomic.Uint64
	skipped   atomic.Uint64

	statsMu   sync.Mutex
	lastError string
	lastFetch time.Time
}

// NewRunner creates a stopped Runner.
func NewRunner(topic string, p Producer, pub Publisher, opts Options) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultSourceInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Runner{topic: topic, producer: p, pub: pub, opts: opts}
}

// Topic returns the topic payloads are published under.
func (r *Runner) Topic() string { return r.topic }

// Producer returns the wrapped producer.
func (r *Runner) Producer() Producer { return r.producer }

// Start spawns the worker. It is a no-op while the runner is running.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}
	// A previous worker exits promptly once cancelled; never run two.
	if r.done != nil {
		<-r.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop signals the worker to exit and returns without waiting. An
// in-flight Fetch is abandoned, not interrupted.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Wait blocks until the worker has exited. It returns immediately if the
// runner was never started.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Running reports whether the worker goroutine is alive.
func (r *Runner) Running() bool {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		r.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-r.opts.Clock.After(r.opts.Interval):
		}
	}
}

type fetchResult struct {
	payload bus.Payload
	err     error
}

// cycle runs one Fetch and publishes the result.
func (r *Runner) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	r.cycles.Add(1)

	// Never call a producer concurrently with itself.
	if !r.inflight.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		log.Printf("[source] %s: previous fetch still running, skipping cycle", r.topic)
		return
	}

	fctx, cancel := ctx, context.CancelFunc(func() {})
	if r.opts.FetchTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, r.opts.FetchTimeout)
	}
	defer cancel()

	results := make(chan fetchResult, 1)
	go func() {
		var res fetchResult
		defer func() {
			if rec := recover(); rec != nil {
				res = fetchResult{err: fmt.Errorf("producer panic: %v", rec)}
			}
			r.inflight.Store(false)
			results <- res
		}()
		res.payload, res.err = r.producer.Fetch(fctx)
	}()

	select {
	case res := <-results:
		r.handle(res)
	case <-fctx.Done():
		if ctx.Err() != nil {
			return
		}
		r.fail(fmt.Errorf("fetch exceeded %v, abandoned", r.opts.FetchTimeout))
	}
}

func (r *Runner) handle(res fetchResult) {
	r.statsMu.Lock()
	r.lastFetch = r.opts.Clock.Now()
	r.statsMu.Unlock()

	if res.err != nil {
		r.fail(res.err)
		return
	}
	if res.payload == nil {
		r.empty.Add(1)
		return
	}
	r.pub.Publish(r.topic, res.payload)
	r.published.Add(1)
}

func (r *Runner) fail(err error) {
	r.errors.Add(1)
	r.statsMu.Lock()
	r.lastError = err.Error()
	r.statsMu.Unlock()
	log.Printf("[source] %s: fetch failed: %v", r.topic, err)
}

// Stats is a point-in-time view of runner counters.
type Stats struct {
	Topic     string    `json:"topic"`
	Running   bool      `json:"running"`
	Cycles    uint64    `json:"cycles"`
	Published uint64    `json:"published"`
	Empty     uint64    `json:"empty"`
	Errors    uint64    `json:"errors"`
	Skipped   uint64    `json:"skipped"`
	LastError string    `json:"last_error,omitempty"`
	LastFetch time.Time `json:"last_fetch"`

	// Reliability is set for producers that track it.
	Reliability *float64 `json:"reliability,omitempty"`
}

// ReliabilityReporter is implemented by producers that track their own
// read success rate.
type ReliabilityReporter interface {
	Reliability() float64
}

// Stats returns current counters.
func (r *Runner) Stats() Stats {
	r.statsMu.Lock()
	lastError, lastFetch := r.lastError, r.lastFetch
	r.statsMu.Unlock()

	s := Stats{
		Topic:     r.topic,
		Running:   r.Running(),
		Cycles:    r.cycles.Load(),
		Published: r.published.Load(),
		Empty:     r.empty.Load(),
		Errors:    r.errors.Load(),
		Skipped:   r.skipped.Load(),
		LastError: lastError,
		LastFetch: lastFetch,
	}
	if rr, ok := r.producer.(ReliabilityReporter); ok {
		pct := rr.Reliability()
		s.Reliability = &pct
	}
	return s
}
