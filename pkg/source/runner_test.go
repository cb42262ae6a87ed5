package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
)

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []bus.Payload
	notify   chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{notify: make(chan struct{}, 100)}
}

func (p *recordingPublisher) Publish(_ string, payload bus.Payload) {
	p.mu.Lock()
	p.payloads = append(p.payloads, payload)
	p.mu.Unlock()
	p.notify <- struct{}{}
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type funcProducer func(ctx context.Context) (bus.Payload, error)

func (f funcProducer) Fetch(ctx context.Context) (bus.Payload, error) { return f(ctx) }

func TestRunner_StopIsPromptWithLongInterval(t *testing.T) {
	pub := newRecordingPublisher()
	r := NewRunner("slow", funcProducer(func(context.Context) (bus.Payload, error) {
		return bus.Payload{"v": 1.0}, nil
	}), pub, Options{Interval: 30 * time.Second})

	r.Start()
	<-pub.notify // first cycle published, worker now waiting 30s

	start := time.Now()
	r.Stop()
	r.Wait()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, r.Running())
}

func TestRunner_StopAbandonsHungFetch(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	r := NewRunner("hung", funcProducer(func(context.Context) (bus.Payload, error) {
		close(started)
		<-release // ignores ctx
		return nil, nil
	}), newRecordingPublisher(), Options{Interval: time.Second})

	r.Start()
	<-started

	start := time.Now()
	r.Stop()
	r.Wait()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRunner_ErrorsAndNilPayloadsDoNotStopLoop(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	pub := newRecordingPublisher()

	var calls atomic.Int32
	r := NewRunner("flaky", funcProducer(func(context.Context) (bus.Payload, error) {
		switch calls.Add(1) {
		case 1:
			return nil, errors.New("sensor timeout")
		case 2:
			panic("driver bug")
		case 3:
			return nil, nil
		default:
			return bus.Payload{"temperature": 22.5}, nil
		}
	}), pub, Options{Interval: 5 * time.Second, Clock: fake})

	r.Start()
	defer func() {
		r.Stop()
		r.Wait()
	}()

	for i := 0; i < 3; i++ {
		fake.WaitForTimers(1)
		fake.Advance(5 * time.Second)
	}

	select {
	case <-pub.notify:
	case <-time.After(time.Second):
		t.Fatal("loop did not survive producer failures")
	}

	stats := r.Stats()
	require.Equal(t, uint64(2), stats.Errors)
	require.Equal(t, uint64(1), stats.Empty)
	require.Equal(t, uint64(1), stats.Published)
	require.Contains(t, stats.LastError, "driver bug")
	require.Equal(t, 1, pub.count())
}

func TestRunner_TimeoutSkipsUntilFetchReturns(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	release := make(chan struct{})
	var calls atomic.Int32

	r := NewRunner("stuck", funcProducer(func(context.Context) (bus.Payload, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		return bus.Payload{"ok": 1.0}, nil
	}), newRecordingPublisher(), Options{
		Interval:     time.Second,
		FetchTimeout: 10 * time.Millisecond,
		Clock:        fake,
	})

	r.Start()
	defer func() {
		r.Stop()
		r.Wait()
	}()

	// First fetch times out in real time and is abandoned.
	fake.WaitForTimers(1)
	require.Eventually(t, func() bool { return r.Stats().Errors == 1 }, time.Second, 5*time.Millisecond)

	// Next cycle finds it still running and skips.
	fake.Advance(time.Second)
	require.Eventually(t, func() bool { return r.Stats().Skipped == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), calls.Load())

	close(release)
	require.Eventually(t, func() bool { return !r.inflight.Load() }, time.Second, 5*time.Millisecond)

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	require.Eventually(t, func() bool { return r.Stats().Published == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunner_StartIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	r := NewRunner("once", funcProducer(func(context.Context) (bus.Payload, error) {
		calls.Add(1)
		return nil, nil
	}), newRecordingPublisher(), Options{Interval: time.Hour})

	r.Start()
	r.Start()
	r.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	require.True(t, r.Running())

	r.Stop()
	r.Wait()
	require.Equal(t, int32(1), calls.Load())

	// A stopped runner can be started again.
	r.Start()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	r.Stop()
	r.Wait()
}

func TestRegistry_BuildAndGroup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("const", func(cfg config.SourceConfig) (Producer, error) {
		v := cfg.OptFloat("value", 1)
		return funcProducer(func(context.Context) (bus.Payload, error) {
			return bus.Payload{"value": v}, nil
		}), nil
	}))
	require.Error(t, reg.Register("const", func(config.SourceConfig) (Producer, error) { return nil, nil }))
	require.Equal(t, []string{"const"}, reg.Types())

	_, err := reg.Build(config.SourceConfig{ID: "x", Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownType)

	pub := newRecordingPublisher()
	g := reg.NewGroup([]config.SourceConfig{
		{ID: "a", Type: "const", Interval: config.Duration(time.Hour), Options: map[string]any{"value": 3.5}},
		{ID: "b", Type: "missing"},
	}, pub, nil)
	require.Len(t, g.Runners(), 1)

	g.Start()
	<-pub.notify
	g.Stop()

	require.Equal(t, 3.5, pub.payloads[0]["value"])
	stats := g.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, "a", stats[0].Topic)
	require.False(t, stats[0].Running)
}
