package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystation/pkg/clock"
)

func collect(mu *sync.Mutex, dst *[]int) Callback {
	return func(p Payload) {
		mu.Lock()
		*dst = append(*dst, p["n"].(int))
		mu.Unlock()
	}
}

func TestDirect_PreservesPublishOrder(t *testing.T) {
	b := New(Options{Mode: ModeDirect})

	var mu sync.Mutex
	var got []int
	b.Subscribe("sensor.dht", collect(&mu, &got))

	want := make([]int, 200)
	for i := range want {
		want[i] = i
		b.Publish("sensor.dht", Payload{"n": i})
	}

	require.Equal(t, want, got)
}

func TestTick_PreservesPublishOrderAcrossTicks(t *testing.T) {
	b := New(Options{Mode: ModeTick, MaxPerTick: 7})

	var mu sync.Mutex
	var got []int
	b.Subscribe("system", collect(&mu, &got))

	for i := 0; i < 30; i++ {
		b.Publish("system", Payload{"n": i})
	}
	require.Empty(t, got, "tick mode must not deliver on publish")

	ticks := 0
	for b.Drain() > 0 {
		ticks++
	}
	require.Equal(t, 5, ticks) // 7+7+7+7+2
	require.Len(t, got, 30)
	for i, n := range got {
		require.Equal(t, i, n)
	}
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	for _, mode := range []Mode{ModeDirect, ModeTick} {
		t.Run(mode.String(), func(t *testing.T) {
			b := New(Options{Mode: mode})

			var mu sync.Mutex
			var faulty, healthy []int
			b.Subscribe("t", func(p Payload) {
				n := p["n"].(int)
				if n == 2 {
					panic("boom")
				}
				mu.Lock()
				faulty = append(faulty, n)
				mu.Unlock()
			})
			b.Subscribe("t", collect(&mu, &healthy))

			for i := 1; i <= 4; i++ {
				b.Publish("t", Payload{"n": i})
			}
			b.Drain()

			assert.Equal(t, []int{1, 3, 4}, faulty)
			assert.Equal(t, []int{1, 2, 3, 4}, healthy)
			assert.Equal(t, uint64(1), b.Stats().Failures)
		})
	}
}

func TestLatestIndependentOfDelivery(t *testing.T) {
	b := New(Options{Mode: ModeTick})
	b.Subscribe("weather", func(Payload) {})

	b.Publish("weather", Payload{"temp": 20.5})
	b.Publish("weather", Payload{"temp": 21.0})
	b.Publish("system", Payload{"cpu": 12.0})

	latest, ok := b.Latest("weather")
	require.True(t, ok)
	require.Equal(t, 21.0, latest["temp"])
	require.Equal(t, 3, b.Stats().Queued)

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, 12.0, snap["system"]["cpu"])

	_, ok = b.Latest("missing")
	require.False(t, ok)
}

func TestSubscribeAllAndUnsubscribe(t *testing.T) {
	b := New(Options{})

	var topics []string
	tapSub := b.SubscribeAll(func(topic string, _ Payload) { topics = append(topics, topic) })

	calls := 0
	sub := b.Subscribe("a", func(Payload) { calls++ })

	b.Publish("a", Payload{})
	b.Publish("b", Payload{})
	require.Equal(t, []string{"a", "b"}, topics)
	require.Equal(t, 1, calls)

	b.Unsubscribe(sub)
	b.Unsubscribe(tapSub)
	b.Publish("a", Payload{})
	require.Equal(t, 1, calls)
	require.Len(t, topics, 2)
}

func TestPublishFromCallbackDoesNotDeadlock(t *testing.T) {
	b := New(Options{Mode: ModeDirect})

	var got Payload
	b.Subscribe("alert", func(p Payload) { got = p })
	b.Subscribe("sensor", func(p Payload) {
		b.Publish("alert", Payload{"id": "hot"})
	})

	done := make(chan struct{})
	go func() {
		b.Publish("sensor", Payload{"v": 1})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested publish deadlocked")
	}
	require.Equal(t, "hot", got["id"])
}

func TestRun_DrainsOnTicks(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	b := New(Options{Mode: ModeTick, TickInterval: 50 * time.Millisecond, Clock: fake})

	received := make(chan int, 10)
	b.Subscribe("t", func(p Payload) { received <- p["n"].(int) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	fake.WaitForTimers(1)
	b.Publish("t", Payload{"n": 1})
	fake.Advance(50 * time.Millisecond)

	select {
	case n := <-received:
		require.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("tick did not deliver")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentPublishersAreSafe(t *testing.T) {
	b := New(Options{Mode: ModeDirect})

	var mu sync.Mutex
	counts := make(map[string][]int)
	b.SubscribeAll(func(topic string, p Payload) {
		mu.Lock()
		counts[topic] = append(counts[topic], p["n"].(int))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for _, topic := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b.Publish(topic, Payload{"n": i})
			}
		}(topic)
	}
	wg.Wait()

	for topic, seq := range counts {
		require.Len(t, seq, 500, topic)
		for i, n := range seq {
			require.Equal(t, i, n, "topic %s out of order", topic)
		}
	}
}
