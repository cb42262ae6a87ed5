package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
)

// Payload is one field -> value mapping produced by a single fetch.
// Values are numbers, booleans, strings or nested maps. A payload must
// not be mutated after it has been published.
type Payload map[string]any

// Callback receives payloads for one topic.
type Callback func(Payload)

// TapFunc receives payloads for every topic.
type TapFunc func(topic string, p Payload)

// Message is one published payload together with its topic.
type Message struct {
	Topic   string    `json:"topic"`
	Payload Payload   `json:"data"`
	Time    time.Time `json:"time"`
}

// Mode selects how payloads reach subscribers.
type Mode int

const (
	// ModeDirect runs callbacks synchronously on the publishing goroutine.
	// Callbacks must be fast and safe for concurrent use.
	ModeDirect Mode = iota

	// ModeTick queues payloads and delivers them from the goroutine
	// running Run (or calling Drain), for consumers that must only be
	// touched from one goroutine.
	ModeTick
)

// ParseMode maps a config string to a Mode. Unknown values select
// ModeDirect.
func ParseMode(s string) Mode {
	if s == "tick" {
		return ModeTick
	}
	return ModeDirect
}

// String returns the config name of the mode.
func (m Mode) String() string {
	if m == ModeTick {
		return "tick"
	}
	return "direct"
}

// Options configures a Bus. Zero values fall back to config defaults.
type Options struct {
	Mode         Mode
	TickInterval time.Duration
	MaxPerTick   int
	StreamBuffer int
	MaxOverflows int
	Clock        clock.Clock
}

// Subscription identifies a registered callback or tap.
type Subscription struct {
	ID    uuid.UUID
	Topic string // empty for taps
}

type subscriber struct {
	id uuid.UUID
	cb Callback
}

type tap struct {
	id uuid.UUID
	fn TapFunc
}

// Bus is a thread-safe publish/subscribe hub with a latest-value cache
// per topic.
type Bus struct {
	opts Options

	// mu guards every field below. Critical sections only copy slices
	// or maps; callbacks always run without it.
	mu      sync.Mutex
	latest  map[string]Message
	subs    map[string][]subscriber
	taps    []tap
	streams map[uuid.UUID]*Stream
	queue   []Message

	published atomic.Uint64
	delivered atomic.Uint64
	failures  atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Bus.
func New(opts Options) *Bus {
	if opts.TickInterval <= 0 {
		opts.TickInterval = config.DefaultTickInterval
	}
	if opts.MaxPerTick <= 0 {
		opts.MaxPerTick = config.DefaultMaxPerTick
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = config.DefaultStreamBuffer
	}
	if opts.MaxOverflows <= 0 {
		opts.MaxOverflows = config.DefaultMaxOverflows
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Bus{
		opts:    opts,
		latest:  make(map[string]Message),
		subs:    make(map[string][]subscriber),
		streams: make(map[uuid.UUID]*Stream),
	}
}

// Mode reports the delivery variant.
func (b *Bus) Mode() Mode { return b.opts.Mode }

// Publish makes payload the latest value for topic and delivers it. It
// is safe to call from any goroutine and never fails. In ModeTick it
// only enqueues; in ModeDirect it returns after every callback ran.
func (b *Bus) Publish(topic string, payload Payload) {
	msg := Message{Topic: topic, Payload: payload, Time: b.opts.Clock.Now()}
	b.published.Add(1)

	b.mu.Lock()
	b.latest[topic] = msg
	if b.opts.Mode == ModeTick {
		b.queue = append(b.queue, msg)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.deliver(msg)
}

// Subscribe registers cb for topic.
func (b *Bus) Subscribe(topic string, cb Callback) Subscription {
	sub := subscriber{id: uuid.New(), cb: cb}

	b.mu.Lock()
	// Copy-on-write so in-flight deliveries keep their snapshot.
	list := make([]subscriber, 0, len(b.subs[topic])+1)
	list = append(list, b.subs[topic]...)
	b.subs[topic] = append(list, sub)
	b.mu.Unlock()

	return Subscription{ID: sub.id, Topic: topic}
}

// SubscribeAll registers fn for every topic.
func (b *Bus) SubscribeAll(fn TapFunc) Subscription {
	t := tap{id: uuid.New(), fn: fn}

	b.mu.Lock()
	list := make([]tap, 0, len(b.taps)+1)
	list = append(list, b.taps...)
	b.taps = append(list, t)
	b.mu.Unlock()

	return Subscription{ID: t.id}
}

// Unsubscribe removes a callback or tap. Unknown subscriptions are
// ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.Topic == "" {
		kept := make([]tap, 0, len(b.taps))
		for _, t := range b.taps {
			if t.id != s.ID {
				kept = append(kept, t)
			}
		}
		b.taps = kept
		return
	}

	kept := make([]subscriber, 0, len(b.subs[s.Topic]))
	for _, sub := range b.subs[s.Topic] {
		if sub.id != s.ID {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, s.Topic)
		return
	}
	b.subs[s.Topic] = kept
}

// Latest returns the most recently published payload for topic.
func (b *Bus) Latest(topic string) (Payload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.latest[topic]
	return msg.Payload, ok
}

// Snapshot returns the latest payload of every topic.
func (b *Bus) Snapshot() map[string]Payload {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Payload, len(b.latest))
	for topic, msg := range b.latest {
		out[topic] = msg.Payload
	}
	return out
}

// Run drains the queue every TickInterval until ctx is done. Callbacks
// run on the calling goroutine. It returns immediately in ModeDirect.
func (b *Bus) Run(ctx context.Context) {
	if b.opts.Mode != ModeTick {
		return
	}
	ticker := b.opts.Clock.NewTicker(b.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Drain()
		}
	}
}

// Drain delivers up to MaxPerTick queued messages and returns how many
// were delivered.
func (b *Bus) Drain() int {
	b.mu.Lock()
	n := len(b.queue)
	if n > b.opts.MaxPerTick {
		n = b.opts.MaxPerTick
	}
	batch := make([]Message, n)
	copy(batch, b.queue[:n])
	// Shift instead of reslicing so the backing array does not pin
	// already-delivered payloads.
	remaining := copy(b.queue, b.queue[n:])
	for i := remaining; i < len(b.queue); i++ {
		b.queue[i] = Message{}
	}
	b.queue = b.queue[:remaining]
	b.mu.Unlock()

	for _, msg := range batch {
		b.deliver(msg)
	}
	return n
}

// deliver runs callbacks, taps and stream fan-out for one message.
func (b *Bus) deliver(msg Message) {
	b.mu.Lock()
	subs := b.subs[msg.Topic]
	taps := b.taps
	var streams []*Stream
	if len(b.streams) > 0 {
		streams = make([]*Stream, 0, len(b.streams))
		for _, s := range b.streams {
			streams = append(streams, s)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		cb := sub.cb
		b.invoke(msg.Topic, func() { cb(msg.Payload) })
	}
	for _, t := range taps {
		fn := t.fn
		b.invoke(msg.Topic, func() { fn(msg.Topic, msg.Payload) })
	}
	for _, s := range streams {
		switch s.offer(msg, b.opts.MaxOverflows) {
		case offerDropped:
			b.dropped.Add(1)
		case offerDead:
			b.dropped.Add(1)
			log.Printf("[bus] stream %s overflowed %d times, unregistering", s.ID, b.opts.MaxOverflows)
			b.CloseStream(s)
		}
	}
}

// invoke runs fn, containing any panic so one faulty subscriber cannot
// affect the others or the publisher.
func (b *Bus) invoke(topic string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			log.Printf("[bus] callback error [%s]: %v", topic, r)
		}
	}()
	fn()
	b.delivered.Add(1)
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Mode      string `json:"mode"`
	Topics    int    `json:"topics"`
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Failures  uint64 `json:"failures"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
	Streams   int    `json:"streams"`
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	topics, queued, streams := len(b.latest), len(b.queue), len(b.streams)
	b.mu.Unlock()

	return Stats{
		Mode:      b.opts.Mode.String(),
		Topics:    topics,
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Failures:  b.failures.Load(),
		Dropped:   b.dropped.Load(),
		Queued:    queued,
		Streams:   streams,
	}
}
