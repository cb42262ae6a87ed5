// Package sink forwards bus traffic to external systems. Sinks run as
// bus taps and never block the publisher: writes are queued by the
// client libraries and failures are logged and counted.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
)

// Tapper is the subset of *bus.Bus a sink attaches to.
type Tapper interface {
	SubscribeAll(fn bus.TapFunc) bus.Subscription
	Unsubscribe(s bus.Subscription)
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Stats counts sink traffic.
type Stats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// Kafka publishes every bus message as JSON, keyed by topic.
type Kafka struct {
	w     MessageWriter
	clock clock.Clock

	sub      bus.Subscription
	attached atomic.Bool

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewKafka builds a sink over an async writer for cfg. Batch completion
// is reported through the sink's counters.
func NewKafka(cfg config.KafkaConfig, clk clock.Clock) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka sink needs brokers and topic")
	}
	k := &Kafka{clock: clk}
	k.w = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   k.complete,
	}
	return k, nil
}

// NewKafkaWithWriter wraps an existing writer. The writer must not block
// in WriteMessages.
func NewKafkaWithWriter(w MessageWriter, clk clock.Clock) *Kafka {
	return &Kafka{w: w, clock: clk}
}

func (k *Kafka) now() time.Time {
	if k.clock == nil {
		return time.Now()
	}
	return k.clock.Now()
}

// Attach taps every topic on b.
func (k *Kafka) Attach(b Tapper) {
	if k.attached.CompareAndSwap(false, true) {
		k.sub = b.SubscribeAll(k.Handle)
	}
}

// Detach removes the tap.
func (k *Kafka) Detach(b Tapper) {
	if k.attached.CompareAndSwap(true, false) {
		b.Unsubscribe(k.sub)
	}
}

// Handle queues one bus message.
func (k *Kafka) Handle(topic string, payload bus.Payload) {
	value, err := json.Marshal(bus.Message{Topic: topic, Payload: payload, Time: k.now()})
	if err != nil {
		k.failed.Add(1)
		log.Printf("[sink] kafka: encode %s: %v", topic, err)
		return
	}

	err = k.w.WriteMessages(context.Background(), kafka.Message{Key: []byte(topic), Value: value})
	if err != nil {
		k.fail(1, err)
	}
}

func (k *Kafka) complete(msgs []kafka.Message, err error) {
	if err != nil {
		k.fail(len(msgs), err)
		return
	}
	k.sent.Add(uint64(len(msgs)))
}

func (k *Kafka) fail(n int, err error) {
	total := k.failed.Add(uint64(n))
	// Log the first failure and then once per hundred.
	if total == uint64(n) || total/100 != (total-uint64(n))/100 {
		log.Printf("[sink] kafka: %d messages failed so far: %v", total, err)
	}
}

// Stats returns the sink counters. With the async writer, Sent only
// moves once a batch is acknowledged.
func (k *Kafka) Stats() Stats {
	return Stats{Sent: k.sent.Load(), Failed: k.failed.Load()}
}

// Close flushes pending messages and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
