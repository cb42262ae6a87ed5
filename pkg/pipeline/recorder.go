// Package pipeline connects the bus to the store and the alert manager:
// every numeric field published on a non-excluded topic is recorded and
// checked, and triggered alerts are published back on the alert topic.
package pipeline

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/nicktill/tinystation/pkg/alert"
	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/config"
)

// Recorder accepts numeric readings. *timeseries.Store implements it.
type Recorder interface {
	Record(field string, value float64)
}

// Checker evaluates readings against alert rules. *alert.Manager
// implements it.
type Checker interface {
	Check(field string, value float64) []alert.Alert
}

// Bus is the subset of *bus.Bus the pipeline needs.
type Bus interface {
	Publish(topic string, payload bus.Payload)
	SubscribeAll(fn bus.TapFunc) bus.Subscription
	Unsubscribe(s bus.Subscription)
}

// Options selects what gets recorded.
type Options struct {
	// Fields is an optional allow-list. Empty records every numeric field.
	Fields []string
	// ExcludeTopics are never recorded. The alert topic is always excluded.
	ExcludeTopics []string
}

// Pipeline is the recording hook. Handle is cheap: it only appends to the
// store buffer and evaluates rules in memory.
type Pipeline struct {
	store  Recorder
	alerts Checker
	bus    Bus

	allow   map[string]bool
	exclude map[string]bool

	sub      bus.Subscription
	attached atomic.Bool

	recorded  atomic.Uint64
	skipped   atomic.Uint64
	triggered atomic.Uint64
}

// New creates a detached pipeline. alerts may be nil.
func New(store Recorder, alerts Checker, b Bus, opts Options) *Pipeline {
	p := &Pipeline{
		store:   store,
		alerts:  alerts,
		bus:     b,
		exclude: map[string]bool{config.AlertTopic: true},
	}
	for _, t := range opts.ExcludeTopics {
		p.exclude[t] = true
	}
	if len(opts.Fields) > 0 {
		p.allow = make(map[string]bool, len(opts.Fields))
		for _, f := range opts.Fields {
			p.allow[f] = true
		}
	}
	return p
}

// Attach subscribes the pipeline to every topic. Calling it twice is a
// no-op.
func (p *Pipeline) Attach() {
	if !p.attached.CompareAndSwap(false, true) {
		return
	}
	p.sub = p.bus.SubscribeAll(p.Handle)
}

// Detach removes the subscription.
func (p *Pipeline) Detach() {
	if !p.attached.CompareAndSwap(true, false) {
		return
	}
	p.bus.Unsubscribe(p.sub)
}

// Handle records the numeric fields of one payload and publishes any
// alerts they trigger.
func (p *Pipeline) Handle(topic string, payload bus.Payload) {
	if p.exclude[topic] {
		return
	}

	fields := make([]string, 0, len(payload))
	for field := range payload {
		if strings.HasPrefix(field, "_") || (p.allow != nil && !p.allow[field]) {
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var fired []alert.Alert
	for _, field := range fields {
		value, ok := Numeric(payload[field])
		if !ok {
			p.skipped.Add(1)
			continue
		}

		p.store.Record(field, value)
		p.recorded.Add(1)

		if p.alerts != nil {
			fired = append(fired, p.alerts.Check(field, value)...)
		}
	}

	for _, a := range fired {
		p.triggered.Add(1)
		p.bus.Publish(config.AlertTopic, a.Payload())
	}
}

// Numeric converts a payload value to a finite float64. Booleans,
// strings, nested values, NaN and infinities are not numeric.
func Numeric(v any) (float64, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Stats counts what the pipeline has seen.
type Stats struct {
	Recorded  uint64 `json:"recorded"`
	Skipped   uint64 `json:"skipped_non_numeric"`
	Triggered uint64 `json:"alerts_triggered"`
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Recorded:  p.recorded.Load(),
		Skipped:   p.skipped.Load(),
		Triggered: p.triggered.Load(),
	}
}
