package sink

import (
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/pipeline"
)

// PointWriter is satisfied by the non-blocking api.WriteAPI.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Influx writes the numeric fields of each payload as one point, tagged
// with its topic. Fields starting with "_" and the alert topic are
// skipped.
type Influx struct {
	w           PointWriter
	measurement string
	clock       clock.Clock
	closeFn     func()

	sub      bus.Subscription
	attached atomic.Bool

	sent   atomic.Uint64
	failed atomic.Uint64
	wg     sync.WaitGroup
}

// NewInflux connects a non-blocking writer for cfg.
func NewInflux(cfg config.InfluxConfig, clk clock.Clock) (*Influx, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink needs url, org and bucket")
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(uint(time.Second/time.Millisecond)))
	wapi := client.WriteAPI(cfg.Org, cfg.Bucket)

	in := NewInfluxWithWriter(wapi, cfg.Measurement, clk)
	in.closeFn = client.Close

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for err := range wapi.Errors() {
			n := in.failed.Add(1)
			if n == 1 || n%100 == 0 {
				log.Printf("[sink] influx: %d writes failed so far: %v", n, err)
			}
		}
	}()
	return in, nil
}

// NewInfluxWithWriter wraps an existing writer.
func NewInfluxWithWriter(w PointWriter, measurement string, clk clock.Clock) *Influx {
	if measurement == "" {
		measurement = "station"
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Influx{w: w, measurement: measurement, clock: clk}
}

// Attach taps every topic on b.
func (in *Influx) Attach(b Tapper) {
	if in.attached.CompareAndSwap(false, true) {
		in.sub = b.SubscribeAll(in.Handle)
	}
}

// Detach removes the tap.
func (in *Influx) Detach(b Tapper) {
	if in.attached.CompareAndSwap(true, false) {
		b.Unsubscribe(in.sub)
	}
}

// Handle converts one payload to a point. Payloads with no numeric
// fields are dropped.
func (in *Influx) Handle(topic string, payload bus.Payload) {
	if topic == config.AlertTopic {
		return
	}
	point := in.Point(topic, payload)
	if point == nil {
		return
	}
	in.w.WritePoint(point)
	in.sent.Add(1)
}

// Point builds the line-protocol point for a payload, or nil.
func (in *Influx) Point(topic string, payload bus.Payload) *write.Point {
	fields := make(map[string]any, len(payload))
	for k, v := range payload {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if f, ok := pipeline.Numeric(v); ok {
			fields[k] = f
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return write.NewPoint(in.measurement, map[string]string{"topic": topic}, fields, in.clock.Now())
}

// Stats returns the sink counters. Sent counts queued points.
func (in *Influx) Stats() Stats {
	return Stats{Sent: in.sent.Load(), Failed: in.failed.Load()}
}

// Close flushes queued points and closes the client.
func (in *Influx) Close() error {
	in.w.Flush()
	if in.closeFn != nil {
		in.closeFn()
	}
	in.wg.Wait()
	return nil
}
