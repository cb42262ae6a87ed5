package producer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/source"
)

// ErrNoHardware is returned by a sensor whose device is not present.
var ErrNoHardware = errors.New("sensor hardware not available")

// Sensor reads one physical device.
type Sensor interface {
	Read(ctx context.Context) (map[string]float64, error)
	Close() error
}

// Simulator produces plausible values when hardware is absent.
type Simulator interface {
	Next() map[string]float64
}

// RetryPolicy controls how often a failed hardware read is retried
// within one fetch.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

var defaultRetry = RetryPolicy{Attempts: 2, Delay: 100 * time.Millisecond}

// SensorProducer adapts a Sensor to source.Producer. Hardware reads are
// retried per the policy; in demo mode, or when no hardware was found,
// the simulator is used instead. It reports read reliability.
type SensorProducer struct {
	name  string
	hw    Sensor // nil when hardware is unavailable
	sim   Simulator
	retry RetryPolicy
	clock clock.Clock

	demo        atomic.Bool
	reliability source.Reliability
}

// NewSensorProducer wraps hw and sim. Either may be nil, but not both.
func NewSensorProducer(name string, hw Sensor, sim Simulator, retry RetryPolicy, clk clock.Clock) *SensorProducer {
	if retry.Attempts <= 0 {
		retry = defaultRetry
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SensorProducer{name: name, hw: hw, sim: sim, retry: retry, clock: clk}
}

// SetDemo toggles simulated output.
func (p *SensorProducer) SetDemo(on bool) { p.demo.Store(on) }

// Simulated reports whether the producer is not reading hardware.
func (p *SensorProducer) Simulated() bool { return p.hw == nil || p.demo.Load() }

// Reliability implements source.ReliabilityReporter.
func (p *SensorProducer) Reliability() float64 { return p.reliability.Percent() }

// Fetch implements source.Producer. Without hardware and outside demo
// mode it returns no payload.
func (p *SensorProducer) Fetch(ctx context.Context) (bus.Payload, error) {
	if p.demo.Load() {
		if p.sim == nil {
			return nil, nil
		}
		return p.payload(p.sim.Next(), true), nil
	}
	if p.hw == nil {
		return nil, nil
	}

	var lastErr error
	for attempt := 1; attempt <= p.retry.Attempts; attempt++ {
		values, err := p.hw.Read(ctx)
		if err == nil && len(values) > 0 {
			p.reliability.Success()
			return p.payload(values, false), nil
		}
		if err == nil {
			err = errors.New("empty reading")
		}
		lastErr = err
		if attempt < p.retry.Attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-p.clock.After(p.retry.Delay):
			}
		}
	}

	p.reliability.Failure(p.name, lastErr)
	return nil, nil
}

func (p *SensorProducer) payload(values map[string]float64, simulated bool) bus.Payload {
	out := make(bus.Payload, len(values)+2)
	for k, v := range values {
		out[k] = v
	}
	out["_sensor"] = p.name
	out["_simulated"] = simulated
	return out
}

// Close releases the hardware handle.
func (p *SensorProducer) Close() error {
	if p.hw == nil {
		return nil
	}
	return p.hw.Close()
}

// W1Thermometer reads a 1-Wire temperature probe through sysfs. The
// w1_slave file holds a CRC line ending in YES and a "t=<millidegrees>"
// line.
type W1Thermometer struct {
	path  string
	field string
}

// DefaultW1Glob matches DS18B20 probes.
const DefaultW1Glob = "/sys/bus/w1/devices/28-*/w1_slave"

// FindW1Thermometer returns a thermometer for the first device matching
// pattern, or ErrNoHardware.
func FindW1Thermometer(pattern, field string) (*W1Thermometer, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, ErrNoHardware
	}
	return &W1Thermometer{path: matches[0], field: field}, nil
}

// Read implements Sensor.
func (w *W1Thermometer) Read(ctx context.Context) (map[string]float64, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	celsius, err := ParseW1(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", w.path, err)
	}
	return map[string]float64{w.field: math.Round(celsius*10) / 10}, nil
}

// Close implements Sensor.
func (w *W1Thermometer) Close() error { return nil }

// ParseW1 extracts degrees Celsius from w1_slave contents.
func ParseW1(s string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 || !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, errors.New("crc check failed")
	}
	idx := strings.Index(lines[1], "t=")
	if idx < 0 {
		return 0, errors.New("no temperature field")
	}
	milli, err := strconv.Atoi(strings.TrimSpace(lines[1][idx+2:]))
	if err != nil {
		return 0, fmt.Errorf("bad temperature: %w", err)
	}
	return float64(milli) / 1000, nil
}

// Walk describes one random-walk channel.
type Walk struct {
	Field    string
	Mean     float64
	Sigma    float64
	Min, Max float64
}

// RandomWalk simulates slowly drifting readings that revert toward their
// mean.
type RandomWalk struct {
	mu    sync.Mutex
	rng   *rand.Rand
	walks []Walk
	state []float64
}

const meanReversion = 0.03

// NewRandomWalk creates a simulator starting every channel at its mean.
func NewRandomWalk(seed int64, walks ...Walk) *RandomWalk {
	state := make([]float64, len(walks))
	for i, w := range walks {
		state[i] = w.Mean
	}
	return &RandomWalk{rng: rand.New(rand.NewSource(seed)), walks: walks, state: state}
}

// Next implements Simulator.
func (r *RandomWalk) Next() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.walks))
	for i, w := range r.walks {
		v := r.state[i] + r.rng.NormFloat64()*w.Sigma
		v = v*(1-meanReversion) + w.Mean*meanReversion
		v = math.Max(w.Min, math.Min(w.Max, v))
		r.state[i] = v
		out[w.Field] = math.Round(v*10) / 10
	}
	return out
}

// sensorProfile describes a known sensor model.
type sensorProfile struct {
	walks []Walk
	retry RetryPolicy
	probe func(cfg config.SourceConfig) (Sensor, error)
}

var sensorProfiles = map[string]sensorProfile{
	"dht11": {
		walks: []Walk{
			{Field: "temperature", Mean: 22, Sigma: 0.3, Min: 10, Max: 40},
			{Field: "humidity", Mean: 45, Sigma: 1.0, Min: 20, Max: 90},
		},
		retry: RetryPolicy{Attempts: 3, Delay: 300 * time.Millisecond},
	},
	"ds18b20": {
		walks: []Walk{{Field: "ext_temperature", Mean: 21.5, Sigma: 0.2, Min: -10, Max: 50}},
		probe: func(cfg config.SourceConfig) (Sensor, error) {
			return FindW1Thermometer(cfg.OptString("device", DefaultW1Glob), "ext_temperature")
		},
	},
}

func newSensorFromConfig(cfg config.SourceConfig, clk clock.Clock) (*SensorProducer, error) {
	model := cfg.OptString("model", cfg.ID)
	profile, ok := sensorProfiles[model]
	if !ok {
		return nil, fmt.Errorf("unknown sensor model %q", model)
	}

	var hw Sensor
	if profile.probe != nil {
		s, err := profile.probe(cfg)
		switch {
		case err == nil:
			hw = s
		case errors.Is(err, ErrNoHardware):
			// simulated only
		default:
			return nil, err
		}
	}

	sim := NewRandomWalk(time.Now().UnixNano(), profile.walks...)
	p := NewSensorProducer(cfg.ID, hw, sim, profile.retry, clk)
	p.SetDemo(cfg.Demo)
	return p, nil
}
