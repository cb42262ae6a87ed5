package pipeline

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystation/pkg/alert"
	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
)

type recordedValue struct {
	field string
	value float64
}

type fakeRecorder struct {
	mu   sync.Mutex
	vals []recordedValue
}

func (f *fakeRecorder) Record(field string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals = append(f.vals, recordedValue{field, value})
}

func (f *fakeRecorder) fields() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, v := range f.vals {
		out = append(out, v.field)
	}
	sort.Strings(out)
	return out
}

func newBus() *bus.Bus {
	return bus.New(bus.Options{Mode: bus.ModeDirect})
}

func TestHandle_RecordsNumericFieldsOnly(t *testing.T) {
	rec := &fakeRecorder{}
	p := New(rec, nil, newBus(), Options{ExcludeTopics: []string{"camera"}})

	p.Handle("weather", bus.Payload{
		"temperature": 21.5,
		"humidity":    int64(40),
		"pressure":    json.Number("1013.2"),
		"_raw":        1.0,
		"raining":     true,
		"summary":     "clear",
		"nested":      map[string]any{"a": 1.0},
	})
	p.Handle("camera", bus.Payload{"frames": 30.0})
	p.Handle(config.AlertTopic, bus.Payload{"value": 99.0})

	assert.Equal(t, []string{"humidity", "pressure", "temperature"}, rec.fields())
	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Recorded)
	assert.Equal(t, uint64(3), stats.Skipped)
}

func TestHandle_AllowList(t *testing.T) {
	rec := &fakeRecorder{}
	p := New(rec, nil, newBus(), Options{Fields: []string{"temperature"}})

	p.Handle("weather", bus.Payload{"temperature": 20.0, "humidity": 50.0})
	assert.Equal(t, []string{"temperature"}, rec.fields())
}

func TestAttach_PublishesTriggeredAlerts(t *testing.T) {
	b := newBus()
	rec := &fakeRecorder{}
	alerts := alert.NewManager(alert.ParseRules([]config.AlertRuleConfig{
		{ID: "hot", Field: "cpu_temp", Condition: "> 70"},
	}), clock.Fake(time.Unix(0, 0)))

	p := New(rec, alerts, b, Options{})
	p.Attach()
	p.Attach()

	var got []bus.Payload
	b.Subscribe(config.AlertTopic, func(pl bus.Payload) { got = append(got, pl) })

	b.Publish("system", bus.Payload{"cpu_temp": 75.0})
	b.Publish("system", bus.Payload{"cpu_temp": 76.0})

	require.Len(t, got, 1)
	assert.Equal(t, "hot", got[0]["id"])
	assert.Equal(t, 75.0, got[0]["value"])
	assert.Len(t, rec.fields(), 2, "alert payloads are not recorded")
	assert.Equal(t, uint64(1), p.Stats().Triggered)

	p.Detach()
	b.Publish("system", bus.Payload{"cpu_temp": 90.0})
	assert.Len(t, rec.fields(), 2)
}

func TestNumeric(t *testing.T) {
	for _, v := range []any{1, int8(1), uint16(1), float32(1), 1.0, json.Number("1")} {
		f, ok := Numeric(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 1.0, f)
	}
	for _, v := range []any{true, "1", nil, json.Number("x"), []float64{1}, math.NaN(), math.Inf(-1), float32(math.Inf(1)), json.Number("NaN")} {
		_, ok := Numeric(v)
		assert.False(t, ok, "%T", v)
	}
}

func TestHandle_SkipsNonFiniteValues(t *testing.T) {
	rec := &fakeRecorder{}
	p := New(rec, nil, newBus(), Options{})

	p.Handle("weather", bus.Payload{"temp": 21.0, "humidity": math.NaN()})
	p.Handle("weather", bus.Payload{"humidity": 40.0, "pressure": math.Inf(1)})

	assert.Equal(t, []string{"humidity", "temp"}, rec.fields())
	assert.Equal(t, uint64(2), p.Stats().Skipped)
}

func TestHandle_ChecksFieldsInSortedOrder(t *testing.T) {
	b := newBus()
	alerts := alert.NewManager(alert.ParseRules([]config.AlertRuleConfig{
		{ID: "a-hot", Field: "zeta", Condition: "> 1"},
		{ID: "b-hot", Field: "alpha", Condition: "> 1"},
		{ID: "c-hot", Field: "mid", Condition: "> 1"},
	}), clock.Fake(time.Unix(0, 0)))
	p := New(&fakeRecorder{}, alerts, b, Options{})

	var order []string
	b.Subscribe(config.AlertTopic, func(pl bus.Payload) { order = append(order, pl["field"].(string)) })

	p.Handle("sensors", bus.Payload{"zeta": 5.0, "mid": 5.0, "alpha": 5.0})
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, order)
}
