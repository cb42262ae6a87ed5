package producer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/source"
)

type flakySensor struct {
	failFirst int32
	calls     atomic.Int32
	closed    atomic.Bool
}

func (f *flakySensor) Read(ctx context.Context) (map[string]float64, error) {
	if f.calls.Add(1) <= f.failFirst {
		return nil, errors.New("checksum mismatch")
	}
	return map[string]float64{"temperature": 21.3}, nil
}

func (f *flakySensor) Close() error {
	f.closed.Store(true)
	return nil
}

func noDelay() RetryPolicy { return RetryPolicy{Attempts: 2, Delay: time.Nanosecond} }

func TestSensorProducer_RetriesThenSucceeds(t *testing.T) {
	hw := &flakySensor{failFirst: 1}
	p := NewSensorProducer("dht", hw, nil, noDelay(), nil)

	got, err := p.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 21.3, got["temperature"])
	require.Equal(t, false, got["_simulated"])
	require.Equal(t, int32(2), hw.calls.Load())
	require.Equal(t, 100.0, p.Reliability())
}

func TestSensorProducer_ExhaustedRetriesYieldNoPayload(t *testing.T) {
	hw := &flakySensor{failFirst: 2}
	p := NewSensorProducer("dht", hw, nil, noDelay(), nil)

	got, err := p.Fetch(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = p.Fetch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 50.0, p.Reliability())

	require.NoError(t, p.Close())
	require.True(t, hw.closed.Load())
}

func TestSensorProducer_DemoAndMissingHardware(t *testing.T) {
	sim := NewRandomWalk(1, Walk{Field: "humidity", Mean: 45, Sigma: 1, Min: 20, Max: 90})
	p := NewSensorProducer("dht", nil, sim, RetryPolicy{}, nil)

	got, err := p.Fetch(context.Background())
	require.NoError(t, err)
	require.Nil(t, got, "no hardware and not in demo mode")
	require.True(t, p.Simulated())

	p.SetDemo(true)
	got, err = p.Fetch(context.Background())
	require.NoError(t, err)
	require.Contains(t, got, "humidity")
	require.Equal(t, true, got["_simulated"])
	require.Equal(t, 100.0, p.Reliability(), "simulated reads are not counted")
}

func TestSensorProducer_RetryDelayHonoursContext(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	hw := &flakySensor{failFirst: 10}
	p := NewSensorProducer("dht", hw, nil, RetryPolicy{Attempts: 3, Delay: time.Hour}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Fetch(ctx)
		errc <- err
	}()

	fake.WaitForTimers(1)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestRandomWalk_StaysInBounds(t *testing.T) {
	sim := NewRandomWalk(42, Walk{Field: "t", Mean: 22, Sigma: 5, Min: 10, Max: 40})
	for i := 0; i < 1000; i++ {
		v := sim.Next()["t"]
		require.GreaterOrEqual(t, v, 10.0)
		require.LessOrEqual(t, v, 40.0)
	}
}

func TestParseW1(t *testing.T) {
	c, err := ParseW1("72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n")
	require.NoError(t, err)
	assert.Equal(t, 23.125, c)

	_, err = ParseW1("72 01 4b 46 7f ff 0e 10 57 : crc=57 NO\n72 01 t=23125\n")
	assert.Error(t, err)
	_, err = ParseW1("crc=57 YES\nno temp\n")
	assert.Error(t, err)
}

func TestW1Thermometer_ReadsDevice(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "28-0000075565a1")
	require.NoError(t, os.Mkdir(dev, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "w1_slave"),
		[]byte("aa : crc=57 YES\naa t=-1250\n"), 0o644))

	_, err := FindW1Thermometer(filepath.Join(dir, "10-*", "w1_slave"), "x")
	require.ErrorIs(t, err, ErrNoHardware)

	w, err := FindW1Thermometer(filepath.Join(dir, "28-*", "w1_slave"), "ext_temperature")
	require.NoError(t, err)
	got, err := w.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"ext_temperature": -1.3}, got)
}

func TestMQTT_AcceptKeepsNewest(t *testing.T) {
	m := &MQTT{opts: MQTTOptions{Topic: "station/weather"}}

	got, err := m.Fetch(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)

	m.Accept([]byte(`{"temperature": 20.5}`))
	m.Accept([]byte(`not json`))
	m.Accept([]byte(`{"temperature": 21.5}`))

	got, err = m.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 21.5, got["temperature"])

	got, _ = m.Fetch(context.Background())
	require.Nil(t, got, "each message is handed out once")
}

func TestMQTTOptionsFromConfig(t *testing.T) {
	_, err := mqttOptionsFromConfig(config.SourceConfig{ID: "w", Options: map[string]any{"broker": "tcp://x:1883"}})
	require.Error(t, err)

	o, err := mqttOptionsFromConfig(config.SourceConfig{ID: "w", Options: map[string]any{
		"broker": "tcp://x:1883", "topic": "a/b", "qos": 1,
	}})
	require.NoError(t, err)
	assert.Equal(t, "tinystation-w", o.ClientID)
	assert.Equal(t, byte(1), o.QoS)
}

func TestProcess_ReadsJSONLinesAndRestartsThroughGate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	fake := clock.Fake(time.Unix(0, 0))
	gate := source.NewRestartGate(5*time.Second, fake)
	p, err := NewProcess([]string{"sh", "-c", `sleep 0.2; echo '{"networks": 3}'; echo garbage`}, gate)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	_, err = p.Fetch(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.running
	}, 5*time.Second, 10*time.Millisecond)

	got, err := p.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, 3.0, got["networks"])
	require.Equal(t, 1, p.Starts(), "restart inside the backoff window is skipped")

	fake.Advance(5 * time.Second)
	_, err = p.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, p.Starts())
}

func TestRegister(t *testing.T) {
	reg := source.NewRegistry()
	require.NoError(t, Register(reg, nil))
	require.Equal(t, []string{"mqtt", "process", "sensor", "system"}, reg.Types())
	require.Error(t, Register(reg, nil), "duplicate registration")

	_, err := reg.Build(config.SourceConfig{ID: "x", Type: "sensor", Options: map[string]any{"model": "bogus"}})
	require.Error(t, err)

	p, err := reg.Build(config.SourceConfig{ID: "dht11", Type: "sensor", Demo: true})
	require.NoError(t, err)
	got, err := p.Fetch(context.Background())
	require.NoError(t, err)
	require.Contains(t, got, "temperature")
	require.Contains(t, got, "humidity")

	_, err = reg.Build(config.SourceConfig{ID: "p", Type: "process"})
	require.Error(t, err)
}

func TestSystem_Fetch(t *testing.T) {
	got, err := NewSystem("/", "").Fetch(context.Background())
	require.NoError(t, err)
	require.Contains(t, got, "ram_percent")
}
