package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nicktill/tinystation/pkg/alert"
	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/pipeline"
	"github.com/nicktill/tinystation/pkg/producer"
	"github.com/nicktill/tinystation/pkg/server/monitor"
	"github.com/nicktill/tinystation/pkg/sink"
	"github.com/nicktill/tinystation/pkg/source"
	"github.com/nicktill/tinystation/pkg/storage"
	"github.com/nicktill/tinystation/pkg/storage/badger"
	"github.com/nicktill/tinystation/pkg/storage/memory"
	"github.com/nicktill/tinystation/pkg/timeseries"
)

// InitializeStorage opens the configured storage backend.
func InitializeStorage(cfg config.Config) (storage.Backend, error) {
	if cfg.Store.Backend == "memory" {
		log.Println("Using in-memory storage (data is lost on restart)")
		return memory.New(), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	log.Println("Initializing BadgerDB storage with Snappy compression...")
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}
	log.Println("BadgerDB storage initialized successfully")
	return store, nil
}

// Station wires every component of a running station together.
type Station struct {
	Config   config.Config
	Clock    clock.Clock
	Bus      *bus.Bus
	Backend  storage.Backend
	Store    *timeseries.Store
	Alerts   *alert.Manager
	Pipeline *pipeline.Pipeline
	Sources  *source.Group
	Hub      *StreamHub
	HTTP     *RequestStats

	Kafka  *sink.Kafka
	Influx *sink.Influx

	FlushMonitor      *monitor.CycleMonitor
	DownsampleMonitor *monitor.CycleMonitor
	CleanupMonitor    *monitor.CycleMonitor
	Disk              *monitor.DiskMonitor

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewStation builds a stopped station over backend. A nil clock uses
// real time.
func NewStation(cfg config.Config, backend storage.Backend, clk clock.Clock) (*Station, error) {
	if clk == nil {
		clk = clock.Real()
	}

	s := &Station{
		Config:  cfg,
		Clock:   clk,
		Backend: backend,
		Disk:    monitor.NewDiskMonitor(cfg.DataDir),
	}

	// A cycle is stale after missing three runs.
	flushEvery := cfg.Store.FlushInterval.Or(config.DefaultFlushInterval)
	s.FlushMonitor = monitor.NewCycleMonitor("flush", 3*flushEvery, clk)
	s.DownsampleMonitor = monitor.NewCycleMonitor("downsample", 3*flushEvery, clk)
	s.CleanupMonitor = monitor.NewCycleMonitor("cleanup", 3*config.CleanupInterval, clk)

	s.Bus = bus.New(bus.Options{
		Mode:         bus.ParseMode(cfg.Bus.Mode),
		TickInterval: cfg.Bus.TickInterval.D(),
		MaxPerTick:   cfg.Bus.MaxPerTick,
		StreamBuffer: cfg.Bus.StreamBuffer,
		MaxOverflows: cfg.Bus.MaxOverflows,
		Clock:        clk,
	})
	log.Printf("Event bus created (%s delivery)", s.Bus.Mode())

	s.Store = timeseries.New(backend, timeseries.Options{
		FlushInterval:      flushEvery,
		DownsampleBatch:    cfg.Store.DownsampleBatch,
		Clock:              clk,
		FlushObserver:      s.FlushMonitor,
		DownsampleObserver: s.DownsampleMonitor,
	})

	s.Alerts = alert.NewManager(alert.ParseRules(cfg.Alerts), clk)
	log.Printf("Alert manager ready (%d rules)", len(s.Alerts.Rules()))

	s.Pipeline = pipeline.New(s.Store, s.Alerts, s.Bus, pipeline.Options{
		Fields:        cfg.Record.Fields,
		ExcludeTopics: cfg.Record.ExcludeTopics,
	})

	reg := source.NewRegistry()
	if err := producer.Register(reg, clk); err != nil {
		return nil, fmt.Errorf("register producers: %w", err)
	}
	s.Sources = reg.NewGroup(cfg.Sources, s.Bus, clk)
	log.Printf("Sources configured: %d of %d", len(s.Sources.Runners()), len(cfg.Sources))

	if len(cfg.Sinks.Kafka.Brokers) > 0 {
		k, err := sink.NewKafka(cfg.Sinks.Kafka, clk)
		if err != nil {
			return nil, err
		}
		s.Kafka = k
		log.Printf("Kafka sink enabled (topic %s)", cfg.Sinks.Kafka.Topic)
	}
	if cfg.Sinks.Influx.URL != "" {
		in, err := sink.NewInflux(cfg.Sinks.Influx, clk)
		if err != nil {
			return nil, err
		}
		s.Influx = in
		log.Printf("InfluxDB sink enabled (bucket %s)", cfg.Sinks.Influx.Bucket)
	}

	s.Hub = NewStreamHub(s.Bus)
	s.HTTP = NewRequestStats(clk)
	return s, nil
}

// Start attaches consumers first and producers last so no early payload
// is missed.
func (s *Station) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.startedAt = s.Clock.Now()

	if s.Bus.Mode() == bus.ModeTick {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Bus.Run(ctx)
		}()
	}

	s.Pipeline.Attach()
	if s.Kafka != nil {
		s.Kafka.Attach(s.Bus)
	}
	if s.Influx != nil {
		s.Influx.Attach(s.Bus)
	}

	s.Store.Start()

	s.wg.Add(2)
	go RunRetention(ctx, s.Store, s.Config.Store.RetentionDays, s.CleanupMonitor, s.Clock, &s.wg)
	go RunBadgerGC(ctx, s.Backend, s.Clock, &s.wg)

	s.Sources.Start()
}

// Stop shuts down in reverse: producers, the bus, background tasks, then
// a final store flush and the sinks. The backend is left open.
func (s *Station) Stop() {
	log.Println("Stopping sources...")
	s.Sources.Stop()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.Bus.Mode() == bus.ModeTick {
		total := 0
		for n := s.Bus.Drain(); n > 0; n = s.Bus.Drain() {
			total += n
		}
		if total > 0 {
			log.Printf("Delivered %d queued messages", total)
		}
	}

	s.Pipeline.Detach()
	log.Println("Flushing store...")
	s.Store.Stop()

	if s.Kafka != nil {
		s.Kafka.Detach(s.Bus)
		if err := s.Kafka.Close(); err != nil {
			log.Printf("Kafka sink close: %v", err)
		}
	}
	if s.Influx != nil {
		s.Influx.Detach(s.Bus)
		s.Influx.Close()
	}
}

// Uptime returns the time since Start.
func (s *Station) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return s.Clock.Now().Sub(s.startedAt)
}

// SetDemo toggles demo mode on every producer that supports it and
// returns how many were changed.
func (s *Station) SetDemo(on bool) int {
	n := 0
	for _, r := range s.Sources.Runners() {
		if d, ok := r.Producer().(interface{ SetDemo(bool) }); ok {
			d.SetDemo(on)
			n++
		}
	}
	return n
}
