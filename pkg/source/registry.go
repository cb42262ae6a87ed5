package source

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
)

// ErrUnknownType is returned by Build for an unregistered source type.
var ErrUnknownType = errors.New("unknown source type")

// Factory constructs a producer from its config entry. Shared resources
// (hardware handles, clients) are captured by the factory closure when it
// is registered, never looked up globally.
type Factory func(cfg config.SourceConfig) (Producer, error)

// Registry maps a source type name to its factory. It is built once at
// startup and passed to whatever constructs runners.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering the same type twice is an error.
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" || f == nil {
		return errors.New("source type and factory are required")
	}
	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("source type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build constructs the producer for cfg.
func (r *Registry) Build(cfg config.SourceConfig) (Producer, error) {
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("source %s: %w %q", cfg.ID, ErrUnknownType, cfg.Type)
	}
	p, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
	}
	return p, nil
}

// Group owns the runners built from a config. Sources that fail to build
// are logged and left out so one bad entry cannot block the rest.
type Group struct {
	mu      sync.Mutex
	runners []*Runner
}

// NewGroup builds one runner per source config. The source id is used
// as the topic.
func (r *Registry) NewGroup(cfgs []config.SourceConfig, pub Publisher, clk clock.Clock) *Group {
	g := &Group{}
	for _, cfg := range cfgs {
		p, err := r.Build(cfg)
		if err != nil {
			log.Printf("[source] skipping: %v", err)
			continue
		}
		g.runners = append(g.runners, NewRunner(cfg.ID, p, pub, Options{
			Interval:     cfg.Interval.D(),
			FetchTimeout: cfg.FetchTimeout.D(),
			Clock:        clk,
		}))
	}
	return g
}

// Add appends an externally built runner.
func (g *Group) Add(r *Runner) {
	g.mu.Lock()
	g.runners = append(g.runners, r)
	g.mu.Unlock()
}

// Runners returns the managed runners.
func (g *Group) Runners() []*Runner {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Runner(nil), g.runners...)
}

// Start starts every runner.
func (g *Group) Start() {
	for _, r := range g.Runners() {
		r.Start()
	}
	log.Printf("[source] started %d runners", len(g.Runners()))
}

// Stop stops every runner, waits for the workers to exit and then closes
// producers that hold resources.
func (g *Group) Stop() {
	runners := g.Runners()
	for _, r := range runners {
		r.Stop()
	}
	for _, r := range runners {
		r.Wait()
		if c, ok := r.Producer().(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Printf("[source] %s: close failed: %v", r.Topic(), err)
			}
		}
	}
}

// Stats returns the stats of every runner.
func (g *Group) Stats() []Stats {
	runners := g.Runners()
	out := make([]Stats, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Stats())
	}
	return out
}
