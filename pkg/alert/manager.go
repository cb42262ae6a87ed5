package alert

import (
	"log"
	"sort"
	"sync"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
)

// Alert is a triggered rule. Timestamp is unix seconds.
type Alert struct {
	ID        string  `json:"id"`
	Level     Level   `json:"level"`
	Field     string  `json:"field"`
	Value     float64 `json:"value"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// Payload converts the alert to a bus payload.
func (a Alert) Payload() bus.Payload {
	return bus.Payload{
		"id":        a.ID,
		"level":     string(a.Level),
		"field":     a.Field,
		"value":     a.Value,
		"message":   a.Message,
		"timestamp": a.Timestamp,
	}
}

// Manager evaluates readings against a fixed rule set. Safe for
// concurrent use.
type Manager struct {
	rules   []Rule
	byField map[string][]int
	clock   clock.Clock

	mu          sync.Mutex
	lastTrigger map[string]float64 // rule id -> unix seconds; absent = never
	active      map[string]Alert
}

// NewManager creates a manager over rules. A nil clock uses real time.
func NewManager(rules []Rule, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	m := &Manager{
		rules:       append([]Rule(nil), rules...),
		byField:     make(map[string][]int),
		clock:       clk,
		lastTrigger: make(map[string]float64),
		active:      make(map[string]Alert),
	}
	for i, r := range m.rules {
		m.byField[r.Field] = append(m.byField[r.Field], i)
	}
	return m
}

// Rules returns the loaded rules.
func (m *Manager) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// Check evaluates value against every rule on field and returns the
// alerts newly triggered by this call. A rule whose condition no longer
// holds is cleared silently. The cooldown runs from the last trigger.
func (m *Manager) Check(field string, value float64) []Alert {
	idx := m.byField[field]
	if len(idx) == 0 {
		return nil
	}
	now := clock.Unix(m.clock.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	var triggered []Alert
	for _, i := range idx {
		r := m.rules[i]
		if !r.Op.Eval(value, r.Threshold) {
			delete(m.active, r.ID)
			continue
		}
		if last, ok := m.lastTrigger[r.ID]; ok && now-last < r.Cooldown.Seconds() {
			continue
		}

		a := Alert{
			ID:        r.ID,
			Level:     r.Level,
			Field:     field,
			Value:     value,
			Message:   r.Render(value),
			Timestamp: now,
		}
		m.lastTrigger[r.ID] = now
		m.active[r.ID] = a
		triggered = append(triggered, a)
		log.Printf("[alerts] %s triggered: %s", r.ID, a.Message)
	}
	return triggered
}

// ActiveAlerts returns the triggered and not yet cleared alerts, sorted
// by rule id.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.Lock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
