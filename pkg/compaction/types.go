package compaction

import (
	"math"

	"github.com/nicktill/tinystation/pkg/storage"
)

// Aggregate accumulates sum, count, min and max over a set of values.
type Aggregate struct {
	Sum   float64
	Count int64
	Min   float64
	Max   float64
}

// Add folds v into the aggregate.
func (a *Aggregate) Add(v float64) {
	if a.Count == 0 {
		a.Min, a.Max = v, v
	}
	a.Sum += v
	a.Count++
	if v < a.Min {
		a.Min = v
	}
	if v > a.Max {
		a.Max = v
	}
}

// Average calculates the mean value
func (a *Aggregate) Average() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// ToBucket converts the aggregate to an hourly bucket.
func (a *Aggregate) ToBucket(hour int64, field string) storage.Bucket {
	return storage.Bucket{
		Hour:  hour,
		Field: field,
		Avg:   a.Average(),
		Min:   a.Min,
		Max:   a.Max,
		Count: a.Count,
	}
}

// Window is an aggregate over one fixed-width time window.
type Window struct {
	Start float64
	Aggregate
}

// WindowStart floors ts to the start of its window of the given width.
func WindowStart(ts, width float64) float64 {
	return math.Floor(ts/width) * width
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
