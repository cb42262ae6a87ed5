// Package clock abstracts time so that schedulers, cooldowns and
// retention windows can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake() and move time forward
// with Advance.
package clock

import "time"

// Clock is the subset of the time package used across tinystation.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are
// dropped when the reader falls behind, like time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

// Unix converts t to fractional unix seconds, the timestamp unit used by
// readings and alerts.
func Unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnix converts fractional unix seconds back to a time.Time.
func FromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
