/*
Package compaction rolls raw readings up into summary buckets.

# Two Resolutions

Raw readings are summarised at two widths:

	Raw (every few seconds)   → kept for the retention window (7 days)
	5-minute windows          → computed on the fly for ranges up to 24h
	1-hour buckets            → precomputed once the hour is over, kept forever

Hourly buckets are persisted by Compactor.Downsample. Five minute windows
are never stored; Windows computes them from raw readings at query time.

# Aggregate Structure

	type Aggregate struct {
	    Sum   float64
	    Count int64
	    Min   float64
	    Max   float64
	}

The average is Sum / Count, a plain arithmetic mean. Window and hour
boundaries are floor(timestamp / width) * width, so a timestamp always
lands in the same window whatever order readings arrive in.

# Downsample Timing

Only hours that are fully over are compacted: at time now the newest
eligible hour is floor(now/3600) - 1. Each run handles at most a fixed
number of (hour, field) pairs so a large backlog is worked off over
several cycles.

A bucket reflects the readings present when it was computed. Readings
that arrive for an hour after its bucket exists do not update it.

# Usage Example

	compactor := compaction.New(store, compaction.Options{BatchSize: 100})
	n, err := compactor.Downsample(ctx, time.Now())
	if err != nil {
	    log.Printf("downsample failed: %v", err)
	}

Downsample is idempotent: recomputing a bucket replaces it.
*/
package compaction
