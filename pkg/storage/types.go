package storage

import (
	"math"
	"sort"
)

// SecondsPerHour is the width of one hourly bucket.
const SecondsPerHour = 3600

// Reading is one recorded numeric value.
type Reading struct {
	Timestamp float64 `json:"timestamp" cbor:"1,keyasint"` // unix seconds
	Field     string  `json:"field" cbor:"2,keyasint"`
	Value     float64 `json:"value" cbor:"3,keyasint"`
}

// Hour returns the hourly bucket the reading belongs to.
func (r Reading) Hour() int64 { return HourOf(r.Timestamp) }

// Bucket summarises one field over one hour:
// readings with hour*3600 <= t < hour*3600+3600.
type Bucket struct {
	Hour  int64   `json:"hour" cbor:"1,keyasint"`
	Field string  `json:"field" cbor:"2,keyasint"`
	Avg   float64 `json:"avg" cbor:"3,keyasint"`
	Min   float64 `json:"min" cbor:"4,keyasint"`
	Max   float64 `json:"max" cbor:"5,keyasint"`
	Count int64   `json:"count" cbor:"6,keyasint"`
}

// HourField identifies a bucket that may need computing.
type HourField struct {
	Hour  int64
	Field string
}

// HourOf floors a unix timestamp to its hour number.
func HourOf(ts float64) int64 {
	return int64(math.Floor(ts / SecondsPerHour))
}

// SortHourFields orders pairs oldest hour first, then by field.
func SortHourFields(pairs []HourField) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Hour != pairs[j].Hour {
			return pairs[i].Hour < pairs[j].Hour
		}
		return pairs[i].Field < pairs[j].Field
	})
}
