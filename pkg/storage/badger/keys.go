package badger

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Key layout. Every key starts with a one byte record kind.
//
//	reading: 'r' [field hash 8][timestamp nanos 8][sequence 8]
//	bucket:  'b' [field hash 8][hour 8]
//	field:   'f' [field name]
//
// Signed integers are stored with the sign bit flipped so that big-endian
// byte order matches numeric order.
const (
	prefixReading byte = 'r'
	prefixBucket  byte = 'b'
	prefixField   byte = 'f'
)

func fieldHash(field string) uint64 {
	return xxhash.Sum64String(field)
}

func orderedUint(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func fromOrderedUint(u uint64) int64 {
	return int64(u ^ (1 << 63))
}

func tsNanos(ts float64) int64 {
	return int64(math.Round(ts * 1e9))
}

func readingPrefix(field string) []byte {
	key := make([]byte, 9)
	key[0] = prefixReading
	binary.BigEndian.PutUint64(key[1:9], fieldHash(field))
	return key
}

// readingSeekKey is the smallest key for field at or after ts.
func readingSeekKey(field string, ts float64) []byte {
	key := make([]byte, 17)
	copy(key, readingPrefix(field))
	binary.BigEndian.PutUint64(key[9:17], orderedUint(tsNanos(ts)))
	return key
}

func readingKey(field string, ts float64, seq uint64) []byte {
	key := make([]byte, 25)
	copy(key, readingSeekKey(field, ts))
	binary.BigEndian.PutUint64(key[17:25], seq)
	return key
}

// readingKeyTime extracts the timestamp in unix seconds from a reading key.
func readingKeyTime(key []byte) float64 {
	nanos := fromOrderedUint(binary.BigEndian.Uint64(key[9:17]))
	return float64(nanos) / 1e9
}

func bucketPrefix(field string) []byte {
	key := make([]byte, 9)
	key[0] = prefixBucket
	binary.BigEndian.PutUint64(key[1:9], fieldHash(field))
	return key
}

func bucketKey(field string, hour int64) []byte {
	key := make([]byte, 17)
	copy(key, bucketPrefix(field))
	binary.BigEndian.PutUint64(key[9:17], orderedUint(hour))
	return key
}

func fieldKey(field string) []byte {
	return append([]byte{prefixField}, field...)
}
