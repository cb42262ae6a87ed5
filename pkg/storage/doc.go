/*
Package storage provides the pluggable persistence layer for tinystation
readings.

# Backends

  - memory: in-memory storage for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

Both implement Backend.

# Data

Two record kinds are stored:

  - Reading: {timestamp, field, value}, one per recorded numeric field.
    Raw readings are deleted by retention cleanup.
  - Bucket: {hour, field, avg, min, max, count}, the hourly rollup of a
    field. At most one per (hour, field); writes replace. Buckets are
    kept forever, including those whose raw readings were deleted.

Hour numbers are floor(timestamp / 3600), so a timestamp always maps to
the same bucket regardless of write order.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	err = store.WriteReadings(ctx, []storage.Reading{
	    {Timestamp: 1700000000, Field: "temperature", Value: 22.5},
	})

	readings, err := store.QueryReadings(ctx, storage.ReadingQuery{
	    Field: "temperature",
	    Start: 1699996400,
	    Limit: 300,
	})
*/
package storage
