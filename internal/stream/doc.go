// Package stream provides the append-only record sources that analysis tasks
// window over.
//
// Drivers:
//   - "memory": in-process sorted slice (tests, demos)
//   - "sqlite": table stream_records in a SQLite file
//   - "redis": one sorted set per stream, scored by record time
package stream
