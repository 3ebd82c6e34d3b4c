// Package store is the SQLite-backed recovery log of a space.
//
// The log is an append-only sequence of tagged records, one tag per
// mutating operation kind (define, write, take, renew, cancel, register,
// resolve). Each record carries a msgpack payload and a murmur3 checksum
// of that payload. A single snapshot row holds a zstd-compressed msgpack
// image of the whole space, tagged with the log sequence at which it was
// taken; saving a snapshot truncates every record at or below that
// sequence in the same SQL transaction.
//
// # Replay
//
// Scan yields records in append order. A record whose checksum or payload
// does not verify stops the scan with a *CorruptionError; callers must
// not skip it.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL by default, FULL with WithSyncDurability
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - user_version holds the log format version; newer logs are refused
package store
