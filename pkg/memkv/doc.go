// Package memkv provides a small thread-safe in-memory key-value store used
// as the settings backend for device identity, filling the role an NVS
// partition plays on embedded builds.
//
// Properties:
//   - Sharded map with RW-mutexes to keep contention low
//   - Optional per-key TTL with lazy expiry on access
//   - Atomic metrics counters with no effect on the hot path
//   - Values are copied in and out; callers can't alias internal state
package memkv
