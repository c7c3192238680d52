// Package encounter keeps the bounded, TTL-expiring record of peers this
// node has already handshaked with. Known addresses are blocked from
// re-handshake until their record ages out.
package encounter

import (
    "sync"

    "go.uber.org/zap"

    "dapup/pkg/protocol"
    "dapup/pkg/radio"
)

// Record is one encounter table entry. Timestamps are unix seconds.
type Record struct {
    Addr         radio.Addr
    Payload      protocol.Beacon
    FirstSeen    uint64
    LastSeen     uint64
    Interactions uint32
}

// Table maps peer address to its last-known record. Reads are safe while a
// write is in progress; concurrent writes are serialized. Capacity is a hard
// bound: inserting into a full table evicts the least-recently-seen record
// first (ties broken by lowest interaction count).
type Table struct {
    mu       sync.RWMutex
    capacity int
    ttl      uint64 // seconds
    recs     map[radio.Addr]*Record
}

func New(capacity int, ttlSeconds uint64) *Table {
    if capacity <= 0 {
        capacity = 1
    }
    return &Table{
        capacity: capacity,
        ttl:      ttlSeconds,
        recs:     make(map[radio.Addr]*Record, capacity),
    }
}

// Lookup returns a copy of the record for addr, if any. No side effects.
func (t *Table) Lookup(addr radio.Addr) (Record, bool) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    r, ok := t.recs[addr]
    if !ok {
        return Record{}, false
    }
    return *r, true
}

// IsBlocked reports whether addr completed a handshake within the TTL
// window. A record whose TTL has lapsed no longer blocks, even if the sweep
// has not removed it yet.
func (t *Table) IsBlocked(addr radio.Addr, now uint64) bool {
    t.mu.RLock()
    defer t.mu.RUnlock()
    r, ok := t.recs[addr]
    if !ok {
        return false
    }
    // clock skew: a record from the future still blocks
    return now < r.LastSeen || now-r.LastSeen < t.ttl
}

// RecordInteraction notes a completed handshake with addr. A first encounter
// creates the record; repeats bump last-seen and the interaction count and
// replace the payload. Inserting into a full table evicts one victim first.
func (t *Table) RecordInteraction(addr radio.Addr, p protocol.Beacon, now uint64) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if r, ok := t.recs[addr]; ok {
        r.Payload = p
        r.LastSeen = now
        r.Interactions++
        return
    }
    if len(t.recs) >= t.capacity {
        t.evictLocked()
    }
    t.recs[addr] = &Record{
        Addr:         addr,
        Payload:      p,
        FirstSeen:    now,
        LastSeen:     now,
        Interactions: 1,
    }
}

// evictLocked removes the record with the smallest LastSeen, ties broken by
// the smallest interaction count.
func (t *Table) evictLocked() {
    var victim *Record
    for _, r := range t.recs {
        if victim == nil ||
            r.LastSeen < victim.LastSeen ||
            (r.LastSeen == victim.LastSeen && r.Interactions < victim.Interactions) {
            victim = r
        }
    }
    if victim != nil {
        delete(t.recs, victim.Addr)
        zap.L().Debug("encounter evicted",
            zap.String("addr", string(victim.Addr)),
            zap.Uint64("last_seen", victim.LastSeen))
    }
}

// Sweep removes every record whose TTL has lapsed and returns the count.
// Called from the broadcast cycle so the handshake hot path never pays for
// the full scan.
func (t *Table) Sweep(now uint64) int {
    t.mu.Lock()
    defer t.mu.Unlock()
    n := 0
    for addr, r := range t.recs {
        if now >= r.LastSeen && now-r.LastSeen >= t.ttl {
            delete(t.recs, addr)
            n++
        }
    }
    if n > 0 {
        zap.L().Debug("encounter sweep", zap.Int("removed", n), zap.Int("remaining", len(t.recs)))
    }
    return n
}

// Len returns the current record count.
func (t *Table) Len() int {
    t.mu.RLock()
    defer t.mu.RUnlock()
    return len(t.recs)
}

// Records returns a snapshot of all entries, for status reporting.
func (t *Table) Records() []Record {
    t.mu.RLock()
    defer t.mu.RUnlock()
    out := make([]Record, 0, len(t.recs))
    for _, r := range t.recs {
        out = append(out, *r)
    }
    return out
}
