package memkv

import (
    "sync"
    "sync/atomic"
    "time"
)

// Options tunes the store. The zero value is usable.
type Options struct {
    Shards int // shard count, default 64
}

func (o Options) withDefaults() Options {
    if o.Shards <= 0 {
        o.Shards = 64
    }
    return o
}

// Store is a sharded in-memory KV with per-key TTL. Expired keys are removed
// lazily when touched; there is no background reaper.
type Store struct {
    shards []shard
    nowFn  func() time.Time

    mKeys    atomic.Uint64
    mSets    atomic.Uint64
    mGets    atomic.Uint64
    mHits    atomic.Uint64
    mMisses  atomic.Uint64
    mDels    atomic.Uint64
    mExpired atomic.Uint64
    mUpdates atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nano; 0 = no expiry
}

func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        shards: make([]shard, opts.Shards),
        nowFn:  time.Now,
    }
    for i := range s.shards {
        s.shards[i].m = make(map[string]*entry, 16)
    }
    return s
}

// FNV-1a 64
func (s *Store) shardFor(key string) *shard {
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[int(h%uint64(len(s.shards)))]
}

func clone(b []byte) []byte {
    out := make([]byte, len(b))
    copy(out, b)
    return out
}

// expired must be called with at least a read lock held.
func (s *Store) expiredLocked(e *entry) bool {
    return e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano()
}

// Set stores a value. ttl <= 0 means no expiry. Returns true when the key was
// created rather than overwritten.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
    expAt := int64(0)
    if ttl > 0 {
        expAt = s.nowFn().Add(ttl).UnixNano()
    }
    sh := s.shardFor(key)
    sh.mu.Lock()
    prev, existed := sh.m[key]
    if existed && s.expiredLocked(prev) {
        existed = false
        s.mExpired.Add(1)
        s.mKeys.Add(^uint64(0))
    }
    sh.m[key] = &entry{val: clone(val), expireAt: expAt}
    sh.mu.Unlock()
    if !existed {
        s.mKeys.Add(1)
    }
    s.mSets.Add(1)
    return !existed
}

// Get returns a copy of the value, if present and unexpired.
func (s *Store) Get(key string) ([]byte, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var val []byte
    if ok && !s.expiredLocked(e) {
        val = clone(e.val)
    }
    sh.mu.RUnlock()

    s.mGets.Add(1)
    if val != nil {
        s.mHits.Add(1)
        return val, true
    }
    if ok {
        s.reapExpired(key)
    }
    s.mMisses.Add(1)
    return nil, false
}

// GetDel atomically fetches and removes a key.
func (s *Store) GetDel(key string) ([]byte, bool) {
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if !ok {
        sh.mu.Unlock()
        s.mGets.Add(1)
        s.mMisses.Add(1)
        return nil, false
    }
    delete(sh.m, key)
    exp := s.expiredLocked(e)
    sh.mu.Unlock()

    s.mGets.Add(1)
    s.mKeys.Add(^uint64(0))
    if exp {
        s.mExpired.Add(1)
        s.mMisses.Add(1)
        return nil, false
    }
    s.mDels.Add(1)
    s.mHits.Add(1)
    return clone(e.val), true
}

// Update applies fn to the current value, if the key exists and is unexpired.
// Returns true when an update took place.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok {
        return false
    }
    if s.expiredLocked(e) {
        delete(sh.m, key)
        s.mExpired.Add(1)
        s.mKeys.Add(^uint64(0))
        return false
    }
    e.val = clone(fn(e.val))
    s.mUpdates.Add(1)
    return true
}

func (s *Store) Exists(key string) bool {
    _, ok := s.Get(key)
    return ok
}

func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if ok {
        delete(sh.m, key)
    }
    sh.mu.Unlock()
    if !ok {
        return false
    }
    s.mKeys.Add(^uint64(0))
    if s.expiredLocked(e) {
        s.mExpired.Add(1)
        return false
    }
    s.mDels.Add(1)
    return true
}

// Expire sets or replaces a key's TTL. Returns false if the key is absent or
// already expired. ttl <= 0 deletes the key.
func (s *Store) Expire(key string, ttl time.Duration) bool {
    if ttl <= 0 {
        return s.Delete(key)
    }
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok {
        return false
    }
    if s.expiredLocked(e) {
        delete(sh.m, key)
        s.mExpired.Add(1)
        s.mKeys.Add(^uint64(0))
        return false
    }
    e.expireAt = s.nowFn().Add(ttl).UnixNano()
    return true
}

// TTL returns the remaining lifetime. For a key without expiry it reports
// (0, true).
func (s *Store) TTL(key string) (time.Duration, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var exp int64
    if ok {
        exp = e.expireAt
    }
    sh.mu.RUnlock()

    if !ok {
        return 0, false
    }
    if exp == 0 {
        return 0, true
    }
    now := s.nowFn().UnixNano()
    if exp <= now {
        s.reapExpired(key)
        return 0, false
    }
    return time.Duration(exp - now), true
}

// reapExpired removes a key seen expired under a read lock, re-checking under
// the write lock.
func (s *Store) reapExpired(key string) {
    sh := s.shardFor(key)
    sh.mu.Lock()
    if e, ok := sh.m[key]; ok && s.expiredLocked(e) {
        delete(sh.m, key)
        s.mExpired.Add(1)
        s.mKeys.Add(^uint64(0))
    }
    sh.mu.Unlock()
}

// Stats is a snapshot of the store's counters.
type Stats struct {
    Keys    uint64
    Sets    uint64
    Gets    uint64
    Hits    uint64
    Misses  uint64
    Dels    uint64
    Expired uint64
    Updates uint64
}

// Close releases the store. Expiry is lazy, so there is no background work
// to stop; callers still pair New with Close.
func (s *Store) Close() {}

// Metrics returns an instantaneous counter snapshot without blocking store
// operations.
func (s *Store) Metrics() Stats {
    return Stats{
        Keys:    s.mKeys.Load(),
        Sets:    s.mSets.Load(),
        Gets:    s.mGets.Load(),
        Hits:    s.mHits.Load(),
        Misses:  s.mMisses.Load(),
        Dels:    s.mDels.Load(),
        Expired: s.mExpired.Load(),
        Updates: s.mUpdates.Load(),
    }
}
