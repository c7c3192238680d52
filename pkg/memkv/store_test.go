package memkv

import (
    "testing"
    "time"
)

func TestSetGet(t *testing.T) {
    s := New(Options{})

    if created := s.Set("k1", []byte("abc"), 0); !created {
        t.Fatalf("expected created=true on first Set")
    }
    if created := s.Set("k1", []byte("abc2"), 0); created {
        t.Fatalf("expected created=false on overwrite")
    }
    v, ok := s.Get("k1")
    if !ok || string(v) != "abc2" {
        t.Fatalf("Get mismatch: ok=%v v=%q", ok, v)
    }
    // mutating the returned copy must not affect the store
    v[0] = 'X'
    v2, ok := s.Get("k1")
    if !ok || string(v2) != "abc2" {
        t.Fatalf("Get after modify copy mismatch: ok=%v v=%q", ok, v2)
    }
}

func TestGetDel(t *testing.T) {
    s := New(Options{})

    s.Set("k2", []byte("42"), 0)
    v, ok := s.GetDel("k2")
    if !ok || string(v) != "42" {
        t.Fatalf("GetDel mismatch: ok=%v v=%q", ok, v)
    }
    if _, ok := s.Get("k2"); ok {
        t.Fatalf("expected key to be deleted after GetDel")
    }
}

func TestExpireTTL(t *testing.T) {
    s := New(Options{})
    now := time.Unix(1000, 0)
    s.nowFn = func() time.Time { return now }

    s.Set("k3", []byte("v"), 50*time.Millisecond)
    if _, ok := s.Get("k3"); !ok {
        t.Fatalf("expected key present before TTL")
    }
    now = now.Add(120 * time.Millisecond)
    if _, ok := s.Get("k3"); ok {
        t.Fatalf("expected key expired")
    }
    if _, ok := s.TTL("k3"); ok {
        t.Fatalf("expected TTL to report missing after expiry")
    }
    if stats := s.Metrics(); stats.Expired == 0 {
        t.Fatalf("expected Expired > 0, got %v", stats.Expired)
    }
}

func TestExpireUpdateTTL(t *testing.T) {
    s := New(Options{})
    now := time.Unix(1000, 0)
    s.nowFn = func() time.Time { return now }

    s.Set("k4", []byte("v"), 0)
    if ok := s.Expire("k4", 30*time.Millisecond); !ok {
        t.Fatalf("Expire returned false")
    }
    if d, ok := s.TTL("k4"); !ok || d <= 0 {
        t.Fatalf("TTL should be >0 and ok, got %v %v", d, ok)
    }
    now = now.Add(80 * time.Millisecond)
    if _, ok := s.TTL("k4"); ok {
        t.Fatalf("expected key expired")
    }
}

func TestUpdate(t *testing.T) {
    s := New(Options{})

    if ok := s.Update("missing", func(old []byte) []byte { return old }); ok {
        t.Fatalf("Update on missing key should report false")
    }
    s.Set("a", []byte("123"), 0)
    s.Update("a", func(old []byte) []byte { return append(append([]byte{}, old...), []byte("++")...) })
    v, _ := s.Get("a")
    if string(v) != "123++" {
        t.Fatalf("Update result = %q", v)
    }
}

func TestMetrics(t *testing.T) {
    s := New(Options{})

    s.Set("a", []byte("123"), 0)
    s.Set("b", []byte("5"), 0)
    s.Update("a", func(old []byte) []byte { return old })
    s.Get("a")
    s.Get("missing")
    s.GetDel("b")

    st := s.Metrics()
    if st.Keys != 1 {
        t.Fatalf("Keys=1 expected, got %d", st.Keys)
    }
    if st.Sets != 2 || st.Updates != 1 {
        t.Fatalf("Sets=2 Updates=1 expected, got %d %d", st.Sets, st.Updates)
    }
    if st.Gets != 3 || st.Hits != 2 || st.Misses != 1 {
        t.Fatalf("Gets/Hits/Misses mismatch: %d/%d/%d", st.Gets, st.Hits, st.Misses)
    }
    if st.Dels != 1 {
        t.Fatalf("Dels=1 expected, got %d", st.Dels)
    }
}
