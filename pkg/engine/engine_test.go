package engine

import (
    "errors"
    "sync/atomic"
    "testing"
    "time"

    "dapup/pkg/config"
    "dapup/pkg/encounter"
    "dapup/pkg/handshake"
    "dapup/pkg/identity"
    "dapup/pkg/memkv"
    "dapup/pkg/protocol/codec"
    "dapup/pkg/radio"
    "dapup/pkg/radio/mem"
)

func testEngineConfig() config.EngineConfig {
    return config.EngineConfig{
        TTLSeconds:       3600,
        Capacity:         16,
        BeaconPeriodMS:   20,
        ScanWindowMS:     50,
        ConnectTimeoutMS: 500,
        OpTimeoutMS:      200,
        InboundBacklog:   16,
    }
}

type testNode struct {
    engine *Engine
    table  *encounter.Table
    node   *mem.Node
}

func newTestNode(t *testing.T, hub *mem.Hub, addr radio.Addr, serial string, sessions bool) *testNode {
    t.Helper()
    cfg := testEngineConfig()
    table := encounter.New(cfg.Capacity, uint64(cfg.TTLSeconds))
    ident := identity.NewStore(memkv.New(memkv.Options{}), config.DeviceConfig{
        SerialNum:  serial,
        DeviceName: "node-" + serial,
    })
    cc := codec.MustCBOR()
    co := handshake.New(ident, table, cc, time.Duration(cfg.OpTimeoutMS)*time.Millisecond)
    node := hub.Node(addr)
    opts := Options{
        Config:      cfg,
        Coordinator: co,
        Table:       table,
        Codec:       cc,
        Name:        "node-" + serial,
    }
    if sessions {
        opts.Connector = node
    } else {
        opts.Beaconer = node
    }
    return &testNode{engine: New(opts), table: table, node: node}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        if cond() {
            return
        }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

func TestSessionEnginesDiscoverEachOther(t *testing.T) {
    hub := mem.NewHub()
    a := newTestNode(t, hub, "aa:01", "SN-A", true)
    b := newTestNode(t, hub, "bb:02", "SN-B", true)

    if err := a.engine.Start(); err != nil {
        t.Fatalf("start a: %v", err)
    }
    defer a.engine.Stop()
    if err := b.engine.Start(); err != nil {
        t.Fatalf("start b: %v", err)
    }
    defer b.engine.Stop()

    waitFor(t, 5*time.Second, "mutual encounters", func() bool {
        _, okA := a.table.Lookup("bb:02")
        _, okB := b.table.Lookup("aa:01")
        return okA && okB
    })

    rec, _ := a.table.Lookup("bb:02")
    if rec.Payload.SerialNum != "SN-B" {
        t.Fatalf("wrong peer payload: %+v", rec.Payload)
    }
    if s := a.engine.Stats(); s.HandshakesOK == 0 {
        t.Fatalf("no successful handshakes counted: %+v", s)
    }
}

func TestSessionEngineBlocksRepeatHandshake(t *testing.T) {
    hub := mem.NewHub()
    a := newTestNode(t, hub, "aa:01", "SN-A", true)
    b := newTestNode(t, hub, "bb:02", "SN-B", true)

    if err := a.engine.Start(); err != nil {
        t.Fatalf("start a: %v", err)
    }
    defer a.engine.Stop()
    if err := b.engine.Start(); err != nil {
        t.Fatalf("start b: %v", err)
    }
    defer b.engine.Stop()

    waitFor(t, 5*time.Second, "first encounter", func() bool {
        _, ok := a.table.Lookup("bb:02")
        return ok
    })

    // several more scan cycles must not touch the record again
    time.Sleep(200 * time.Millisecond)
    rec, _ := a.table.Lookup("bb:02")
    if rec.Interactions != 1 {
        t.Fatalf("interactions = %d, want 1", rec.Interactions)
    }
}

func TestBroadcastEnginesRecordEachOther(t *testing.T) {
    hub := mem.NewHub()
    a := newTestNode(t, hub, "aa:01", "SN-A", false)
    b := newTestNode(t, hub, "bb:02", "SN-B", false)

    if err := a.engine.Start(); err != nil {
        t.Fatalf("start a: %v", err)
    }
    defer a.engine.Stop()
    if err := b.engine.Start(); err != nil {
        t.Fatalf("start b: %v", err)
    }
    defer b.engine.Stop()

    waitFor(t, 5*time.Second, "mutual encounters", func() bool {
        _, okA := a.table.Lookup("bb:02")
        _, okB := b.table.Lookup("aa:01")
        return okA && okB
    })

    rec, _ := b.table.Lookup("aa:01")
    if rec.Payload.SerialNum != "SN-A" {
        t.Fatalf("wrong peer payload: %+v", rec.Payload)
    }

    // repeats inside the block window refresh the record in place
    waitFor(t, 5*time.Second, "repeat beacon refresh", func() bool {
        rec, ok := b.table.Lookup("aa:01")
        return ok && rec.Interactions >= 2
    })
    if b.table.Len() != 1 {
        t.Fatalf("table has %d records, want 1", b.table.Len())
    }

    if s := a.engine.Stats(); s.BeaconsSent == 0 || s.FramesReceived == 0 {
        t.Fatalf("beacon counters not moving: %+v", s)
    }
}

func TestStopIsIdempotent(t *testing.T) {
    hub := mem.NewHub()
    a := newTestNode(t, hub, "aa:01", "SN-A", true)
    if err := a.engine.Start(); err != nil {
        t.Fatalf("start: %v", err)
    }
    a.engine.Stop()
    a.engine.Stop()
    // engines are single-use: the radios were closed on Stop
    if err := a.engine.Start(); !errors.Is(err, ErrStopped) {
        t.Fatalf("restart returned %v, want ErrStopped", err)
    }
}

func TestSessionEnginesRehandshakeAfterTTL(t *testing.T) {
    hub := mem.NewHub()
    var clock atomic.Uint64
    clock.Store(1_000_000)
    now := func() uint64 { return clock.Load() }

    build := func(addr radio.Addr, serial string) (*Engine, *encounter.Table) {
        cfg := testEngineConfig()
        cfg.TTLSeconds = 60
        table := encounter.New(cfg.Capacity, uint64(cfg.TTLSeconds))
        ident := identity.NewStore(memkv.New(memkv.Options{}), config.DeviceConfig{
            SerialNum:  serial,
            DeviceName: "node-" + serial,
        })
        cc := codec.MustCBOR()
        co := handshake.New(ident, table, cc, time.Duration(cfg.OpTimeoutMS)*time.Millisecond)
        co.SetClock(now)
        eng := New(Options{
            Config:      cfg,
            Coordinator: co,
            Table:       table,
            Connector:   hub.Node(addr),
            Codec:       cc,
            Name:        "node-" + serial,
            Now:         now,
        })
        return eng, table
    }

    engA, tableA := build("aa:01", "SN-A")
    engB, _ := build("bb:02", "SN-B")
    if err := engA.Start(); err != nil {
        t.Fatalf("start a: %v", err)
    }
    defer engA.Stop()
    if err := engB.Start(); err != nil {
        t.Fatalf("start b: %v", err)
    }
    defer engB.Stop()

    waitFor(t, 5*time.Second, "first encounter", func() bool {
        _, ok := tableA.Lookup("bb:02")
        return ok
    })

    // frozen clock: the peer stays blocked through many scan cycles
    time.Sleep(150 * time.Millisecond)
    rec, _ := tableA.Lookup("bb:02")
    if rec.Interactions != 1 {
        t.Fatalf("interactions = %d before TTL lapse, want 1", rec.Interactions)
    }
    base := engA.Stats().HandshakesOK

    clock.Add(61)
    waitFor(t, 5*time.Second, "re-handshake after ttl", func() bool {
        rec, ok := tableA.Lookup("bb:02")
        return ok && engA.Stats().HandshakesOK > base && rec.LastSeen > 1_000_000
    })
}
