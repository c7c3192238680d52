// Package engine runs the proximity node: the advertise role that announces
// this device on a period, the scan role that finds and handshakes peers,
// and the lifecycle around the encounter table. It drives whichever radio
// shapes it was given: a session Connector, a broadcast Beaconer, or both.
package engine

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "dapup/pkg/config"
    "dapup/pkg/encounter"
    "dapup/pkg/handshake"
    "dapup/pkg/protocol"
    "dapup/pkg/protocol/codec"
    "dapup/pkg/radio"
)

// ErrStopped is returned by Start on an engine that was already stopped.
// Engines are single-use: they own the radios they were given and close them
// on Stop.
var ErrStopped = errors.New("engine: stopped")

type inboundFrame struct {
    from    radio.Addr
    payload []byte
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
    BeaconsSent      uint64
    FramesReceived   uint64
    FramesDropped    uint64
    HandshakesOK     uint64
    HandshakesFailed uint64
    EncountersSwept  uint64
    TableSize        int
}

// Engine owns the role state machine. The scanning and advertising flags and
// the encounter table change together under one lock: a handshake pauses
// both roles, and completion (or failure) resumes them.
type Engine struct {
    cfg    config.EngineConfig
    co     *handshake.Coordinator
    table  *encounter.Table
    conn   radio.Connector // session shape, optional
    beacon radio.Beaconer  // broadcast shape, optional
    codec  codec.Codec
    name   string

    mu          sync.Mutex
    running     bool
    stopped     bool
    scanning    bool
    advertising bool

    nowFn   func() uint64
    cancel  context.CancelFunc
    wg      sync.WaitGroup
    inbound chan inboundFrame

    beaconsSent      atomic.Uint64
    framesReceived   atomic.Uint64
    framesDropped    atomic.Uint64
    handshakesOK     atomic.Uint64
    handshakesFailed atomic.Uint64
    swept            atomic.Uint64
}

// Options wires an Engine. At least one of Connector and Beaconer must be
// set.
type Options struct {
    Config      config.EngineConfig
    Coordinator *handshake.Coordinator
    Table       *encounter.Table
    Connector   radio.Connector
    Beaconer    radio.Beaconer
    Codec       codec.Codec
    Name        string        // advertised display name
    Now         func() uint64 // unix-seconds clock override
}

func New(opts Options) *Engine {
    backlog := opts.Config.InboundBacklog
    if backlog <= 0 {
        backlog = 64
    }
    nowFn := opts.Now
    if nowFn == nil {
        nowFn = func() uint64 { return uint64(time.Now().Unix()) }
    }
    return &Engine{
        cfg:     opts.Config,
        co:      opts.Coordinator,
        table:   opts.Table,
        conn:    opts.Connector,
        beacon:  opts.Beaconer,
        codec:   opts.Codec,
        name:    opts.Name,
        nowFn:   nowFn,
        inbound: make(chan inboundFrame, backlog),
    }
}

// Start brings both roles up. Only transport setup can fail; a node with
// nothing around it still runs, beaconing into silence.
func (e *Engine) Start() error {
    e.mu.Lock()
    if e.stopped {
        e.mu.Unlock()
        return ErrStopped
    }
    if e.running {
        e.mu.Unlock()
        return nil
    }
    e.running = true
    e.scanning = true
    e.advertising = true
    e.mu.Unlock()

    ctx, cancel := context.WithCancel(context.Background())
    e.cancel = cancel

    if e.conn != nil {
        e.conn.SetHandler(e.co)
        if err := e.advertiseNow(ctx); err != nil {
            cancel()
            e.mu.Lock()
            e.running = false
            e.scanning = false
            e.advertising = false
            e.mu.Unlock()
            return err
        }
        e.wg.Add(2)
        go e.advertiseLoop(ctx)
        go e.scanLoop(ctx)
    }
    if e.beacon != nil {
        e.beacon.SetReceiver(e.enqueue)
        e.wg.Add(2)
        go e.beaconLoop(ctx)
        go e.listenLoop(ctx)
    }
    zap.L().Info("engine started",
        zap.Bool("sessions", e.conn != nil),
        zap.Bool("broadcast", e.beacon != nil))
    return nil
}

// Stop shuts the roles down and waits for the loops to drain. Idempotent.
func (e *Engine) Stop() {
    e.mu.Lock()
    if !e.running {
        e.mu.Unlock()
        return
    }
    e.running = false
    e.stopped = true
    e.scanning = false
    e.advertising = false
    e.mu.Unlock()

    e.cancel()
    if e.conn != nil {
        e.conn.StopAdvertise()
        _ = e.conn.Close()
    }
    if e.beacon != nil {
        _ = e.beacon.Close()
    }
    e.wg.Wait()
    zap.L().Info("engine stopped")
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
    return Stats{
        BeaconsSent:      e.beaconsSent.Load(),
        FramesReceived:   e.framesReceived.Load(),
        FramesDropped:    e.framesDropped.Load(),
        HandshakesOK:     e.handshakesOK.Load(),
        HandshakesFailed: e.handshakesFailed.Load(),
        EncountersSwept:  e.swept.Load(),
        TableSize:        e.table.Len(),
    }
}

// ---- Advertise role ----

func (e *Engine) advertiseNow(ctx context.Context) error {
    payload, err := protocol.EncodeBeacon(e.codec, e.co.LocalBeacon())
    if err != nil {
        return err
    }
    return e.conn.Advertise(ctx, e.name, radio.ServiceEncounter, payload)
}

func (e *Engine) advertiseLoop(ctx context.Context) {
    defer e.wg.Done()
    period := time.Duration(e.cfg.BeaconPeriodMS) * time.Millisecond
    tick := time.NewTicker(period)
    defer tick.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-tick.C:
        }
        e.sweep()
        e.mu.Lock()
        adv := e.advertising
        e.mu.Unlock()
        if !adv {
            continue
        }
        // refresh the advertised payload so the timestamp stays current
        if err := e.advertiseNow(ctx); err != nil {
            zap.L().Warn("re-advertise failed", zap.Error(err))
            continue
        }
        e.beaconsSent.Add(1)
    }
}

func (e *Engine) beaconLoop(ctx context.Context) {
    defer e.wg.Done()
    period := time.Duration(e.cfg.BeaconPeriodMS) * time.Millisecond
    tick := time.NewTicker(period)
    defer tick.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-tick.C:
        }
        e.sweep()
        payload, err := protocol.EncodeBeacon(e.codec, e.co.LocalBeacon())
        if err != nil {
            zap.L().Error("encode beacon", zap.Error(err))
            continue
        }
        if err := e.beacon.Broadcast(payload); err != nil {
            zap.L().Warn("broadcast failed", zap.Error(err))
            continue
        }
        e.beaconsSent.Add(1)
    }
}

func (e *Engine) sweep() {
    if n := e.table.Sweep(e.nowFn()); n > 0 {
        e.swept.Add(uint64(n))
    }
}

// ---- Scan role (session shape) ----

func (e *Engine) scanLoop(ctx context.Context) {
    defer e.wg.Done()
    window := time.Duration(e.cfg.ScanWindowMS) * time.Millisecond
    for {
        if ctx.Err() != nil {
            return
        }
        e.mu.Lock()
        scanning := e.scanning
        e.mu.Unlock()
        if !scanning {
            select {
            case <-ctx.Done():
                return
            case <-time.After(window):
            }
            continue
        }
        found, err := e.conn.Scan(ctx, window)
        if err != nil {
            if ctx.Err() != nil {
                return
            }
            zap.L().Warn("scan failed", zap.Error(err))
            select {
            case <-ctx.Done():
                return
            case <-time.After(window):
            }
            continue
        }
        for d := range found {
            e.handleDiscovery(ctx, d)
        }
    }
}

func (e *Engine) handleDiscovery(ctx context.Context, d radio.Discovery) {
    if len(d.Payload) > 0 && e.co.IsSelfBeacon(d.Payload) {
        zap.L().Debug("own advertisement, skipping")
        return
    }
    if e.table.IsBlocked(d.Addr, e.nowFn()) {
        zap.L().Debug("peer blocked, skipping", zap.String("peer", string(d.Addr)))
        return
    }

    // Single-radio rule: no advertising and no further scanning while a
    // handshake is in flight.
    e.pauseRoles()
    defer e.resumeRoles(ctx)

    hctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.ConnectTimeoutMS)*time.Millisecond)
    defer cancel()
    if err := e.co.Perform(hctx, e.conn, d.Addr); err != nil {
        e.handshakesFailed.Add(1)
        zap.L().Warn("handshake failed", zap.String("peer", string(d.Addr)), zap.Error(err))
        return
    }
    e.handshakesOK.Add(1)
}

func (e *Engine) pauseRoles() {
    e.mu.Lock()
    e.scanning = false
    e.advertising = false
    e.mu.Unlock()
    e.conn.StopAdvertise()
}

func (e *Engine) resumeRoles(ctx context.Context) {
    e.mu.Lock()
    if !e.running {
        e.mu.Unlock()
        return
    }
    e.scanning = true
    e.advertising = true
    e.mu.Unlock()
    if err := e.advertiseNow(ctx); err != nil && ctx.Err() == nil {
        zap.L().Warn("re-advertise failed", zap.Error(err))
    }
}

// ---- Listen role (broadcast shape) ----

// enqueue runs on the transport goroutine; it must not block.
func (e *Engine) enqueue(from radio.Addr, payload []byte) {
    select {
    case e.inbound <- inboundFrame{from: from, payload: payload}:
    default:
        e.framesDropped.Add(1)
    }
}

func (e *Engine) listenLoop(ctx context.Context) {
    defer e.wg.Done()
    for {
        select {
        case <-ctx.Done():
            return
        case f := <-e.inbound:
            e.framesReceived.Add(1)
            switch e.co.HandleFrame(f.from, f.payload, e.beacon) {
            case handshake.FrameRecorded:
                e.handshakesOK.Add(1)
            case handshake.FrameMalformed:
                e.framesDropped.Add(1)
            }
        }
    }
}
