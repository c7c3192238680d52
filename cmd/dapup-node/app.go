package main

import (
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "dapup/pkg/config"
    "dapup/pkg/encounter"
    "dapup/pkg/engine"
    "dapup/pkg/handshake"
    "dapup/pkg/identity"
    "dapup/pkg/memkv"
    "dapup/pkg/observability"
    "dapup/pkg/protocol/codec"
    "dapup/pkg/radio"
    memradio "dapup/pkg/radio/mem"
    quicradio "dapup/pkg/radio/quic"
    udpradio "dapup/pkg/radio/udp"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("dapup-node started", zap.String("app", cfg.AppName))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    kv := memkv.New(memkv.Options{})
    defer kv.Close()
    ident := identity.NewStore(kv, cfg.Device)
    id := ident.Identity()
    zap.L().Info("device identity",
        zap.String("serial_num", id.SerialNum),
        zap.String("device_name", id.DeviceName),
        zap.String("device_owner", id.DeviceOwner))

    conn, beacon, err := buildRadio(cfg.Radio)
    if err != nil {
        zap.L().Error("failed to start radio", zap.Error(err))
        return 1
    }

    table := encounter.New(cfg.Engine.Capacity, uint64(cfg.Engine.TTLSeconds))
    cc := codec.MustCBOR()
    co := handshake.New(ident, table, cc,
        time.Duration(cfg.Engine.OpTimeoutMS)*time.Millisecond)

    eng := engine.New(engine.Options{
        Config:      cfg.Engine,
        Coordinator: co,
        Table:       table,
        Connector:   conn,
        Beaconer:    beacon,
        Codec:       cc,
        Name:        id.DeviceName,
    })
    if err := eng.Start(); err != nil {
        zap.L().Error("failed to start engine", zap.Error(err))
        return 1
    }

    zap.L().Info("node is running; press Ctrl+C to exit")

    sig := make(chan os.Signal, 1)
    signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
    status := time.NewTicker(30 * time.Second)
    defer status.Stop()
    for {
        select {
        case s := <-sig:
            zap.L().Info("shutting down", zap.String("signal", s.String()))
            eng.Stop()
            return 0
        case <-status.C:
            st := eng.Stats()
            zap.L().Info("status",
                zap.Uint64("beacons_sent", st.BeaconsSent),
                zap.Uint64("handshakes_ok", st.HandshakesOK),
                zap.Uint64("handshakes_failed", st.HandshakesFailed),
                zap.Uint64("frames_dropped", st.FramesDropped),
                zap.Int("table_size", st.TableSize))
        }
    }
}

// buildRadio constructs the configured transport. udp yields the broadcast
// shape, quic the session shape, mem a loopback hub for dry runs.
func buildRadio(cfg config.RadioConfig) (radio.Connector, radio.Beaconer, error) {
    switch cfg.Kind {
    case "udp":
        b, err := udpradio.New(cfg.Listen, cfg.Broadcast)
        if err != nil {
            return nil, nil, fmt.Errorf("udp radio: %w", err)
        }
        return nil, b, nil
    case "quic":
        c, err := quicradio.New(cfg.Listen, cfg.DiscoveryPort)
        if err != nil {
            return nil, nil, fmt.Errorf("quic radio: %w", err)
        }
        return c, nil, nil
    case "mem":
        n := memradio.NewHub().Node("local")
        return n, n, nil
    default:
        return nil, nil, fmt.Errorf("unknown radio kind %q", cfg.Kind)
    }
}
