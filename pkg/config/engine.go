package config

// EngineConfig tunes the encounter engine.
type EngineConfig struct {
    // TTLSeconds is how long a recorded peer stays blocked from re-handshake.
    TTLSeconds int `mapstructure:"ttl_seconds"`
    // Capacity bounds the encounter table.
    Capacity int `mapstructure:"capacity"`
    // BeaconPeriodMS is the broadcast/advertise cycle period.
    BeaconPeriodMS int `mapstructure:"beacon_period_ms"`
    // ScanWindowMS bounds one scan pass.
    ScanWindowMS int `mapstructure:"scan_window_ms"`
    // ConnectTimeoutMS bounds session establishment with one peer.
    ConnectTimeoutMS int `mapstructure:"connect_timeout_ms"`
    // OpTimeoutMS bounds each field read/write within a handshake.
    OpTimeoutMS int `mapstructure:"op_timeout_ms"`
    // InboundBacklog bounds the queue between the radio receive callback and
    // the listen role.
    InboundBacklog int `mapstructure:"inbound_backlog"`
}
