package config

// RadioConfig describes the radio transport and its endpoints.
// Example YAML:
// radio:
//   kind: udp
//   listen: ":7733"
//   broadcast: "192.168.1.255:7733"
// or:
// radio:
//   kind: quic
//   listen: ":7743"
//   discovery_port: 7734
type RadioConfig struct {
    Kind string `mapstructure:"kind"` // udp (connectionless), quic (session), mem (tests)

    // Listen is the local bind address: beacon socket for udp, session
    // listener for quic.
    Listen string `mapstructure:"listen"`

    // Broadcast is the beacon destination for the udp radio.
    Broadcast string `mapstructure:"broadcast"`

    // DiscoveryPort is the UDP port the quic radio answers discovery probes on.
    DiscoveryPort int `mapstructure:"discovery_port"`
}
