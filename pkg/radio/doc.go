// Package radio defines the transport capability interfaces the encounter
// engine runs on, plus basic implementations (udp, quic, mem).
//
// Key concepts:
// - Connector: session-oriented capability — advertise a service, scan for
//   peers advertising it, connect and exchange identity fields one by one
// - Beaconer: connectionless capability — broadcast beacon frames and reply
//   with unicast acks via an asynchronous receive callback
// - Session: one connection to a peer; field reads/writes are bounded by the
//   caller's context
//
// The engine works against whichever capability the active radio exposes;
// a radio may implement both.
package radio
