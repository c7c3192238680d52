// Package protocol defines the dapup wire payloads: the Beacon a node
// broadcasts (or serves field-by-field over a session) to announce its
// identity, and the Ack that confirms a completed exchange.
package protocol

import (
    "encoding/binary"
)

// AckToken is the fixed acknowledgment literal. It is written to the peer's
// timestamp field in the session variant and carried in Ack frames in the
// broadcast variant. Six bytes, distinguishable from any LE timestamp a node
// would realistically produce.
const AckToken = "ACK_OK"

// Beacon is the identity payload exchanged with a peer. Timestamp is unix
// seconds at send time. Empty identity fields are valid; nodes with an unset
// NVS-style settings store announce "Unknown" fields.
type Beacon struct {
    SerialNum   string `cbor:"sn" json:"serial_num"`
    DeviceName  string `cbor:"dn" json:"device_name"`
    DeviceOwner string `cbor:"do" json:"device_owner"`
    Timestamp   uint64 `cbor:"ts" json:"timestamp"`
}

// Ack confirms receipt of a Beacon. Timestamp echoes the acknowledged
// beacon's timestamp so the sender can correlate.
type Ack struct {
    Token     string `cbor:"tok" json:"token"`
    Timestamp uint64 `cbor:"ts" json:"timestamp"`
}

// PutTimestamp encodes a timestamp field value (LE u64) for session reads.
func PutTimestamp(ts uint64) []byte {
    var b [8]byte
    binary.LittleEndian.PutUint64(b[:], ts)
    return b[:]
}

// ParseTimestamp decodes a timestamp field value. Returns 0 for anything that
// is not exactly 8 bytes; a missing or garbled field reads as the zero value.
func ParseTimestamp(b []byte) uint64 {
    if len(b) != 8 {
        return 0
    }
    return binary.LittleEndian.Uint64(b)
}
