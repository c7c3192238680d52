package protocol

import (
    "errors"
    "fmt"

    "dapup/pkg/protocol/codec"
)

// Kind tags the payload carried by a broadcast frame.
type Kind uint8

const (
    KindBeacon Kind = 1
    KindAck    Kind = 2
)

func (k Kind) String() string {
    switch k {
    case KindBeacon:
        return "beacon"
    case KindAck:
        return "ack"
    default:
        return "unknown"
    }
}

// ErrMalformed reports an inbound frame that could not be decoded. Receive
// paths log and drop these; they must never crash the listener or create an
// encounter record.
var ErrMalformed = errors.New("protocol: malformed frame")

// maxFrameSize bounds inbound frames; beacons are tiny and anything larger
// is garbage or abuse.
const maxFrameSize = 1024

// Frame is a decoded broadcast frame. Exactly one of Beacon/Ack is meaningful
// depending on Kind.
type Frame struct {
    Kind   Kind
    Beacon Beacon
    Ack    Ack
}

// EncodeBeacon serializes a Beacon frame: one kind byte followed by the codec
// body.
func EncodeBeacon(c codec.Codec, b Beacon) ([]byte, error) {
    body, err := c.Marshal(b)
    if err != nil {
        return nil, fmt.Errorf("encode beacon: %w", err)
    }
    return append([]byte{byte(KindBeacon)}, body...), nil
}

// EncodeAck serializes an Ack frame.
func EncodeAck(c codec.Codec, a Ack) ([]byte, error) {
    body, err := c.Marshal(a)
    if err != nil {
        return nil, fmt.Errorf("encode ack: %w", err)
    }
    return append([]byte{byte(KindAck)}, body...), nil
}

// DecodeFrame parses an inbound frame. Any failure (empty, oversized,
// unknown kind, undecodable body) is reported as ErrMalformed.
func DecodeFrame(c codec.Codec, raw []byte) (Frame, error) {
    if len(raw) < 2 || len(raw) > maxFrameSize {
        return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
    }
    f := Frame{Kind: Kind(raw[0])}
    switch f.Kind {
    case KindBeacon:
        if err := c.Unmarshal(raw[1:], &f.Beacon); err != nil {
            return Frame{}, fmt.Errorf("%w: beacon body: %v", ErrMalformed, err)
        }
    case KindAck:
        if err := c.Unmarshal(raw[1:], &f.Ack); err != nil {
            return Frame{}, fmt.Errorf("%w: ack body: %v", ErrMalformed, err)
        }
        if f.Ack.Token != AckToken {
            return Frame{}, fmt.Errorf("%w: bad ack token %q", ErrMalformed, f.Ack.Token)
        }
    default:
        return Frame{}, fmt.Errorf("%w: unknown kind 0x%02x", ErrMalformed, raw[0])
    }
    return f, nil
}
