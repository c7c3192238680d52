package protocol

import (
    "errors"
    "testing"

    "dapup/pkg/protocol/codec"
)

func TestBeaconFrameRoundtrip(t *testing.T) {
    c := codec.MustCBOR()
    in := Beacon{SerialNum: "SN-0042", DeviceName: "clip-a", DeviceOwner: "ada", Timestamp: 1000}
    raw, err := EncodeBeacon(c, in)
    if err != nil { t.Fatalf("encode: %v", err) }
    if Kind(raw[0]) != KindBeacon { t.Fatalf("kind byte = 0x%02x", raw[0]) }

    f, err := DecodeFrame(c, raw)
    if err != nil { t.Fatalf("decode: %v", err) }
    if f.Kind != KindBeacon || f.Beacon != in {
        t.Fatalf("roundtrip mismatch: %#v", f)
    }
}

func TestAckFrameRoundtrip(t *testing.T) {
    c := codec.MustCBOR()
    raw, err := EncodeAck(c, Ack{Token: AckToken, Timestamp: 1000})
    if err != nil { t.Fatalf("encode: %v", err) }
    f, err := DecodeFrame(c, raw)
    if err != nil { t.Fatalf("decode: %v", err) }
    if f.Kind != KindAck || f.Ack.Timestamp != 1000 {
        t.Fatalf("roundtrip mismatch: %#v", f)
    }
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
    c := codec.MustCBOR()
    cases := [][]byte{
        nil,
        {},
        {byte(KindBeacon)},                        // no body
        {0x7f, 0x01, 0x02},                        // unknown kind
        {byte(KindBeacon), 0xff, 0xff, 0xff},      // undecodable body
        append([]byte{byte(KindBeacon)}, make([]byte, 4096)...), // oversized
    }
    for i, raw := range cases {
        if _, err := DecodeFrame(c, raw); !errors.Is(err, ErrMalformed) {
            t.Fatalf("case %d: expected ErrMalformed, got %v", i, err)
        }
    }
}

func TestDecodeFrameRejectsBadAckToken(t *testing.T) {
    c := codec.MustCBOR()
    body, _ := c.Marshal(Ack{Token: "NOPE_1", Timestamp: 5})
    raw := append([]byte{byte(KindAck)}, body...)
    if _, err := DecodeFrame(c, raw); !errors.Is(err, ErrMalformed) {
        t.Fatalf("expected ErrMalformed, got %v", err)
    }
}

func TestTimestampField(t *testing.T) {
    b := PutTimestamp(86400)
    if len(b) != 8 { t.Fatalf("field width = %d", len(b)) }
    if got := ParseTimestamp(b); got != 86400 {
        t.Fatalf("roundtrip = %d", got)
    }
    if got := ParseTimestamp([]byte("short")); got != 0 {
        t.Fatalf("short field should parse as zero, got %d", got)
    }
    if got := ParseTimestamp([]byte(AckToken)); got != 0 {
        t.Fatalf("ack token must not parse as a timestamp, got %d", got)
    }
}
