// Package handshake runs the identity exchange with a discovered peer and
// decides what enters the encounter table. It covers both radio shapes: the
// session variant (connect, resolve the service, read fields, write the ack)
// and the broadcast variant (beacon in, ack out).
package handshake

import (
    "context"
    "errors"
    "fmt"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "dapup/pkg/encounter"
    "dapup/pkg/identity"
    "dapup/pkg/protocol"
    "dapup/pkg/protocol/codec"
    "dapup/pkg/radio"
)

// State tracks progress through the session exchange, for logs and tests.
type State uint8

const (
    StateIdle State = iota
    StateConnecting
    StateServiceDiscovered
    StateExchanging
    StateAcknowledging
    StateDone
    StateFailed
)

func (s State) String() string {
    switch s {
    case StateIdle:
        return "idle"
    case StateConnecting:
        return "connecting"
    case StateServiceDiscovered:
        return "service_discovered"
    case StateExchanging:
        return "exchanging"
    case StateAcknowledging:
        return "acknowledging"
    case StateDone:
        return "done"
    case StateFailed:
        return "failed"
    default:
        return "unknown"
    }
}

// FrameResult classifies one inbound broadcast frame.
type FrameResult uint8

const (
    FrameRecorded  FrameResult = iota // new encounter recorded and acked
    FrameAck                          // ack for one of our beacons
    FrameRefreshed                    // repeat beacon inside the block window
    FrameSelf                         // our own beacon looped back
    FrameMalformed                    // undecodable, dropped
)

// Coordinator drives handshakes against the identity store and encounter
// table. It also serves the local side of inbound sessions, so it doubles as
// the radio.FieldHandler installed on the connector.
type Coordinator struct {
    ident *identity.Store
    table *encounter.Table
    codec codec.Codec
    opTTL time.Duration

    nowFn func() uint64

    acked atomic.Uint64 // inbound ack writes accepted
}

func New(ident *identity.Store, table *encounter.Table, c codec.Codec, opTimeout time.Duration) *Coordinator {
    return &Coordinator{
        ident: ident,
        table: table,
        codec: c,
        opTTL: opTimeout,
        nowFn: func() uint64 { return uint64(time.Now().Unix()) },
    }
}

// LocalBeacon builds this node's current identity beacon.
func (co *Coordinator) LocalBeacon() protocol.Beacon {
    id := co.ident.Identity()
    return protocol.Beacon{
        SerialNum:   id.SerialNum,
        DeviceName:  id.DeviceName,
        DeviceOwner: id.DeviceOwner,
        Timestamp:   co.nowFn(),
    }
}

// AcksReceived reports how many peers acknowledged us over sessions.
func (co *Coordinator) AcksReceived() uint64 { return co.acked.Load() }

// SetClock replaces the unix-seconds time source, for deterministic runs.
func (co *Coordinator) SetClock(fn func() uint64) { co.nowFn = fn }

// IsSelfBeacon reports whether raw is a beacon frame carrying our own serial
// number: our own signal bounced back through the broadcast domain. An
// unprovisioned serial never matches.
func (co *Coordinator) IsSelfBeacon(raw []byte) bool {
    own := co.ident.Identity().SerialNum
    if own == identity.Unknown {
        return false
    }
    f, err := protocol.DecodeFrame(co.codec, raw)
    return err == nil && f.Kind == protocol.KindBeacon && f.Beacon.SerialNum == own
}

// ---- Session variant ----

// Perform runs the full exchange with addr: connect, resolve the encounter
// service, read the peer's identity fields, write the ack, record the
// encounter. The session is closed on every path. A missing or timed-out
// field reads as its zero value; only a dead transport aborts the exchange.
// Nothing is recorded unless the ack write succeeds.
func (co *Coordinator) Perform(ctx context.Context, conn radio.Connector, addr radio.Addr) error {
    log := zap.L().With(zap.String("peer", string(addr)))
    log.Debug("handshake", zap.Stringer("state", StateConnecting))

    sess, err := conn.Connect(ctx, addr)
    if err != nil {
        return fmt.Errorf("connect: %w", err)
    }
    defer sess.Close()

    if err := co.resolve(ctx, sess); err != nil {
        return err
    }
    log.Debug("handshake", zap.Stringer("state", StateServiceDiscovered))

    b, err := co.exchange(ctx, sess, log)
    if err != nil {
        return err
    }

    log.Debug("handshake", zap.Stringer("state", StateAcknowledging))
    if err := co.acknowledge(ctx, sess); err != nil {
        return fmt.Errorf("ack write: %w", err)
    }

    co.table.RecordInteraction(addr, b, co.nowFn())
    log.Info("handshake", zap.Stringer("state", StateDone),
        zap.String("serial_num", b.SerialNum),
        zap.String("device_name", b.DeviceName))
    return nil
}

func (co *Coordinator) resolve(ctx context.Context, sess radio.Session) error {
    ctx, cancel := context.WithTimeout(ctx, co.opTTL)
    defer cancel()
    if err := sess.ResolveService(ctx, radio.ServiceEncounter); err != nil {
        return fmt.Errorf("resolve service: %w", err)
    }
    return nil
}

func (co *Coordinator) exchange(ctx context.Context, sess radio.Session, log *zap.Logger) (protocol.Beacon, error) {
    log.Debug("handshake", zap.Stringer("state", StateExchanging))
    var b protocol.Beacon
    fields := []struct {
        id  radio.FieldID
        dst *string
    }{
        {radio.FieldSerialNum, &b.SerialNum},
        {radio.FieldDeviceName, &b.DeviceName},
        {radio.FieldDeviceOwner, &b.DeviceOwner},
    }
    for _, f := range fields {
        v, err := co.readField(ctx, sess, f.id)
        if err != nil {
            return b, err
        }
        *f.dst = string(v)
    }
    v, err := co.readField(ctx, sess, radio.FieldTimestamp)
    if err != nil {
        return b, err
    }
    b.Timestamp = protocol.ParseTimestamp(v)
    return b, nil
}

// readField reads one field with a per-op bound. A timeout or an absent
// field yields nil; the exchange carries on with the zero value.
func (co *Coordinator) readField(ctx context.Context, sess radio.Session, field radio.FieldID) ([]byte, error) {
    fctx, cancel := context.WithTimeout(ctx, co.opTTL)
    defer cancel()
    v, err := sess.ReadField(fctx, field)
    switch {
    case err == nil:
        return v, nil
    case radio.IsTimeout(err), errors.Is(err, radio.ErrNoField):
        zap.L().Debug("field unavailable, continuing",
            zap.Stringer("field", field), zap.Error(err))
        return nil, nil
    default:
        return nil, fmt.Errorf("read %s: %w", field, err)
    }
}

func (co *Coordinator) acknowledge(ctx context.Context, sess radio.Session) error {
    ctx, cancel := context.WithTimeout(ctx, co.opTTL)
    defer cancel()
    return sess.WriteField(ctx, radio.FieldTimestamp, []byte(protocol.AckToken))
}

// ---- Inbound session side (radio.FieldHandler) ----

// ServeField serves our identity to a peer that connected to us.
func (co *Coordinator) ServeField(field radio.FieldID) ([]byte, bool) {
    id := co.ident.Identity()
    switch field {
    case radio.FieldSerialNum:
        return []byte(id.SerialNum), true
    case radio.FieldDeviceName:
        return []byte(id.DeviceName), true
    case radio.FieldDeviceOwner:
        return []byte(id.DeviceOwner), true
    case radio.FieldTimestamp:
        return protocol.PutTimestamp(co.nowFn()), true
    default:
        return nil, false
    }
}

// AcceptWrite accepts the peer's ack token on the timestamp field and
// rejects everything else.
func (co *Coordinator) AcceptWrite(field radio.FieldID, val []byte) bool {
    if field != radio.FieldTimestamp || string(val) != protocol.AckToken {
        return false
    }
    co.acked.Add(1)
    zap.L().Debug("peer acknowledged")
    return true
}

// ---- Broadcast variant ----

// HandleFrame processes one inbound broadcast frame. A beacon from a sender
// inside its block window refreshes the existing record (last-seen, count,
// payload) but is otherwise suppressed: no ack reply, no new-encounter log.
// New or TTL-lapsed senders are recorded and acked; the ack is best effort.
func (co *Coordinator) HandleFrame(from radio.Addr, raw []byte, reply radio.Beaconer) FrameResult {
    now := co.nowFn()
    f, err := protocol.DecodeFrame(co.codec, raw)
    if err != nil {
        zap.L().Warn("dropping frame", zap.String("peer", string(from)), zap.Error(err))
        return FrameMalformed
    }

    switch f.Kind {
    case protocol.KindAck:
        zap.L().Debug("beacon acknowledged",
            zap.String("peer", string(from)), zap.Uint64("ts", f.Ack.Timestamp))
        return FrameAck
    case protocol.KindBeacon:
        if own := co.ident.Identity().SerialNum; own != identity.Unknown && f.Beacon.SerialNum == own {
            return FrameSelf
        }
        if co.table.IsBlocked(from, now) {
            co.table.RecordInteraction(from, f.Beacon, now)
            zap.L().Debug("repeat beacon", zap.String("peer", string(from)))
            return FrameRefreshed
        }
        co.table.RecordInteraction(from, f.Beacon, now)
        zap.L().Info("encounter recorded",
            zap.String("peer", string(from)),
            zap.String("serial_num", f.Beacon.SerialNum),
            zap.String("device_name", f.Beacon.DeviceName))
        co.sendAck(from, f.Beacon.Timestamp, reply)
        return FrameRecorded
    default:
        return FrameMalformed
    }
}

func (co *Coordinator) sendAck(to radio.Addr, ts uint64, reply radio.Beaconer) {
    if reply == nil {
        return
    }
    raw, err := protocol.EncodeAck(co.codec, protocol.Ack{Token: protocol.AckToken, Timestamp: ts})
    if err != nil {
        zap.L().Error("encode ack", zap.Error(err))
        return
    }
    if err := reply.Send(to, raw); err != nil {
        zap.L().Warn("ack send failed", zap.String("peer", string(to)), zap.Error(err))
    }
}
