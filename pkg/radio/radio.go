package radio

import (
    "context"
    "errors"
    "time"
)

// Addr is a transport-dependent peer address string (MAC-like for real
// radios, host:port for the IP-based ones here).
type Addr string

// ServiceID identifies the advertised service so nodes can tell compatible
// peers from unrelated radio traffic.
type ServiceID string

// ServiceEncounter is the dapup encounter service.
const ServiceEncounter ServiceID = "dapup.encounter.v1"

// FieldID addresses one identity field on a connected peer.
type FieldID uint8

const (
    FieldSerialNum FieldID = iota + 1
    FieldDeviceName
    FieldDeviceOwner
    FieldTimestamp
)

func (f FieldID) String() string {
    switch f {
    case FieldSerialNum:
        return "serial_num"
    case FieldDeviceName:
        return "device_name"
    case FieldDeviceOwner:
        return "device_owner"
    case FieldTimestamp:
        return "timestamp"
    default:
        return "unknown"
    }
}

// Discovery is one peer found during a scan.
type Discovery struct {
    Addr    Addr
    Payload []byte // advertised service payload
}

var (
    // ErrUnavailable: the radio or session layer is not ready; fatal to the
    // current operation only.
    ErrUnavailable = errors.New("radio: transport unavailable")
    // ErrTimeout: an operation exceeded its bound.
    ErrTimeout = errors.New("radio: timeout")
    // ErrNoService: the peer does not expose the expected service.
    ErrNoService = errors.New("radio: service not found")
    // ErrNoField: the peer's service lacks the requested field.
    ErrNoField = errors.New("radio: field not found")
)

// IsTimeout reports whether err is a deadline-style failure.
func IsTimeout(err error) bool {
    return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Session is one connection to a peer. Operations run strictly sequentially;
// a Session is owned by a single goroutine for its lifetime.
type Session interface {
    Addr() Addr
    // ResolveService checks that the peer exposes the given service.
    // Returns ErrNoService when the peer is not a compatible node.
    ResolveService(ctx context.Context, svc ServiceID) error
    // ReadField fetches one identity field.
    ReadField(ctx context.Context, field FieldID) ([]byte, error)
    // WriteField writes one field value (used for the acknowledgment token).
    WriteField(ctx context.Context, field FieldID, val []byte) error
    // Close releases the session. Safe to call more than once.
    Close() error
}

// FieldHandler serves the local side of a session: field reads from peers
// that connected to us, and field writes (the ack). Implementations must be
// safe for concurrent use.
type FieldHandler interface {
    // ServeField returns the local value for a field, or false if unset.
    ServeField(field FieldID) ([]byte, bool)
    // AcceptWrite handles an inbound field write; false rejects it.
    AcceptWrite(field FieldID, val []byte) bool
}

// Connector is the session-oriented radio capability.
type Connector interface {
    // SetHandler installs the local field handler; must be called before
    // Advertise.
    SetHandler(h FieldHandler)
    // Advertise publishes this node's presence until StopAdvertise.
    Advertise(ctx context.Context, name string, svc ServiceID, payload []byte) error
    StopAdvertise()
    // Scan discovers advertising peers for the given window. The returned
    // channel is a lazy finite sequence: it closes when the window elapses or
    // ctx is done, and a scan cannot be restarted mid-flight.
    Scan(ctx context.Context, window time.Duration) (<-chan Discovery, error)
    // Connect establishes a session with a discovered peer.
    Connect(ctx context.Context, addr Addr) (Session, error)
    Close() error
}

// Beaconer is the connectionless radio capability. The receive callback runs
// on the transport's goroutine: it must not block and must treat calls as
// reentrant.
type Beaconer interface {
    Broadcast(payload []byte) error
    Send(addr Addr, payload []byte) error
    SetReceiver(fn func(from Addr, payload []byte))
    Close() error
}
