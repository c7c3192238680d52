// Package mem is an in-process radio hub. Nodes attached to the same hub can
// discover, connect to, and broadcast to each other. Useful for tests and as
// a stand-in for a real radio stack.
package mem

import (
    "context"
    "sync"
    "time"

    "dapup/pkg/radio"
)

// Hub is the shared medium. All nodes on a hub hear each other.
type Hub struct {
    mu    sync.Mutex
    nodes map[radio.Addr]*Node
}

func NewHub() *Hub { return &Hub{nodes: make(map[radio.Addr]*Node)} }

// Node attaches a new node with the given address, replacing any previous
// node at that address.
func (h *Hub) Node(addr radio.Addr) *Node {
    n := &Node{hub: h, addr: addr}
    h.mu.Lock()
    h.nodes[addr] = n
    h.mu.Unlock()
    return n
}

func (h *Hub) lookup(addr radio.Addr) *Node {
    h.mu.Lock()
    defer h.mu.Unlock()
    return h.nodes[addr]
}

func (h *Hub) others(self radio.Addr) []*Node {
    h.mu.Lock()
    defer h.mu.Unlock()
    out := make([]*Node, 0, len(h.nodes))
    for a, n := range h.nodes {
        if a != self {
            out = append(out, n)
        }
    }
    return out
}

// Node implements both radio.Connector and radio.Beaconer.
//
// The Fail* knobs simulate partial radio failures for tests; they are safe to
// flip while the node is in use.
type Node struct {
    hub  *Hub
    addr radio.Addr

    mu          sync.Mutex
    handler     radio.FieldHandler
    advertising bool
    advName     string
    advService  radio.ServiceID
    advPayload  []byte
    recv        func(radio.Addr, []byte)
    closed      bool

    FailConnect bool
    FailWrite   bool
    FailReads   map[radio.FieldID]bool
}

func (n *Node) Addr() radio.Addr { return n.addr }

// ---- Connector ----

func (n *Node) SetHandler(h radio.FieldHandler) {
    n.mu.Lock()
    n.handler = h
    n.mu.Unlock()
}

func (n *Node) Advertise(_ context.Context, name string, svc radio.ServiceID, payload []byte) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.closed {
        return radio.ErrUnavailable
    }
    n.advertising = true
    n.advName = name
    n.advService = svc
    n.advPayload = append([]byte(nil), payload...)
    return nil
}

func (n *Node) StopAdvertise() {
    n.mu.Lock()
    n.advertising = false
    n.mu.Unlock()
}

func (n *Node) Scan(ctx context.Context, window time.Duration) (<-chan radio.Discovery, error) {
    n.mu.Lock()
    closed := n.closed
    n.mu.Unlock()
    if closed {
        return nil, radio.ErrUnavailable
    }
    ch := make(chan radio.Discovery, 8)
    go func() {
        defer close(ch)
        deadline := time.NewTimer(window)
        defer deadline.Stop()
        for _, other := range n.hub.others(n.addr) {
            other.mu.Lock()
            adv := other.advertising
            d := radio.Discovery{Addr: other.addr, Payload: append([]byte(nil), other.advPayload...)}
            other.mu.Unlock()
            if !adv {
                continue
            }
            select {
            case ch <- d:
            case <-deadline.C:
                return
            case <-ctx.Done():
                return
            }
        }
        // hold the channel open for the rest of the window, like a radio
        // that keeps listening until its scan bound elapses
        select {
        case <-deadline.C:
        case <-ctx.Done():
        }
    }()
    return ch, nil
}

func (n *Node) Connect(ctx context.Context, addr radio.Addr) (radio.Session, error) {
    if err := ctx.Err(); err != nil {
        return nil, err
    }
    target := n.hub.lookup(addr)
    if target == nil {
        return nil, radio.ErrUnavailable
    }
    target.mu.Lock()
    refuse := target.FailConnect || target.closed
    target.mu.Unlock()
    if refuse {
        return nil, radio.ErrUnavailable
    }
    return &session{target: target}, nil
}

func (n *Node) Close() error {
    n.mu.Lock()
    n.closed = true
    n.advertising = false
    n.recv = nil
    n.mu.Unlock()
    return nil
}

// ---- Beaconer ----

func (n *Node) Broadcast(payload []byte) error {
    n.mu.Lock()
    closed := n.closed
    n.mu.Unlock()
    if closed {
        return radio.ErrUnavailable
    }
    for _, other := range n.hub.others(n.addr) {
        other.deliver(n.addr, payload)
    }
    return nil
}

func (n *Node) Send(addr radio.Addr, payload []byte) error {
    target := n.hub.lookup(addr)
    if target == nil {
        return radio.ErrUnavailable
    }
    target.deliver(n.addr, payload)
    return nil
}

func (n *Node) SetReceiver(fn func(radio.Addr, []byte)) {
    n.mu.Lock()
    n.recv = fn
    n.mu.Unlock()
}

func (n *Node) deliver(from radio.Addr, payload []byte) {
    n.mu.Lock()
    fn := n.recv
    n.mu.Unlock()
    if fn != nil {
        fn(from, append([]byte(nil), payload...))
    }
}

// ---- Session ----

type session struct {
    target *Node
    mu     sync.Mutex
    closed bool
}

func (s *session) Addr() radio.Addr { return s.target.addr }

func (s *session) ResolveService(ctx context.Context, svc radio.ServiceID) error {
    if err := s.check(ctx); err != nil {
        return err
    }
    s.target.mu.Lock()
    defer s.target.mu.Unlock()
    if !s.target.advertising || s.target.advService != svc {
        return radio.ErrNoService
    }
    return nil
}

func (s *session) ReadField(ctx context.Context, field radio.FieldID) ([]byte, error) {
    if err := s.check(ctx); err != nil {
        return nil, err
    }
    s.target.mu.Lock()
    h := s.target.handler
    fail := s.target.FailReads[field]
    s.target.mu.Unlock()
    if fail {
        return nil, radio.ErrTimeout
    }
    if h == nil {
        return nil, radio.ErrNoField
    }
    v, ok := h.ServeField(field)
    if !ok {
        return nil, radio.ErrNoField
    }
    return v, nil
}

func (s *session) WriteField(ctx context.Context, field radio.FieldID, val []byte) error {
    if err := s.check(ctx); err != nil {
        return err
    }
    s.target.mu.Lock()
    h := s.target.handler
    fail := s.target.FailWrite
    s.target.mu.Unlock()
    if fail {
        return radio.ErrTimeout
    }
    if h == nil || !h.AcceptWrite(field, val) {
        return radio.ErrNoField
    }
    return nil
}

func (s *session) Close() error {
    s.mu.Lock()
    s.closed = true
    s.mu.Unlock()
    return nil
}

func (s *session) check(ctx context.Context) error {
    if err := ctx.Err(); err != nil {
        return err
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed {
        return radio.ErrUnavailable
    }
    return nil
}
