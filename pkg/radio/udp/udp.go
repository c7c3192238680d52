// Package udp carries beacon frames as UDP datagrams. Broadcast goes to a
// configured broadcast address; replies come back unicast to the sender.
package udp

import (
    "net"
    "sync"

    "go.uber.org/zap"

    "dapup/pkg/radio"
)

const maxDatagram = 64 * 1024

// Beaconer implements radio.Beaconer over a single UDP socket.
type Beaconer struct {
    conn  *net.UDPConn
    bcast *net.UDPAddr

    mu        sync.Mutex
    recv      func(radio.Addr, []byte)
    closeOnce sync.Once
    closeCh   chan struct{}
}

// New binds listen (e.g. ":7733") and resolves broadcast (e.g.
// "255.255.255.255:7733") as the Broadcast destination.
func New(listen, broadcast string) (*Beaconer, error) {
    laddr, err := net.ResolveUDPAddr("udp", listen)
    if err != nil {
        return nil, err
    }
    baddr, err := net.ResolveUDPAddr("udp", broadcast)
    if err != nil {
        return nil, err
    }
    c, err := net.ListenUDP("udp", laddr)
    if err != nil {
        return nil, err
    }
    b := &Beaconer{conn: c, bcast: baddr, closeCh: make(chan struct{})}
    go b.readLoop()
    return b, nil
}

func (b *Beaconer) LocalAddr() net.Addr { return b.conn.LocalAddr() }

func (b *Beaconer) Broadcast(payload []byte) error {
    _, err := b.conn.WriteToUDP(payload, b.bcast)
    return err
}

func (b *Beaconer) Send(addr radio.Addr, payload []byte) error {
    raddr, err := net.ResolveUDPAddr("udp", string(addr))
    if err != nil {
        return err
    }
    _, err = b.conn.WriteToUDP(payload, raddr)
    return err
}

func (b *Beaconer) SetReceiver(fn func(radio.Addr, []byte)) {
    b.mu.Lock()
    b.recv = fn
    b.mu.Unlock()
}

func (b *Beaconer) Close() error {
    var err error
    b.closeOnce.Do(func() {
        close(b.closeCh)
        err = b.conn.Close()
    })
    return err
}

func (b *Beaconer) readLoop() {
    buf := make([]byte, maxDatagram)
    for {
        n, raddr, err := b.conn.ReadFromUDP(buf)
        if err != nil {
            select {
            case <-b.closeCh:
            default:
                zap.L().Warn("udp read failed", zap.Error(err))
            }
            return
        }
        pkt := make([]byte, n)
        copy(pkt, buf[:n])
        b.mu.Lock()
        fn := b.recv
        b.mu.Unlock()
        if fn != nil {
            fn(radio.Addr(raddr.String()), pkt)
        }
    }
}
