// Package quic implements a connection-oriented radio over QUIC. Field reads
// and writes travel as length-prefixed CBOR frames on a single control
// stream; peers find each other through a UDP probe on a discovery port.
package quic

import (
    "bytes"
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "encoding/binary"
    "errors"
    "fmt"
    "io"
    "math/big"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/fxamacker/cbor/v2"
    quicgo "github.com/quic-go/quic-go"
    "go.uber.org/zap"

    "dapup/pkg/radio"
)

const (
    alpn         = "dapup"
    maxFrame     = 1 << 16
    probeMagic   = "DAPUP?"
    defaultOpTTL = 2 * time.Second
)

const (
    opResolve = 1
    opRead    = 2
    opWrite   = 3
)

const (
    errNone      = 0
    errNoService = 1
    errNoField   = 2
)

type request struct {
    Op      uint8          `cbor:"op"`
    Service radio.ServiceID `cbor:"svc,omitempty"`
    Field   radio.FieldID  `cbor:"f,omitempty"`
    Value   []byte         `cbor:"v,omitempty"`
}

type response struct {
    Err   uint8  `cbor:"e"`
    Value []byte `cbor:"v,omitempty"`
}

type announce struct {
    Service  radio.ServiceID `cbor:"svc"`
    Port     int             `cbor:"p"`
    Instance []byte          `cbor:"id"`
    Payload  []byte          `cbor:"pl,omitempty"`
}

// acceptAnnounce filters probe replies: only encounter-service peers, and
// never our own reply bounced back through the broadcast domain.
func acceptAnnounce(a announce, self []byte) bool {
    return a.Service == radio.ServiceEncounter && !bytes.Equal(a.Instance, self)
}

// Connector implements radio.Connector. One QUIC listener serves field
// operations; one UDP socket answers discovery probes while advertising.
type Connector struct {
    ln       *quicgo.Listener
    probe    *net.UDPConn
    probeDst *net.UDPAddr
    tlsConf  *tls.Config
    instance [8]byte // random token so a node ignores its own announces

    mu          sync.Mutex
    handler     radio.FieldHandler
    advertising bool
    advService  radio.ServiceID
    advPayload  []byte

    closeOnce sync.Once
    closeCh   chan struct{}
}

// New listens for QUIC sessions on listen and for discovery probes on
// discoveryPort. Probes from scanners are broadcast to the same port.
func New(listen string, discoveryPort int) (*Connector, error) {
    cert, err := selfSignedCert()
    if err != nil {
        return nil, err
    }
    tlsConf := &tls.Config{
        Certificates: []tls.Certificate{cert},
        NextProtos:   []string{alpn},
        MinVersion:   tls.VersionTLS13,
    }
    ln, err := quicgo.ListenAddr(listen, tlsConf, &quicgo.Config{})
    if err != nil {
        return nil, err
    }
    pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: discoveryPort})
    if err != nil {
        _ = ln.Close()
        return nil, err
    }
    c := &Connector{
        ln:       ln,
        probe:    pc,
        probeDst: &net.UDPAddr{IP: net.IPv4bcast, Port: discoveryPort},
        tlsConf:  tlsConf,
        closeCh:  make(chan struct{}),
    }
    if _, err := rand.Read(c.instance[:]); err != nil {
        _ = ln.Close()
        _ = pc.Close()
        return nil, err
    }
    go c.acceptLoop()
    go c.probeLoop()
    return c, nil
}

func (c *Connector) SetHandler(h radio.FieldHandler) {
    c.mu.Lock()
    c.handler = h
    c.mu.Unlock()
}

func (c *Connector) Advertise(_ context.Context, name string, svc radio.ServiceID, payload []byte) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.advertising = true
    c.advService = svc
    c.advPayload = append([]byte(nil), payload...)
    zap.L().Debug("advertising", zap.String("name", name), zap.String("service", string(svc)))
    return nil
}

func (c *Connector) StopAdvertise() {
    c.mu.Lock()
    c.advertising = false
    c.mu.Unlock()
}

// Scan broadcasts a probe and reports every announce that arrives before the
// window closes. The channel is closed when the window ends.
func (c *Connector) Scan(ctx context.Context, window time.Duration) (<-chan radio.Discovery, error) {
    sock, err := net.ListenUDP("udp", nil)
    if err != nil {
        return nil, err
    }
    if _, err := sock.WriteToUDP([]byte(probeMagic), c.probeDst); err != nil {
        _ = sock.Close()
        return nil, err
    }
    _ = sock.SetReadDeadline(time.Now().Add(window))

    ch := make(chan radio.Discovery, 8)
    go func() {
        defer close(ch)
        defer sock.Close()
        buf := make([]byte, maxFrame)
        for {
            n, raddr, err := sock.ReadFromUDP(buf)
            if err != nil {
                return
            }
            var a announce
            if err := cbor.Unmarshal(buf[:n], &a); err != nil {
                continue
            }
            if !acceptAnnounce(a, c.instance[:]) {
                continue
            }
            addr := radio.Addr(net.JoinHostPort(raddr.IP.String(), strconv.Itoa(a.Port)))
            select {
            case ch <- radio.Discovery{Addr: addr, Payload: a.Payload}:
            case <-ctx.Done():
                return
            }
        }
    }()
    return ch, nil
}

func (c *Connector) Connect(ctx context.Context, addr radio.Addr) (radio.Session, error) {
    tlsClient := &tls.Config{
        InsecureSkipVerify: true, // peers present ephemeral self-signed certs
        NextProtos:         []string{alpn},
        MinVersion:         tls.VersionTLS13,
    }
    conn, err := quicgo.DialAddr(ctx, string(addr), tlsClient, &quicgo.Config{})
    if err != nil {
        return nil, fmt.Errorf("dial %s: %w", addr, mapNetErr(err))
    }
    st, err := conn.OpenStreamSync(ctx)
    if err != nil {
        _ = conn.CloseWithError(0, "")
        return nil, mapNetErr(err)
    }
    return &session{addr: addr, conn: conn, st: st}, nil
}

func (c *Connector) Close() error {
    var err error
    c.closeOnce.Do(func() {
        close(c.closeCh)
        err = c.ln.Close()
        _ = c.probe.Close()
    })
    return err
}

func (c *Connector) acceptLoop() {
    for {
        conn, err := c.ln.Accept(context.Background())
        if err != nil {
            select {
            case <-c.closeCh:
            default:
                zap.L().Warn("quic accept failed", zap.Error(err))
            }
            return
        }
        go c.serveConn(conn)
    }
}

func (c *Connector) serveConn(conn *quicgo.Conn) {
    defer conn.CloseWithError(0, "")
    st, err := conn.AcceptStream(context.Background())
    if err != nil {
        return
    }
    for {
        var req request
        if err := recvMsg(st, &req); err != nil {
            return
        }
        resp := c.dispatch(&req)
        if err := sendMsg(st, resp); err != nil {
            return
        }
    }
}

func (c *Connector) dispatch(req *request) *response {
    c.mu.Lock()
    h := c.handler
    adv := c.advertising
    svc := c.advService
    c.mu.Unlock()

    switch req.Op {
    case opResolve:
        if !adv || req.Service != svc {
            return &response{Err: errNoService}
        }
        return &response{}
    case opRead:
        if h == nil {
            return &response{Err: errNoField}
        }
        v, ok := h.ServeField(req.Field)
        if !ok {
            return &response{Err: errNoField}
        }
        return &response{Value: v}
    case opWrite:
        if h == nil || !h.AcceptWrite(req.Field, req.Value) {
            return &response{Err: errNoField}
        }
        return &response{}
    default:
        return &response{Err: errNoField}
    }
}

func (c *Connector) probeLoop() {
    buf := make([]byte, 256)
    for {
        n, raddr, err := c.probe.ReadFromUDP(buf)
        if err != nil {
            return
        }
        if string(buf[:n]) != probeMagic {
            continue
        }
        c.mu.Lock()
        adv := c.advertising
        a := announce{
            Service:  c.advService,
            Instance: c.instance[:],
            Payload:  append([]byte(nil), c.advPayload...),
        }
        c.mu.Unlock()
        if !adv {
            continue
        }
        if la, ok := c.ln.Addr().(*net.UDPAddr); ok {
            a.Port = la.Port
        }
        out, err := cbor.Marshal(a)
        if err != nil {
            continue
        }
        if _, err := c.probe.WriteToUDP(out, raddr); err != nil {
            zap.L().Debug("probe reply failed", zap.Stringer("to", raddr), zap.Error(err))
        }
    }
}

// ---- Session ----

type session struct {
    addr radio.Addr
    conn *quicgo.Conn

    mu sync.Mutex
    st *quicgo.Stream

    closeOnce sync.Once
}

func (s *session) Addr() radio.Addr { return s.addr }

func (s *session) ResolveService(ctx context.Context, svc radio.ServiceID) error {
    resp, err := s.roundTrip(ctx, &request{Op: opResolve, Service: svc})
    if err != nil {
        return err
    }
    return mapRespErr(resp.Err)
}

func (s *session) ReadField(ctx context.Context, field radio.FieldID) ([]byte, error) {
    resp, err := s.roundTrip(ctx, &request{Op: opRead, Field: field})
    if err != nil {
        return nil, err
    }
    if err := mapRespErr(resp.Err); err != nil {
        return nil, err
    }
    return resp.Value, nil
}

func (s *session) WriteField(ctx context.Context, field radio.FieldID, val []byte) error {
    resp, err := s.roundTrip(ctx, &request{Op: opWrite, Field: field, Value: val})
    if err != nil {
        return err
    }
    return mapRespErr(resp.Err)
}

func (s *session) Close() error {
    var err error
    s.closeOnce.Do(func() {
        err = s.conn.CloseWithError(0, "")
    })
    return err
}

func (s *session) roundTrip(ctx context.Context, req *request) (*response, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    dl, ok := ctx.Deadline()
    if !ok {
        dl = time.Now().Add(defaultOpTTL)
    }
    _ = s.st.SetDeadline(dl)
    if err := sendMsg(s.st, req); err != nil {
        return nil, mapNetErr(err)
    }
    var resp response
    if err := recvMsg(s.st, &resp); err != nil {
        return nil, mapNetErr(err)
    }
    return &resp, nil
}

// ---- Framing ----

func sendMsg(st *quicgo.Stream, v any) error {
    body, err := cbor.Marshal(v)
    if err != nil {
        return err
    }
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(body)))
    if _, err := st.Write(lenbuf[:]); err != nil {
        return err
    }
    _, err = st.Write(body)
    return err
}

func recvMsg(st *quicgo.Stream, v any) error {
    var lenbuf [4]byte
    if _, err := io.ReadFull(st, lenbuf[:]); err != nil {
        return err
    }
    n := int(binary.LittleEndian.Uint32(lenbuf[:]))
    if n <= 0 || n > maxFrame {
        return errors.New("invalid frame size")
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(st, buf); err != nil {
        return err
    }
    return cbor.Unmarshal(buf, v)
}

func mapRespErr(code uint8) error {
    switch code {
    case errNone:
        return nil
    case errNoService:
        return radio.ErrNoService
    case errNoField:
        return radio.ErrNoField
    default:
        return radio.ErrUnavailable
    }
}

func mapNetErr(err error) error {
    if err == nil {
        return nil
    }
    var nerr net.Error
    if errors.As(err, &nerr) && nerr.Timeout() {
        return radio.ErrTimeout
    }
    if errors.Is(err, context.DeadlineExceeded) {
        return radio.ErrTimeout
    }
    return err
}

// selfSignedCert generates a short-lived certificate for the listener side.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil {
        return tls.Certificate{}, err
    }
    tmpl := x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil {
        return tls.Certificate{}, err
    }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
