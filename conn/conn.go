// Package conn implements a single NSQ broker connection: the TCP
// lifecycle, IDENTIFY negotiation, optional TLS/AUTH upgrade, and
// per-connection RDY accounting and framed I/O described in spec §3/§4.3.
//
// The outbound queue + retained-outBuffer flush contract is grounded on
// the teacher's internal/transport.AsyncTx (a single-goroutine fan-in
// writer with non-blocking enqueue) and internal/cnl.Handshake (a
// deadline-bounded, concurrent read/write hello exchange), adapted from
// CAN-frame plumbing to the NSQ MAGIC+IDENTIFY handshake.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-nsq-client/backoff"
	"github.com/kstaniek/go-nsq-client/frame"
	"github.com/kstaniek/go-nsq-client/internal/logging"
	"github.com/kstaniek/go-nsq-client/internal/metrics"
	"github.com/kstaniek/go-nsq-client/internal/netutil"
)

// State is the Connection lifecycle position (§3).
type State int

const (
	Disconnected State = iota
	Connecting
	Identifying
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Identifying:
		return "identifying"
	case Ready:
		return "alive"
	case Closed:
		return "dead"
	default:
		return "unknown"
	}
}

// RetryableWriter is implemented by a StreamTransform's wrapped net.Conn
// (or by the transform itself) when the underlying write primitive can
// report "no bytes accepted, try again" (SSL_ERROR_WANT_READ/WANT_WRITE)
// rather than an ordinary partial write. When WantsRetry reports true for
// a Write error, Conn leaves outBuffer completely untouched so the next
// Flush re-offers the byte-identical buffer, per §4.3's hard invariant.
type RetryableWriter interface {
	WantsRetry(err error) bool
}

// Config bundles the options that shape a Conn. It is a plain struct
// passed to New; there are no functional options.
type Config struct {
	Identify         IdentifyOptions
	AuthSecret       []byte
	Transform        StreamTransform
	ConnectTimeout   time.Duration
	FlushTimeout     time.Duration
	MessageTimeoutMs int
	KeepAlive        time.Duration
	Logger           *slog.Logger
}

// Conn is one TCP endpoint to an nsqd broker.
type Conn struct {
	host string
	port int

	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	state       State
	tcpConn     net.Conn
	stream      net.Conn // tcpConn, possibly wrapped by a StreamTransform
	retryable   RetryableWriter
	pending     [][]byte
	outBuffer   []byte
	inbound     frame.Buffer
	maxRdyCount int64
	lastReady   int
	ready       int
	attempts    *backoff.Counter
	fd          uintptr
}

// New constructs a Conn for (host, port). Unsupported-feature validation
// happens here, before any socket is opened (§4.3): requesting tls_v1
// without a Transform, or requesting snappy/deflate at all (compression
// transforms are an external collaborator per §1's scope, and this
// module ships none), or requesting both snappy and deflate together.
func New(host string, port int, cfg Config, reconnect backoff.Func) (*Conn, error) {
	if cfg.Identify.TLSv1 && cfg.Transform == nil {
		return nil, fmt.Errorf("%w: tls_v1 requested without a Transform", ErrUnsupportedFeature)
	}
	if cfg.Identify.Snappy && cfg.Identify.Deflate {
		return nil, fmt.Errorf("%w: snappy and deflate requested simultaneously", ErrUnsupportedFeature)
	}
	if cfg.Identify.Snappy {
		return nil, fmt.Errorf("%w: snappy compression transform not available", ErrUnsupportedFeature)
	}
	if cfg.Identify.Deflate {
		return nil, fmt.Errorf("%w: deflate compression transform not available", ErrUnsupportedFeature)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 50 * time.Millisecond
	}
	if cfg.MessageTimeoutMs <= 0 {
		cfg.MessageTimeoutMs = 60000
	}
	if cfg.Identify.ShortID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Identify.ShortID = host
		}
	}
	if cfg.Identify.LongID == "" {
		cfg.Identify.LongID = cfg.Identify.ShortID
	}
	cfg.Identify.FeatureNegotiation = true
	if cfg.Identify.UserAgent == "" {
		cfg.Identify.UserAgent = "go-nsq-client/1.0"
	}
	log := cfg.Logger
	if log == nil {
		log = logging.L()
	}
	if reconnect == nil {
		reconnect = backoff.DefaultReconnect()
	}
	return &Conn{
		host:     host,
		port:     port,
		cfg:      cfg,
		log:      log.With("conn", fmt.Sprintf("%s:%d", host, port)),
		state:    Disconnected,
		attempts: backoff.NewCounter(reconnect, backoff.Resetting),
	}, nil
}

func (c *Conn) Host() string { return c.host }
func (c *Conn) Port() int    { return c.port }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReadyToReconnect reports whether the backoff counter permits another
// connect attempt.
func (c *Conn) ReadyToReconnect() bool { return c.attempts.Ready() }

// String renders `<Connection host:port (alive|dead on FD fd)>`, a
// stable logging format per §4.3.
func (c *Conn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := "dead"
	if c.state == Ready {
		status = "alive"
	}
	return fmt.Sprintf("<Connection %s:%d (%s on FD %d)>", c.host, c.port, status, c.fd)
}

// Connect dials, sends MAGIC + IDENTIFY, negotiates TLS/AUTH, and leaves
// the Conn Ready on success. force re-dials even if already Ready.
func (c *Conn) Connect(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.state == Ready && !force {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		c.attempts.Failed()
		return err
	}
	c.attempts.Success()
	return nil
}

func (c *Conn) connectLocked(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.IncError(metrics.ErrDial)
		return fmt.Errorf("conn: dial %s: %w", addr, err)
	}
	netutil.TuneConn(nc, c.cfg.KeepAlive)
	if tc, ok := nc.(*net.TCPConn); ok {
		if f, ferr := tc.File(); ferr == nil {
			c.mu.Lock()
			c.fd = f.Fd()
			c.mu.Unlock()
			_ = f.Close()
		}
	}
	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	_ = nc.SetDeadline(deadline)

	c.mu.Lock()
	c.tcpConn = nc
	c.stream = nc
	c.state = Identifying
	c.mu.Unlock()

	if _, err := nc.Write([]byte(frame.Magic)); err != nil {
		_ = nc.Close()
		return fmt.Errorf("conn: write magic: %w", err)
	}

	body, err := json.Marshal(c.cfg.Identify)
	if err != nil {
		_ = nc.Close()
		return fmt.Errorf("conn: marshal identify: %w", err)
	}
	codec := frame.Codec{}
	if _, err := nc.Write(codec.Identify(body)); err != nil {
		_ = nc.Close()
		return fmt.Errorf("conn: write identify: %w", err)
	}

	ft, payload, err := codec.Decode(nc)
	if err != nil {
		_ = nc.Close()
		metrics.IncError(metrics.ErrIdentify)
		return fmt.Errorf("conn: read identify response: %w", err)
	}
	if ft != frame.TypeResponse {
		_ = nc.Close()
		return fmt.Errorf("conn: expected RESPONSE for identify, got %s", ft)
	}

	ir, ok := parseIdentifyResponse(payload)
	if !ok {
		// Server predates feature negotiation: treat as an opaque OK and
		// skip straight to Ready.
		c.mu.Lock()
		c.state = Ready
		c.mu.Unlock()
		_ = nc.SetDeadline(time.Time{})
		return nil
	}
	if ir.MaxRdyCount > 0 {
		c.mu.Lock()
		c.maxRdyCount = ir.MaxRdyCount
		c.mu.Unlock()
	}

	if c.cfg.Identify.TLSv1 {
		if !ir.TLSv1 {
			_ = nc.Close()
			return fmt.Errorf("%w: server did not negotiate tls_v1", ErrUnsupportedFeature)
		}
		wrapped, err := c.cfg.Transform.Wrap(nc)
		if err != nil {
			_ = nc.Close()
			metrics.IncError(metrics.ErrTLSUpgrade)
			return fmt.Errorf("conn: tls upgrade: %w", err)
		}
		c.mu.Lock()
		c.stream = wrapped
		if rw, ok := wrapped.(RetryableWriter); ok {
			c.retryable = rw
		}
		c.mu.Unlock()
	}

	if ir.AuthRequired {
		if len(c.cfg.AuthSecret) == 0 {
			_ = nc.Close()
			return fmt.Errorf("%w: server requires auth but no secret configured", ErrUnsupportedFeature)
		}
		if !c.cfg.Identify.TLSv1 {
			c.log.Warn("sending auth secret over a plaintext connection")
		}
		stream := c.currentStream()
		if _, err := stream.Write(codec.Auth(c.cfg.AuthSecret)); err != nil {
			_ = nc.Close()
			return fmt.Errorf("conn: write auth: %w", err)
		}
		if _, _, err := codec.Decode(stream); err != nil {
			_ = nc.Close()
			metrics.IncError(metrics.ErrAuth)
			return fmt.Errorf("conn: read auth response: %w", err)
		}
	}

	c.mu.Lock()
	c.state = Ready
	c.mu.Unlock()
	_ = c.currentStream().SetDeadline(time.Time{})
	return nil
}

func (c *Conn) currentStream() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Close flushes best-effort, closes the socket, and resets state.
// Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	stream := c.stream
	residual := c.outBuffer
	c.state = Closed
	c.mu.Unlock()

	if stream != nil {
		_ = stream.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		if len(residual) > 0 {
			_, _ = stream.Write(residual)
		}
		_ = stream.Close()
	}

	c.mu.Lock()
	c.pending = nil
	c.outBuffer = nil
	c.maxRdyCount = 0
	c.lastReady = 0
	c.ready = 0
	c.mu.Unlock()
}

// Send enqueues a fully framed command for a later Flush. blocking writes
// synchronously instead, used by callers that want pub/mpub-style
// request/response semantics without a multiplexing loop. The handshake
// writes to the socket directly and does not go through Send.
func (c *Conn) Send(b []byte, blocking bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if blocking {
		if c.stream == nil {
			return fmt.Errorf("conn: not connected")
		}
		_, err := c.stream.Write(b)
		if err == nil {
			metrics.IncFrameOut()
		}
		return err
	}
	c.pending = append(c.pending, b)
	return nil
}

// HasPending reports whether there are bytes queued or in flight.
func (c *Conn) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0 || len(c.outBuffer) > 0
}

// Flush attempts a single write and returns the bytes written. A partial
// plain-TCP write trims outBuffer by the bytes consumed; a want-retry
// report from a RetryableWriter-backed secure transform leaves outBuffer
// byte-identical for the next call, per §4.3.
func (c *Conn) Flush() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outBuffer) == 0 {
		if len(c.pending) == 0 {
			return 0, nil
		}
		c.outBuffer = c.pending[0]
		c.pending = c.pending[1:]
	}
	if c.stream == nil {
		return 0, fmt.Errorf("conn: not connected")
	}
	_ = c.stream.SetWriteDeadline(time.Now().Add(c.cfg.FlushTimeout))
	n, err := c.stream.Write(c.outBuffer)
	if err != nil {
		if c.retryable != nil && c.retryable.WantsRetry(err) {
			return 0, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.outBuffer = c.outBuffer[n:]
			return n, nil
		}
		return n, err
	}
	c.outBuffer = c.outBuffer[n:]
	if len(c.outBuffer) == 0 {
		c.outBuffer = nil
	}
	return n, nil
}

// Frame is a decoded wire frame classified into one of Response, *Error,
// or *Message, with Conn filled in so callers can Fin/Req/Touch directly.
type Frame struct {
	Response *frame.Response
	Error    *frame.Error
	Message  *frame.Message
}

// Read reads any available bytes, decodes zero or more complete frames,
// and decrements RDY by the number of MESSAGE frames returned.
func (c *Conn) Read() ([]Frame, error) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return nil, fmt.Errorf("conn: not connected")
	}
	_ = stream.SetReadDeadline(time.Now().Add(c.cfg.FlushTimeout))
	buf := make([]byte, 16*1024)
	n, err := stream.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.inbound.Feed(buf[:n])
	wire, derr := c.inbound.Drain()
	c.mu.Unlock()
	if derr != nil {
		metrics.IncError(metrics.ErrFrameDecode)
		return nil, derr
	}
	out := make([]Frame, 0, len(wire))
	var messages int
	for _, w := range wire {
		metrics.IncFrameIn()
		switch w.Type {
		case frame.TypeResponse:
			out = append(out, Frame{Response: &frame.Response{Body: w.Payload, Conn: c}})
		case frame.TypeError:
			e := frame.NewError(w.Payload)
			e.Conn = c
			out = append(out, Frame{Error: e})
		case frame.TypeMessage:
			m, perr := frame.ParseMessage(w.Payload)
			if perr != nil {
				metrics.IncError(metrics.ErrFrameDecode)
				return out, perr
			}
			m.Conn = c
			out = append(out, Frame{Message: m})
			messages++
			metrics.IncMessageReceived()
		}
	}
	if messages > 0 {
		c.mu.Lock()
		c.ready -= messages
		if c.ready < 0 {
			c.ready = 0
		}
		c.mu.Unlock()
	}
	return out, nil
}

// Fin, Req and Touch implement frame.Acknowledger. Once IDENTIFY
// completes the connection is non-blocking (§3): these enqueue onto the
// same pending/outBuffer path as everything else and rely on the
// multiplexing loop's per-pass Flush to drain them with its bounded
// deadline, rather than writing synchronously from whatever goroutine
// happens to call Fin/Req/Touch.
func (c *Conn) Fin(id frame.MessageID) error {
	if err := c.Send(frame.Codec{}.Fin(id), false); err != nil {
		metrics.IncError(metrics.ErrAck)
		return err
	}
	metrics.IncMessageFinished()
	return nil
}

func (c *Conn) Req(id frame.MessageID, timeoutMillis int) error {
	if err := c.Send(frame.Codec{}.Req(id, timeoutMillis), false); err != nil {
		metrics.IncError(metrics.ErrAck)
		return err
	}
	metrics.IncMessageRequeued()
	return nil
}

func (c *Conn) Touch(id frame.MessageID) error {
	if err := c.Send(frame.Codec{}.Touch(id), false); err != nil {
		metrics.IncError(metrics.ErrAck)
		return err
	}
	return nil
}

// Rdy sends RDY n and records both ready and lastReadySent. Callers must
// not exceed MaxRdyCount; Rdy does not clamp on the caller's behalf so
// that violations surface during development rather than silently
// reshaping the requested value.
func (c *Conn) Rdy(n int) error {
	if err := c.Send(frame.Codec{}.Rdy(n), false); err != nil {
		return err
	}
	c.mu.Lock()
	c.ready = n
	c.lastReady = n
	c.mu.Unlock()
	return nil
}

// Sub sends SUB topic channel. Enqueued non-blocking like every other
// post-handshake command.
func (c *Conn) Sub(topic, channel string) error {
	return c.Send(frame.Codec{}.Sub(topic, channel), false)
}

// Nop sends the heartbeat acknowledgement. Enqueued non-blocking (§3:
// "enqueued immediately") so a stuck peer can't stall Client.Read's pass
// over the other live connections.
func (c *Conn) Nop() error {
	return c.Send(frame.Codec{}.Nop(), false)
}

// MaxRdyCount returns the server-advertised ceiling, or 0 if unknown.
func (c *Conn) MaxRdyCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxRdyCount
}

// LastReadySent returns the most recently sent RDY value.
func (c *Conn) LastReadySent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReady
}

// RemainingReady returns the current (decrementing) RDY count.
func (c *Conn) RemainingReady() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// NeedsRedistribution reports whether this connection's remaining RDY
// has dropped to the low-water trigger (§4.5: ready <= 0.25*lastReady).
func (c *Conn) NeedsRedistribution() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReady == 0 {
		return false
	}
	return float64(c.ready) <= 0.25*float64(c.lastReady)
}
