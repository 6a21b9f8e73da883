// Package client implements the multi-connection I/O core of spec §4.4:
// a managed set of conn.Conn instances keyed by (host, port), a
// multiplexing read loop that fans in frames and classifies errors, and
// reconnection gated by each connection's backoff counter.
//
// The connection map is grounded on the teacher's internal/hub.Hub: a
// mutex-guarded map plus a Snapshot method, so callers operate lock-free
// on a point-in-time copy instead of holding the map lock during socket
// I/O (§9's "snapshot under lock, then operate lock-free" design note).
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/kstaniek/go-nsq-client/backoff"
	"github.com/kstaniek/go-nsq-client/conn"
	"github.com/kstaniek/go-nsq-client/frame"
	"github.com/kstaniek/go-nsq-client/internal/logging"
	"github.com/kstaniek/go-nsq-client/internal/metrics"
)

// Sentinel errors, wrapped with fmt.Errorf("%w: ...") the way the
// teacher's internal/server/errors.go does, so callers can errors.Is.
var (
	ErrNoConnections = errors.New("client: no live connections")
	ErrTimeout       = errors.New("client: timed out waiting for response")
)

// Hooks let a specializing type (Consumer) react to connection lifecycle
// events without Client depending on Consumer. Mirrors the teacher's
// ServerOption-style injection, adapted from functional options to plain
// callback fields since these fire on every add/remove rather than being
// configured once.
type Hooks struct {
	Added  func(*conn.Conn)
	Closed func(*conn.Conn)
}

// Config bundles the options enumerated in spec §6.
type Config struct {
	Timeout              time.Duration
	ConnectTimeout       time.Duration
	ReconnectBackoff     backoff.Func
	AuthSecret           []byte
	Identify             conn.IdentifyOptions
	StaticAddresses      []string // host:port
	DiscoverySources     []DiscoverySource
	Topic                string
	HeartbeatInterval    time.Duration // nominal broker heartbeat, default 30s
	HeartbeatGapMultiple float64       // stale-connection multiplier, default 2
	Logger               *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 100 * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = time.Second
	}
	if c.ReconnectBackoff == nil {
		c.ReconnectBackoff = backoff.DefaultReconnect()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatGapMultiple <= 0 {
		c.HeartbeatGapMultiple = 2
	}
}

// Client owns a set of Conn instances keyed by "host:port".
type Client struct {
	cfg   Config
	log   *slog.Logger
	hooks Hooks

	mu    sync.RWMutex
	conns map[string]*conn.Conn

	lastRecvMu sync.Mutex
	lastRecv   time.Time
}

// New constructs a Client. hooks may be the zero value for a bare
// producer-only client.
func New(cfg Config, hooks Hooks) *Client {
	cfg.setDefaults()
	log := cfg.Logger
	if log == nil {
		log = logging.L()
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		hooks:    hooks,
		conns:    make(map[string]*conn.Conn),
		lastRecv: time.Now(),
	}
}

func key(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

// Add inserts c under its (host,port) key, returning the inserted
// Connection, or nil if one is already present for that key. Calls the
// Added hook exactly once for successful inserts — this is where
// Consumer subscribes (§4.4).
func (cl *Client) Add(c *conn.Conn) *conn.Conn {
	k := key(c.Host(), c.Port())
	cl.mu.Lock()
	if _, exists := cl.conns[k]; exists {
		cl.mu.Unlock()
		return nil
	}
	cl.conns[k] = c
	cl.mu.Unlock()
	metrics.SetLiveConnections(cl.Count())
	if cl.hooks.Added != nil {
		cl.hooks.Added(c)
	}
	return c
}

// Remove deletes c by key and closes it, swallowing any close-time
// irregularities (Close itself never errors). Safe to call even if the
// entry was already removed or never present.
func (cl *Client) Remove(c *conn.Conn) {
	k := key(c.Host(), c.Port())
	cl.mu.Lock()
	delete(cl.conns, k)
	cl.mu.Unlock()
	c.Close()
	metrics.SetLiveConnections(cl.Count())
	if cl.hooks.Closed != nil {
		cl.hooks.Closed(c)
	}
}

// Snapshot returns a point-in-time copy of the live connections, safe to
// range over without holding the map lock (§9).
func (cl *Client) Snapshot() []*conn.Conn {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	out := make([]*conn.Conn, 0, len(cl.conns))
	for _, c := range cl.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of tracked connections (including ones
// currently Disconnected, awaiting reconnect).
func (cl *Client) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.conns)
}

func (cl *Client) markRecv() {
	cl.lastRecvMu.Lock()
	cl.lastRecv = time.Now()
	cl.lastRecvMu.Unlock()
}

func (cl *Client) sinceLastRecv() time.Duration {
	cl.lastRecvMu.Lock()
	defer cl.lastRecvMu.Unlock()
	return time.Since(cl.lastRecv)
}

// Surfaced is a frame fanned in from some connection, tagged with which
// one so callers (Consumer's iterator) can tell frames from different
// brokers apart even though no cross-connection ordering is guaranteed.
type Surfaced struct {
	Conn  *conn.Conn
	Frame conn.Frame
}

// Read runs one pass of the multiplexing loop (§4.4): read any available
// frames from every live connection, classify and route them, flush any
// connection with pending output, and close anything that errors. It
// never blocks longer than the configured per-connection I/O timeout per
// connection and never panics/returns on a single connection's failure.
//
// Go's runtime schedules blocking syscalls across OS threads instead of
// requiring a userspace select(2) loop, so unlike the Python original
// this does not multiplex via a single select() call across all
// sockets — it bounds each connection's Read/Flush with a short
// deadline (conn.Config.FlushTimeout) and visits every live connection
// once per pass, which yields the same "no connection can stall the
// others past a bounded timeout" property.
func (cl *Client) Read(ctx context.Context) ([]Surfaced, error) {
	live := cl.Snapshot()
	if len(live) == 0 {
		select {
		case <-time.After(cl.cfg.Timeout):
		case <-ctx.Done():
		}
		return nil, nil
	}

	var out []Surfaced
	for _, c := range live {
		if c.State() != conn.Ready {
			continue
		}
		frames, err := c.Read()
		if err != nil {
			cl.log.Warn("conn_read_error", "conn", c.String(), "error", err)
			cl.Remove(c)
			continue
		}
		for _, f := range frames {
			switch {
			case f.Response != nil && string(f.Response.Body) == frame.HeartbeatPayload:
				cl.markRecv()
				metrics.IncHeartbeat()
				if err := c.Nop(); err != nil {
					cl.log.Warn("heartbeat_nop_failed", "conn", c.String(), "error", err)
					cl.Remove(c)
				}
			case f.Error != nil:
				cl.markRecv()
				out = append(out, Surfaced{Conn: c, Frame: f})
				if f.Error.Fatal() {
					metrics.IncError(metrics.ErrFatalResponse)
					cl.Remove(c)
				}
			default:
				cl.markRecv()
				out = append(out, Surfaced{Conn: c, Frame: f})
			}
		}
	}

	for _, c := range live {
		if c.State() != conn.Ready || !c.HasPending() {
			continue
		}
		if _, err := c.Flush(); err != nil {
			cl.log.Warn("conn_flush_error", "conn", c.String(), "error", err)
			metrics.IncError(metrics.ErrFlush)
			cl.Remove(c)
		}
	}

	return out, nil
}

// CheckConnections is the periodic/startup readiness pass (§4.4):
// discover producers, create-or-reconnect for each, do the same for
// statically configured addresses, and reconnect anything that has gone
// quiet past the heartbeat-gap threshold.
func (cl *Client) CheckConnections(ctx context.Context) {
	seen := make(map[string]struct{})

	for _, src := range cl.cfg.DiscoverySources {
		prods, err := src.Lookup(ctx, cl.cfg.Topic)
		if err != nil {
			cl.log.Warn("discovery_source_failed", "error", err)
			continue
		}
		for _, p := range prods {
			seen[key(p.Host, p.Port)] = struct{}{}
			cl.ensureConnection(ctx, p.Host, p.Port)
		}
	}

	for _, addr := range cl.cfg.StaticAddresses {
		host, port, err := splitHostPort(addr)
		if err != nil {
			cl.log.Warn("invalid_static_address", "addr", addr, "error", err)
			continue
		}
		seen[key(host, port)] = struct{}{}
		cl.ensureConnection(ctx, host, port)
	}

	gap := time.Duration(cl.cfg.HeartbeatGapMultiple * float64(cl.cfg.HeartbeatInterval))
	if cl.sinceLastRecv() >= gap {
		for _, c := range cl.Snapshot() {
			if c.State() == conn.Ready && c.ReadyToReconnect() {
				cl.log.Warn("heartbeat_gap_reconnect", "conn", c.String(), "gap", gap)
				cl.reconnect(ctx, c)
			}
		}
	}
}

func (cl *Client) ensureConnection(ctx context.Context, host string, port int) {
	k := key(host, port)
	cl.mu.RLock()
	existing, ok := cl.conns[k]
	cl.mu.RUnlock()

	if !ok {
		c, err := conn.New(host, port, conn.Config{
			Identify:       cl.cfg.Identify,
			AuthSecret:     cl.cfg.AuthSecret,
			ConnectTimeout: cl.cfg.ConnectTimeout,
			Logger:         cl.log,
		}, cl.cfg.ReconnectBackoff)
		if err != nil {
			cl.log.Error("conn_construct_failed", "host", host, "port", port, "error", err)
			return
		}
		if err := c.Connect(ctx, false); err != nil {
			cl.log.Warn("conn_connect_failed", "host", host, "port", port, "error", err)
			// Still tracked so later CheckConnections passes retry it
			// through the backoff counter rather than dialing fresh
			// every pass.
		}
		cl.Add(c)
		return
	}

	if existing.State() == conn.Closed || existing.State() == conn.Disconnected {
		if existing.ReadyToReconnect() {
			cl.reconnect(ctx, existing)
		}
	}
}

func (cl *Client) reconnect(ctx context.Context, c *conn.Conn) {
	if err := c.Connect(ctx, true); err != nil {
		cl.log.Warn("reconnect_failed", "conn", c.String(), "error", err)
		metrics.IncReconnectFailure()
		return
	}
	metrics.IncReconnectSuccess()
	if cl.hooks.Added != nil {
		cl.hooks.Added(c)
	}
}

// Pub sends a single message to topic over one uniformly-random live
// connection and blocks (via repeated Read passes) until a response
// frame arrives.
func (cl *Client) Pub(ctx context.Context, topic string, body []byte) (*frame.Response, error) {
	c, err := cl.randomLiveConn()
	if err != nil {
		return nil, err
	}
	if err := c.Send(frame.Codec{}.Pub(topic, body), true); err != nil {
		return nil, fmt.Errorf("client: pub: %w", err)
	}
	return cl.awaitResponse(ctx, c)
}

// MPub sends a batch publish to topic over one uniformly-random live
// connection.
func (cl *Client) MPub(ctx context.Context, topic string, bodies [][]byte) (*frame.Response, error) {
	c, err := cl.randomLiveConn()
	if err != nil {
		return nil, err
	}
	cmd, err := frame.Codec{}.MPub(topic, bodies)
	if err != nil {
		return nil, err
	}
	if err := c.Send(cmd, true); err != nil {
		return nil, fmt.Errorf("client: mpub: %w", err)
	}
	return cl.awaitResponse(ctx, c)
}

func (cl *Client) randomLiveConn() (*conn.Conn, error) {
	var live []*conn.Conn
	for _, c := range cl.Snapshot() {
		if c.State() == conn.Ready {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil, ErrNoConnections
	}
	return live[rand.Intn(len(live))], nil
}

func (cl *Client) awaitResponse(ctx context.Context, target *conn.Conn) (*frame.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		default:
		}
		frames, err := cl.Read(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range frames {
			if s.Conn != target {
				continue
			}
			if s.Frame.Response != nil {
				return s.Frame.Response, nil
			}
			if s.Frame.Error != nil {
				return nil, s.Frame.Error
			}
		}
	}
}

// Stats is a point-in-time snapshot of client activity, the Go analogue
// of the dlecocq/nsq-py original's nsq/stats.py: a plain struct callers
// can poll instead of scraping Prometheus, backed by the same counters
// internal/metrics exposes as gauges/counters.
type Stats struct {
	LiveConnections  int
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64
	ReconnectSuccess uint64
	ReconnectFailure uint64
	Errors           uint64
}

// Stats returns a Stats snapshot combining the live connection count
// with the process-wide metrics counters.
func (cl *Client) Stats() Stats {
	snap := metrics.Snap()
	return Stats{
		LiveConnections:  cl.Count(),
		MessagesReceived: snap.MessagesReceived,
		MessagesFinished: snap.MessagesFinished,
		MessagesRequeued: snap.MessagesRequeued,
		ReconnectSuccess: snap.ReconnectSuccess,
		ReconnectFailure: snap.ReconnectFailure,
		Errors:           snap.Errors,
	}
}

// Close removes and closes every tracked connection. Idempotent.
func (cl *Client) Close() {
	for _, c := range cl.Snapshot() {
		cl.Remove(c)
	}
}

func splitHostPort(addr string) (string, int, error) {
	var host string
	var port int
	if _, err := fmt.Sscanf(addr, "%[^:]:%d", &host, &port); err != nil {
		return "", 0, fmt.Errorf("client: invalid address %q: %w", addr, err)
	}
	return host, port, nil
}
