package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-nsq-client/client"
	"github.com/kstaniek/go-nsq-client/conn"
	"github.com/kstaniek/go-nsq-client/frame"
	"github.com/kstaniek/go-nsq-client/internal/logging"
)

const defaultMaxInFlight = 200

// Config bundles Consumer-only options (§6): Channel and MaxInFlight on
// top of the shared client.Config.
type Config struct {
	client.Config
	Channel     string
	MaxInFlight int
}

// Consumer specializes Client for a topic/channel pair: it issues SUB on
// every connection Added (including reconnects) and keeps the
// ReadinessCoordinator's RDY distribution current.
type Consumer struct {
	cl          *client.Client
	channel     string
	topic       string
	coordinator *ReadinessCoordinator
	log         *slog.Logger

	membershipChanged atomic.Bool
	messages          chan *frame.Message
	closeOnce         sync.Once
	done              chan struct{}
}

// New constructs a Consumer. The returned value owns a client.Client
// configured with Added/Closed hooks that issue SUB and trigger RDY
// redistribution — the wiring spec §4.5 describes as "overrides the
// connection added/closed hooks."
func New(cfg Config) *Consumer {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	log := cfg.Logger
	if log == nil {
		log = logging.L()
	}
	co := &Consumer{
		channel:     cfg.Channel,
		topic:       cfg.Topic,
		coordinator: NewReadinessCoordinator(cfg.MaxInFlight),
		log:         log,
		messages:    make(chan *frame.Message, cfg.MaxInFlight),
		done:        make(chan struct{}),
	}
	co.cl = client.New(cfg.Config, client.Hooks{
		Added:  co.onAdded,
		Closed: co.onClosed,
	})
	return co
}

func (co *Consumer) onAdded(c *conn.Conn) {
	if err := c.Sub(co.topic, co.channel); err != nil {
		co.log.Warn("sub_failed", "conn", c.String(), "error", err)
		return
	}
	// An initial RDY 1 lets a single message arrive before the first
	// rebalance (§4.5).
	if err := c.Rdy(1); err != nil {
		co.log.Warn("initial_rdy_failed", "conn", c.String(), "error", err)
	}
	co.membershipChanged.Store(true)
}

func (co *Consumer) onClosed(*conn.Conn) {
	co.membershipChanged.Store(true)
}

// Client exposes the underlying client.Client, e.g. for Stats or Close.
func (co *Consumer) Client() *client.Client { return co.cl }

// liveReady returns the subset of connections currently Ready.
func (co *Consumer) liveReady() []*conn.Conn {
	all := co.cl.Snapshot()
	out := make([]*conn.Conn, 0, len(all))
	for _, c := range all {
		if c.State() == conn.Ready {
			out = append(out, c)
		}
	}
	return out
}

// rebalanceIfNeeded checks the §4.5 trigger and redistributes RDY.
func (co *Consumer) rebalanceIfNeeded() {
	live := co.liveReady()
	changed := co.membershipChanged.Swap(false)
	if !NeedsDistribution(live, changed) {
		return
	}
	if err := co.coordinator.Distribute(live); err != nil {
		co.log.Warn("rdy_distribution_failed", "error", err)
	}
}

// Run drives one pass of the Client read loop, checks the redistribution
// trigger, and delivers MESSAGE frames onto the Messages channel. Callers
// should invoke Run from a loop paired with a running
// client.PeriodicChecker driving Client.CheckConnections (§4.5's
// iteration contract).
func (co *Consumer) Run(ctx context.Context) error {
	surfaced, err := co.cl.Read(ctx)
	if err != nil {
		return err
	}
	co.rebalanceIfNeeded()
	for _, s := range surfaced {
		if s.Frame.Message == nil {
			continue
		}
		select {
		case co.messages <- s.Frame.Message:
		case <-ctx.Done():
			return ctx.Err()
		case <-co.done:
			return nil
		}
	}
	return nil
}

// Messages returns the channel of delivered messages. Iteration order
// interleaves messages from different brokers arbitrarily; ordering
// within a single connection is preserved (§5).
func (co *Consumer) Messages() <-chan *frame.Message { return co.messages }

// Loop runs Run repeatedly until ctx is cancelled or Stop is called,
// sleeping tick after a pass that returns an error. With no live
// connections, Client.Read itself waits the configured Timeout per pass.
func (co *Consumer) Loop(ctx context.Context, tick time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-co.done:
			return
		default:
		}
		if err := co.Run(ctx); err != nil {
			co.log.Warn("consumer_run_error", "error", err)
			time.Sleep(tick)
		}
	}
}

// Stop closes the Consumer's done channel, which ends Loop and any Run
// blocked on delivery, and closes the underlying Client. The Messages
// channel itself is not closed. Idempotent.
func (co *Consumer) Stop() {
	co.closeOnce.Do(func() {
		close(co.done)
		co.cl.Close()
	})
}
