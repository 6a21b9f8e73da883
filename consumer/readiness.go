// Package consumer specializes client.Client for a topic/channel: it
// subscribes every newly added connection and owns the
// ReadinessCoordinator that partitions a global max-in-flight budget
// across live connections (§4.5).
package consumer

import (
	"errors"

	"github.com/kstaniek/go-nsq-client/conn"
	"github.com/kstaniek/go-nsq-client/internal/metrics"
)

// ErrTooManyConnections is returned when the live connection count
// exceeds maxInFlight: the design doesn't yet cover starvation-style
// rotating RDY, so this case is rejected outright rather than silently
// handled (§4.5, §9 open question — preserved verbatim, not reinterpreted).
var ErrTooManyConnections = errors.New("consumer: live connections exceed maxInFlight (rotating RDY not implemented)")

// Partition evenly splits maxInFlight across n connections: index i
// (0-based) receives floor((i+1)*maxInFlight/n) - floor(i*maxInFlight/n).
// This is an integer partition where max-min <= 1 (§4.5 step 2).
func Partition(maxInFlight, n int) []int {
	if n == 0 {
		return nil
	}
	shares := make([]int, n)
	prev := 0
	for i := 0; i < n; i++ {
		cur := ((i + 1) * maxInFlight) / n
		shares[i] = cur - prev
		prev = cur
	}
	return shares
}

// ReadinessCoordinator distributes RDY across a Consumer's live
// connections.
type ReadinessCoordinator struct {
	maxInFlight int
}

// NewReadinessCoordinator builds a coordinator for the given budget.
func NewReadinessCoordinator(maxInFlight int) *ReadinessCoordinator {
	return &ReadinessCoordinator{maxInFlight: maxInFlight}
}

// Distribute partitions maxInFlight across live, clamps each share to
// that connection's MaxRdyCount (when known), and sends RDY on each.
func (r *ReadinessCoordinator) Distribute(live []*conn.Conn) error {
	if len(live) == 0 {
		return nil
	}
	if len(live) > r.maxInFlight {
		return ErrTooManyConnections
	}
	shares := Partition(r.maxInFlight, len(live))
	total := 0
	for i, c := range live {
		share := shares[i]
		if max := c.MaxRdyCount(); max > 0 && int64(share) > max {
			share = int(max)
		}
		if err := c.Rdy(share); err != nil {
			metrics.SetRdyTotal(total)
			return err
		}
		total += share
	}
	metrics.SetRdyTotal(total)
	return nil
}

// NeedsDistribution reports whether any live connection has drained past
// the low-water trigger, or the membership itself changed (callers pass
// changed=true directly on add/close events per §4.5).
func NeedsDistribution(live []*conn.Conn, changed bool) bool {
	if changed {
		return true
	}
	for _, c := range live {
		if c.NeedsRedistribution() {
			return true
		}
	}
	return false
}
