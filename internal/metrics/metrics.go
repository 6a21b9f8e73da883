package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-nsq-client/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	FramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_frames_in_total",
		Help: "Total frames decoded from nsqd connections.",
	})
	FramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_frames_out_total",
		Help: "Total commands written to nsqd connections.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_messages_received_total",
		Help: "Total MESSAGE frames surfaced to callers.",
	})
	MessagesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_messages_finished_total",
		Help: "Total messages acknowledged with FIN.",
	})
	MessagesRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_messages_requeued_total",
		Help: "Total messages acknowledged with REQ.",
	})
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_heartbeats_received_total",
		Help: "Total heartbeat responses observed across all connections.",
	})
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nsq_live_connections",
		Help: "Current number of connections tracked by the client, including ones awaiting reconnect.",
	})
	RdyTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nsq_rdy_total",
		Help: "Sum of RDY counts currently outstanding across live connections.",
	})
	ReconnectSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_reconnect_success_total",
		Help: "Total successful reconnect attempts.",
	})
	ReconnectFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_reconnect_failure_total",
		Help: "Total failed reconnect attempts.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nsq_errors_total",
		Help: "Error counters by kind.",
	}, []string{"kind"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrDial          = "dial"
	ErrIdentify      = "identify"
	ErrAuth          = "auth"
	ErrTLSUpgrade    = "tls_upgrade"
	ErrFrameDecode   = "frame_decode"
	ErrFlush         = "flush"
	ErrFatalResponse = "fatal_response"
	ErrAck           = "ack"
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe
// at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process logging (avoid scraping
// Prometheus from within the same process).
var (
	localFramesIn     uint64
	localFramesOut    uint64
	localMsgRecv      uint64
	localMsgFin       uint64
	localMsgReq       uint64
	localHeartbeats   uint64
	localLiveConns    uint64
	localRdyTotal     uint64
	localReconnectOK  uint64
	localReconnectBad uint64
	localErrors       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesIn         uint64
	FramesOut        uint64
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64
	Heartbeats       uint64
	LiveConnections  uint64
	RdyTotal         uint64
	ReconnectSuccess uint64
	ReconnectFailure uint64
	Errors           uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesIn:         atomic.LoadUint64(&localFramesIn),
		FramesOut:        atomic.LoadUint64(&localFramesOut),
		MessagesReceived: atomic.LoadUint64(&localMsgRecv),
		MessagesFinished: atomic.LoadUint64(&localMsgFin),
		MessagesRequeued: atomic.LoadUint64(&localMsgReq),
		Heartbeats:       atomic.LoadUint64(&localHeartbeats),
		LiveConnections:  atomic.LoadUint64(&localLiveConns),
		RdyTotal:         atomic.LoadUint64(&localRdyTotal),
		ReconnectSuccess: atomic.LoadUint64(&localReconnectOK),
		ReconnectFailure: atomic.LoadUint64(&localReconnectBad),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncFrameIn() {
	FramesIn.Inc()
	atomic.AddUint64(&localFramesIn, 1)
}

func IncFrameOut() {
	FramesOut.Inc()
	atomic.AddUint64(&localFramesOut, 1)
}

func IncMessageReceived() {
	MessagesReceived.Inc()
	atomic.AddUint64(&localMsgRecv, 1)
}

func IncMessageFinished() {
	MessagesFinished.Inc()
	atomic.AddUint64(&localMsgFin, 1)
}

func IncMessageRequeued() {
	MessagesRequeued.Inc()
	atomic.AddUint64(&localMsgReq, 1)
}

func IncHeartbeat() {
	HeartbeatsReceived.Inc()
	atomic.AddUint64(&localHeartbeats, 1)
}

// SetLiveConnections records the current count of tracked connections
// (the client passes its Count, which includes ones awaiting reconnect).
func SetLiveConnections(n int) {
	LiveConnections.Set(float64(n))
	atomic.StoreUint64(&localLiveConns, uint64(n))
}

// SetRdyTotal records the sum of outstanding RDY counts.
func SetRdyTotal(n int) {
	RdyTotal.Set(float64(n))
	atomic.StoreUint64(&localRdyTotal, uint64(n))
}

func IncReconnectSuccess() {
	ReconnectSuccess.Inc()
	atomic.AddUint64(&localReconnectOK, 1)
}

func IncReconnectFailure() {
	ReconnectFailure.Inc()
	atomic.AddUint64(&localReconnectBad, 1)
}

func IncError(kind string) {
	Errors.WithLabelValues(kind).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register known error label series so the first occurrence of
	// each doesn't pay registration latency.
	for _, lbl := range []string{
		ErrDial, ErrIdentify, ErrAuth, ErrTLSUpgrade,
		ErrFrameDecode, ErrFlush, ErrFatalResponse, ErrAck,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
