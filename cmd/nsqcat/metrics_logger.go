package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-nsq-client/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"live_connections", snap.LiveConnections,
					"frames_in", snap.FramesIn,
					"frames_out", snap.FramesOut,
					"messages_received", snap.MessagesReceived,
					"messages_finished", snap.MessagesFinished,
					"messages_requeued", snap.MessagesRequeued,
					"reconnect_success", snap.ReconnectSuccess,
					"reconnect_failure", snap.ReconnectFailure,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
