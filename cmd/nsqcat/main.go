// Command nsqcat is a minimal NSQ tail utility: it subscribes to a
// topic/channel and prints each message body to stdout, FIN-ing it
// immediately. It doubles as a reference wiring of every package in
// this module — discovery, backoff, connection management, and RDY
// distribution — the way cmd/can-server exercises every internal
// package of its own repo.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-nsq-client/client"
	"github.com/kstaniek/go-nsq-client/consumer"
	"github.com/kstaniek/go-nsq-client/discovery/mdns"
	"github.com/kstaniek/go-nsq-client/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const checkConnectionsInterval = 15 * time.Second

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("nsqcat %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	var sources []client.DiscoverySource
	if cfg.lookupdAddrs != "" {
		sources = append(sources, client.HTTPDiscoverySource{Addresses: addrList(cfg.lookupdAddrs)})
	}
	if cfg.mdnsEnable {
		sources = append(sources, mdns.Source{})
	}

	co := consumer.New(consumer.Config{
		Config: client.Config{
			ConnectTimeout:   cfg.connTimeout,
			Timeout:          cfg.ioTimeout,
			StaticAddresses:  addrList(cfg.nsqdAddrs),
			DiscoverySources: sources,
			Topic:            cfg.topic,
			Logger:           l,
		},
		Channel:     cfg.channel,
		MaxInFlight: cfg.maxInFlight,
	})

	co.Client().CheckConnections(ctx)
	checker := client.NewPeriodicChecker(checkConnectionsInterval, func(cctx context.Context) {
		co.Client().CheckConnections(cctx)
	}, l)
	checker.Start(ctx)

	metrics.SetReadinessFunc(func() bool { return co.Client().Count() > 0 })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		co.Loop(ctx, cfg.ioTimeout)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case msg, ok := <-co.Messages():
				if !ok {
					return
				}
				fmt.Printf("%s\n", msg.Body)
				if err := msg.Fin(); err != nil {
					l.Warn("fin_failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	checker.Stop()
	co.Stop()
	cancel()
	wg.Wait()
}
