// Package mdns implements client.DiscoverySource over local-network
// service discovery, for environments without an nsqlookupd deployment.
// Grounded on the teacher's cmd/can-server/mdns.go, which registers a
// service with zeroconf; this package does the complementary half of
// the same library's API, browsing for advertised nsqd instances rather
// than announcing one.
package mdns

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/kstaniek/go-nsq-client/client"
)

// ServiceType is the mDNS service type nsqd instances advertise under,
// matching the convention the teacher used for its own service
// ("_<name>._tcp").
const ServiceType = "_nsqd._tcp"

// Source browses mDNS for nsqd instances advertised under ServiceType.
// Topic filtering is not possible at the mDNS layer (service instances
// don't carry per-topic metadata the way nsqlookupd's /lookup does), so
// Lookup returns every advertised broker regardless of the requested
// topic — callers that need topic-scoped discovery should use
// client.HTTPDiscoverySource against a real nsqlookupd instead.
type Source struct {
	// Timeout bounds a single browse pass. Defaults to 2 seconds.
	Timeout time.Duration
}

// Lookup performs one mDNS browse pass and returns the producers found.
func (s Source) Lookup(ctx context.Context, _ string) ([]client.Producer, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	var producers []client.Producer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			host, port, ok := entryAddr(entry)
			if !ok {
				continue
			}
			producers = append(producers, client.Producer{Host: host, Port: port})
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := resolver.Browse(browseCtx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns: browse: %w", err)
	}
	<-browseCtx.Done()
	close(entries)
	<-done

	return producers, nil
}

// entryAddr extracts a usable (host, port) from a resolved entry,
// preferring the IPv4 address list the same way the teacher's consumer
// of zeroconf.ServiceEntry does not need to (it only registers), but
// that a browsing client must.
func entryAddr(entry *zeroconf.ServiceEntry) (string, int, bool) {
	if entry == nil || entry.Port == 0 {
		return "", 0, false
	}
	port := PortFromText(entry.Text, entry.Port)
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String(), port, true
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String(), port, true
	}
	if entry.HostName != "" {
		return entry.HostName, port, true
	}
	return "", 0, false
}

// PortFromText looks for a "tcp_port=<n>" TXT record entry, falling back
// to the advertised service port when absent. nsqd's own mDNS
// advertisement (if any is configured alongside it, e.g. via avahi) may
// publish its TCP protocol port separately from the service port used
// for the mDNS record itself.
func PortFromText(txt []string, fallback int) int {
	for _, kv := range txt {
		const prefix = "tcp_port="
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			if n, err := strconv.Atoi(kv[len(prefix):]); err == nil {
				return n
			}
		}
	}
	return fallback
}
