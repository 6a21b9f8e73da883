package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Producer is a broker address yielded by a DiscoverySource. Fields
// beyond Host/Port (remote_address, hostname, etc.) are deliberately
// ignored by the core, matching the open-question note in spec §9.
type Producer struct {
	Host string
	Port int
}

// DiscoverySource yields the current set of broker producers for a
// topic. HTTP administrative clients are out of scope for this module
// (§1); only the interface and a couple of concrete, minimal
// implementations live here.
type DiscoverySource interface {
	Lookup(ctx context.Context, topic string) ([]Producer, error)
}

// StaticSource always returns the same fixed set of addresses,
// independent of topic. Config.StaticAddresses is handled separately by
// CheckConnections and does not go through a StaticSource.
type StaticSource struct {
	Producers []Producer
}

func (s StaticSource) Lookup(context.Context, string) ([]Producer, error) {
	return s.Producers, nil
}

// lookupResponse mirrors nsqlookupd's /lookup JSON shape: {"producers":
// [{"broadcast_address": "...", "tcp_port": N, ...}, ...]}. Only
// broadcast_address/tcp_port are read; everything else is ignored.
type lookupResponse struct {
	Producers []struct {
		BroadcastAddress string `json:"broadcast_address"`
		TCPPort          int    `json:"tcp_port"`
	} `json:"producers"`
}

// HTTPDiscoverySource polls one or more nsqlookupd HTTP addresses and
// merges their producer lists, de-duplicating by (host, port) — the
// dlecocq/nsq-py original's nsqlookupd client does the same merge-and-dedup
// across multiple lookupd URLs; spec.md's §4.4 "collect pairs from all
// sources" implies it without spelling out the dedup step.
type HTTPDiscoverySource struct {
	Addresses []string // each a base URL, e.g. "http://127.0.0.1:4161"
	Client    *http.Client
}

func (s HTTPDiscoverySource) Lookup(ctx context.Context, topic string) ([]Producer, error) {
	httpClient := s.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	seen := make(map[Producer]struct{})
	var out []Producer
	for _, addr := range s.Addresses {
		prods, err := s.lookupOne(ctx, httpClient, addr, topic)
		if err != nil {
			// Per §4.4: ignore per-source failures, keep going.
			continue
		}
		for _, p := range prods {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}

func (s HTTPDiscoverySource) lookupOne(ctx context.Context, httpClient *http.Client, addr, topic string) ([]Producer, error) {
	query := url.Values{"topic": {topic}}.Encode()
	reqURL := fmt.Sprintf("%s/lookup?%s", addr, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: lookup %s: status %d", addr, resp.StatusCode)
	}
	var lr lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, err
	}
	out := make([]Producer, 0, len(lr.Producers))
	for _, p := range lr.Producers {
		out = append(out, Producer{Host: p.BroadcastAddress, Port: p.TCPPort})
	}
	return out, nil
}
