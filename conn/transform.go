package conn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// StreamTransform wraps an established byte stream, e.g. to add TLS or a
// compression layer. §3 calls this out as a pluggable secure-wrap rather
// than something the Connection implements itself.
type StreamTransform interface {
	// Wrap upgrades conn in place, returning the wrapped stream to use for
	// all subsequent I/O.
	Wrap(conn net.Conn) (net.Conn, error)
	// Name identifies the transform for IDENTIFY negotiation ("tls_v1",
	// "snappy", "deflate").
	Name() string
}

// ErrUnsupportedFeature is returned at construction time (never deferred
// to connect-time) when a requested feature has no available transform,
// or when snappy and deflate are both requested.
var ErrUnsupportedFeature = errors.New("conn: unsupported feature")

// TLSTransform upgrades the connection to TLS using Config (which may be
// nil, in which case a tls.Config with only MinVersion set to TLS 1.2 is
// used — callers needing certificate pinning or custom verification
// should supply their own).
type TLSTransform struct {
	Config *tls.Config
}

func (t *TLSTransform) Name() string { return "tls_v1" }

func (t *TLSTransform) Wrap(c net.Conn) (net.Conn, error) {
	cfg := t.Config
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tc := tls.Client(c, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("conn: tls handshake: %w", err)
	}
	return tc, nil
}
