//go:build !linux

package netutil

import (
	"net"
	"time"
)

// TuneConn applies the portable subset of NSQ connection tuning on
// non-Linux platforms: TCP_NODELAY and SO_KEEPALIVE via the standard
// library. TCP_USER_TIMEOUT has no portable equivalent and is skipped.
func TuneConn(conn net.Conn, keepAlive time.Duration) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetNoDelay(true)
	if keepAlive > 0 {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlive)
	}
}
