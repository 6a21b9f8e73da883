//go:build linux

// Package netutil applies NSQ-connection-appropriate socket tuning:
// TCP_NODELAY (NSQ frames are small and latency-sensitive), SO_KEEPALIVE,
// and where the platform supports it, TCP_USER_TIMEOUT so a half-dead
// peer is detected faster than the kernel's default retransmit timeout.
// Grounded on the teacher's internal/server.acceptLoop TCP tuning
// (SetNoDelay/SetKeepAlive/SetKeepAlivePeriod) and internal/socketcan's
// direct golang.org/x/sys/unix syscall usage for options the standard
// library doesn't expose.
package netutil

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// TuneConn applies NSQ connection defaults to conn if it is a *net.TCPConn.
// Non-TCP connections (e.g. in tests) are left untouched.
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
	_ = setUserTimeout(tcp, keepAlive*3)
}

// setUserTimeout sets TCP_USER_TIMEOUT via the raw file descriptor: the
// duration after which unacknowledged data causes the connection to be
// dropped, bounding how long a write can block on a half-dead peer.
// Unsupported platforms (no unix.TCP_USER_TIMEOUT) silently no-op.
func setUserTimeout(tcp *net.TCPConn, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return err
	}
	ms := int(d / time.Millisecond)
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
	})
	if err != nil {
		return err
	}
	return sockErr
}
