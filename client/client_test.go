package client

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-nsq-client/conn"
	"github.com/kstaniek/go-nsq-client/frame"
)

// fakeBroker is a minimal nsqd stand-in: accepts one connection, reads
// MAGIC + IDENTIFY, always replies an opaque OK (pre-negotiation style),
// then lets the test script further frames onto the wire. Grounded on the teacher's TestSmokeServer
// (internal/server/smoke_test.go), which dials a real loopback listener
// and speaks the wire protocol by hand rather than mocking net.Conn.
type fakeBroker struct {
	ln   net.Listener
	addr string
	port int
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &fakeBroker{ln: ln, addr: ln.Addr().String(), port: port}
}

// accept performs the handshake for one client connection and hands the
// raw net.Conn to script for further scripted frames.
func (b *fakeBroker) accept(t *testing.T, script func(net.Conn)) {
	t.Helper()
	go func() {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		magic := make([]byte, 4)
		if _, err := io.ReadFull(c, magic); err != nil || string(magic) != frame.Magic {
			return
		}
		line := make([]byte, len("IDENTIFY\n"))
		if _, err := io.ReadFull(c, line); err != nil {
			return
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(c, lenBuf[:]); err != nil {
			return
		}
		bodyLen := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(c, body); err != nil {
			return
		}
		// Opaque OK response (pre-feature-negotiation style): simplest
		// path to Ready for tests that don't care about max_rdy_count.
		writeFrame(c, frame.TypeResponse, []byte("OK"))
		script(c)
	}()
}

func writeFrame(w io.Writer, ft frame.Type, payload []byte) {
	var head [8]byte
	binary.BigEndian.PutUint32(head[:4], uint32(len(payload)+4))
	binary.BigEndian.PutUint32(head[4:8], uint32(ft))
	w.Write(head[:])
	w.Write(payload)
}

func dialConn(t *testing.T, b *fakeBroker) *conn.Conn {
	t.Helper()
	c, err := conn.New("127.0.0.1", b.port, conn.Config{ConnectTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}
	if err := c.Connect(context.Background(), false); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func TestClient_AddAndRemoveHooks(t *testing.T) {
	var addedN, closedN int
	var mu sync.Mutex
	cl := New(Config{}, Hooks{
		Added:  func(*conn.Conn) { mu.Lock(); addedN++; mu.Unlock() },
		Closed: func(*conn.Conn) { mu.Lock(); closedN++; mu.Unlock() },
	})

	b := newFakeBroker(t)
	b.accept(t, func(net.Conn) {})
	c := dialConn(t, b)

	if got := cl.Add(c); got == nil {
		t.Fatal("expected Add to succeed for a new key")
	}
	if cl.Add(c) != nil {
		t.Fatal("expected second Add for the same key to return nil")
	}
	if cl.Count() != 1 {
		t.Fatalf("expected 1 tracked connection, got %d", cl.Count())
	}

	cl.Remove(c)
	mu.Lock()
	defer mu.Unlock()
	if addedN != 1 || closedN != 1 {
		t.Fatalf("expected exactly one Added and one Closed call, got added=%d closed=%d", addedN, closedN)
	}
	if cl.Count() != 0 {
		t.Fatalf("expected 0 tracked connections after remove, got %d", cl.Count())
	}
}

// TestClient_HeartbeatAutoReply is §8 scenario 2.
func TestClient_HeartbeatAutoReply(t *testing.T) {
	b := newFakeBroker(t)
	nopSeen := make(chan struct{}, 1)
	b.accept(t, func(c net.Conn) {
		writeFrame(c, frame.TypeResponse, []byte(frame.HeartbeatPayload))
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err == nil && string(buf) == "NOP\n" {
			select {
			case nopSeen <- struct{}{}:
			default:
			}
		}
	})

	cl := New(Config{Timeout: 20 * time.Millisecond}, Hooks{})
	c := dialConn(t, b)
	cl.Add(c)

	deadline := time.Now().Add(2 * time.Second)
	var surfaced []Surfaced
	for time.Now().Before(deadline) {
		out, err := cl.Read(context.Background())
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		surfaced = append(surfaced, out...)
		select {
		case <-nopSeen:
			goto done
		default:
		}
	}
done:
	if len(surfaced) != 0 {
		t.Fatalf("expected heartbeat to be consumed, not surfaced; got %d frames", len(surfaced))
	}
	select {
	case <-nopSeen:
	default:
		t.Fatal("broker never observed a NOP written in reply to the heartbeat")
	}
}

// TestClient_FatalVsNonFatalError is §8 scenario 3.
func TestClient_FatalVsNonFatalError(t *testing.T) {
	b := newFakeBroker(t)
	b.accept(t, func(c net.Conn) {
		writeFrame(c, frame.TypeError, []byte("E_FIN_FAILED foo"))
		time.Sleep(30 * time.Millisecond)
		writeFrame(c, frame.TypeError, []byte("E_INVALID foo"))
	})

	cl := New(Config{Timeout: 10 * time.Millisecond}, Hooks{})
	c := dialConn(t, b)
	cl.Add(c)

	var errs []*frame.Error
	deadline := time.Now().Add(2 * time.Second)
	for len(errs) < 2 && time.Now().Before(deadline) {
		out, err := cl.Read(context.Background())
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		for _, s := range out {
			if s.Frame.Error != nil {
				errs = append(errs, s.Frame.Error)
			}
		}
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 surfaced errors, got %d", len(errs))
	}
	if errs[0].Code() != "E_FIN_FAILED" || errs[1].Code() != "E_INVALID" {
		t.Fatalf("unexpected error order/codes: %+v %+v", errs[0], errs[1])
	}

	// Non-fatal: connection must still be tracked and Ready.
	if c.State() != conn.Ready {
		t.Fatalf("expected connection to stay Ready after E_FIN_FAILED, got %v", c.State())
	}

	// Wait for the fatal error to close the connection.
	deadline = time.Now().Add(2 * time.Second)
	for c.State() == conn.Ready && time.Now().Before(deadline) {
		if _, err := cl.Read(context.Background()); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if c.State() == conn.Ready {
		t.Fatal("expected connection to close after E_INVALID")
	}
}
