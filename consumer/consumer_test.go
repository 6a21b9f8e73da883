package consumer

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/kstaniek/go-nsq-client/client"
)

// fakeBroker is a minimal nsqd stand-in, grounded the same way
// client_test.go's fakeBroker is: a real loopback listener speaking the
// wire protocol by hand, following the teacher's TestSmokeServer style
// of integration testing over mocked interfaces.
type fakeBroker struct {
	ln   net.Listener
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
	return &fakeBroker{ln: ln, port: port}
}

// accept consumes MAGIC + IDENTIFY, replies an opaque OK, reads the
// following SUB and RDY lines off the wire (handing them to onSub and
// onRdy), then writes a single MESSAGE frame.
func (b *fakeBroker) accept(t *testing.T, onSub, onRdy func(string)) {
	t.Helper()
	go func() {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		magic := make([]byte, 4)
		if _, err := io.ReadFull(c, magic); err != nil {
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
		writeFrame(c, 0, []byte("OK"))

		r := bufio.NewReader(c)
		sub, err := r.ReadString('\n')
		if err != nil {
			return
		}
		onSub(sub)
		rdy, err := r.ReadString('\n')
		if err != nil {
			return
		}
		onRdy(rdy)

		writeFrame(c, 2, messagePayload("msg-one", "hello"))
	}()
}

func writeFrame(w io.Writer, ft uint32, payload []byte) {
	var head [8]byte
	binary.BigEndian.PutUint32(head[:4], uint32(len(payload)+4))
	binary.BigEndian.PutUint32(head[4:8], ft)
	w.Write(head[:])
	w.Write(payload)
}

func messagePayload(id, body string) []byte {
	var idBuf [16]byte
	copy(idBuf[:], id)
	out := make([]byte, 0, 10+16+len(body))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], 1)
	out = append(out, ts[:]...)
	var attempts [2]byte
	binary.BigEndian.PutUint16(attempts[:], 1)
	out = append(out, attempts[:]...)
	out = append(out, idBuf[:]...)
	out = append(out, []byte(body)...)
	return out
}

// TestConsumer_SubAndInitialRdyOnAdd verifies §4.5's onAdded contract: a
// newly added connection issues SUB then an initial RDY 1.
func TestConsumer_SubAndInitialRdyOnAdd(t *testing.T) {
	b := newFakeBroker(t)
	subCh := make(chan string, 1)
	rdyCh := make(chan string, 1)
	b.accept(t, func(s string) { subCh <- s }, func(s string) { rdyCh <- s })

	co := New(Config{
		Config: client.Config{
			ConnectTimeout:  time.Second,
			Timeout:         10 * time.Millisecond,
			StaticAddresses: []string{"127.0.0.1:" + strconv.Itoa(b.port)},
			Topic:           "events",
		},
		Channel:     "workers",
		MaxInFlight: 10,
	})
	defer co.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	co.Client().CheckConnections(ctx)

	// SUB and RDY are enqueued non-blocking by onAdded; they only reach
	// the wire on Client.Read's per-pass flush, so drive Run until the
	// fake broker observes both lines.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := co.Run(ctx); err != nil {
				return
			}
		}
	}()

	select {
	case sub := <-subCh:
		if sub != "SUB events workers\n" {
			t.Fatalf("unexpected SUB line: %q", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SUB")
	}
	select {
	case rdy := <-rdyCh:
		if rdy != "RDY 1\n" {
			t.Fatalf("unexpected initial RDY line: %q", rdy)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial RDY")
	}
}

// TestConsumer_DeliversMessage verifies a MESSAGE frame surfaced by Run
// reaches the Messages channel with its body intact.
func TestConsumer_DeliversMessage(t *testing.T) {
	b := newFakeBroker(t)
	b.accept(t, func(string) {}, func(string) {})

	co := New(Config{
		Config: client.Config{
			ConnectTimeout:  time.Second,
			Timeout:         10 * time.Millisecond,
			StaticAddresses: []string{"127.0.0.1:" + strconv.Itoa(b.port)},
			Topic:           "events",
		},
		Channel:     "workers",
		MaxInFlight: 10,
	})
	defer co.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	co.Client().CheckConnections(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := co.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}
		select {
		case msg := <-co.Messages():
			if string(msg.Body) != "hello" {
				t.Fatalf("unexpected message body: %q", msg.Body)
			}
			return
		default:
		}
	}
	t.Fatal("timed out waiting for delivered message")
}
