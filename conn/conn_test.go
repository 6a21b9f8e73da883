package conn

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-nsq-client/backoff"
	"github.com/kstaniek/go-nsq-client/frame"
)

// fakeConn is a minimal net.Conn whose Write can be scripted to report a
// retryable want-write error without consuming any bytes, exercising the
// §4.3 / §8 scenario 6 flush-retry invariant without a real socket.
type fakeConn struct {
	net.Conn
	writes    [][]byte
	wantRetry bool
	failOnce  bool
	readBuf   bytes.Buffer
}

var errWantWrite = errors.New("fake: want write")

func (f *fakeConn) Write(b []byte) (int, error) {
	if f.failOnce {
		f.failOnce = false
		return 0, errWantWrite
	}
	cp := append([]byte(nil), b...)
	f.writes = append(f.writes, cp)
	return len(b), nil
}

func (f *fakeConn) Read(b []byte) (int, error)      { return f.readBuf.Read(b) }
func (f *fakeConn) Close() error                    { return nil }
func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) WantsRetry(err error) bool { return f.wantRetry && errors.Is(err, errWantWrite) }

func newTestConn(t *testing.T, fc *fakeConn) *Conn {
	t.Helper()
	c, err := New("broker.local", 4150, Config{}, backoff.Constant(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.stream = fc
	c.retryable = fc
	c.state = Ready
	return c
}

// TestFlush_WantWriteRetainsIdenticalBuffer is §8 scenario 6: given
// pending "123", a write reporting want-write must leave outBuffer=="123"
// and the next flush must present that same buffer before any further
// pending bytes.
func TestFlush_WantWriteRetainsIdenticalBuffer(t *testing.T) {
	fc := &fakeConn{wantRetry: true, failOnce: true}
	c := newTestConn(t, fc)

	if err := c.Send([]byte("123"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send([]byte("456"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}

	n, err := c.Flush()
	if err != nil {
		t.Fatalf("Flush (want-write): %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes written on want-write, got %d", n)
	}
	if !bytes.Equal(c.outBuffer, []byte("123")) {
		t.Fatalf("outBuffer = %q, want %q", c.outBuffer, "123")
	}

	n, err = c.Flush()
	if err != nil {
		t.Fatalf("Flush (retry): %v", err)
	}
	if n != 3 || len(fc.writes) != 1 || !bytes.Equal(fc.writes[0], []byte("123")) {
		t.Fatalf("expected retry flush to present %q byte-identical, got writes=%v n=%d", "123", fc.writes, n)
	}

	// Now the next pending chunk flushes normally.
	if _, err := c.Flush(); err != nil {
		t.Fatalf("Flush (next pending): %v", err)
	}
	if len(fc.writes) != 2 || !bytes.Equal(fc.writes[1], []byte("456")) {
		t.Fatalf("expected second chunk to flush after retry resolved, got %v", fc.writes)
	}
}

func TestFlush_OrdinaryWriteDrainsBuffer(t *testing.T) {
	fc := &fakeConn{}
	c := newTestConn(t, fc)
	if err := c.Send([]byte("hello"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	n, err := c.Flush()
	if err != nil || n != 5 {
		t.Fatalf("Flush: n=%d err=%v", n, err)
	}
	if c.outBuffer != nil {
		t.Fatalf("expected outBuffer drained, got %q", c.outBuffer)
	}
}

func TestConn_RdyAccountingAndRedistributionTrigger(t *testing.T) {
	fc := &fakeConn{}
	c := newTestConn(t, fc)
	if err := c.Rdy(4); err != nil {
		t.Fatalf("Rdy: %v", err)
	}
	if c.LastReadySent() != 4 || c.RemainingReady() != 4 {
		t.Fatalf("expected lastReady=ready=4, got %d/%d", c.LastReadySent(), c.RemainingReady())
	}

	// Feed 3 MESSAGE frames into the inbound buffer and Read them.
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		buf.Write(encodeMessageFrame(t, byte(i+1)))
	}
	fc.readBuf.Write(buf.Bytes())

	frames, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if c.RemainingReady() != 1 {
		t.Fatalf("expected remaining ready 1, got %d", c.RemainingReady())
	}
	if !c.NeedsRedistribution() {
		t.Fatal("ready=1 of lastReady=4 (25%) should trigger redistribution")
	}
}

func encodeMessageFrame(t *testing.T, idByte byte) []byte {
	t.Helper()
	var payload bytes.Buffer
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], 123456789)
	payload.Write(ts[:])
	var attempts [2]byte
	binary.BigEndian.PutUint16(attempts[:], 1)
	payload.Write(attempts[:])
	id := bytes.Repeat([]byte{idByte}, 16)
	payload.Write(id)
	payload.WriteString("body")

	var head [8]byte
	binary.BigEndian.PutUint32(head[:4], uint32(payload.Len()+4))
	binary.BigEndian.PutUint32(head[4:8], uint32(frame.TypeMessage))
	return append(head[:], payload.Bytes()...)
}

func TestConn_StringFormat(t *testing.T) {
	fc := &fakeConn{}
	c := newTestConn(t, fc)
	s := c.String()
	if want := "<Connection broker.local:4150 (alive on FD 0)>"; s != want {
		t.Fatalf("String() = %q, want %q", s, want)
	}
}

func TestNew_RejectsUnsupportedFeatures(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"tls without transform", Config{Identify: IdentifyOptions{TLSv1: true}}},
		{"snappy", Config{Identify: IdentifyOptions{Snappy: true}}},
		{"deflate", Config{Identify: IdentifyOptions{Deflate: true}}},
		{"snappy and deflate", Config{Identify: IdentifyOptions{Snappy: true, Deflate: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New("h", 1, tc.cfg, nil); !errors.Is(err, ErrUnsupportedFeature) {
				t.Fatalf("expected ErrUnsupportedFeature, got %v", err)
			}
		})
	}
}

func TestParseIdentifyResponse_OpaqueOK(t *testing.T) {
	if _, ok := parseIdentifyResponse([]byte("OK")); ok {
		t.Fatal("expected non-JSON payload to be treated as opaque OK")
	}
	body, _ := json.Marshal(identifyResponse{MaxRdyCount: 2500})
	ir, ok := parseIdentifyResponse(body)
	if !ok || ir.MaxRdyCount != 2500 {
		t.Fatalf("expected parsed identify response, got %+v ok=%v", ir, ok)
	}
}
