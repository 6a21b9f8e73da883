package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Codec encodes outbound commands and decodes inbound frames. Stateless
// and safe for concurrent use, mirroring the teacher's cnl.Codec.
type Codec struct{}

// ErrNestedSequence names the nested-sequence rejection; the wire format
// has no way to represent a sequence of sequences. PackSequence never
// returns it, because its [][]byte parameter cannot hold one.
var ErrNestedSequence = errors.New("frame: nested sequences are not supported")

// ErrUnknownFrameType is returned by Decode for a frameType outside
// {RESPONSE, ERROR, MESSAGE}.
var ErrUnknownFrameType = errors.New("frame: unknown frame type")

// ErrTruncated is returned when the underlying reader ends mid-frame.
var ErrTruncated = errors.New("frame: truncated frame")

// Pack length-prefixes a single byte string: [int32 len][bytes].
func (Codec) Pack(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out[:4], uint32(len(b)))
	copy(out[4:], b)
	return out
}

// PackSequence length-prefixes a concatenation of raw elements preceded
// by a 4-byte count: [int32 total_len][int32 count]([int32 len][bytes])×N.
// Used to build MPUB bodies. Elements are plain byte strings, not
// themselves packed sequences — the [][]byte signature makes a nested
// sequence unrepresentable, which is how ErrNestedSequence's Python
// counterpart ("pack a list of lists") is rejected here: by the type
// system rather than a runtime check.
func (Codec) PackSequence(elements [][]byte) ([]byte, error) {
	var body bytes.Buffer
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(elements)))
	body.Write(countBuf[:])
	for _, el := range elements {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(el)))
		body.Write(lenBuf[:])
		body.Write(el)
	}
	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

// command verbs.
const (
	verbIdentify = "IDENTIFY"
	verbAuth     = "AUTH"
	verbSub      = "SUB"
	verbPub      = "PUB"
	verbMPub     = "MPUB"
	verbRdy      = "RDY"
	verbFin      = "FIN"
	verbReq      = "REQ"
	verbTouch    = "TOUCH"
	verbCls      = "CLS"
	verbNop      = "NOP"
)

// Simple verbs with no arguments and no body.
func (Codec) Nop() []byte { return []byte(verbNop + "\n") }
func (Codec) Cls() []byte { return []byte(verbCls + "\n") }

// Sub builds `SUB <topic> <channel>\n`.
func (Codec) Sub(topic, channel string) []byte {
	return []byte(fmt.Sprintf("%s %s %s\n", verbSub, topic, channel))
}

// Rdy builds `RDY <n>\n`.
func (Codec) Rdy(n int) []byte {
	return []byte(fmt.Sprintf("%s %d\n", verbRdy, n))
}

// Fin builds `FIN <id>\n`.
func (Codec) Fin(id MessageID) []byte {
	return []byte(fmt.Sprintf("%s %s\n", verbFin, id))
}

// Req builds `REQ <id> <timeout>\n`.
func (Codec) Req(id MessageID, timeoutMillis int) []byte {
	return []byte(fmt.Sprintf("%s %s %d\n", verbReq, id, timeoutMillis))
}

// Touch builds `TOUCH <id>\n`.
func (Codec) Touch(id MessageID) []byte {
	return []byte(fmt.Sprintf("%s %s\n", verbTouch, id))
}

// Identify builds `IDENTIFY\n` followed by a length-prefixed JSON body.
func (c Codec) Identify(body []byte) []byte {
	return append([]byte(verbIdentify+"\n"), c.Pack(body)...)
}

// Auth builds `AUTH\n` followed by a length-prefixed body.
func (c Codec) Auth(secret []byte) []byte {
	return append([]byte(verbAuth+"\n"), c.Pack(secret)...)
}

// Pub builds `PUB <topic>\n` followed by a length-prefixed body.
func (c Codec) Pub(topic string, body []byte) []byte {
	return append([]byte(fmt.Sprintf("%s %s\n", verbPub, topic)), c.Pack(body)...)
}

// MPub builds `MPUB <topic>\n` followed by a length-prefixed sequence of
// message bodies.
func (c Codec) MPub(topic string, bodies [][]byte) ([]byte, error) {
	seq, err := c.PackSequence(bodies)
	if err != nil {
		return nil, err
	}
	return append([]byte(fmt.Sprintf("%s %s\n", verbMPub, topic)), seq...), nil
}

// frameHeaderLen is the 4-byte size prefix plus the 4-byte frame type.
const frameHeaderLen = 8

// Decode reads exactly one frame from r: [int32 size][int32 type][size-4
// bytes payload]. Returns io.EOF if called cleanly at a frame boundary
// with nothing more available.
func (Codec) Decode(r io.Reader) (Type, []byte, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:4]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(head[:4])
	if size < 4 {
		return 0, nil, fmt.Errorf("frame: invalid size %d", size)
	}
	if _, err := io.ReadFull(r, head[4:8]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fmt.Errorf("frame decode type: %w", ErrTruncated)
	}
	ft := Type(binary.BigEndian.Uint32(head[4:8]))
	payloadLen := int(size) - 4
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("frame decode payload: %w", ErrTruncated)
		}
	}
	switch ft {
	case TypeResponse, TypeError, TypeMessage:
		return ft, payload, nil
	default:
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, ft)
	}
}

// Buffer incrementally accumulates bytes read off a non-blocking socket
// and yields complete frames, retaining any partial remainder. Mirrors
// cnl.Codec.DecodeN's "pull zero or more complete frames, keep the rest"
// contract, adapted to a length-prefixed-header-plus-type wire format
// instead of cannelloni's flat frame stream.
type Buffer struct {
	buf bytes.Buffer
}

// Feed appends newly read bytes.
func (b *Buffer) Feed(p []byte) { b.buf.Write(p) }

// Frame is a fully decoded wire frame paired with its type.
type Frame struct {
	Type    Type
	Payload []byte
}

// Drain pulls every complete frame currently buffered, leaving any
// trailing partial frame in place for the next Feed.
func (b *Buffer) Drain() ([]Frame, error) {
	var out []Frame
	for {
		data := b.buf.Bytes()
		if len(data) < frameHeaderLen {
			return out, nil
		}
		size := binary.BigEndian.Uint32(data[:4])
		if size < 4 {
			return out, fmt.Errorf("frame: invalid size %d", size)
		}
		total := 4 + int(size)
		if len(data) < total {
			return out, nil // incomplete; wait for more bytes
		}
		ft := Type(binary.BigEndian.Uint32(data[4:8]))
		payload := make([]byte, total-frameHeaderLen)
		copy(payload, data[frameHeaderLen:total])
		b.buf.Next(total)
		switch ft {
		case TypeResponse, TypeError, TypeMessage:
			out = append(out, Frame{Type: ft, Payload: payload})
		default:
			return out, fmt.Errorf("%w: %d", ErrUnknownFrameType, ft)
		}
	}
}

// Len reports the number of buffered-but-undrained bytes.
func (b *Buffer) Len() int { return b.buf.Len() }
