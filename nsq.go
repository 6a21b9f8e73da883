// Package nsqclient is a Go client library for NSQ, the distributed
// realtime messaging platform. It speaks the NSQ V2 wire protocol
// directly over TCP and provides connection pooling, lookupd/mDNS
// discovery, exponential backoff, and RDY-based flow control across
// one or more nsqd connections.
//
// See the client, conn, consumer, and frame packages for the pieces
// that make up the library; this file only carries the module-level
// doc comment and a handful of re-exported wire constants convenient
// to reference without importing frame directly.
package nsqclient

import "github.com/kstaniek/go-nsq-client/frame"

// Magic is the four bytes written once per connection, immediately
// after dial, before any command.
const Magic = frame.Magic

// Frame types as sent by nsqd after the 4-byte size prefix.
const (
	FrameTypeResponse = frame.TypeResponse
	FrameTypeError    = frame.TypeError
	FrameTypeMessage  = frame.TypeMessage
)

// HeartbeatPayload is the RESPONSE payload nsqd sends in lieu of
// traffic; clients must reply NOP.
const HeartbeatPayload = frame.HeartbeatPayload
