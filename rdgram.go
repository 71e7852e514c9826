// Package rdgram provides ordered, complete, at-least-once delivery of
// logical messages between peers over an unreliable datagram transport that
// may drop, duplicate or reorder datagrams, and whose maximum datagram size
// is not known in advance and may shrink at any time.
//
// Each remote peer gets a channel. A channel numbers every datagram it emits
// with a 32 bit sequence number starting from 0, keeps each emitted datagram
// until the peer confirms it, and reassembles inbound datagrams into logical
// messages delivered strictly in order to the upper layer.
//
// Every datagram carries one frame. The first byte holds the frame kind in
// its two high bits and, for data-bearing frames, a caller supplied message
// type (0-63) in the remaining six bits. All integers are big-endian.
//
// A message that fits one datagram is sent as a single data frame:
//
//       ---------------------------------------------
//      |  00|type(1)  |  seq(4)  |  payload (...)  |
//       ---------------------------------------------
//
// A larger message starts with a data frame declaring the total length,
// followed by as many continuation frames as needed:
//
//       ------------------------------------------------------------
//      |  01|type(1)  |  seq(4)  |  total length(2)  |  chunk (...)  |
//       ------------------------------------------------------------
//
//       -----------------------------------------
//      |  10000000  |  seq(4)  |  chunk (...)  |
//       -----------------------------------------
//
// Acknowledgment frames are sent periodically by the receiver. The window
// base is the lowest sequence number not yet received; bit i of the mask
// (least significant first) is set when base+i has been received.
//
//       ---------------------------------------
//      |  11000000  |  base(4)  |  mask(4)  |
//       ---------------------------------------
//
// The sender drops every cached frame below the base, drops frames whose
// bit is set and resends frames whose bit is clear. When the transport
// reports that a datagram is too large, the channel halves its MTU and
// retries.
package rdgram

import (
	"errors"

	"github.com/getlantern/golog"
)

// MaxDatagramSize is the largest UDP payload over IPv4 and the MTU every
// channel starts with.
const MaxDatagramSize = 65507

// MaxMessageSize is the largest logical message. Multi-frame messages declare
// their length in two bytes.
const MaxMessageSize = 0xFFFF

// MaxMessageType is the largest message type that fits the frame header.
const MaxMessageType = 0x3F

var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrDatagramTooLarge   = errors.New("datagram too large")
	ErrMTUExhausted       = errors.New("mtu exhausted")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrClosed             = errors.New("closed channel")
	ErrStalled            = errors.New("delivery stalled")
	ErrTooManyChannels    = errors.New("too many channels")
	ErrSendDeferred       = errors.New("message queued, transmission deferred")
	log                   = golog.LoggerFor("rdgram")
)

// Transport sends opaque datagrams to peers. SendDatagram must return an
// error wrapping ErrDatagramTooLarge when the datagram exceeds what the path
// can carry. Implementations must not retain b after returning.
type Transport interface {
	SendDatagram(peer string, b []byte) error
}

// Dispatcher consumes reassembled messages. Deliver is called for one
// message at a time per channel, in order.
type Dispatcher interface {
	Deliver(peer string, messageType uint8, payload []byte) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(peer string, messageType uint8, payload []byte) error

func (f DispatcherFunc) Deliver(peer string, messageType uint8, payload []byte) error {
	return f(peer, messageType, payload)
}
