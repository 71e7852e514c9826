package rdgram

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

const (
	dropDuplicate   = "duplicate"
	dropOutOfWindow = "out_of_window"
	dropNoChannel   = "too_many_channels"
	ackWindowBits   = 32
)

// inputState is guarded by Channel.muInput.
//
// contiguous is the lowest sequence number not received yet and only sizes
// acknowledgment windows. delivery is the first frame of the next message to
// hand to the dispatcher; it never passes contiguous.
type inputState struct {
	pending    map[uint32]frame
	contiguous uint32
	delivery   uint32
	// delivering is set while one goroutine drains messages to the
	// dispatcher with the lock released.
	delivering   bool
	lastProgress time.Time
}

type message struct {
	messageType uint8
	payload     []byte
}

func newInputState(now time.Time) inputState {
	return inputState{pending: make(map[uint32]frame), lastProgress: now}
}

// insert buffers f unless it was seen before or lies beyond the window.
// It returns the reason when f is dropped.
func (in *inputState) insert(f frame, window int, now time.Time) string {
	if seqBefore(f.seq, in.contiguous) {
		return dropDuplicate
	}
	if _, found := in.pending[f.seq]; found {
		return dropDuplicate
	}
	if !seqBefore(f.seq, in.delivery+uint32(window)) {
		return dropOutOfWindow
	}
	if len(in.pending) == 0 {
		in.lastProgress = now
	}
	in.pending[f.seq] = f
	for {
		if _, found := in.pending[in.contiguous]; !found {
			break
		}
		in.contiguous++
	}
	return ""
}

// next reassembles the message starting at the delivery watermark. It
// returns the number of frames the message spans, or 0 when frames are still
// missing.
func (in *inputState) next() (message, uint32, error) {
	head, found := in.pending[in.delivery]
	if !found {
		return message{}, 0, nil
	}
	switch head.kind {
	case kindSingleData:
		return message{head.messageType, head.payload}, 1, nil
	case kindData:
	default:
		return message{}, 0, fmt.Errorf("%w: %v frame# %d starts a message", ErrMalformedFrame, head.kind, head.seq)
	}

	total := int(head.total)
	received := len(head.payload)
	n := uint32(1)
	for ; received < total; n++ {
		f, found := in.pending[in.delivery+n]
		if !found {
			return message{}, 0, nil
		}
		if f.kind != kindContinueData {
			return message{}, 0, fmt.Errorf("%w: %v frame# %d inside message at frame# %d", ErrMalformedFrame, f.kind, f.seq, head.seq)
		}
		received += len(f.payload)
		if received > total {
			return message{}, 0, fmt.Errorf("%w: message at frame# %d exceeds its declared %d bytes", ErrMalformedFrame, head.seq, total)
		}
	}
	if n == 1 {
		return message{head.messageType, head.payload}, 1, nil
	}
	payload := make([]byte, 0, total)
	for i := uint32(0); i < n; i++ {
		payload = append(payload, in.pending[in.delivery+i].payload...)
	}
	return message{head.messageType, payload}, n, nil
}

func (in *inputState) consume(n uint32, now time.Time) {
	for i := uint32(0); i < n; i++ {
		delete(in.pending, in.delivery)
		in.delivery++
	}
	in.lastProgress = now
}

// ackWindow reports which of the 32 frames from the contiguous watermark on
// have been received.
func (in *inputState) ackWindow() (base uint32, mask uint32) {
	base = in.contiguous
	for i := uint32(0); i < ackWindowBits; i++ {
		if _, found := in.pending[base+i]; found {
			mask |= 1 << i
		}
	}
	return base, mask
}

func (in *inputState) stalled(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && len(in.pending) > 0 && now.Sub(in.lastProgress) >= timeout
}

// OnFrame processes one inbound datagram from the peer. Reassembled messages
// are handed to the dispatcher before OnFrame returns, unless another
// goroutine is already delivering for this channel, in which case that
// goroutine picks them up.
func (c *Channel) OnFrame(b []byte) error {
	if c.closed() {
		return ErrClosed
	}
	f, err := decodeFrame(b)
	if err != nil {
		malformed.Inc()
		return err
	}
	recordFrameReceived(f.kind)
	if f.kind == kindAck {
		log.Tracef("%v: got ack base %d mask %032b", c, f.seq, f.mask)
		return c.onAck(f.seq, f.mask)
	}
	// the transport may reuse b
	f.payload = append([]byte(nil), f.payload...)

	c.muInput.Lock()
	if reason := c.in.insert(f, c.cfg.MaxPendingFrames, c.clock.Now()); reason != "" {
		c.muInput.Unlock()
		if reason == dropDuplicate {
			duplicates.Inc()
		} else {
			recordDropped(reason)
		}
		log.Tracef("%v: dropped %v frame# %d: %v", c, f.kind, f.seq, reason)
		return nil
	}
	log.Tracef("%v: got %v frame# %d", c, f.kind, f.seq)
	if c.in.delivering {
		c.muInput.Unlock()
		return nil
	}
	return c.drain()
}

// drain delivers every complete message at the delivery watermark. It is
// called with muInput held and returns with it released.
func (c *Channel) drain() error {
	c.in.delivering = true
	var errs error
	for {
		msg, n, err := c.in.next()
		if err != nil {
			malformed.Inc()
			errs = multierr.Append(errs, err)
			break
		}
		if n == 0 {
			break
		}
		c.in.consume(n, c.clock.Now())
		c.muInput.Unlock()

		messagesDelivered.Inc()
		if err := c.dispatcher.Deliver(c.peer, msg.messageType, msg.payload); err != nil {
			log.Errorf("%v: dispatcher failed on message type %d: %v", c, msg.messageType, err)
			errs = multierr.Append(errs, fmt.Errorf("deliver message type %d: %w", msg.messageType, err))
		}

		c.muInput.Lock()
	}
	c.in.delivering = false
	c.muInput.Unlock()
	return errs
}
