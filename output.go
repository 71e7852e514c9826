package rdgram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/ema"
	pool "github.com/libp2p/go-buffer-pool"
	"go.uber.org/multierr"
)

type sentFrame struct {
	buf             []byte
	firstSentAt     time.Time // zero until the frame reaches the transport
	lastSentAt      time.Time
	retransmissions int
}

// markSent records a transmission and reports whether it was a resend.
func (sf *sentFrame) markSent(now time.Time) bool {
	sf.lastSentAt = now
	if sf.firstSentAt.IsZero() {
		sf.firstSentAt = now
		return false
	}
	sf.retransmissions++
	return true
}

func (sf *sentFrame) kind() frameKind {
	return frameKind(sf.buf[0] & kindMask)
}

// outputState is guarded by Channel.muOutput. sent holds exactly the frames
// emitted but not yet confirmed by the peer.
type outputState struct {
	nextSeq     uint32
	lastAcked   uint32
	sent        map[uint32]*sentFrame
	mtu         int
	emaAckDelay *ema.EMA
}

func newOutputState(mtu int) outputState {
	return outputState{
		sent:        make(map[uint32]*sentFrame),
		mtu:         mtu,
		emaAckDelay: ema.NewDuration(0, 0.1),
	}
}

func (o *outputState) cache(seq uint32, buf []byte, now time.Time, transmitted bool) {
	sf := &sentFrame{buf: buf}
	if transmitted {
		sf.markSent(now)
	}
	o.sent[seq] = sf
}

func (o *outputState) evict(seq uint32, now time.Time) bool {
	sf, found := o.sent[seq]
	if !found {
		return false
	}
	if sf.retransmissions == 0 && !sf.firstSentAt.IsZero() {
		d := now.Sub(sf.firstSentAt)
		o.emaAckDelay.UpdateDuration(d)
		recordAckDelay(d)
	}
	delete(o.sent, seq)
	pool.Put(sf.buf)
	return true
}

// evictBefore drops every frame the peer has cumulatively acknowledged.
func (o *outputState) evictBefore(base uint32, now time.Time) int {
	evicted := 0
	for seq := range o.sent {
		if seqBefore(seq, base) && o.evict(seq, now) {
			evicted++
		}
	}
	if seqBefore(o.lastAcked, base) {
		o.lastAcked = base
	}
	return evicted
}

func (o *outputState) shrinkMTU() error {
	next := o.mtu / 2
	if next < minMTU {
		return fmt.Errorf("%w: cannot go below %d bytes", ErrMTUExhausted, o.mtu)
	}
	o.mtu = next
	mtuShrinks.Inc()
	return nil
}

func (o *outputState) release() {
	for seq, sf := range o.sent {
		delete(o.sent, seq)
		pool.Put(sf.buf)
	}
}

// Send transmits one logical message. Concurrent calls on the same channel
// run one after another; ctx bounds only the wait for the previous send.
//
// An error wrapping ErrSendDeferred means the first frame went out and the
// rest of the message was queued after a transport failure. Acknowledgments
// still carry it to the peer, so the caller must not send it again. Any
// other error means nothing of the message was sent.
func (c *Channel) Send(ctx context.Context, messageType uint8, payload []byte) error {
	if messageType > MaxMessageType {
		return fmt.Errorf("%w: %d", ErrInvalidMessageType, messageType)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %v", ErrMessageTooLarge, humanize.IBytes(uint64(len(payload))))
	}
	if err := c.acquireSendToken(ctx); err != nil {
		return err
	}
	defer c.sendToken.Release(1)

	c.muOutput.Lock()
	defer c.muOutput.Unlock()
	if c.closed() {
		return ErrClosed
	}
	return c.sendMessage(messageType, payload)
}

func (c *Channel) acquireSendToken(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	if err := c.sendToken.Acquire(ctx, 1); err != nil {
		if c.closed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// sendMessage fragments and transmits payload. It must be called with
// muOutput held.
func (c *Channel) sendMessage(messageType uint8, payload []byte) error {
	total := len(payload)
	offset := 0
	head := true
	// Once a data head is out, a failure no longer aborts fragmentation:
	// the remaining fragments are cached unsent and acknowledgments pull
	// them through.
	var failed error
	for head || offset < total {
		seq := c.out.nextSeq
		mtu := c.out.mtu
		var kind frameKind
		var buf []byte
		var n int
		switch {
		case head && total <= mtu-singleHeaderSize:
			kind, n = kindSingleData, total
			buf = encodeSingleData(seq, messageType, payload)
		case head:
			kind, n = kindData, min(mtu-dataHeaderSize, total)
			buf = encodeData(seq, messageType, total, payload[:n])
		default:
			kind, n = kindContinueData, min(mtu-continueHeaderSize, total-offset)
			buf = encodeContinueData(seq, payload[offset:offset+n])
		}

		transmitted := false
		if failed == nil {
			err := c.transport.SendDatagram(c.peer, buf)
			switch {
			case err == nil:
				transmitted = true
				recordFrameSent(kind)
				log.Tracef("%v: sent %v frame# %d, %v", c, kind, seq, humanize.IBytes(uint64(len(buf))))
			case errors.Is(err, ErrDatagramTooLarge):
				size := len(buf)
				pool.Put(buf)
				if serr := c.out.shrinkMTU(); serr != nil {
					if head {
						return serr
					}
					failed = serr
					continue
				}
				log.Debugf("%v: %v datagram too large, mtu now %v", c, humanize.IBytes(uint64(size)), c.out.mtu)
				continue
			case head:
				pool.Put(buf)
				return err
			default:
				log.Debugf("%v: failed to send frame# %d, caching remaining fragments: %v", c, seq, err)
				failed = err
			}
		}
		c.out.cache(seq, buf, c.clock.Now(), transmitted)
		c.out.nextSeq++
		offset += n
		head = false
	}
	if failed != nil {
		return fmt.Errorf("%w: %w", ErrSendDeferred, failed)
	}
	return nil
}

// onAck applies an acknowledgment window from the peer.
func (c *Channel) onAck(base uint32, mask uint32) error {
	c.muOutput.Lock()
	defer c.muOutput.Unlock()
	if c.closed() {
		return ErrClosed
	}
	now := c.clock.Now()
	if evicted := c.out.evictBefore(base, now); evicted > 0 {
		log.Tracef("%v: ack base %d released %d frames", c, base, evicted)
	}

	if mask == 0 {
		// Nothing past the base arrived, so no bit will ever ask for the
		// frame at the base. Resend it once it has had time to arrive.
		sf, found := c.out.sent[base]
		if found && now.Sub(sf.lastSentAt) >= c.cfg.TailRetransmitAfter {
			return c.retransmit(base, sf, now)
		}
		return nil
	}

	var errs error
	for seq := base; mask != 0; seq, mask = seq+1, mask>>1 {
		sf, found := c.out.sent[seq]
		if !found {
			continue
		}
		if mask&1 == 1 {
			c.out.evict(seq, now)
			continue
		}
		errs = multierr.Append(errs, c.retransmit(seq, sf, now))
	}
	return errs
}

func (c *Channel) retransmit(seq uint32, sf *sentFrame, now time.Time) error {
	if err := c.transport.SendDatagram(c.peer, sf.buf); err != nil {
		return fmt.Errorf("resend frame# %d: %w", seq, err)
	}
	if sf.markSent(now) {
		retransmissions.Inc()
		log.Tracef("%v: resent frame# %d (attempt %d)", c, seq, sf.retransmissions+1)
	} else {
		recordFrameSent(sf.kind())
		log.Tracef("%v: sent deferred frame# %d", c, seq)
	}
	return nil
}
