package rdgram

import (
	"context"
	"fmt"

	pool "github.com/libp2p/go-buffer-pool"
	"go.uber.org/multierr"
)

// OnTimer sends the peer an acknowledgment of the 32 frames starting at the
// lowest sequence number not received yet. The acknowledgment goes out even
// when nothing is buffered so the peer can release frames it still caches.
// It also returns ErrStalled when buffered frames have not produced a message
// for longer than Config.StallTimeout.
func (c *Channel) OnTimer() error {
	if c.closed() {
		return ErrClosed
	}
	c.muInput.Lock()
	base, mask := c.in.ackWindow()
	stalled := c.in.stalled(c.clock.Now(), c.cfg.StallTimeout)
	pending, delivery := len(c.in.pending), c.in.delivery
	c.muInput.Unlock()

	buf := encodeAck(base, mask)
	defer pool.Put(buf)
	c.muOutput.RLock()
	err := c.transport.SendDatagram(c.peer, buf)
	c.muOutput.RUnlock()

	var errs error
	if err != nil {
		errs = fmt.Errorf("send ack: %w", err)
	} else {
		recordFrameSent(kindAck)
		log.Tracef("%v: sent ack base %d mask %032b", c, base, mask)
	}
	if stalled {
		stalls.Inc()
		errs = multierr.Append(errs, fmt.Errorf("%w: %d frames buffered at frame# %d", ErrStalled, pending, delivery))
	}
	return errs
}

// OnTimer acknowledges on every open channel.
func (e *Engine) OnTimer() error {
	var errs error
	for _, ch := range e.channels.Values() {
		if err := ch.OnTimer(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%v: %w", ch, err))
		}
	}
	return errs
}

// Run calls OnTimer every Config.AckInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.cfg.AckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.OnTimer(); err != nil {
				log.Error(err)
			}
		}
	}
}
