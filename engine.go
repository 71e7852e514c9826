package rdgram

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Engine keeps one Channel per peer and routes sends, inbound datagrams and
// timer runs to them.
//
// Channels are never evicted behind the caller's back: a replacement would
// restart at sequence number 0 while the peer still remembers the old
// stream. Once MaxChannels are open, new peers are refused with
// ErrTooManyChannels until the caller removes one.
type Engine struct {
	cfg        Config
	transport  Transport
	dispatcher Dispatcher
	clock      clock.Clock

	// mu makes get-or-create atomic and guards closed.
	mu       sync.Mutex
	closed   bool
	channels *lru.Cache[string, *Channel]
}

type Option func(*Engine)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clk
	}
}

func NewEngine(cfg Config, t Transport, d Dispatcher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		transport:  t,
		dispatcher: d,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	var err error
	// Only Remove and Purge evict; Channel checks the bound before adding.
	e.channels, err = lru.NewWithEvict(cfg.MaxChannels, func(_ string, ch *Channel) {
		ch.Close()
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Channel returns the channel to peer, opening it on first use.
func (e *Engine) Channel(peer string) (*Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if ch, found := e.channels.Get(peer); found {
		return ch, nil
	}
	if e.channels.Len() >= e.cfg.MaxChannels {
		return nil, fmt.Errorf("%w: %d open, refusing %v", ErrTooManyChannels, e.channels.Len(), peer)
	}
	ch := newChannel(peer, e.cfg, e.transport, e.dispatcher, e.clock)
	e.channels.Add(peer, ch)
	return ch, nil
}

// Lookup returns the channel to peer if one is open.
func (e *Engine) Lookup(peer string) (*Channel, bool) {
	return e.channels.Get(peer)
}

// Remove closes and forgets the channel to peer.
func (e *Engine) Remove(peer string) bool {
	return e.channels.Remove(peer)
}

func (e *Engine) Peers() []string {
	return e.channels.Keys()
}

func (e *Engine) Send(ctx context.Context, peer string, messageType uint8, payload []byte) error {
	ch, err := e.Channel(peer)
	if err != nil {
		return err
	}
	return ch.Send(ctx, messageType, payload)
}

// OnDatagram feeds an inbound datagram to the channel of the peer it came
// from. Datagrams from new peers are dropped while the table is full.
func (e *Engine) OnDatagram(peer string, b []byte) error {
	ch, err := e.Channel(peer)
	if err != nil {
		recordDropped(dropNoChannel)
		return err
	}
	return ch.OnFrame(b)
}

// Close closes every channel. Later calls that would open a channel fail
// with ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.channels.Purge()
}
