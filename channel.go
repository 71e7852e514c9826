package rdgram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Channel carries messages to and from one peer. It is safe for concurrent
// use: sends, inbound frames and timer runs may come from any goroutine.
type Channel struct {
	id         uuid.UUID
	peer       string
	cfg        Config
	transport  Transport
	dispatcher Dispatcher
	clock      clock.Clock

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// sendToken admits one Send at a time so the frames of two messages
	// never interleave.
	sendToken *semaphore.Weighted

	muOutput sync.RWMutex
	out      outputState

	muInput sync.Mutex
	in      inputState
}

func newChannel(peer string, cfg Config, t Transport, d Dispatcher, clk clock.Clock) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:         uuid.New(),
		peer:       peer,
		cfg:        cfg,
		transport:  t,
		dispatcher: d,
		clock:      clk,
		ctx:        ctx,
		cancel:     cancel,
		sendToken:  semaphore.NewWeighted(1),
		out:        newOutputState(int(cfg.InitialMTU)),
		in:         newInputState(clk.Now()),
	}
	channels.Inc()
	log.Debugf("Opened %v", c)
	return c
}

func (c *Channel) Peer() string {
	return c.peer
}

// ID distinguishes this channel from earlier or later channels to the same
// peer.
func (c *Channel) ID() uuid.UUID {
	return c.id
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel %v#%v", c.peer, c.id.String()[:8])
}

// Close tears the channel down. Senders waiting for their turn get
// ErrClosed, and cached and buffered frames are discarded.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.muOutput.Lock()
		c.out.release()
		c.muOutput.Unlock()
		c.muInput.Lock()
		c.in.pending = make(map[uint32]frame)
		c.muInput.Unlock()
		channels.Dec()
		log.Debugf("Closed %v", c)
	})
}

func (c *Channel) closed() bool {
	return c.ctx.Err() != nil
}

// Stats is a point in time snapshot of a channel.
type Stats struct {
	NextSeq             uint32
	CachedFrames        int
	MTU                 int
	ContiguousWatermark uint32
	DeliveryWatermark   uint32
	PendingFrames       int
	AckDelay            time.Duration
}

func (c *Channel) Stats() Stats {
	var s Stats
	c.muOutput.RLock()
	s.NextSeq = c.out.nextSeq
	s.CachedFrames = len(c.out.sent)
	s.MTU = c.out.mtu
	s.AckDelay = c.out.emaAckDelay.GetDuration()
	c.muOutput.RUnlock()

	c.muInput.Lock()
	s.ContiguousWatermark = c.in.contiguous
	s.DeliveryWatermark = c.in.delivery
	s.PendingFrames = len(c.in.pending)
	c.muInput.Unlock()
	return s
}
