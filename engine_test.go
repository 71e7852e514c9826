package rdgram

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type datagram struct {
	from string
	b    []byte
}

// lossyNetwork connects named engines through in-memory links that drop,
// duplicate and reorder datagrams.
type lossyNetwork struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	loss     float64
	dup      float64
	inflight map[string][]datagram
}

func newLossyNetwork(seed int64, loss, dup float64) *lossyNetwork {
	return &lossyNetwork{
		rnd:      rand.New(rand.NewSource(seed)),
		loss:     loss,
		dup:      dup,
		inflight: make(map[string][]datagram),
	}
}

func (n *lossyNetwork) transport(from string) Transport {
	return transportFunc(func(to string, b []byte) error {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.rnd.Float64() < n.loss {
			return nil
		}
		d := datagram{from, append([]byte(nil), b...)}
		n.inflight[to] = append(n.inflight[to], d)
		if n.rnd.Float64() < n.dup {
			n.inflight[to] = append(n.inflight[to], d)
		}
		return nil
	})
}

// take returns what is in flight to name, shuffled.
func (n *lossyNetwork) take(name string) []datagram {
	n.mu.Lock()
	defer n.mu.Unlock()
	ds := n.inflight[name]
	delete(n.inflight, name)
	n.rnd.Shuffle(len(ds), func(i, j int) {
		ds[i], ds[j] = ds[j], ds[i]
	})
	return ds
}

func TestEnginesOverLossyNetwork(t *testing.T) {
	const mtu = 200
	cfg := testConfig(mtu)
	clk := clock.NewMock()
	net := newLossyNetwork(7, 0.2, 0.1)
	ra, rb := &recorder{}, &recorder{}
	a, err := NewEngine(cfg, net.transport("a"), ra, WithClock(clk))
	require.NoError(t, err)
	b, err := NewEngine(cfg, net.transport("b"), rb, WithClock(clk))
	require.NoError(t, err)
	engines := map[string]*Engine{"a": a, "b": b}

	rnd := newRand()
	var toB, toA [][]byte
	for i := 0; i < 50; i++ {
		p := randomPayload(rnd, rnd.Intn(3*mtu))
		toB = append(toB, p)
		require.NoError(t, a.Send(context.Background(), "b", uint8(i%64), p))
		if i%2 == 0 {
			p = randomPayload(rnd, rnd.Intn(mtu))
			toA = append(toA, p)
			require.NoError(t, b.Send(context.Background(), "a", uint8(i%64), p))
		}
	}

	done := func() bool {
		return len(rb.messages()) == len(toB) && len(ra.messages()) == len(toA) &&
			cachedFrames(a, "b") == 0 && cachedFrames(b, "a") == 0
	}
	pump(t, net, engines, clk, 1000, done)
	require.True(t, done(), "links did not converge")

	for i, m := range rb.messages() {
		assert.Equal(t, "a", m.peer)
		assert.EqualValues(t, i%64, m.messageType)
		assert.Equal(t, len(toB[i]), len(m.payload), "message %d", i)
		assert.Equal(t, toB[i], append([]byte{}, m.payload...), "message %d", i)
	}
	for i, m := range ra.messages() {
		assert.Equal(t, "b", m.peer)
		assert.Equal(t, toA[i], append([]byte{}, m.payload...), "message %d", i)
	}
	ch, found := b.Lookup("a")
	require.True(t, found)
	assert.Zero(t, ch.Stats().PendingFrames)
}

// pump moves datagrams between engines and runs their timers until done
// reports true or the rounds run out.
func pump(t *testing.T, net *lossyNetwork, engines map[string]*Engine, clk *clock.Mock, rounds int, done func() bool) {
	t.Helper()
	for round := 0; round < rounds && !done(); round++ {
		for name, e := range engines {
			for _, d := range net.take(name) {
				require.NoError(t, e.OnDatagram(d.from, d.b))
			}
		}
		clk.Add(engines[anyName(engines)].cfg.AckInterval)
		for _, e := range engines {
			// stalls are expected while frames are being lost
			_ = e.OnTimer()
		}
	}
}

func anyName(engines map[string]*Engine) string {
	for name := range engines {
		return name
	}
	return ""
}

func cachedFrames(e *Engine, peer string) int {
	ch, found := e.Lookup(peer)
	if !found {
		return -1
	}
	return ch.Stats().CachedFrames
}

func mustChannel(t *testing.T, e *Engine, peer string) *Channel {
	t.Helper()
	ch, err := e.Channel(peer)
	require.NoError(t, err)
	return ch
}

func TestEngineChannels(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), &captureTransport{}, &recorder{})
	require.NoError(t, err)
	defer e.Close()

	_, found := e.Lookup("x")
	assert.False(t, found)
	ch := mustChannel(t, e, "x")
	assert.Same(t, ch, mustChannel(t, e, "x"), "channel is reused")
	got, found := e.Lookup("x")
	assert.True(t, found)
	assert.Same(t, ch, got)
	assert.Equal(t, "x", ch.Peer())

	mustChannel(t, e, "y")
	assert.ElementsMatch(t, []string{"x", "y"}, e.Peers())

	assert.True(t, e.Remove("x"))
	assert.False(t, e.Remove("x"))
	assert.ErrorIs(t, ch.Send(context.Background(), 1, nil), ErrClosed, "removed channel is closed")
	again := mustChannel(t, e, "x")
	assert.NotSame(t, ch, again)
	assert.NotEqual(t, ch.ID(), again.ID())
}

func TestEngineRefusesChannelsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChannels = 2
	r := &recorder{}
	e, err := NewEngine(cfg, &captureTransport{}, r)
	require.NoError(t, err)

	first := mustChannel(t, e, "1")
	second := mustChannel(t, e, "2")
	_, err = e.Channel("3")
	assert.ErrorIs(t, err, ErrTooManyChannels)
	assert.ErrorIs(t, e.OnDatagram("3", encodeSingleData(0, 1, nil)), ErrTooManyChannels)
	assert.ErrorIs(t, e.Send(context.Background(), "3", 1, nil), ErrTooManyChannels)
	assert.ElementsMatch(t, []string{"1", "2"}, e.Peers())
	assert.NoError(t, second.OnFrame(encodeSingleData(0, 1, nil)), "open channels are untouched")
	assert.Len(t, r.messages(), 1)

	assert.True(t, e.Remove("2"))
	third := mustChannel(t, e, "3")
	assert.ElementsMatch(t, []string{"1", "3"}, e.Peers())

	e.Close()
	assert.Empty(t, e.Peers())
	assert.ErrorIs(t, first.OnTimer(), ErrClosed)
	assert.ErrorIs(t, third.OnTimer(), ErrClosed)
}

func TestEngineKeepsStreamWhenStrangerArrives(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChannels = 1
	clk := clock.NewMock()
	net := newLossyNetwork(1, 0, 0)
	ra, rb := &recorder{}, &recorder{}
	a, err := NewEngine(cfg, net.transport("a"), ra, WithClock(clk))
	require.NoError(t, err)
	b, err := NewEngine(cfg, net.transport("b"), rb, WithClock(clk))
	require.NoError(t, err)
	engines := map[string]*Engine{"a": a, "b": b}
	delivered := func(n int) func() bool {
		return func() bool {
			return len(rb.messages()) == n && cachedFrames(a, "b") == 0
		}
	}

	require.NoError(t, a.Send(context.Background(), "b", 1, []byte("one")))
	pump(t, net, engines, clk, 10, delivered(1))
	require.Len(t, rb.messages(), 1)
	before, found := a.Lookup("b")
	require.True(t, found)

	assert.ErrorIs(t, a.OnDatagram("stranger", encodeAck(0, 0)), ErrTooManyChannels)
	after, found := a.Lookup("b")
	require.True(t, found)
	assert.Same(t, before, after)

	require.NoError(t, a.Send(context.Background(), "b", 1, []byte("two")))
	pump(t, net, engines, clk, 10, delivered(2))
	msgs := rb.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", string(msgs[1].payload))
}

func TestEngineClosed(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), &captureTransport{}, &recorder{})
	require.NoError(t, err)
	mustChannel(t, e, "x")
	e.Close()

	_, err = e.Channel("x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Send(context.Background(), "y", 1, nil), ErrClosed)
	assert.ErrorIs(t, e.OnDatagram("y", encodeSingleData(0, 1, nil)), ErrClosed)
	assert.Empty(t, e.Peers())
	assert.NoError(t, e.OnTimer())
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChannels = 0
	_, err := NewEngine(cfg, &captureTransport{}, &recorder{})
	assert.Error(t, err)
}

func TestEngineSendAndReceive(t *testing.T) {
	tr := &captureTransport{}
	r := &recorder{}
	e, err := NewEngine(DefaultConfig(), tr, r)
	require.NoError(t, err)
	require.NoError(t, e.Send(context.Background(), "p", 5, []byte("ping")))
	sent := tr.take()
	require.Len(t, sent, 1)

	require.NoError(t, e.OnDatagram("q", sent[0]))
	msgs := r.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "q", msgs[0].peer)
	assert.Equal(t, "ping", string(msgs[0].payload))
	q := mustChannel(t, e, "q")
	assert.Equal(t, fmt.Sprintf("channel q#%v", q.ID().String()[:8]), q.String())
}
