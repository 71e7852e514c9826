package rdgram

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
)

type transportFunc func(peer string, b []byte) error

func (f transportFunc) SendDatagram(peer string, b []byte) error {
	return f(peer, b)
}

// captureTransport keeps a copy of every datagram. Datagrams larger than
// maxSize, if set, are refused as too large.
type captureTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	attempts []int
	maxSize  int
	fail     error
}

func (t *captureTransport) SendDatagram(peer string, b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = append(t.attempts, len(b))
	if t.fail != nil {
		return t.fail
	}
	if t.maxSize > 0 && len(b) > t.maxSize {
		return ErrDatagramTooLarge
	}
	t.sent = append(t.sent, append([]byte(nil), b...))
	return nil
}

// take returns the datagrams sent so far and forgets them.
func (t *captureTransport) take() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	sent := t.sent
	t.sent = nil
	return sent
}

func (t *captureTransport) setFail(err error) {
	t.mu.Lock()
	t.fail = err
	t.mu.Unlock()
}

type delivered struct {
	peer        string
	messageType uint8
	payload     []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []delivered
}

func (r *recorder) Deliver(peer string, messageType uint8, payload []byte) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, delivered{peer, messageType, append([]byte(nil), payload...)})
	r.mu.Unlock()
	return nil
}

func (r *recorder) messages() []delivered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivered(nil), r.msgs...)
}

func testConfig(mtu int) Config {
	cfg := DefaultConfig()
	cfg.InitialMTU = ByteSize(mtu)
	return cfg
}

func newTestChannel(cfg Config) (*Channel, *captureTransport, *recorder, *clock.Mock) {
	t := &captureTransport{}
	r := &recorder{}
	clk := clock.NewMock()
	return newChannel("peer", cfg, t, r, clk), t, r, clk
}

func decode(t *testing.T, b []byte) frame {
	t.Helper()
	f, err := decodeFrame(b)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

func randomPayload(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}
