package rdgram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	pool "github.com/libp2p/go-buffer-pool"
)

// UDPTransport is a Transport over one UDP socket. Peers are addressed by
// the string form of netip.AddrPort.
type UDPTransport struct {
	conn   *net.UDPConn
	closed atomic.Bool
}

// ListenUDP opens a UDP socket on addr. Where the platform allows it, the
// socket forbids fragmentation so datagrams larger than the path MTU fail
// with ErrDatagramTooLarge instead of being fragmented by IP.
func ListenUDP(addr string) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	if err := setPathMTUDiscovery(conn); err != nil {
		log.Debugf("Unable to enable path MTU discovery on %v: %v", conn.LocalAddr(), err)
	}
	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) SendDatagram(peer string, b []byte) error {
	addr, err := netip.ParseAddrPort(peer)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", peer, err)
	}
	_, err = t.conn.WriteToUDPAddrPort(b, addr)
	if err != nil && isMessageTooLong(err) {
		return fmt.Errorf("%w: %v to %v", ErrDatagramTooLarge, humanize.IBytes(uint64(len(b))), peer)
	}
	return err
}

// Serve reads datagrams and passes them to handle until the transport is
// closed or ctx is done. b is only valid during the call.
func (t *UDPTransport) Serve(ctx context.Context, handle func(peer string, b []byte)) error {
	stop := context.AfterFunc(ctx, func() {
		t.Close()
	})
	defer stop()
	buf := pool.Get(MaxDatagramSize)
	defer pool.Put(buf)
	for {
		n, addr, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		// IPv4 peers show up mapped on dual-stack sockets.
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		handle(addr.String(), buf[:n])
	}
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}
