//go:build !linux

package rdgram

import "net"

func setPathMTUDiscovery(conn *net.UDPConn) error {
	return nil
}
