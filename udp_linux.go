package rdgram

import (
	"net"

	"golang.org/x/sys/unix"
)

// setPathMTUDiscovery sets the don't-fragment policy on both address
// families; the one not matching the socket fails and is ignored.
func setPathMTUDiscovery(conn *net.UDPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = rc.Control(func(fd uintptr) {
		err4 := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		err6 := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO)
		if err4 != nil && err6 != nil {
			sockErr = err4
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
