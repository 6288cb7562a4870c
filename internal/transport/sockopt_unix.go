//go:build !windows

package transport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenPacketReusable opens a UDP socket for addr with SO_REUSEADDR and
// SO_REUSEPORT set before bind, so a QUIC listener can rebind to
// the same address immediately after a restart without waiting out the
// previous socket's lingering state.
func listenPacketReusable(ctx context.Context, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(ctx, "udp", addr)
}
