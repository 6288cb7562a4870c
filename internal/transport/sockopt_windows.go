//go:build windows

package transport

import (
	"context"
	"net"
)

// listenPacketReusable opens a UDP socket for addr. Windows has no
// SO_REUSEPORT equivalent usable here, so this is a plain bind.
func listenPacketReusable(ctx context.Context, addr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp", addr)
}
