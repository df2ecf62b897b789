//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control applies the socket options before bind or connect.
func (o Options) control(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if o.ReuseAddr {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
				return
			}
		}
		if o.Broadcast {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
