//go:build !unix

package transport

import (
	"fmt"
	"syscall"
)

func (o Options) control(network, address string, c syscall.RawConn) error {
	if o.ReuseAddr || o.Broadcast {
		return fmt.Errorf("socket options are not supported on this platform")
	}
	return nil
}
