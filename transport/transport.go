// Package transport opens the connections fragments travel over. Both kinds carry whole
// datagrams: UDP natively, TCP by framing each datagram with a length prefix.
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("transport")

type Kind int

const (
	UDP Kind = iota
	TCP
)

func (k Kind) String() string {
	switch k {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "udp":
		return UDP, nil
	case "tcp":
		return TCP, nil
	}
	return 0, fmt.Errorf("unknown transport %q, expected udp or tcp", s)
}

// Options tune the socket. Broadcast and multicast only apply to UDP.
type Options struct {
	ReuseAddr bool
	Broadcast bool
	// MulticastGroup, when set, is joined by Listen and is the TTL target of Dial
	MulticastGroup string
	MulticastTTL   int
	// Interface names the interface used for multicast; empty lets the system choose
	Interface string
}

func (o Options) multicast() bool {
	return o.MulticastGroup != ""
}

// Listen opens the receiving side. Every datagram read from the returned connection is one
// fragment, and writes to an address returned by ReadFrom reach that peer.
func Listen(ctx context.Context, kind Kind, addr string, opts Options) (net.PacketConn, error) {
	switch kind {
	case UDP:
		return listenUDP(ctx, addr, opts)
	case TCP:
		if opts.Broadcast || opts.multicast() {
			return nil, fmt.Errorf("broadcast and multicast need udp")
		}
		return listenTCP(ctx, addr, opts)
	}
	return nil, fmt.Errorf("unsupported transport %v", kind)
}

// Dial opens the sending side. Each Write sends one datagram and each Read returns one.
func Dial(ctx context.Context, kind Kind, addr string, opts Options) (net.Conn, error) {
	switch kind {
	case UDP:
		return dialUDP(ctx, addr, opts)
	case TCP:
		if opts.Broadcast || opts.multicast() {
			return nil, fmt.Errorf("broadcast and multicast need udp")
		}
		return dialTCP(ctx, addr, opts)
	}
	return nil, fmt.Errorf("unsupported transport %v", kind)
}
