package frag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Listener drives a Receiver from a packet connection. Run reads with a bounded wait so the
// timeout sweep and peer cleanup happen even when no datagrams arrive.
type Listener struct {
	Conn     net.PacketConn
	Receiver *Receiver
	Peers    *PeerTable

	PollInterval    time.Duration
	CleanupInterval time.Duration
	// Now returns the current time in seconds
	Now func() float64
}

func NewListener(conn net.PacketConn, receiver *Receiver, peers *PeerTable) *Listener {
	return &Listener{
		Conn:            conn,
		Receiver:        receiver,
		Peers:           peers,
		PollInterval:    time.Second,
		CleanupInterval: time.Minute,
		Now:             Now,
	}
}

// Now is wall clock time in seconds, the time base used by Receiver and PeerTable.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Run processes datagrams until ctx is done or the connection is closed. Read errors other than
// a closed connection are logged and the loop carries on.
func (l *Listener) Run(ctx context.Context) error {
	name := l.Receiver.Config.Name
	// one extra byte so oversized datagrams show up as such instead of being silently truncated
	buf := make([]byte, l.Receiver.Config.MaxDatagramSize()+1)
	lastCleanup := l.Now()

	for ctx.Err() == nil {
		if err := l.Conn.SetReadDeadline(time.Now().Add(l.PollInterval)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, addr, err := l.Conn.ReadFrom(buf)

		now := l.Now()
		l.Receiver.Update(now)
		if now-lastCleanup > l.CleanupInterval.Seconds() {
			l.Peers.Cleanup(now)
			lastCleanup = now
		}

		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
			case errors.Is(err, net.ErrClosed):
				return nil
			default:
				log.Errorf("[%s] read failed: %v", name, err)
			}
			continue
		}
		if n > l.Receiver.Config.MaxDatagramSize() {
			log.Errorf("[%s] ignoring datagram from %s, larger than %d bytes", name, addr, l.Receiver.Config.MaxDatagramSize())
			l.Receiver.Counters[CounterNumFragmentsInvalid]++
			continue
		}

		l.Peers.Touch(addr, now)
		// errors are logged and counted by the receiver
		_ = l.Receiver.ReceivePacket(addr.String(), buf[:n])
	}
	return nil
}

// TransmitAck sends a control message to peer over the listener connection. It matches
// Config.TransmitAckFunction.
func (l *Listener) TransmitAck(_ interface{}, peer string, packetData []byte) error {
	addr, ok := l.Peers.Lookup(peer)
	if !ok {
		return fmt.Errorf("unknown peer %s", peer)
	}
	_, err := l.Conn.WriteTo(packetData, addr)
	return err
}

// SendTo returns a Config.TransmitPacketFunction that writes fragments to addr over the
// listener connection, so a server can push images back to its peers.
func (l *Listener) SendTo(addr net.Addr) func(interface{}, uint32, []byte) error {
	return func(_ interface{}, _ uint32, packetData []byte) error {
		_, err := l.Conn.WriteTo(packetData, addr)
		return err
	}
}
