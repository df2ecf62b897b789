package transport

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

func listenUDP(ctx context.Context, addr string, opts Options) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: opts.control}
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}
	if opts.multicast() {
		if err := joinGroup(conn, opts); err != nil {
			conn.Close()
			return nil, err
		}
	}
	log.Infof("listening on udp %s", conn.LocalAddr())
	return conn, nil
}

func joinGroup(conn net.PacketConn, opts Options) error {
	group := net.ParseIP(opts.MulticastGroup)
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("%q is not a multicast address", opts.MulticastGroup)
	}
	iface, err := multicastInterface(opts)
	if err != nil {
		return err
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("join %s: %w", group, err)
	}
	// let a sender on the same host hear itself
	if err := pc.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("multicast loopback: %w", err)
	}
	log.Infof("joined multicast group %s", group)
	return nil
}

func multicastInterface(opts Options) (*net.Interface, error) {
	if opts.Interface == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", opts.Interface, err)
	}
	return iface, nil
}

func dialUDP(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	d := net.Dialer{Control: opts.control}
	conn, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}

	if opts.multicast() {
		pc := ipv4.NewPacketConn(conn.(net.PacketConn))
		if opts.MulticastTTL > 0 {
			if err := pc.SetMulticastTTL(opts.MulticastTTL); err != nil {
				conn.Close()
				return nil, fmt.Errorf("multicast ttl: %w", err)
			}
		}
		iface, err := multicastInterface(opts)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if iface != nil {
			if err := pc.SetMulticastInterface(iface); err != nil {
				conn.Close()
				return nil, fmt.Errorf("multicast interface: %w", err)
			}
		}
	}
	log.Debugf("sending to udp %s from %s", conn.RemoteAddr(), conn.LocalAddr())
	return conn, nil
}
