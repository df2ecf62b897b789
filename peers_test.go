package frag

import (
	"net"
	"testing"
)

func udpAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port}
}

func TestPeerTable(t *testing.T) {
	peers := NewPeerTable(2, 60)

	if !peers.Touch(udpAddr(1), 0) {
		t.Error("first contact should be new")
	}
	if peers.Touch(udpAddr(1), 5) {
		t.Error("second contact should not be new")
	}
	peers.Touch(udpAddr(2), 10)

	addr, ok := peers.Lookup(udpAddr(2).String())
	if !ok || addr.String() != udpAddr(2).String() {
		t.Error("lookup failed", addr, ok)
	}
	if _, ok := peers.Lookup("10.9.9.9:1"); ok {
		t.Error("lookup of unknown peer succeeded")
	}

	// full: the peer seen longest ago makes room
	peers.Touch(udpAddr(3), 20)
	if peers.Len() != 2 {
		t.Fatal("table should hold 2 peers, holds", peers.Len())
	}
	if _, ok := peers.Lookup(udpAddr(1).String()); ok {
		t.Error("oldest peer should have been replaced")
	}

	list := peers.Peers()
	if len(list) != 2 || list[0].Id != udpAddr(2).String() || list[1].Id != udpAddr(3).String() {
		t.Error("unexpected snapshot", list)
	}
}

func TestPeerTableCleanup(t *testing.T) {
	peers := NewPeerTable(10, 60)
	peers.Touch(udpAddr(1), 0)
	peers.Touch(udpAddr(2), 50)

	if expired := peers.Cleanup(60); len(expired) != 0 {
		t.Error("nothing should expire yet", expired)
	}
	expired := peers.Cleanup(100)
	if len(expired) != 1 || expired[0].Id != udpAddr(1).String() {
		t.Error("expected peer 1 to expire, got", expired)
	}
	if peers.Len() != 1 {
		t.Error("expired peer still listed")
	}
}
