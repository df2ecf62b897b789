package frag

import (
	"net"
	"sort"
	"sync"
)

type Peer struct {
	Id       string
	Addr     net.Addr
	LastSeen float64
}

// PeerTable remembers the addresses that recently sent us datagrams so replies and
// broadcasts can reach them. It is safe for concurrent use.
type PeerTable struct {
	mu      sync.Mutex
	peers   map[string]*Peer
	max     int
	timeout float64
}

func NewPeerTable(max int, timeout float64) *PeerTable {
	return &PeerTable{
		peers:   make(map[string]*Peer),
		max:     max,
		timeout: timeout,
	}
}

// Touch records activity from addr and reports whether addr is new. When the table is full the
// least recently seen peer makes room.
func (t *PeerTable) Touch(addr net.Addr, time float64) bool {
	id := addr.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.peers[id]; ok {
		p.LastSeen = time
		return false
	}
	if len(t.peers) >= t.max {
		var oldest *Peer
		for _, p := range t.peers {
			if oldest == nil || p.LastSeen < oldest.LastSeen {
				oldest = p
			}
		}
		log.Infof("peer table full, replacing %s with %s", oldest.Id, id)
		delete(t.peers, oldest.Id)
	}
	t.peers[id] = &Peer{Id: id, Addr: addr, LastSeen: time}
	log.Infof("new peer %s", id)
	return true
}

func (t *PeerTable) Lookup(id string) (net.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return nil, false
	}
	return p.Addr, true
}

// Peers returns a snapshot ordered by address, so commands can address peers by position.
func (t *PeerTable) Peers() []Peer {
	t.mu.Lock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// Cleanup removes peers idle for longer than the table timeout and returns them.
func (t *PeerTable) Cleanup(time float64) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Peer
	for id, p := range t.peers {
		if time-p.LastSeen > t.timeout {
			expired = append(expired, *p)
			delete(t.peers, id)
			log.Infof("peer %s expired", id)
		}
	}
	return expired
}

func (t *PeerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
