package frag

import (
	"fmt"
)

// reassembly is the state of one in-progress transfer
type reassembly struct {
	imageId       uint32
	data          []byte
	totalSize     int // -1 until the last fragment arrives
	receivedBytes int
	received      bitmap
	numReceived   uint32
	totalFrags    uint32
	lastUpdate    float64
}

func newReassembly(h *FragmentHeader, fragmentSize, maxBlobSize int, time float64) *reassembly {
	capacity := int(h.TotalFrags) * fragmentSize
	if capacity > maxBlobSize {
		capacity = maxBlobSize
	}
	return &reassembly{
		imageId:    h.ImageId,
		data:       make([]byte, 0, capacity),
		totalSize:  -1,
		received:   newBitmap(h.TotalFrags),
		totalFrags: h.TotalFrags,
		lastUpdate: time,
	}
}

// store copies a fragment payload to offset, growing the buffer as needed.
func (r *reassembly) store(offset int, payload []byte) {
	end := offset + len(payload)
	if end > len(r.data) {
		if end <= cap(r.data) {
			r.data = r.data[:end]
		} else {
			r.data = append(r.data, make([]byte, end-len(r.data))...)
		}
	}
	copy(r.data[offset:end], payload)
}

func (r *reassembly) blob() []byte {
	if r.totalSize < 0 {
		return r.data
	}
	return r.data[:r.totalSize]
}

type peerState struct {
	active    *reassembly
	retired   *SequenceBuffer
	completed *SequenceBuffer // image id to blob size
	lastSeen float64
}

// Receiver reassembles fragments sent by one or more Senders. It is not safe for concurrent
// use; a single receive loop owns it.
type Receiver struct {
	Config   *Config
	Time     float64
	Counters [CounterMax]uint64

	peers map[string]*peerState
}

func NewReceiver(config *Config, time float64) *Receiver {
	return &Receiver{
		Config: config,
		Time:   time,
		peers:  make(map[string]*peerState),
	}
}

// ReceivePacket processes one datagram from peer. Errors describe why the fragment was dropped;
// they never affect other fragments or transfers. Duplicates are not errors.
func (r *Receiver) ReceivePacket(peer string, packetData []byte) error {
	header, err := ReadFragmentHeader(packetData)
	if err != nil {
		r.Counters[CounterNumFragmentsInvalid]++
		log.Errorf("[%s] ignoring invalid fragment from %s: %v", r.Config.Name, peer, err)
		return err
	}
	if err := r.validate(&header, len(packetData)-FragmentHeaderBytes); err != nil {
		r.Counters[CounterNumFragmentsInvalid]++
		log.Errorf("[%s] ignoring invalid fragment from %s: %v", r.Config.Name, peer, err)
		return err
	}

	ps := r.peer(peer)
	ps.lastSeen = r.Time

	if ps.retired.Exists(header.ImageId) {
		r.Counters[CounterNumFragmentsStale]++
		log.Debugf("[%s] ignoring fragment %d of finished image %d from %s", r.Config.Name, header.Sequence, header.ImageId, peer)
		if size, ok := ps.completed.Find(header.ImageId); ok {
			// the sender missed our answer and is retrying, answer again
			r.ack(peer, Control{Kind: ControlAck, ImageId: header.ImageId, Value: header.Sequence})
			if header.IsLast {
				r.ack(peer, Control{Kind: ControlComplete, ImageId: header.ImageId, Value: size})
			}
		}
		return fmt.Errorf("%w: image %d from %s", ErrStaleFragment, header.ImageId, peer)
	}

	state := ps.active
	if state == nil || state.imageId != header.ImageId {
		if state != nil {
			log.Warningf("[%s] new image %d from %s, abandoning image %d with %d/%d fragments", r.Config.Name, header.ImageId, peer, state.imageId, state.numReceived, state.totalFrags)
			r.Counters[CounterNumTransfersAbandoned]++
			r.finish(peer, ps, fmt.Errorf("%w: replaced by image %d", ErrTransferAbandoned, header.ImageId))
		}
		state = newReassembly(&header, r.Config.FragmentSize, r.Config.MaxBlobSize, r.Time)
		ps.active = state
		log.Debugf("[%s] receiving image %d from %s (%d fragments)", r.Config.Name, header.ImageId, peer, header.TotalFrags)
	} else if header.TotalFrags != state.totalFrags {
		r.Counters[CounterNumFragmentsInvalid]++
		log.Errorf("[%s] ignoring invalid fragment. fragment count mismatch for image %d. expected %d, got %d", r.Config.Name, header.ImageId, state.totalFrags, header.TotalFrags)
		return fmt.Errorf("%w: image %d has %d fragments, fragment says %d", ErrMalformedPacket, header.ImageId, state.totalFrags, header.TotalFrags)
	}

	state.lastUpdate = r.Time

	if state.received.isSet(header.Sequence) {
		r.Counters[CounterNumFragmentsDuplicate]++
		log.Debugf("[%s] ignoring fragment %d of image %d. fragment already received", r.Config.Name, header.Sequence, header.ImageId)
		r.ack(peer, Control{Kind: ControlAck, ImageId: header.ImageId, Value: header.Sequence})
		return nil
	}

	offset := FragmentOffset(header.Sequence, r.Config.FragmentSize)
	if offset+int(header.FragSize) > r.Config.MaxBlobSize {
		r.Counters[CounterNumFragmentsOutOfRange]++
		log.Errorf("[%s] ignoring fragment %d of image %d. bytes %d-%d are past the %d byte limit", r.Config.Name, header.Sequence, header.ImageId, offset, offset+int(header.FragSize), r.Config.MaxBlobSize)
		return fmt.Errorf("%w: fragment %d ends at %d, maximum is %d", ErrOffsetOutOfRange, header.Sequence, offset+int(header.FragSize), r.Config.MaxBlobSize)
	}

	state.store(offset, packetData[FragmentHeaderBytes:FragmentHeaderBytes+int(header.FragSize)])
	state.receivedBytes += int(header.FragSize)
	state.received.set(header.Sequence)
	state.numReceived++
	if header.IsLast {
		state.totalSize = offset + int(header.FragSize)
	}
	r.Counters[CounterNumFragmentsReceived]++
	log.Debugf("[%s] received fragment %d of image %d (%d/%d)", r.Config.Name, header.Sequence, header.ImageId, state.numReceived, state.totalFrags)
	r.ack(peer, Control{Kind: ControlAck, ImageId: header.ImageId, Value: header.Sequence})

	if state.received.complete(state.totalFrags) {
		blob := state.blob()
		r.Counters[CounterNumBlobsReceived]++
		log.Infof("[%s] completed image %d from %s (%d bytes)", r.Config.Name, state.imageId, peer, len(blob))
		r.finish(peer, ps, nil)
		ps.completed.InsertData(header.ImageId, uint32(len(blob)))
		r.ack(peer, Control{Kind: ControlComplete, ImageId: header.ImageId, Value: uint32(len(blob))})
		if r.Config.ProcessBlobFunction != nil {
			r.Config.ProcessBlobFunction(r.Config.Context, peer, header.ImageId, blob)
		}
	}
	return nil
}

// validate checks the header against itself and the configuration before any state is touched.
func (r *Receiver) validate(h *FragmentHeader, payloadBytes int) error {
	switch {
	case h.TotalFrags == 0:
		return fmt.Errorf("%w: image %d has zero fragments", ErrMalformedPacket, h.ImageId)
	case h.TotalFrags > r.Config.MaxFragments():
		return fmt.Errorf("%w: %d fragments is more than the maximum %d", ErrMalformedPacket, h.TotalFrags, r.Config.MaxFragments())
	case h.Sequence >= h.TotalFrags:
		return fmt.Errorf("%w: fragment %d outside of range of %d fragments", ErrMalformedPacket, h.Sequence, h.TotalFrags)
	case int(h.FragSize) > r.Config.FragmentSize:
		return fmt.Errorf("%w: fragment bytes %d > fragment size %d", ErrMalformedPacket, h.FragSize, r.Config.FragmentSize)
	case int(h.FragSize) > payloadBytes:
		return fmt.Errorf("%w: fragment claims %d bytes but carries %d", ErrMalformedPacket, h.FragSize, payloadBytes)
	case h.IsLast != (h.Sequence == h.TotalFrags-1):
		return fmt.Errorf("%w: fragment %d of %d has is_last=%v", ErrMalformedPacket, h.Sequence, h.TotalFrags, h.IsLast)
	}
	return nil
}

// peer returns the state for peer, making room for it if the table is full.
func (r *Receiver) peer(peer string) *peerState {
	if ps, ok := r.peers[peer]; ok {
		return ps
	}
	if len(r.peers) >= r.Config.MaxPeers {
		r.evictOldestPeer()
	}
	ps := &peerState{
		retired:   NewSequenceBuffer(r.Config.RetiredIdsBufferSize),
		completed: NewSequenceBuffer(r.Config.RetiredIdsBufferSize),
		lastSeen:  r.Time,
	}
	r.peers[peer] = ps
	return ps
}

func (r *Receiver) evictOldestPeer() {
	var oldest string
	var ps *peerState
	for name, candidate := range r.peers {
		if ps == nil || candidate.lastSeen < ps.lastSeen {
			oldest, ps = name, candidate
		}
	}
	if ps == nil {
		return
	}
	log.Warningf("[%s] peer table full, evicting %s", r.Config.Name, oldest)
	if ps.active != nil {
		r.Counters[CounterNumTransfersAbandoned]++
		r.finish(oldest, ps, fmt.Errorf("%w: peer evicted", ErrTransferAbandoned))
	}
	r.Counters[CounterNumPeersEvicted]++
	delete(r.peers, oldest)
}

// finish destroys the active transfer of ps and remembers its id. A non-nil err is reported.
func (r *Receiver) finish(peer string, ps *peerState, err error) {
	state := ps.active
	ps.active = nil
	ps.retired.Insert(state.imageId)
	if err != nil && r.Config.TransferErrorFunction != nil {
		r.Config.TransferErrorFunction(r.Config.Context, peer, state.imageId, err)
	}
}

func (r *Receiver) ack(peer string, c Control) {
	if !r.Config.Reliable || r.Config.TransmitAckFunction == nil {
		return
	}
	if err := r.Config.TransmitAckFunction(r.Config.Context, peer, WriteControl(c)); err != nil {
		log.Errorf("[%s] failed to send %v for image %d to %s: %v", r.Config.Name, c.Kind, c.ImageId, peer, err)
		return
	}
	r.Counters[CounterNumAcksSent]++
}

// Update advances the receiver clock, drops transfers idle for longer than TransferTimeout and
// forgets peers idle for longer than PeerTimeout.
func (r *Receiver) Update(time float64) {
	r.Time = time
	for name, ps := range r.peers {
		if state := ps.active; state != nil && time-state.lastUpdate > r.Config.TransferTimeout {
			r.Counters[CounterNumTransfersTimedOut]++
			log.Warningf("[%s] timeout for image %d from %s, %d/%d fragments received", r.Config.Name, state.imageId, name, state.numReceived, state.totalFrags)
			r.finish(name, ps, fmt.Errorf("%w: image %d idle for %.1fs", ErrTransferTimedOut, state.imageId, time-state.lastUpdate))
		}
		if ps.active == nil && r.Config.PeerTimeout > 0 && time-ps.lastSeen > r.Config.PeerTimeout {
			log.Debugf("[%s] forgetting idle peer %s", r.Config.Name, name)
			delete(r.peers, name)
		}
	}
}

// Pending returns the number of transfers in progress.
func (r *Receiver) Pending() int {
	var n int
	for _, ps := range r.peers {
		if ps.active != nil {
			n++
		}
	}
	return n
}

// Progress reports the transfer in progress from peer, if any.
func (r *Receiver) Progress(peer string) (imageId, received, total uint32, ok bool) {
	ps, found := r.peers[peer]
	if !found || ps.active == nil {
		return 0, 0, 0, false
	}
	return ps.active.imageId, ps.active.numReceived, ps.active.totalFrags, true
}

// ReceivedBytes reports how many payload bytes the transfer in progress from peer holds.
func (r *Receiver) ReceivedBytes(peer string) int {
	if ps, ok := r.peers[peer]; ok && ps.active != nil {
		return ps.active.receivedBytes
	}
	return 0
}

func (r *Receiver) Reset() {
	r.peers = make(map[string]*peerState)
}
