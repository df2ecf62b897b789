package frag

import (
	"fmt"
)

// FragmentHeader prefixes every datagram. On the wire all integers are big-endian:
//
//	[ image_id:u32 ][ seq_num:u32 ][ total_frags:u32 ][ frag_size:u32 ][ is_last:u8 ][ payload ]
type FragmentHeader struct {
	ImageId    uint32
	Sequence   uint32
	TotalFrags uint32
	FragSize   uint32
	IsLast     bool
}

const FragmentHeaderBytes = 4*sizeUint32 + sizeUint8

// WriteFragmentHeader writes h to the start of packetData and returns the number of bytes written,
// or -1 if packetData is too small.
func WriteFragmentHeader(packetData []byte, h *FragmentHeader) int {
	if len(packetData) < FragmentHeaderBytes {
		return -1
	}
	p := newBufferFromRef(packetData)
	p.writeUint32(h.ImageId)
	p.writeUint32(h.Sequence)
	p.writeUint32(h.TotalFrags)
	p.writeUint32(h.FragSize)
	if h.IsLast {
		p.writeUint8(1)
	} else {
		p.writeUint8(0)
	}
	return p.pos
}

// EncodeFragmentHeader returns a freshly allocated header record.
func EncodeFragmentHeader(h *FragmentHeader) []byte {
	b := make([]byte, FragmentHeaderBytes)
	WriteFragmentHeader(b, h)
	return b
}

// ReadFragmentHeader decodes the header at the start of packetData. The payload follows at
// packetData[FragmentHeaderBytes:].
func ReadFragmentHeader(packetData []byte) (FragmentHeader, error) {
	var h FragmentHeader
	if len(packetData) < FragmentHeaderBytes {
		return h, fmt.Errorf("%w: %d bytes is too small for a fragment header", ErrMalformedPacket, len(packetData))
	}
	p := newBufferFromRef(packetData)
	h.ImageId, _ = p.getUint32()
	h.Sequence, _ = p.getUint32()
	h.TotalFrags, _ = p.getUint32()
	h.FragSize, _ = p.getUint32()
	last, _ := p.getUint8()
	switch last {
	case 0:
	case 1:
		h.IsLast = true
	default:
		return h, fmt.Errorf("%w: is_last flag is %d", ErrMalformedPacket, last)
	}
	return h, nil
}

// FragmentOffset is where fragment seq starts inside the blob.
func FragmentOffset(seq uint32, fragmentSize int) int {
	return int(seq) * fragmentSize
}

// NumFragments is the fragment count for a blob of size bytes. An empty blob still takes one
// (empty) fragment so the receiver learns about it.
func NumFragments(size, fragmentSize int) uint32 {
	if size <= 0 {
		return 1
	}
	return uint32((size + fragmentSize - 1) / fragmentSize)
}

type ControlKind uint8

const (
	ControlAck      ControlKind = 1
	ControlComplete ControlKind = 2
)

func (k ControlKind) String() string {
	switch k {
	case ControlAck:
		return "ACK"
	case ControlComplete:
		return "TRANSFER_COMPLETE"
	}
	return fmt.Sprintf("ControlKind(%d)", uint8(k))
}

// Control messages flow from receiver back to sender in reliable mode. Value holds the
// acknowledged sequence for ControlAck and the blob size for ControlComplete.
type Control struct {
	Kind    ControlKind
	ImageId uint32
	Value   uint32
}

const ControlBytes = sizeUint8 + 2*sizeUint32

func WriteControl(c Control) []byte {
	p := newBuffer(ControlBytes)
	p.writeUint8(uint8(c.Kind))
	p.writeUint32(c.ImageId)
	p.writeUint32(c.Value)
	return p.bytes()
}

func ReadControl(packetData []byte) (Control, error) {
	var c Control
	if len(packetData) != ControlBytes {
		return c, fmt.Errorf("%w: control message is %d bytes, expected %d", ErrMalformedPacket, len(packetData), ControlBytes)
	}
	p := newBufferFromRef(packetData)
	kind, _ := p.getUint8()
	c.Kind = ControlKind(kind)
	if c.Kind != ControlAck && c.Kind != ControlComplete {
		return c, fmt.Errorf("%w: unknown control kind %d", ErrMalformedPacket, kind)
	}
	c.ImageId, _ = p.getUint32()
	c.Value, _ = p.getUint32()
	return c, nil
}
