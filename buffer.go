package frag

import (
	"io"
)

// buffer is a helper struct for serializing and deserializing as the caller
// does not need to externally manage where in the buffer they are currently reading or writing to.
// Multi-byte values are big-endian.
type buffer struct {
	buf []byte
	pos int
}

func newBuffer(size int) *buffer {
	return &buffer{buf: make([]byte, size)}
}

func newBufferFromRef(buf []byte) *buffer {
	return &buffer{buf: buf}
}

func (b *buffer) bytes() []byte {
	return b.buf[:b.pos]
}

func (b *buffer) getBytes(length int) ([]byte, error) {
	end := b.pos + length
	if length < 0 || end > len(b.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	value := b.buf[b.pos:end]
	b.pos = end
	return value, nil
}

func (b *buffer) getUint8() (uint8, error) {
	buf, err := b.getBytes(sizeUint8)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *buffer) getUint32() (uint32, error) {
	buf, err := b.getBytes(sizeUint32)
	if err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

func (b *buffer) writeBytes(src []byte) {
	b.pos += copy(b.buf[b.pos:], src)
}

func (b *buffer) writeUint8(n uint8) {
	b.buf[b.pos] = n
	b.pos++
}

func (b *buffer) writeUint32(n uint32) {
	b.buf[b.pos] = byte(n >> 24)
	b.buf[b.pos+1] = byte(n >> 16)
	b.buf[b.pos+2] = byte(n >> 8)
	b.buf[b.pos+3] = byte(n)
	b.pos += sizeUint32
}

const (
	sizeUint8  = 1
	sizeUint32 = 4
)
