package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// MaxFrameSize bounds a single framed datagram, the same as the largest IPv4 UDP payload.
const MaxFrameSize = 65507

const frameHeaderBytes = 4

// writeFrame sends p prefixed with its big-endian u32 length in a single write.
func writeFrame(w io.Writer, p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(p), MaxFrameSize)
	}
	buf := make([]byte, frameHeaderBytes+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[frameHeaderBytes:], p)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderBytes]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", n, MaxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

type frame struct {
	data []byte
	addr net.Addr
}

// streamPacketConn accepts TCP connections and presents the frames of all of them as one
// packet connection. Peers are addressed by their remote address.
type streamPacketConn struct {
	ln       net.Listener
	incoming chan frame
	done     chan struct{}
	once     sync.Once

	mu           sync.Mutex
	conns        map[string]net.Conn
	readDeadline time.Time
	writeMu      sync.Mutex
}

func listenTCP(ctx context.Context, addr string, opts Options) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: opts.control}
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, err
	}
	c := &streamPacketConn{
		ln:       ln,
		incoming: make(chan frame, 256),
		done:     make(chan struct{}),
		conns:    make(map[string]net.Conn),
	}
	go c.accept()
	log.Infof("listening on tcp %s", ln.Addr())
	return c, nil
}

func (c *streamPacketConn) accept() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Errorf("accept failed: %v", err)
			}
			return
		}
		id := conn.RemoteAddr().String()
		c.mu.Lock()
		c.conns[id] = conn
		c.mu.Unlock()
		log.Debugf("tcp peer %s connected", id)
		go c.read(conn)
	}
}

func (c *streamPacketConn) read(conn net.Conn) {
	id := conn.RemoteAddr().String()
	defer func() {
		c.mu.Lock()
		delete(c.conns, id)
		c.mu.Unlock()
		conn.Close()
		log.Debugf("tcp peer %s disconnected", id)
	}()

	r := bufio.NewReader(conn)
	for {
		data, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				log.Warningf("dropping tcp peer %s: %v", id, err)
			}
			return
		}
		select {
		case c.incoming <- frame{data: data, addr: conn.RemoteAddr()}:
		case <-c.done:
			return
		}
	}
}

func (c *streamPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case f := <-c.incoming:
		// frames longer than p are truncated like datagrams
		return copy(p, f.data), f.addr, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *streamPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	conn, ok := c.conns[addr.String()]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no tcp connection from %s", addr)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(conn, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *streamPacketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ln.Close()
		c.mu.Lock()
		for _, conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()
	})
	return err
}

func (c *streamPacketConn) LocalAddr() net.Addr {
	return c.ln.Addr()
}

func (c *streamPacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *streamPacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op; writes go to whichever connection the address names.
func (c *streamPacketConn) SetWriteDeadline(time.Time) error {
	return nil
}

// framedConn is the dialing side of a TCP transport.
type framedConn struct {
	net.Conn
	r  *bufio.Reader
	mu sync.Mutex
}

func dialTCP(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	d := net.Dialer{Control: opts.control}
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, err
	}
	log.Debugf("connected to tcp %s from %s", conn.RemoteAddr(), conn.LocalAddr())
	return &framedConn{Conn: conn, r: bufio.NewReader(conn)}, nil
}

// Read returns one frame. A frame longer than p is truncated.
func (c *framedConn) Read(p []byte) (int, error) {
	data, err := readFrame(c.r)
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

func (c *framedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFrame(c.Conn, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
