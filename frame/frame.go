// Package frame turns a duplex byte stream into a message stream.
//
// Each frame is a 4-byte little-endian length followed by that many payload bytes. A Send on one end is observed as
// exactly one Recv on the other, never split or coalesced, whatever the transport does to the bytes in between.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	headerSize = 4
	// DefaultMaxSize is the largest frame accepted by default.
	DefaultMaxSize = 64 << 20
)

var (
	ErrClosed        = errors.New("frame: use of closed conn")
	ErrFrameTooLarge = errors.New("frame: frame too large")
)

// Conn is a message-oriented connection over a raw duplex stream.
// Send may be called concurrently with Recv; concurrent Sends are serialized.
type Conn struct {
	rw      io.ReadWriteCloser
	maxSize int

	wmu         sync.Mutex
	writeClosed atomic.Bool

	rmu        sync.Mutex
	readClosed atomic.Bool
	header     [headerSize]byte

	mu     sync.Mutex
	closed bool
}

type Option func(c *Conn)

// WithMaxSize bounds the size of frames in both directions.
func WithMaxSize(n int) Option {
	return func(c *Conn) {
		c.maxSize = n
	}
}

func New(rw io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{rw: rw, maxSize: DefaultMaxSize}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send writes b as one frame. The frame is written with a single write so it is never interleaved with another.
func (c *Conn) Send(b []byte) error {
	if len(b) > c.maxSize {
		return fmt.Errorf("sending %d bytes: %w", len(b), ErrFrameTooLarge)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeClosed.Load() || c.isClosed() {
		return ErrClosed
	}

	buf := make([]byte, headerSize+len(b))
	binary.LittleEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[headerSize:], b)
	if _, err := c.rw.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Recv reads the next frame. It returns io.EOF once the peer has ended its side and every frame has been read.
// Other errors are returned as reported by the underlying stream, so a worker crash surfaces as its crash signal.
func (c *Conn) Recv() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.isClosed() {
		return nil, ErrClosed
	}
	if c.readClosed.Load() {
		return nil, io.EOF
	}

	_, err := io.ReadFull(c.rw, c.header[:])
	if err == io.EOF {
		c.readClosed.Store(true)
		c.maybeEnd()
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	n := binary.LittleEndian.Uint32(c.header[:])
	if uint64(n) > uint64(c.maxSize) {
		return nil, fmt.Errorf("receiving %d bytes: %w", n, ErrFrameTooLarge)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.rw, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return b, nil
}

// CloseWrite ends the outbound direction. When the inbound direction has ended too, the stream is closed.
// Streams that cannot half-close are closed right away.
func (c *Conn) CloseWrite() error {
	c.wmu.Lock()
	if c.writeClosed.Load() || c.isClosed() {
		c.wmu.Unlock()
		return ErrClosed
	}
	c.writeClosed.Store(true)
	c.wmu.Unlock()

	cw, ok := c.rw.(interface{ CloseWrite() error })
	if !ok {
		return c.Close()
	}
	err := cw.CloseWrite()
	c.maybeEnd()
	return err
}

// Close closes the stream in both directions.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()
	return c.rw.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// maybeEnd closes the stream once both directions have ended.
func (c *Conn) maybeEnd() {
	if c.writeClosed.Load() && c.readClosed.Load() {
		_ = c.Close()
	}
}
