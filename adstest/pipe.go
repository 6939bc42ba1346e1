// Package adstest provides in-memory channels and simulated ADS peers for
// testing connections without hardware.
package adstest

import (
	"context"
	"io"
	"sync"

	"adslink/ads"
)

// half is one direction of a Pipe.
type half struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newHalf() *half {
	h := &half{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *half) write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, io.ErrClosedPipe
	}
	h.buf = append(h.buf, p...)
	h.cond.Broadcast()
	return len(p), nil
}

func (h *half) read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.buf) == 0 && !h.closed {
		h.cond.Wait()
	}
	if len(h.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, h.buf)
	h.buf = h.buf[n:]
	return n, nil
}

func (h *half) close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Endpoint is one side of a Pipe.
type Endpoint struct {
	in  *half
	out *half
}

// Read blocks until the other side wrote data or either side closed.
func (e *Endpoint) Read(p []byte) (int, error) { return e.in.read(p) }

// Write never blocks.
func (e *Endpoint) Write(p []byte) (int, error) { return e.out.write(p) }

// Close closes both directions. Buffered data can still be read by the
// other side before it sees io.EOF.
func (e *Endpoint) Close() error {
	e.in.close()
	e.out.close()
	return nil
}

// Pipe returns two connected endpoints. Unlike net.Pipe writes are buffered,
// so a writer never waits for the reader.
func Pipe() (*Endpoint, *Endpoint) {
	ab, ba := newHalf(), newHalf()
	return &Endpoint{in: ba, out: ab}, &Endpoint{in: ab, out: ba}
}

// Factory returns a channel factory that hands out ch.
func Factory(ch io.ReadWriteCloser) ads.ChannelFactory {
	return ads.ChannelFactoryFunc(func(ctx context.Context) (io.ReadWriteCloser, error) {
		return ch, nil
	})
}
