package ads

import (
	"errors"
	"fmt"
	"io"
	"time"

	"adslink/logging"
)

// engine is the connection loop. Everything it references is touched only
// from run's goroutine.
type engine struct {
	conn  *Conn
	ch    io.ReadWriteCloser
	link  link
	corr  *correlator
	debug string

	deferred []*pendingRequest // waiting for a free invoke id
	outbound []*pendingRequest // waiting for the link

	ackTimer *time.Timer
	ackC     <-chan time.Time
}

func (e *engine) run(inbound <-chan []byte, readErr <-chan error) {
	c := e.conn
	defer close(c.done)

	for {
		select {
		case <-c.wake:
			queued, removed := c.takeQueued()
			for _, f := range removed {
				e.remove(f)
			}
			for _, p := range queued {
				e.submit(p)
			}

		case p := <-inbound:
			e.receive(p)

		case <-e.ackC:
			e.ackTimeout()

		case err := <-readErr:
			logging.DebugDisconnect(e.debug, c.target.String(), fmt.Sprintf("read failed: %v", err))
			e.fail(fmt.Errorf("%w: %w", ErrConnectionClosed, err))

		case <-c.closeCh:
			logging.DebugDisconnect(e.debug, c.target.String(), "close requested")
			e.fail(ErrConnectionClosed)
		}

		if e.ch == nil {
			return
		}
		c.state.Store(int32(e.link.State()))
		c.pending.Store(int64(e.corr.size() + len(e.deferred)))
	}
}

// submit assigns an invoke id, or defers the request while the next id is
// still in use. Deferred requests keep their order.
func (e *engine) submit(p *pendingRequest) {
	if p.future.isDone() {
		return
	}
	if len(e.deferred) > 0 {
		e.deferred = append(e.deferred, p)
		return
	}
	id, ok := e.corr.allocate()
	if !ok {
		logging.DebugLog(e.debug, "Invoke id %d still pending, deferring request", e.corr.last+1)
		e.deferred = append(e.deferred, p)
		return
	}
	e.register(p, id)
	e.pump()
}

func (e *engine) register(p *pendingRequest, id uint32) {
	c := e.conn
	p.id = id
	p.frame = EncodeFrame(&Frame{
		Target:     c.target,
		Source:     c.opts.source,
		Command:    p.req.Command(),
		StateFlags: StateFlagRequest,
		InvokeId:   id,
		Data:       p.payload,
	})
	e.corr.register(p)

	f := p.future
	p.timer = time.AfterFunc(p.timeout, func() {
		if f.complete(nil, ErrRequestTimeout) {
			c.stats.timeouts.Add(1)
			c.abandon(f)
		}
	})
	e.outbound = append(e.outbound, p)
}

// retryDeferred hands out ids to deferred requests once they free up.
func (e *engine) retryDeferred() {
	for len(e.deferred) > 0 {
		p := e.deferred[0]
		if p.future.isDone() {
			e.deferred = e.deferred[1:]
			continue
		}
		id, ok := e.corr.allocate()
		if !ok {
			return
		}
		e.deferred = e.deferred[1:]
		e.register(p, id)
	}
}

// pump sends queued frames while the link accepts them.
func (e *engine) pump() {
	for len(e.outbound) > 0 && e.ch != nil && !e.link.Busy() {
		p := e.outbound[0]
		e.outbound = e.outbound[1:]
		if p.future.isDone() {
			continue
		}

		wire, err := e.link.Send(p.frame)
		if err != nil {
			if errors.Is(err, ErrEnvelopeTooLarge) {
				e.corr.resolve(p.id)
				e.finish(p, nil, err)
				continue
			}
			e.fail(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}
		logging.DebugLog(e.debug, "Request %s id=%d", p.req.Command(), p.id)
		if !e.write(wire) {
			return
		}
		p.sent = true
		e.conn.stats.framesSent.Add(1)
		if e.link.Busy() {
			e.armAck()
		}
	}
}

func (e *engine) write(b []byte) bool {
	logging.DebugTX(e.debug, b)
	if _, err := e.ch.Write(b); err != nil {
		logging.DebugError(e.debug, "write", err)
		e.fail(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
		return false
	}
	return true
}

func (e *engine) receive(b []byte) {
	c := e.conn
	logging.DebugRX(e.debug, b)

	res := e.link.Receive(b)
	for _, ack := range res.replies {
		if !e.write(ack) {
			return
		}
		c.stats.acksSent.Add(1)
	}
	for _, err := range res.dropped {
		c.stats.crcErrors.Add(1)
		logging.DebugLog(e.debug, "Dropped corrupt input: %v", err)
	}
	if res.strayAcks > 0 {
		c.stats.strayAcks.Add(uint64(res.strayAcks))
		logging.DebugLog(e.debug, "Ignored %d unexpected ack(s)", res.strayAcks)
	}
	if res.duplicates > 0 {
		c.stats.duplicates.Add(uint64(res.duplicates))
		logging.DebugLog(e.debug, "Re-acknowledged %d duplicate envelope(s)", res.duplicates)
	}
	if res.acked {
		c.stats.acksReceived.Add(1)
		e.disarmAck()
	}
	for _, frame := range res.frames {
		c.stats.framesReceived.Add(1)
		e.dispatch(frame)
	}
	e.pump()
}

// dispatch matches an inbound frame to its pending request.
func (e *engine) dispatch(b []byte) {
	c := e.conn

	f, err := DecodeFrame(b)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) && de.HasInvokeId {
			if p, ok := e.corr.resolve(de.InvokeId); ok {
				e.finish(p, nil, err)
				return
			}
		}
		logging.DebugError(e.debug, "decode frame", err)
		return
	}

	if !f.IsResponse() {
		logging.DebugLog(e.debug, "Ignoring unsolicited %s", f)
		return
	}

	p, ok := e.corr.resolve(f.InvokeId)
	if !ok {
		c.stats.staleResponses.Add(1)
		logging.DebugLog(e.debug, "Dropping response without pending request: %s", f)
		return
	}
	if f.Command != p.req.Command() {
		e.finish(p, nil, fmt.Errorf("response command %s does not match request %s", f.Command, p.req.Command()))
		return
	}

	resp, err := parseResponse(f)
	e.finish(p, resp, err)
}

// finish completes a request that was already taken out of the correlator.
func (e *engine) finish(p *pendingRequest, resp *Response, err error) {
	p.stop()
	p.future.complete(resp, err)
	e.retryDeferred()
}

// remove forgets a request whose future completed outside the loop.
func (e *engine) remove(f *Future) {
	if p, ok := e.corr.remove(f); ok {
		p.stop()
		logging.DebugLog(e.debug, "Request id=%d abandoned: %v", p.id, f.err)
	}
	e.outbound = without(e.outbound, f)
	e.deferred = without(e.deferred, f)
	e.retryDeferred()
	e.pump()
}

func without(list []*pendingRequest, f *Future) []*pendingRequest {
	out := list[:0]
	for _, p := range list {
		if p.future != f {
			out = append(out, p)
		}
	}
	return out
}

func (e *engine) ackTimeout() {
	e.ackC = nil
	wire, err := e.link.Expire()
	if err != nil {
		logging.DebugError(e.debug, "ack", err)
		e.fail(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
		return
	}
	if wire == nil {
		return
	}
	e.conn.stats.retransmits.Add(1)
	logging.DebugLog(e.debug, "Ack timeout, retransmitting")
	if e.write(wire) {
		e.armAck()
	}
}

func (e *engine) armAck() {
	d := e.conn.opts.ackTimeout
	if e.ackTimer == nil {
		e.ackTimer = time.NewTimer(d)
	} else {
		e.ackTimer.Reset(d)
	}
	e.ackC = e.ackTimer.C
}

func (e *engine) disarmAck() {
	if e.ackTimer != nil {
		e.ackTimer.Stop()
	}
	e.ackC = nil
}

// fail stops the connection and fails every request it still holds.
func (e *engine) fail(err error) {
	if e.ch == nil {
		return
	}
	c := e.conn
	e.disarmAck()

	queued := c.stop(err)
	if e.link.State() == LinkFailed {
		c.state.Store(int32(LinkFailed))
	} else {
		c.state.Store(int32(LinkClosed))
	}

	for _, p := range e.corr.drain() {
		p.stop()
		p.future.complete(nil, err)
	}
	for _, list := range [][]*pendingRequest{e.deferred, e.outbound, queued} {
		for _, p := range list {
			p.stop()
			p.future.complete(nil, err)
		}
	}
	e.deferred, e.outbound = nil, nil
	c.pending.Store(0)

	e.ch.Close()
	e.ch = nil
}
