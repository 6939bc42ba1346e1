package ads

import (
	"time"
)

// pendingRequest is one request between submission and completion.
type pendingRequest struct {
	id      uint32
	req     Request
	payload []byte // marshalled command payload
	frame   []byte // encoded AMS frame, set once an invoke id is assigned
	timeout time.Duration
	timer   *time.Timer
	future  *Future
	sent    bool
}

// stop releases the request timer.
func (p *pendingRequest) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// correlator assigns invoke ids and matches responses to requests.
// It is owned by the connection loop and not safe for concurrent use.
type correlator struct {
	last    uint32
	pending map[uint32]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[uint32]*pendingRequest)}
}

// allocate returns the next invoke id. Ids increase monotonically, wrap and
// skip 0. If the next id is still pending allocate fails without advancing,
// so the caller has to wait until that request completes.
func (c *correlator) allocate() (uint32, bool) {
	id := c.last + 1
	if id == 0 {
		id = 1
	}
	if _, busy := c.pending[id]; busy {
		return 0, false
	}
	c.last = id
	return id, true
}

func (c *correlator) register(p *pendingRequest) {
	c.pending[p.id] = p
}

// resolve removes and returns the request waiting for id.
func (c *correlator) resolve(id uint32) (*pendingRequest, bool) {
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

// remove drops the entry for f, if any.
func (c *correlator) remove(f *Future) (*pendingRequest, bool) {
	for id, p := range c.pending {
		if p.future == f {
			delete(c.pending, id)
			return p, true
		}
	}
	return nil, false
}

// drain empties the table and returns what was pending.
func (c *correlator) drain() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		out = append(out, p)
		delete(c.pending, id)
	}
	return out
}

func (c *correlator) size() int {
	return len(c.pending)
}
