package ads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"adslink/logging"
)

// Transport selects the link layer a Conn runs.
type Transport int

const (
	TransportSerial Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "serial"
}

func (t Transport) debugName() string {
	if t == TransportTCP {
		return "ADS/TCP"
	}
	return "ADS/SERIAL"
}

// Default connection timing.
const (
	DefaultAckTimeout     = time.Second
	DefaultMaxRetries     = 3
	DefaultRequestTimeout = 5 * time.Second
)

// options holds configuration for NewSerialConn and NewTCPConn.
type options struct {
	source         AmsAddress
	transmitter    byte
	receiver       byte
	ackTimeout     time.Duration
	maxRetries     int
	requestTimeout time.Duration
	resolver       SymbolResolver
}

// Option is a functional option for a Conn.
type Option func(*options)

// WithSource sets the AMS address requests are sent from.
// Default is 0.0.0.0.1.1 with a port in the 32768+ client range.
func WithSource(addr AmsAddress) Option {
	return func(o *options) {
		o.source = addr
	}
}

// WithLinkAddresses sets the transmitter and receiver bytes of outbound
// serial envelopes. Default is 0/0.
func WithLinkAddresses(transmitter, receiver byte) Option {
	return func(o *options) {
		o.transmitter = transmitter
		o.receiver = receiver
	}
}

// WithAckTimeout sets how long the serial link waits for an acknowledgment
// before retransmitting.
func WithAckTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ackTimeout = d
		}
	}
}

// WithMaxRetries sets how often an unacknowledged envelope is retransmitted
// before the link fails.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRequestTimeout sets the default deadline of a request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithSymbolResolver sets the resolver used for symbolic addresses.
func WithSymbolResolver(r SymbolResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// Conn is a connection to one ADS device. All protocol state lives in a
// single goroutine started by Connect; the methods of Conn are safe for
// concurrent use and never block on the wire.
type Conn struct {
	transport Transport
	factory   ChannelFactory
	target    AmsAddress
	opts      options

	mu      sync.Mutex
	started bool
	closed  bool

	// Hand-off to the connection loop.
	qmu     sync.Mutex
	queue   []*pendingRequest
	removed []*Future
	stopped bool
	wake    chan struct{}

	closeCh chan struct{}
	done    chan struct{}

	state   atomic.Int32
	pending atomic.Int64
	stats   counters

	errMu sync.Mutex
	err   error
}

// NewSerialConn returns an unconnected Conn speaking the ADS serial protocol
// over channels opened by factory.
func NewSerialConn(factory ChannelFactory, target AmsAddress, opts ...Option) *Conn {
	return newConn(TransportSerial, factory, target, opts)
}

// NewTCPConn returns an unconnected Conn speaking AMS/TCP over channels
// opened by factory.
func NewTCPConn(factory ChannelFactory, target AmsAddress, opts ...Option) *Conn {
	return newConn(TransportTCP, factory, target, opts)
}

func newConn(transport Transport, factory ChannelFactory, target AmsAddress, opts []Option) *Conn {
	cfg := options{
		source: AmsAddress{
			NetId: AmsNetId{0, 0, 0, 0, 1, 1},
			Port:  AmsPort(32768 + (time.Now().UnixNano() % 1000)), // Random-ish port
		},
		ackTimeout:     DefaultAckTimeout,
		maxRetries:     DefaultMaxRetries,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Conn{
		transport: transport,
		factory:   factory,
		target:    target,
		opts:      cfg,
		wake:      make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Target returns the AMS address requests are sent to.
func (c *Conn) Target() AmsAddress { return c.target }

// Source returns the AMS address requests are sent from.
func (c *Conn) Source() AmsAddress { return c.opts.source }

// Transport returns the link layer of the connection.
func (c *Conn) Transport() Transport { return c.transport }

// State returns the current link state.
func (c *Conn) State() LinkState {
	return LinkState(c.state.Load())
}

// Done is closed when the connection stops, by Close or by link failure.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection stopped, or nil while it runs.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Connect opens the channel and starts the connection. A Conn can be
// connected once; after Close or a link failure create a new one.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if c.started {
		return nil
	}

	name := c.transport.debugName()
	logging.DebugConnect(name, c.target.String())

	ch, err := c.factory.Open(ctx)
	if err != nil {
		logging.DebugConnectError(name, c.target.String(), err)
		return fmt.Errorf("connect %s: %w", c.target, err)
	}

	var l link
	switch c.transport {
	case TransportTCP:
		l = &tcpLink{}
	default:
		l = newSerialLink(c.opts.transmitter, c.opts.receiver, c.opts.maxRetries)
	}

	inbound := make(chan []byte, 16)
	readErr := make(chan error, 1)
	e := &engine{
		conn:  c,
		ch:    ch,
		link:  l,
		corr:  newCorrelator(),
		debug: name,
	}

	c.started = true
	c.state.Store(int32(l.State()))
	go c.readLoop(ch, inbound, readErr)
	go e.run(inbound, readErr)

	logging.DebugConnectSuccess(name, c.target.String(), fmt.Sprintf("source=%s", c.opts.source))
	return nil
}

// Close stops the connection, closes the channel and fails every request
// that is still queued or pending with ErrConnectionClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	close(c.closeCh)
	c.mu.Unlock()

	if started {
		<-c.done
	} else {
		c.setErr(ErrConnectionClosed)
		close(c.done)
	}
	c.state.Store(int32(LinkClosed))
	return nil
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// readLoop pumps inbound bytes into the connection loop until the channel
// fails or is closed.
func (c *Conn) readLoop(ch io.Reader, inbound chan<- []byte, readErr chan<- error) {
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			select {
			case inbound <- p:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case readErr <- err:
			case <-c.done:
			}
			return
		}
	}
}

// Submit hands req to the connection and returns immediately. A timeout of
// zero uses the connection default. Symbolic addresses are resolved before
// the request is queued.
func (c *Conn) Submit(req Request, timeout time.Duration) *Future {
	if timeout <= 0 {
		timeout = c.opts.requestTimeout
	}

	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()
	switch {
	case closed:
		return failedFuture(ErrConnectionClosed)
	case !started:
		return failedFuture(ErrNotConnected)
	}

	f := newFuture(c.abandon)
	p := &pendingRequest{req: req, timeout: timeout, future: f}

	if ar, ok := req.(addressedRequest); ok {
		switch a := ar.target().(type) {
		case RawAddress:
		case SymbolicAddress:
			go c.resolveAndEnqueue(ar, a, p)
			return f
		default:
			f.complete(nil, fmt.Errorf("unsupported address %v", a))
			return f
		}
	}

	c.enqueue(p)
	return f
}

// resolveAndEnqueue resolves a symbolic target off the connection loop.
func (c *Conn) resolveAndEnqueue(ar addressedRequest, sym SymbolicAddress, p *pendingRequest) {
	if c.opts.resolver == nil {
		p.future.complete(nil, fmt.Errorf("resolve %s: no symbol resolver configured", sym.Name))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	raw, err := c.opts.resolver.Resolve(ctx, sym.Name)
	if err != nil {
		p.future.complete(nil, fmt.Errorf("resolve %s: %w", sym.Name, err))
		return
	}
	logging.DebugLog(c.transport.debugName(), "Resolved %s -> %s", sym.Name, raw)
	p.req = ar.withTarget(raw)
	c.enqueue(p)
}

func (c *Conn) enqueue(p *pendingRequest) {
	payload, err := p.req.MarshalBinary()
	if err != nil {
		p.future.complete(nil, err)
		return
	}
	p.payload = payload

	c.qmu.Lock()
	if c.stopped {
		c.qmu.Unlock()
		p.future.complete(nil, c.doneErr())
		return
	}
	c.queue = append(c.queue, p)
	c.qmu.Unlock()
	c.signal()
}

// abandon tells the loop to forget a canceled or timed out request.
func (c *Conn) abandon(f *Future) {
	c.qmu.Lock()
	if c.stopped {
		c.qmu.Unlock()
		return
	}
	c.removed = append(c.removed, f)
	c.qmu.Unlock()
	c.signal()
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takeQueued returns everything handed off since the last call.
func (c *Conn) takeQueued() ([]*pendingRequest, []*Future) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	q, r := c.queue, c.removed
	c.queue, c.removed = nil, nil
	return q, r
}

// stop refuses further hand-offs and returns what was still queued.
func (c *Conn) stop(err error) []*pendingRequest {
	c.setErr(err)
	c.qmu.Lock()
	defer c.qmu.Unlock()
	c.stopped = true
	q := c.queue
	c.queue, c.removed = nil, nil
	return q
}

func (c *Conn) doneErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

// Read reads size bytes at addr.
func (c *Conn) Read(addr Address, size uint32) *Future {
	return c.Submit(&ReadRequest{Address: addr, Length: size}, 0)
}

// ReadValue reads one value of the named PLC type (e.g. "DINT", "STRING(20)").
func (c *Conn) ReadValue(addr Address, typeName string) *Future {
	size, err := ReadSize(typeName, 1)
	if err != nil {
		return failedFuture(err)
	}
	return c.Read(addr, size)
}

// Write writes data at addr.
func (c *Conn) Write(addr Address, data []byte) *Future {
	return c.Submit(&WriteRequest{Address: addr, Data: data}, 0)
}

// ReadWrite writes data at addr and reads readLength bytes back.
func (c *Conn) ReadWrite(addr Address, readLength uint32, data []byte) *Future {
	return c.Submit(&ReadWriteRequest{Address: addr, ReadLength: readLength, Data: data}, 0)
}

// ReadState reads the ADS and device state of the target.
func (c *Conn) ReadState(ctx context.Context) (DeviceState, error) {
	resp, err := c.Submit(ReadStateRequest{}, 0).Wait(ctx)
	if err != nil {
		return DeviceState{}, err
	}
	return ParseDeviceState(resp.Data)
}

// ReadDeviceInfo reads the name and version of the target.
func (c *Conn) ReadDeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	resp, err := c.Submit(ReadDeviceInfoRequest{}, 0).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return ParseDeviceInfo(resp.Data)
}

// Stats is a snapshot of connection counters.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	Retransmits    uint64
	AcksSent       uint64
	AcksReceived   uint64
	StrayAcks      uint64
	Duplicates     uint64
	CrcErrors      uint64
	StaleResponses uint64
	Timeouts       uint64
	Pending        int64
}

type counters struct {
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	retransmits    atomic.Uint64
	acksSent       atomic.Uint64
	acksReceived   atomic.Uint64
	strayAcks      atomic.Uint64
	duplicates     atomic.Uint64
	crcErrors      atomic.Uint64
	staleResponses atomic.Uint64
	timeouts       atomic.Uint64
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		FramesSent:     c.stats.framesSent.Load(),
		FramesReceived: c.stats.framesReceived.Load(),
		Retransmits:    c.stats.retransmits.Load(),
		AcksSent:       c.stats.acksSent.Load(),
		AcksReceived:   c.stats.acksReceived.Load(),
		StrayAcks:      c.stats.strayAcks.Load(),
		Duplicates:     c.stats.duplicates.Load(),
		CrcErrors:      c.stats.crcErrors.Load(),
		StaleResponses: c.stats.staleResponses.Load(),
		Timeouts:       c.stats.timeouts.Load(),
		Pending:        c.pending.Load(),
	}
}

// IsConnectionError reports whether err means the connection is gone and
// has to be re-established.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrNotConnected)
}
