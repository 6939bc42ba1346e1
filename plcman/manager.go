// Package plcman provides ADS connection management with background polling.
package plcman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"adslink/ads"
	"adslink/config"
	"adslink/logging"
)

var (
	ErrPLCNotFound      = errors.New("PLC not found")
	ErrPLCNotConnected  = errors.New("PLC not connected")
	ErrTagNotFound      = errors.New("tag not found")
	ErrTagNotWritable   = errors.New("tag not writable")
	ErrWriteSizeInvalid = errors.New("write size does not match tag")
)

const (
	connectTimeout = 5 * time.Second
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
)

// ConnectionStatus represents the state of a PLC connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Dialer returns the channel factory for a PLC.
type Dialer func(cfg *config.PLCConfig) (ads.ChannelFactory, error)

// DefaultDialer opens the serial port or TCP endpoint named in cfg.
func DefaultDialer(cfg *config.PLCConfig) (ads.ChannelFactory, error) {
	if cfg.IsTCP() {
		return ads.TCPChannel(cfg.Address, connectTimeout), nil
	}
	sc := ads.DefaultSerialConfig(cfg.Serial.Device)
	if cfg.Serial.BaudRate > 0 {
		sc.BaudRate = cfg.Serial.BaudRate
	}
	if cfg.Serial.DataBits > 0 {
		sc.DataBits = cfg.Serial.DataBits
	}
	if cfg.Serial.Parity != "" {
		sc.Parity = cfg.Serial.Parity
	}
	if cfg.Serial.StopBits > 0 {
		sc.StopBits = cfg.Serial.StopBits
	}
	return ads.SerialChannel(sc), nil
}

// ManagedPLC represents a PLC under management.
type ManagedPLC struct {
	Config    *config.PLCConfig
	Conn      *ads.Conn
	Identity  *ads.DeviceInfo
	Values    map[string]*TagValue
	Status    ConnectionStatus
	LastError error
	LastPoll  time.Time

	tags        []tagPlan
	backoff     time.Duration
	nextAttempt time.Time
	mu          sync.RWMutex
}

// GetStatus returns the current connection status thread-safely.
func (p *ManagedPLC) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Status
}

// GetError returns the last error thread-safely.
func (p *ManagedPLC) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.LastError
}

// GetIdentity returns the device info read on connect, if any.
func (p *ManagedPLC) GetIdentity() *ads.DeviceInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Identity
}

// GetValues returns a copy of the cached tag values.
func (p *ManagedPLC) GetValues() map[string]*TagValue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*TagValue, len(p.Values))
	for k, v := range p.Values {
		out[k] = v
	}
	return out
}

// Stats returns the connection counters, or zero values while disconnected.
func (p *ManagedPLC) Stats() ads.Stats {
	p.mu.RLock()
	conn := p.Conn
	p.mu.RUnlock()
	if conn == nil {
		return ads.Stats{}
	}
	return conn.Stats()
}

// LinkState returns the transport state of the connection, LinkClosed when
// there is none.
func (p *ManagedPLC) LinkState() ads.LinkState {
	p.mu.RLock()
	conn := p.Conn
	p.mu.RUnlock()
	if conn == nil {
		return ads.LinkClosed
	}
	return conn.State()
}

func (p *ManagedPLC) connected() (*ads.Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Conn, p.Status == StatusConnected && p.Conn != nil
}

// PollStats tracks polling statistics.
type PollStats struct {
	LastPollTime time.Time
	TagsPolled   int
	ChangesFound int
	LastError    error
}

// PLCWorker polls a single PLC in its own goroutine.
type PLCWorker struct {
	plc      *ManagedPLC
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration

	tagsPolled   int
	changesFound int
	lastError    error
	statsMu      sync.RWMutex
}

func newPLCWorker(parent context.Context, plc *ManagedPLC, manager *Manager, pollRate time.Duration) *PLCWorker {
	ctx, cancel := context.WithCancel(parent)
	return &PLCWorker{
		plc:      plc,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

// Start begins the worker's poll loop.
func (w *PLCWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop halts the worker and waits for it to finish.
func (w *PLCWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// GetStats returns the worker's current stats.
func (w *PLCWorker) GetStats() (tagsPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.tagsPolled, w.changesFound, w.lastError
}

func (w *PLCWorker) setStats(polled, changes int, err error) {
	w.statsMu.Lock()
	w.tagsPolled = polled
	w.changesFound = changes
	w.lastError = err
	w.statsMu.Unlock()
}

func (w *PLCWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	w.poll()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *PLCWorker) poll() {
	plc := w.plc
	w.checkAutoReconnect()

	conn, ok := plc.connected()
	if !ok {
		w.setStats(0, 0, nil)
		return
	}
	select {
	case <-conn.Done():
		w.manager.dropConn(plc, conn, conn.Err())
		w.setStats(0, 0, conn.Err())
		return
	default:
	}

	plc.mu.RLock()
	tags := plc.tags
	name := plc.Config.Name
	plc.mu.RUnlock()
	if len(tags) == 0 {
		w.setStats(0, 0, nil)
		return
	}

	// Submit every read before waiting; the connection pipelines or
	// serializes them as the transport allows.
	futures := make([]*ads.Future, len(tags))
	for i, t := range tags {
		futures[i] = conn.Read(t.address, t.size)
	}

	now := time.Now()
	values := make([]*TagValue, len(tags))
	var lastErr error
	for i, t := range tags {
		v := &TagValue{Name: t.sel.Name, Address: t.address, TypeName: t.sel.Type, Timestamp: now}
		resp, err := futures[i].Wait(w.ctx)
		if err != nil {
			v.Error = err
			lastErr = err
		} else {
			v.Bytes = resp.Data
		}
		values[i] = v
	}

	if lastErr != nil && ads.IsConnectionError(lastErr) {
		w.manager.dropConn(plc, conn, lastErr)
		w.setStats(len(tags), 0, lastErr)
		return
	}

	var changes []ValueChange
	plc.mu.Lock()
	for i, v := range values {
		old := plc.Values[v.Name]
		if v.Error == nil && (old == nil || old.Error != nil || !bytes.Equal(old.Bytes, v.Bytes)) {
			changes = append(changes, ValueChange{
				PLCName:   name,
				TagName:   v.Name,
				Address:   tags[i].sel.Address,
				TypeName:  v.TypeName,
				Bytes:     v.Bytes,
				Writable:  tags[i].sel.Writable,
				Timestamp: now,
			})
		}
		plc.Values[v.Name] = v
	}
	plc.LastPoll = now
	plc.mu.Unlock()

	w.setStats(len(tags), len(changes), lastErr)
	if len(changes) > 0 {
		logging.DebugLog("plcman", "%s: %d change(s)", name, len(changes))
		w.manager.sendChanges(w.ctx, changes)
	}
}

func (w *PLCWorker) checkAutoReconnect() {
	plc := w.plc

	plc.mu.RLock()
	status := plc.Status
	enabled := plc.Config.Enabled
	due := !time.Now().Before(plc.nextAttempt)
	plc.mu.RUnlock()

	if !enabled || !due {
		return
	}
	if status == StatusConnected || status == StatusConnecting {
		return
	}
	w.manager.connectPLC(w.ctx, plc)
}

// Manager manages multiple PLC connections, polls their tags and hands
// changes to the registered sinks.
type Manager struct {
	plcs    map[string]*ManagedPLC
	workers map[string]*PLCWorker
	sinks   []Sink
	mu      sync.RWMutex

	pollRate      time.Duration
	batchInterval time.Duration
	dialer        Dialer
	log           zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	changeChan chan []ValueChange

	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces DefaultDialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithBatchInterval sets how often accumulated changes are flushed to sinks.
func WithBatchInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.batchInterval = d
		}
	}
}

// NewManager creates a new PLC manager.
func NewManager(pollRate time.Duration, opts ...Option) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	m := &Manager{
		plcs:          make(map[string]*ManagedPLC),
		workers:       make(map[string]*PLCWorker),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond,
		dialer:        DefaultDialer,
		log:           zerolog.Nop(),
		changeChan:    make(chan []ValueChange, 100),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSink registers a receiver for value changes.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// AddPLC adds a PLC to the manager. Polling starts right away when the
// manager is running.
func (m *Manager) AddPLC(cfg *config.PLCConfig) error {
	tags, err := planTags(cfg.Tags)
	if err != nil {
		return fmt.Errorf("plc %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plcs[cfg.Name]; exists {
		return fmt.Errorf("PLC already exists: %s", cfg.Name)
	}
	plc := &ManagedPLC{
		Config: cfg,
		Values: make(map[string]*TagValue),
		Status: StatusDisconnected,
		tags:   tags,
	}
	m.plcs[cfg.Name] = plc

	if m.ctx != nil {
		w := newPLCWorker(m.ctx, plc, m, m.pollRateFor(cfg))
		m.workers[cfg.Name] = w
		w.Start()
	}
	return nil
}

func (m *Manager) pollRateFor(cfg *config.PLCConfig) time.Duration {
	if cfg.PollRate > 0 {
		return cfg.PollRate
	}
	return m.pollRate
}

// RemovePLC stops polling and disconnects the named PLC.
func (m *Manager) RemovePLC(name string) error {
	m.mu.Lock()
	plc, exists := m.plcs[name]
	w := m.workers[name]
	delete(m.plcs, name)
	delete(m.workers, name)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrPLCNotFound, name)
	}
	if w != nil {
		w.Stop()
	}
	m.closeConn(plc)
	return nil
}

func (m *Manager) newConn(cfg *config.PLCConfig) (*ads.Conn, error) {
	target, err := cfg.Target()
	if err != nil {
		return nil, err
	}
	factory, err := m.dialer(cfg)
	if err != nil {
		return nil, err
	}

	opts := []ads.Option{ads.WithLinkAddresses(cfg.Transmitter, cfg.Receiver)}
	if cfg.AckTimeout > 0 {
		opts = append(opts, ads.WithAckTimeout(cfg.AckTimeout))
	}
	if cfg.MaxRetries != nil {
		opts = append(opts, ads.WithMaxRetries(*cfg.MaxRetries))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, ads.WithRequestTimeout(cfg.Timeout))
	}
	src, err := cfg.Source()
	if err != nil {
		return nil, err
	}
	if src != nil {
		opts = append(opts, ads.WithSource(*src))
	}
	if len(cfg.Symbols) > 0 {
		r, err := ads.NewStaticResolver(cfg.Symbols)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ads.WithSymbolResolver(r))
	}

	if cfg.IsTCP() {
		return ads.NewTCPConn(factory, target, opts...), nil
	}
	return ads.NewSerialConn(factory, target, opts...), nil
}

// connectPLC establishes a connection to a PLC (called from worker goroutine).
func (m *Manager) connectPLC(parent context.Context, plc *ManagedPLC) error {
	plc.mu.Lock()
	if plc.Status == StatusConnecting || plc.Status == StatusConnected {
		plc.mu.Unlock()
		return nil
	}
	plc.Status = StatusConnecting
	plc.LastError = nil
	cfg := plc.Config
	plc.mu.Unlock()

	fail := func(err error) error {
		plc.mu.Lock()
		plc.Status = StatusError
		plc.LastError = err
		plc.backoff = nextBackoff(plc.backoff)
		plc.nextAttempt = time.Now().Add(plc.backoff)
		retry := plc.backoff
		plc.mu.Unlock()
		m.log.Warn().Err(err).Str("plc", cfg.Name).Dur("retry_in", retry).Msg("connect failed")
		return err
	}

	conn, err := m.newConn(cfg)
	if err != nil {
		return fail(err)
	}
	ctx, cancel := context.WithTimeout(parent, connectTimeout)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		return fail(err)
	}

	// Not every runtime answers ReadDeviceInfo; the connection is usable
	// either way.
	identity, err := conn.ReadDeviceInfo(ctx)
	if err != nil {
		logging.DebugLog("plcman", "%s: device info unavailable: %v", cfg.Name, err)
		identity = nil
		if ads.IsConnectionError(err) {
			conn.Close()
			return fail(err)
		}
	}

	plc.mu.Lock()
	plc.Conn = conn
	plc.Identity = identity
	plc.Status = StatusConnected
	plc.backoff = 0
	plc.mu.Unlock()

	ev := m.log.Info().Str("plc", cfg.Name).Str("target", conn.Target().String()).Str("transport", conn.Transport().String())
	if identity != nil {
		ev = ev.Str("device", identity.String())
	}
	ev.Msg("connected")
	return nil
}

func nextBackoff(d time.Duration) time.Duration {
	if d < minBackoff {
		return minBackoff
	}
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// dropConn closes a broken connection so the next poll reconnects.
func (m *Manager) dropConn(plc *ManagedPLC, conn *ads.Conn, cause error) {
	plc.mu.Lock()
	if plc.Conn != conn {
		plc.mu.Unlock()
		return
	}
	plc.Conn = nil
	plc.Status = StatusError
	plc.LastError = cause
	plc.backoff = nextBackoff(plc.backoff)
	plc.nextAttempt = time.Now().Add(plc.backoff)
	name := plc.Config.Name
	plc.mu.Unlock()

	conn.Close()
	m.log.Warn().Err(cause).Str("plc", name).Msg("connection lost")
}

func (m *Manager) closeConn(plc *ManagedPLC) {
	plc.mu.Lock()
	conn := plc.Conn
	plc.Conn = nil
	plc.Status = StatusDisconnected
	plc.LastError = nil
	plc.Identity = nil
	plc.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Connect connects the named PLC in the background.
func (m *Manager) Connect(name string) error {
	plc := m.GetPLC(name)
	if plc == nil {
		return fmt.Errorf("%w: %s", ErrPLCNotFound, name)
	}
	go m.connectPLC(context.Background(), plc)
	return nil
}

// ConnectWait connects the named PLC and returns once the attempt has
// finished.
func (m *Manager) ConnectWait(ctx context.Context, name string) error {
	plc := m.GetPLC(name)
	if plc == nil {
		return fmt.Errorf("%w: %s", ErrPLCNotFound, name)
	}
	if err := m.connectPLC(ctx, plc); err != nil {
		return err
	}
	if plc.GetStatus() != StatusConnected {
		return fmt.Errorf("%w: %s", ErrPLCNotConnected, name)
	}
	return nil
}

// Disconnect closes the connection to the named PLC.
func (m *Manager) Disconnect(name string) error {
	plc := m.GetPLC(name)
	if plc == nil {
		return nil
	}
	m.closeConn(plc)
	return nil
}

// GetPLC returns the managed PLC with the given name.
func (m *Manager) GetPLC(name string) *ManagedPLC {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plcs[name]
}

// ListPLCs returns all managed PLCs sorted by name.
func (m *Manager) ListPLCs() []*ManagedPLC {
	m.mu.RLock()
	result := make([]*ManagedPLC, 0, len(m.plcs))
	for _, plc := range m.plcs {
		result = append(result, plc)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Config.Name < result[j].Config.Name })
	return result
}

// Start begins background polling for all PLCs.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for name, plc := range m.plcs {
		w := newPLCWorker(m.ctx, plc, m, m.pollRateFor(plc.Config))
		m.workers[name] = w
		w.Start()
	}
	ctx := m.ctx
	m.mu.Unlock()

	m.wg.Add(2)
	go m.batchedUpdateLoop(ctx)
	go m.statsAggregatorLoop(ctx)
}

// Stop halts polling and flushes pending changes. Connections stay open;
// use DisconnectAll to close them.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*PLCWorker)
	cancel := m.cancel
	m.mu.Unlock()

	// Workers first, so the update loop sees their last changes.
	for _, w := range workers {
		w.Stop()
	}
	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

func (m *Manager) sendChanges(ctx context.Context, changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	case <-ctx.Done():
	}
}

// batchedUpdateLoop aggregates changes and flushes them at a controlled rate.
func (m *Manager) batchedUpdateLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pending []ValueChange
	for {
		select {
		case <-ctx.Done():
			// Drain what the workers handed over before they stopped.
			for {
				select {
				case changes := <-m.changeChan:
					pending = append(pending, changes...)
				default:
					flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					m.publish(flushCtx, pending)
					cancel()
					return
				}
			}

		case changes := <-m.changeChan:
			pending = append(pending, changes...)

		case <-ticker.C:
			if len(pending) > 0 {
				m.publish(ctx, pending)
				pending = nil
			}
		}
	}
}

// publish hands changes to every sink. A failing sink does not stop the
// others.
func (m *Manager) publish(ctx context.Context, changes []ValueChange) {
	if len(changes) == 0 {
		return
	}
	m.mu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.RUnlock()

	for _, s := range sinks {
		for _, c := range changes {
			if err := s.Publish(ctx, c); err != nil {
				m.log.Warn().Err(err).Str("sink", s.Name()).Str("plc", c.PLCName).Str("tag", c.TagName).Msg("publish failed")
			}
		}
	}
}

func (m *Manager) statsAggregatorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.aggregateStats()
		}
	}
}

func (m *Manager) aggregateStats() {
	m.mu.RLock()
	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	var stats PollStats
	for _, w := range workers {
		tags, changes, err := w.GetStats()
		stats.TagsPolled += tags
		stats.ChangesFound += changes
		if err != nil {
			stats.LastError = err
		}
	}
	stats.LastPollTime = time.Now()

	m.statsMu.Lock()
	m.lastPollStats = stats
	m.statsMu.Unlock()
}

// GetPollStats returns the aggregated stats from all workers.
func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastPollStats
}

func (m *Manager) conn(plcName string) (*ManagedPLC, *ads.Conn, error) {
	plc := m.GetPLC(plcName)
	if plc == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrPLCNotFound, plcName)
	}
	conn, ok := plc.connected()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrPLCNotConnected, plcName)
	}
	return plc, conn, nil
}

// Read reads size bytes at address ("group/offset" or a symbol) from a
// connected PLC.
func (m *Manager) Read(ctx context.Context, plcName, address string, size uint32) ([]byte, error) {
	addr, err := ads.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	_, conn, err := m.conn(plcName)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Read(addr, size).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Write writes data at address on a connected PLC.
func (m *Manager) Write(ctx context.Context, plcName, address string, data []byte) error {
	addr, err := ads.ParseAddress(address)
	if err != nil {
		return err
	}
	_, conn, err := m.conn(plcName)
	if err != nil {
		return err
	}
	_, err = conn.Write(addr, data).Wait(ctx)
	return err
}

// WriteTag writes a configured tag. The tag must be marked writable and data
// must have the tag's read size.
func (m *Manager) WriteTag(ctx context.Context, plcName, tagName string, data []byte) error {
	plc, conn, err := m.conn(plcName)
	if err != nil {
		return err
	}

	plc.mu.RLock()
	var tag *tagPlan
	for i := range plc.tags {
		if plc.tags[i].sel.Name == tagName {
			tag = &plc.tags[i]
			break
		}
	}
	plc.mu.RUnlock()

	switch {
	case tag == nil:
		return fmt.Errorf("%w: %s.%s", ErrTagNotFound, plcName, tagName)
	case !tag.sel.Writable:
		return fmt.Errorf("%w: %s.%s", ErrTagNotWritable, plcName, tagName)
	case uint32(len(data)) != tag.size:
		return fmt.Errorf("%w: %s.%s wants %d bytes, got %d", ErrWriteSizeInvalid, plcName, tagName, tag.size, len(data))
	}

	logging.DebugLog("plcman", "write %s.%s = % X", plcName, tagName, data)
	_, err = conn.Write(tag.address, data).Wait(ctx)
	return err
}

// LoadFromConfig adds all PLCs from configuration.
func (m *Manager) LoadFromConfig(cfg *config.Config) error {
	for i := range cfg.PLCs {
		if err := m.AddPLC(&cfg.PLCs[i]); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectAll disconnects all PLCs.
func (m *Manager) DisconnectAll() {
	for _, plc := range m.ListPLCs() {
		m.closeConn(plc)
	}
}

// GetAllCurrentValues returns every cached value as a change, for sinks that
// need a full snapshot after (re)connecting.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	var results []ValueChange
	for _, plc := range m.ListPLCs() {
		plc.mu.RLock()
		for _, t := range plc.tags {
			v := plc.Values[t.sel.Name]
			if v == nil || v.Error != nil {
				continue
			}
			results = append(results, ValueChange{
				PLCName:   plc.Config.Name,
				TagName:   v.Name,
				Address:   t.sel.Address,
				TypeName:  v.TypeName,
				Bytes:     v.Bytes,
				Writable:  t.sel.Writable,
				Timestamp: v.Timestamp,
			})
		}
		plc.mu.RUnlock()
	}
	return results
}
