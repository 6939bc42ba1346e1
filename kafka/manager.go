package kafka

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"adslink/config"
	"adslink/logging"
	"adslink/plcman"
)

// MaxPublishWorkers is the number of goroutines producing queued changes.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the number of changes that may wait for a worker.
const MaxPublishQueueSize = 1000

type publishJob struct {
	producer *Producer
	change   plcman.ValueChange
}

// Manager owns the configured clusters. As a plcman.Sink it queues changes
// and produces them from a worker pool, so a slow cluster never stalls
// polling.
type Manager struct {
	namespace string
	producers map[string]*Producer
	consumers map[string]*Consumer
	handler   WriteHandler
	mu        sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a manager and starts its publish workers.
func NewManager(namespace string) *Manager {
	m := &Manager{
		namespace:    namespace,
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	stop, queue := m.stopChan, m.publishQueue
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(stop, queue)
	}
}

func (m *Manager) publishWorker(stop <-chan struct{}, queue <-chan publishJob) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.Publish(ctx, job.change); err != nil {
				logging.DebugLog("kafka", "failed to publish %s: %v", Key(job.change), err)
			}
			cancel()
		}
	}
}

// LoadFromConfig adds a producer per config entry.
func (m *Manager) LoadFromConfig(configs []config.KafkaConfig) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// AddCluster registers a producer for cfg unless one with that name exists.
func (m *Manager) AddCluster(cfg *config.KafkaConfig) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, exists := m.producers[cfg.Name]; exists {
		return p
	}
	p := NewProducer(cfg, m.namespace)
	m.producers[cfg.Name] = p
	return p
}

// RemoveCluster disconnects and drops the named cluster.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	p, exists := m.producers[name]
	delete(m.producers, name)
	m.mu.Unlock()

	if exists {
		p.Disconnect()
	}
}

// GetProducer returns the named producer.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns the cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Manager) list() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		out = append(out, p)
	}
	return out
}

// Connect connects the named cluster.
func (m *Manager) Connect(ctx context.Context, name string) error {
	p := m.GetProducer(name)
	if p == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return p.Connect(ctx)
}

// SetWriteHandler sets the handler used by the write-back consumers of
// clusters with writeback enabled.
func (m *Manager) SetWriteHandler(h WriteHandler) {
	m.mu.Lock()
	m.handler = h
	consumers := make([]*Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.Unlock()
	for _, c := range consumers {
		c.SetWriteHandler(h)
	}
}

// ConnectEnabled connects every enabled cluster, starts write-back where
// configured and returns how many clusters connected.
func (m *Manager) ConnectEnabled(ctx context.Context) int {
	connected := 0
	for _, p := range m.list() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(ctx); err != nil {
			logging.DebugLog("kafka", "failed to connect %s: %v", p.config.Name, err)
			continue
		}
		connected++
		if p.config.Writeback {
			if err := m.consumer(p.config).Start(); err != nil {
				logging.DebugLog("kafka", "write-back for %s not started: %v", p.config.Name, err)
			}
		}
	}
	return connected
}

// consumer returns the write-back consumer of cfg, creating it on first use.
func (m *Manager) consumer(cfg *config.KafkaConfig) *Consumer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consumers[cfg.Name]; ok {
		return c
	}
	c := NewConsumer(cfg, m.namespace)
	c.SetWriteHandler(m.handler)
	m.consumers[cfg.Name] = c
	return c
}

// GetConsumer returns the write-back consumer of the named cluster, or nil.
func (m *Manager) GetConsumer(name string) *Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consumers[name]
}

// StopAll stops the workers and write-back consumers and disconnects every
// cluster. Queued changes that were not produced yet are dropped.
func (m *Manager) StopAll() {
	m.mu.Lock()
	started := m.started
	oldStop := m.stopChan
	if started {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if started {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logging.DebugLog("kafka", "timeout waiting for publish workers to stop")
		}
	}

	m.mu.RLock()
	consumers := make([]*Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.RUnlock()
	for _, c := range consumers {
		c.Stop()
	}

	for _, p := range m.list() {
		p.Disconnect()
	}
}

// Name implements plcman.Sink.
func (m *Manager) Name() string { return "kafka" }

// Publish implements plcman.Sink by queueing the change for every
// connected cluster.
func (m *Manager) Publish(ctx context.Context, c plcman.ValueChange) error {
	m.mu.RLock()
	queue := m.publishQueue
	started := m.started
	m.mu.RUnlock()
	if !started {
		return nil
	}

	for _, p := range m.list() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		select {
		case queue <- publishJob{producer: p, change: c}:
		default:
			return fmt.Errorf("kafka publish queue full, dropping %s", Key(c))
		}
	}
	return nil
}
