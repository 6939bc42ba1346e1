// Package valkey mirrors polled tag values into Valkey/Redis keys and
// optionally serves a write-back queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"adslink/config"
	"adslink/logging"
	"adslink/namespace"
	"adslink/plcman"
)

// TagMessage is the JSON stored under each tag key.
type TagMessage struct {
	Namespace string    `json:"namespace"`
	PLC       string    `json:"plc"`
	Tag       string    `json:"tag"`
	Address   string    `json:"address"`
	Type      string    `json:"type,omitempty"`
	Value     string    `json:"value"` // hex
	Size      int       `json:"size"`
	Writable  bool      `json:"writable"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteRequest is a write queued by a client with RPUSH on the writes list.
type WriteRequest struct {
	PLC   string `json:"plc"`
	Tag   string `json:"tag"`
	Value string `json:"value"` // hex
}

// WriteResponse is published on the write responses channel.
type WriteResponse struct {
	PLC       string    `json:"plc"`
	Tag       string    `json:"tag"`
	Value     string    `json:"value"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteHandler performs a tag write.
type WriteHandler func(ctx context.Context, plcName, tagName string, data []byte) error

// Publisher mirrors values into one Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	names   *namespace.Builder
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	writeHandler WriteHandler

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher for cfg. Keys start with ns and the
// server's selector when set.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:   cfg,
		names:    namespace.New(ns, cfg.Selector),
		stopChan: make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return "valkey:" + p.config.Name
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetWriteHandler sets the callback for queued writes.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// TagKey returns the key holding a tag's value.
func (p *Publisher) TagKey(plcName, tagName string) string {
	return p.names.ValkeyTagKey(plcName, tagName)
}

// ChangesChannel returns the channel a PLC's changes are published on.
func (p *Publisher) ChangesChannel(plcName string) string {
	return p.names.ValkeyChangesChannel(plcName)
}

// WritesKey returns the list write requests are popped from.
func (p *Publisher) WritesKey() string {
	return p.names.ValkeyWriteQueue()
}

// ResponsesChannel returns the channel write responses are published on.
func (p *Publisher) ResponsesChannel() string {
	return p.names.ValkeyWriteResponseChannel()
}

// Start connects to the server.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	logging.DebugConnect("valkey", p.Address())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.Address(), err)
		client.Close()
		return fmt.Errorf("connect valkey %s: %w", p.config.Address, err)
	}
	logging.DebugConnectSuccess("valkey", p.Address(), fmt.Sprintf("db %d", p.config.Database))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.Writeback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}
	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	logging.DebugDisconnect("valkey", p.Address(), "stopped")
	return client.Close()
}

// Message builds the value stored for a change.
func (p *Publisher) Message(c plcman.ValueChange) TagMessage {
	return TagMessage{
		Namespace: p.names.ValkeyBase(),
		PLC:       c.PLCName,
		Tag:       c.TagName,
		Address:   c.Address,
		Type:      c.TypeName,
		Value:     c.Hex(),
		Size:      len(c.Bytes),
		Writable:  c.Writable,
		Timestamp: c.Timestamp.UTC(),
	}
}

// Publish stores the change under its tag key and, when configured,
// publishes it on the PLC's changes channel and the _all channel.
func (p *Publisher) Publish(ctx context.Context, c plcman.ValueChange) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return nil
	}

	data, err := json.Marshal(p.Message(c))
	if err != nil {
		return fmt.Errorf("marshal tag value: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if !p.config.PublishChanges {
		return client.Set(ctx, p.TagKey(c.PLCName, c.TagName), data, p.config.KeyTTL).Err()
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, p.TagKey(c.PLCName, c.TagName), data, p.config.KeyTTL)
	pipe.Publish(ctx, p.ChangesChannel(c.PLCName), data)
	pipe.Publish(ctx, p.names.ValkeyAllChangesChannel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s.%s: %w", c.PLCName, c.TagName, err)
	}
	return nil
}

func (p *Publisher) writebackListener(client *redis.Client, stop <-chan struct{}) {
	defer p.wg.Done()

	queue := p.WritesKey()
	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queue).Result()
		cancel()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				logging.DebugError("valkey", "write queue", err)
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.processWrite([]byte(result[1]))
		data, _ := json.Marshal(resp)
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		client.Publish(ctx, p.ResponsesChannel(), data)
		cancel()
	}
}

// processWrite decodes and executes one queued write request.
func (p *Publisher) processWrite(payload []byte) WriteResponse {
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	var req WriteRequest
	resp := WriteResponse{Timestamp: time.Now().UTC()}
	if err := json.Unmarshal(payload, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid JSON: %v", err)
		return resp
	}
	resp.PLC, resp.Tag, resp.Value = req.PLC, req.Tag, req.Value

	data, err := hex.DecodeString(req.Value)
	switch {
	case err != nil:
		resp.Error = fmt.Sprintf("value is not hex: %v", err)
	case handler == nil:
		resp.Error = "no write handler configured"
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = handler(ctx, req.PLC, req.Tag, data)
		cancel()
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	}
	logging.DebugLog("valkey", "write %s.%s = %s -> success=%v", req.PLC, req.Tag, req.Value, resp.Success)
	return resp
}
