// Package mqtt republishes polled tag values to MQTT brokers and accepts
// write requests on a per-PLC write topic.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"adslink/config"
	"adslink/logging"
	"adslink/namespace"
	"adslink/plcman"
)

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

const tokenTimeout = 2 * time.Second

var ErrNotRunning = errors.New("mqtt publisher not running")

// client is the part of pahomqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// TagMessage is the JSON structure published for every value change.
type TagMessage struct {
	Topic     string `json:"topic"`
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Address   string `json:"address"`
	Type      string `json:"type,omitempty"`
	Value     string `json:"value"` // hex of the raw little-endian bytes
	Size      int    `json:"size"`
	Writable  bool   `json:"writable"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	Topic string `json:"topic"`
	PLC   string `json:"plc"`
	Tag   string `json:"tag"`
	Value string `json:"value"` // hex
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Topic     string `json:"topic"`
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     string `json:"value"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteHandler performs a tag write. plcman.Manager.WriteTag fits.
type WriteHandler func(ctx context.Context, plcName, tagName string, data []byte) error

type writeJob struct {
	client  client
	req     WriteRequest
	data    []byte
	err     error // set when the request was rejected before reaching the handler
	handler WriteHandler
}

// Publisher handles the connection to a single broker.
type Publisher struct {
	config    *config.MQTTConfig
	names     *namespace.Builder
	rootTopic string
	client    client
	running   bool
	mu        sync.RWMutex

	writeHandler WriteHandler
	plcNames     []string

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates a publisher for cfg. Topics are rooted at ns, plus
// the broker's selector when set.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	names := namespace.New(ns, cfg.Selector)
	return &Publisher{
		config:     cfg,
		names:      names,
		rootTopic:  names.MQTTBase(),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return "mqtt:" + p.config.Name
}

// RootTopic returns the topic prefix shared by every message.
func (p *Publisher) RootTopic() string {
	return p.rootTopic
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// SetWriteHandler sets the callback for write requests. Without one, write
// topics are not subscribed.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetPLCNames sets the PLCs whose write topics are subscribed on Start.
func (p *Publisher) SetPLCNames(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plcNames = names
}

// Start connects to the broker.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	c := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", p.Address())

	token := c.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		err := fmt.Errorf("connect %s: timeout", p.Address())
		logging.DebugConnectError("mqtt", p.Address(), err)
		return err
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError("mqtt", p.Address(), err)
		return err
	}
	logging.DebugConnectSuccess("mqtt", p.Address(), "root "+p.rootTopic)

	if !p.attach(c) {
		c.Disconnect(100)
	}
	return nil
}

// attach installs a connected client, starts the write workers and
// subscribes write topics. It reports false if already running.
func (p *Publisher) attach(c client) bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false
	}
	p.client = c
	p.running = true
	p.mu.Unlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
	p.subscribeWriteTopics()
	return true
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	c := p.client
	p.client = nil

	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "timeout waiting for write workers to stop")
	}

	c.Disconnect(500)
	logging.DebugDisconnect("mqtt", p.Address(), "stopped")
}

// BuildTopic constructs the value topic of a tag.
func (p *Publisher) BuildTopic(plcName, tagName string) string {
	return p.names.MQTTTagTopic(plcName, tagName)
}

func (p *Publisher) writeTopic(plcName string) string {
	return p.names.MQTTWriteTopic(plcName)
}

func (p *Publisher) responseTopic(plcName string) string {
	return p.names.MQTTWriteResponseTopic(plcName)
}

// Message builds the payload published for a change.
func (p *Publisher) Message(c plcman.ValueChange) TagMessage {
	return TagMessage{
		Topic:     p.rootTopic,
		PLC:       c.PLCName,
		Tag:       c.TagName,
		Address:   c.Address,
		Type:      c.TypeName,
		Value:     c.Hex(),
		Size:      len(c.Bytes),
		Writable:  c.Writable,
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Publish sends a retained tag message. Changes that arrive while the
// broker is not connected are dropped; the next change republishes.
func (p *Publisher) Publish(ctx context.Context, c plcman.ValueChange) error {
	p.mu.RLock()
	running, cl := p.running, p.client
	p.mu.RUnlock()
	if !running || cl == nil {
		return nil
	}

	payload, err := json.Marshal(p.Message(c))
	if err != nil {
		return err
	}
	topic := p.BuildTopic(c.PLCName, c.TagName)
	return waitToken(ctx, cl.Publish(topic, 1, true, payload), topic)
}

func waitToken(ctx context.Context, token pahomqtt.Token, topic string) error {
	timeout := tokenTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	cl := p.client
	names := p.plcNames
	handler := p.writeHandler
	p.mu.RUnlock()

	if cl == nil || handler == nil {
		return
	}
	for _, name := range names {
		topic := p.writeTopic(name)
		token := cl.Subscribe(topic, 1, p.handleWriteMessage)
		if !token.WaitTimeout(tokenTimeout) {
			logging.DebugLog("mqtt", "subscribe timeout for %s", topic)
			continue
		}
		if err := token.Error(); err != nil {
			logging.DebugError("mqtt", "subscribe "+topic, err)
			continue
		}
		logging.DebugLog("mqtt", "subscribed to %s", topic)
	}
}

func (p *Publisher) handleWriteMessage(c pahomqtt.Client, msg pahomqtt.Message) {
	p.handleWrite(c, msg.Payload())
}

func (p *Publisher) handleWrite(c client, payload []byte) {
	logging.DebugLog("mqtt", "write request: %s", payload)

	p.mu.RLock()
	handler := p.writeHandler
	queue := p.writeQueue
	p.mu.RUnlock()

	job := writeJob{client: c, handler: handler}
	if err := json.Unmarshal(payload, &job.req); err != nil {
		job.err = fmt.Errorf("invalid JSON: %v", err)
	} else if job.req.Topic != p.rootTopic {
		job.err = fmt.Errorf("topic mismatch: expected %s, got %s", p.rootTopic, job.req.Topic)
	} else if job.data, err = hex.DecodeString(job.req.Value); err != nil {
		job.err = fmt.Errorf("value is not hex: %v", err)
	} else if handler == nil {
		job.err = errors.New("no write handler configured")
	}

	select {
	case queue <- job:
	default:
		logging.DebugLog("mqtt", "write queue full, rejecting %s/%s", job.req.PLC, job.req.Tag)
		go p.publishWriteResponse(c, job.req, errors.New("write queue full, try again later"))
	}
}

func (p *Publisher) writeWorker() {
	defer p.wg.Done()

	p.mu.RLock()
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.RUnlock()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err = job.handler(ctx, job.req.PLC, job.req.Tag, job.data)
				cancel()
				logging.DebugLog("mqtt", "write %s/%s = %s: %v", job.req.PLC, job.req.Tag, job.req.Value, err)
			}
			p.publishWriteResponse(job.client, job.req, err)
		}
	}
}

func (p *Publisher) publishWriteResponse(c client, req WriteRequest, err error) {
	resp := WriteResponse{
		Topic:     p.rootTopic,
		PLC:       req.PLC,
		Tag:       req.Tag,
		Value:     req.Value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)
	c.Publish(p.responseTopic(req.PLC), 1, false, payload).WaitTimeout(tokenTimeout)
}
