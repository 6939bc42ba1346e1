package kafka

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"adslink/config"
	"adslink/logging"
	"adslink/namespace"
)

// WriteBatchInterval is how often collected write requests are executed.
const WriteBatchInterval = 250 * time.Millisecond

// DefaultWriteMaxAge is used when the cluster config sets no write_max_age.
const DefaultWriteMaxAge = 10 * time.Second

// WriteRequest is the JSON value of a record on the writes topic.
type WriteRequest struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     string `json:"value"` // hex
	RequestID string `json:"request_id,omitempty"`
}

// WriteResponse is the JSON value produced on the write responses topic.
type WriteResponse struct {
	PLC          string `json:"plc"`
	Tag          string `json:"tag"`
	Value        string `json:"value"`
	RequestID    string `json:"request_id,omitempty"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`      // older than write_max_age
	Deduplicated bool   `json:"deduplicated,omitempty"` // replaced by a newer request for the tag
	Timestamp    string `json:"timestamp"`
}

// WriteHandler performs a tag write. plcman.Manager.WriteTag fits.
type WriteHandler func(ctx context.Context, plcName, tagName string, data []byte) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type pendingWrite struct {
	req    WriteRequest
	sentAt time.Time
}

// Consumer executes write requests from the writes topic. Requests are
// collected for WriteBatchInterval; within a batch the latest request for a
// tag wins and the ones it replaced are answered as deduplicated.
type Consumer struct {
	config *config.KafkaConfig
	names  *namespace.Builder

	mu        sync.RWMutex
	handler   WriteHandler
	reader    messageReader
	responses messageWriter
	running   bool
	stop      chan struct{}
	wg        sync.WaitGroup

	interval time.Duration
}

// NewConsumer creates a consumer for cfg under namespace ns.
func NewConsumer(cfg *config.KafkaConfig, ns string) *Consumer {
	return &Consumer{
		config:   cfg,
		names:    namespace.New(ns, cfg.Selector),
		interval: WriteBatchInterval,
	}
}

// SetWriteHandler sets the callback for write requests. Without one every
// request fails.
func (c *Consumer) SetWriteHandler(h WriteHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Consumer) group() string {
	if c.config.ConsumerGroup != "" {
		return c.config.ConsumerGroup
	}
	return "adslink-" + c.config.Name
}

func (c *Consumer) maxAge() time.Duration {
	if c.config.WriteMaxAge > 0 {
		return c.config.WriteMaxAge
	}
	return DefaultWriteMaxAge
}

// Start joins the consumer group on the writes topic.
func (c *Consumer) Start() error {
	if len(c.config.Brokers) == 0 {
		return fmt.Errorf("kafka %s: no brokers configured", c.config.Name)
	}
	mechanism, err := saslMechanism(c.config)
	if err != nil {
		return err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          c.names.KafkaWriteTopic(),
		GroupID:        c.group(),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			TLS:           tlsConfig(c.config),
			SASLMechanism: mechanism,
		},
	})
	writer := &kafka.Writer{
		Addr:     kafka.TCP(c.config.Brokers...),
		Topic:    c.names.KafkaWriteResponseTopic(),
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			DialTimeout: 10 * time.Second,
			TLS:         tlsConfig(c.config),
			SASL:        mechanism,
		},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	logging.DebugLog("kafka", "consumer %s: topic '%s' group '%s'", c.config.Name, c.names.KafkaWriteTopic(), c.group())
	c.start(reader, writer)
	return nil
}

func (c *Consumer) start(r messageReader, w messageWriter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.reader, c.responses = r, w
	c.running = true
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go c.consumeLoop(c.stop, r, w)
}

// Stop executes what is still collected, then closes the reader and the
// response writer.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	r, w := c.reader, c.responses
	c.reader, c.responses = nil, nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logging.DebugLog("kafka", "consumer %s: stop timed out", c.config.Name)
	}
	r.Close()
	w.Close()
}

// IsRunning reports whether the consumer was started and not stopped.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Consumer) consumeLoop(stop <-chan struct{}, r messageReader, w messageWriter) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var b batch
	for {
		select {
		case <-stop:
			c.execute(w, &b)
			return
		case <-ticker.C:
			c.execute(w, &b)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := r.FetchMessage(ctx)
			cancel()
			if err != nil {
				if !errors.Is(err, context.DeadlineExceeded) {
					logging.DebugError("kafka", "fetch", err)
					time.Sleep(10 * time.Millisecond)
				}
				continue
			}

			var req WriteRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				logging.DebugLog("kafka", "consumer %s: bad write request at offset %d: %v", c.config.Name, msg.Offset, err)
			} else {
				b.add(req, msg)
			}
			commit(r, msg)
		}
	}
}

// batch keeps the latest request per tag in arrival order.
type batch struct {
	keys      []string
	latest    map[string]pendingWrite
	discarded []pendingWrite
}

func (b *batch) add(req WriteRequest, msg kafka.Message) {
	if b.latest == nil {
		b.latest = make(map[string]pendingWrite)
	}
	key := string(msg.Key)
	if key == "" {
		key = req.PLC + "." + req.Tag
	}
	if old, ok := b.latest[key]; ok {
		b.discarded = append(b.discarded, old)
	} else {
		b.keys = append(b.keys, key)
	}
	b.latest[key] = pendingWrite{req: req, sentAt: msg.Time}
}

func (b *batch) empty() bool {
	return len(b.keys) == 0 && len(b.discarded) == 0
}

func (c *Consumer) execute(w messageWriter, b *batch) {
	if b.empty() {
		return
	}
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	maxAge := c.maxAge()
	now := time.Now()

	for _, pw := range b.discarded {
		resp := response(pw.req, now)
		resp.Error = "request superseded by newer write to same tag"
		resp.Deduplicated = true
		c.respond(w, resp)
	}

	for _, key := range b.keys {
		pw := b.latest[key]
		resp := response(pw.req, now)

		if age := now.Sub(pw.sentAt); !pw.sentAt.IsZero() && age > maxAge {
			resp.Error = fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge)
			resp.Skipped = true
			c.respond(w, resp)
			continue
		}

		err := c.write(handler, pw.req)
		resp.Success = err == nil
		if err != nil {
			resp.Error = err.Error()
		}
		logging.DebugLog("kafka", "consumer %s: write %s.%s = %s: %v", c.config.Name, pw.req.PLC, pw.req.Tag, pw.req.Value, err)
		c.respond(w, resp)
	}
	*b = batch{}
}

func (c *Consumer) write(handler WriteHandler, req WriteRequest) error {
	if req.PLC == "" || req.Tag == "" {
		return errors.New("plc and tag are required")
	}
	data, err := hex.DecodeString(req.Value)
	if err != nil || len(data) == 0 {
		return errors.New("value must be non-empty hex")
	}
	if handler == nil {
		return errors.New("no write handler configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return handler(ctx, req.PLC, req.Tag, data)
}

func response(req WriteRequest, now time.Time) WriteResponse {
	return WriteResponse{
		PLC:       req.PLC,
		Tag:       req.Tag,
		Value:     req.Value,
		RequestID: req.RequestID,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

func (c *Consumer) respond(w messageWriter, resp WriteResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := kafka.Message{Key: []byte(resp.PLC + "." + resp.Tag), Value: payload}
	if err := w.WriteMessages(ctx, msg); err != nil {
		logging.DebugLog("kafka", "consumer %s: write response failed: %v", c.config.Name, err)
	}
}

func commit(r messageReader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.CommitMessages(ctx, msg); err != nil {
		logging.DebugError("kafka", "commit", err)
	}
}
