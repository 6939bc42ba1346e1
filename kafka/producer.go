// Package kafka produces polled tag values to Kafka topics and executes
// write requests read from a writes topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"adslink/config"
	"adslink/logging"
	"adslink/namespace"
	"adslink/plcman"
)

var ErrNotConnected = errors.New("kafka cluster not connected")

// ConnectionStatus represents the state of a cluster connection.
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

// TagMessage is the JSON value of every produced record.
type TagMessage struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Address   string `json:"address"`
	Type      string `json:"type,omitempty"`
	Value     string `json:"value"` // hex
	Size      int    `json:"size"`
	Writable  bool   `json:"writable"`
	Timestamp string `json:"timestamp"`
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes tag records to one cluster.
type Producer struct {
	config *config.KafkaConfig
	topic  string
	writer messageWriter
	status ConnectionStatus
	err    error
	mu     sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a producer for cfg. Records go to the ns topic,
// suffixed with "-<selector>" when the cluster has a selector.
func NewProducer(cfg *config.KafkaConfig, ns string) *Producer {
	return &Producer{config: cfg, topic: namespace.New(ns, cfg.Selector).KafkaTopic()}
}

// Name returns the producer's name.
func (p *Producer) Name() string { return "kafka:" + p.config.Name }

// Topic returns the topic records are written to.
func (p *Producer) Topic() string { return p.topic }

// GetStatus returns the connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// GetStats returns delivery counters.
func (p *Producer) GetStats() (sent, failed int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

func (p *Producer) setStatus(s ConnectionStatus, err error) {
	p.mu.Lock()
	p.status = s
	p.err = err
	p.mu.Unlock()
}

// Connect checks that a broker is reachable and prepares the topic writer.
func (p *Producer) Connect(ctx context.Context) error {
	p.setStatus(StatusConnecting, nil)
	name := p.config.Name

	if len(p.config.Brokers) == 0 {
		err := fmt.Errorf("kafka %s: no brokers configured", name)
		p.setStatus(StatusError, err)
		return err
	}
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		p.setStatus(StatusError, err)
		return err
	}

	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mechanism,
	}

	var dialErr error
	for _, broker := range p.config.Brokers {
		logging.DebugConnect("kafka", broker)
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			logging.DebugConnectError("kafka", broker, err)
			dialErr = err
			continue
		}
		conn.Close()
		dialErr = nil
		logging.DebugConnectSuccess("kafka", broker, "topic "+p.topic)
		break
	}
	if dialErr != nil {
		err := fmt.Errorf("kafka %s: %w", name, dialErr)
		p.setStatus(StatusError, err)
		return err
	}

	p.attach(&kafka.Writer{
		Addr:     kafka.TCP(p.config.Brokers...),
		Topic:    p.topic,
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			DialTimeout: 10 * time.Second,
			TLS:         tlsConfig(p.config),
			SASL:        mechanism,
		},
		RequiredAcks:           kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:            p.maxAttempts(),
		WriteBackoffMin:        p.config.RetryBackoff,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	})
	return nil
}

func (p *Producer) maxAttempts() int {
	if p.config.MaxRetries > 0 {
		return p.config.MaxRetries + 1
	}
	return 3
}

func (p *Producer) attach(w messageWriter) {
	p.mu.Lock()
	old := p.writer
	p.writer = w
	p.status = StatusConnected
	p.err = nil
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Disconnect closes the topic writer.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	w := p.writer
	p.writer = nil
	p.status = StatusDisconnected
	p.err = nil
	p.mu.Unlock()

	if w != nil {
		w.Close()
		logging.DebugDisconnect("kafka", p.config.Name, "disconnected")
	}
}

// Key returns the record key of a change.
func Key(c plcman.ValueChange) string {
	return c.PLCName + "." + c.TagName
}

// Message builds the record value of a change.
func Message(c plcman.ValueChange) TagMessage {
	return TagMessage{
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

// Publish produces one record for the change.
func (p *Producer) Publish(ctx context.Context, c plcman.ValueChange) error {
	value, err := json.Marshal(Message(c))
	if err != nil {
		return err
	}
	return p.Produce(ctx, []byte(Key(c)), value)
}

// Produce writes a single record.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.config.Name)
	}

	start := time.Now()
	err := w.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: start})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.messagesError++
		p.err = err
		logging.DebugLog("kafka", "PRODUCE %s: topic '%s' failed after %v: %v", p.config.Name, p.topic, time.Since(start), err)
		return fmt.Errorf("kafka produce: %w", err)
	}
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.err = nil
	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog("kafka", "PRODUCE %s: topic '%s' took %v", p.config.Name, p.topic, d)
	}
	return nil
}
