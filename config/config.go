// Package config handles configuration persistence for the adslink gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"adslink/ads"
)

// Transport names accepted in PLCConfig.Transport.
const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Required: prefix for topics and keys
	PLCs      []PLCConfig    `yaml:"plcs"`
	PollRate  time.Duration  `yaml:"poll_rate"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Web       WebConfig      `yaml:"web"`
	Log       LogConfig      `yaml:"log,omitempty"`

	// dataMu guards every field. Callers that modify the config Lock(),
	// modify, then UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`
}

// PLCConfig describes one ADS device.
type PLCConfig struct {
	Name      string       `yaml:"name"`
	Enabled   bool         `yaml:"enabled"`
	Transport string       `yaml:"transport"`         // serial (default) or tcp
	Address   string       `yaml:"address,omitempty"` // host[:port] for tcp
	Serial    SerialConfig `yaml:"serial,omitempty"`

	AmsNetId    string `yaml:"ams_net_id"`
	AmsPort     uint16 `yaml:"ams_port,omitempty"` // default 801
	SourceNetId string `yaml:"source_net_id,omitempty"`
	SourcePort  uint16 `yaml:"source_port,omitempty"`

	// Serial link addresses of outbound envelopes.
	Transmitter uint8 `yaml:"transmitter,omitempty"`
	Receiver    uint8 `yaml:"receiver,omitempty"`

	AckTimeout time.Duration `yaml:"ack_timeout,omitempty"`
	MaxRetries *int          `yaml:"max_retries,omitempty"` // nil = default, 0 = never retransmit
	Timeout    time.Duration `yaml:"timeout,omitempty"`     // per request
	PollRate   time.Duration `yaml:"poll_rate,omitempty"`   // overrides Config.PollRate

	// Symbols maps symbolic names to "group/offset" raw addresses.
	Symbols map[string]string `yaml:"symbols,omitempty"`
	Tags    []TagSelection    `yaml:"tags,omitempty"`
}

// SerialConfig holds serial port settings.
type SerialConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate,omitempty"`
	DataBits int    `yaml:"data_bits,omitempty"`
	Parity   string `yaml:"parity,omitempty"` // N, E, O, M, S
	StopBits int    `yaml:"stop_bits,omitempty"`
}

// TagSelection is a polled value.
type TagSelection struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`        // raw "group/offset" or symbol
	Type     string `yaml:"type,omitempty"` // PLC type name, sizes the read
	Size     uint32 `yaml:"size,omitempty"` // byte count when Type is empty
	Writable bool   `yaml:"writable,omitempty"`
}

// ReadSize returns the number of bytes to read for t.
func (t *TagSelection) ReadSize() (uint32, error) {
	if t.Type == "" {
		if t.Size == 0 {
			return 0, fmt.Errorf("tag %s: type or size required", t.Name)
		}
		return t.Size, nil
	}
	return ads.ReadSize(t.Type, 1)
}

// WebConfig holds the HTTP server configuration.
type WebConfig struct {
	Enabled bool         `yaml:"enabled"`
	Host    string       `yaml:"host"`
	Port    int          `yaml:"port"`
	API     WebAPIConfig `yaml:"api"`
	Users   []WebUser    `yaml:"users,omitempty"`
}

// WebAPIConfig holds REST API settings.
type WebAPIConfig struct {
	Enabled bool `yaml:"enabled"`
	Metrics bool `yaml:"metrics"`
}

// WebUser is an API user. Without users the API is open.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// Web user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"`
	Writeback      bool          `yaml:"writeback,omitempty"` // accept writes from the <ns>:writes list
}

// KafkaConfig holds Kafka producer and write-back consumer configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Selector      string        `yaml:"selector,omitempty"`
	Writeback     bool          `yaml:"writeback,omitempty"`      // consume writes from the <ns>-writes topic
	ConsumerGroup string        `yaml:"consumer_group,omitempty"` // default adslink-<name>
	WriteMaxAge   time.Duration `yaml:"write_max_age,omitempty"`  // older requests are skipped; default 10s
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `yaml:"level,omitempty"`
	File        string `yaml:"file,omitempty"`
	JSON        bool   `yaml:"json,omitempty"`
	DebugFile   string `yaml:"debug_file,omitempty"`   // protocol trace with hex dumps
	DebugFilter string `yaml:"debug_filter,omitempty"` // e.g. "ads,mqtt"
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "adslink",
		PLCs:      []PLCConfig{},
		PollRate:  time.Second,
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 8080,
			API: WebAPIConfig{
				Enabled: true,
				Metrics: true,
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath returns the default configuration file path (~/.adslink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".adslink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = time.Second
	}
	return cfg, nil
}

// Lock acquires the config data mutex. Follow with Unlock or UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock and writes the config to path.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave writes the config; the caller must hold the lock.
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals with the lock held, unlocks, then replaces the file
// through a temp file so readers never see a partial write.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FindPLC returns the PLC config with the given name, or nil if not found.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// AddPLC adds a new PLC configuration.
func (c *Config) AddPLC(plc PLCConfig) {
	c.PLCs = append(c.PLCs, plc)
}

// RemovePLC removes a PLC config by name.
func (c *Config) RemovePLC(name string) bool {
	for i, p := range c.PLCs {
		if p.Name == name {
			c.PLCs = append(c.PLCs[:i], c.PLCs[i+1:]...)
			return true
		}
	}
	return false
}

// UpdatePLC replaces an existing PLC configuration.
func (c *Config) UpdatePLC(name string, updated PLCConfig) bool {
	for i, p := range c.PLCs {
		if p.Name == name {
			c.PLCs[i] = updated
			return true
		}
	}
	return false
}

// FindWebUser returns the web user with the given username, or nil if not found.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace %q: must contain only alphanumeric characters, hyphens, underscores and dots", c.Namespace)
	}

	seen := make(map[string]bool)
	for i := range c.PLCs {
		p := &c.PLCs[i]
		if p.Name == "" {
			return fmt.Errorf("plc %d: name required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("plc %s: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			return fmt.Errorf("plc %s: %w", p.Name, err)
		}
	}
	return nil
}

// Validate checks one PLC entry.
func (p *PLCConfig) Validate() error {
	switch strings.ToLower(p.Transport) {
	case "", TransportSerial:
		if p.Serial.Device == "" {
			return errors.New("serial.device required")
		}
	case TransportTCP:
		if p.Address == "" {
			return errors.New("address required for tcp")
		}
	default:
		return fmt.Errorf("unknown transport %q", p.Transport)
	}

	if _, err := p.Target(); err != nil {
		return err
	}
	if _, err := p.Source(); err != nil {
		return err
	}

	for name, addr := range p.Symbols {
		a, err := ads.ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("symbol %s: %w", name, err)
		}
		if _, ok := a.(ads.RawAddress); !ok {
			return fmt.Errorf("symbol %s: %q is not a raw address", name, addr)
		}
	}

	tags := make(map[string]bool)
	for i := range p.Tags {
		t := &p.Tags[i]
		if t.Name == "" {
			return fmt.Errorf("tag %d: name required", i)
		}
		if tags[t.Name] {
			return fmt.Errorf("tag %s: duplicate name", t.Name)
		}
		tags[t.Name] = true
		if _, err := ads.ParseAddress(t.Address); err != nil {
			return fmt.Errorf("tag %s: %w", t.Name, err)
		}
		if _, err := t.ReadSize(); err != nil {
			return err
		}
	}
	return nil
}

// IsTCP reports whether the PLC is reached over AMS/TCP.
func (p *PLCConfig) IsTCP() bool {
	return strings.EqualFold(p.Transport, TransportTCP)
}

// Target returns the AMS address of the PLC.
func (p *PLCConfig) Target() (ads.AmsAddress, error) {
	id, err := ads.ParseAmsNetId(p.AmsNetId)
	if err != nil {
		return ads.AmsAddress{}, err
	}
	port := ads.AmsPort(p.AmsPort)
	if port == 0 {
		port = ads.PortPLC1
	}
	return ads.AmsAddress{NetId: id, Port: port}, nil
}

// Source returns the configured client AMS address, or nil when none is set.
func (p *PLCConfig) Source() (*ads.AmsAddress, error) {
	if p.SourceNetId == "" {
		return nil, nil
	}
	id, err := ads.ParseAmsNetId(p.SourceNetId)
	if err != nil {
		return nil, fmt.Errorf("source_net_id: %w", err)
	}
	port := ads.AmsPort(p.SourcePort)
	if port == 0 {
		port = 32905
	}
	return &ads.AmsAddress{NetId: id, Port: port}, nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
