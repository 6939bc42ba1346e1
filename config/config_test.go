package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"adslink/ads"
)

func intPtr(n int) *int { return &n }

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PollRate != time.Second {
		t.Errorf("PollRate = %v, want 1s", cfg.PollRate)
	}
	if cfg.Web.Port != 8080 || !cfg.Web.API.Enabled {
		t.Errorf("Web = %+v", cfg.Web)
	}
	if cfg.Web.Enabled {
		t.Error("web server should be opt-in")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

const sampleYAML = `
namespace: plant1
poll_rate: 250ms
plcs:
  - name: line1
    enabled: true
    transport: serial
    serial:
      device: /dev/ttyUSB0
      baud_rate: 19200
      parity: E
    ams_net_id: 192.168.100.174.1.1
    ams_port: 801
    ack_timeout: 500ms
    max_retries: 0
    symbols:
      MAIN.counter: 0x4020/4
    tags:
      - name: counter
        address: MAIN.counter
        type: DINT
      - name: raw
        address: 16416/8
        size: 6
        writable: true
  - name: cell2
    transport: tcp
    address: 10.0.0.5
    ams_net_id: 10.0.0.5.1.1
mqtt:
  - name: local
    enabled: true
    broker: localhost
    port: 1883
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Namespace != "plant1" || cfg.PollRate != 250*time.Millisecond {
		t.Errorf("namespace %q poll %v", cfg.Namespace, cfg.PollRate)
	}
	line1 := cfg.FindPLC("line1")
	if line1 == nil {
		t.Fatal("line1 not found")
	}
	if line1.Serial.BaudRate != 19200 || line1.AckTimeout != 500*time.Millisecond {
		t.Errorf("line1 = %+v", line1)
	}
	if line1.MaxRetries == nil || *line1.MaxRetries != 0 {
		t.Errorf("explicit max_retries 0 lost: %v", line1.MaxRetries)
	}
	if line1.IsTCP() || !cfg.FindPLC("cell2").IsTCP() {
		t.Error("transport mixed up")
	}

	target, err := line1.Target()
	if err != nil || target.String() != "192.168.100.174.1.1:801" {
		t.Errorf("Target() = %v, %v", target, err)
	}
	if src, err := line1.Source(); src != nil || err != nil {
		t.Errorf("Source() = %v, %v, want nil", src, err)
	}

	size, err := line1.Tags[0].ReadSize()
	if err != nil || size != 4 {
		t.Errorf("DINT size = %d, %v", size, err)
	}
	if size, _ := line1.Tags[1].ReadSize(); size != 6 {
		t.Errorf("raw size = %d", size)
	}
	// Default AMS port.
	if target, _ := cfg.FindPLC("cell2").Target(); target.Port != ads.PortPLC1 {
		t.Errorf("cell2 port = %d", target.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "adslink" {
		t.Errorf("missing file should yield defaults, got %+v", cfg)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("plcs: [\n"), 0644)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Namespace = "roundtrip"
	cfg.AddPLC(PLCConfig{
		Name:       "line1",
		Enabled:    true,
		Serial:     SerialConfig{Device: "COM3"},
		AmsNetId:   "5.1.2.3.1.1",
		MaxRetries: intPtr(5),
		Timeout:    2 * time.Second,
		Tags:       []TagSelection{{Name: "x", Address: "0x4020/0", Type: "INT"}},
	})
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".config-") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p := loaded.FindPLC("line1")
	if p == nil || p.Serial.Device != "COM3" || *p.MaxRetries != 5 || p.Timeout != 2*time.Second || len(p.Tags) != 1 {
		t.Errorf("round trip = %+v", p)
	}

	loaded.Lock()
	loaded.Namespace = "changed"
	if err := loaded.UnlockAndSave(path); err != nil {
		t.Fatal(err)
	}
	again, _ := Load(path)
	if again.Namespace != "changed" {
		t.Errorf("namespace = %q", again.Namespace)
	}
}

func TestPLCOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddPLC(PLCConfig{Name: "a", AmsNetId: "1.1.1.1.1.1"})
	cfg.AddPLC(PLCConfig{Name: "b", AmsNetId: "2.2.2.2.1.1"})

	if !cfg.UpdatePLC("a", PLCConfig{Name: "a", AmsNetId: "9.9.9.9.1.1"}) {
		t.Error("UpdatePLC returned false")
	}
	if cfg.FindPLC("a").AmsNetId != "9.9.9.9.1.1" {
		t.Error("update not applied")
	}
	if cfg.UpdatePLC("zz", PLCConfig{}) {
		t.Error("updated missing PLC")
	}
	if !cfg.RemovePLC("a") || cfg.RemovePLC("a") {
		t.Error("RemovePLC misbehaved")
	}
	if len(cfg.PLCs) != 1 || cfg.FindPLC("b") == nil {
		t.Errorf("PLCs = %+v", cfg.PLCs)
	}
}

func TestValidate(t *testing.T) {
	good := func() PLCConfig {
		return PLCConfig{Name: "p", Serial: SerialConfig{Device: "/dev/ttyS0"}, AmsNetId: "1.2.3.4.1.1"}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad namespace", func(c *Config) { c.Namespace = "a/b" }, "invalid namespace"},
		{"duplicate plc", func(c *Config) { c.PLCs = append(c.PLCs, good()) }, "duplicate name"},
		{"no device", func(c *Config) { c.PLCs[0].Serial.Device = "" }, "serial.device"},
		{"tcp without address", func(c *Config) { c.PLCs[0].Transport = "tcp" }, "address required"},
		{"unknown transport", func(c *Config) { c.PLCs[0].Transport = "udp" }, "unknown transport"},
		{"bad net id", func(c *Config) { c.PLCs[0].AmsNetId = "1.2.3" }, "1.2.3"},
		{"bad source", func(c *Config) { c.PLCs[0].SourceNetId = "x" }, "source_net_id"},
		{"symbolic symbol", func(c *Config) { c.PLCs[0].Symbols = map[string]string{"a": "MAIN.b"} }, "not a raw address"},
		{"bad tag address", func(c *Config) {
			c.PLCs[0].Tags = []TagSelection{{Name: "t", Address: "1/", Size: 2}}
		}, "doesn't match"},
		{"tag without size", func(c *Config) {
			c.PLCs[0].Tags = []TagSelection{{Name: "t", Address: "1/2"}}
		}, "type or size"},
		{"unknown type", func(c *Config) {
			c.PLCs[0].Tags = []TagSelection{{Name: "t", Address: "1/2", Type: "FLOAT128"}}
		}, "FLOAT128"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.PLCs = []PLCConfig{good()}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsValidNamespace(t *testing.T) {
	tests := []struct {
		ns   string
		want bool
	}{
		{"plant1", true},
		{"plant-1.line_a", true},
		{"", false},
		{"has space", false},
		{"slash/no", false},
	}
	for _, tt := range tests {
		if got := IsValidNamespace(tt.ns); got != tt.want {
			t.Errorf("IsValidNamespace(%q) = %v, want %v", tt.ns, got, tt.want)
		}
	}
}

func TestDefaultPath(t *testing.T) {
	if !strings.HasSuffix(DefaultPath(), "config.yaml") {
		t.Errorf("DefaultPath() = %s", DefaultPath())
	}
}
