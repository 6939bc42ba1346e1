package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"adslink/config"
	"adslink/plcman"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		name      string
		selector  string
		tagKey    string
		changes   string
		writes    string
		responses string
	}{
		{"no selector", "", "plant1:line1:tags:counter", "plant1:line1:changes", "plant1:writes", "plant1:write:responses"},
		{"selector", "east", "plant1:east:line1:tags:counter", "plant1:east:line1:changes", "plant1:east:writes", "plant1:east:write:responses"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(&config.ValkeyConfig{Name: "v", Selector: tt.selector}, "plant1")
			if got := p.TagKey("line1", "counter"); got != tt.tagKey {
				t.Errorf("TagKey = %s", got)
			}
			if got := p.ChangesChannel("line1"); got != tt.changes {
				t.Errorf("ChangesChannel = %s", got)
			}
			if got := p.WritesKey(); got != tt.writes {
				t.Errorf("WritesKey = %s", got)
			}
			if got := p.ResponsesChannel(); got != tt.responses {
				t.Errorf("ResponsesChannel = %s", got)
			}
		})
	}
}

func TestTagMessage_Structure(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "v"}, "plant1")
	msg := p.Message(plcman.ValueChange{
		PLCName:   "line1",
		TagName:   "counter",
		Address:   "0x4020/0",
		TypeName:  "DINT",
		Bytes:     []byte{0xFF, 0xFF, 0xFF, 0xFF},
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 7200)),
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	for _, field := range []string{"namespace", "plc", "tag", "address", "type", "value", "size", "writable", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing field %s", field)
		}
	}
	if decoded["value"] != "ffffffff" || decoded["size"] != float64(4) {
		t.Errorf("value %v size %v", decoded["value"], decoded["size"])
	}
	if decoded["timestamp"] != "2024-05-01T10:00:00Z" {
		t.Errorf("timestamp = %v, want UTC", decoded["timestamp"])
	}
}

func TestProcessWrite(t *testing.T) {
	var gotPLC, gotTag string
	var gotData []byte

	p := NewPublisher(&config.ValkeyConfig{Name: "v"}, "plant1")

	resp := p.processWrite([]byte(`{"plc":"line1","tag":"setpoint","value":"0100"}`))
	if resp.Success || resp.Error != "no write handler configured" {
		t.Errorf("without handler: %+v", resp)
	}

	p.SetWriteHandler(func(ctx context.Context, plc, tag string, data []byte) error {
		gotPLC, gotTag, gotData = plc, tag, data
		if tag == "locked" {
			return plcman.ErrTagNotWritable
		}
		return nil
	})

	tests := []struct {
		name    string
		payload string
		success bool
		errText string
	}{
		{"ok", `{"plc":"line1","tag":"setpoint","value":"0100"}`, true, ""},
		{"handler error", `{"plc":"line1","tag":"locked","value":"01"}`, false, "not writable"},
		{"bad hex", `{"plc":"line1","tag":"setpoint","value":"0"}`, false, "not hex"},
		{"bad json", `not json`, false, "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := p.processWrite([]byte(tt.payload))
			if resp.Success != tt.success {
				t.Errorf("success = %v (%s)", resp.Success, resp.Error)
			}
			if !strings.Contains(resp.Error, tt.errText) {
				t.Errorf("error = %q, want containing %q", resp.Error, tt.errText)
			}
		})
	}

	if gotPLC != "line1" || gotTag != "locked" || len(gotData) != 1 {
		t.Errorf("last handler call = %s %s % X", gotPLC, gotTag, gotData)
	}
}

func TestPublisher_Address(t *testing.T) {
	if got := NewPublisher(&config.ValkeyConfig{Address: "localhost:6379"}, "ns").Address(); got != "redis://localhost:6379" {
		t.Errorf("Address() = %s", got)
	}
	if got := NewPublisher(&config.ValkeyConfig{Address: "cache:6380", UseTLS: true}, "ns").Address(); got != "rediss://cache:6380" {
		t.Errorf("TLS Address() = %s", got)
	}
}

func TestManager(t *testing.T) {
	m := NewManager("plant1")
	m.LoadFromConfig([]config.ValkeyConfig{{Name: "a"}, {Name: "b"}})

	if len(m.List()) != 2 || m.Get("b") == nil {
		t.Fatalf("publishers = %d", len(m.List()))
	}
	if m.AnyRunning() {
		t.Error("nothing started yet")
	}
	if n := m.StartAll(); n != 0 {
		t.Errorf("started %d disabled publishers", n)
	}

	// Stopped publishers are skipped, not reported.
	err := m.Publish(context.Background(), plcman.ValueChange{PLCName: "line1", TagName: "x", Bytes: []byte{1}})
	if err != nil {
		t.Errorf("Publish = %v", err)
	}

	handlerErr := errors.New("boom")
	m.SetWriteHandler(func(context.Context, string, string, []byte) error { return handlerErr })
	c := m.Add(&config.ValkeyConfig{Name: "c"})
	if resp := c.processWrite([]byte(`{"plc":"p","tag":"t","value":"00"}`)); resp.Error != "boom" {
		t.Errorf("late publisher did not get handler: %+v", resp)
	}

	if !m.Remove("a") || m.Remove("a") {
		t.Error("Remove misbehaved")
	}
	if m.Get("a") != nil || len(m.List()) != 2 {
		t.Errorf("after remove: %d publishers", len(m.List()))
	}
	m.StopAll()
}
