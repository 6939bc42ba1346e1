package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"adslink/ads"
	"adslink/adstest"
	"adslink/config"
	"adslink/metrics"
	"adslink/plcman"
)

var (
	counterAddr  = ads.RawAddress{IndexGroup: 0x4020, IndexOffset: 0}
	setpointAddr = ads.RawAddress{IndexGroup: 0x4020, IndexOffset: 4}
)

// memoryDialer connects every PLC to the same simulated memory.
func memoryDialer(mem *adstest.Memory) plcman.Dialer {
	var mu sync.Mutex
	return func(cfg *config.PLCConfig) (ads.ChannelFactory, error) {
		return ads.ChannelFactoryFunc(func(ctx context.Context) (io.ReadWriteCloser, error) {
			mu.Lock()
			defer mu.Unlock()
			client, device := adstest.Pipe()
			go adstest.ServeTCP(device, mem.Respond)
			return client, nil
		}), nil
	}
}

func plcConfig(name string, enabled bool) *config.PLCConfig {
	return &config.PLCConfig{
		Name:      name,
		Enabled:   enabled,
		Transport: config.TransportTCP,
		Address:   "plc.local",
		AmsNetId:  "10.0.0.5.1.1",
		Symbols:   map[string]string{"MAIN.setpoint": "0x4020/4"},
		Tags: []config.TagSelection{
			{Name: "counter", Address: "0x4020/0", Type: "DINT"},
			{Name: "setpoint", Address: "MAIN.setpoint", Size: 2, Writable: true},
		},
	}
}

// newManager starts a manager with a connected "line1" and a disabled
// "line2".
func newManager(t *testing.T) (*plcman.Manager, *adstest.Memory) {
	t.Helper()
	mem := adstest.NewMemory()
	mem.Set(counterAddr, []byte{7, 0, 0, 0})
	mem.Set(setpointAddr, []byte{0x10, 0x00})

	m := plcman.NewManager(20*time.Millisecond,
		plcman.WithDialer(memoryDialer(mem)),
		plcman.WithBatchInterval(10*time.Millisecond))
	for _, cfg := range []*config.PLCConfig{plcConfig("line1", true), plcConfig("line2", false)} {
		if err := m.AddPLC(cfg); err != nil {
			t.Fatal(err)
		}
	}
	m.Start()
	t.Cleanup(func() {
		m.Stop()
		m.DisconnectAll()
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		plc := m.GetPLC("line1")
		if plc.GetStatus() == plcman.StatusConnected && len(plc.GetValues()) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for line1 to connect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return m, mem
}

func openConfig() *config.WebConfig {
	return &config.WebConfig{
		Enabled: true,
		Host:    "127.0.0.1",
		API:     config.WebAPIConfig{Enabled: true, Metrics: true},
	}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestListPLCs(t *testing.T) {
	m, _ := newManager(t)
	h := NewServer(m, openConfig()).Handler()

	rec := do(t, h, "GET", "/api/plcs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var plcs []PLCResponse
	decode(t, rec, &plcs)
	if len(plcs) != 2 {
		t.Fatalf("got %d PLCs", len(plcs))
	}
	line1 := plcs[0]
	if line1.Name != "line1" || line1.Status != "Connected" || line1.Transport != config.TransportTCP {
		t.Errorf("line1 = %+v", line1)
	}
	if line1.Device != "adstest" || line1.Tags != 2 || line1.Target != "10.0.0.5.1.1:801" {
		t.Errorf("line1 = %+v", line1)
	}
	if plcs[1].Status != "Disconnected" {
		t.Errorf("line2 status = %s", plcs[1].Status)
	}
}

func TestPLCDetails(t *testing.T) {
	m, _ := newManager(t)
	h := NewServer(m, openConfig()).Handler()

	rec := do(t, h, "GET", "/api/plcs/line1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var plc PLCResponse
	decode(t, rec, &plc)
	if plc.Name != "line1" {
		t.Errorf("name = %s", plc.Name)
	}

	if rec := do(t, h, "GET", "/api/plcs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown PLC status = %d", rec.Code)
	}
}

func TestTags(t *testing.T) {
	m, _ := newManager(t)
	h := NewServer(m, openConfig()).Handler()

	rec := do(t, h, "GET", "/api/plcs/line1/tags", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var tags []TagResponse
	decode(t, rec, &tags)
	if len(tags) != 2 {
		t.Fatalf("got %d tags", len(tags))
	}
	if tags[0].Name != "counter" || tags[0].Value != "07000000" || tags[0].Type != "DINT" {
		t.Errorf("counter = %+v", tags[0])
	}
	if tags[1].Name != "setpoint" || tags[1].Value != "1000" || tags[1].Timestamp == "" {
		t.Errorf("setpoint = %+v", tags[1])
	}
}

func TestRead(t *testing.T) {
	m, _ := newManager(t)
	h := NewServer(m, openConfig()).Handler()

	query := func(plc, address, size string) string {
		v := url.Values{}
		v.Set("address", address)
		v.Set("size", size)
		return "/api/plcs/" + plc + "/read?" + v.Encode()
	}

	tests := []struct {
		name   string
		target string
		status int
		value  string
	}{
		{"raw", query("line1", "0x4020/0", "4"), http.StatusOK, "07000000"},
		{"symbol", query("line1", "MAIN.setpoint", "2"), http.StatusOK, "1000"},
		{"missing address", "/api/plcs/line1/read?size=4", http.StatusBadRequest, ""},
		{"zero size", query("line1", "0x4020/0", "0"), http.StatusBadRequest, ""},
		{"bad address", query("line1", "1/2/3", "4"), http.StatusBadRequest, ""},
		{"unknown symbol", query("line1", "MAIN.missing", "4"), http.StatusNotFound, ""},
		{"device error", query("line1", "0x4020/99", "4"), http.StatusBadGateway, ""},
		{"not connected", query("line2", "0x4020/0", "4"), http.StatusServiceUnavailable, ""},
		{"unknown PLC", query("nope", "0x4020/0", "4"), http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "GET", tt.target, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.value == "" {
				return
			}
			var resp ReadResponse
			decode(t, rec, &resp)
			if resp.Value != tt.value {
				t.Errorf("value = %s, want %s", resp.Value, tt.value)
			}
		})
	}
}

func TestWrite(t *testing.T) {
	m, mem := newManager(t)
	h := NewServer(m, openConfig()).Handler()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"tag", `{"tag":"setpoint","data":"2a00"}`, http.StatusOK},
		{"address", `{"address":"0x4020/0","data":"09000000"}`, http.StatusOK},
		{"invalid json", `{`, http.StatusBadRequest},
		{"bad hex", `{"tag":"setpoint","data":"zz"}`, http.StatusBadRequest},
		{"empty data", `{"tag":"setpoint","data":""}`, http.StatusBadRequest},
		{"tag and address", `{"tag":"setpoint","address":"0x4020/4","data":"2a00"}`, http.StatusBadRequest},
		{"neither", `{"data":"2a00"}`, http.StatusBadRequest},
		{"unknown tag", `{"tag":"nope","data":"2a00"}`, http.StatusNotFound},
		{"read only tag", `{"tag":"counter","data":"01000000"}`, http.StatusForbidden},
		{"wrong size", `{"tag":"setpoint","data":"2a"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "POST", "/api/plcs/line1/write", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if rec.Code == http.StatusOK {
				var resp WriteResponse
				decode(t, rec, &resp)
				if !resp.Success || resp.PLC != "line1" {
					t.Errorf("response = %+v", resp)
				}
			}
		})
	}

	if got := mem.Get(setpointAddr); string(got) != "\x2a\x00" {
		t.Errorf("setpoint memory = % X", got)
	}
	if got := mem.Get(counterAddr); string(got) != "\x09\x00\x00\x00" {
		t.Errorf("counter memory = % X", got)
	}
}

func TestConnectDisconnect(t *testing.T) {
	m, _ := newManager(t)
	h := NewServer(m, openConfig()).Handler()

	// line1 is enabled, so the poller reconnects it right away; only the
	// response is checked.
	rec := do(t, h, "POST", "/api/plcs/line1/disconnect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["status"] != "disconnected" {
		t.Errorf("disconnect response = %v", body)
	}

	if rec := do(t, h, "POST", "/api/plcs/line2/connect", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("connect status = %d", rec.Code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.GetPLC("line2").GetStatus() != plcman.StatusConnected {
		if time.Now().After(deadline) {
			t.Fatal("line2 did not connect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rec := do(t, h, "POST", "/api/plcs/nope/connect", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown PLC status = %d", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	m, _ := newManager(t)

	adminHash, err := HashPassword("admin-pass")
	if err != nil {
		t.Fatal(err)
	}
	viewerHash, err := HashPassword("viewer-pass")
	if err != nil {
		t.Fatal(err)
	}
	cfg := openConfig()
	cfg.Users = []config.WebUser{
		{Username: "admin", PasswordHash: adminHash, Role: config.RoleAdmin},
		{Username: "viewer", PasswordHash: viewerHash, Role: config.RoleViewer},
	}
	h := NewServer(m, cfg).Handler()

	tests := []struct {
		name     string
		user     string
		password string
		method   string
		target   string
		status   int
	}{
		{"no credentials", "", "", "GET", "/api/plcs", http.StatusUnauthorized},
		{"wrong password", "admin", "nope", "GET", "/api/plcs", http.StatusUnauthorized},
		{"unknown user", "ghost", "admin-pass", "GET", "/api/plcs", http.StatusUnauthorized},
		{"viewer reads", "viewer", "viewer-pass", "GET", "/api/plcs", http.StatusOK},
		{"viewer writes", "viewer", "viewer-pass", "POST", "/api/plcs/line1/write", http.StatusForbidden},
		{"viewer disconnects", "viewer", "viewer-pass", "POST", "/api/plcs/line1/disconnect", http.StatusForbidden},
		{"admin writes", "admin", "admin-pass", "POST", "/api/plcs/line1/write", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(`{"tag":"setpoint","data":"0100"}`))
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestAPIDisabled(t *testing.T) {
	m, _ := newManager(t)
	cfg := openConfig()
	cfg.API.Enabled = false
	h := NewServer(m, cfg, WithMetrics(metrics.New(m))).Handler()

	if rec := do(t, h, "GET", "/api/plcs", ""); rec.Code != http.StatusNotFound {
		t.Errorf("api status = %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m, _ := newManager(t)
	h := NewServer(m, openConfig(), WithMetrics(metrics.New(m))).Handler()

	do(t, h, "GET", "/api/plcs/line1", "")
	rec := do(t, h, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`adslink_plc_up{plc="line1",status="Connected"} 1`,
		`adslink_http_requests_total{method="GET",path="/api/plcs/{plc}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}

	cfg := openConfig()
	cfg.API.Metrics = false
	h = NewServer(m, cfg, WithMetrics(metrics.New(m))).Handler()
	if rec := do(t, h, "GET", "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metrics disabled status = %d", rec.Code)
	}
}

func TestServerLifecycle(t *testing.T) {
	m, _ := newManager(t)
	events := NewEventHub()
	m.AddSink(events)

	s := NewServer(m, openConfig(), WithEvents(events))
	if s.IsRunning() || s.ListenAddr() != "" {
		t.Fatal("server should not be running yet")
	}
	if got := s.Address(); got != "127.0.0.1:0" {
		t.Errorf("address = %s", got)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if !s.IsRunning() {
		t.Fatal("server not running after Start")
	}
	base := "http://" + s.ListenAddr()

	resp, err := http.Get(base + "/api/plcs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	// Event stream filtered to the setpoint tag.
	stream, err := http.Get(base + "/api/events?plc=line1&tags=setpoint")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %s", ct)
	}
	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(stream.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	expect := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}
	expect("event: connected")

	deadline := time.Now().Add(time.Second)
	for events.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.WriteTag(context.Background(), "line1", "setpoint", []byte{0x2a, 0x00}); err != nil {
		t.Fatal(err)
	}
	// The initial value may still be in flight; wait for the written one.
	for {
		expect("event: " + eventValueChange)
		var u valueUpdate
		if err := json.Unmarshal([]byte(strings.TrimPrefix(expect("data: "), "data: ")), &u); err != nil {
			t.Fatal(err)
		}
		if u.PLC != "line1" || u.Tag != "setpoint" {
			t.Fatalf("update = %+v", u)
		}
		if u.Value == "2a00" {
			break
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.IsRunning() {
		t.Error("server still running after Stop")
	}
	// Stop ends open streams.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("event stream still open after Stop")
		}
	}
}

func TestEventHubFilters(t *testing.T) {
	h := NewEventHub()
	all := &sseClient{id: "a", events: make(chan valueUpdate, 4)}
	onePLC := &sseClient{id: "b", plc: "line2", events: make(chan valueUpdate, 4)}
	oneTag := &sseClient{id: "c", tags: map[string]bool{"counter": true}, events: make(chan valueUpdate, 4)}
	for _, c := range []*sseClient{all, onePLC, oneTag} {
		h.add(c)
	}

	change := plcman.ValueChange{PLCName: "line1", TagName: "counter", Bytes: []byte{1, 0, 0, 0}}
	if err := h.Publish(context.Background(), change); err != nil {
		t.Fatal(err)
	}
	if len(all.events) != 1 || len(onePLC.events) != 0 || len(oneTag.events) != 1 {
		t.Errorf("deliveries = %d/%d/%d", len(all.events), len(onePLC.events), len(oneTag.events))
	}
	if u := <-all.events; u.Value != "01000000" {
		t.Errorf("value = %s", u.Value)
	}

	h.remove(all)
	if h.ClientCount() != 2 {
		t.Errorf("clients = %d", h.ClientCount())
	}
}

func TestEventHubSnapshot(t *testing.T) {
	h := NewEventHub()
	h.SetSnapshot(func() []plcman.ValueChange {
		return []plcman.ValueChange{
			{PLCName: "line1", TagName: "counter", Bytes: []byte{5, 0, 0, 0}},
			{PLCName: "line2", TagName: "counter", Bytes: []byte{6, 0, 0, 0}},
		}
	})

	// An already canceled request returns once the snapshot is written.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/api/events?plc=line1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: connected\n") {
		t.Errorf("stream starts with %q", body)
	}
	if !strings.Contains(body, `"value":"05000000"`) {
		t.Errorf("snapshot for line1 missing:\n%s", body)
	}
	if strings.Contains(body, `"value":"06000000"`) {
		t.Errorf("snapshot for line2 not filtered:\n%s", body)
	}
	if h.ClientCount() != 0 {
		t.Errorf("client not removed")
	}
}
