package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"adslink/logging"
	"adslink/plcman"
)

const eventValueChange = "value-change"

type valueUpdate struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Address   string `json:"address"`
	Type      string `json:"type,omitempty"`
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
}

type sseClient struct {
	id     string
	plc    string
	tags   map[string]bool
	events chan valueUpdate
}

func (c *sseClient) wants(u valueUpdate) bool {
	if c.plc != "" && c.plc != u.PLC {
		return false
	}
	return c.tags == nil || c.tags[u.Tag]
}

// EventHub streams value changes to server-sent-event clients. It is a
// plcman.Sink.
type EventHub struct {
	mu       sync.RWMutex
	clients  map[string]*sseClient
	nextID   atomic.Uint64
	snapshot func() []plcman.ValueChange
}

// NewEventHub creates a hub with no clients.
func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[string]*sseClient)}
}

// SetSnapshot sets the source of the current values sent to each client
// right after it connects.
func (h *EventHub) SetSnapshot(fn func() []plcman.ValueChange) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

func toUpdate(c plcman.ValueChange) valueUpdate {
	return valueUpdate{
		PLC:       c.PLCName,
		Tag:       c.TagName,
		Address:   c.Address,
		Type:      c.TypeName,
		Value:     c.Hex(),
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Name implements plcman.Sink.
func (h *EventHub) Name() string { return "sse" }

// Publish implements plcman.Sink. Clients whose buffer is full miss the
// event.
func (h *EventHub) Publish(ctx context.Context, c plcman.ValueChange) error {
	u := toUpdate(c)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.wants(u) {
			continue
		}
		select {
		case client.events <- u:
		default:
			logging.DebugLog("api", "sse client %s buffer full, dropping %s.%s", client.id, u.PLC, u.Tag)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) add(c *sseClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *EventHub) remove(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

// ServeHTTP streams events. Query parameters plc and tags (comma
// separated) narrow the stream.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	client := &sseClient{
		id:     fmt.Sprintf("sse-%d", h.nextID.Add(1)),
		plc:    r.URL.Query().Get("plc"),
		events: make(chan valueUpdate, 64),
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		client.tags = make(map[string]bool)
		for _, t := range strings.Split(tags, ",") {
			client.tags[strings.TrimSpace(t)] = true
		}
	}
	h.add(client)
	defer h.remove(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	h.mu.RLock()
	snapshot := h.snapshot
	h.mu.RUnlock()
	if snapshot != nil {
		for _, c := range snapshot() {
			if u := toUpdate(c); client.wants(u) {
				writeEvent(w, u)
			}
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case u := <-client.events:
			writeEvent(w, u)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, u valueUpdate) {
	data, _ := json.Marshal(u)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventValueChange, data)
}
