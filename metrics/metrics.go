// Package metrics exports link and poll statistics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adslink/plcman"
)

const namespace = "adslink"

// Source is what the collector reads on every scrape.
type Source interface {
	ListPLCs() []*plcman.ManagedPLC
	GetPollStats() plcman.PollStats
}

func newDesc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// Collector turns every managed connection's ads.Stats into metrics at
// scrape time.
type Collector struct {
	src Source

	frames      *prometheus.Desc
	acks        *prometheus.Desc
	retransmits *prometheus.Desc
	strayAcks   *prometheus.Desc
	duplicates  *prometheus.Desc
	crcErrors   *prometheus.Desc
	stale       *prometheus.Desc
	timeouts    *prometheus.Desc
	pending     *prometheus.Desc
	up          *prometheus.Desc
	tagsPolled  *prometheus.Desc
	changes     *prometheus.Desc
}

// NewCollector creates a collector reading from src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src:         src,
		frames:      newDesc("link", "frames_total", "ADS frames by direction.", "plc", "direction"),
		acks:        newDesc("link", "acks_total", "Serial link acknowledgements by direction.", "plc", "direction"),
		retransmits: newDesc("link", "retransmits_total", "Serial envelopes sent again after an ack timeout.", "plc"),
		strayAcks:   newDesc("link", "stray_acks_total", "Acks that matched no outstanding envelope.", "plc"),
		duplicates:  newDesc("link", "duplicates_total", "Duplicate inbound envelopes dropped.", "plc"),
		crcErrors:   newDesc("link", "crc_errors_total", "Inbound envelopes dropped for a bad checksum.", "plc"),
		stale:       newDesc("link", "stale_responses_total", "Responses with no pending request.", "plc"),
		timeouts:    newDesc("link", "request_timeouts_total", "Requests that timed out.", "plc"),
		pending:     newDesc("link", "pending_requests", "Requests awaiting a response.", "plc"),
		up:          newDesc("plc", "up", "1 if the PLC connection is established.", "plc", "status"),
		tagsPolled:  newDesc("poll", "tags", "Tags read in the last poll cycle."),
		changes:     newDesc("poll", "changes", "Value changes found in the last poll cycle."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.frames, c.acks, c.retransmits, c.strayAcks, c.duplicates, c.crcErrors,
		c.stale, c.timeouts, c.pending, c.up, c.tagsPolled, c.changes,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for _, plc := range c.src.ListPLCs() {
		name := plc.Config.Name
		status := plc.GetStatus()
		up := 0.0
		if status == plcman.StatusConnected {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, name, status.String())

		s := plc.Stats()
		counter(c.frames, s.FramesSent, name, "sent")
		counter(c.frames, s.FramesReceived, name, "received")
		counter(c.acks, s.AcksSent, name, "sent")
		counter(c.acks, s.AcksReceived, name, "received")
		counter(c.retransmits, s.Retransmits, name)
		counter(c.strayAcks, s.StrayAcks, name)
		counter(c.duplicates, s.Duplicates, name)
		counter(c.crcErrors, s.CrcErrors, name)
		counter(c.stale, s.StaleResponses, name)
		counter(c.timeouts, s.Timeouts, name)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending), name)
	}

	ps := c.src.GetPollStats()
	ch <- prometheus.MustNewConstMetric(c.tagsPolled, prometheus.GaugeValue, float64(ps.TagsPolled))
	ch <- prometheus.MustNewConstMetric(c.changes, prometheus.GaugeValue, float64(ps.ChangesFound))
}

// Metrics owns a registry with the link collector, HTTP request metrics and
// the Go runtime collectors.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a registry exporting src.
func New(src Source) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	m.Registry.MustRegister(
		NewCollector(src),
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordHTTPRequest counts one served request. path should be the route
// pattern, not the raw URL.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
