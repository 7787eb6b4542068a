// Package telemetry records request metrics for the HTTP API and the MLLP
// listener and serves them in the Prometheus text exposition format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are non-cumulative in storage; cumulative counts are computed at
// export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// LabelsKey joins label values into a store key. Exported so tests can build
// the same key.
func LabelsKey(values ...string) string {
	return strings.Join(values, "|")
}

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newHistogramStore() *histogramStore {
	return &histogramStore{items: make(map[string]*histogram)}
}

func (s *histogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) get(key string) *histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// durationBuckets are the histogram boundaries in seconds.
var durationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

type gaugeFunc struct {
	name string
	help string
	fn   func() int64
}

// Provider holds all metric state.
type Provider struct {
	httpDuration *histogramStore
	httpActive   int64

	hl7Messages *counterStore
	hl7Duration *histogramStore
	mllpActive  int64

	gaugesMu sync.RWMutex
	gauges   []gaugeFunc
}

func NewProvider() *Provider {
	return &Provider{
		httpDuration: newHistogramStore(),
		hl7Messages:  newCounterStore(),
		hl7Duration:  newHistogramStore(),
	}
}

// RegisterGauge adds a gauge whose value is read at scrape time.
func (p *Provider) RegisterGauge(name, help string, fn func() int64) {
	p.gaugesMu.Lock()
	defer p.gaugesMu.Unlock()
	p.gauges = append(p.gauges, gaugeFunc{name: name, help: help, fn: fn})
}

// HL7MessageCount returns the number of exchanges recorded for the given
// message type and acknowledgment code.
func (p *Provider) HL7MessageCount(messageType, ackCode string) int64 {
	return p.hl7Messages.get(LabelsKey(messageType, ackCode))
}

// HTTPRequestCount returns the number of requests recorded for the route.
func (p *Provider) HTTPRequestCount(method, route, status string) int64 {
	h := p.httpDuration.get(LabelsKey(method, route, status))
	if h == nil {
		return 0
	}
	return h.Count()
}

// ---------------------------------------------------------------------------
// HTTP middleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records the duration of every HTTP request by method,
// route and status code.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.httpActive, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&p.httpActive, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := LabelsKey(c.Request().Method, route, strconv.Itoa(responseStatus(c, err)))
			p.httpDuration.getOrCreate(key, durationBuckets).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// responseStatus is the status the error handler will write for err.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// ---------------------------------------------------------------------------
// MLLP instrumentation
// ---------------------------------------------------------------------------

// InstrumentHL7 wraps an MLLP handler and counts every exchange by request
// message type and the MSA-1 code of the reply.
func (p *Provider) InstrumentHL7(next hl7v2.Handler) hl7v2.Handler {
	return hl7v2.HandlerFunc(func(ctx context.Context, raw []byte) []byte {
		atomic.AddInt64(&p.mllpActive, 1)
		defer atomic.AddInt64(&p.mllpActive, -1)
		start := time.Now()

		resp := next.ServeHL7(ctx, raw)

		messageType, err := hl7v2.DetectMessageType(raw)
		if err != nil {
			messageType = "unknown"
		}
		ack := replyAckCode(resp)
		p.hl7Messages.inc(LabelsKey(messageType, ack))
		p.hl7Duration.getOrCreate(messageType, durationBuckets).Observe(time.Since(start).Seconds())
		return resp
	})
}

// replyAckCode returns MSA-1 of a framed reply, or "none".
func replyAckCode(framed []byte) string {
	body, _, found := hl7v2.UnframeMessage(framed)
	if !found {
		return "none"
	}
	msg, err := hl7v2.Parse(body)
	if err != nil {
		return "none"
	}
	msa := msg.GetSegment("MSA")
	if msa == nil || msa.GetField(1) == "" {
		return "none"
	}
	return msa.GetField(1)
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves the metrics in Prometheus text format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeLabeledHistograms(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.",
			[]string{"method", "route", "status_code"}, p.httpDuration.snapshot())
		writeGauge(&b, "http_server_active_requests", "Number of active HTTP requests.",
			atomic.LoadInt64(&p.httpActive))

		b.WriteString("# HELP hl7_messages_total HL7 exchanges by message type and acknowledgment code.\n")
		b.WriteString("# TYPE hl7_messages_total counter\n")
		counters := p.hl7Messages.snapshot()
		for _, key := range sortedKeys(counters) {
			parts := strings.SplitN(key, "|", 2)
			if len(parts) != 2 {
				continue
			}
			fmt.Fprintf(&b, "hl7_messages_total{message_type=%q,ack_code=%q} %d\n", parts[0], parts[1], counters[key])
		}
		b.WriteByte('\n')

		writeLabeledHistograms(&b, "hl7_message_duration_seconds",
			"Time to answer one HL7 message in seconds.",
			[]string{"message_type"}, p.hl7Duration.snapshot())
		writeGauge(&b, "mllp_active_messages", "Number of HL7 messages being processed.",
			atomic.LoadInt64(&p.mllpActive))

		p.gaugesMu.RLock()
		gauges := append([]gaugeFunc(nil), p.gauges...)
		p.gaugesMu.RUnlock()
		for _, g := range gauges {
			writeGauge(&b, g.name, g.help, g.fn())
		}

		return c.String(http.StatusOK, b.String())
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeGauge(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, v)
}

func writeLabeledHistograms(b *strings.Builder, name, help string, labelNames []string, snap map[string]*histogram) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	for _, key := range sortedKeys(snap) {
		values := strings.SplitN(key, "|", len(labelNames))
		if len(values) != len(labelNames) {
			continue
		}
		pairs := make([]string, len(labelNames))
		for i, n := range labelNames {
			pairs[i] = fmt.Sprintf("%s=%q", n, values[i])
		}
		writeHistogram(b, name, strings.Join(pairs, ","), snap[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
