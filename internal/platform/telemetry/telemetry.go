// Package telemetry provides counters, gauges, and histograms for the billing
// worker, plus a Prometheus text exposition endpoint. It uses only standard
// library constructs; no metrics SDK is imported.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
)

// Metric names used across the billing core.
const (
	MetricBillTransition        = "billing.bill.transition"
	MetricBillInvalidTransition = "billing.bill.invalid_transition"
	MetricGatewayCall           = "billing.gateway.call"
	MetricAccumulationFile      = "accumulation.file.generated"
	MetricAccumulationResponse  = "accumulation.response.row"
	MetricIngestionRecord       = "ingestion.record"
	MetricIngestionRun          = "ingestion.run"
)

// ---------------------------------------------------------------------------
// Counter store — keyed by (metricName, label1, label2, ...)
// ---------------------------------------------------------------------------

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
	if ok {
		atomic.AddInt64(p, 1)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := int64(1)
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
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
// Gauge store
// ---------------------------------------------------------------------------

type gaugeStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]*int64)}
}

func (s *gaugeStore) set(name string, val int64) {
	s.mu.Lock()
	p, ok := s.items[name]
	if !ok {
		v := val
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.StoreInt64(p, val)
}

func (s *gaugeStore) get(name string) int64 {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// ---------------------------------------------------------------------------
// Histogram — fixed boundaries, cumulative counts computed at export time
// ---------------------------------------------------------------------------

type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, CAS-updated
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		newVal := math.Float64frombits(old) + v
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(newVal)) {
			break
		}
	}
	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			break
		}
	}
	h.mu.Unlock()
}

func (h *histogram) Count() int64  { return atomic.LoadInt64(&h.count) }
func (h *histogram) Sum() float64  { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

var defaultDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider holds all metric stores for one worker process.
type Provider struct {
	serviceName string

	counters *counterStore
	gauges   *gaugeStore

	histMu     sync.RWMutex
	histograms map[string]*histogram
}

// NewProvider creates an empty Provider.
func NewProvider(serviceName string) *Provider {
	if serviceName == "" {
		serviceName = "billing-worker"
	}
	return &Provider{
		serviceName: serviceName,
		counters:    newCounterStore(),
		gauges:      newGaugeStore(),
		histograms:  make(map[string]*histogram),
	}
}

// Incr increments a counter identified by name and ordered label values.
func (p *Provider) Incr(name string, labels ...string) {
	p.counters.inc(counterKey(name, labels...))
}

// Counter returns the current value of a counter.
func (p *Provider) Counter(name string, labels ...string) int64 {
	return p.counters.get(counterKey(name, labels...))
}

// SetGauge sets a gauge to val.
func (p *Provider) SetGauge(name string, val int64) {
	p.gauges.set(name, val)
}

// Gauge returns the current value of a gauge.
func (p *Provider) Gauge(name string) int64 {
	return p.gauges.get(name)
}

// ObserveDuration records a duration observation in seconds.
func (p *Provider) ObserveDuration(name string, seconds float64) {
	p.histMu.RLock()
	h, ok := p.histograms[name]
	p.histMu.RUnlock()
	if !ok {
		p.histMu.Lock()
		h, ok = p.histograms[name]
		if !ok {
			h = newHistogram(defaultDurationBuckets)
			p.histograms[name] = h
		}
		p.histMu.Unlock()
	}
	h.Observe(seconds)
}

func counterKey(name string, labels ...string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "|" + strings.Join(labels, "|")
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// PrometheusHandler returns an Echo handler that serves all metrics in
// Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		counters := p.counters.snapshot()
		keys := make([]string, 0, len(counters))
		for k := range counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		written := make(map[string]bool)
		for _, key := range keys {
			parts := strings.Split(key, "|")
			promName := promSafe(parts[0]) + "_total"
			if !written[promName] {
				fmt.Fprintf(&b, "# TYPE %s counter\n", promName)
				written[promName] = true
			}
			if len(parts) == 1 {
				fmt.Fprintf(&b, "%s %d\n", promName, counters[key])
				continue
			}
			labels := make([]string, 0, len(parts)-1)
			for i, v := range parts[1:] {
				labels = append(labels, fmt.Sprintf("label%d=%q", i, v))
			}
			fmt.Fprintf(&b, "%s{%s} %d\n", promName, strings.Join(labels, ","), counters[key])
		}
		b.WriteByte('\n')

		p.histMu.RLock()
		histNames := make([]string, 0, len(p.histograms))
		for name := range p.histograms {
			histNames = append(histNames, name)
		}
		sort.Strings(histNames)
		for _, name := range histNames {
			h := p.histograms[name]
			promName := promSafe(name) + "_seconds"
			fmt.Fprintf(&b, "# TYPE %s histogram\n", promName)
			cum := h.cumulativeBuckets()
			for i, boundary := range h.boundaries {
				fmt.Fprintf(&b, "%s_bucket{le=\"%g\"} %d\n", promName, boundary, cum[i])
			}
			fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", promName, h.Count())
			fmt.Fprintf(&b, "%s_sum %g\n", promName, h.Sum())
			fmt.Fprintf(&b, "%s_count %d\n", promName, h.Count())
			b.WriteByte('\n')
		}
		p.histMu.RUnlock()

		return c.String(http.StatusOK, b.String())
	}
}

func promSafe(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
