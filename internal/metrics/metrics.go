package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Latency histogram upper bounds in microseconds; the last bucket is +Inf.
var latencyBounds = [...]int64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}

var latencyLabels = [...]string{"0.001", "0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "1", "+Inf"}

type histogram struct {
	buckets [len(latencyLabels)]atomic.Int64
	sum     atomic.Int64
	count   atomic.Int64
}

func (h *histogram) observe(micros int64) {
	h.sum.Add(micros)
	h.count.Add(1)
	idx := len(latencyBounds)
	for i, bound := range latencyBounds {
		if micros <= bound {
			idx = i
			break
		}
	}
	h.buckets[idx].Add(1)
}

// Metrics holds the process-wide export counters.
type Metrics struct {
	startTime time.Time

	// HTTP
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64
	httpRejectedBusy    atomic.Int64
	httpCanceled        atomic.Int64
	httpLatency         histogram

	// Engine calls
	listRequestsTotal atomic.Int64
	listNamesTotal    atomic.Int64
	getRequestsTotal  atomic.Int64
	getSuccessTotal   atomic.Int64
	channelsScanned   atomic.Int64
	recordsExported   atomic.Int64
	gapsSkipped       atomic.Int64
	queryLatency      histogram

	errorsMu sync.Mutex
	errors   map[string]int64

	// Remote archive fetches
	fetchTotal      atomic.Int64
	fetchBytesTotal atomic.Int64
	fetchErrors     atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
			errors:    make(map[string]int64),
		}
	})
	return instance
}

// Init attaches a logger to the singleton.
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// HTTP
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess() { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError() { m.httpRequestsError.Add(1) }
func (m *Metrics) IncHTTPBusy() { m.httpRejectedBusy.Add(1) }
func (m *Metrics) IncHTTPCanceled() { m.httpCanceled.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) { m.httpLatency.observe(durationMicros) }

// Engine
func (m *Metrics) IncListRequests() { m.listRequestsTotal.Add(1) }
func (m *Metrics) IncListNames(n int64) { m.listNamesTotal.Add(n) }
func (m *Metrics) IncGetRequests() { m.getRequestsTotal.Add(1) }
func (m *Metrics) IncGetSuccess() { m.getSuccessTotal.Add(1) }
func (m *Metrics) IncChannelsScanned(n int64) { m.channelsScanned.Add(n) }
func (m *Metrics) IncRecordsExported(n int64) { m.recordsExported.Add(n) }
func (m *Metrics) IncGapsSkipped(n int64) { m.gapsSkipped.Add(n) }

// RecordQueryLatency records engine call latency in microseconds
func (m *Metrics) RecordQueryLatency(durationMicros int64) { m.queryLatency.observe(durationMicros) }

// IncError counts a failed call under its failure kind.
func (m *Metrics) IncError(kind string) {
	if kind == "" {
		kind = "other"
	}
	m.errorsMu.Lock()
	m.errors[kind]++
	m.errorsMu.Unlock()
}

// ErrorCount returns the number of failures recorded for kind.
func (m *Metrics) ErrorCount(kind string) int64 {
	m.errorsMu.Lock()
	defer m.errorsMu.Unlock()
	return m.errors[kind]
}

// Storage
func (m *Metrics) IncFetches() { m.fetchTotal.Add(1) }
func (m *Metrics) IncFetchBytes(n int64) { m.fetchBytesTotal.Add(n) }
func (m *Metrics) IncFetchErrors() { m.fetchErrors.Add(1) }

func (m *Metrics) errorSnapshot() map[string]int64 {
	m.errorsMu.Lock()
	defer m.errorsMu.Unlock()
	out := make(map[string]int64, len(m.errors))
	for k, v := range m.errors {
		out[k] = v
	}
	return out
}

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds":     time.Since(m.startTime).Seconds(),
		"goroutines":         runtime.NumGoroutine(),
		"go_version":         runtime.Version(),
		"memory_alloc_bytes": memStats.Alloc,
		"memory_sys_bytes":   memStats.Sys,
		"gc_cycles":          memStats.NumGC,

		"http_requests_total":   m.httpRequestsTotal.Load(),
		"http_requests_success": m.httpRequestsSuccess.Load(),
		"http_requests_error":   m.httpRequestsError.Load(),
		"http_rejected_busy":    m.httpRejectedBusy.Load(),
		"http_canceled":         m.httpCanceled.Load(),
		"http_latency_sum_us":   m.httpLatency.sum.Load(),
		"http_latency_count":    m.httpLatency.count.Load(),

		"list_requests_total":       m.listRequestsTotal.Load(),
		"list_names_total":          m.listNamesTotal.Load(),
		"get_requests_total":        m.getRequestsTotal.Load(),
		"get_success_total":         m.getSuccessTotal.Load(),
		"channels_scanned_total":    m.channelsScanned.Load(),
		"records_exported_total":    m.recordsExported.Load(),
		"gap_markers_skipped_total": m.gapsSkipped.Load(),
		"query_latency_sum_us":      m.queryLatency.sum.Load(),
		"query_latency_count":       m.queryLatency.count.Load(),
		"errors":                    m.errorSnapshot(),

		"fetch_total":       m.fetchTotal.Load(),
		"fetch_bytes_total": m.fetchBytesTotal.Load(),
		"fetch_errors":      m.fetchErrors.Load(),
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = appendHeader(b, "pvexport_uptime_seconds", "Time since the process started", "gauge")
	b = appendMetric(b, "pvexport_uptime_seconds", time.Since(m.startTime).Seconds())

	b = appendHeader(b, "pvexport_goroutines", "Number of goroutines", "gauge")
	b = appendMetric(b, "pvexport_goroutines", float64(runtime.NumGoroutine()))

	b = appendHeader(b, "pvexport_memory_alloc_bytes", "Current allocated memory", "gauge")
	b = appendMetric(b, "pvexport_memory_alloc_bytes", float64(memStats.Alloc))

	b = appendCounter(b, "pvexport_http_requests_total", "Total HTTP requests", m.httpRequestsTotal.Load())
	b = appendCounter(b, "pvexport_http_requests_success_total", "Successful HTTP requests", m.httpRequestsSuccess.Load())
	b = appendCounter(b, "pvexport_http_requests_error_total", "Failed HTTP requests", m.httpRequestsError.Load())
	b = appendCounter(b, "pvexport_http_rejected_busy_total", "Data requests rejected at the concurrency limit", m.httpRejectedBusy.Load())
	b = appendCounter(b, "pvexport_http_canceled_total", "Export requests canceled through the API", m.httpCanceled.Load())
	b = appendHistogram(b, "pvexport_http_latency_seconds", "HTTP request latency", &m.httpLatency)

	b = appendCounter(b, "pvexport_list_requests_total", "Channel list calls", m.listRequestsTotal.Load())
	b = appendCounter(b, "pvexport_list_names_total", "Channel names returned by list calls", m.listNamesTotal.Load())
	b = appendCounter(b, "pvexport_get_requests_total", "Data export calls", m.getRequestsTotal.Load())
	b = appendCounter(b, "pvexport_get_success_total", "Successful data export calls", m.getSuccessTotal.Load())
	b = appendCounter(b, "pvexport_channels_scanned_total", "Channels scanned", m.channelsScanned.Load())
	b = appendCounter(b, "pvexport_records_exported_total", "Records exported", m.recordsExported.Load())
	b = appendCounter(b, "pvexport_gap_markers_skipped_total", "Recording gap markers skipped", m.gapsSkipped.Load())
	b = appendHistogram(b, "pvexport_query_latency_seconds", "Engine call latency", &m.queryLatency)

	b = appendHeader(b, "pvexport_errors_total", "Failed calls by kind", "counter")
	errs := m.errorSnapshot()
	for _, kind := range sortedKeys(errs) {
		b = appendMetricWithLabel(b, "pvexport_errors_total", "kind", kind, float64(errs[kind]))
	}

	b = appendCounter(b, "pvexport_fetch_total", "Remote archive fetches", m.fetchTotal.Load())
	b = appendCounter(b, "pvexport_fetch_bytes_total", "Bytes fetched from remote storage", m.fetchBytesTotal.Load())
	b = appendCounter(b, "pvexport_fetch_errors_total", "Failed remote archive fetches", m.fetchErrors.Load())

	return string(b)
}
