// Package telemetry exposes Prometheus metrics for extraction runs and the
// HTTP API.
package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mathopoulos/hkextract"
)

const namespace = "hkextract"

// Telemetry holds the collectors of one process. A nil *Telemetry is valid
// and records nothing.
type Telemetry struct {
	Registry *prometheus.Registry

	records  *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	rss      prometheus.Gauge

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a Telemetry with its own registry, including the process and
// Go runtime collectors.
func New() *Telemetry {
	t := &Telemetry{
		Registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "extract",
				Name:      "records_total",
				Help:      "Records seen by extraction runs, by outcome.",
			},
			[]string{"metric", "outcome"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "extract",
				Name:      "bytes_total",
				Help:      "Export bytes read by extraction runs.",
			},
			[]string{"metric"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "extract",
				Name:      "runs_total",
				Help:      "Completed extraction runs.",
			},
			[]string{"metric", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "extract",
				Name:      "run_duration_seconds",
				Help:      "Duration of extraction runs.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"metric"},
		),
		rss: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "rss_bytes",
				Help:      "Resident set size sampled after each run.",
			},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "path"},
		),
	}

	t.Registry.MustRegister(
		t.records,
		t.bytes,
		t.runs,
		t.duration,
		t.rss,
		t.httpInFlight,
		t.httpRequests,
		t.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return t
}

// ObserveRun records the outcome of one extraction run.
func (t *Telemetry) ObserveRun(metric string, stats *hkextract.Stats, d time.Duration, err error) {
	if t == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, hkextract.ErrSourceUnavailable):
		status = "source_error"
	case errors.Is(err, hkextract.ErrSinkFailure):
		status = "sink_error"
	case err != nil:
		status = "error"
	}
	t.runs.WithLabelValues(metric, status).Inc()
	t.duration.WithLabelValues(metric).Observe(d.Seconds())

	if stats != nil {
		t.bytes.WithLabelValues(metric).Add(float64(stats.Bytes()))
		t.records.WithLabelValues(metric, "scanned").Add(float64(stats.Scanned()))
		t.records.WithLabelValues(metric, "matched").Add(float64(stats.Matched()))
		t.records.WithLabelValues(metric, "filtered").Add(float64(stats.Filtered()))
		t.records.WithLabelValues(metric, "skipped").Add(float64(stats.Skipped()))
	}
	t.SampleMemory()
}

// SampleMemory sets the RSS gauge from the current process.
func (t *Telemetry) SampleMemory() {
	if t == nil {
		return
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	mem, err := p.MemoryInfo()
	if err != nil || mem == nil {
		return
	}
	t.rss.Set(float64(mem.RSS))
}

// Handler returns an HTTP handler exposing the registry.
func (t *Telemetry) Handler() http.Handler {
	if t == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{})
}

// Instrument wraps next with HTTP metrics collection. Requests are labelled
// with their mux route template, so it should be installed with Router.Use.
func (t *Telemetry) Instrument(next http.Handler) http.Handler {
	if t == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		t.httpInFlight.Inc()
		defer t.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := routePath(r)
		method := strings.ToUpper(r.Method)
		t.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		t.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
