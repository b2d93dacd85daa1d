package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dstore"

// Gauges are sampled at scrape time.
type Gauges struct {
	PoolInUse    func() float64
	PoolCapacity func() float64
	Models       func() float64
	LayerEntries func() float64
	BusyWorkers  func() float64
}

// Server holds the model server's collectors. A nil *Server is valid and
// records nothing.
type Server struct {
	reg *prometheus.Registry

	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	bulkBytes *prometheus.CounterVec
	evictions prometheus.Counter
	retired   prometheus.Counter
}

func NewServer(provider int, g Gauges) *Server {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"provider": strconv.Itoa(provider)}

	m := &Server{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_total",
			Help:        "RPCs handled, by operation and result.",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "request_duration_seconds",
			Help:        "Time from queueing an RPC to its completion.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"op"}),
		bulkBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bulk_bytes_total",
			Help:        "Layer payload bytes moved, by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "layer_evictions_total",
			Help:        "Layer entries freed after their ref count dropped to zero.",
			ConstLabels: labels,
		}),
		retired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "models_retired_total",
			Help:        "Model records removed by a negative ref count update.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.bulkBytes, m.evictions, m.retired)

	gauge := func(name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, fn))
	}
	gauge("pool_bytes_in_use", "Arena bytes held by live segments.", g.PoolInUse)
	gauge("pool_bytes_capacity", "Arena size in bytes.", g.PoolCapacity)
	gauge("models", "Registered model records.", g.Models)
	gauge("layer_entries", "Stored (layer, owner) entries.", g.LayerEntries)
	gauge("busy_workers", "Workers currently running a handler.", g.BusyWorkers)
	return m
}

func (m *Server) Observe(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Server) BytesIn(n int) {
	if m != nil {
		m.bulkBytes.WithLabelValues("in").Add(float64(n))
	}
}

func (m *Server) BytesOut(n int) {
	if m != nil {
		m.bulkBytes.WithLabelValues("out").Add(float64(n))
	}
}

func (m *Server) Evicted(n int) {
	if m != nil {
		m.evictions.Add(float64(n))
	}
}

func (m *Server) Retired() {
	if m != nil {
		m.retired.Inc()
	}
}

func (m *Server) Registry() *prometheus.Registry { return m.reg }

func (m *Server) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
