// Package metrics exports framework measurements to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/data-ingest/device"
)

const namespace = "data_ingest"

var statuses = []device.Status{
	device.StatusOffline,
	device.StatusConnecting,
	device.StatusOnline,
	device.StatusError,
	device.StatusMaintenance,
}

var _ device.Recorder = (*Recorder)(nil)

// Recorder implements device.Recorder on prometheus collectors.
type Recorder struct {
	registry *prometheus.Registry

	Status          *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	DataMessages    *prometheus.CounterVec
	DataBytes       *prometheus.CounterVec
	Events          *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them on a fresh registry.
func NewRecorder() (*Recorder, error) {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		Status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "status",
				Help:      "Current connection status per device (1 for the active status)",
			},
			[]string{"device", "type", "status"},
		),

		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "transitions_total",
				Help:      "Total number of connection status transitions",
			},
			[]string{"type", "status"},
		),

		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "total",
				Help:      "Total number of completed commands",
			},
			[]string{"device", "command", "status"},
		),

		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "duration_seconds",
				Help:      "Command round trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		DataMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "data",
				Name:      "messages_total",
				Help:      "Total number of payloads received",
			},
			[]string{"device"},
		),

		DataBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "data",
				Name:      "bytes_total",
				Help:      "Total number of payload bytes received",
			},
			[]string{"device"},
		),

		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of events published on the bus",
			},
			[]string{"type"},
		),
	}

	for _, c := range []prometheus.Collector{
		r.Status, r.Transitions, r.Commands, r.CommandDuration,
		r.DataMessages, r.DataBytes, r.Events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := r.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ConnectionStatus implements device.Recorder
func (r *Recorder) ConnectionStatus(deviceID string, connType device.ConnectionType, status device.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		r.Status.WithLabelValues(deviceID, string(connType), string(s)).Set(v)
	}
	r.Transitions.WithLabelValues(string(connType), string(status)).Inc()
}

// CommandCompleted implements device.Recorder
func (r *Recorder) CommandCompleted(deviceID, command string, status device.CommandStatus, elapsed time.Duration) {
	r.Commands.WithLabelValues(deviceID, command, string(status)).Inc()
	r.CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// DataReceived implements device.Recorder
func (r *Recorder) DataReceived(deviceID string, bytes int) {
	r.DataMessages.WithLabelValues(deviceID).Inc()
	r.DataBytes.WithLabelValues(deviceID).Add(float64(bytes))
}

// EventPublished implements device.Recorder
func (r *Recorder) EventPublished(eventType device.EventType) {
	r.Events.WithLabelValues(string(eventType)).Inc()
}

// Forget drops the per-device series of deviceID.
func (r *Recorder) Forget(deviceID string) {
	labels := prometheus.Labels{"device": deviceID}
	r.Status.DeletePartialMatch(labels)
	r.Commands.DeletePartialMatch(labels)
	r.DataMessages.DeletePartialMatch(labels)
	r.DataBytes.DeletePartialMatch(labels)
}

// Server serves the registry over HTTP.
type Server struct {
	addr     string
	path     string
	recorder *Recorder

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr, path string, recorder *Recorder) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}
	return &Server{addr: addr, path: path, recorder: recorder}
}

// Handler returns the mux serving the metrics path and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.recorder.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start serves in the background. Errors other than a clean shutdown are
// passed to onError.
func (s *Server) Start(onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("metrics server already running")
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
