package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "hedgelog"

// Metrics 中继的运行指标，使用独立的 registry
type Metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Counter
	activeConnections prometheus.Gauge
	frames            prometheus.Counter
	truncatedFrames   prometheus.Counter
	decodeErrors      prometheus.Counter
	unrouted          prometheus.Counter
	dispatched        *prometheus.CounterVec
	sinkErrors        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}
	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		connections:     counter("connections_total", "Accepted producer connections."),
		frames:          counter("frames_total", "Complete frames read from producers."),
		truncatedFrames: counter("truncated_frames_total", "Connections that ended in the middle of a frame."),
		decodeErrors:    counter("decode_errors_total", "Frames dropped because the payload could not be decoded."),
		unrouted:        counter("records_unrouted_total", "Records without any configured handler."),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Producer connections currently being served.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_dispatched_total",
			Help:      "Records handed to a handler.",
		}, []string{"handler"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sink_errors_total",
			Help:      "Handler write failures.",
		}, []string{"handler"}),
	}
	m.registry.MustRegister(
		m.connections, m.activeConnections, m.frames, m.truncatedFrames,
		m.decodeErrors, m.unrouted, m.dispatched, m.sinkErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ServeMetrics 在 addr 上提供 /metrics，直到 ctx 取消
func ServeMetrics(ctx context.Context, addr string, m *Metrics, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
