package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	iface "DetStreamClient/interface"
	"DetStreamClient/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const sampleInterval = 500 * time.Millisecond

// Metrics is the client's prometheus surface. It records scheduler and
// session outcomes and samples the process footprint.
type Metrics struct {
	registry *prometheus.Registry

	framesSent    prometheus.Counter
	frameBytes    prometheus.Counter
	framesDropped *prometheus.CounterVec
	messages      *prometheus.CounterVec
	status        prometheus.Gauge
	transitions   *prometheus.CounterVec
	memUsage      prometheus.Gauge
	cpuUsage      prometheus.Gauge

	proc *process.Process
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_sent_total",
			Help: "Total number of encoded frames handed to the transport",
		}),
		frameBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frame_bytes_total",
			Help: "Total JPEG bytes handed to the transport",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frames_dropped_total",
			Help: "Capture ticks that did not produce a sent frame, by reason",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_received_total",
			Help: "Inbound protocol messages, by kind",
		}, []string{"kind"}),
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_status",
			Help: "Session status (0 disconnected, 1 connecting, 2 connected, 3 error)",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Session status transitions, by target status",
		}, []string{"status"}),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
	}
	m.registry.MustRegister(m.framesSent, m.frameBytes, m.framesDropped, m.messages,
		m.status, m.transitions, m.memUsage, m.cpuUsage)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) FrameSent(size int) {
	m.framesSent.Inc()
	m.frameBytes.Add(float64(size))
}

func (m *Metrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageReceived(kind string) {
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) StatusChanged(s iface.Status) {
	m.status.Set(float64(s))
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CheckProcessInfo samples RSS and CPU of the current process.
func (m *Metrics) CheckProcessInfo() error {
	if m.proc == nil {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return err
		}
		m.proc = p
	}
	memInfo, err := m.proc.MemoryInfo()
	if err != nil {
		return err
	}
	m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	cpuPercent, err := m.proc.CPUPercent()
	if err != nil {
		return err
	}
	m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	return nil
}

// StartMon serves /metrics on port and samples the process until ctx ends.
func (m *Metrics) StartMon(port int, ctx context.Context) {
	log := logger.Named("monitor")
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server ListenAndServe error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.Int("port", port))

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			if err := m.CheckProcessInfo(); err != nil {
				log.Debug("process sample failed", zap.Error(err))
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server Shutdown error", zap.Error(err))
	}
}
