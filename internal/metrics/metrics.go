package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheBlackmad/AutomatedHome/internal/logger"
)

// Metrics holds the counters of one pipeline stage
type Metrics struct {
	// Frame counters
	FramesRead    atomic.Uint64
	FramesWritten atomic.Uint64
	FramesDropped atomic.Uint64

	// Error counters
	ReadErrors    atomic.Uint64
	ProcessErrors atomic.Uint64

	// Detection
	Detections    atomic.Uint64 // boxes published
	PersonsSeen   atomic.Uint64
	DetectLatency atomic.Uint64 // last inference latency in ms

	// Recording state
	RecordingActive  atomic.Uint64 // 0 = inactive, 1 = active
	RecordingFrames  atomic.Uint64
	RecordingDropped atomic.Uint64
	RecordingsSaved  atomic.Uint64

	// Viewer / streamer clients
	ActiveClients atomic.Uint64
	TotalClients  atomic.Uint64

	// Control loop timing
	Cycle *CycleTimer

	stage    string
	registry *prometheus.Registry
}

// New creates a Metrics instance for stage with its Prometheus collectors
func New(stage string) *Metrics {
	m := &Metrics{
		Cycle:    NewCycleTimer(),
		stage:    stage,
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

// Stage returns the stage name the metrics are labelled with.
func (m *Metrics) Stage() string { return m.stage }

func (m *Metrics) registerPrometheusMetrics() {
	labels := prometheus.Labels{"stage": m.stage}
	gauge := func(name, help string, fn func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels},
			fn,
		))
	}
	counter := func(c *atomic.Uint64) func() float64 {
		return func() float64 { return float64(c.Load()) }
	}

	gauge("shmcam_frames_read_total", "Frames read from the shared region", counter(&m.FramesRead))
	gauge("shmcam_frames_written_total", "Frames written to the shared region", counter(&m.FramesWritten))
	gauge("shmcam_frames_dropped_total", "Frames dropped on full queues", counter(&m.FramesDropped))

	gauge("shmcam_read_errors_total", "Shared region read errors", counter(&m.ReadErrors))
	gauge("shmcam_process_errors_total", "Backend processing errors", counter(&m.ProcessErrors))

	gauge("shmcam_detections_total", "Boxes published by the detector", counter(&m.Detections))
	gauge("shmcam_persons_seen_total", "Persons counted by the detector", counter(&m.PersonsSeen))
	gauge("shmcam_detect_latency_ms", "Last inference latency in milliseconds", counter(&m.DetectLatency))

	gauge("shmcam_recording_active", "Recording active (0=inactive, 1=active)", counter(&m.RecordingActive))
	gauge("shmcam_recording_frames", "Frames queued to the current recording", counter(&m.RecordingFrames))
	gauge("shmcam_recording_dropped_total", "Recording frames dropped on a full write queue", counter(&m.RecordingDropped))
	gauge("shmcam_recordings_saved_total", "Recordings closed and saved", counter(&m.RecordingsSaved))

	gauge("shmcam_active_clients", "Connected viewer or streamer clients", counter(&m.ActiveClients))
	gauge("shmcam_total_clients", "Viewer or streamer clients since start", counter(&m.TotalClients))

	gauge("shmcam_cycle_seconds", "Duration of the last control cycle", func() float64 { return m.Cycle.Last().Seconds() })
	gauge("shmcam_cycle_avg_seconds", "Average control cycle duration", func() float64 { return m.Cycle.Avg().Seconds() })
	gauge("shmcam_cycle_max_seconds", "Longest control cycle duration", func() float64 { return m.Cycle.Max().Seconds() })
	gauge("shmcam_cycles_total", "Control cycles run", func() float64 { return float64(m.Cycle.Count()) })
}

// ClientConnected records a new viewer or streamer client.
func (m *Metrics) ClientConnected() {
	m.ActiveClients.Add(1)
	m.TotalClients.Add(1)
}

// ClientDisconnected records a client leaving.
func (m *Metrics) ClientDisconnected() {
	m.ActiveClients.Add(^uint64(0))
}

// UpdateDetectLatency stores the last inference duration
func (m *Metrics) UpdateDetectLatency(d time.Duration) {
	m.DetectLatency.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled. An empty addr
// disables the server.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics", "Serving %s metrics on %s", m.stage, addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// LogCycle writes the cycle statistics at INFO.
func (m *Metrics) LogCycle() {
	logger.Info("Metrics", "[%s] cycle this=%v avg=%v max=%v n=%d",
		m.stage, m.Cycle.Last(), m.Cycle.Avg(), m.Cycle.Max(), m.Cycle.Count())
}

// ReportCycles calls LogCycle every interval until ctx ends. Intervals in
// which no cycle completed are not logged.
func (m *Metrics) ReportCycles(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Cycle.Count(); n != reported {
				reported = n
				m.LogCycle()
			}
		}
	}
}
