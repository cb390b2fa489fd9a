// Package viewer serves the live view of a camera: an MJPEG stream, a
// WebSocket push stream, a detection event stream, region status and the
// recordings catalog.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/catalog"
	"github.com/TheBlackmad/AutomatedHome/internal/config"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

var log = logger.For("Viewer")

// Region is the part of the shared region the viewer reads.
type Region interface {
	FrameSource
	FlagState() map[string]bool
	Shape() (width, height, depth int, err error)
	BoxVersion() uint32
	Owner() int
	Attached() int
}

// Lister lists finished recordings.
type Lister interface {
	List(ctx context.Context, cameraID string, limit int) ([]catalog.Recording, error)
}

// Server serves the viewer endpoints.
type Server struct {
	cameraID    string
	cfg         config.ViewerConfig
	reg         Region
	recordings  Lister
	metrics     *metrics.Metrics
	broadcaster *FrameBroadcaster
	detections  *DetectionBroadcaster
}

// NewServer returns a viewer for reg. recordings and m may be nil.
func NewServer(cameraID string, cfg config.ViewerConfig, reg Region, recordings Lister, m *metrics.Metrics) *Server {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if m == nil {
		m = metrics.New("viewer")
	}
	interval := time.Duration(float64(time.Second) / cfg.FPS)
	return &Server{
		cameraID:    cameraID,
		cfg:         cfg,
		reg:         reg,
		recordings:  recordings,
		metrics:     m,
		broadcaster: NewFrameBroadcaster(reg, interval, cfg.Quality, m),
		detections:  NewDetectionBroadcaster(reg, interval),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/recordings", s.handleRecordings)
	mux.HandleFunc("/api/detections", s.handleDetections)
	return mux
}

// Run serves on cfg.Addr until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcaster.Run(ctx)
	go s.detections.Run(ctx)

	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Serving camera %s on %s", s.cameraID, s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, indexHTML, s.cameraID, s.cameraID)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	log.Debug("WebSocket client %s connected", r.RemoteAddr)

	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamWebSocket(conn, frameCh)
}

// Status is the /api/status payload
type Status struct {
	CameraID   string          `json:"camera_id"`
	Flags      map[string]bool `json:"flags"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Depth      int             `json:"depth"`
	Boxes      []types.Box     `json:"boxes"`
	BoxVersion uint32          `json:"box_version"`
	OwnerPID   int             `json:"owner_pid"`
	Attached   int             `json:"attached"`
	Clients    int             `json:"clients"`
	Timestamp  float64         `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		CameraID:   s.cameraID,
		Flags:      s.reg.FlagState(),
		Boxes:      s.reg.Boxes(),
		BoxVersion: s.reg.BoxVersion(),
		OwnerPID:   s.reg.Owner(),
		Attached:   s.reg.Attached(),
		Clients:    s.broadcaster.Clients(),
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
	}
	if width, height, depth, err := s.reg.Shape(); err == nil {
		st.Width, st.Height, st.Depth = width, height, depth
	} else {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONWithStatus(w, map[string]any{"error": "invalid limit"}, http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs := []catalog.Recording{}
	if s.recordings != nil {
		list, err := s.recordings.List(r.Context(), s.cameraID, limit)
		if err != nil {
			log.Warn("Listing recordings: %v", err)
			writeJSONWithStatus(w, map[string]any{"error": "catalog unavailable"}, http.StatusInternalServerError)
			return
		}
		if list != nil {
			recs = list
		}
	}
	writeJSON(w, map[string]any{
		"camera_id":  s.cameraID,
		"recordings": recs,
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
