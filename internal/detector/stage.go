package detector

import (
	"context"
	"errors"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/internal/pace"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

var log = logger.For("Detector")

// Region is the part of the shared region the detector uses.
type Region interface {
	Flag(f region.Flag) bool
	Frame() (types.Frame, error)
	SetBoxes(boxes []types.Box) error
}

// Stage runs a Detector over the region's frames while Run and Yolo are set.
type Stage struct {
	det       Detector
	reg       Region
	threshold float64
	rate      float64
	metrics   *metrics.Metrics

	lastFrame uint64
	published bool // boxes currently in the region came from us
}

// NewStage creates a detector stage. m may be nil.
func NewStage(det Detector, reg Region, threshold, rate float64, m *metrics.Metrics) *Stage {
	if m == nil {
		m = metrics.New("detector")
	}
	return &Stage{det: det, reg: reg, threshold: threshold, rate: rate, metrics: m}
}

// Run detects at the configured rate until the exit flag is set or ctx ends.
func (s *Stage) Run(ctx context.Context) error {
	log.Info("Detector stage started (threshold=%.2f, rate=%.1f Hz)", s.threshold, s.rate)
	err := pace.Loop(ctx, s.rate, s.metrics.Cycle, s.Step)
	s.clear()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Step runs one detection cycle. It reports false once exit is requested.
func (s *Stage) Step(ctx context.Context) bool {
	if s.reg.Flag(region.Exit) {
		return false
	}
	if !s.reg.Flag(region.Run) || !s.reg.Flag(region.Yolo) {
		s.clear()
		return true
	}

	frame, err := s.reg.Frame()
	if err != nil {
		if !errors.Is(err, region.ErrNotReady) {
			s.metrics.ReadErrors.Add(1)
			log.Debug("Frame read failed: %v", err)
		}
		return true
	}
	// Frame 0 is the blank slot the owner allocates; capture numbers from 1.
	if frame.Number == 0 || frame.Number == s.lastFrame {
		return true
	}
	s.lastFrame = frame.Number
	s.metrics.FramesRead.Add(1)

	start := time.Now()
	boxes, persons, err := s.det.Detect(ctx, frame, s.threshold)
	s.metrics.UpdateDetectLatency(time.Since(start))
	if err != nil {
		s.metrics.ProcessErrors.Add(1)
		log.Warn("Detection on frame %d failed: %v", frame.Number, err)
		return true
	}

	if err := s.reg.SetBoxes(boxes); err != nil {
		log.Error("Publishing boxes: %v", err)
		return true
	}
	s.published = len(boxes) > 0
	s.metrics.Detections.Add(uint64(len(boxes)))
	s.metrics.PersonsSeen.Add(uint64(persons))
	if persons > 0 {
		log.Debug("Frame %d: %d boxes, %d persons", frame.Number, len(boxes), persons)
	}
	return true
}

// clear removes our boxes so consumers do not act on stale detections.
func (s *Stage) clear() {
	if !s.published {
		return
	}
	if err := s.reg.SetBoxes(nil); err != nil {
		log.Warn("Clearing boxes: %v", err)
		return
	}
	s.published = false
}
