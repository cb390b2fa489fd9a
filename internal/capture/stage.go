package capture

import (
	"context"
	"errors"
	"io"

	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/internal/pace"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

var log = logger.For("Capture")

// Region is the part of the shared region the capturer writes.
type Region interface {
	Flag(f region.Flag) bool
	SetFrame(f types.Frame) error
}

// Stage publishes frames from a Source while Run and Capture are set.
type Stage struct {
	src     Source
	reg     Region
	rate    float64
	pipe    *Pipe
	metrics *metrics.Metrics

	waiting bool
	number  uint64
}

// NewStage creates a capture stage. pipe and m may be nil.
func NewStage(src Source, reg Region, rate float64, pipe *Pipe, m *metrics.Metrics) *Stage {
	if m == nil {
		m = metrics.New("capture")
	}
	return &Stage{src: src, reg: reg, rate: rate, pipe: pipe, metrics: m}
}

// Run captures until the exit flag is set, the source ends or ctx ends.
func (s *Stage) Run(ctx context.Context) error {
	defer func() {
		if s.pipe != nil {
			s.pipe.Close()
		}
	}()
	log.Info("Capture stage started at %.1f Hz", s.rate)
	err := pace.Loop(ctx, s.rate, s.metrics.Cycle, s.Step)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Step publishes one frame. It reports false on exit or end of source.
func (s *Stage) Step(ctx context.Context) bool {
	if s.reg.Flag(region.Exit) {
		return false
	}
	if !s.reg.Flag(region.Run) || !s.reg.Flag(region.Capture) {
		if !s.waiting {
			log.Info("Waiting for run and capture flags")
			s.waiting = true
		}
		return true
	}
	if s.waiting {
		log.Info("Capturing")
		s.waiting = false
	}

	f, err := s.src.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Info("Source ended after %d frames", s.number)
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		s.metrics.ReadErrors.Add(1)
		log.Warn("Reading source: %v", err)
		return true
	}
	s.metrics.FramesRead.Add(1)
	s.number++
	if f.Number == 0 {
		f.Number = s.number
	}

	if err := s.reg.SetFrame(f); err != nil {
		s.metrics.ProcessErrors.Add(1)
		log.Warn("Publishing frame %d: %v", f.Number, err)
		return true
	}
	s.metrics.FramesWritten.Add(1)

	if s.pipe != nil {
		if s.reg.Flag(region.Pipe) {
			if _, err := s.pipe.Write(f); err != nil {
				log.Warn("Pipe export: %v", err)
			}
		} else if s.pipe.Connected() {
			s.pipe.Close()
		}
	}
	return true
}
