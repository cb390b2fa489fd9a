// Package capture feeds frames from a media source into the shared region.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/config"
	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

// Source yields frames one at a time.
type Source interface {
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// Open returns the source described by cfg. "pattern" selects the built-in
// colour bars; anything else is handed to ffmpeg.
func Open(cfg config.CaptureConfig) (Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid capture size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Source == "pattern" {
		return NewPatternSource(cfg.Width, cfg.Height), nil
	}
	return NewFFmpegSource(cfg)
}

// PatternSource produces colour bars with a moving marker.
type PatternSource struct {
	base   types.Frame
	number uint64
}

// NewPatternSource returns a width x height test pattern.
func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{base: imaging.ColorBars(width, height)}
}

// Next returns the next pattern frame.
func (p *PatternSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	p.number++
	f := p.base.Clone()
	x := int(p.number % uint64(f.Width))
	for y := 0; y < f.Height; y++ {
		i := (y*f.Width + x) * f.Depth
		f.Data[i], f.Data[i+1], f.Data[i+2] = 255, 255, 255
	}
	f.Number = p.number
	f.Timestamp = time.Now()
	return f, nil
}

// Close is a no-op.
func (p *PatternSource) Close() error { return nil }

var pixelFormats = map[string]types.PixelFormat{
	"rgb24":   types.FormatRGB24,
	"bgr24":   types.FormatBGR24,
	"gray":    types.FormatGray8,
	"yuyv422": types.FormatYUYV422,
	"yuv420p": types.FormatYUV420P,
}

// FFmpegSource decodes a camera, stream or file to raw video with ffmpeg.
type FFmpegSource struct {
	bin    string
	args   []string
	width  int
	height int
	format types.PixelFormat
	size   int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	number uint64
}

// NewFFmpegSource prepares, but does not start, an ffmpeg source.
func NewFFmpegSource(cfg config.CaptureConfig) (*FFmpegSource, error) {
	pixFmt := strings.ToLower(cfg.PixelFormat)
	if pixFmt == "" {
		pixFmt = "rgb24"
	}
	format, ok := pixelFormats[pixFmt]
	if !ok {
		return nil, fmt.Errorf("unsupported pixel format %q", cfg.PixelFormat)
	}
	bin := cfg.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegSource{
		bin:    bin,
		args:   ffmpegArgs(cfg.Source, cfg.Width, cfg.Height, cfg.FPS, pixFmt),
		width:  cfg.Width,
		height: cfg.Height,
		format: format,
		size:   format.FrameSize(cfg.Width, cfg.Height),
	}, nil
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// ffmpegArgs builds the command line for device. A bare number is a V4L2
// index.
func ffmpegArgs(device string, width, height int, fps float64, pixFmt string) []string {
	if _, err := strconv.Atoi(device); err == nil {
		device = "/dev/video" + device
	}
	size := fmt.Sprintf("%dx%d", width, height)
	rate := strconv.FormatFloat(fps, 'f', -1, 64)

	var args []string
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		args = []string{"-rtsp_transport", "tcp", "-i", device}
	case isNetworkSource(device):
		args = []string{"-i", device}
	case strings.HasPrefix(device, "/dev/"):
		args = []string{
			"-f", "v4l2",
			"-video_size", size,
			"-framerate", rate,
			"-i", device,
		}
	default:
		// A file plays at its native rate.
		args = []string{"-re", "-i", device}
	}
	return append(args,
		"-an",
		"-vf", "scale="+strings.Replace(size, "x", ":", 1),
		"-r", rate,
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-loglevel", "error",
		"-",
	)
}

func (s *FFmpegSource) start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.bin, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting ffmpeg: %w", err)
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("ffmpeg: %s", scanner.Text())
		}
	}()
	log.Info("ffmpeg started (pid %d): %s %s", cmd.Process.Pid, s.bin, strings.Join(s.args, " "))
	s.cmd = cmd
	s.stdout = stdout
	return nil
}

// Next reads one frame, starting ffmpeg on first use. io.EOF means the
// source ended.
func (s *FFmpegSource) Next(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		if err := s.start(ctx); err != nil {
			return types.Frame{}, err
		}
	}
	buf := make([]byte, s.size)
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return types.Frame{}, err
	}
	s.number++
	return types.Frame{
		Width:     s.width,
		Height:    s.height,
		Depth:     s.format.Depth(),
		Format:    s.format,
		Data:      buf,
		Number:    s.number,
		Timestamp: time.Now(),
	}, nil
}

// Close stops ffmpeg.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.cmd = nil
	return nil
}
