package recorder

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
)

// VideoWriter appends frames to one recording.
type VideoWriter interface {
	WriteFrame(img image.Image) error
	Close() error
}

// WriterFactory opens a VideoWriter for a recording of the given frame size.
type WriterFactory func(path string, width, height int, fps float64) (VideoWriter, error)

// FileName returns the recording file name for a window opened at t.
func FileName(t time.Time) string {
	return "record-" + t.Format("2006-01-02_15_04_05") + ".mjpeg"
}

// MJPEGWriter records frames as concatenated JPEG images
type MJPEGWriter struct {
	mu           sync.Mutex
	file         *os.File
	filename     string
	width        int
	height       int
	fps          float64
	quality      int
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
}

// NewMJPEGWriter creates the recording file, and its directory if needed
func NewMJPEGWriter(path string, width, height int, fps float64, quality int) (*MJPEGWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &MJPEGWriter{
		file:      file,
		filename:  path,
		width:     width,
		height:    height,
		fps:       fps,
		quality:   quality,
		startTime: time.Now(),
	}, nil
}

// MJPEGFactory returns a WriterFactory producing MJPEG files at quality.
func MJPEGFactory(quality int) WriterFactory {
	return func(path string, width, height int, fps float64) (VideoWriter, error) {
		return NewMJPEGWriter(path, width, height, fps, quality)
	}
}

// WriteFrame encodes img, scaled to the recording size, and appends it
func (w *MJPEGWriter) WriteFrame(img image.Image) error {
	if b := img.Bounds(); b.Dx() != w.width || b.Dy() != w.height {
		img = imaging.Resize(img, w.width, w.height)
	}
	data, err := imaging.EncodeJPEG(img, w.quality)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("recording %s is closed", w.filename)
	}
	n, err := w.file.Write(data)
	w.bytesWritten += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	w.frameCount++
	return nil
}

// Close flushes and closes the file
func (w *MJPEGWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		w.file = nil
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return fmt.Errorf("failed to close file: %w", err)
	}
	w.file = nil
	return nil
}

// Stats returns the writer's progress
func (w *MJPEGWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Filename:     w.filename,
		FrameCount:   w.frameCount,
		BytesWritten: w.bytesWritten,
		Duration:     time.Since(w.startTime),
	}
}

// WriterStats summarises one recording file
type WriterStats struct {
	Filename     string        `json:"filename"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	Duration     time.Duration `json:"duration"`
}
