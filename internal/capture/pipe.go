package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

// PipeMagic starts every frame header written to the pipe ("SCAM").
const PipeMagic uint32 = 0x4D414353

// PipeHeaderSize is the length of the little-endian frame header:
// magic, width, height, depth (uint32 each) and data length (uint64).
const PipeHeaderSize = 24

// Pipe exports raw frames to a named FIFO for external consumers. Frames are
// only written while a reader has the FIFO open.
type Pipe struct {
	path string
	file *os.File
}

// NewPipe creates the FIFO at path if it does not exist yet.
func NewPipe(path string) (*Pipe, error) {
	if err := unix.Mkfifo(path, 0o644); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("failed to create fifo %s: %w", path, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		return nil, fmt.Errorf("%s exists and is not a fifo", path)
	}
	return &Pipe{path: path}, nil
}

// Path returns the FIFO path.
func (p *Pipe) Path() string { return p.path }

// Connected reports whether a reader is attached.
func (p *Pipe) Connected() bool { return p.file != nil }

// PipeHeader encodes the header of f.
func PipeHeader(f types.Frame) []byte {
	h := make([]byte, PipeHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(h[0:], PipeMagic)
	le.PutUint32(h[4:], uint32(f.Width))
	le.PutUint32(h[8:], uint32(f.Height))
	le.PutUint32(h[12:], uint32(f.Depth))
	le.PutUint64(h[16:], uint64(len(f.Data)))
	return h
}

// Write sends f to the reader. It reports whether the frame was written;
// having no reader is not an error.
func (p *Pipe) Write(f types.Frame) (bool, error) {
	if p.file == nil {
		fd, err := unix.Open(p.path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if errors.Is(err, unix.ENXIO) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to open fifo: %w", err)
		}
		// Whole frames only: the reader paces us once attached.
		if err := unix.SetNonblock(fd, false); err != nil {
			unix.Close(fd)
			return false, err
		}
		p.file = os.NewFile(uintptr(fd), p.path)
		log.Info("Pipe reader attached to %s", p.path)
	}

	buf := append(PipeHeader(f), f.Data...)
	if _, err := p.file.Write(buf); err != nil {
		p.file.Close()
		p.file = nil
		if errors.Is(err, unix.EPIPE) {
			log.Info("Pipe reader left %s", p.path)
			return false, nil
		}
		return false, fmt.Errorf("failed to write fifo: %w", err)
	}
	return true, nil
}

// Close detaches from the reader.
func (p *Pipe) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// Remove closes the pipe and deletes the FIFO.
func (p *Pipe) Remove() error {
	p.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
