package region

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

// MaxReadRetries bounds how often Frame retries an inconsistent slot before
// giving up with ErrTornRead.
var MaxReadRetries = 20

const readRetryDelay = 500 * time.Microsecond

// beginWrite marks a slot as being written: the sequence word goes odd.
func beginWrite(mem []byte, seqOff int) uint32 {
	s := load(mem, seqOff)
	if s%2 == 0 {
		s++
	} else {
		// A previous writer died mid-write.
		s += 2
	}
	store(mem, seqOff, s)
	return s
}

func endWrite(mem []byte, seqOff int, s uint32) {
	store(mem, seqOff, s+1)
}

func putFormat(mem []byte, f types.PixelFormat) {
	tag := mem[frameFormat : frameFormat+formatTagLen]
	clear(tag)
	copy(tag, f)
}

func readFormat(mem []byte) types.PixelFormat {
	tag := mem[frameFormat : frameFormat+formatTagLen]
	if i := bytes.IndexByte(tag, 0); i >= 0 {
		tag = tag[:i]
	}
	return types.PixelFormat(tag)
}

// Shape returns the current frame shape.
func (r *Region) Shape() (width, height, depth int, err error) {
	mem, release, err := r.acquireMap()
	if err != nil {
		return 0, 0, 0, err
	}
	defer release()

	r.lockGuard(mem, frameGuard)
	width, height, depth = r.shapeLocked(mem)
	unlockGuard(mem, frameGuard)
	return width, height, depth, nil
}

func (r *Region) shapeLocked(mem []byte) (int, int, int) {
	return int(load(mem, frameWidth)), int(load(mem, frameHeight)), int(load(mem, frameDepth))
}

// SetShape changes the stored frame shape and clears the image to black.
func (r *Region) SetShape(width, height, depth int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid shape %dx%d", width, height)
	}
	if width > r.geo.maxWidth || height > r.geo.maxHeight || depth > r.geo.maxDepth {
		return fmt.Errorf("%w: %dx%dx%d > %dx%dx%d", ErrCapacity,
			width, height, depth, r.geo.maxWidth, r.geo.maxHeight, r.geo.maxDepth)
	}
	format, err := imaging.StorageFormat(depth)
	if err != nil {
		return err
	}

	mem, release, err := r.acquireMap()
	if err != nil {
		return err
	}
	defer release()

	length := width * height * depth
	r.lockGuard(mem, frameGuard)
	s := beginWrite(mem, frameSeq)
	store(mem, frameWidth, uint32(width))
	store(mem, frameHeight, uint32(height))
	store(mem, frameDepth, uint32(depth))
	binary.LittleEndian.PutUint64(mem[frameLength:], uint64(length))
	putFormat(mem, format)
	clear(mem[r.geo.imageOff : r.geo.imageOff+length])
	endWrite(mem, frameSeq, s)
	unlockGuard(mem, frameGuard)

	r.log.Info("Frame shape set to %dx%dx%d", width, height, depth)
	return nil
}

// Format returns the pixel format frames are stored in.
func (r *Region) Format() (types.PixelFormat, error) {
	mem, release, err := r.acquireMap()
	if err != nil {
		return "", err
	}
	defer release()

	r.lockGuard(mem, frameGuard)
	f := readFormat(mem)
	unlockGuard(mem, frameGuard)
	return f, nil
}

// SetFrame publishes f as the latest frame. The frame is converted and resized
// to the region's current shape before it is stored.
func (r *Region) SetFrame(f types.Frame) error {
	mem, release, err := r.acquireMap()
	if err != nil {
		return err
	}
	defer release()

	for attempt := 0; attempt < 3; attempt++ {
		r.lockGuard(mem, frameGuard)
		w, h, d := r.shapeLocked(mem)
		unlockGuard(mem, frameGuard)

		data, err := imaging.Normalize(f, w, h, d)
		if err != nil {
			return fmt.Errorf("normalize frame: %w", err)
		}

		r.lockGuard(mem, frameGuard)
		if cw, ch, cd := r.shapeLocked(mem); cw != w || ch != h || cd != d {
			// Shape changed while converting.
			unlockGuard(mem, frameGuard)
			continue
		}
		le := binary.LittleEndian
		s := beginWrite(mem, frameSeq)
		copy(mem[r.geo.imageOff:], data)
		le.PutUint64(mem[frameLength:], uint64(len(data)))
		le.PutUint64(mem[frameNumber:], f.Number)
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		le.PutUint64(mem[frameTimestamp:], uint64(ts.UnixNano()))
		endWrite(mem, frameSeq, s)
		unlockGuard(mem, frameGuard)
		return nil
	}
	return fmt.Errorf("frame shape changed during write")
}

// Frame returns a copy of the latest frame. A slot that does not hold a
// complete frame is re-read a bounded number of times.
func (r *Region) Frame() (types.Frame, error) {
	mem, release, err := r.acquireMap()
	if err != nil {
		return types.Frame{}, err
	}
	defer release()

	for attempt := 0; attempt <= MaxReadRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readRetryDelay)
		}
		r.lockGuard(mem, frameGuard)
		f, ok := r.readFrameLocked(mem)
		unlockGuard(mem, frameGuard)
		if ok {
			return f, nil
		}
	}
	r.log.Warn("No consistent frame after %d attempts", MaxReadRetries+1)
	return types.Frame{}, ErrTornRead
}

func (r *Region) readFrameLocked(mem []byte) (types.Frame, bool) {
	if load(mem, frameSeq)%2 != 0 {
		return types.Frame{}, false
	}
	le := binary.LittleEndian
	w, h, d := r.shapeLocked(mem)
	length := int(le.Uint64(mem[frameLength:]))
	if w <= 0 || h <= 0 || d <= 0 || w*h*d != length || length > r.geo.imageCap {
		return types.Frame{}, false
	}
	data := make([]byte, length)
	copy(data, mem[r.geo.imageOff:r.geo.imageOff+length])

	var ts time.Time
	if ns := int64(le.Uint64(mem[frameTimestamp:])); ns != 0 {
		ts = time.Unix(0, ns)
	}
	return types.Frame{
		Width:     w,
		Height:    h,
		Depth:     d,
		Format:    readFormat(mem),
		Data:      data,
		Number:    le.Uint64(mem[frameNumber:]),
		Timestamp: ts,
	}, true
}
