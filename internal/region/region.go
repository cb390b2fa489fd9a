// Package region implements the shared memory block through which the camera
// processes exchange frames, detections and control flags.
//
// One process creates the region and owns it; every other process attaches by
// name. Frames and boxes each sit behind their own cross-process guard, flags
// are lock-free 32-bit words.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
)

// DefaultDir is where regions live on Linux.
const DefaultDir = "/dev/shm"

// Options sizes a new region.
type Options struct {
	MaxWidth  int
	MaxHeight int
	MaxDepth  int // 1 (gray) or 3 (RGB)
	MaxBoxes  int
	Dir       string // backing directory, DefaultDir when empty
}

// DefaultOptions returns a 1280x720 RGB region with room for 32 boxes.
func DefaultOptions() Options {
	return Options{
		MaxWidth:  1280,
		MaxHeight: 720,
		MaxDepth:  3,
		MaxBoxes:  32,
		Dir:       DefaultDir,
	}
}

// Region is one process's handle on a shared region.
type Region struct {
	name  string
	path  string
	owner bool
	pid   uint32
	geo   geometry

	// mu guards mem against unmapping while an operation is in flight.
	mu     sync.RWMutex
	mem    []byte
	closed atomic.Bool

	log logger.Module
}

// Path returns the backing file path of a region name in dir.
func Path(dir, name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("invalid region name %q", name)
	}
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name), nil
}

// Create allocates and initialises a new region and marks it ready. The caller
// becomes its owner.
func Create(name string, opts Options) (*Region, error) {
	if opts.MaxWidth <= 0 || opts.MaxHeight <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrAllocation, opts.MaxWidth, opts.MaxHeight)
	}
	if opts.MaxDepth != 1 && opts.MaxDepth != 3 {
		return nil, fmt.Errorf("%w: depth must be 1 or 3, got %d", ErrAllocation, opts.MaxDepth)
	}
	if opts.MaxBoxes <= 0 {
		return nil, fmt.Errorf("%w: max boxes must be positive", ErrAllocation)
	}
	path, err := Path(opts.Dir, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	geo := computeGeometry(opts.MaxWidth, opts.MaxHeight, opts.MaxDepth, opts.MaxBoxes)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o660)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: region %q already exists", ErrAllocation, name)
		}
		return nil, fmt.Errorf("%w: create %s: %v", ErrAllocation, path, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(geo.size)); err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("%w: reserve %d bytes: %v", ErrAllocation, geo.size, err)
	}
	mem, err := unix.Mmap(fd, 0, geo.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("%w: map %d bytes: %v", ErrAllocation, geo.size, err)
	}

	r := &Region{
		name:  strings.TrimPrefix(name, "/"),
		path:  path,
		owner: true,
		pid:   uint32(os.Getpid()),
		geo:   geo,
		mem:   mem,
		log:   logger.For("Region"),
	}

	geo.writeHeader(mem)
	store(mem, offOwner, r.pid)
	store(mem, offAttached, 0)
	for i := 0; i < FlagSlots; i++ {
		store(mem, flagTableOff+i*4, 0)
	}
	r.initFrameSlot()
	store(mem, boxGuard, 0)
	store(mem, boxSeq, 0)
	store(mem, boxLength, 0)
	store(mem, boxCRC, 0)

	store(mem, offState, stateReady)

	r.log.Info("Created region %q at %s (%dx%dx%d, %d boxes, %d bytes)",
		r.name, path, geo.maxWidth, geo.maxHeight, geo.maxDepth, geo.maxBoxes, geo.size)
	return r, nil
}

// Open attaches to an existing region in DefaultDir.
func Open(name string) (*Region, error) {
	return OpenIn(DefaultDir, name)
}

// OpenIn attaches to an existing region in dir.
func OpenIn(dir, name string) (*Region, error) {
	path, err := Path(dir, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size < payloadOff {
		return nil, fmt.Errorf("%w: %s is still being created", ErrNotReady, path)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}

	if load(mem, offState) != stateReady {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %s", ErrNotReady, path)
	}
	le := binary.LittleEndian
	if le.Uint32(mem[offMagic:]) != layoutMagic || le.Uint32(mem[offVersion:]) != layoutVersion {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %s magic=%#x version=%d", ErrLayout, path,
			le.Uint32(mem[offMagic:]), le.Uint32(mem[offVersion:]))
	}
	geo := readGeometry(mem)
	if geo.size > len(mem) || geo.imageOff < payloadOff {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %s declares %d bytes, file has %d", ErrLayout, path, geo.size, len(mem))
	}

	r := &Region{
		name: strings.TrimPrefix(name, "/"),
		path: path,
		pid:  uint32(os.Getpid()),
		geo:  geo,
		mem:  mem,
		log:  logger.For("Region"),
	}
	atomic.AddUint32(word(mem, offAttached), 1)
	r.log.Debug("Attached to region %q (owner pid %d)", r.name, r.Owner())
	return r, nil
}

// Name returns the region name.
func (r *Region) Name() string { return r.name }

// IsOwner reports whether this handle created the region.
func (r *Region) IsOwner() bool { return r.owner }

// Capacity returns the dimensions the region was created with.
func (r *Region) Capacity() (width, height, depth, boxes int) {
	return r.geo.maxWidth, r.geo.maxHeight, r.geo.maxDepth, r.geo.maxBoxes
}

// Owner returns the pid of the creating process.
func (r *Region) Owner() int {
	mem, release, err := r.acquireMap()
	if err != nil {
		return 0
	}
	defer release()
	return int(load(mem, offOwner))
}

// Attached returns the number of non-owner handles currently open.
func (r *Region) Attached() int {
	mem, release, err := r.acquireMap()
	if err != nil {
		return 0
	}
	defer release()
	return int(int32(load(mem, offAttached)))
}

// acquireMap pins the mapping for the duration of one operation.
func (r *Region) acquireMap() ([]byte, func(), error) {
	r.mu.RLock()
	if r.mem == nil {
		r.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return r.mem, r.mu.RUnlock, nil
}

// Close detaches from the region. It does not destroy it.
func (r *Region) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.owner {
		atomic.AddUint32(word(r.mem, offAttached), ^uint32(0))
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if err != nil {
		return fmt.Errorf("unmap region %q: %w", r.name, err)
	}
	r.log.Debug("Detached from region %q", r.name)
	return nil
}

// Unlink removes the region's name so no new process can attach. Processes
// still attached keep their mapping until they close it. Owner only.
func (r *Region) Unlink() error {
	if !r.owner {
		return ErrNotOwner
	}
	if err := unix.Unlink(r.path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", r.path, err)
	}
	r.log.Info("Unlinked region %q", r.name)
	return nil
}

func (r *Region) initFrameSlot() {
	mem := r.mem
	le := binary.LittleEndian
	store(mem, frameGuard, 0)
	store(mem, frameSeq, 0)
	store(mem, frameWidth, uint32(r.geo.maxWidth))
	store(mem, frameHeight, uint32(r.geo.maxHeight))
	store(mem, frameDepth, uint32(r.geo.maxDepth))
	le.PutUint64(mem[frameLength:], uint64(r.geo.imageCap))
	le.PutUint64(mem[frameNumber:], 0)
	le.PutUint64(mem[frameTimestamp:], 0)
	format, _ := imaging.StorageFormat(r.geo.maxDepth)
	putFormat(mem, format)
}
