// Package recorder turns detections in the shared region into recordings. A
// control loop drives the recorder state machine once per cycle; a puller
// goroutine copies frames out of the region and a writer goroutine encodes
// them, so neither shared memory nor disk stalls the loop.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/catalog"
	"github.com/TheBlackmad/AutomatedHome/internal/fsm"
	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/internal/pace"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

var log = logger.For("Recorder")

// Source is the part of the shared region the recorder reads.
type Source interface {
	Flag(f region.Flag) bool
	Boxes() []types.Box
	Frame() (types.Frame, error)
	Shape() (width, height, depth int, err error)
}

// Saver stores finished recordings.
type Saver interface {
	Save(ctx context.Context, rec *catalog.Recording) error
}

// Config tunes the control loop.
type Config struct {
	CameraID     string
	Dir          string
	FPS          float64
	Tail         time.Duration
	History      int
	QueueSize    int
	DrainTimeout time.Duration
	SettleDelay  time.Duration
	Quality      int
}

type item struct {
	frame types.Frame
	boxes []types.Box
}

// session is the bookkeeping of the open recording.
type session struct {
	rec     catalog.Recording
	out     VideoWriter
	written uint64
	dropped uint64
}

// Recorder owns the state machine and the queues of one camera.
type Recorder struct {
	cfg     Config
	src     Source
	metrics *metrics.Metrics
	machine *fsm.Machine
	window  *Window

	newWriter WriterFactory
	saver     Saver
	now       func() time.Time

	readQ    chan item
	writeQ   chan item
	tick     chan struct{}
	inflight atomic.Int64 // items pushed to writeQ and not yet written
	last     *item        // reused when the puller falls behind

	mu  sync.Mutex // guards cur
	cur *session
}

// New builds a recorder reading from src. m may be nil.
func New(cfg Config, src Source, m *metrics.Metrics) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if m == nil {
		m = metrics.New("recorder")
	}
	r := &Recorder{
		cfg:       cfg,
		src:       src,
		metrics:   m,
		machine:   fsm.New(),
		window:    NewWindow(cfg.History, cfg.Tail, cfg.Dir),
		newWriter: MJPEGFactory(cfg.Quality),
		now:       time.Now,
		readQ:     make(chan item, cfg.QueueSize),
		writeQ:    make(chan item, cfg.QueueSize),
		tick:      make(chan struct{}, 1),
	}
	r.machine.OnEnter(fsm.Recording, r.enterRecording)
	r.machine.OnReenter(fsm.Recording, r.reenterRecording)
	r.machine.OnLeave(fsm.Recording, r.leaveRecording)
	r.machine.OnEnter(fsm.Exit, func(from, _ fsm.State, _ fsm.Event) {
		log.Info("Exit requested in state %s", from)
	})
	return r
}

// SetWriterFactory replaces the MJPEG file writer.
func (r *Recorder) SetWriterFactory(f WriterFactory) { r.newWriter = f }

// SetSaver registers where finished recordings are indexed.
func (r *Recorder) SetSaver(s Saver) { r.saver = s }

// State returns the current machine state.
func (r *Recorder) State() fsm.State { return r.machine.Current() }

// Run drives the control loop at cfg.FPS until the exit flag is seen or ctx
// ends. An open recording is always closed before Run returns.
func (r *Recorder) Run(ctx context.Context) error {
	// The workers outlive ctx so the exit transition can drain the write queue.
	workCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.pullLoop(workCtx) }()
	go func() { defer wg.Done(); r.writeLoop(workCtx) }()

	log.Info("Control loop started at %.1f Hz (tail=%v, history=%d)", r.cfg.FPS, r.cfg.Tail, r.cfg.History)
	err := pace.Loop(ctx, r.cfg.FPS, r.metrics.Cycle, func(context.Context) bool {
		return r.Step()
	})

	if !r.machine.Is(fsm.Exit) {
		r.machine.Fire(fsm.EvExit)
	}
	cancel()
	wg.Wait()
	log.Info("Control loop stopped after %d cycles", r.metrics.Cycle.Count())

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Step runs one control cycle. It reports false once the machine has exited.
func (r *Recorder) Step() bool {
	if r.src.Flag(region.Exit) {
		r.fire(fsm.EvExit)
		return false
	}
	if r.src.Flag(region.Run) {
		r.fire(fsm.EvRun)
	} else {
		r.fire(fsm.EvNoRun)
	}
	if r.src.Flag(region.Record) {
		r.fire(fsm.EvRecord)
	} else {
		r.fire(fsm.EvNoRecord)
	}
	if r.window.Update(r.now(), len(r.src.Boxes()) > 0) {
		r.fire(fsm.EvSaveRec)
	} else {
		r.fire(fsm.EvSaveRecEnd)
	}

	select {
	case r.tick <- struct{}{}:
	default:
	}
	return !r.machine.Is(fsm.Exit)
}

func (r *Recorder) fire(e fsm.Event) {
	if !r.machine.Can(e) {
		return
	}
	from := r.machine.Current()
	r.machine.Fire(e)
	if to := r.machine.Current(); to != from {
		log.Debug("%s --%s--> %s", from, e, to)
	}
}

func (r *Recorder) enterRecording(from, _ fsm.State, _ fsm.Event) {
	// Frames left over from an earlier recording are stale.
	for len(r.readQ) > 0 {
		<-r.readQ
	}
	r.last = nil

	path := r.window.Filename()
	if path == "" {
		path = filepath.Join(r.cfg.Dir, FileName(r.now()))
	}
	w, h, _, err := r.src.Shape()
	if err != nil {
		log.Error("Cannot read frame shape: %v", err)
		return
	}
	out, err := r.newWriter(path, w, h, r.cfg.FPS)
	if err != nil {
		log.Error("Cannot open recording %s: %v", path, err)
		return
	}

	r.mu.Lock()
	r.cur = &session{
		rec: catalog.Recording{
			ID:        catalog.NewID(),
			CameraID:  r.cfg.CameraID,
			Path:      path,
			StartedAt: r.now(),
			Width:     w,
			Height:    h,
		},
		out: out,
	}
	r.mu.Unlock()

	r.metrics.RecordingActive.Store(1)
	r.metrics.RecordingFrames.Store(0)
	log.Info("Recording started: %s (%dx%d from %s)", path, w, h, from)
}

func (r *Recorder) reenterRecording(_, _ fsm.State, _ fsm.Event) {
	select {
	case it := <-r.readQ:
		r.last = &it
	default:
		if r.last == nil {
			return
		}
	}
	it := *r.last

	r.inflight.Add(1)
	select {
	case r.writeQ <- it:
		r.mu.Lock()
		if r.cur != nil {
			r.cur.written++
		}
		r.mu.Unlock()
		r.metrics.RecordingFrames.Add(1)
	default:
		r.inflight.Add(-1)
		r.mu.Lock()
		if r.cur != nil {
			r.cur.dropped++
		}
		r.mu.Unlock()
		r.metrics.RecordingDropped.Add(1)
	}
}

func (r *Recorder) leaveRecording(_, to fsm.State, _ fsm.Event) {
	deadline := time.Now().Add(r.cfg.DrainTimeout)
	for r.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			log.Warn("Write queue not drained after %v, %d frames lost", r.cfg.DrainTimeout, r.inflight.Load())
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r.cfg.SettleDelay > 0 {
		time.Sleep(r.cfg.SettleDelay)
	}

	r.mu.Lock()
	s := r.cur
	r.cur = nil
	r.mu.Unlock()
	r.metrics.RecordingActive.Store(0)
	if s == nil {
		return
	}

	if err := s.out.Close(); err != nil {
		log.Error("Closing %s: %v", s.rec.Path, err)
	}
	s.rec.Duration = r.now().Sub(s.rec.StartedAt)
	s.rec.Frames = s.written
	s.rec.Dropped = s.dropped
	if fi, err := os.Stat(s.rec.Path); err == nil {
		s.rec.Bytes = fi.Size()
	}
	r.metrics.RecordingsSaved.Add(1)
	log.Info("Recording stopped: %s (%d frames, %d dropped, %v) -> %s",
		s.rec.Path, s.written, s.dropped, s.rec.Duration.Round(time.Millisecond), to)

	if r.saver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.saver.Save(ctx, &s.rec); err != nil {
			log.Warn("Catalog: %v", err)
		}
	}
}

// pullLoop copies one frame per control cycle out of the region while
// recording.
func (r *Recorder) pullLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.tick:
		}
		if !r.machine.Is(fsm.Recording) {
			continue
		}
		f, err := r.src.Frame()
		if err != nil {
			r.metrics.ReadErrors.Add(1)
			log.Debug("Frame read failed: %v", err)
			continue
		}
		r.metrics.FramesRead.Add(1)
		select {
		case r.readQ <- item{frame: f, boxes: r.src.Boxes()}:
		default:
			r.metrics.FramesDropped.Add(1)
		}
	}
}

// writeLoop encodes queued frames into the open recording.
func (r *Recorder) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-r.writeQ:
			if err := r.write(it); err != nil {
				r.metrics.ProcessErrors.Add(1)
				log.Warn("%v", err)
			}
			r.inflight.Add(-1)
		}
	}
}

func (r *Recorder) write(it item) error {
	img, err := imaging.RGBA(it.frame)
	if err != nil {
		return fmt.Errorf("frame %d: %w", it.frame.Number, err)
	}
	if r.src.Flag(region.Mark) {
		imaging.DrawBoxes(img, it.boxes)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil
	}
	if err := r.cur.out.WriteFrame(img); err != nil {
		return fmt.Errorf("write %s: %w", r.cur.rec.Path, err)
	}
	r.metrics.FramesWritten.Add(1)
	return nil
}

// Status is a snapshot of the recorder for logs and the viewer.
type Status struct {
	State     string    `json:"state"`
	Recording bool      `json:"recording"`
	Filename  string    `json:"filename,omitempty"`
	Frames    uint64    `json:"frames"`
	Dropped   uint64    `json:"dropped"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Status returns the current recording status
func (r *Recorder) Status() Status {
	st := Status{State: r.machine.Current().String()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		st.Recording = true
		st.Filename = r.cur.rec.Path
		st.Frames = r.cur.written
		st.Dropped = r.cur.dropped
		st.StartedAt = r.cur.rec.StartedAt
	}
	return st
}
