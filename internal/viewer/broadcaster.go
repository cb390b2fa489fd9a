package viewer

import (
	"context"
	"sync"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

// FrameSource is the part of the shared region the broadcaster renders.
type FrameSource interface {
	Flag(f region.Flag) bool
	Frame() (types.Frame, error)
	Boxes() []types.Box
}

// FrameBroadcaster renders the latest region frame as JPEG and fans it out to
// every subscribed client.
type FrameBroadcaster struct {
	src      FrameSource
	interval time.Duration
	quality  int
	metrics  *metrics.Metrics

	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	lastFrame uint64
	skipCount int // idle cycles without clients
}

// NewFrameBroadcaster creates a broadcaster polling src every interval.
func NewFrameBroadcaster(src FrameSource, interval time.Duration, quality int, m *metrics.Metrics) *FrameBroadcaster {
	if m == nil {
		m = metrics.New("viewer")
	}
	return &FrameBroadcaster{
		src:      src,
		interval: interval,
		quality:  quality,
		metrics:  m,
		clients:  make(map[int]chan []byte),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	fb.clients[id] = ch
	fb.metrics.ClientConnected()

	log.Debug("Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.ClientDisconnected()
		log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
		if len(fb.clients) == 0 {
			log.Info("No clients remaining, frame rendering paused")
		}
	}
}

// Clients returns the number of subscribed clients.
func (fb *FrameBroadcaster) Clients() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Run renders and broadcasts until ctx ends. All client channels are closed
// on return.
func (fb *FrameBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()
	defer fb.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if fb.Clients() == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				log.Debug("No clients connected (idle for %d cycles)", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		if data := fb.render(); data != nil {
			fb.broadcast(data)
		}
	}
}

// render returns the JPEG of a frame not yet sent, or nil. Frames are only
// shown while Run and View are set; boxes are drawn while Yolo is set.
func (fb *FrameBroadcaster) render() []byte {
	if !fb.src.Flag(region.Run) || !fb.src.Flag(region.View) {
		return nil
	}
	frame, err := fb.src.Frame()
	if err != nil {
		fb.metrics.ReadErrors.Add(1)
		return nil
	}
	if frame.Number != 0 && frame.Number == fb.lastFrame {
		return nil
	}
	fb.lastFrame = frame.Number
	fb.metrics.FramesRead.Add(1)

	var boxes []types.Box
	overlay := fb.src.Flag(region.Yolo)
	if overlay {
		boxes = fb.src.Boxes()
	}
	data, err := imaging.RenderJPEG(frame, boxes, overlay, fb.quality)
	if err != nil {
		fb.metrics.ProcessErrors.Add(1)
		log.Warn("Rendering frame %d: %v", frame.Number, err)
		return nil
	}
	return data
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
			fb.metrics.FramesWritten.Add(1)
		default:
			// Client too slow, skip this frame for it
			fb.metrics.FramesDropped.Add(1)
		}
	}
}

func (fb *FrameBroadcaster) closeAll() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.ClientDisconnected()
	}
}
