package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

// BoxSource is the part of the region the detection stream watches.
type BoxSource interface {
	Boxes() []types.Box
	BoxVersion() uint32
}

// DetectionEvent is one server-sent event on /api/detections.
type DetectionEvent struct {
	Version   uint32      `json:"version"`
	Boxes     []types.Box `json:"boxes"`
	Timestamp float64     `json:"timestamp"`
}

// DetectionBroadcaster pushes the box slot to SSE clients whenever its
// version changes.
type DetectionBroadcaster struct {
	src      BoxSource
	interval time.Duration

	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	last    uint32
	sent    bool
}

// NewDetectionBroadcaster polls src every interval.
func NewDetectionBroadcaster(src BoxSource, interval time.Duration) *DetectionBroadcaster {
	return &DetectionBroadcaster{
		src:      src,
		interval: interval,
		clients:  make(map[int]chan []byte),
	}
}

// Subscribe adds a new client and returns a channel of encoded events.
func (db *DetectionBroadcaster) Subscribe() (int, <-chan []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.nextID
	db.nextID++
	ch := make(chan []byte, 2)
	db.clients[id] = ch
	log.Debug("Detection client #%d subscribed (total clients: %d)", id, len(db.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (db *DetectionBroadcaster) Unsubscribe(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ch, ok := db.clients[id]; ok {
		close(ch)
		delete(db.clients, id)
	}
}

// Run polls until ctx ends, then closes every client channel.
func (db *DetectionBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()
	defer db.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if data := db.poll(); data != nil {
				db.broadcast(data)
			}
		}
	}
}

// poll returns the encoded event when the slot changed since the last call.
func (db *DetectionBroadcaster) poll() []byte {
	v := db.src.BoxVersion()
	db.mu.Lock()
	changed := !db.sent || v != db.last
	db.last, db.sent = v, true
	db.mu.Unlock()
	if !changed {
		return nil
	}

	return db.encode(v)
}

// encode renders the slot as an event.
func (db *DetectionBroadcaster) encode(v uint32) []byte {
	boxes := db.src.Boxes()
	if boxes == nil {
		boxes = []types.Box{}
	}
	data, err := json.Marshal(DetectionEvent{
		Version:   v,
		Boxes:     boxes,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		log.Error("Detection event: %v", err)
		return nil
	}
	return data
}

func (db *DetectionBroadcaster) broadcast(data []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, ch := range db.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

func (db *DetectionBroadcaster) closeAll() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, ch := range db.clients {
		close(ch)
		delete(db.clients, id)
	}
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, eventCh := s.detections.Subscribe()
	defer s.detections.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// New clients start from the current slot.
	if data := s.detections.encode(s.reg.BoxVersion()); data != nil {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-eventCh:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
