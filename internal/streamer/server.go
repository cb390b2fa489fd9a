// Package streamer serves camera frames to browsers over WebRTC data
// channels. Clients pull: every "need-data" message is answered with the
// latest frame as a chunked JPEG.
package streamer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/TheBlackmad/AutomatedHome/internal/config"
	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

var log = logger.For("Streamer")

// NeedData is the message a client sends to request the next frame.
const NeedData = "need-data"

// ErrTooManyClients is returned when maxClients peers are connected.
var ErrTooManyClients = errors.New("maximum clients reached")

// FrameSource is the part of the shared region the streamer reads.
type FrameSource interface {
	Flag(f region.Flag) bool
	Frame() (types.Frame, error)
	Boxes() []types.Box
}

// FrameHeader precedes the binary chunks of one frame.
type FrameHeader struct {
	Type      string `json:"type"` // "frame" or "idle"
	Number    uint64 `json:"number,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Size      int    `json:"size,omitempty"`
	Chunks    int    `json:"chunks,omitempty"`
	Timestamp int64  `json:"ts,omitempty"` // unix ms
}

// Client represents a connected WebRTC client
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	framesSent atomic.Uint64
	bytesSent  atomic.Uint64
}

// Server manages WebRTC connections
type Server struct {
	src        FrameSource
	metrics    *metrics.Metrics
	chunkSize  int
	quality    int
	maxClients int

	clients   map[string]*Client
	clientsMu sync.RWMutex
	config    webrtc.Configuration
	api       *webrtc.API
}

// NewServer creates a new WebRTC server reading from src. m may be nil.
func NewServer(cfg config.StreamerConfig, src FrameSource, m *metrics.Metrics) *Server {
	return newServer(cfg, src, m, nil)
}

func newServer(cfg config.StreamerConfig, src FrameSource, m *metrics.Metrics, tune func(*webrtc.SettingEngine)) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUN))
	for _, url := range cfg.STUN {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	if tune != nil {
		tune(&settingsEngine)
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 16 * 1024
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10
	}
	if m == nil {
		m = metrics.New("streamer")
	}
	return &Server{
		src:        src,
		metrics:    m,
		chunkSize:  cfg.ChunkSize,
		quality:    cfg.Quality,
		maxClients: cfg.MaxClients,
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
	}
}

// HandleOffer handles a WebRTC offer and returns an answer
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected an SDP offer")
	}

	if n := s.ClientCount(); n >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{id: uuid.NewString(), peerConn: peerConn}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Debug("Client %s opened data channel %q", client.id, dc.Label())
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !msg.IsString || string(msg.Data) != NeedData {
				return
			}
			if err := s.sendFrame(client, dc); err != nil {
				log.Debug("Client %s: %v", client.id, err)
			}
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			log.Info("Client %s connection lost (%s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	s.metrics.ClientConnected()
	log.Info("Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

// Frame renders the latest frame, with boxes drawn while Mark is set. ok is
// false while Run is off.
func (s *Server) Frame() (data []byte, hdr FrameHeader, ok bool, err error) {
	if !s.src.Flag(region.Run) {
		return nil, FrameHeader{Type: "idle"}, false, nil
	}
	frame, err := s.src.Frame()
	if err != nil {
		s.metrics.ReadErrors.Add(1)
		return nil, FrameHeader{}, false, err
	}
	s.metrics.FramesRead.Add(1)

	var boxes []types.Box
	mark := s.src.Flag(region.Mark)
	if mark {
		boxes = s.src.Boxes()
	}
	data, err = imaging.RenderJPEG(frame, boxes, mark, s.quality)
	if err != nil {
		s.metrics.ProcessErrors.Add(1)
		return nil, FrameHeader{}, false, err
	}
	hdr = FrameHeader{
		Type:   "frame",
		Number: frame.Number,
		Width:  frame.Width,
		Height: frame.Height,
		Size:   len(data),
		Chunks: (len(data) + s.chunkSize - 1) / s.chunkSize,
	}
	if !frame.Timestamp.IsZero() {
		hdr.Timestamp = frame.Timestamp.UnixMilli()
	}
	return data, hdr, true, nil
}

// sendFrame answers one need-data request.
func (s *Server) sendFrame(c *Client, dc *webrtc.DataChannel) error {
	data, hdr, ok, err := s.Frame()
	if err != nil {
		return err
	}
	head, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if err := dc.SendText(string(head)); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	if !ok {
		return nil
	}
	for _, chunk := range Chunk(data, s.chunkSize) {
		if err := dc.Send(chunk); err != nil {
			s.metrics.FramesDropped.Add(1)
			return fmt.Errorf("send chunk: %w", err)
		}
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(data)))
	s.metrics.FramesWritten.Add(1)
	return nil
}

// Chunk splits data into pieces of at most size bytes.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !exists {
		return
	}

	client.peerConn.Close()
	s.metrics.ClientDisconnected()
	log.Info("Client %s disconnected (frames: %d, bytes: %d)",
		clientID, client.framesSent.Load(), client.bytesSent.Load())
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns stats for all clients
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"frames_sent": client.framesSent.Load(),
			"bytes_sent":  client.bytesSent.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
