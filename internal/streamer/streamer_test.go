package streamer

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/TheBlackmad/AutomatedHome/internal/config"
	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

type fakeRegion struct {
	mu    sync.Mutex
	flags map[region.Flag]bool
	frame types.Frame
	boxes []types.Box
}

func newFakeRegion() *fakeRegion {
	f := imaging.ColorBars(96, 64)
	f.Number = 12
	f.Timestamp = time.UnixMilli(1_700_000_000_000)
	return &fakeRegion{flags: map[region.Flag]bool{region.Run: true}, frame: f}
}

func (f *fakeRegion) Flag(fl region.Flag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[fl]
}

func (f *fakeRegion) Frame() (types.Frame, error) { return f.frame.Clone(), nil }
func (f *fakeRegion) Boxes() []types.Box          { return f.boxes }

func testConfig() config.StreamerConfig {
	return config.StreamerConfig{MaxClients: 2, ChunkSize: 1024, Quality: 70}
}

func loopback(se *webrtc.SettingEngine) {
	se.SetIncludeLoopbackCandidate(true)
}

func TestChunk(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3}, 1000)
	chunks := Chunk(data, 1024)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if len(chunks[0]) != 1024 || len(chunks[2]) != 3000-2048 {
		t.Fatalf("sizes = %d, %d", len(chunks[0]), len(chunks[2]))
	}
	if !bytes.Equal(bytes.Join(chunks, nil), data) {
		t.Fatal("chunks do not reassemble")
	}
	if Chunk(nil, 10) != nil || Chunk(data, 0) != nil {
		t.Fatal("degenerate input produced chunks")
	}
	if got := Chunk(data[:10], 10); len(got) != 1 {
		t.Fatalf("exact fit = %d chunks", len(got))
	}
}

func TestFrameGatedByRun(t *testing.T) {
	reg := newFakeRegion()
	s := NewServer(testConfig(), reg, metrics.New("test"))

	data, hdr, ok, err := s.Frame()
	if err != nil || !ok {
		t.Fatalf("Frame = %v, %v", ok, err)
	}
	if hdr.Type != "frame" || hdr.Number != 12 || hdr.Width != 96 || hdr.Size != len(data) {
		t.Fatalf("header = %+v", hdr)
	}
	if hdr.Chunks != (len(data)+1023)/1024 || hdr.Timestamp != 1_700_000_000_000 {
		t.Fatalf("header = %+v", hdr)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("not a JPEG: %v", err)
	}

	reg.mu.Lock()
	reg.flags[region.Run] = false
	reg.mu.Unlock()
	_, hdr, ok, err = s.Frame()
	if err != nil || ok || hdr.Type != "idle" {
		t.Fatalf("with run off: %+v %v %v", hdr, ok, err)
	}
}

func TestFrameDrawsBoxesWhenMarked(t *testing.T) {
	reg := newFakeRegion()
	reg.boxes = []types.Box{{X: 10, Y: 10, Width: 40, Height: 30, Label: "person", Confidence: 0.8}}
	s := NewServer(testConfig(), reg, nil)

	plain, _, _, err := s.Frame()
	if err != nil {
		t.Fatal(err)
	}
	reg.flags[region.Mark] = true
	marked, _, _, err := s.Frame()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(plain, marked) {
		t.Fatal("mark flag did not change the rendered frame")
	}
}

func TestOfferEndpointRejectsBadRequests(t *testing.T) {
	s := NewServer(testConfig(), newFakeRegion(), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/offer")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}

	for _, body := range []string{"not json", `{"type":"answer","sdp":"v=0"}`, `{}`} {
		resp, err := http.Post(ts.URL+"/offer", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		var payload map[string]string
		json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest || payload["error"] == "" {
			t.Fatalf("%q: status = %d, payload %v", body, resp.StatusCode, payload)
		}
	}
}

func TestOfferRejectedWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 1
	s := NewServer(cfg, newFakeRegion(), nil)
	defer s.Close()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	s.clients["existing"] = &Client{id: "existing", peerConn: pc}

	offer := newOfferer(t, nil)
	defer offer.pc.Close()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	resp, err := http.Post(ts.URL+"/offer", "application/json", bytes.NewReader(offer.sdp))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

type offerer struct {
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	sdp []byte
}

func newOfferer(t *testing.T, tune func(*webrtc.SettingEngine)) offerer {
	t.Helper()
	se := webrtc.SettingEngine{}
	if tune != nil {
		tune(&se)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	dc, err := pc.CreateDataChannel("frames", nil)
	if err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gathered
	sdp, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		t.Fatal(err)
	}
	return offerer{pc: pc, dc: dc, sdp: sdp}
}

func TestNeedDataDeliversChunkedJPEG(t *testing.T) {
	m := metrics.New("test")
	s := newServer(testConfig(), newFakeRegion(), m, loopback)
	defer s.Close()

	client := newOfferer(t, loopback)
	defer client.pc.Close()

	var (
		mu     sync.Mutex
		header *FrameHeader
		buf    bytes.Buffer
	)
	done := make(chan struct{})
	client.dc.OnOpen(func() {
		_ = client.dc.SendText(NeedData)
	})
	client.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		mu.Lock()
		defer mu.Unlock()
		if msg.IsString {
			var h FrameHeader
			if err := json.Unmarshal(msg.Data, &h); err == nil {
				header = &h
			}
			return
		}
		buf.Write(msg.Data)
		if header != nil && buf.Len() == header.Size {
			close(done)
		}
	})

	answer, err := s.HandleOffer(client.sdp)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		t.Fatal(err)
	}
	if err := client.pc.SetRemoteDescription(desc); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Skip("peer connection did not establish on this host")
	}

	mu.Lock()
	defer mu.Unlock()
	if header.Type != "frame" || header.Chunks != (header.Size+1023)/1024 {
		t.Fatalf("header = %+v", header)
	}
	if _, err := jpeg.Decode(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("reassembled frame is not a JPEG: %v", err)
	}
	if s.ClientCount() != 1 {
		t.Fatalf("clients = %d", s.ClientCount())
	}
	// the last chunk can arrive before the server counts the frame
	deadline := time.Now().Add(time.Second)
	for m.FramesWritten.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("frames written = %d", m.FramesWritten.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
