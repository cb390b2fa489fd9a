package control

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/config"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
)

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CameraID = "cam-test"
	cfg.Region = config.RegionConfig{Dir: t.TempDir(), MaxWidth: 32, MaxHeight: 24, MaxDepth: 3, MaxBoxes: 4}
	cfg.Owner = config.OwnerConfig{
		StartupDelay: 10 * time.Millisecond,
		ExitGrace:    time.Second,
		StatsEvery:   20 * time.Millisecond,
	}
	cfg.MQTT.Broker = ""
	return &cfg
}

func newRegion(t *testing.T) *region.Region {
	t.Helper()
	r, err := region.Create("plane", region.Options{MaxWidth: 8, MaxHeight: 8, MaxDepth: 3, MaxBoxes: 1, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Close()
		_ = r.Unlink()
	})
	return r
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		in   string
		want bool
		ok   bool
	}{
		{"true", true, true},
		{"ON", true, true},
		{" 1\n", true, true},
		{"false", false, true},
		{"off", false, true},
		{"0", false, true},
		{"yes", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		got, err := ParsePayload([]byte(tt.in))
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParsePayload(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestTopics(t *testing.T) {
	p := NewPlane("garden", config.MQTTConfig{TopicPrefix: "home/camera/"}, nil)
	if p.SetTopic() != "home/camera/garden/set/+" || p.StateTopic() != "home/camera/garden/state" {
		t.Fatalf("topics = %s, %s", p.SetTopic(), p.StateTopic())
	}
	p = NewPlane("garden", config.MQTTConfig{}, nil)
	if p.StateTopic() != "garden/state" {
		t.Fatalf("state topic without prefix = %s", p.StateTopic())
	}
}

func TestHandleMessageSetsFlags(t *testing.T) {
	reg := newRegion(t)
	p := NewPlane("plane", config.MQTTConfig{TopicPrefix: "cam"}, reg)

	p.handleMessage(nil, message{topic: "cam/plane/set/record", payload: []byte("on")})
	if !reg.Flag(region.Record) {
		t.Fatal("record not set")
	}
	p.handleMessage(nil, message{topic: "cam/plane/set/record", payload: []byte("0")})
	if reg.Flag(region.Record) {
		t.Fatal("record not cleared")
	}

	// Unknown flags and payloads leave the table untouched.
	before := reg.FlagState()
	p.handleMessage(nil, message{topic: "cam/plane/set/lights", payload: []byte("on")})
	p.handleMessage(nil, message{topic: "cam/plane/set/run", payload: []byte("maybe")})
	after := reg.FlagState()
	for k, v := range before {
		if after[k] != v {
			t.Fatalf("flag %s changed to %v", k, after[k])
		}
	}
}

func TestExitIsLatched(t *testing.T) {
	reg := newRegion(t)
	p := NewPlane("plane", config.MQTTConfig{}, reg)

	p.handleMessage(nil, message{topic: "plane/set/exit", payload: []byte("true")})
	p.handleMessage(nil, message{topic: "plane/set/exit", payload: []byte("false")})
	if !reg.Flag(region.Exit) {
		t.Fatal("exit was cleared")
	}
}

func TestStatePayload(t *testing.T) {
	reg := newRegion(t)
	if err := reg.SetFlag(region.Yolo, true); err != nil {
		t.Fatal(err)
	}
	p := NewPlane("plane", config.MQTTConfig{}, reg)
	p.attached = func() int { return 3 }

	data, err := p.StatePayload()
	if err != nil {
		t.Fatal(err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if st.Camera != "plane" || !st.Flags["yolo"] || st.Flags["run"] || st.Attached != 3 {
		t.Fatalf("state = %+v", st)
	}
	if len(st.Flags) != len(region.Flags) {
		t.Fatalf("flags = %v", st.Flags)
	}
	// Disconnected planes publish nothing.
	if err := p.PublishState(); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
}

func TestApplyFlags(t *testing.T) {
	reg := newRegion(t)
	err := ApplyFlags(reg, map[string]bool{"run": true, "mark": true, "exit": true, "bogus": true})
	if err == nil {
		t.Fatal("expected errors for exit and bogus")
	}
	if !reg.Flag(region.Run) || !reg.Flag(region.Mark) {
		t.Fatal("known flags not applied")
	}
	if reg.Flag(region.Exit) {
		t.Fatal("exit applied at startup")
	}
}

func TestOwnerLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags = map[string]bool{"run": true, "yolo": true}
	o := NewOwner(cfg, metrics.New("test"))
	if err := o.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	worker, err := region.OpenIn(cfg.Region.Dir, cfg.CameraID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	// The worker stops once it sees Exit, like a stage would.
	detached := make(chan struct{})
	go func() {
		defer close(detached)
		for !worker.Flag(region.Exit) {
			time.Sleep(5 * time.Millisecond)
		}
		_ = worker.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !o.Region().Flag(region.Run) {
		if time.Now().After(deadline) {
			t.Fatal("initial flags never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !o.Region().Flag(region.Yolo) || o.Region().Flag(region.Record) {
		t.Fatalf("flags = %v", o.Region().FlagState())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("owner did not shut down")
	}
	<-detached

	if _, err := os.Stat(filepath.Join(cfg.Region.Dir, cfg.CameraID)); !os.IsNotExist(err) {
		t.Fatalf("region not unlinked: %v", err)
	}
}

func TestOwnerStopsOnOperatorExit(t *testing.T) {
	cfg := testConfig(t)
	o := NewOwner(cfg, nil)
	if err := o.Create(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	operator, err := region.OpenIn(cfg.Region.Dir, cfg.CameraID)
	if err != nil {
		t.Fatal(err)
	}
	if err := operator.SetFlag(region.Exit, true); err != nil {
		t.Fatal(err)
	}
	operator.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("owner ignored the exit flag")
	}
}

func TestOwnerCreateFailsOnExistingRegion(t *testing.T) {
	cfg := testConfig(t)
	first := NewOwner(cfg, nil)
	if err := first.Create(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		first.Region().Close()
		first.Region().Unlink()
	}()
	if err := NewOwner(cfg, nil).Run(context.Background()); err == nil {
		t.Fatal("second owner created the same region")
	}
}
