package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "camera.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Recording.FPS != 8 || cfg.Recording.Tail != 10*time.Second || cfg.Recording.History != 1 {
		t.Fatalf("recording defaults = %+v", cfg.Recording)
	}
	if cfg.Recording.QueueSize != 1000 {
		t.Fatalf("queue size = %d", cfg.Recording.QueueSize)
	}
	if cfg.Owner.ExitGrace != 3*time.Second {
		t.Fatalf("exit grace = %v", cfg.Owner.ExitGrace)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
camera_id: garden
region:
  max_width: 640
  max_height: 480
flags:
  yolo: false
  view: true
recording:
  tail: 4s
  history: 3
logging:
  files:
    recorder: /var/log/camera/recorder.log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CameraID != "garden" || cfg.Region.MaxWidth != 640 || cfg.Region.MaxDepth != 3 {
		t.Fatalf("region = %s %+v", cfg.CameraID, cfg.Region)
	}
	if cfg.Recording.Tail != 4*time.Second || cfg.Recording.History != 3 || cfg.Recording.FPS != 8 {
		t.Fatalf("recording = %+v", cfg.Recording)
	}
	if cfg.Flags["yolo"] || !cfg.Flags["view"] || !cfg.Flags["run"] {
		t.Fatalf("flags = %v", cfg.Flags)
	}
	if cfg.Logging.Files["recorder"] != "/var/log/camera/recorder.log" {
		t.Fatalf("log files = %v", cfg.Logging.Files)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
region:
  max_depth: 2
recording:
  fps: 0
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"max_depth", "recording.fps"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestResolveAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
metrics:
  addrs:
    recorder: ":9102"
logging:
  level: warn
`)
	s, err := Resolve("recorder", Common{ConfigPath: path, CameraID: "porch", LogLevel: "debug", LogColor: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.CameraID != "porch" || s.LogLevel != "debug" || s.MetricsAddr != ":9102" {
		t.Fatalf("stage = %+v", s)
	}
	if s.Name != "recorder" {
		t.Fatalf("name = %q", s.Name)
	}
}
