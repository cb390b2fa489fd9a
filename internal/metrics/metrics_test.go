package metrics

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/logger"
)

func TestCycleTimer(t *testing.T) {
	c := NewCycleTimer()
	base := time.Unix(0, 0)
	for _, d := range []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond} {
		c.Start(base)
		if got := c.Stop(base.Add(d)); got != d {
			t.Fatalf("Stop = %v, want %v", got, d)
		}
	}
	if c.Last() != 20*time.Millisecond {
		t.Fatalf("Last = %v", c.Last())
	}
	if c.Avg() != 20*time.Millisecond {
		t.Fatalf("Avg = %v", c.Avg())
	}
	if c.Max() != 30*time.Millisecond {
		t.Fatalf("Max = %v", c.Max())
	}
	if c.Count() != 3 {
		t.Fatalf("Count = %d", c.Count())
	}
	if c.Stop(base) != 0 {
		t.Fatal("Stop without Start must be ignored")
	}
}

func TestHandlerExportsStageLabel(t *testing.T) {
	m := New("recorder")
	m.RecordingFrames.Add(7)
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`shmcam_recording_frames{stage="recorder"} 7`,
		`shmcam_active_clients{stage="recorder"} 1`,
		`shmcam_total_clients{stage="recorder"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestReportCyclesLogsWhileRunning(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.INFO, &buf, false)
	t.Cleanup(func() { logger.Init(logger.INFO, os.Stderr, false) })

	m := New("capture")
	base := time.Now()
	m.Cycle.Start(base)
	m.Cycle.Stop(base.Add(15 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ReportCycles(ctx, 10*time.Millisecond)
	}()
	// Several intervals pass without new cycles.
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	out := buf.String()
	if n := strings.Count(out, "[capture] cycle"); n != 1 {
		t.Fatalf("cycle reports = %d, want 1: %q", n, out)
	}
	if !strings.Contains(out, "this=15ms avg=15ms max=15ms n=1") {
		t.Fatalf("unexpected report: %q", out)
	}
}
