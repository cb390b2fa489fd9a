package region

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

func newTestRegion(t *testing.T, w, h, d, boxes int) *Region {
	t.Helper()
	r, err := Create("camera0", Options{MaxWidth: w, MaxHeight: h, MaxDepth: d, MaxBoxes: boxes, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Close()
		_ = r.Unlink()
	})
	return r
}

func attach(t *testing.T, owner *Region) *Region {
	t.Helper()
	r, err := OpenIn(filepath.Dir(owner.path), owner.Name())
	if err != nil {
		t.Fatalf("OpenIn: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func solidFrame(format types.PixelFormat, w, h int, v byte) types.Frame {
	return types.Frame{
		Width:  w,
		Height: h,
		Depth:  format.Depth(),
		Format: format,
		Data:   bytes.Repeat([]byte{v}, format.FrameSize(w, h)),
	}
}

func TestCreateInitialisesRegion(t *testing.T) {
	r := newTestRegion(t, 64, 48, 3, 4)

	w, h, d, err := r.Shape()
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	if w != 64 || h != 48 || d != 3 {
		t.Fatalf("Shape = %dx%dx%d, want 64x48x3", w, h, d)
	}
	if got := r.Boxes(); len(got) != 0 {
		t.Fatalf("Boxes = %v, want empty", got)
	}
	for _, f := range Flags {
		if r.Flag(f) {
			t.Fatalf("flag %s set after create", f)
		}
	}
	if r.Owner() != os.Getpid() {
		t.Fatalf("Owner = %d, want %d", r.Owner(), os.Getpid())
	}
	if format, _ := r.Format(); format != types.FormatRGB24 {
		t.Fatalf("Format = %s, want RGB24", format)
	}
}

func TestCreateRejectsExistingName(t *testing.T) {
	r := newTestRegion(t, 8, 8, 3, 1)
	_, err := Create(r.Name(), Options{MaxWidth: 8, MaxHeight: 8, MaxDepth: 3, MaxBoxes: 1, Dir: filepath.Dir(r.path)})
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("second Create err = %v, want ErrAllocation", err)
	}
}

func TestCreateRejectsBadOptions(t *testing.T) {
	dir := t.TempDir()
	bad := []Options{
		{MaxWidth: 0, MaxHeight: 8, MaxDepth: 3, MaxBoxes: 1, Dir: dir},
		{MaxWidth: 8, MaxHeight: 8, MaxDepth: 2, MaxBoxes: 1, Dir: dir},
		{MaxWidth: 8, MaxHeight: 8, MaxDepth: 3, MaxBoxes: 0, Dir: dir},
	}
	for _, opts := range bad {
		if _, err := Create("bad", opts); !errors.Is(err, ErrAllocation) {
			t.Errorf("Create(%+v) err = %v, want ErrAllocation", opts, err)
		}
	}
}

func TestOpenMissingRegion(t *testing.T) {
	_, err := OpenIn(t.TempDir(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenUninitialisedRegion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "half"), make([]byte, 4096), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := OpenIn(dir, "half")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestFrameRoundTripAcrossHandles(t *testing.T) {
	owner := newTestRegion(t, 32, 24, 3, 4)
	other := attach(t, owner)

	in := solidFrame(types.FormatRGB24, 32, 24, 0)
	for i := range in.Data {
		in.Data[i] = byte(i % 251)
	}
	in.Number = 42
	in.Timestamp = time.Unix(1700000000, 5)

	if err := owner.SetFrame(in); err != nil {
		t.Fatalf("SetFrame: %v", err)
	}
	out, err := other.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if out.Width != 32 || out.Height != 24 || out.Depth != 3 {
		t.Fatalf("shape = %dx%dx%d", out.Width, out.Height, out.Depth)
	}
	if len(out.Data) != out.Width*out.Height*out.Depth {
		t.Fatalf("len = %d", len(out.Data))
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Fatal("frame content differs")
	}
	if out.Number != 42 || !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("metadata = %d %v", out.Number, out.Timestamp)
	}
}

func TestSetFrameNormalisesSources(t *testing.T) {
	tests := []struct {
		name  string
		frame types.Frame
		depth int
	}{
		{"bgr same size", solidFrame(types.FormatBGR24, 16, 12, 90), 3},
		{"gray to rgb", solidFrame(types.FormatGray8, 16, 12, 90), 3},
		{"yuyv resized", solidFrame(types.FormatYUYV422, 32, 24, 128), 3},
		{"yuv420p", solidFrame(types.FormatYUV420P, 16, 12, 128), 3},
		{"rgb larger", solidFrame(types.FormatRGB24, 40, 30, 7), 3},
		{"rgb to gray region", solidFrame(types.FormatRGB24, 16, 12, 7), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegion(t, 16, 12, tt.depth, 1)
			if err := r.SetFrame(tt.frame); err != nil {
				t.Fatalf("SetFrame: %v", err)
			}
			out, err := r.Frame()
			if err != nil {
				t.Fatalf("Frame: %v", err)
			}
			if out.Width != 16 || out.Height != 12 || out.Depth != tt.depth {
				t.Fatalf("shape = %dx%dx%d", out.Width, out.Height, out.Depth)
			}
			if len(out.Data) != 16*12*tt.depth {
				t.Fatalf("len = %d", len(out.Data))
			}
		})
	}
}

func TestSetFrameRejectsMalformedFrame(t *testing.T) {
	r := newTestRegion(t, 8, 8, 3, 1)
	bad := types.Frame{Width: 8, Height: 8, Depth: 3, Format: types.FormatRGB24, Data: make([]byte, 7)}
	if err := r.SetFrame(bad); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestSetShape(t *testing.T) {
	r := newTestRegion(t, 32, 24, 3, 1)
	if err := r.SetFrame(solidFrame(types.FormatRGB24, 32, 24, 200)); err != nil {
		t.Fatal(err)
	}

	if err := r.SetShape(16, 8, 1); err != nil {
		t.Fatalf("SetShape: %v", err)
	}
	out, err := r.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if out.Width != 16 || out.Height != 8 || out.Depth != 1 || out.Format != types.FormatGray8 {
		t.Fatalf("frame = %dx%dx%d %s", out.Width, out.Height, out.Depth, out.Format)
	}
	if !bytes.Equal(out.Data, make([]byte, 16*8)) {
		t.Fatal("SetShape must clear the image")
	}

	if err := r.SetShape(64, 8, 3); !errors.Is(err, ErrCapacity) {
		t.Fatalf("oversized SetShape err = %v, want ErrCapacity", err)
	}
}

func TestBoxesRoundTrip(t *testing.T) {
	owner := newTestRegion(t, 8, 8, 3, 4)
	other := attach(t, owner)

	if err := owner.SetBoxes(nil); err != nil {
		t.Fatalf("SetBoxes(nil): %v", err)
	}
	if got := other.Boxes(); got == nil || len(got) != 0 {
		t.Fatalf("Boxes = %#v, want empty non-nil", got)
	}

	in := []types.Box{
		{X: 10, Y: 20, Width: 30, Height: 40},
		{X: -5, Y: 0, Width: 7, Height: 9, Label: "person", Confidence: 0.87, Color: "#00ff00"},
	}
	if err := owner.SetBoxes(in); err != nil {
		t.Fatalf("SetBoxes: %v", err)
	}
	got := other.Boxes()
	if len(got) != len(in) {
		t.Fatalf("Boxes len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("box %d = %+v, want %+v", i, got[i], in[i])
		}
	}
	if other.BoxVersion() != 2 {
		t.Fatalf("BoxVersion = %d, want 2", other.BoxVersion())
	}
}

func TestSetBoxesTruncates(t *testing.T) {
	r := newTestRegion(t, 8, 8, 3, 2)
	long := strings.Repeat("x", 200)
	in := []types.Box{{Label: long}, {X: 1}, {X: 2}}
	if err := r.SetBoxes(in); err != nil {
		t.Fatalf("SetBoxes: %v", err)
	}
	got := r.Boxes()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if len(got[0].Label) != maxLabelLen {
		t.Fatalf("label len = %d, want %d", len(got[0].Label), maxLabelLen)
	}
}

func TestBoxStringLimits(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.INFO, &buf, false)
	t.Cleanup(func() { logger.Init(logger.INFO, os.Stderr, false) })

	r := newTestRegion(t, 8, 8, 3, 4)
	exact := []types.Box{
		{Label: strings.Repeat("a", maxLabelLen), Color: " #00ff00 "},
	}
	if err := r.SetBoxes(exact); err != nil {
		t.Fatalf("SetBoxes: %v", err)
	}
	if got := r.Boxes(); len(got) != 1 || got[0] != exact[0] {
		t.Fatalf("Boxes = %+v, want %+v", got, exact)
	}
	if strings.Contains(buf.String(), "Truncated") {
		t.Fatalf("unexpected truncation warning: %q", buf.String())
	}

	long := strings.Repeat("b", maxLabelLen+1)
	if err := r.SetBoxes([]types.Box{{Label: long}}); err != nil {
		t.Fatalf("SetBoxes: %v", err)
	}
	if got := r.Boxes(); len(got) != 1 || got[0].Label != long[:maxLabelLen] {
		t.Fatalf("Boxes = %+v, want label cut to %d bytes", got, maxLabelLen)
	}
	if !strings.Contains(buf.String(), "Truncated label or colour of 1 boxes") {
		t.Fatalf("truncation not logged: %q", buf.String())
	}
}

func TestCorruptBoxSlotReadsEmpty(t *testing.T) {
	r := newTestRegion(t, 8, 8, 3, 2)
	if err := r.SetBoxes([]types.Box{{X: 1, Label: "cat"}}); err != nil {
		t.Fatal(err)
	}
	// Flip a payload byte behind the writer's back.
	r.mem[r.geo.boxOff] ^= 0xff
	if got := r.Boxes(); len(got) != 0 {
		t.Fatalf("Boxes = %v, want empty for bad checksum", got)
	}

	// Valid checksum over garbage.
	garbage := []byte{0x0a, 0xff, 0xff}
	copy(r.mem[r.geo.boxOff:], garbage)
	store(r.mem, boxLength, uint32(len(garbage)))
	store(r.mem, boxCRC, crc32.ChecksumIEEE(garbage))
	if got := r.Boxes(); len(got) != 0 {
		t.Fatalf("Boxes = %v, want empty for undecodable payload", got)
	}
}

func TestFlags(t *testing.T) {
	owner := newTestRegion(t, 8, 8, 3, 1)
	other := attach(t, owner)

	if err := owner.SetFlag(Record, true); err != nil {
		t.Fatal(err)
	}
	if !other.Flag(Record) || other.Flag(Yolo) {
		t.Fatal("flag not visible across handles")
	}
	state := other.FlagState()
	if !state["record"] || state["run"] {
		t.Fatalf("FlagState = %v", state)
	}
	if err := owner.SetFlag(Flag(FlagSlots), true); err == nil {
		t.Fatal("expected error for out of range slot")
	}

	f, err := ParseFlag(" YOLO ")
	if err != nil || f != Yolo {
		t.Fatalf("ParseFlag = %v, %v", f, err)
	}
}

func TestTornReadIsBounded(t *testing.T) {
	prev := MaxReadRetries
	MaxReadRetries = 2
	t.Cleanup(func() { MaxReadRetries = prev })

	r := newTestRegion(t, 8, 8, 3, 1)
	store(r.mem, frameSeq, 1) // a writer died mid-frame

	if _, err := r.Frame(); !errors.Is(err, ErrTornRead) {
		t.Fatalf("err = %v, want ErrTornRead", err)
	}

	// The next writer heals the slot.
	if err := r.SetFrame(solidFrame(types.FormatRGB24, 8, 8, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Frame(); err != nil {
		t.Fatalf("Frame after rewrite: %v", err)
	}
}

func TestConcurrentWriterNeverTearsReaders(t *testing.T) {
	owner := newTestRegion(t, 32, 32, 3, 1)
	const readers = 4

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errCh := make(chan error, readers)

	for i := 0; i < readers; i++ {
		reader := attach(t, owner)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				f, err := reader.Frame()
				if err != nil {
					errCh <- err
					return
				}
				if len(f.Data) != f.Width*f.Height*f.Depth {
					errCh <- errors.New("length mismatch")
					return
				}
				if !bytes.Equal(f.Data, bytes.Repeat(f.Data[:1], len(f.Data))) {
					errCh <- errors.New("mixed frame content")
					return
				}
			}
		}()
	}

	for i := 0; i < 300; i++ {
		if err := owner.SetFrame(solidFrame(types.FormatRGB24, 32, 32, byte(i))); err != nil {
			t.Fatalf("SetFrame: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

func TestExitObservedBeforeUnlink(t *testing.T) {
	owner := newTestRegion(t, 8, 8, 3, 1)
	dir := filepath.Dir(owner.path)

	worker, err := OpenIn(dir, owner.Name())
	if err != nil {
		t.Fatal(err)
	}
	if owner.Attached() != 1 {
		t.Fatalf("Attached = %d, want 1", owner.Attached())
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for !worker.Flag(Exit) {
			time.Sleep(5 * time.Millisecond)
		}
		_ = worker.Close()
	}()

	if err := owner.SetFlag(Exit, true); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !owner.WaitDetached(ctx) {
		t.Fatal("worker did not detach after Exit")
	}
	<-done

	if err := worker.Unlink(); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("non-owner Unlink err = %v, want ErrNotOwner", err)
	}
	if err := owner.Unlink(); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := OpenIn(dir, owner.Name()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open after unlink err = %v, want ErrNotFound", err)
	}
}

func TestWaitForRegion(t *testing.T) {
	dir := t.TempDir()
	created := make(chan *Region, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		r, err := Create("late", Options{MaxWidth: 8, MaxHeight: 8, MaxDepth: 3, MaxBoxes: 1, Dir: dir})
		if err != nil {
			t.Errorf("Create: %v", err)
		}
		created <- r
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := Wait(ctx, dir, "late")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	_ = r.Close()

	owner := <-created
	if owner != nil {
		_ = owner.Close()
		_ = owner.Unlink()
	}
}

func TestWaitTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := Wait(ctx, t.TempDir(), "never")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want wrapped ErrNotFound", err)
	}
}

func TestClosedHandle(t *testing.T) {
	owner := newTestRegion(t, 8, 8, 3, 1)
	other, err := OpenIn(filepath.Dir(owner.path), owner.Name())
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Close(); err != nil {
		t.Fatal(err)
	}
	if err := other.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := other.Frame(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Frame err = %v, want ErrClosed", err)
	}
	if other.Flag(Run) {
		t.Fatal("closed handle read a flag")
	}
	if owner.Attached() != 0 {
		t.Fatalf("Attached = %d, want 0", owner.Attached())
	}
}
