package recorder

import (
	"path/filepath"
	"time"
)

// Window decides, cycle by cycle, whether a recording should be open. A
// window opens once the last History cycles all saw detections and stays open
// until Tail after the last such cycle.
type Window struct {
	history  []bool
	next     int
	tail     time.Duration
	dir      string
	deadline time.Time
	filename string
}

// NewWindow returns a closed window writing files under dir.
func NewWindow(history int, tail time.Duration, dir string) *Window {
	if history < 1 {
		history = 1
	}
	return &Window{
		history: make([]bool, history),
		tail:    tail,
		dir:     dir,
	}
}

// Update records whether this cycle saw detections and reports whether the
// window is open at now. The deadline itself still counts as open.
func (w *Window) Update(now time.Time, detected bool) bool {
	w.history[w.next] = detected
	w.next = (w.next + 1) % len(w.history)

	if w.full() {
		if w.filename == "" || now.After(w.deadline) {
			w.filename = filepath.Join(w.dir, FileName(now))
		}
		w.deadline = now.Add(w.tail)
	}

	open := !w.deadline.IsZero() && !now.After(w.deadline)
	if !open {
		w.filename = ""
	}
	return open
}

func (w *Window) full() bool {
	for _, d := range w.history {
		if !d {
			return false
		}
	}
	return true
}

// Filename returns the file of the open window, empty when closed.
func (w *Window) Filename() string { return w.filename }

// Deadline returns when the current window closes.
func (w *Window) Deadline() time.Time { return w.deadline }
