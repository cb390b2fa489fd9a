package region

import (
	"fmt"
	"strings"
)

// Flag names one control word in the region.
type Flag int

// FlagSlots is the number of flag words in the layout; the slots after Pipe
// are reserved.
const FlagSlots = 12

const (
	Run     Flag = iota // stages should be active
	Exit                // all processes should terminate
	Capture             // capture stage enabled
	View                // local viewer enabled
	Yolo                // detection stage enabled
	Record              // recorder may record
	Mark                // draw boxes onto recorded and streamed frames
	Pipe                // capture exports raw frames to a named pipe
)

// Flags lists the named flags in slot order.
var Flags = []Flag{Run, Exit, Capture, View, Yolo, Record, Mark, Pipe}

var flagNames = map[Flag]string{
	Run:     "run",
	Exit:    "exit",
	Capture: "capture",
	View:    "view",
	Yolo:    "yolo",
	Record:  "record",
	Mark:    "mark",
	Pipe:    "pipe",
}

func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return fmt.Sprintf("flag%d", int(f))
}

// ParseFlag maps a flag name to its Flag.
func ParseFlag(s string) (Flag, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range flagNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown flag %q", s)
}

// Flag reads one flag. Closed handles read false.
func (r *Region) Flag(f Flag) bool {
	if f < 0 || f >= FlagSlots {
		return false
	}
	mem, release, err := r.acquireMap()
	if err != nil {
		return false
	}
	defer release()
	return load(mem, flagTableOff+int(f)*4) != 0
}

// SetFlag writes one flag.
func (r *Region) SetFlag(f Flag, on bool) error {
	if f < 0 || f >= FlagSlots {
		return fmt.Errorf("flag slot %d out of range", int(f))
	}
	mem, release, err := r.acquireMap()
	if err != nil {
		return err
	}
	defer release()
	var v uint32
	if on {
		v = 1
	}
	store(mem, flagTableOff+int(f)*4, v)
	return nil
}

// FlagState returns all named flags keyed by name.
func (r *Region) FlagState() map[string]bool {
	state := make(map[string]bool, len(Flags))
	for _, f := range Flags {
		state[f.String()] = r.Flag(f)
	}
	return state
}
