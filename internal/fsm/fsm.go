// Package fsm is the recorder's state machine: a pure transition table plus a
// Machine that applies events and runs per-state hooks.
package fsm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is a recorder state.
type State int32

const (
	Init State = iota
	Running
	RecordingReady
	Recording
	Exit
)

var stateNames = [...]string{"init", "running", "recordingready", "recording", "exit"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Event drives a transition.
type Event int

const (
	EvRun Event = iota
	EvNoRun
	EvExit
	EvRecord
	EvNoRecord
	EvSaveRec
	EvSaveRecEnd
)

var eventNames = [...]string{"run", "norun", "exit", "record", "norecord", "saverec", "saverecend"}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Transition returns the state reached by applying e in s, and whether e is
// allowed in s at all.
func Transition(s State, e Event) (State, bool) {
	switch e {
	case EvRun:
		if s == Init || s == Running {
			return Running, true
		}
	case EvNoRun:
		if s == Init || s == Running {
			return Init, true
		}
	case EvExit:
		if s != Exit {
			return Exit, true
		}
	case EvRecord:
		if s == Running || s == RecordingReady {
			return RecordingReady, true
		}
	case EvNoRecord:
		if s == RecordingReady || s == Recording {
			return Running, true
		}
	case EvSaveRec:
		if s == RecordingReady || s == Recording {
			return Recording, true
		}
	case EvSaveRecEnd:
		if s == Recording {
			return RecordingReady, true
		}
	}
	return s, false
}

// Hook runs on a state change. from and to are the states around the
// transition; they are equal for a re-entry.
type Hook func(from, to State, e Event)

// Machine holds the current state and the hooks bound to states.
type Machine struct {
	state atomic.Int32

	// mu serialises Fire; hooks run with it held.
	mu      sync.Mutex
	enter   map[State]Hook
	reenter map[State]Hook
	leave   map[State]Hook
}

// New returns a machine in the Init state.
func New() *Machine {
	return &Machine{
		enter:   make(map[State]Hook),
		reenter: make(map[State]Hook),
		leave:   make(map[State]Hook),
	}
}

// OnEnter registers h to run after the machine enters s from another state.
func (m *Machine) OnEnter(s State, h Hook) { m.enter[s] = h }

// OnReenter registers h to run when an event keeps the machine in s.
func (m *Machine) OnReenter(s State, h Hook) { m.reenter[s] = h }

// OnLeave registers h to run before the machine leaves s for another state.
func (m *Machine) OnLeave(s State, h Hook) { m.leave[s] = h }

// Current returns the current state.
func (m *Machine) Current() State { return State(m.state.Load()) }

// Is reports whether the machine is in s.
func (m *Machine) Is(s State) bool { return m.Current() == s }

// Can reports whether e is allowed in the current state.
func (m *Machine) Can(e Event) bool {
	_, ok := Transition(m.Current(), e)
	return ok
}

// Fire applies e. It returns false, leaving the state untouched, when e is not
// allowed in the current state.
func (m *Machine) Fire(e Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.Current()
	to, ok := Transition(from, e)
	if !ok {
		return false
	}
	if from == to {
		if h := m.reenter[from]; h != nil {
			h(from, to, e)
		}
		return true
	}
	if h := m.leave[from]; h != nil {
		h(from, to, e)
	}
	m.state.Store(int32(to))
	if h := m.enter[to]; h != nil {
		h(from, to, e)
	}
	return true
}
