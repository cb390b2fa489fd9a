package fsm

import (
	"reflect"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{Init, EvRun, Running, true},
		{Running, EvRun, Running, true},
		{Init, EvNoRun, Init, true},
		{Running, EvNoRun, Init, true},
		{Running, EvRecord, RecordingReady, true},
		{RecordingReady, EvRecord, RecordingReady, true},
		{RecordingReady, EvSaveRec, Recording, true},
		{Recording, EvSaveRec, Recording, true},
		{Recording, EvSaveRecEnd, RecordingReady, true},
		{RecordingReady, EvNoRecord, Running, true},
		{Recording, EvNoRecord, Running, true},

		{Init, EvRecord, Init, false},
		{Init, EvSaveRec, Init, false},
		{Running, EvSaveRec, Running, false},
		{RecordingReady, EvSaveRecEnd, RecordingReady, false},
		{RecordingReady, EvRun, RecordingReady, false},
		{Recording, EvNoRun, Recording, false},
		{Exit, EvRun, Exit, false},
		{Exit, EvExit, Exit, false},
	}
	for _, tt := range tests {
		to, ok := Transition(tt.from, tt.ev)
		if to != tt.to || ok != tt.ok {
			t.Errorf("Transition(%s, %s) = (%s, %v), want (%s, %v)", tt.from, tt.ev, to, ok, tt.to, tt.ok)
		}
	}
}

func TestExitReachableFromEveryState(t *testing.T) {
	for _, s := range []State{Init, Running, RecordingReady, Recording} {
		if to, ok := Transition(s, EvExit); !ok || to != Exit {
			t.Errorf("exit from %s = (%s, %v)", s, to, ok)
		}
	}
}

func TestMachineHookOrder(t *testing.T) {
	m := New()
	var calls []string
	record := func(name string) Hook {
		return func(from, to State, e Event) {
			calls = append(calls, name+":"+from.String()+">"+to.String())
		}
	}
	m.OnEnter(Recording, record("enter"))
	m.OnReenter(Recording, record("reenter"))
	m.OnLeave(Recording, record("leave"))

	for _, e := range []Event{EvRun, EvRecord, EvSaveRec, EvSaveRec, EvSaveRecEnd, EvNoRecord} {
		if !m.Fire(e) {
			t.Fatalf("Fire(%s) rejected in %s", e, m.Current())
		}
	}

	want := []string{
		"enter:recordingready>recording",
		"reenter:recording>recording",
		"leave:recording>recordingready",
	}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("hooks = %v, want %v", calls, want)
	}
	if !m.Is(Running) {
		t.Fatalf("state = %s, want running", m.Current())
	}
}

func TestMachineRejectsDisallowedEvent(t *testing.T) {
	m := New()
	if m.Can(EvSaveRec) || m.Fire(EvSaveRec) {
		t.Fatal("saverec must be rejected in init")
	}
	if !m.Is(Init) {
		t.Fatalf("state changed to %s", m.Current())
	}
}

func TestLeaveRunsBeforeStateChange(t *testing.T) {
	m := New()
	var during State
	m.OnLeave(Recording, func(from, to State, e Event) { during = m.Current() })
	m.Fire(EvRun)
	m.Fire(EvRecord)
	m.Fire(EvSaveRec)
	m.Fire(EvExit)
	if during != Recording {
		t.Fatalf("state during leave hook = %s, want recording", during)
	}
	if !m.Is(Exit) {
		t.Fatalf("state = %s, want exit", m.Current())
	}
}
