package agent

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]WorkerState{
		{StateIdle, StateInitializing},
		{StateInitializing, StateWorking},
		{StateWorking, StateVerifying},
		{StateVerifying, StateCompleted},
		{StateInitializing, StateFailed},
		{StateWorking, StateFailed},
		{StateVerifying, StateFailed},
		{StateCompleted, StateIdle},
		{StateFailed, StateIdle},
		{StateWorking, StateWorking},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s to be allowed", tr[0], tr[1])
		}
	}

	forbidden := [][2]WorkerState{
		{StateIdle, StateWorking},
		{StateIdle, StateFailed},
		{StateInitializing, StateVerifying},
		{StateWorking, StateCompleted},
		{StateCompleted, StateFailed},
		{StateFailed, StateCompleted},
		{StateCompleted, StateWorking},
	}
	for _, tr := range forbidden {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s to be rejected", tr[0], tr[1])
		}
	}
}

func TestValidate_TaskInvariant(t *testing.T) {
	busyNoTask := WorkerRecord{ID: "w", State: StateWorking}
	if err := busyNoTask.Validate(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("busy worker without task: got %v", err)
	}

	idleWithTask := WorkerRecord{ID: "w", State: StateIdle, CurrentTaskID: "t1"}
	if err := idleWithTask.Validate(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("idle worker with task: got %v", err)
	}

	errorOutsideFailed := WorkerRecord{ID: "w", State: StateCompleted, LastError: "boom"}
	if err := errorOutsideFailed.Validate(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error outside failed: got %v", err)
	}

	failed := WorkerRecord{ID: "w", State: StateFailed, LastError: "boom"}
	if err := failed.Validate(); err != nil {
		t.Errorf("failed worker with error should be valid: %v", err)
	}
}

func TestCheckTransition_NewRecord(t *testing.T) {
	if err := CheckTransition(nil, WorkerRecord{ID: "w", State: StateIdle}); err != nil {
		t.Errorf("new idle record rejected: %v", err)
	}
	if err := CheckTransition(nil, WorkerRecord{ID: "w", State: StateCompleted}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("new completed record: got %v", err)
	}
}

func TestCheckTransition_TaskSwitchRejected(t *testing.T) {
	prev := &WorkerRecord{ID: "w", State: StateWorking, CurrentTaskID: "t1"}
	next := WorkerRecord{ID: "w", State: StateVerifying, CurrentTaskID: "t2"}
	if err := CheckTransition(prev, next); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("task switch while busy: got %v", err)
	}
}

func TestWorkerState_TextRoundTrip(t *testing.T) {
	var s WorkerState
	if err := s.UnmarshalText([]byte("verifying")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if s != StateVerifying {
		t.Errorf("got %s, want verifying", s)
	}
	if err := s.UnmarshalText([]byte("sleeping")); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("  Fetch ")
	if err != nil {
		t.Fatalf("ParseCapability: %v", err)
	}
	if c != CapFetch || !c.IsBuiltin() {
		t.Errorf("got %q, want builtin fetch", c)
	}

	tag, err := ParseCapability("lang.go")
	if err != nil {
		t.Fatalf("ParseCapability tag: %v", err)
	}
	if tag.IsBuiltin() {
		t.Error("free-form tag reported as builtin")
	}

	if _, err := ParseCapability("has space"); err == nil {
		t.Error("expected error for capability with space")
	}
	if _, err := ParseCapability(""); err == nil {
		t.Error("expected error for empty capability")
	}
}
