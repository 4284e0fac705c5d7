package stream

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEventJSONShape(t *testing.T) {
	e := NewStepEvent(TypeExecutionSuccess, map[string]any{"stdout": "42\n"}, 2)
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != TypeExecutionSuccess {
		t.Fatalf("type: %v", decoded["type"])
	}
	if decoded["step_index"] != float64(2) {
		t.Fatalf("step_index: %v", decoded["step_index"])
	}
	if _, ok := decoded["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %s", raw)
	}
}

func TestSessionEventOmitsStepIndex(t *testing.T) {
	raw, err := json.Marshal(NewEvent(TypeFinalResponse, "done"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "step_index") {
		t.Fatalf("session-level event carries step_index: %s", raw)
	}
}

func TestNewEventStampsUTC(t *testing.T) {
	e := NewEvent(TypeLog, "x")
	if e.Timestamp.IsZero() {
		t.Fatal("zero timestamp")
	}
	if e.Timestamp.Location() != nil && e.Timestamp.Location().String() != "UTC" {
		t.Fatalf("timestamp location: %v", e.Timestamp.Location())
	}
}
