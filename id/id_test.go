package id_test

import (
	"encoding/json"
	"testing"

	"github.com/fossawork/fossawork/id"
)

func TestNew_HasPrefix(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() id.ID
		prefix id.Prefix
	}{
		{"job", id.NewJobID, id.PrefixJob},
		{"work order", id.NewWorkOrderID, id.PrefixWorkOrder},
		{"dispenser", id.NewDispenserID, id.PrefixDispenser},
		{"schedule", id.NewScheduleID, id.PrefixSchedule},
		{"worker", id.NewWorkerID, id.PrefixWorker},
		{"session", id.NewSessionID, id.PrefixSession},
	}
	for _, tt := range tests {
		got := tt.gen()
		if got.Prefix() != tt.prefix {
			t.Errorf("%s: prefix = %q, want %q", tt.name, got.Prefix(), tt.prefix)
		}
		if got.IsNil() {
			t.Errorf("%s: new ID is nil", tt.name)
		}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	orig := id.NewJobID()
	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", orig.String(), err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip mismatch: %q != %q", parsed.String(), orig.String())
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("Parse(\"\") should fail")
	}
}

func TestParseWithPrefix_WrongPrefix(t *testing.T) {
	jobID := id.NewJobID()
	if _, err := id.ParseScheduleID(jobID.String()); err == nil {
		t.Error("ParseScheduleID should reject a job-prefixed ID")
	}
}

func TestJSON_RoundTrip(t *testing.T) {
	orig := id.NewJobID()
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.String() != orig.String() {
		t.Errorf("JSON round trip mismatch: %q != %q", decoded.String(), orig.String())
	}
}

func TestNil_Behavior(t *testing.T) {
	var nilID id.ID
	if !nilID.IsNil() {
		t.Error("zero value should be nil")
	}
	if nilID.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", nilID.String())
	}

	v, err := nilID.Value()
	if err != nil {
		t.Fatalf("Value(): %v", err)
	}
	if v != nil {
		t.Errorf("nil ID Value() = %v, want nil", v)
	}
}
