package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/flowbridge/id"
)

func TestConstructorsCarryPrefix(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"job", id.NewJobID, "job_"},
		{"batch", id.NewBatchID, "batch_"},
		{"run", id.NewRunID, "wfrun_"},
		{"checkpoint", id.NewCheckpointID, "ckpt_"},
		{"cron", id.NewCronID, "cron_"},
		{"event", id.NewEventID, "evt_"},
		{"worker", id.NewWorkerID, "wkr_"},
		{"request", id.NewRequestID, "req_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	original := id.NewRunID()
	parsed, err := id.ParseRunID(original.String())
	if err != nil {
		t.Fatalf("ParseRunID: %v", err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
	}
	if parsed.Prefix() != id.PrefixRun {
		t.Errorf("prefix = %q, want %q", parsed.Prefix(), id.PrefixRun)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"empty", "", id.Parse},
		{"garbage", "not an id", id.Parse},
		{"job parser given run", id.NewRunID().String(), id.ParseJobID},
		{"run parser given job", id.NewJobID().String(), id.ParseRunID},
		{"batch parser given cron", id.NewCronID().String(), id.ParseBatchID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error parsing %q", tt.input)
			}
		})
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" || i.Prefix() != "" {
		t.Errorf("nil ID rendered as %q/%q", i.String(), i.Prefix())
	}
}

func TestJSONField(t *testing.T) {
	type holder struct {
		ID     id.ID `json:"id"`
		Parent id.ID `json:"parent"`
	}
	in := holder{ID: id.NewJobID()}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out holder
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID.String() != in.ID.String() {
		t.Errorf("id = %q, want %q", out.ID.String(), in.ID.String())
	}
	if !out.Parent.IsNil() {
		t.Errorf("parent should stay nil, got %q", out.Parent.String())
	}
}

func TestUniqueness(t *testing.T) {
	if id.NewJobID().String() == id.NewJobID().String() {
		t.Error("consecutive NewJobID calls returned the same ID")
	}
}
