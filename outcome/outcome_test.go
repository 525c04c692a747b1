package outcome_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/outcome"
)

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status outcome.Status
		want   bool
	}{
		{outcome.StatusPending, false},
		{outcome.StatusRunning, false},
		{outcome.StatusSuspended, false},
		{outcome.StatusComplete, true},
		{outcome.StatusTerminated, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
		if !tt.status.Valid() {
			t.Errorf("%s should be valid", tt.status)
		}
	}
	if outcome.Status("bogus").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestConstructorsSatisfyInvariants(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		o    *outcome.Outcome
	}{
		{"completed", outcome.Completed("wfrun_1", json.RawMessage(`{"x":1}`), now, now)},
		{"terminated", outcome.Terminated("wfrun_1", "boom", now, now)},
		{"terminated without instance", outcome.Terminated("", "invalid input: eof", now, now)},
		{"running", outcome.InProgress("wfrun_1", outcome.StatusRunning, nil, now)},
		{"suspended", outcome.InProgress("wfrun_1", outcome.StatusSuspended, nil, now)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.o.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if tt.o.Terminal() != (tt.o.CompletedAt != nil) {
				t.Errorf("terminal=%v but completed_at=%v", tt.o.Terminal(), tt.o.CompletedAt)
			}
		})
	}
}

func TestValidate_Rejects(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		o    *outcome.Outcome
	}{
		{"nil", nil},
		{"unknown status", &outcome.Outcome{Status: "odd"}},
		{"complete without completed_at", &outcome.Outcome{Status: outcome.StatusComplete}},
		{"running with completed_at", &outcome.Outcome{Status: outcome.StatusRunning, CompletedAt: &now}},
		{"error on complete", &outcome.Outcome{Status: outcome.StatusComplete, CompletedAt: &now, ErrorMessage: "x"}},
		{"error on running", &outcome.Outcome{Status: outcome.StatusRunning, ErrorMessage: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.o.Validate()
			if !errors.Is(err, flowbridge.ErrInvalidOutcome) {
				t.Fatalf("Validate = %v, want ErrInvalidOutcome", err)
			}
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	now := time.Now()
	orig := outcome.Completed("wfrun_1", json.RawMessage(`{"a":1}`), now, now)
	cp := orig.Clone()

	cp.Data[2] = 'b'
	*cp.CompletedAt = now.Add(time.Hour)

	if string(orig.Data) != `{"a":1}` {
		t.Errorf("original data mutated: %s", orig.Data)
	}
	if !orig.CompletedAt.Equal(now.UTC()) {
		t.Errorf("original completed_at mutated: %v", orig.CompletedAt)
	}
	if (*outcome.Outcome)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
