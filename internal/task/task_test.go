package task

import (
	"context"
	"testing"
	"time"

	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/config"
)

type fakeAgent struct{}

func (fakeAgent) RunOnce(_ context.Context, _ config.AgentParams, _ config.ExecutionMode) (bool, error) {
	return true, nil
}
func (fakeAgent) LoginStatus() (LoginState, error)                        { return LoginStateLoggedIn, nil }
func (fakeAgent) BeginLogin() (qrcode []byte, alreadyLoggedIn bool, err error) { return nil, true, nil }
func (fakeAgent) ConfirmLogin() (LoginState, error)                       { return LoginStateLoggedIn, nil }

func newTestRecord() *Record {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	return &Record{
		TaskID:          "task-1",
		AccountID:       "acct-1",
		AccountName:     "Example Account",
		TaskType:        config.DefaultTaskType,
		IntervalSeconds: 3600,
		ValidHourRange:  &clock.HourRange{Start: 9, End: 18},
		EndDate:         now.AddDate(0, 1, 0),
		Mode:            config.ModeStandard,
		AgentParams:     config.AgentParams{Topic: "go", NoteCount: 3},
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Agent:           fakeAgent{},
	}
}

func TestRecord_Snapshot_CopiesFields(t *testing.T) {
	r := newTestRecord()
	s := r.Snapshot()

	if s.TaskID != r.TaskID {
		t.Errorf("TaskID: got %q, want %q", s.TaskID, r.TaskID)
	}
	if s.AccountID != r.AccountID {
		t.Errorf("AccountID: got %q, want %q", s.AccountID, r.AccountID)
	}
	if s.Status != r.Status {
		t.Errorf("Status: got %q, want %q", s.Status, r.Status)
	}
	if s.ValidHourRange == nil || *s.ValidHourRange != *r.ValidHourRange {
		t.Errorf("ValidHourRange not copied correctly: got %+v", s.ValidHourRange)
	}
	if s.LastExecutionTime != nil {
		t.Errorf("LastExecutionTime should be nil when HasLastExecution is false, got %v", s.LastExecutionTime)
	}
}

func TestRecord_Snapshot_IsIndependentCopy(t *testing.T) {
	r := newTestRecord()
	s := r.Snapshot()

	s.ValidHourRange.Start = 0
	if r.ValidHourRange.Start == 0 {
		t.Error("mutating the snapshot's HourRange must not affect the Record")
	}
}

func TestRecord_Snapshot_LastExecutionTime(t *testing.T) {
	r := newTestRecord()
	r.HasLastExecution = true
	r.LastExecutionTime = r.CreatedAt.Add(time.Hour)

	s := r.Snapshot()
	if s.LastExecutionTime == nil {
		t.Fatal("expected LastExecutionTime to be set")
	}
	if !s.LastExecutionTime.Equal(r.LastExecutionTime) {
		t.Errorf("LastExecutionTime: got %v, want %v", *s.LastExecutionTime, r.LastExecutionTime)
	}
}

func TestRecord_Snapshot_NextExecutionTime(t *testing.T) {
	r := newTestRecord()
	next := r.CreatedAt.Add(2 * time.Hour)
	r.NextExecutionTime = &next

	s := r.Snapshot()
	if s.NextExecutionTime == nil || !s.NextExecutionTime.Equal(next) {
		t.Errorf("NextExecutionTime: got %v, want %v", s.NextExecutionTime, next)
	}

	// Mutating the pointer returned in the snapshot must not alias the Record's.
	*s.NextExecutionTime = next.Add(time.Hour)
	if r.NextExecutionTime.Equal(*s.NextExecutionTime) {
		t.Error("snapshot NextExecutionTime must not alias the Record's pointer")
	}
}

func TestFakeAgent_SatisfiesInterface(t *testing.T) {
	var a Agent = fakeAgent{}
	ok, err := a.RunOnce(context.Background(), config.AgentParams{}, config.ModeStandard)
	if err != nil || !ok {
		t.Errorf("RunOnce: got (%v, %v), want (true, nil)", ok, err)
	}
}


