package taskpool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jpalmerr/taskpool/internal/store"
)

func TestNewDefinition_Defaults(t *testing.T) {
	def, err := NewDefinition("report", noopRun)
	if err != nil {
		t.Fatalf("NewDefinition() error = %v", err)
	}

	if def.Type() != "report" {
		t.Errorf("Type() = %q, want %q", def.Type(), "report")
	}
	if def.Title() != "report" {
		t.Errorf("Title() = %q, want type as default", def.Title())
	}
	if def.Timeout() != 5*time.Minute {
		t.Errorf("Timeout() = %v, want %v", def.Timeout(), 5*time.Minute)
	}
	if def.MaxAttempts() != 3 {
		t.Errorf("MaxAttempts() = %v, want 3", def.MaxAttempts())
	}
	if got := def.RetryDelay(2); got != 10*time.Minute {
		t.Errorf("RetryDelay(2) = %v, want %v", got, 10*time.Minute)
	}
}

func TestNewDefinition_Options(t *testing.T) {
	def, err := NewDefinition("report", noopRun,
		WithTitle("Daily report"),
		WithTimeout(30*time.Second),
		WithMaxAttempts(5),
		WithRetryDelay(func(attempts int) time.Duration { return time.Duration(attempts) * time.Second }),
	)
	if err != nil {
		t.Fatalf("NewDefinition() error = %v", err)
	}

	if def.Title() != "Daily report" {
		t.Errorf("Title() = %q, want %q", def.Title(), "Daily report")
	}
	if def.Timeout() != 30*time.Second {
		t.Errorf("Timeout() = %v, want %v", def.Timeout(), 30*time.Second)
	}
	if def.MaxAttempts() != 5 {
		t.Errorf("MaxAttempts() = %v, want 5", def.MaxAttempts())
	}
	if got := def.RetryDelay(3); got != 3*time.Second {
		t.Errorf("RetryDelay(3) = %v, want %v", got, 3*time.Second)
	}
}

func TestNewDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		taskType string
		run      RunFunc
		opts     []DefinitionOption
	}{
		{"empty type", "", noopRun, nil},
		{"nil run", "report", nil, nil},
		{"empty title", "report", noopRun, []DefinitionOption{WithTitle("")}},
		{"zero timeout", "report", noopRun, []DefinitionOption{WithTimeout(0)}},
		{"negative timeout", "report", noopRun, []DefinitionOption{WithTimeout(-time.Second)}},
		{"zero attempts", "report", noopRun, []DefinitionOption{WithMaxAttempts(0)}},
		{"nil retry delay", "report", noopRun, []DefinitionOption{WithRetryDelay(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDefinition(tt.taskType, tt.run, tt.opts...); err == nil {
				t.Error("NewDefinition() expected error, got nil")
			}
		})
	}
}

func TestRunnerDefinition_ConvertsTask(t *testing.T) {
	var got Task
	def := mustDefinition(t, "report", func(_ context.Context, task Task) (Outcome, error) {
		got = task
		return Outcome{State: json.RawMessage(`{"n":1}`)}, nil
	})

	rd := def.runnerDefinition()
	if rd.Type != "report" || rd.MaxAttempts != 3 {
		t.Errorf("runner definition = %+v, want type and defaults carried over", rd)
	}

	in := store.Task{
		ID:       "t1",
		TaskType: "report",
		Params:   json.RawMessage(`{"to":"ops"}`),
		Status:   store.StatusRunning,
		Attempts: 1,
	}
	out, err := rd.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got.ID != "t1" || got.Type != "report" || got.Status != StatusRunning || got.Attempts != 1 {
		t.Errorf("task passed to run = %+v", got)
	}
	if string(got.Params) != `{"to":"ops"}` {
		t.Errorf("Params = %s, want %s", got.Params, `{"to":"ops"}`)
	}
	if string(out.State) != `{"n":1}` {
		t.Errorf("Outcome.State = %s, want %s", out.State, `{"n":1}`)
	}

	// params handed to run must not alias the stored task
	got.Params[2] = 'X'
	if string(in.Params) != `{"to":"ops"}` {
		t.Error("mutating task params affected the stored task")
	}
}

func TestRunnerDefinition_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	def := mustDefinition(t, "report", func(context.Context, Task) (Outcome, error) {
		return Outcome{State: json.RawMessage(`{}`)}, boom
	})

	out, err := def.runnerDefinition().Run(context.Background(), store.Task{ID: "t1"})
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want %v", err, boom)
	}
	if out.State != nil {
		t.Errorf("Outcome.State = %s, want nil on error", out.State)
	}
}
