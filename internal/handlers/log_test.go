package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/jpalmerr/taskpool"
)

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	run := Log(logger, slog.LevelInfo)
	out, err := run(context.Background(), taskpool.Task{
		ID:     "t1",
		Type:   "heartbeat",
		Params: json.RawMessage(`{"k":"v"}`),
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if out.State != nil || !out.RunAt.IsZero() {
		t.Errorf("Outcome = %+v, want zero", out)
	}

	logged := buf.String()
	for _, want := range []string{"task run", "task_id=t1", "task_type=heartbeat"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output %q missing %q", logged, want)
		}
	}
}

func TestLog_LevelFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if _, err := Log(logger, slog.LevelDebug)(context.Background(), taskpool.Task{ID: "t1"}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("debug line logged at warn level: %q", buf.String())
	}
}
