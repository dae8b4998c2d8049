package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if store == nil {
		t.Fatal("NewMemoryStore() = nil")
	}

	// should start empty
	tasks, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("List() = %v items, want 0", len(tasks))
	}
}

func TestMemoryStore_ScheduleResetsLifecycleFields(t *testing.T) {
	store := NewMemoryStore()

	task, err := store.Schedule(context.Background(), Task{
		ID:       "t1",
		TaskType: "report",
		Status:   StatusRunning,
		Attempts: 7,
		OwnerID:  "someone",
		Version:  42,
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	if task.Status != StatusIdle {
		t.Errorf("Status = %v, want %v", task.Status, StatusIdle)
	}
	if task.Attempts != 0 {
		t.Errorf("Attempts = %v, want 0", task.Attempts)
	}
	if task.OwnerID != "" {
		t.Errorf("OwnerID = %q, want empty", task.OwnerID)
	}
	if task.Version != 1 {
		t.Errorf("Version = %v, want 1", task.Version)
	}
}

func TestMemoryStore_ListReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Schedule(ctx, Task{ID: "t1", TaskType: "report"}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	tasks, _ := store.List(ctx)
	tasks[0].TaskType = "mutated"

	got, _ := store.Get(ctx, "t1")
	if got.TaskType != "report" {
		t.Errorf("TaskType = %v, want report", got.TaskType)
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Schedule(ctx, Task{TaskType: "report"}); err != context.Canceled {
		t.Errorf("Schedule() error = %v, want %v", err, context.Canceled)
	}
	if _, err := store.Claim(ctx, ClaimOptions{Size: 1}); err != context.Canceled {
		t.Errorf("Claim() error = %v, want %v", err, context.Canceled)
	}
}

func TestMemoryStore_Subscribe(t *testing.T) {
	store := NewMemoryStore()

	ch := store.Subscribe()
	if ch == nil {
		t.Fatal("Subscribe() = nil")
	}

	// schedule should send to subscriber
	go func() {
		_, _ = store.Schedule(context.Background(), Task{ID: "test", TaskType: "report"})
	}()

	select {
	case ev := <-ch:
		if ev.Type != EventScheduled {
			t.Errorf("received Type = %v, want %v", ev.Type, EventScheduled)
		}
		if ev.Task.ID != "test" {
			t.Errorf("received ID = %v, want %v", ev.Task.ID, "test")
		}
	case <-time.After(1 * time.Second):
		t.Error("Subscribe() channel did not receive event")
	}
}

func TestMemoryStore_MultipleSubscribers(t *testing.T) {
	store := NewMemoryStore()

	ch1 := store.Subscribe()
	ch2 := store.Subscribe()
	ch3 := store.Subscribe()

	// schedule should fan out to all subscribers
	go func() {
		_, _ = store.Schedule(context.Background(), Task{TaskType: "report"})
	}()

	received := 0
	timeout := time.After(1 * time.Second)

	for received < 3 {
		select {
		case <-ch1:
			received++
		case <-ch2:
			received++
		case <-ch3:
			received++
		case <-timeout:
			t.Fatalf("Only received %d/3 events", received)
		}
	}
}

func TestMemoryStore_Unsubscribe(t *testing.T) {
	store := NewMemoryStore()

	ch := store.Subscribe()
	store.Unsubscribe(ch)

	// channel should be closed
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Unsubscribe() channel should be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Unsubscribe() channel should be closed immediately")
	}

	// second unsubscribe is a no-op
	store.Unsubscribe(ch)
}

func TestMemoryStore_CloseClosesSubscribers(t *testing.T) {
	store := NewMemoryStore()
	ch := store.Subscribe()

	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed after Close()")
	}
}

func TestMemoryStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	store := NewMemoryStore()

	// create a subscriber but don't read from it
	_ = store.Subscribe()

	// create another subscriber that reads
	ch2 := store.Subscribe()

	done := make(chan bool)

	go func() {
		// this should not block even though ch1 is not being read
		for i := 0; i < 200; i++ {
			_, _ = store.Schedule(context.Background(), Task{TaskType: "report"})
		}
		done <- true
	}()

	// drain ch2
	go func() {
		for range ch2 {
		}
	}()

	select {
	case <-done:
		// expected - schedules completed without blocking
	case <-time.After(2 * time.Second):
		t.Error("Schedule() blocked on slow subscriber")
	}
	_ = store.Close()
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	numGoroutines := 10
	numOps := 100

	// concurrent schedules
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				_, _ = store.Schedule(ctx, Task{ID: fmt.Sprintf("t-%d-%d", id, j), TaskType: "report"})
			}
		}(i)
	}

	// concurrent claims and reads
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				now := time.Now()
				_, _ = store.Claim(ctx, ClaimOptions{OwnerID: fmt.Sprint(id), Size: 2, Now: now, RetryAt: now.Add(time.Hour)})
				_, _ = store.List(ctx)
			}
		}(i)
	}

	// concurrent subscribe/unsubscribe
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := store.Subscribe()
			time.Sleep(10 * time.Millisecond)
			store.Unsubscribe(ch)
		}()
	}

	wg.Wait()

	tasks, _ := store.List(ctx)
	if len(tasks) != numGoroutines*numOps {
		t.Errorf("List() = %v items, want %v", len(tasks), numGoroutines*numOps)
	}
}

func TestClaimable(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"idle due", Task{Status: StatusIdle, RunAt: now}, true},
		{"idle future", Task{Status: StatusIdle, RunAt: now.Add(time.Second)}, false},
		{"claiming live lease", Task{Status: StatusClaiming, RetryAt: now.Add(time.Second)}, false},
		{"claiming expired lease", Task{Status: StatusClaiming, RetryAt: now.Add(-time.Second)}, true},
		{"running expired lease", Task{Status: StatusRunning, RetryAt: now}, true},
		{"running without lease", Task{Status: StatusRunning}, false},
		{"failed", Task{Status: StatusFailed, RunAt: now.Add(-time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := claimable(tt.task, now); got != tt.want {
				t.Errorf("claimable() = %v, want %v", got, tt.want)
			}
		})
	}
}
