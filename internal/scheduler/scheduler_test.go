package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestScheduler_AddAndListTasks(t *testing.T) {
	s := NewScheduler(filepath.Join(t.TempDir(), "tasks.json"), nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	task, err := s.AddTask("09:30", "/status", "morning status")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	tasks := s.ListTasks()
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("ListTasks: got %+v", tasks)
	}
}

func TestScheduler_AddTask_RejectsBadTimeHM(t *testing.T) {
	s := NewScheduler(filepath.Join(t.TempDir(), "tasks.json"), nil, nil)
	if _, err := s.AddTask("9:30", "/status", ""); err == nil {
		t.Fatal("expected error for malformed time_hm")
	}
	if _, err := s.AddTask("24:00", "/status", ""); err == nil {
		t.Fatal("expected error for out-of-range time_hm")
	}
}

func TestScheduler_RunNow_BypassesGateAndSkipsLastRunDate(t *testing.T) {
	var dispatched string
	var sent string
	dispatch := func(ctx context.Context, commandText string) (string, error) {
		dispatched = commandText
		return "ok", nil
	}
	send := func(ctx context.Context, text string) (bool, error) {
		sent = text
		return true, nil
	}

	s := NewScheduler(filepath.Join(t.TempDir(), "tasks.json"), dispatch, send)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	task, _ := s.AddTask("00:00", "/ping", "")
	if err := s.RunNow(context.Background(), task.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	if dispatched != "/ping" {
		t.Fatalf("expected dispatch of /ping, got %q", dispatched)
	}
	if sent == "" {
		t.Fatal("expected a reply to be sent")
	}

	got, _ := s.GetTask(task.ID)
	if got.LastRunDate != "" {
		t.Fatalf("manual run must not set last_run_date, got %q", got.LastRunDate)
	}
}

func TestScheduler_Tick_RunsDueTaskAndSetsLastRunDate(t *testing.T) {
	var calls int
	dispatch := func(ctx context.Context, commandText string) (string, error) {
		calls++
		return "", nil
	}
	send := func(ctx context.Context, text string) (bool, error) { return true, nil }

	s := NewScheduler(filepath.Join(t.TempDir(), "tasks.json"), dispatch, send)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	nowHM := time.Now().Format("15:04")
	task, _ := s.AddTask(nowHM, "/noop", "")

	s.tick(context.Background())

	if calls != 1 {
		t.Fatalf("expected tick to dispatch once, got %d", calls)
	}
	got, _ := s.GetTask(task.ID)
	if got.LastRunDate != time.Now().Format("2006-01-02") {
		t.Fatalf("expected last_run_date to be set, got %q", got.LastRunDate)
	}

	// Second tick on the same minute must not re-run (already ran today).
	s.tick(context.Background())
	if calls != 1 {
		t.Fatalf("expected no re-run within the same day, got %d calls", calls)
	}
}
