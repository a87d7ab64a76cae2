package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
)

const tickInterval = 20 * time.Second

// DispatchFunc runs commandText through the dispatcher with chat-fallback
// disabled (spec §4.7: "invokes the dispatcher with chat-fallback
// disabled"). It is a narrow callback, not a concrete *dispatch.Dispatcher,
// so this package never imports internal/dispatch — avoiding the import
// cycle internal/dispatch -> internal/plugin -> internal/scheduler would
// otherwise create if plugin held a concrete dispatcher reference.
type DispatchFunc func(ctx context.Context, commandText string) (string, error)

// SendFunc sends the task's (possibly-prefixed) reply back through the
// protocol engine.
type SendFunc func(ctx context.Context, text string) (bool, error)

// Scheduler is the time-of-day task runner (spec §4.7, C7).
type Scheduler struct {
	store    *Store
	dispatch DispatchFunc
	send     SendFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(taskFile string, dispatch DispatchFunc, send SendFunc) *Scheduler {
	return &Scheduler{
		store:    NewStore(taskFile),
		dispatch: dispatch,
		send:     send,
	}
}

// Start loads the persisted task list and begins the 20s tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("load task store: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	logs.CtxInfo(ctx, "[scheduler] started, %d task(s) loaded", len(s.store.List()))
	return nil
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick computes the current HH:MM and YYYY-MM-DD and runs every due,
// enabled task sequentially — no two ticks overlap because the loop
// awaits each task (spec §5 "Ordering guarantees").
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	nowHM := now.Format("15:04")
	today := now.Format("2006-01-02")

	for _, t := range s.store.DueTasks(nowHM, today) {
		s.run(ctx, t, today, false)
	}
}

// run executes one task's command text and sends the reply back, prefixed
// with `[task:<id>:<trigger>]` (spec §4.7). manual runs bypass the
// last_run_date gate and do not update it.
func (s *Scheduler) run(ctx context.Context, t Task, today string, manual bool) {
	trigger := "scheduled"
	if manual {
		trigger = "manual"
	}

	reply, err := s.dispatch(ctx, t.CommandText)
	if err != nil {
		logs.CtxWarn(ctx, "[scheduler] task %s dispatch error: %v", t.ID, err)
	}
	if reply != "" {
		prefixed := fmt.Sprintf("[task:%s:%s] %s", t.ID, trigger, reply)
		if ok, sendErr := s.send(ctx, prefixed); sendErr != nil || !ok {
			logs.CtxWarn(ctx, "[scheduler] task %s send reply failed: %v", t.ID, sendErr)
		}
	}

	if !manual {
		t.LastRunDate = today
		s.store.Update(t)
		if err := s.store.Save(); err != nil {
			logs.CtxWarn(ctx, "[scheduler] persist after run %s: %v", t.ID, err)
		}
	}
}

// RunNow executes a task immediately, bypassing the daily gate (spec §4.7
// "Manual runs bypass the gating and do not update last_run_date").
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	t, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	s.run(ctx, t, time.Now().Format("2006-01-02"), true)
	return nil
}

// AddTask validates time_hm and appends a new task, persisting it (spec
// §8 round-trip property: add_task(t,c) -> list_tasks() contains it).
func (s *Scheduler) AddTask(timeHM, commandText, description string) (Task, error) {
	if !ValidTimeHM(timeHM) {
		return Task{}, fmt.Errorf("invalid time_hm %q, want HH:MM", timeHM)
	}
	t := Task{
		ID:          uuid.NewString(),
		TimeHM:      timeHM,
		CommandText: commandText,
		Enabled:     true,
		Description: description,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Add(t); err != nil {
		return Task{}, err
	}
	return t, s.store.Save()
}

// DeleteTask removes a task by id and persists the change.
func (s *Scheduler) DeleteTask(id string) error {
	s.store.Remove(id)
	return s.store.Save()
}

// SetEnabled toggles a task's enabled flag.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	t, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	t.Enabled = enabled
	s.store.Update(t)
	return s.store.Save()
}

func (s *Scheduler) ListTasks() []Task {
	return s.store.List()
}

func (s *Scheduler) GetTask(id string) (Task, bool) {
	return s.store.Get(id)
}
