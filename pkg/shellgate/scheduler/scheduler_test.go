package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func testJob(id string) *Job {
	now := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	return &Job{
		ID:             id,
		UserID:         "u1",
		Name:           "test-" + id,
		CronExpression: "*/5 * * * *",
		Command:        "echo hello",
		ChannelID:      "c1",
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
		Timezone:       "UTC",
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *FileJobStore) {
	t.Helper()
	store, err := NewFileJobStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(store, DefaultConfig(), testLogger()), store
}

func TestJob_SerializeRoundTrip(t *testing.T) {
	job := testJob("rt")
	last := time.Date(2026, 3, 4, 7, 55, 0, 0, time.UTC)
	job.LastExecutedAt = &last
	job.ExecutionCount = 3
	job.LastError = "previous failure"

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "2026-03-04T07:55:00Z") {
		t.Errorf("timestamps must serialize as ISO-8601: %s", data)
	}

	var back Job
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != job.ID || back.CronExpression != job.CronExpression ||
		back.ExecutionCount != job.ExecutionCount || back.LastError != job.LastError {
		t.Errorf("round trip mismatch: %+v vs %+v", back, job)
	}
	if !back.LastExecutedAt.Equal(*job.LastExecutedAt) {
		t.Error("last_executed_at must survive the round trip")
	}
}

func TestFileJobStore_Layout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileJobStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	job := testJob("layout-1")
	if err := store.Save(job); err != nil {
		t.Fatal(err)
	}

	// The on-disk layout is stable: cron/jobs/{id}.json.
	path := dir + "/cron/jobs/layout-1.json"
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected job file at %s: %v", path, err)
	}

	// A fresh store over the same dir warms its cache from disk.
	store2, err := NewFileJobStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := store2.Load("layout-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Command != "echo hello" {
		t.Errorf("loaded command = %q", loaded.Command)
	}
}

func TestFileJobStore_Delete(t *testing.T) {
	store, err := NewFileJobStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(testJob("gone")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("gone"); err == nil {
		t.Error("deleted job must not load")
	}
}

func TestScheduler_InvalidExpressionPersistsError(t *testing.T) {
	s, store := newTestScheduler(t)

	job := testJob("bad")
	job.CronExpression = "not a cron"
	if err := store.Save(job); err != nil {
		t.Fatal(err)
	}
	s.Schedule(job)

	if s.ScheduledCount() != 0 {
		t.Error("invalid expression must not schedule")
	}
	saved, err := store.Load("bad")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(saved.LastError, "invalid cron expression") {
		t.Errorf("last_error = %q", saved.LastError)
	}
}

func TestScheduler_ScheduleArmsNext(t *testing.T) {
	s, _ := newTestScheduler(t)

	job := testJob("armed")
	s.Schedule(job)
	defer s.Stop()

	next, ok := s.NextExecution("armed")
	if !ok {
		t.Fatal("job should be scheduled")
	}
	if !next.After(time.Now()) {
		t.Errorf("next execution %v must be in the future", next)
	}
	if job.NextExecutionAt == nil || !job.NextExecutionAt.Equal(next) {
		t.Error("next_execution_at must be persisted on the job")
	}
}

func TestScheduler_DisabledJobIgnored(t *testing.T) {
	s, _ := newTestScheduler(t)

	job := testJob("off")
	job.Enabled = false
	s.Schedule(job)

	if s.ScheduledCount() != 0 {
		t.Error("disabled jobs must not be scheduled")
	}
}

func TestScheduler_Unschedule(t *testing.T) {
	s, _ := newTestScheduler(t)
	defer s.Stop()

	s.Schedule(testJob("a"))
	s.Schedule(testJob("b"))
	s.Unschedule("a")
	if s.ScheduledCount() != 1 {
		t.Errorf("scheduled = %d, want 1", s.ScheduledCount())
	}
	s.UnscheduleAll()
	if s.ScheduledCount() != 0 {
		t.Errorf("scheduled after unschedule_all = %d", s.ScheduledCount())
	}
}

func TestScheduler_TimezoneParsing(t *testing.T) {
	s, _ := newTestScheduler(t)

	job := testJob("tz")
	job.CronExpression = "0 9 * * *"
	job.Timezone = "America/Sao_Paulo"

	after := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	next, err := s.nextExecution(job, after)
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	if next.In(loc).Hour() != 9 {
		t.Errorf("next fire should be 09:00 local, got %v", next.In(loc))
	}

	job.Timezone = "Not/AZone"
	if _, err := s.nextExecution(job, after); err == nil {
		t.Error("invalid timezone must fail parsing")
	}
}

func TestScheduler_DispatchWhitelist(t *testing.T) {
	s, _ := newTestScheduler(t)

	job := testJob("wl")
	job.Command = "echo scheduled run"
	out, err := s.dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("whitelisted echo failed: %v", err)
	}
	if !strings.Contains(out, "scheduled run") {
		t.Errorf("output = %q", out)
	}

	job.Command = "rm -rf /tmp/x"
	if _, err := s.dispatch(context.Background(), job); err == nil ||
		!strings.Contains(err.Error(), "command not allowed") {
		t.Errorf("non-whitelisted command must fail, got %v", err)
	}
}

func TestScheduler_DispatchAgent(t *testing.T) {
	s, _ := newTestScheduler(t)

	job := testJob("ag")
	job.Command = "agent:summarize inbox"

	if _, err := s.dispatch(context.Background(), job); err == nil {
		t.Error("agent command without a runner must fail")
	}

	s.SetAgentRunner(func(_ context.Context, userID, channelID, command string) (string, error) {
		if userID != "u1" || channelID != "c1" || command != "summarize inbox" {
			t.Errorf("runner got %q/%q/%q", userID, channelID, command)
		}
		return "summary ready", nil
	})
	out, err := s.dispatch(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if out != "summary ready" {
		t.Errorf("output = %q", out)
	}
}

func TestScheduler_ExecuteSuccessBookkeeping(t *testing.T) {
	s, store := newTestScheduler(t)
	defer s.Stop()

	job := testJob("ok")
	job.FailureCount = 2
	job.LastError = "stale"
	if err := store.Save(job); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	s.activeExecutions++
	s.mu.Unlock()
	s.execute(job)

	saved, err := store.Load("ok")
	if err != nil {
		t.Fatal(err)
	}
	if saved.ExecutionCount != 1 {
		t.Errorf("execution_count = %d, want 1", saved.ExecutionCount)
	}
	if saved.LastError != "" || saved.FailureCount != 0 {
		t.Errorf("success must clear failure state: %+v", saved)
	}
	if saved.LastExecutedAt == nil {
		t.Error("last_executed_at must be stamped")
	}
	if s.ActiveExecutions() != 0 {
		t.Error("active_executions must be released")
	}
}

func TestScheduler_ExecuteFailureRetries(t *testing.T) {
	s, store := newTestScheduler(t)
	defer s.Stop()

	s.SetAgentRunner(func(context.Context, string, string, string) (string, error) {
		return "", errors.New("agent unavailable")
	})

	job := testJob("fail")
	job.Command = "agent:do the thing"
	if err := store.Save(job); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	s.activeExecutions++
	s.mu.Unlock()
	s.execute(job)

	saved, err := store.Load("fail")
	if err != nil {
		t.Fatal(err)
	}
	if saved.FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", saved.FailureCount)
	}
	if !strings.Contains(saved.LastError, "agent unavailable") {
		t.Errorf("last_error = %q", saved.LastError)
	}
	if saved.ExecutionCount != 0 {
		t.Error("failed run must not count as an execution")
	}

	// Retry was armed (backoff), not dropped.
	if _, ok := s.NextExecution("fail"); !ok {
		t.Error("failed job must be re-armed for retry")
	}
	if s.ActiveExecutions() != 0 {
		t.Error("active_executions must be released on failure")
	}
}

func TestScheduler_CapacityRequeues(t *testing.T) {
	store, err := NewFileJobStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New(store, Config{MaxConcurrent: 1}, testLogger())
	defer s.Stop()

	job := testJob("q")
	if err := store.Save(job); err != nil {
		t.Fatal(err)
	}

	// Saturate capacity, then fire: the job must be re-armed, not dropped.
	s.mu.Lock()
	s.activeExecutions = 1
	s.mu.Unlock()
	s.fire("q")

	if _, ok := s.NextExecution("q"); !ok {
		t.Error("over-capacity fire must requeue the job")
	}
	if got := s.ActiveExecutions(); got != 1 {
		t.Errorf("active executions = %d, want untouched 1", got)
	}
}
