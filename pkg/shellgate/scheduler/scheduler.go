// Package scheduler – scheduler.go drives job execution. Each scheduled job
// has its own timer armed for the next cron fire time. Execution is bounded
// by a concurrency cap (over-capacity fires re-arm immediately rather than
// drop), wrapped in a timeout, and retried with linear backoff on failure.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Defaults for the execution policy.
const (
	DefaultMaxConcurrent    = 5
	DefaultExecutionTimeout = 5 * time.Minute
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 30 * time.Second

	// maxHTTPBodyBytes truncates HTTP target responses.
	maxHTTPBodyBytes = 1000
)

// cronParser accepts the standard five-field expressions plus descriptors
// (@hourly, @every 5m, ...).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// AgentRunner executes agent: commands. Abstract: the host runtime supplies
// the implementation.
type AgentRunner func(ctx context.Context, userID, channelID, command string) (string, error)

// Config holds the scheduler's execution policy.
type Config struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

// DefaultConfig returns the default execution policy.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    DefaultMaxConcurrent,
		ExecutionTimeout: DefaultExecutionTimeout,
		MaxRetries:       DefaultMaxRetries,
		RetryBackoff:     DefaultRetryBackoff,
	}
}

type scheduledTask struct {
	timer *time.Timer
	next  time.Time
}

// Scheduler arms timers for persisted jobs and runs them.
type Scheduler struct {
	store  JobStore
	cfg    Config
	logger *slog.Logger

	tasks            map[string]*scheduledTask
	activeExecutions int
	mu               sync.Mutex

	httpClient  *http.Client
	agentRunner AgentRunner

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler over the given store.
func New(store JobStore, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		cfg:        cfg,
		logger:     logger.With("component", "cron_scheduler"),
		tasks:      make(map[string]*scheduledTask),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetAgentRunner registers the executor for agent: commands.
func (s *Scheduler) SetAgentRunner(r AgentRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentRunner = r
}

// Start schedules every enabled persisted job.
func (s *Scheduler) Start() error {
	jobs, err := s.store.LoadAll()
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}
	for _, job := range jobs {
		s.Schedule(job)
	}
	s.logger.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop cancels every timer and in-flight execution context.
func (s *Scheduler) Stop() {
	s.UnscheduleAll()
	s.cancel()
	s.logger.Info("scheduler stopped")
}

// Schedule arms a timer for the job's next fire time. Disabled jobs are
// ignored; an already scheduled job is unscheduled first. A cron expression
// that fails to parse is recorded on the job as last_error and the job is
// left unscheduled.
func (s *Scheduler) Schedule(job *Job) {
	if !job.Enabled {
		return
	}
	s.Unschedule(job.ID)

	next, err := s.nextExecution(job, time.Now())
	if err != nil {
		s.logger.Warn("invalid cron expression",
			"job", job.ID, "expression", job.CronExpression, "error", err)
		job.LastError = fmt.Sprintf("invalid cron expression: %v", err)
		job.UpdatedAt = time.Now()
		if serr := s.store.Save(job); serr != nil {
			s.logger.Error("failed to persist job", "job", job.ID, "error", serr)
		}
		return
	}

	s.armAt(job.ID, next)

	job.NextExecutionAt = &next
	if err := s.store.Save(job); err != nil {
		s.logger.Error("failed to persist job", "job", job.ID, "error", err)
	}
	s.logger.Info("job scheduled",
		"job", job.ID, "next", next.Format(time.RFC3339))
}

// Unschedule cancels the job's timer and removes the task entry.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[id]; ok {
		task.timer.Stop()
		delete(s.tasks, id)
	}
}

// UnscheduleAll clears every timer.
func (s *Scheduler) UnscheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, task := range s.tasks {
		task.timer.Stop()
		delete(s.tasks, id)
	}
}

// ScheduledCount returns the number of armed jobs.
func (s *Scheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// ActiveExecutions returns the number of in-flight executions.
func (s *Scheduler) ActiveExecutions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeExecutions
}

// NextExecution returns the armed fire time for a job, if scheduled.
func (s *Scheduler) NextExecution(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return task.next, true
}

// ---------- Internal ----------

// armAt arms the job's timer for the given time.
func (s *Scheduler) armAt(id string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[id]; ok {
		task.timer.Stop()
	}
	s.tasks[id] = &scheduledTask{
		next:  at,
		timer: time.AfterFunc(delay, func() { s.fire(id) }),
	}
}

// fire is the timer callback. Over the concurrency cap the job re-arms for
// immediate retry instead of executing, so nothing is dropped.
func (s *Scheduler) fire(id string) {
	if s.ctx.Err() != nil {
		return
	}
	job, err := s.store.Load(id)
	if err != nil {
		s.logger.Warn("fired job no longer exists", "job", id)
		s.Unschedule(id)
		return
	}
	if !job.Enabled {
		s.Unschedule(id)
		return
	}

	s.mu.Lock()
	if s.activeExecutions >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		s.logger.Warn("execution capacity reached, requeueing", "job", id)
		s.armAt(id, time.Now())
		return
	}
	s.activeExecutions++
	s.mu.Unlock()

	go s.execute(job)
}

// execute runs one job with a timeout, updates its bookkeeping, persists it
// and arms the next fire (retry backoff on failure, cron schedule otherwise).
// The active-execution slot is released on every path.
func (s *Scheduler) execute(job *Job) {
	defer func() {
		s.mu.Lock()
		s.activeExecutions--
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", job.ID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	s.logger.Info("executing job", "job", job.ID, "command", job.Command)
	output, err := s.dispatch(ctx, job)

	now := time.Now()
	job.UpdatedAt = now

	if err != nil {
		job.FailureCount++
		job.LastError = err.Error()
		s.logger.Error("job failed",
			"job", job.ID, "failures", job.FailureCount, "error", err)

		if job.FailureCount <= s.cfg.MaxRetries {
			retryAt := now.Add(s.cfg.RetryBackoff * time.Duration(job.FailureCount))
			job.NextExecutionAt = &retryAt
			s.persist(job)
			s.armAt(job.ID, retryAt)
			return
		}

		// Out of retries: fall back to the regular schedule.
		s.persist(job)
		s.rearmFromCron(job, now)
		return
	}

	job.LastExecutedAt = &now
	job.LastError = ""
	job.FailureCount = 0
	job.ExecutionCount++
	s.logger.Info("job completed", "job", job.ID, "output_len", len(output))

	s.persist(job)
	s.rearmFromCron(job, now)
}

// rearmFromCron schedules the next regular fire, advancing past the tick
// that just ran.
func (s *Scheduler) rearmFromCron(job *Job, after time.Time) {
	next, err := s.nextExecution(job, after)
	if err != nil {
		// Expression was valid at schedule time; treat as terminal.
		s.logger.Error("cannot compute next execution", "job", job.ID, "error", err)
		s.Unschedule(job.ID)
		return
	}
	job.NextExecutionAt = &next
	s.persist(job)
	s.armAt(job.ID, next)
}

// persist saves the job, logging failures instead of propagating them.
func (s *Scheduler) persist(job *Job) {
	if err := s.store.Save(job); err != nil {
		s.logger.Error("failed to persist job", "job", job.ID, "error", err)
	}
}

// nextExecution parses the job's cron expression in its timezone and returns
// the next fire after the given time.
func (s *Scheduler) nextExecution(job *Job, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(job.CronExpression)
	if err != nil {
		return time.Time{}, err
	}

	loc := time.UTC
	if job.Timezone != "" {
		loc, err = time.LoadLocation(job.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", job.Timezone, err)
		}
	}
	return schedule.Next(after.In(loc)), nil
}

// ---------- Command dispatch ----------

// shellWhitelist lists the only shell commands a cron job may run directly.
var shellWhitelist = []string{"echo", "date", "pwd", "whoami"}

// dispatch routes the job command by shape: http(s) URLs are fetched,
// agent: commands go to the agent runner, and everything else must match
// the shell whitelist.
func (s *Scheduler) dispatch(ctx context.Context, job *Job) (string, error) {
	cmd := strings.TrimSpace(job.Command)

	switch {
	case strings.HasPrefix(cmd, "http://"), strings.HasPrefix(cmd, "https://"):
		return s.fetchHTTP(ctx, cmd)

	case strings.HasPrefix(cmd, "agent:"):
		s.mu.Lock()
		runner := s.agentRunner
		s.mu.Unlock()
		if runner == nil {
			return "", fmt.Errorf("no agent runner configured")
		}
		return runner(ctx, job.UserID, job.ChannelID, strings.TrimPrefix(cmd, "agent:"))

	default:
		head := headWord(cmd)
		for _, allowed := range shellWhitelist {
			if head == allowed {
				return runWhitelistedShell(ctx, cmd)
			}
		}
		return "", fmt.Errorf("command not allowed: %s", head)
	}
}

// fetchHTTP GETs the URL and returns the body truncated to 1,000 bytes.
func (s *Scheduler) fetchHTTP(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return string(body), nil
}

// headWord returns the first whitespace-separated word.
func headWord(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
