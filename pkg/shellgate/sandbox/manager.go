// Package sandbox – manager.go implements the per-user lifecycle. State per
// user moves through none → creating → active → hibernated/terminated.
// Creation is single-flight: concurrent callers for the same user share one
// provider create. Idle timers carry a generation counter so a stale timer
// can never fire after terminate or a newer touch.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type userState int

const (
	stateCreating userState = iota
	stateActive
)

// userSandbox is the manager's per-user entry. Entries exist only while
// creating or active; hibernated and terminated users have no entry.
type userSandbox struct {
	state          userState
	instance       Instance
	createdAt      time.Time
	lastActivityAt time.Time

	// created is closed when an in-flight creation finishes; createErr then
	// holds its outcome.
	created   chan struct{}
	createErr error

	// idleGen invalidates armed idle timers. A timer only acts when its
	// captured generation still matches.
	idleGen uint64
	timer   *time.Timer
}

// Manager owns every user's sandbox.
type Manager struct {
	provider Provider
	cfg      Config
	users    map[string]*userSandbox
	mu       sync.Mutex
	logger   *slog.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// NewManager creates a manager over the given provider.
func NewManager(provider Provider, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 50 * time.Minute
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	return &Manager{
		provider: provider,
		cfg:      cfg,
		users:    make(map[string]*userSandbox),
		logger:   logger.With("component", "sandbox_manager"),
		now:      time.Now,
	}
}

// GetOrCreate returns the user's active sandbox, creating one if needed.
// An active sandbox is touched and its idle timer reset. Concurrent calls
// during creation wait for the single in-flight provider create.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (Instance, error) {
	for {
		m.mu.Lock()
		entry, ok := m.users[userID]

		if ok && entry.state == stateActive {
			m.touchLocked(userID, entry)
			inst := entry.instance
			m.mu.Unlock()
			return inst, nil
		}

		if ok && entry.state == stateCreating {
			done := entry.created
			m.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// Re-check: creation may have failed, or the sandbox may already
			// have been terminated by another caller.
			waited := entry
			m.mu.Lock()
			entry, ok = m.users[userID]
			if ok && entry.state == stateActive {
				m.touchLocked(userID, entry)
				inst := entry.instance
				m.mu.Unlock()
				return inst, nil
			}
			if ok && entry.state == stateCreating {
				m.mu.Unlock()
				continue
			}
			m.mu.Unlock()
			if waited.createErr != nil {
				return nil, waited.createErr
			}
			continue
		}

		// No entry: this caller performs the creation.
		if m.provider == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("no sandbox provider configured")
		}
		entry = &userSandbox{
			state:   stateCreating,
			created: make(chan struct{}),
		}
		m.users[userID] = entry
		m.mu.Unlock()

		instance, err := m.provider.Create(ctx, userID)

		m.mu.Lock()
		if err != nil {
			entry.createErr = fmt.Errorf("sandbox create for %s: %w", userID, err)
			delete(m.users, userID)
			close(entry.created)
			m.mu.Unlock()
			m.logger.Error("sandbox creation failed", "user", userID, "error", err)
			return nil, entry.createErr
		}

		now := m.now()
		entry.state = stateActive
		entry.instance = instance
		entry.createdAt = now
		entry.lastActivityAt = now
		m.armIdleTimerLocked(userID, entry)
		close(entry.created)
		m.mu.Unlock()

		m.logger.Info("sandbox created", "user", userID, "sandbox", instance.ID())
		return instance, nil
	}
}

// Execute runs a command in the user's sandbox, creating it if needed.
// Failures come back as a structured result, never an error.
func (m *Manager) Execute(ctx context.Context, userID, command string) ExecResult {
	instance, err := m.GetOrCreate(ctx, userID)
	if err != nil {
		return ExecResult{Success: false, ExitCode: 1, ErrorMessage: err.Error()}
	}

	m.mu.Lock()
	if entry, ok := m.users[userID]; ok && entry.state == stateActive {
		m.touchLocked(userID, entry)
	}
	m.mu.Unlock()

	res, err := instance.Run(ctx, command, m.cfg.ExecTimeout)
	if err != nil {
		return ExecResult{Success: false, ExitCode: 1, ErrorMessage: err.Error()}
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += "\n" + res.Stderr
	}
	return ExecResult{
		Success:  res.ExitCode == 0,
		Output:   output,
		ExitCode: res.ExitCode,
	}
}

// Hibernate pauses the user's sandbox and drops the active mapping. Pause is
// best-effort: on failure the sandbox is killed instead, ignoring errors.
func (m *Manager) Hibernate(ctx context.Context, userID string) {
	instance := m.detach(userID)
	if instance == nil {
		return
	}

	if err := instance.Pause(ctx); err != nil {
		m.logger.Warn("sandbox pause failed, killing", "user", userID, "error", err)
		_ = instance.Kill(ctx)
	}
	m.logger.Info("sandbox hibernated", "user", userID, "sandbox", instance.ID())
}

// Terminate kills the user's sandbox, best-effort, and drops the mapping.
func (m *Manager) Terminate(ctx context.Context, userID string) {
	instance := m.detach(userID)
	if instance == nil {
		return
	}

	if err := instance.Kill(ctx); err != nil {
		m.logger.Warn("sandbox kill failed", "user", userID, "error", err)
	}
	m.logger.Info("sandbox terminated", "user", userID, "sandbox", instance.ID())
}

// TerminateAll terminates every active sandbox concurrently and waits for
// all of them.
func (m *Manager) TerminateAll(ctx context.Context) {
	m.mu.Lock()
	users := make([]string, 0, len(m.users))
	for userID := range m.users {
		users = append(users, userID)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, userID := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			m.Terminate(ctx, u)
		}(userID)
	}
	wg.Wait()
}

// Status returns a snapshot of the user's sandbox state.
func (m *Manager) Status(userID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.users[userID]
	if !ok || entry.state != stateActive {
		return Status{Active: false}
	}

	createdAt := entry.createdAt
	lastActivity := entry.lastActivityAt
	return Status{
		Active:         true,
		SandboxID:      entry.instance.ID(),
		CreatedAt:      &createdAt,
		LastActivityAt: &lastActivity,
		UptimeMS:       m.now().Sub(createdAt).Milliseconds(),
	}
}

// ActiveUsers returns the users with an active sandbox.
func (m *Manager) ActiveUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for userID, entry := range m.users {
		if entry.state == stateActive {
			out = append(out, userID)
		}
	}
	return out
}

// ---------- Internal ----------

// detach removes the user's active entry, invalidating its idle timer, and
// returns the instance to act on. Nil when the user has no active sandbox.
func (m *Manager) detach(userID string) Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.users[userID]
	if !ok || entry.state != stateActive {
		return nil
	}
	entry.idleGen++
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(m.users, userID)
	return entry.instance
}

// touchLocked updates activity time and re-arms the idle timer. Caller holds
// the manager lock. last_activity_at never moves backwards.
func (m *Manager) touchLocked(userID string, entry *userSandbox) {
	if now := m.now(); now.After(entry.lastActivityAt) {
		entry.lastActivityAt = now
	}
	m.armIdleTimerLocked(userID, entry)
}

// armIdleTimerLocked (re)arms the idle timer under the current generation.
// Caller holds the manager lock.
func (m *Manager) armIdleTimerLocked(userID string, entry *userSandbox) {
	entry.idleGen++
	gen := entry.idleGen
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(m.cfg.IdleTimeout, func() { m.idleFired(userID, gen) })
}

// idleFired hibernates the user if the firing timer's generation is still
// current. A stale generation means the sandbox was touched, hibernated or
// terminated since the timer was armed.
func (m *Manager) idleFired(userID string, gen uint64) {
	m.mu.Lock()
	entry, ok := m.users[userID]
	if !ok || entry.state != stateActive || entry.idleGen != gen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info("sandbox idle timeout", "user", userID)
	m.Hibernate(context.Background(), userID)
}
