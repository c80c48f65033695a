// Package security – approval.go implements the rendezvous between a caller
// waiting on a risky command and an out-of-band approver. Each request gets a
// buffered result channel and an armed timeout timer; approve and reject are
// mutually exclusive, whichever resolves first wins.
package security

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultApprovalTimeout is used when a request does not specify one.
const DefaultApprovalTimeout = 5 * time.Minute

// ApprovalRequest is the public view of a pending request.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	Command     string    `json:"command"`
	Tier        Tier      `json:"tier"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	RequesterID string    `json:"requester_id"`
}

// ApprovalDecision is delivered to the requester when a request resolves.
type ApprovalDecision struct {
	Approved   bool      `json:"approved"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type pendingApproval struct {
	request ApprovalRequest
	result  chan approvalOutcome
	timer   *time.Timer
}

type approvalOutcome struct {
	decision ApprovalDecision
	err      error
}

// ApprovalWaiter coordinates pending requests with approvers.
type ApprovalWaiter struct {
	pending map[string]*pendingApproval
	timeout time.Duration
	mu      sync.Mutex
	logger  *slog.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// NewApprovalWaiter creates a waiter with the given default timeout.
func NewApprovalWaiter(timeout time.Duration, logger *slog.Logger) *ApprovalWaiter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &ApprovalWaiter{
		pending: make(map[string]*pendingApproval),
		timeout: timeout,
		logger:  logger.With("component", "approval_waiter"),
		now:     time.Now,
	}
}

// Create registers a pending request and arms its timeout timer. The caller
// then blocks on Wait. Split from Wait so the gateway can publish the id to
// approvers before blocking.
func (w *ApprovalWaiter) Create(command string, tier Tier, reason, requesterID string, timeout time.Duration) *ApprovalRequest {
	if timeout <= 0 {
		timeout = w.timeout
	}
	now := w.now()

	pa := &pendingApproval{
		request: ApprovalRequest{
			ID:          uuid.New().String(),
			Command:     command,
			Tier:        tier,
			Reason:      reason,
			CreatedAt:   now,
			ExpiresAt:   now.Add(timeout),
			RequesterID: requesterID,
		},
		result: make(chan approvalOutcome, 1),
	}
	pa.timer = time.AfterFunc(timeout, func() { w.expire(pa.request.ID) })

	w.mu.Lock()
	w.pending[pa.request.ID] = pa
	w.mu.Unlock()

	w.logger.Info("approval requested",
		"id", pa.request.ID,
		"tier", string(tier),
		"requester", requesterID,
	)
	req := pa.request
	return &req
}

// Wait blocks until the request resolves. Returns the decision on approval,
// ErrApprovalRejected on rejection, ErrApprovalTimeout on expiry.
func (w *ApprovalWaiter) Wait(id string) (ApprovalDecision, error) {
	w.mu.Lock()
	pa, ok := w.pending[id]
	w.mu.Unlock()
	if !ok {
		return ApprovalDecision{}, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}

	outcome := <-pa.result
	return outcome.decision, outcome.err
}

// Request is the one-call form: create, then block until resolution.
func (w *ApprovalWaiter) Request(command string, tier Tier, reason, requesterID string, timeout time.Duration) (ApprovalDecision, error) {
	req := w.Create(command, tier, reason, requesterID, timeout)
	return w.Wait(req.ID)
}

// Approve resolves a pending request in favor of execution. Unknown ids
// (including already-resolved requests) fail with ErrNotFound.
func (w *ApprovalWaiter) Approve(id, approvedBy string) error {
	pa, err := w.take(id)
	if err != nil {
		return err
	}
	pa.result <- approvalOutcome{decision: ApprovalDecision{
		Approved:   true,
		ApprovedBy: approvedBy,
		Timestamp:  w.now(),
	}}
	w.logger.Info("approval granted", "id", id, "by", approvedBy)
	return nil
}

// Reject resolves a pending request against execution.
func (w *ApprovalWaiter) Reject(id, reason string) error {
	pa, err := w.take(id)
	if err != nil {
		return err
	}
	pa.result <- approvalOutcome{
		decision: ApprovalDecision{Reason: reason, Timestamp: w.now()},
		err:      fmt.Errorf("approval %s: %w", id, ErrApprovalRejected),
	}
	w.logger.Info("approval rejected", "id", id, "reason", reason)
	return nil
}

// ListPending returns pending requests sorted by creation time descending.
func (w *ApprovalWaiter) ListPending() []ApprovalRequest {
	w.mu.Lock()
	out := make([]ApprovalRequest, 0, len(w.pending))
	for _, pa := range w.pending {
		out = append(out, pa.request)
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CleanupExpired sweeps entries past their expiry. Defensive: the per-request
// timer is the primary expiry mechanism; this catches timers lost to clock
// adjustments. Returns the number of requests expired.
func (w *ApprovalWaiter) CleanupExpired() int {
	now := w.now()

	w.mu.Lock()
	var expired []string
	for id, pa := range w.pending {
		if now.After(pa.request.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	w.mu.Unlock()

	for _, id := range expired {
		w.expire(id)
	}
	return len(expired)
}

// take removes a pending entry and cancels its timer. The caller delivers
// the outcome on the returned entry's channel.
func (w *ApprovalWaiter) take(id string) (*pendingApproval, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pa, ok := w.pending[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	pa.timer.Stop()
	delete(w.pending, id)
	return pa, nil
}

// expire resolves a request with a timeout error. No-op when the request was
// already resolved.
func (w *ApprovalWaiter) expire(id string) {
	w.mu.Lock()
	pa, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	pa.result <- approvalOutcome{err: fmt.Errorf("approval %s: %w", id, ErrApprovalTimeout)}
	w.logger.Warn("approval timed out", "id", id, "command", pa.request.Command)
}
