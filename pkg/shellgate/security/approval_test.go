package security

import (
	"errors"
	"testing"
	"time"
)

func TestApprovalWaiter_Approve(t *testing.T) {
	w := NewApprovalWaiter(time.Minute, testLogger())

	req := w.Create("sudo deploy", TierYellow, "needs approval", "u1", 0)

	done := make(chan struct{})
	var decision ApprovalDecision
	var waitErr error
	go func() {
		decision, waitErr = w.Wait(req.ID)
		close(done)
	}()

	// Give the waiter a moment to block, then resolve.
	time.Sleep(10 * time.Millisecond)
	if err := w.Approve(req.ID, "admin"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	<-done
	if waitErr != nil {
		t.Fatalf("wait returned error: %v", waitErr)
	}
	if !decision.Approved || decision.ApprovedBy != "admin" {
		t.Errorf("unexpected decision: %+v", decision)
	}
}

func TestApprovalWaiter_Reject(t *testing.T) {
	w := NewApprovalWaiter(time.Minute, testLogger())

	req := w.Create("rm -rf /tmp/x", TierRed, "risky", "u1", 0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = w.Reject(req.ID, "not today")
	}()

	_, err := w.Wait(req.ID)
	if !errors.Is(err, ErrApprovalRejected) {
		t.Errorf("expected ErrApprovalRejected, got %v", err)
	}
}

func TestApprovalWaiter_Timeout(t *testing.T) {
	w := NewApprovalWaiter(time.Minute, testLogger())

	_, err := w.Request("sudo x", TierYellow, "approval", "u1", 50*time.Millisecond)
	if !errors.Is(err, ErrApprovalTimeout) {
		t.Errorf("expected ErrApprovalTimeout, got %v", err)
	}
	if n := len(w.ListPending()); n != 0 {
		t.Errorf("timed out request must be removed, %d pending", n)
	}
}

func TestApprovalWaiter_ApproveRejectMutuallyExclusive(t *testing.T) {
	w := NewApprovalWaiter(time.Minute, testLogger())

	req := w.Create("sudo x", TierYellow, "approval", "u1", 0)
	if err := w.Approve(req.ID, "admin"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if err := w.Reject(req.ID, "too late"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second resolution must fail with ErrNotFound, got %v", err)
	}
	if err := w.Approve(req.ID, "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double approve must fail with ErrNotFound, got %v", err)
	}
}

func TestApprovalWaiter_UnknownID(t *testing.T) {
	w := NewApprovalWaiter(time.Minute, testLogger())

	if err := w.Approve("nope", "admin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := w.Wait("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApprovalWaiter_ListPendingNewestFirst(t *testing.T) {
	w := NewApprovalWaiter(time.Minute, testLogger())

	base := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	now := base
	w.now = func() time.Time { return now }

	w.Create("one", TierYellow, "r", "u1", 0)
	now = base.Add(time.Second)
	w.Create("two", TierYellow, "r", "u1", 0)
	now = base.Add(2 * time.Second)
	w.Create("three", TierYellow, "r", "u1", 0)

	pending := w.ListPending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].Command != "three" || pending[2].Command != "one" {
		t.Errorf("pending not sorted newest-first: %v", []string{
			pending[0].Command, pending[1].Command, pending[2].Command})
	}
}

func TestApprovalWaiter_CleanupExpired(t *testing.T) {
	w := NewApprovalWaiter(time.Minute, testLogger())

	base := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	now := base
	w.now = func() time.Time { return now }

	req := w.Create("sudo x", TierYellow, "r", "u1", time.Minute)

	// Jump past expiry without letting the timer fire.
	now = base.Add(2 * time.Minute)
	if n := w.CleanupExpired(); n != 1 {
		t.Errorf("cleanup expired %d, want 1", n)
	}

	if _, err := w.Wait(req.ID); !errors.Is(err, ErrNotFound) {
		// The sweep already resolved it; Wait on the removed id fails.
		t.Errorf("expected ErrNotFound after sweep, got %v", err)
	}
}
