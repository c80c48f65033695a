// Package security – errors.go defines the error taxonomy shared by the
// pipeline components and the RPC gateway. Dashboards match on the stable
// codes, so the mapping must not change between releases.
package security

import "errors"

var (
	// ErrInvalidParams means the caller supplied missing or malformed input.
	// Never retried.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrUnauthorized means the platform user is not permitted. Also applied
	// fail-safe when the authorization backend itself errors.
	ErrUnauthorized = errors.New("not authorized")

	// ErrRateLimited is transient; callers should retry after the window.
	ErrRateLimited = errors.New("rate limited")

	// ErrBlockedByPolicy means the command classified as block, or its output
	// contained secrets while detection mode is block.
	ErrBlockedByPolicy = errors.New("blocked by policy")

	// ErrApprovalTimeout means no approver resolved the request in time.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrApprovalRejected means an approver explicitly rejected the request.
	ErrApprovalRejected = errors.New("approval rejected")

	// ErrSandboxUnavailable means the provider create/exec/pause/kill failed.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrNotFound means an approval id, audit id or cron job id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInternal is uncategorized and always logged with the original error.
	ErrInternal = errors.New("internal error")
)

// ErrorCode maps an error to its stable wire code for the gateway.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBlockedByPolicy):
		return "blocked_by_policy"
	case errors.Is(err, ErrApprovalTimeout):
		return "approval_timeout"
	case errors.Is(err, ErrApprovalRejected):
		return "approval_rejected"
	case errors.Is(err, ErrSandboxUnavailable):
		return "sandbox_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
