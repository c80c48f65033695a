// Package security – audit.go keeps the in-process audit log: a newest-first
// ring bounded at 10,000 entries, with query filters and derived statistics.
// Overflow evicts the oldest entry and never blocks the producer. An optional
// sink receives every create/update for durable storage.
package security

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxAuditEntries bounds the in-memory ring.
const MaxAuditEntries = 10000

// maxAuditOutputBytes caps the output stored on an entry.
const maxAuditOutputBytes = 4096

// AuditSink receives entries for durable storage. Implementations must be
// safe for concurrent use; failures are logged, never propagated.
type AuditSink interface {
	Record(entry *AuditEntry)
}

// AuditPatch carries the fields Update may change on an entry.
type AuditPatch struct {
	Approved        *bool
	ApprovedBy      string
	ApprovedAt      *time.Time
	ExecutedAt      *time.Time
	Output          *string
	Error           string
	SecretsFound    []SecretMatch
	SecretsRedacted *bool
}

// AuditQuery filters Query results. Filters apply in declared order.
type AuditQuery struct {
	Tier   Tier
	Action Action
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// AuditStats are derived from the log's current contents.
type AuditStats struct {
	Total        int            `json:"total"`
	ByTier       map[Tier]int   `json:"by_tier"`
	ByAction     map[Action]int `json:"by_action"`
	ApprovalRate float64        `json:"approval_rate"`
	LastUpdate   time.Time      `json:"last_update"`
}

// AuditLog is the in-memory newest-first ring.
type AuditLog struct {
	entries []*AuditEntry // index 0 is newest
	byID    map[string]*AuditEntry
	sink    AuditSink
	mu      sync.Mutex
	logger  *slog.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// NewAuditLog creates an empty log. sink may be nil.
func NewAuditLog(sink AuditSink, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{
		byID:   make(map[string]*AuditEntry),
		sink:   sink,
		logger: logger.With("component", "audit_log"),
		now:    time.Now,
	}
}

// Create inserts a new entry at the head of the ring, evicting the oldest
// entry when the ring is full.
func (a *AuditLog) Create(command string, tier Tier, action Action, reason, userID, channelID string) *AuditEntry {
	entry := &AuditEntry{
		ID:        uuid.New().String(),
		CreatedAt: a.now(),
		UserID:    userID,
		ChannelID: channelID,
		Command:   command,
		Tier:      tier,
		Action:    action,
		Reason:    reason,
	}

	a.mu.Lock()
	a.entries = append([]*AuditEntry{entry}, a.entries...)
	a.byID[entry.ID] = entry
	if len(a.entries) > MaxAuditEntries {
		evicted := a.entries[len(a.entries)-1]
		a.entries = a.entries[:len(a.entries)-1]
		delete(a.byID, evicted.ID)
	}
	a.mu.Unlock()

	if a.sink != nil {
		a.sink.Record(entry)
	}
	return entry
}

// Update mutates an entry in place. Output is truncated to 4,096 bytes.
// Unknown ids fail with ErrNotFound.
func (a *AuditLog) Update(id string, patch AuditPatch) (*AuditEntry, error) {
	a.mu.Lock()
	entry, ok := a.byID[id]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("audit entry %s: %w", id, ErrNotFound)
	}

	if patch.Approved != nil {
		entry.Approved = patch.Approved
	}
	if patch.ApprovedBy != "" {
		entry.ApprovedBy = patch.ApprovedBy
	}
	if patch.ApprovedAt != nil {
		entry.ApprovedAt = patch.ApprovedAt
	}
	if patch.ExecutedAt != nil {
		entry.ExecutedAt = patch.ExecutedAt
	}
	if patch.Output != nil {
		out := *patch.Output
		if len(out) > maxAuditOutputBytes {
			out = out[:maxAuditOutputBytes]
		}
		entry.Output = out
	}
	if patch.Error != "" {
		entry.Error = patch.Error
	}
	if patch.SecretsFound != nil {
		entry.SecretsFound = patch.SecretsFound
	}
	if patch.SecretsRedacted != nil {
		entry.SecretsRedacted = *patch.SecretsRedacted
	}
	a.mu.Unlock()

	if a.sink != nil {
		a.sink.Record(entry)
	}
	return entry, nil
}

// Get returns an entry by id.
func (a *AuditLog) Get(id string) (*AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.byID[id]
	if !ok {
		return nil, fmt.Errorf("audit entry %s: %w", id, ErrNotFound)
	}
	return entry, nil
}

// Query returns entries newest-first, filtered by user then by the query's
// tier, action and time range, then paginated. Limit defaults to 50.
func (a *AuditLog) Query(userID string, q AuditQuery) []*AuditEntry {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var filtered []*AuditEntry
	for _, e := range a.entries {
		if userID != "" && e.UserID != userID {
			continue
		}
		if q.Tier != "" && e.Tier != q.Tier {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.CreatedAt.After(q.To) {
			continue
		}
		filtered = append(filtered, e)
	}

	if q.Offset >= len(filtered) {
		return nil
	}
	filtered = filtered[q.Offset:]
	if len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered
}

// Count returns the number of entries matching the user filter.
func (a *AuditLog) Count(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if userID == "" {
		return len(a.entries)
	}
	n := 0
	for _, e := range a.entries {
		if e.UserID == userID {
			n++
		}
	}
	return n
}

// Stats derives counts and the approval rate over the last N days.
// approval_rate is approved asks over total asks (0 when none).
func (a *AuditLog) Stats(userID string, days int) AuditStats {
	if days <= 0 {
		days = 7
	}
	cutoff := a.now().AddDate(0, 0, -days)

	a.mu.Lock()
	defer a.mu.Unlock()

	stats := AuditStats{
		ByTier:     make(map[Tier]int),
		ByAction:   make(map[Action]int),
		LastUpdate: a.now(),
	}

	totalAsk, approvedAsk := 0, 0
	for _, e := range a.entries {
		if userID != "" && e.UserID != userID {
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByTier[e.Tier]++
		stats.ByAction[e.Action]++
		if e.Action == ActionAsk {
			totalAsk++
			if e.Approved != nil && *e.Approved {
				approvedAsk++
			}
		}
	}
	if totalAsk > 0 {
		stats.ApprovalRate = float64(approvedAsk) / float64(totalAsk)
	}
	return stats
}
