// Package security – audit_sqlite.go provides a SQLite-backed audit sink.
// The in-memory ring stays the source of truth for queries and stats; the
// sink gives operators a durable record that survives restarts and is
// auto-pruned after 30 days.
package security

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// auditRetentionDays is how long sink rows are kept before auto-prune.
const auditRetentionDays = 30

// SQLiteAuditSink writes audit entries to the audit_log table.
type SQLiteAuditSink struct {
	db     *sql.DB
	logger *slog.Logger

	pruneOnce sync.Once
}

// OpenSQLiteAuditSink opens (creating if needed) the audit database at path.
func OpenSQLiteAuditSink(path string, logger *slog.Logger) (*SQLiteAuditSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}
	s := &SQLiteAuditSink{db: db, logger: logger.With("component", "audit_sqlite")}
	go s.autoPrune()
	return s, nil
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	channel_id       TEXT,
	command          TEXT NOT NULL,
	tier             TEXT NOT NULL,
	action           TEXT NOT NULL,
	reason           TEXT,
	approved         INTEGER,
	approved_by      TEXT,
	executed_at      TEXT,
	output           TEXT,
	error            TEXT,
	secrets_found    INTEGER NOT NULL DEFAULT 0,
	secrets_redacted INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_log_id ON audit_log(id);
CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id, created_at);
`

// Record upserts the entry keyed by its audit id. The latest state wins; the
// in-memory ring calls Record on every create and update.
func (s *SQLiteAuditSink) Record(entry *AuditEntry) {
	var approved any
	if entry.Approved != nil {
		if *entry.Approved {
			approved = 1
		} else {
			approved = 0
		}
	}
	var executedAt any
	if entry.ExecutedAt != nil {
		executedAt = entry.ExecutedAt.UTC().Format(time.RFC3339)
	}

	output := entry.Output
	if len(output) > 500 {
		output = output[:500] + "...[truncated]"
	}
	redacted := 0
	if entry.SecretsRedacted {
		redacted = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, created_at, user_id, channel_id, command, tier, action, reason,
			approved, approved_by, executed_at, output, error, secrets_found, secrets_redacted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		entry.ID, entry.CreatedAt.UTC().Format(time.RFC3339), entry.UserID, entry.ChannelID,
		entry.Command, string(entry.Tier), string(entry.Action), entry.Reason,
		approved, entry.ApprovedBy, executedAt, output, entry.Error,
		len(entry.SecretsFound), redacted,
	)
	if err != nil {
		s.logger.Warn("failed to write audit row", "id", entry.ID, "err", err)
		return
	}
	// Updates come through as the same id; refresh the mutable columns.
	_, err = s.db.Exec(`
		UPDATE audit_log SET approved = ?, approved_by = ?, executed_at = ?, output = ?,
			error = ?, secrets_found = ?, secrets_redacted = ?
		WHERE id = ?`,
		approved, entry.ApprovedBy, executedAt, output, entry.Error,
		len(entry.SecretsFound), redacted, entry.ID,
	)
	if err != nil {
		s.logger.Warn("failed to update audit row", "id", entry.ID, "err", err)
	}
}

// Recent returns the last n entries as formatted lines, newest first.
func (s *SQLiteAuditSink) Recent(n int) []string {
	rows, err := s.db.Query(`
		SELECT created_at, user_id, command, tier, action, reason
		FROM audit_log
		ORDER BY seq DESC
		LIMIT ?`, n)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var createdAt, userID, command, tier, action, reason string
		if err := rows.Scan(&createdAt, &userID, &command, &tier, &action, &reason); err != nil {
			continue
		}
		if len(command) > 60 {
			command = command[:60] + "..."
		}
		out = append(out, fmt.Sprintf("[%s] user=%s %s/%s %q %s",
			createdAt, userID, tier, action, command, reason))
	}
	return out
}

// Count returns the total number of stored rows.
func (s *SQLiteAuditSink) Count() int {
	var count int
	_ = s.db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count)
	return count
}

// CountByAction returns row counts grouped by action.
func (s *SQLiteAuditSink) CountByAction() map[string]int {
	rows, err := s.db.Query("SELECT action, COUNT(*) FROM audit_log GROUP BY action")
	if err != nil {
		return nil
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			continue
		}
		out[strings.ToLower(action)] = count
	}
	return out
}

// Close closes the underlying database.
func (s *SQLiteAuditSink) Close() error {
	return s.db.Close()
}

// autoPrune deletes rows older than the retention window.
func (s *SQLiteAuditSink) autoPrune() {
	s.pruneOnce.Do(func() {
		cutoff := time.Now().AddDate(0, 0, -auditRetentionDays).UTC().Format(time.RFC3339)
		result, err := s.db.Exec("DELETE FROM audit_log WHERE created_at < ?", cutoff)
		if err != nil {
			s.logger.Warn("audit prune failed", "err", err)
			return
		}
		if n, _ := result.RowsAffected(); n > 0 {
			s.logger.Info("audit log pruned", "removed", n)
		}
	})
}
