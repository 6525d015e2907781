package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultAuditRetention is how long audit rows are kept before the
// cleanup pass removes them.
const DefaultAuditRetention = 365 * 24 * time.Hour

// AppendAudit writes one append-only audit row. Audit rows are never
// updated or individually deleted; only retention cleanup removes them.
func (s *Store) AppendAudit(e *AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	details, err := marshalJSON(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	res, err := s.db.Exec(rebind(s.dialect, `
		INSERT INTO audit_log (timestamp, action, entity_kind, entity_id, actor, source_ip, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.Timestamp, e.Action, e.EntityKind, e.EntityID, e.Actor, e.SourceIP, details)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	id, err := lastInsertID(s.dialect, s.db, res, "audit_log")
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// AuditFilter narrows ListAudit. Zero values mean "any".
type AuditFilter struct {
	Action     string
	EntityKind string
	EntityID   int64
	Since      time.Time
	Until      time.Time
	Limit      int
}

// ListAudit returns audit rows matching the filter, newest first.
func (s *Store) ListAudit(f AuditFilter) ([]*AuditEntry, error) {
	query := `
		SELECT id, timestamp, action, entity_kind, entity_id,
			COALESCE(actor, ''), COALESCE(source_ip, ''), COALESCE(details, '')
		FROM audit_log WHERE 1=1`
	var args []interface{}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.EntityKind != "" {
		query += ` AND entity_kind = ?`
		args = append(args, f.EntityKind)
	}
	if f.EntityID != 0 {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, f.Until)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &e.EntityKind, &e.EntityID,
			&e.Actor, &e.SourceIP, &details); err != nil {
			return nil, err
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("corrupt details for audit entry %d: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CleanupAudit deletes audit rows older than the retention window and
// returns how many were removed.
func (s *Store) CleanupAudit(retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.Exec(rebind(s.dialect,
		`DELETE FROM audit_log WHERE timestamp < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
