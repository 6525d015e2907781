package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateAlert inserts an in-app alert row.
func (s *Store) CreateAlert(a *Alert) error {
	if a.Severity == "" {
		a.Severity = AlertSeverityInfo
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(rebind(s.dialect, `
		INSERT INTO alerts (kind, severity, user_id, title, message,
			printer_id, job_id, spool_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.Kind, string(a.Severity), a.UserID, a.Title, a.Message,
		a.PrinterID, a.JobID, a.SpoolID, now)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	id, err := lastInsertID(s.dialect, s.db, res, "alerts")
	if err != nil {
		return err
	}
	a.ID = id
	a.CreatedAt = now
	return nil
}

// ListAlerts returns a user's alerts, newest first. unreadOnly filters
// to unread, undismissed entries.
func (s *Store) ListAlerts(userID int64, unreadOnly bool, limit int) ([]*Alert, error) {
	query := `
		SELECT id, kind, severity, user_id, title, COALESCE(message, ''),
			read, dismissed, printer_id, job_id, spool_id, created_at
		FROM alerts WHERE user_id = ?`
	args := []interface{}{userID}
	if unreadOnly {
		f := boolLiteral(s.dialect, false)
		query += ` AND read = ` + f + ` AND dismissed = ` + f
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var a Alert
		var severity string
		if err := rows.Scan(&a.ID, &a.Kind, &severity, &a.UserID, &a.Title, &a.Message,
			&a.Read, &a.Dismissed, &a.PrinterID, &a.JobID, &a.SpoolID, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Severity = AlertSeverity(severity)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// MarkAlertRead flags one alert as read.
func (s *Store) MarkAlertRead(id int64) error {
	res, err := s.db.Exec(rebind(s.dialect,
		`UPDATE alerts SET read = `+boolLiteral(s.dialect, true)+` WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DismissAlert hides one alert from the default listing.
func (s *Store) DismissAlert(id int64) error {
	res, err := s.db.Exec(rebind(s.dialect,
		`UPDATE alerts SET dismissed = `+boolLiteral(s.dialect, true)+` WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to dismiss alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAlertPreference upserts a user's delivery configuration. Webhook
// URLs and push subscriptions are encrypted at rest.
func (s *Store) SaveAlertPreference(p *AlertPreference) error {
	if p.MinSeverity == "" {
		p.MinSeverity = AlertSeverityInfo
	}
	thresholds, err := marshalJSON(p.KindThresholds)
	if err != nil {
		return fmt.Errorf("failed to encode kind thresholds: %w", err)
	}
	webhookURL, err := s.encryptSecret(p.WebhookURL)
	if err != nil {
		return fmt.Errorf("failed to encrypt webhook url: %w", err)
	}
	pushSub, err := s.encryptSecret(p.PushSubscription)
	if err != nil {
		return fmt.Errorf("failed to encrypt push subscription: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(rebind(s.dialect,
		`DELETE FROM alert_preferences WHERE user_id = ?`), p.UserID); err != nil {
		return fmt.Errorf("failed to clear preference: %w", err)
	}
	if _, err := tx.Exec(rebind(s.dialect, `
		INSERT INTO alert_preferences (user_id, in_app_enabled, email_enabled,
			push_enabled, email_address, push_subscription, webhook_url,
			webhook_kind, min_severity, kind_thresholds, quiet_start, quiet_end, quiet_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.UserID, p.InAppEnabled, p.EmailEnabled,
		p.PushEnabled, p.EmailAddress, pushSub, webhookURL,
		p.WebhookKind, string(p.MinSeverity), thresholds,
		p.QuietStart, p.QuietEnd, string(p.QuietMode)); err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return tx.Commit()
}

// GetAlertPreference returns one user's delivery configuration, or
// ErrNotFound when they never saved one.
func (s *Store) GetAlertPreference(userID int64) (*AlertPreference, error) {
	row := s.db.QueryRow(rebind(s.dialect, alertPreferenceSelect+` WHERE user_id = ?`), userID)
	return s.scanAlertPreference(row)
}

// ListAlertPreferences returns every saved delivery configuration.
func (s *Store) ListAlertPreferences() ([]*AlertPreference, error) {
	rows, err := s.db.Query(alertPreferenceSelect + ` ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	defer rows.Close()

	var prefs []*AlertPreference
	for rows.Next() {
		p, err := s.scanAlertPreference(rows)
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

const alertPreferenceSelect = `
	SELECT user_id, in_app_enabled, email_enabled, push_enabled,
		COALESCE(email_address, ''), COALESCE(push_subscription, ''),
		COALESCE(webhook_url, ''), COALESCE(webhook_kind, ''),
		min_severity, COALESCE(kind_thresholds, ''),
		COALESCE(quiet_start, ''), COALESCE(quiet_end, ''), COALESCE(quiet_mode, '')
	FROM alert_preferences`

func (s *Store) scanAlertPreference(row rowScanner) (*AlertPreference, error) {
	var p AlertPreference
	var minSeverity, thresholds, quietMode string
	err := row.Scan(&p.UserID, &p.InAppEnabled, &p.EmailEnabled, &p.PushEnabled,
		&p.EmailAddress, &p.PushSubscription, &p.WebhookURL, &p.WebhookKind,
		&minSeverity, &thresholds, &p.QuietStart, &p.QuietEnd, &quietMode)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan preference: %w", err)
	}
	p.MinSeverity = AlertSeverity(minSeverity)
	p.QuietMode = QuietMode(quietMode)
	if thresholds != "" {
		if err := json.Unmarshal([]byte(thresholds), &p.KindThresholds); err != nil {
			return nil, fmt.Errorf("corrupt kind thresholds for user %d: %w", p.UserID, err)
		}
	}
	p.WebhookURL, err = s.decryptSecret(p.WebhookURL)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt webhook url for user %d: %w", p.UserID, err)
	}
	p.PushSubscription, err = s.decryptSecret(p.PushSubscription)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt push subscription for user %d: %w", p.UserID, err)
	}
	return &p, nil
}
