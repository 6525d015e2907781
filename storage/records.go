package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreatePrintRecord opens a telemetry record for a print observed on
// hardware. JobID 0 marks a print started outside the control plane.
func (s *Store) CreatePrintRecord(r *PrintRecord) error {
	if r.Status == "" {
		r.Status = PrintRecordRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(rebind(s.dialect, `
		INSERT INTO print_records (printer_id, job_id, file_name, progress_pct,
			remaining_minutes, current_layer, total_layers, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.PrinterID, r.JobID, r.FileName, r.ProgressPct,
		r.RemainingMinutes, r.CurrentLayer, r.TotalLayers, string(r.Status), r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert print record: %w", err)
	}
	id, err := lastInsertID(s.dialect, s.db, res, "print_records")
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

const printRecordSelect = `
	SELECT id, printer_id, job_id, COALESCE(file_name, ''), progress_pct,
		remaining_minutes, current_layer, total_layers, status, started_at, ended_at
	FROM print_records`

func scanPrintRecord(row rowScanner) (*PrintRecord, error) {
	var r PrintRecord
	var status string
	var endedAt sql.NullTime
	err := row.Scan(&r.ID, &r.PrinterID, &r.JobID, &r.FileName, &r.ProgressPct,
		&r.RemainingMinutes, &r.CurrentLayer, &r.TotalLayers, &status, &r.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan print record: %w", err)
	}
	r.Status = PrintRecordStatus(status)
	r.EndedAt = timePtr(endedAt)
	return &r, nil
}

// GetPrintRecord returns one record by id.
func (s *Store) GetPrintRecord(id int64) (*PrintRecord, error) {
	row := s.db.QueryRow(rebind(s.dialect, printRecordSelect+` WHERE id = ?`), id)
	return scanPrintRecord(row)
}

// GetRunningPrintRecord returns the open record for a printer, or
// ErrNotFound when the printer is idle.
func (s *Store) GetRunningPrintRecord(printerID int64) (*PrintRecord, error) {
	row := s.db.QueryRow(rebind(s.dialect, printRecordSelect+`
		WHERE printer_id = ? AND status = 'running'
		ORDER BY id DESC LIMIT 1`), printerID)
	return scanPrintRecord(row)
}

// UpdatePrintProgress refreshes a running record's telemetry fields.
func (s *Store) UpdatePrintProgress(id int64, progressPct float64, remainingMinutes, currentLayer, totalLayers int) error {
	res, err := s.db.Exec(rebind(s.dialect, `
		UPDATE print_records SET progress_pct = ?, remaining_minutes = ?,
			current_layer = ?, total_layers = ?
		WHERE id = ? AND status = 'running'`),
		progressPct, remainingMinutes, currentLayer, totalLayers, id)
	if err != nil {
		return fmt.Errorf("failed to update print progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClosePrintRecord finishes a record with its final status.
func (s *Store) ClosePrintRecord(id int64, status PrintRecordStatus) error {
	res, err := s.db.Exec(rebind(s.dialect, `
		UPDATE print_records SET status = ?, ended_at = ?
		WHERE id = ? AND status = 'running'`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to close print record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkPrintRecord attaches an unlinked record to a job after the fact.
func (s *Store) LinkPrintRecord(recordID, jobID int64) error {
	res, err := s.db.Exec(rebind(s.dialect, `
		UPDATE print_records SET job_id = ? WHERE id = ? AND job_id = 0`),
		jobID, recordID)
	if err != nil {
		return fmt.Errorf("failed to link print record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPrintRecords returns a printer's history, newest first, capped at
// limit (0 = no cap).
func (s *Store) ListPrintRecords(printerID int64, limit int) ([]*PrintRecord, error) {
	query := printRecordSelect + ` WHERE printer_id = ? ORDER BY id DESC`
	args := []interface{}{printerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list print records: %w", err)
	}
	defer rows.Close()

	var records []*PrintRecord
	for rows.Next() {
		r, err := scanPrintRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordSchedulerRun appends the audit row for one batch planning pass.
func (s *Store) RecordSchedulerRun(r *SchedulerRun) error {
	if r.RunAt.IsZero() {
		r.RunAt = time.Now().UTC()
	}
	res, err := s.db.Exec(rebind(s.dialect, `
		INSERT INTO scheduler_runs (run_at, candidate_count, scheduled_count,
			skipped_count, setup_blocks, notes)
		VALUES (?, ?, ?, ?, ?, ?)`),
		r.RunAt, r.CandidateCount, r.ScheduledCount, r.SkippedCount, r.SetupBlocks, r.Notes)
	if err != nil {
		return fmt.Errorf("failed to record scheduler run: %w", err)
	}
	id, err := lastInsertID(s.dialect, s.db, res, "scheduler_runs")
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// ListSchedulerRuns returns recent planning passes, newest first.
func (s *Store) ListSchedulerRuns(limit int) ([]*SchedulerRun, error) {
	query := `
		SELECT id, run_at, candidate_count, scheduled_count, skipped_count,
			setup_blocks, COALESCE(notes, '')
		FROM scheduler_runs ORDER BY id DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduler runs: %w", err)
	}
	defer rows.Close()

	var runs []*SchedulerRun
	for rows.Next() {
		var r SchedulerRun
		if err := rows.Scan(&r.ID, &r.RunAt, &r.CandidateCount, &r.ScheduledCount,
			&r.SkippedCount, &r.SetupBlocks, &r.Notes); err != nil {
			return nil, err
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
