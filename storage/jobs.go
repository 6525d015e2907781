package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadTransition is returned when a job status change is not allowed
// by the state machine.
var ErrBadTransition = errors.New("illegal job status transition")

// ErrJobLocked is returned when a mutation touches a job that is locked
// to running hardware.
var ErrJobLocked = errors.New("job is locked")

// CreateJob inserts a job in the submitted state. Quantity N is the
// caller's concern; the store persists one row per job.
func (s *Store) CreateJob(j *Job) error {
	if j.ItemName == "" {
		return fmt.Errorf("job item name is required")
	}
	if j.Quantity < 1 {
		j.Quantity = 1
	}
	if j.Priority < 1 || j.Priority > 5 {
		j.Priority = 3
	}
	if j.Status == "" {
		j.Status = JobStatusSubmitted
	}
	reqs, err := marshalJSON(j.ColorReqs)
	if err != nil {
		return fmt.Errorf("failed to encode color requirements: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(rebind(s.dialect, `
		INSERT INTO jobs (model_id, artifact_id, item_name, quantity, priority,
			duration_minutes, color_requirements, material_type, hold, due_date,
			status, printer_id, estimated_cost, suggested_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ModelID, j.ArtifactID, j.ItemName, j.Quantity, j.Priority,
		j.DurationMinutes, reqs, j.MaterialType, j.Hold, nullTime(j.DueDate),
		string(j.Status), j.PrinterID, j.EstimatedCost, j.SuggestedPrice, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	id, err := lastInsertID(s.dialect, s.db, res, "jobs")
	if err != nil {
		return err
	}
	j.ID = id
	j.CreatedAt = now
	j.UpdatedAt = now
	return nil
}

const jobSelect = `
	SELECT id, model_id, artifact_id, item_name, quantity, priority,
		duration_minutes, COALESCE(color_requirements, ''), COALESCE(material_type, ''),
		hold, due_date, status, printer_id,
		scheduled_start, scheduled_end, actual_start, actual_end, is_locked,
		estimated_cost, suggested_price, COALESCE(fail_reason, ''), COALESCE(fail_notes, ''),
		created_at, updated_at
	FROM jobs`

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var reqs, status, failReason string
	var dueDate, schedStart, schedEnd, actStart, actEnd sql.NullTime
	err := row.Scan(&j.ID, &j.ModelID, &j.ArtifactID, &j.ItemName, &j.Quantity, &j.Priority,
		&j.DurationMinutes, &reqs, &j.MaterialType,
		&j.Hold, &dueDate, &status, &j.PrinterID,
		&schedStart, &schedEnd, &actStart, &actEnd, &j.Locked,
		&j.EstimatedCost, &j.SuggestedPrice, &failReason, &j.FailNotes,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.Status = JobStatus(status)
	j.FailReason = FailReason(failReason)
	j.DueDate = timePtr(dueDate)
	j.ScheduledStart = timePtr(schedStart)
	j.ScheduledEnd = timePtr(schedEnd)
	j.ActualStart = timePtr(actStart)
	j.ActualEnd = timePtr(actEnd)
	if reqs != "" {
		if err := json.Unmarshal([]byte(reqs), &j.ColorReqs); err != nil {
			return nil, fmt.Errorf("corrupt color requirements for job %d: %w", j.ID, err)
		}
	}
	return &j, nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(id int64) (*Job, error) {
	row := s.db.QueryRow(rebind(s.dialect, jobSelect+` WHERE id = ?`), id)
	return scanJob(row)
}

// ListJobs returns jobs filtered by status ("" = all), newest first.
func (s *Store) ListJobs(status JobStatus) ([]*Job, error) {
	query := jobSelect
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC`
	return s.queryJobs(query, args...)
}

// ListSchedulableJobs returns the scheduler's candidate set: pending
// jobs not on hold, ordered deterministically by priority, then due
// date (nulls last), then creation order.
func (s *Store) ListSchedulableJobs() ([]*Job, error) {
	return s.queryJobs(jobSelect + `
		WHERE status = 'pending' AND hold = ` + boolLiteral(s.dialect, false) + `
		ORDER BY priority ASC,
			CASE WHEN due_date IS NULL THEN 1 ELSE 0 END ASC,
			due_date ASC,
			id ASC`)
}

// ListJobsForPrinter returns a printer's jobs in the given statuses.
func (s *Store) ListJobsForPrinter(printerID int64, statuses ...JobStatus) ([]*Job, error) {
	query := jobSelect + ` WHERE printer_id = ?`
	args := []interface{}{printerID}
	if len(statuses) > 0 {
		query += ` AND status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY scheduled_start ASC, id ASC`
	return s.queryJobs(query, args...)
}

func (s *Store) queryJobs(query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.Query(rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob rewrites a job's editable fields. Jobs locked to running
// hardware and terminal jobs reject edits.
func (s *Store) UpdateJob(j *Job) error {
	s.jobLocks.lock(j.ID)
	defer s.jobLocks.unlock(j.ID)

	current, err := s.GetJob(j.ID)
	if err != nil {
		return err
	}
	if current.Locked {
		return ErrJobLocked
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("job %d is %s: %w", j.ID, current.Status, ErrBadTransition)
	}

	reqs, err := marshalJSON(j.ColorReqs)
	if err != nil {
		return fmt.Errorf("failed to encode color requirements: %w", err)
	}
	_, err = s.db.Exec(rebind(s.dialect, `
		UPDATE jobs SET item_name = ?, quantity = ?, priority = ?,
			duration_minutes = ?, color_requirements = ?, material_type = ?,
			hold = ?, due_date = ?, updated_at = ?
		WHERE id = ?`),
		j.ItemName, j.Quantity, j.Priority,
		j.DurationMinutes, reqs, j.MaterialType,
		j.Hold, nullTime(j.DueDate), time.Now().UTC(), j.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// JobStatusChange carries the optional side effects of a transition.
type JobStatusChange struct {
	PrinterID      int64 // assignment on schedule; ignored when 0
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
	FailReason     FailReason
	FailNotes      string
}

// UpdateJobStatus applies one transition of the job state machine under
// the per-job lock. Illegal transitions return ErrBadTransition and
// leave the row untouched. Entering printing sets the lock flag, and it
// stays set through terminal states; only backing a scheduled job out to
// pending clears it. The updated job is returned.
func (s *Store) UpdateJobStatus(id int64, to JobStatus, change *JobStatusChange) (*Job, error) {
	s.jobLocks.lock(id)
	defer s.jobLocks.unlock(id)

	j, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if j.Status == to {
		return j, nil // idempotent repeat of the same transition
	}
	if !CanTransition(j.Status, to) {
		return nil, fmt.Errorf("job %d: %s -> %s: %w", id, j.Status, to, ErrBadTransition)
	}

	if change == nil {
		change = &JobStatusChange{}
	}
	now := time.Now().UTC()

	j.Status = to
	j.UpdatedAt = now
	switch to {
	case JobStatusScheduled:
		if change.PrinterID != 0 {
			j.PrinterID = change.PrinterID
		}
		j.ScheduledStart = change.ScheduledStart
		j.ScheduledEnd = change.ScheduledEnd
	case JobStatusPending:
		// Back out of a schedule: clear the plan but keep the printer
		// hint for the next pass.
		j.ScheduledStart = nil
		j.ScheduledEnd = nil
		j.Locked = false
	case JobStatusPrinting:
		j.Locked = true
		if change.ActualStart != nil {
			j.ActualStart = change.ActualStart
		} else {
			j.ActualStart = &now
		}
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusRejected:
		if change.ActualEnd != nil {
			j.ActualEnd = change.ActualEnd
		} else if to != JobStatusRejected {
			j.ActualEnd = &now
		}
		if to == JobStatusFailed {
			j.FailReason = change.FailReason
			j.FailNotes = change.FailNotes
			if j.FailReason == "" {
				j.FailReason = FailReasonOther
			}
		}
	}

	_, err = s.db.Exec(rebind(s.dialect, `
		UPDATE jobs SET status = ?, printer_id = ?, scheduled_start = ?,
			scheduled_end = ?, actual_start = ?, actual_end = ?, is_locked = ?,
			fail_reason = ?, fail_notes = ?, updated_at = ?
		WHERE id = ?`),
		string(j.Status), j.PrinterID, nullTime(j.ScheduledStart),
		nullTime(j.ScheduledEnd), nullTime(j.ActualStart), nullTime(j.ActualEnd),
		j.Locked, string(j.FailReason), j.FailNotes, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return j, nil
}

// ClearSchedule reverts all scheduled jobs to pending. The scheduler
// calls this at the start of a batch pass so the plan is rebuilt from
// scratch; printing jobs are locked and untouched.
func (s *Store) ClearSchedule() (int, error) {
	res, err := s.db.Exec(rebind(s.dialect, `
		UPDATE jobs SET status = 'pending', scheduled_start = NULL,
			scheduled_end = NULL, updated_at = ?
		WHERE status = 'scheduled' AND is_locked = `+boolLiteral(s.dialect, false)),
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clear schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteJob removes a terminal job.
func (s *Store) DeleteJob(id int64) error {
	s.jobLocks.lock(id)
	defer s.jobLocks.unlock(id)

	j, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if !j.Status.IsTerminal() {
		return fmt.Errorf("job %d is %s, only terminal jobs can be deleted", id, j.Status)
	}
	_, err = s.db.Exec(rebind(s.dialect, `DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
