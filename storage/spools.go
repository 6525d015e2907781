package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSlotOccupied is returned when assigning a spool to a printer slot
// that already holds a different active spool.
var ErrSlotOccupied = errors.New("slot already holds an active spool")

// ErrDuplicateRFID is returned when a spool's RFID tag is already
// registered to another spool.
var ErrDuplicateRFID = errors.New("rfid tag already registered")

// CreateSpool inserts a spool. RemainingGrams defaults to InitialGrams
// and the low threshold defaults when unset.
func (s *Store) CreateSpool(sp *Spool) error {
	if sp.RemainingGrams == 0 && sp.InitialGrams > 0 {
		sp.RemainingGrams = sp.InitialGrams
	}
	if sp.LowThreshold <= 0 {
		sp.LowThreshold = DefaultLowThresholdGrams
	}
	if sp.Status == "" {
		sp.Status = SpoolStatusActive
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(rebind(s.dialect, `
		INSERT INTO spools (filament_id, qr_code, rfid_tag, initial_grams,
			remaining_grams, empty_weight_grams, low_threshold_grams, status,
			printer_id, slot_number, storage_location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sp.FilamentID, sp.QRCode, nullString(sp.RFIDTag), sp.InitialGrams,
		sp.RemainingGrams, sp.EmptyWeightGrams, sp.LowThreshold, string(sp.Status),
		sp.PrinterID, sp.SlotNumber, sp.StorageLocation, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRFID
		}
		return fmt.Errorf("failed to insert spool: %w", err)
	}
	id, err := lastInsertID(s.dialect, s.db, res, "spools")
	if err != nil {
		return err
	}
	sp.ID = id
	sp.CreatedAt = now
	sp.UpdatedAt = now
	return nil
}

// GetSpool returns one spool by id.
func (s *Store) GetSpool(id int64) (*Spool, error) {
	row := s.db.QueryRow(rebind(s.dialect, spoolSelect+` WHERE id = ?`), id)
	return scanSpool(row)
}

// GetSpoolByRFID looks a spool up by its RFID tag.
func (s *Store) GetSpoolByRFID(tag string) (*Spool, error) {
	row := s.db.QueryRow(rebind(s.dialect, spoolSelect+` WHERE rfid_tag = ?`), tag)
	return scanSpool(row)
}

// GetSpoolByQRCode looks a spool up by its printed QR code.
func (s *Store) GetSpoolByQRCode(code string) (*Spool, error) {
	row := s.db.QueryRow(rebind(s.dialect, spoolSelect+` WHERE qr_code = ?`), code)
	return scanSpool(row)
}

// GetSpoolAt returns the active spool loaded in a printer slot, or
// ErrNotFound when the slot is empty.
func (s *Store) GetSpoolAt(printerID int64, slotNumber int) (*Spool, error) {
	row := s.db.QueryRow(rebind(s.dialect, spoolSelect+`
		WHERE printer_id = ? AND slot_number = ? AND status = 'active'`),
		printerID, slotNumber)
	return scanSpool(row)
}

const spoolSelect = `
	SELECT id, filament_id, COALESCE(qr_code, ''), COALESCE(rfid_tag, ''),
		initial_grams, remaining_grams, empty_weight_grams, low_threshold_grams,
		status, printer_id, slot_number, COALESCE(storage_location, ''),
		created_at, updated_at
	FROM spools`

func scanSpool(row rowScanner) (*Spool, error) {
	var sp Spool
	var status string
	err := row.Scan(&sp.ID, &sp.FilamentID, &sp.QRCode, &sp.RFIDTag,
		&sp.InitialGrams, &sp.RemainingGrams, &sp.EmptyWeightGrams, &sp.LowThreshold,
		&status, &sp.PrinterID, &sp.SlotNumber, &sp.StorageLocation,
		&sp.CreatedAt, &sp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan spool: %w", err)
	}
	sp.Status = SpoolStatus(status)
	return &sp, nil
}

// ListSpools returns spools filtered by status ("" = all), newest first.
func (s *Store) ListSpools(status SpoolStatus) ([]*Spool, error) {
	query := spoolSelect
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list spools: %w", err)
	}
	defer rows.Close()

	var spools []*Spool
	for rows.Next() {
		sp, err := scanSpool(rows)
		if err != nil {
			return nil, err
		}
		spools = append(spools, sp)
	}
	return spools, rows.Err()
}

// UpdateSpool rewrites a spool's mutable fields.
func (s *Store) UpdateSpool(sp *Spool) error {
	res, err := s.db.Exec(rebind(s.dialect, `
		UPDATE spools SET filament_id = ?, qr_code = ?, rfid_tag = ?,
			initial_grams = ?, remaining_grams = ?, empty_weight_grams = ?,
			low_threshold_grams = ?, status = ?, printer_id = ?, slot_number = ?,
			storage_location = ?, updated_at = ?
		WHERE id = ?`),
		sp.FilamentID, sp.QRCode, nullString(sp.RFIDTag),
		sp.InitialGrams, sp.RemainingGrams, sp.EmptyWeightGrams,
		sp.LowThreshold, string(sp.Status), sp.PrinterID, sp.SlotNumber,
		sp.StorageLocation, time.Now().UTC(), sp.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRFID
		}
		return fmt.Errorf("failed to update spool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignSpool moves a spool into a printer slot. Any other active spool
// in that slot is rejected; moving a spool out of a slot clears the
// slot's assignment.
func (s *Store) AssignSpool(spoolID, printerID int64, slotNumber int) error {
	s.spoolLocks.lock(spoolID)
	defer s.spoolLocks.unlock(spoolID)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var occupant int64
	err = tx.QueryRow(rebind(s.dialect, `
		SELECT id FROM spools
		WHERE printer_id = ? AND slot_number = ? AND status = 'active' AND id != ?`),
		printerID, slotNumber, spoolID).Scan(&occupant)
	if err == nil {
		return ErrSlotOccupied
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check slot occupancy: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(rebind(s.dialect, `
		UPDATE spools SET printer_id = ?, slot_number = ?, storage_location = '', updated_at = ?
		WHERE id = ?`), printerID, slotNumber, now, spoolID)
	if err != nil {
		return fmt.Errorf("failed to assign spool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(rebind(s.dialect, `
		UPDATE filament_slots SET assigned_spool_id = ?, spool_confirmed = `+boolLiteral(s.dialect, true)+`, updated_at = ?
		WHERE printer_id = ? AND slot_number = ?`),
		spoolID, now, printerID, slotNumber); err != nil {
		return fmt.Errorf("failed to update slot assignment: %w", err)
	}
	return tx.Commit()
}

// UnassignSpool moves a spool to a storage location (or unassigned when
// location is empty) and clears any slot pointing at it.
func (s *Store) UnassignSpool(spoolID int64, location string) error {
	s.spoolLocks.lock(spoolID)
	defer s.spoolLocks.unlock(spoolID)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.Exec(rebind(s.dialect, `
		UPDATE filament_slots SET assigned_spool_id = 0, spool_confirmed = `+boolLiteral(s.dialect, false)+`, updated_at = ?
		WHERE assigned_spool_id = ?`), now, spoolID); err != nil {
		return fmt.Errorf("failed to clear slot assignment: %w", err)
	}
	res, err := tx.Exec(rebind(s.dialect, `
		UPDATE spools SET printer_id = 0, slot_number = 0, storage_location = ?, updated_at = ?
		WHERE id = ?`), location, now, spoolID)
	if err != nil {
		return fmt.Errorf("failed to unassign spool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AdjustSpoolWeight sets the remaining weight directly (manual scale
// correction) and flips status to empty at zero.
func (s *Store) AdjustSpoolWeight(spoolID int64, remainingGrams float64) error {
	s.spoolLocks.lock(spoolID)
	defer s.spoolLocks.unlock(spoolID)

	if remainingGrams < 0 {
		remainingGrams = 0
	}
	status := SpoolStatusActive
	if remainingGrams == 0 {
		status = SpoolStatusEmpty
	}
	res, err := s.db.Exec(rebind(s.dialect, `
		UPDATE spools SET remaining_grams = ?, status = ?, updated_at = ?
		WHERE id = ? AND status != 'archived'`),
		remainingGrams, string(status), time.Now().UTC(), spoolID)
	if err != nil {
		return fmt.Errorf("failed to adjust spool weight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSpoolUsage inserts one usage row and deducts the grams from the
// spool, flooring at zero. It returns the spool state after deduction.
// Callers hold the per-spool lock via WithSpoolLock for the full
// check-deduct-alert sequence.
func (s *Store) RecordSpoolUsage(u *SpoolUsage) (*Spool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(rebind(s.dialect, `
		INSERT INTO spool_usage (spool_id, job_id, slot_number, grams, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		u.SpoolID, u.JobID, u.SlotNumber, u.Grams, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage: %w", err)
	}
	id, err := lastInsertID(s.dialect, tx, res, "spool_usage")
	if err != nil {
		return nil, err
	}
	u.ID = id
	u.CreatedAt = now

	sp, err := scanSpool(tx.QueryRow(rebind(s.dialect, spoolSelect+` WHERE id = ?`), u.SpoolID))
	if err != nil {
		return nil, err
	}
	sp.RemainingGrams -= u.Grams
	if sp.RemainingGrams < 0 {
		sp.RemainingGrams = 0
	}
	if sp.RemainingGrams == 0 && sp.Status == SpoolStatusActive {
		sp.Status = SpoolStatusEmpty
	}
	sp.UpdatedAt = now
	if _, err := tx.Exec(rebind(s.dialect, `
		UPDATE spools SET remaining_grams = ?, status = ?, updated_at = ?
		WHERE id = ?`), sp.RemainingGrams, string(sp.Status), now, sp.ID); err != nil {
		return nil, fmt.Errorf("failed to deduct spool weight: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sp, nil
}

// HasSpoolUsageForJob reports whether any deduction was already recorded
// against a job, which makes completion accounting idempotent.
func (s *Store) HasSpoolUsageForJob(jobID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(rebind(s.dialect,
		`SELECT COUNT(*) FROM spool_usage WHERE job_id = ?`), jobID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check usage: %w", err)
	}
	return n > 0, nil
}

// ListSpoolUsage returns a spool's deduction history, newest first.
func (s *Store) ListSpoolUsage(spoolID int64) ([]*SpoolUsage, error) {
	rows, err := s.db.Query(rebind(s.dialect, `
		SELECT id, spool_id, job_id, slot_number, grams, created_at
		FROM spool_usage WHERE spool_id = ? ORDER BY id DESC`), spoolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var usages []*SpoolUsage
	for rows.Next() {
		var u SpoolUsage
		if err := rows.Scan(&u.ID, &u.SpoolID, &u.JobID, &u.SlotNumber, &u.Grams, &u.CreatedAt); err != nil {
			return nil, err
		}
		usages = append(usages, &u)
	}
	return usages, rows.Err()
}

// WithSpoolLock runs fn while holding the spool's serialization lock.
func (s *Store) WithSpoolLock(spoolID int64, fn func() error) error {
	s.spoolLocks.lock(spoolID)
	defer s.spoolLocks.unlock(spoolID)
	return fn()
}

// CreateFilament inserts a filament library entry.
func (s *Store) CreateFilament(f *Filament) error {
	res, err := s.db.Exec(rebind(s.dialect, `
		INSERT INTO filaments (brand, product_name, material, color_name, color_hex, cost_per_gram)
		VALUES (?, ?, ?, ?, ?, ?)`),
		f.Brand, f.ProductName, f.Material, f.ColorName, f.ColorHex, f.CostPerGram)
	if err != nil {
		return fmt.Errorf("failed to insert filament: %w", err)
	}
	id, err := lastInsertID(s.dialect, s.db, res, "filaments")
	if err != nil {
		return err
	}
	f.ID = id
	return nil
}

// GetFilament returns one filament library entry.
func (s *Store) GetFilament(id int64) (*Filament, error) {
	var f Filament
	err := s.db.QueryRow(rebind(s.dialect, `
		SELECT id, COALESCE(brand, ''), COALESCE(product_name, ''), material,
			COALESCE(color_name, ''), COALESCE(color_hex, ''), cost_per_gram
		FROM filaments WHERE id = ?`), id).
		Scan(&f.ID, &f.Brand, &f.ProductName, &f.Material, &f.ColorName, &f.ColorHex, &f.CostPerGram)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get filament: %w", err)
	}
	return &f, nil
}

// ListFilaments returns the filament library ordered by brand and name.
func (s *Store) ListFilaments() ([]*Filament, error) {
	rows, err := s.db.Query(`
		SELECT id, COALESCE(brand, ''), COALESCE(product_name, ''), material,
			COALESCE(color_name, ''), COALESCE(color_hex, ''), cost_per_gram
		FROM filaments ORDER BY brand, product_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list filaments: %w", err)
	}
	defer rows.Close()

	var filaments []*Filament
	for rows.Next() {
		var f Filament
		if err := rows.Scan(&f.ID, &f.Brand, &f.ProductName, &f.Material,
			&f.ColorName, &f.ColorHex, &f.CostPerGram); err != nil {
			return nil, err
		}
		filaments = append(filaments, &f)
	}
	return filaments, rows.Err()
}

// FindFilament matches a library entry by material and color hex, used
// when auto-adopting spools observed over RFID.
func (s *Store) FindFilament(material, colorHex string) (*Filament, error) {
	var f Filament
	err := s.db.QueryRow(rebind(s.dialect, `
		SELECT id, COALESCE(brand, ''), COALESCE(product_name, ''), material,
			COALESCE(color_name, ''), COALESCE(color_hex, ''), cost_per_gram
		FROM filaments WHERE material = ? AND color_hex = ? LIMIT 1`),
		material, colorHex).
		Scan(&f.ID, &f.Brand, &f.ProductName, &f.Material, &f.ColorName, &f.ColorHex, &f.CostPerGram)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find filament: %w", err)
	}
	return &f, nil
}

// FindFilamentByHex matches a library entry by color alone, the second
// rung of the reconciliation precedence.
func (s *Store) FindFilamentByHex(colorHex string) (*Filament, error) {
	var f Filament
	err := s.db.QueryRow(rebind(s.dialect, `
		SELECT id, COALESCE(brand, ''), COALESCE(product_name, ''), material,
			COALESCE(color_name, ''), COALESCE(color_hex, ''), cost_per_gram
		FROM filaments WHERE color_hex = ? LIMIT 1`), colorHex).
		Scan(&f.ID, &f.Brand, &f.ProductName, &f.Material, &f.ColorName, &f.ColorHex, &f.CostPerGram)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find filament: %w", err)
	}
	return &f, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
