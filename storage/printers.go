package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrPrinterBusy is returned when deleting a printer that still has
// non-terminal jobs assigned to it.
var ErrPrinterBusy = errors.New("printer has active jobs")

// CreatePrinter inserts a printer and its filament slot rows. Credentials
// are encrypted before they touch the database.
func (s *Store) CreatePrinter(p *Printer) error {
	if p.Name == "" {
		return fmt.Errorf("printer name is required")
	}
	if p.SlotCount < 1 || p.SlotCount > MaxSlotCount {
		return fmt.Errorf("slot count must be between 1 and %d, got %d", MaxSlotCount, p.SlotCount)
	}
	creds, err := s.encryptSecret(p.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(rebind(s.dialect, `
		INSERT INTO printers (name, api_type, host, credentials, model_family,
			bed_width_mm, bed_depth_mm, slot_count, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.Name, string(p.APIType), p.Host, creds, p.ModelFamily,
		p.BedWidthMM, p.BedDepthMM, p.SlotCount, p.Active, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert printer: %w", err)
	}
	id, err := lastInsertID(s.dialect, tx, res, "printers")
	if err != nil {
		return err
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now

	for n := 1; n <= p.SlotCount; n++ {
		if _, err := tx.Exec(rebind(s.dialect, `
			INSERT INTO filament_slots (printer_id, slot_number, updated_at)
			VALUES (?, ?, ?)`), p.ID, n, now); err != nil {
			return fmt.Errorf("failed to create slot %d: %w", n, err)
		}
	}

	return tx.Commit()
}

// GetPrinter returns one printer with decrypted credentials.
func (s *Store) GetPrinter(id int64) (*Printer, error) {
	row := s.db.QueryRow(rebind(s.dialect, `
		SELECT id, name, api_type, host, COALESCE(credentials, ''), COALESCE(model_family, ''),
			bed_width_mm, bed_depth_mm, slot_count, active,
			print_hours, print_count, hours_since_service, COALESCE(last_error, ''),
			created_at, updated_at
		FROM printers WHERE id = ?`), id)
	return s.scanPrinter(row)
}

// GetPrinterByName looks a printer up by its unique display name.
func (s *Store) GetPrinterByName(name string) (*Printer, error) {
	row := s.db.QueryRow(rebind(s.dialect, `
		SELECT id, name, api_type, host, COALESCE(credentials, ''), COALESCE(model_family, ''),
			bed_width_mm, bed_depth_mm, slot_count, active,
			print_hours, print_count, hours_since_service, COALESCE(last_error, ''),
			created_at, updated_at
		FROM printers WHERE name = ?`), name)
	return s.scanPrinter(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanPrinter(row rowScanner) (*Printer, error) {
	var p Printer
	var apiType string
	err := row.Scan(&p.ID, &p.Name, &apiType, &p.Host, &p.Credentials, &p.ModelFamily,
		&p.BedWidthMM, &p.BedDepthMM, &p.SlotCount, &p.Active,
		&p.PrintHours, &p.PrintCount, &p.HoursSinceService, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan printer: %w", err)
	}
	p.APIType = PrinterAPIType(apiType)
	p.Credentials, err = s.decryptSecret(p.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for printer %d: %w", p.ID, err)
	}
	return &p, nil
}

// ListPrinters returns all printers ordered by name. activeOnly filters
// out disabled machines.
func (s *Store) ListPrinters(activeOnly bool) ([]*Printer, error) {
	query := `
		SELECT id, name, api_type, host, COALESCE(credentials, ''), COALESCE(model_family, ''),
			bed_width_mm, bed_depth_mm, slot_count, active,
			print_hours, print_count, hours_since_service, COALESCE(last_error, ''),
			created_at, updated_at
		FROM printers`
	if activeOnly {
		query += " WHERE active = " + boolLiteral(s.dialect, true)
	}
	query += " ORDER BY name"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p, err := s.scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

// UpdatePrinter rewrites a printer's mutable fields. Slot rows are added
// or removed when the slot count changes; removed slots drop their spool
// assignment.
func (s *Store) UpdatePrinter(p *Printer) error {
	if p.SlotCount < 1 || p.SlotCount > MaxSlotCount {
		return fmt.Errorf("slot count must be between 1 and %d, got %d", MaxSlotCount, p.SlotCount)
	}
	creds, err := s.encryptSecret(p.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(rebind(s.dialect, `
		UPDATE printers SET name = ?, api_type = ?, host = ?, credentials = ?,
			model_family = ?, bed_width_mm = ?, bed_depth_mm = ?, slot_count = ?,
			active = ?, updated_at = ?
		WHERE id = ?`),
		p.Name, string(p.APIType), p.Host, creds, p.ModelFamily,
		p.BedWidthMM, p.BedDepthMM, p.SlotCount, p.Active, now, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update printer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	// Reconcile slot rows against the new count.
	if _, err := tx.Exec(rebind(s.dialect, `
		DELETE FROM filament_slots WHERE printer_id = ? AND slot_number > ?`),
		p.ID, p.SlotCount); err != nil {
		return fmt.Errorf("failed to trim slots: %w", err)
	}
	for n := 1; n <= p.SlotCount; n++ {
		var exists int
		err := tx.QueryRow(rebind(s.dialect, `
			SELECT COUNT(*) FROM filament_slots WHERE printer_id = ? AND slot_number = ?`),
			p.ID, n).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			if _, err := tx.Exec(rebind(s.dialect, `
				INSERT INTO filament_slots (printer_id, slot_number, updated_at)
				VALUES (?, ?, ?)`), p.ID, n, now); err != nil {
				return fmt.Errorf("failed to add slot %d: %w", n, err)
			}
		}
	}

	p.UpdatedAt = now
	return tx.Commit()
}

// SetPrinterLastError records the most recent connection error string
// (empty clears it).
func (s *Store) SetPrinterLastError(id int64, msg string) error {
	_, err := s.db.Exec(rebind(s.dialect, `
		UPDATE printers SET last_error = ?, updated_at = ? WHERE id = ?`),
		msg, time.Now().UTC(), id)
	return err
}

// AddPrinterUsage bumps the derived counters after a completed print.
func (s *Store) AddPrinterUsage(id int64, hours float64) error {
	_, err := s.db.Exec(rebind(s.dialect, `
		UPDATE printers SET print_hours = print_hours + ?,
			print_count = print_count + 1,
			hours_since_service = hours_since_service + ?,
			updated_at = ?
		WHERE id = ?`), hours, hours, time.Now().UTC(), id)
	return err
}

// ResetPrinterService zeroes the hours-since-service counter after
// maintenance.
func (s *Store) ResetPrinterService(id int64) error {
	_, err := s.db.Exec(rebind(s.dialect, `
		UPDATE printers SET hours_since_service = 0, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id)
	return err
}

// DeletePrinter removes a printer and its slots. Deletion is refused
// while any non-terminal job is assigned to the printer; spools loaded
// in the printer are released back to unassigned.
func (s *Store) DeletePrinter(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var busy int
	err = tx.QueryRow(rebind(s.dialect, `
		SELECT COUNT(*) FROM jobs
		WHERE printer_id = ? AND status IN ('pending', 'scheduled', 'printing')`),
		id).Scan(&busy)
	if err != nil {
		return fmt.Errorf("failed to check printer jobs: %w", err)
	}
	if busy > 0 {
		return ErrPrinterBusy
	}

	if _, err := tx.Exec(rebind(s.dialect, `
		UPDATE spools SET printer_id = 0, slot_number = 0, updated_at = ?
		WHERE printer_id = ?`), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to release spools: %w", err)
	}
	if _, err := tx.Exec(rebind(s.dialect,
		`DELETE FROM filament_slots WHERE printer_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete slots: %w", err)
	}
	res, err := tx.Exec(rebind(s.dialect, `DELETE FROM printers WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetSlots returns a printer's filament slots ordered by slot number.
func (s *Store) GetSlots(printerID int64) ([]*FilamentSlot, error) {
	rows, err := s.db.Query(rebind(s.dialect, `
		SELECT id, printer_id, slot_number, COALESCE(material_type, ''),
			COALESCE(color_name, ''), COALESCE(color_hex, ''),
			assigned_spool_id, spool_confirmed, updated_at
		FROM filament_slots WHERE printer_id = ? ORDER BY slot_number`), printerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	var slots []*FilamentSlot
	for rows.Next() {
		var sl FilamentSlot
		if err := rows.Scan(&sl.ID, &sl.PrinterID, &sl.SlotNumber, &sl.MaterialType,
			&sl.ColorName, &sl.ColorHex, &sl.AssignedSpoolID, &sl.SpoolConfirmed,
			&sl.UpdatedAt); err != nil {
			return nil, err
		}
		slots = append(slots, &sl)
	}
	return slots, rows.Err()
}

// UpdateSlot rewrites one slot's observed filament state and assignment.
func (s *Store) UpdateSlot(sl *FilamentSlot) error {
	res, err := s.db.Exec(rebind(s.dialect, `
		UPDATE filament_slots SET material_type = ?, color_name = ?, color_hex = ?,
			assigned_spool_id = ?, spool_confirmed = ?, updated_at = ?
		WHERE printer_id = ? AND slot_number = ?`),
		sl.MaterialType, sl.ColorName, sl.ColorHex,
		sl.AssignedSpoolID, sl.SpoolConfirmed, time.Now().UTC(),
		sl.PrinterID, sl.SlotNumber)
	if err != nil {
		return fmt.Errorf("failed to update slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// lastInsertID retrieves the generated id for the row just inserted.
// The pgx stdlib driver does not implement LastInsertId, so postgres
// falls back to currval on the table's id sequence.
func lastInsertID(d Dialect, q queryRower, res sql.Result, table string) (int64, error) {
	if d.Name() != "postgres" {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get insert id: %w", err)
		}
		return id, nil
	}
	var id int64
	if err := q.QueryRow(fmt.Sprintf("SELECT currval(pg_get_serial_sequence('%s', 'id'))", table)).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get insert id: %w", err)
	}
	return id, nil
}
