package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateModel inserts a model. Color requirements are stored as JSON.
func (s *Store) CreateModel(m *Model) error {
	if m.Name == "" {
		return fmt.Errorf("model name is required")
	}
	reqs, err := marshalJSON(m.ColorRequirements)
	if err != nil {
		return fmt.Errorf("failed to encode color requirements: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(rebind(s.dialect, `
		INSERT INTO models (name, estimated_minutes, default_material,
			color_requirements, thumbnail_path, artifact_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.Name, m.EstimatedMinutes, m.DefaultMaterial, reqs,
		m.ThumbnailPath, m.ArtifactID, now)
	if err != nil {
		return fmt.Errorf("failed to insert model: %w", err)
	}
	id, err := lastInsertID(s.dialect, s.db, res, "models")
	if err != nil {
		return err
	}
	m.ID = id
	m.CreatedAt = now
	return nil
}

// GetModel returns one model by id.
func (s *Store) GetModel(id int64) (*Model, error) {
	row := s.db.QueryRow(rebind(s.dialect, `
		SELECT id, name, estimated_minutes, COALESCE(default_material, ''),
			COALESCE(color_requirements, ''), COALESCE(thumbnail_path, ''),
			artifact_id, created_at
		FROM models WHERE id = ?`), id)
	return scanModel(row)
}

func scanModel(row rowScanner) (*Model, error) {
	var m Model
	var reqs string
	err := row.Scan(&m.ID, &m.Name, &m.EstimatedMinutes, &m.DefaultMaterial,
		&reqs, &m.ThumbnailPath, &m.ArtifactID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan model: %w", err)
	}
	if reqs != "" {
		if err := json.Unmarshal([]byte(reqs), &m.ColorRequirements); err != nil {
			return nil, fmt.Errorf("corrupt color requirements for model %d: %w", m.ID, err)
		}
	}
	return &m, nil
}

// ListModels returns all models ordered by name.
func (s *Store) ListModels() ([]*Model, error) {
	rows, err := s.db.Query(`
		SELECT id, name, estimated_minutes, COALESCE(default_material, ''),
			COALESCE(color_requirements, ''), COALESCE(thumbnail_path, ''),
			artifact_id, created_at
		FROM models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// UpdateModel rewrites a model's mutable fields.
func (s *Store) UpdateModel(m *Model) error {
	reqs, err := marshalJSON(m.ColorRequirements)
	if err != nil {
		return fmt.Errorf("failed to encode color requirements: %w", err)
	}
	res, err := s.db.Exec(rebind(s.dialect, `
		UPDATE models SET name = ?, estimated_minutes = ?, default_material = ?,
			color_requirements = ?, thumbnail_path = ?, artifact_id = ?
		WHERE id = ?`),
		m.Name, m.EstimatedMinutes, m.DefaultMaterial, reqs,
		m.ThumbnailPath, m.ArtifactID, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteModel removes a model. Jobs that reference it keep their frozen
// copies of duration and cost, so no cascade is needed.
func (s *Store) DeleteModel(id int64) error {
	res, err := s.db.Exec(rebind(s.dialect, `DELETE FROM models WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateArtifact inserts a parsed upload record.
func (s *Store) CreateArtifact(a *PrintArtifact) error {
	filaments, err := marshalJSON(a.Filaments)
	if err != nil {
		return fmt.Errorf("failed to encode filaments: %w", err)
	}
	printerModels, err := marshalJSON(a.PrinterModels)
	if err != nil {
		return fmt.Errorf("failed to encode printer models: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(rebind(s.dialect, `
		INSERT INTO print_artifacts (file_id, file_name, stored_path, size_bytes,
			content_hash, kind, estimated_seconds, total_grams, filaments,
			thumbnail_path, printer_models, bed_type, bed_width_mm, bed_depth_mm,
			supports_used, model_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.FileID, a.FileName, a.StoredPath, a.SizeBytes,
		a.ContentHash, a.Kind, a.EstimatedSeconds, a.TotalGrams, filaments,
		a.ThumbnailPath, printerModels, a.BedType, a.BedWidthMM, a.BedDepthMM,
		a.SupportsUsed, a.ModelID, now)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	id, err := lastInsertID(s.dialect, s.db, res, "print_artifacts")
	if err != nil {
		return err
	}
	a.ID = id
	a.CreatedAt = now
	return nil
}

const artifactSelect = `
	SELECT id, file_id, file_name, stored_path, size_bytes, content_hash, kind,
		estimated_seconds, total_grams, COALESCE(filaments, ''),
		COALESCE(thumbnail_path, ''), COALESCE(printer_models, ''),
		COALESCE(bed_type, ''), bed_width_mm, bed_depth_mm, supports_used,
		model_id, created_at
	FROM print_artifacts`

func scanArtifact(row rowScanner) (*PrintArtifact, error) {
	var a PrintArtifact
	var filaments, printerModels string
	err := row.Scan(&a.ID, &a.FileID, &a.FileName, &a.StoredPath, &a.SizeBytes,
		&a.ContentHash, &a.Kind, &a.EstimatedSeconds, &a.TotalGrams, &filaments,
		&a.ThumbnailPath, &printerModels, &a.BedType, &a.BedWidthMM, &a.BedDepthMM,
		&a.SupportsUsed, &a.ModelID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}
	if filaments != "" {
		if err := json.Unmarshal([]byte(filaments), &a.Filaments); err != nil {
			return nil, fmt.Errorf("corrupt filament metadata for artifact %d: %w", a.ID, err)
		}
	}
	if printerModels != "" {
		if err := json.Unmarshal([]byte(printerModels), &a.PrinterModels); err != nil {
			return nil, fmt.Errorf("corrupt printer models for artifact %d: %w", a.ID, err)
		}
	}
	return &a, nil
}

// GetArtifact returns one artifact by id.
func (s *Store) GetArtifact(id int64) (*PrintArtifact, error) {
	row := s.db.QueryRow(rebind(s.dialect, artifactSelect+` WHERE id = ?`), id)
	return scanArtifact(row)
}

// GetArtifactByHash returns an artifact with a matching content hash,
// used for duplicate upload detection.
func (s *Store) GetArtifactByHash(hash string) (*PrintArtifact, error) {
	row := s.db.QueryRow(rebind(s.dialect, artifactSelect+` WHERE content_hash = ? LIMIT 1`), hash)
	return scanArtifact(row)
}

// ListArtifacts returns artifacts, newest first.
func (s *Store) ListArtifacts() ([]*PrintArtifact, error) {
	rows, err := s.db.Query(artifactSelect + ` ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*PrintArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// DeleteArtifact removes an artifact row. The caller is responsible for
// removing the stored file.
func (s *Store) DeleteArtifact(id int64) error {
	res, err := s.db.Exec(rebind(s.dialect, `DELETE FROM print_artifacts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// marshalJSON encodes v, mapping empty values to the empty string so
// unset JSON columns stay empty instead of "null".
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	out := string(b)
	if out == "null" || out == "{}" || out == "[]" {
		return "", nil
	}
	return out, nil
}
