// Package artifact ingests sliced print files: parse, dedup, and store
// on disk with a metadata row. 3mf archives are parsed for print
// metadata; gcode and bgcode are stored opaque.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"printfarm/logger"
	"printfarm/storage"
)

// Upload limits. Variables so tests can lower them.
var (
	// maxUploadBytes caps one uploaded file.
	maxUploadBytes = int64(100 << 20)
	// maxUncompressedBytes caps the declared uncompressed size of a 3mf
	// archive, against zip bombs.
	maxUncompressedBytes = uint64(500 << 20)
)

var (
	ErrTooLarge    = errors.New("file exceeds the upload size limit")
	ErrBadName     = errors.New("file name is not acceptable")
	ErrUnsupported = errors.New("unsupported file type")
)

// Manager owns artifact intake and on-disk storage.
type Manager struct {
	store   *storage.Store
	dataDir string
	log     *logger.Logger
}

// NewManager wires the intake. Files land under dataDir/print_files.
func NewManager(store *storage.Store, dataDir string, log *logger.Logger) *Manager {
	return &Manager{store: store, dataDir: dataDir, log: log}
}

// Ingest validates, parses and stores one uploaded file. A re-upload of
// identical content returns the existing artifact instead of a copy.
func (m *Manager) Ingest(fileName string, data []byte) (*storage.PrintArtifact, error) {
	if int64(len(data)) > maxUploadBytes {
		return nil, fmt.Errorf("%d bytes: %w", len(data), ErrTooLarge)
	}
	clean, err := SanitizeFileName(fileName)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if existing, err := m.store.GetArtifactByHash(hash); err == nil {
		m.log.Debug("duplicate artifact upload", "file", clean, "existing", existing.ID)
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	a := &storage.PrintArtifact{
		FileID:      uuid.NewString(),
		FileName:    clean,
		SizeBytes:   int64(len(data)),
		ContentHash: hash,
	}

	var thumbnail []byte
	switch strings.ToLower(filepath.Ext(clean)) {
	case ".3mf":
		a.Kind = "3mf"
		meta, err := parse3MF(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", clean, err)
		}
		a.EstimatedSeconds = meta.EstimatedSeconds
		a.TotalGrams = meta.TotalGrams
		a.Filaments = meta.Filaments
		a.PrinterModels = meta.PrinterModels
		a.BedType = meta.BedType
		a.BedWidthMM = meta.BedWidthMM
		a.BedDepthMM = meta.BedDepthMM
		a.SupportsUsed = meta.SupportsUsed
		thumbnail = meta.Thumbnail
	case ".gcode":
		a.Kind = "gcode"
	case ".bgcode":
		a.Kind = "bgcode"
	default:
		return nil, fmt.Errorf("%s: %w", clean, ErrUnsupported)
	}

	dir := filepath.Join(m.dataDir, "print_files")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	a.StoredPath = filepath.Join(dir, a.FileID+"_"+clean)
	if err := os.WriteFile(a.StoredPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}
	if len(thumbnail) > 0 {
		a.ThumbnailPath = filepath.Join(dir, a.FileID+"_thumb.png")
		if err := os.WriteFile(a.ThumbnailPath, thumbnail, 0o644); err != nil {
			m.log.Warn("failed to store thumbnail", "file", clean, "error", err)
			a.ThumbnailPath = ""
		}
	}

	if err := m.store.CreateArtifact(a); err != nil {
		os.Remove(a.StoredPath)
		if a.ThumbnailPath != "" {
			os.Remove(a.ThumbnailPath)
		}
		return nil, err
	}
	m.log.Info("artifact ingested", "file", clean, "kind", a.Kind, "id", a.ID, "bytes", a.SizeBytes)
	return a, nil
}

// Delete removes the artifact row and its files.
func (m *Manager) Delete(id int64) error {
	a, err := m.store.GetArtifact(id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteArtifact(id); err != nil {
		return err
	}
	if a.StoredPath != "" {
		os.Remove(a.StoredPath)
	}
	if a.ThumbnailPath != "" {
		os.Remove(a.ThumbnailPath)
	}
	return nil
}

// SanitizeFileName restricts names to [A-Za-z0-9._-] and rejects
// anything that smells of path traversal.
func SanitizeFileName(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("%q: %w", name, ErrBadName)
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	clean := b.String()
	if strings.Trim(clean, "._") == "" {
		return "", fmt.Errorf("%q: %w", name, ErrBadName)
	}
	return clean, nil
}
