// Package storage is the durable state store for the printfarm control
// plane: printers, filament slots, spools, the filament library, models,
// print artifacts, jobs, print records, scheduler runs, alerts, and the
// audit log. SQLite (pure Go driver) is the default backend; PostgreSQL
// is supported through the pgx stdlib driver with the same SQL.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // Pure Go SQLite driver (no CGO required)
)

// Store provides transactional access to all persisted entities.
type Store struct {
	db      *sql.DB
	dialect Dialect
	secrets *SecretBox
	dbPath  string // set for sqlite; used by BackupTo

	jobLocks   keyedMutex
	spoolLocks keyedMutex
}

// Open connects to the store. databaseURL is either a postgres:// DSN
// or a filesystem path (or ":memory:") for SQLite. secrets may be nil,
// in which case secret columns are stored in the clear (tests only).
func Open(databaseURL string, secrets *SecretBox) (*Store, error) {
	var (
		db      *sql.DB
		dialect Dialect
		dbPath  string
		err     error
	)

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		dialect = PostgresDialect{}
	} else {
		dbPath = databaseURL
		if dbPath == "" {
			dbPath = DefaultDBPath()
		}
		if dbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create db directory: %w", err)
			}
		}
		connStr := dbPath
		if dbPath != ":memory:" {
			connStr += "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON"
		} else {
			connStr += "?_foreign_keys=ON"
		}
		db, err = sql.Open("sqlite", connStr)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		dialect = SQLiteDialect{}
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		secrets: secrets,
		dbPath:  dbPath,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect exposes the active dialect (used by tests).
func (s *Store) Dialect() Dialect { return s.dialect }

const schemaVersion = 1

// migrate applies forward-only schema migrations at startup.
func (s *Store) migrate() error {
	d := s.dialect

	versionTable := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at %s NOT NULL DEFAULT %s
	)`, d.TimestampType(), d.CurrentTimestamp())
	if _, err := s.db.Exec(versionTable); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		ddl, ok := migrations[v]
		if !ok {
			return fmt.Errorf("missing migration for schema version %d", v)
		}
		if _, err := s.db.Exec(ddl(d)); err != nil {
			return fmt.Errorf("migration %d failed: %w", v, err)
		}
		if _, err := s.db.Exec(rebind(d, "INSERT INTO schema_version (version) VALUES (?)"), v); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", v, err)
		}
	}
	return nil
}

// migrations maps schema version to its DDL. Forward-only: shipped
// versions are never edited, only appended to.
var migrations = map[int]func(Dialect) string{
	1: baseSchema,
}

func baseSchema(d Dialect) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS printers (
		id %[1]s,
		name TEXT NOT NULL UNIQUE,
		api_type TEXT NOT NULL,
		host TEXT NOT NULL,
		credentials TEXT,
		model_family TEXT,
		bed_width_mm INTEGER NOT NULL DEFAULT 0,
		bed_depth_mm INTEGER NOT NULL DEFAULT 0,
		slot_count INTEGER NOT NULL DEFAULT 1,
		active %[2]s NOT NULL DEFAULT %[5]s,
		print_hours REAL NOT NULL DEFAULT 0,
		print_count INTEGER NOT NULL DEFAULT 0,
		hours_since_service REAL NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at %[3]s NOT NULL DEFAULT %[4]s,
		updated_at %[3]s NOT NULL DEFAULT %[4]s
	);

	CREATE TABLE IF NOT EXISTS filament_slots (
		id %[1]s,
		printer_id BIGINT NOT NULL REFERENCES printers(id) ON DELETE CASCADE,
		slot_number INTEGER NOT NULL,
		material_type TEXT,
		color_name TEXT,
		color_hex TEXT,
		assigned_spool_id BIGINT NOT NULL DEFAULT 0,
		spool_confirmed %[2]s NOT NULL DEFAULT %[6]s,
		updated_at %[3]s NOT NULL DEFAULT %[4]s,
		UNIQUE(printer_id, slot_number)
	);

	CREATE TABLE IF NOT EXISTS filaments (
		id %[1]s,
		brand TEXT,
		product_name TEXT,
		material TEXT NOT NULL,
		color_name TEXT,
		color_hex TEXT,
		cost_per_gram REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS spools (
		id %[1]s,
		filament_id BIGINT NOT NULL DEFAULT 0,
		qr_code TEXT,
		rfid_tag TEXT UNIQUE,
		initial_grams REAL NOT NULL DEFAULT 0,
		remaining_grams REAL NOT NULL DEFAULT 0,
		empty_weight_grams REAL NOT NULL DEFAULT 0,
		low_threshold_grams REAL NOT NULL DEFAULT 100,
		status TEXT NOT NULL DEFAULT 'active',
		printer_id BIGINT NOT NULL DEFAULT 0,
		slot_number INTEGER NOT NULL DEFAULT 0,
		storage_location TEXT,
		created_at %[3]s NOT NULL DEFAULT %[4]s,
		updated_at %[3]s NOT NULL DEFAULT %[4]s
	);
	CREATE INDEX IF NOT EXISTS idx_spools_location ON spools(printer_id, slot_number);
	CREATE INDEX IF NOT EXISTS idx_spools_status ON spools(status);

	CREATE TABLE IF NOT EXISTS spool_usage (
		id %[1]s,
		spool_id BIGINT NOT NULL,
		job_id BIGINT NOT NULL,
		slot_number INTEGER NOT NULL,
		grams REAL NOT NULL,
		created_at %[3]s NOT NULL DEFAULT %[4]s
	);
	CREATE INDEX IF NOT EXISTS idx_spool_usage_spool ON spool_usage(spool_id);
	CREATE INDEX IF NOT EXISTS idx_spool_usage_job ON spool_usage(job_id);

	CREATE TABLE IF NOT EXISTS models (
		id %[1]s,
		name TEXT NOT NULL,
		estimated_minutes INTEGER NOT NULL DEFAULT 0,
		default_material TEXT,
		color_requirements TEXT,
		thumbnail_path TEXT,
		artifact_id BIGINT NOT NULL DEFAULT 0,
		created_at %[3]s NOT NULL DEFAULT %[4]s
	);

	CREATE TABLE IF NOT EXISTS print_artifacts (
		id %[1]s,
		file_id TEXT NOT NULL UNIQUE,
		file_name TEXT NOT NULL,
		stored_path TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		estimated_seconds INTEGER NOT NULL DEFAULT 0,
		total_grams REAL NOT NULL DEFAULT 0,
		filaments TEXT,
		thumbnail_path TEXT,
		printer_models TEXT,
		bed_type TEXT,
		bed_width_mm INTEGER NOT NULL DEFAULT 0,
		bed_depth_mm INTEGER NOT NULL DEFAULT 0,
		supports_used %[2]s NOT NULL DEFAULT %[6]s,
		model_id BIGINT NOT NULL DEFAULT 0,
		created_at %[3]s NOT NULL DEFAULT %[4]s
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_hash ON print_artifacts(content_hash);

	CREATE TABLE IF NOT EXISTS jobs (
		id %[1]s,
		model_id BIGINT NOT NULL DEFAULT 0,
		artifact_id BIGINT NOT NULL DEFAULT 0,
		item_name TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 3,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		color_requirements TEXT,
		material_type TEXT,
		hold %[2]s NOT NULL DEFAULT %[6]s,
		due_date %[3]s,
		status TEXT NOT NULL DEFAULT 'submitted',
		printer_id BIGINT NOT NULL DEFAULT 0,
		scheduled_start %[3]s,
		scheduled_end %[3]s,
		actual_start %[3]s,
		actual_end %[3]s,
		is_locked %[2]s NOT NULL DEFAULT %[6]s,
		estimated_cost REAL NOT NULL DEFAULT 0,
		suggested_price REAL NOT NULL DEFAULT 0,
		fail_reason TEXT,
		fail_notes TEXT,
		created_at %[3]s NOT NULL DEFAULT %[4]s,
		updated_at %[3]s NOT NULL DEFAULT %[4]s
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_printer ON jobs(printer_id);

	CREATE TABLE IF NOT EXISTS scheduler_runs (
		id %[1]s,
		run_at %[3]s NOT NULL DEFAULT %[4]s,
		candidate_count INTEGER NOT NULL DEFAULT 0,
		scheduled_count INTEGER NOT NULL DEFAULT 0,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		setup_blocks INTEGER NOT NULL DEFAULT 0,
		notes TEXT
	);

	CREATE TABLE IF NOT EXISTS print_records (
		id %[1]s,
		printer_id BIGINT NOT NULL,
		job_id BIGINT NOT NULL DEFAULT 0,
		file_name TEXT,
		progress_pct REAL NOT NULL DEFAULT 0,
		remaining_minutes INTEGER NOT NULL DEFAULT 0,
		current_layer INTEGER NOT NULL DEFAULT 0,
		total_layers INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'running',
		started_at %[3]s NOT NULL DEFAULT %[4]s,
		ended_at %[3]s
	);
	CREATE INDEX IF NOT EXISTS idx_print_records_printer ON print_records(printer_id);
	CREATE INDEX IF NOT EXISTS idx_print_records_status ON print_records(status);

	CREATE TABLE IF NOT EXISTS alerts (
		id %[1]s,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		user_id BIGINT NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		message TEXT,
		read %[2]s NOT NULL DEFAULT %[6]s,
		dismissed %[2]s NOT NULL DEFAULT %[6]s,
		printer_id BIGINT NOT NULL DEFAULT 0,
		job_id BIGINT NOT NULL DEFAULT 0,
		spool_id BIGINT NOT NULL DEFAULT 0,
		created_at %[3]s NOT NULL DEFAULT %[4]s
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id);

	CREATE TABLE IF NOT EXISTS alert_preferences (
		user_id BIGINT PRIMARY KEY,
		in_app_enabled %[2]s NOT NULL DEFAULT %[5]s,
		email_enabled %[2]s NOT NULL DEFAULT %[6]s,
		push_enabled %[2]s NOT NULL DEFAULT %[6]s,
		email_address TEXT,
		push_subscription TEXT,
		webhook_url TEXT,
		webhook_kind TEXT,
		min_severity TEXT NOT NULL DEFAULT 'info',
		kind_thresholds TEXT,
		quiet_start TEXT,
		quiet_end TEXT,
		quiet_mode TEXT
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id %[1]s,
		timestamp %[3]s NOT NULL DEFAULT %[4]s,
		action TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id BIGINT NOT NULL DEFAULT 0,
		actor TEXT,
		source_ip TEXT,
		details TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
	`,
		d.AutoIncrement(),     // 1
		d.BoolType(),          // 2
		d.TimestampType(),     // 3
		d.CurrentTimestamp(),  // 4
		boolLiteral(d, true),  // 5
		boolLiteral(d, false), // 6
	)
}

func boolLiteral(d Dialect, v bool) string {
	if d.Name() == "postgres" {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

// BackupTo snapshots the store into a single file at path. Only the
// SQLite backend supports snapshots; postgres deployments use pg_dump.
func (s *Store) BackupTo(ctx context.Context, path string) error {
	if s.dialect.Name() != "sqlite" {
		return fmt.Errorf("backup is only supported for the sqlite backend")
	}
	if s.dbPath == ":memory:" {
		return fmt.Errorf("cannot back up an in-memory database")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	// VACUUM INTO produces a consistent snapshot without blocking writers.
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	return nil
}

// DefaultDBPath returns the platform-specific default database path.
func DefaultDBPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "PrintFarm", "printfarm.db")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library/Application Support/PrintFarm/printfarm.db")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local/share/printfarm/printfarm.db")
	}
}

func (s *Store) encryptSecret(plain string) (string, error) {
	if s.secrets == nil {
		return plain, nil
	}
	return s.secrets.Encrypt(plain)
}

func (s *Store) decryptSecret(stored string) (string, error) {
	if s.secrets == nil {
		return stored, nil
	}
	return s.secrets.Decrypt(stored)
}

// keyedMutex serializes operations per entity id. Job transitions and
// spool deductions hold the entity's lock across their read-check-write.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (k *keyedMutex) lock(id int64) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*sync.Mutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()
	m.Lock()
}

func (k *keyedMutex) unlock(id int64) {
	k.mu.Lock()
	m := k.locks[id]
	k.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}

// isUniqueViolation matches unique-constraint errors across both
// drivers by message text; neither driver exports a portable error type
// through database/sql.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// nullTime converts *time.Time to a driver value.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
