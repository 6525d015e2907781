package storage

import (
	"time"
)

// PrinterAPIType selects the protocol adapter used for a printer.
type PrinterAPIType string

const (
	// APITypeMsgBus is the TLS pub/sub message-bus transport
	// (serial|access_code credentials, JSON command envelopes).
	APITypeMsgBus PrinterAPIType = "msgbus"
	// APITypeHTTPPoll polls a JSON-over-HTTP status endpoint.
	APITypeHTTPPoll PrinterAPIType = "httppoll"
	// APITypeFileSession uploads via an authenticated session cookie.
	APITypeFileSession PrinterAPIType = "filesession"
)

// Printer is a physical machine on the fleet.
type Printer struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"` // unique display name
	APIType     PrinterAPIType `json:"api_type"`
	Host        string         `json:"host"`
	Credentials string         `json:"-"` // plaintext in memory only; ciphertext at rest
	ModelFamily string         `json:"model_family"`
	BedWidthMM  int            `json:"bed_width_mm"`
	BedDepthMM  int            `json:"bed_depth_mm"`
	SlotCount   int            `json:"slot_count"` // 1..16
	Active      bool           `json:"active"`

	// Derived counters maintained on job completion.
	PrintHours        float64 `json:"print_hours"`
	PrintCount        int     `json:"print_count"`
	HoursSinceService float64 `json:"hours_since_service"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxSlotCount bounds the number of filament slots per printer.
const MaxSlotCount = 16

// FilamentSlot is one filament channel (AMS bay) on a printer.
type FilamentSlot struct {
	ID              int64     `json:"id"`
	PrinterID       int64     `json:"printer_id"`
	SlotNumber      int       `json:"slot_number"` // 1..printer.SlotCount
	MaterialType    string    `json:"material_type"`
	ColorName       string    `json:"color_name"`
	ColorHex        string    `json:"color_hex"`
	AssignedSpoolID int64     `json:"assigned_spool_id"` // 0 = none
	SpoolConfirmed  bool      `json:"spool_confirmed"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SpoolStatus is the lifecycle state of a tracked spool.
type SpoolStatus string

const (
	SpoolStatusActive   SpoolStatus = "active"
	SpoolStatusEmpty    SpoolStatus = "empty"
	SpoolStatusArchived SpoolStatus = "archived"
)

// DefaultLowThresholdGrams is the remaining-weight level below which
// inventory.spool_low fires, unless overridden per spool.
const DefaultLowThresholdGrams = 100.0

// Spool is a tracked physical filament spool. Its location is exactly
// one of printer+slot, a storage location, or unassigned.
type Spool struct {
	ID               int64       `json:"id"`
	FilamentID       int64       `json:"filament_id"` // library entry, 0 = unknown
	QRCode           string      `json:"qr_code,omitempty"`
	RFIDTag          string      `json:"rfid_tag,omitempty"` // unique when present
	InitialGrams     float64     `json:"initial_grams"`
	RemainingGrams   float64     `json:"remaining_grams"`
	EmptyWeightGrams float64     `json:"empty_weight_grams"`
	LowThreshold     float64     `json:"low_threshold_grams"`
	Status           SpoolStatus `json:"status"`

	PrinterID       int64  `json:"printer_id"`  // 0 = not loaded
	SlotNumber      int    `json:"slot_number"` // valid when PrinterID != 0
	StorageLocation string `json:"storage_location,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filament is a catalog entry in the local filament library.
type Filament struct {
	ID          int64   `json:"id"`
	Brand       string  `json:"brand"`
	ProductName string  `json:"product_name"`
	Material    string  `json:"material"`
	ColorName   string  `json:"color_name"`
	ColorHex    string  `json:"color_hex"`
	CostPerGram float64 `json:"cost_per_gram"`
}

// ColorRequirement is one slot's color and weight demand for a model or job.
type ColorRequirement struct {
	ColorHex string  `json:"color_hex"`
	Grams    float64 `json:"grams"`
}

// Model is a printable item definition.
type Model struct {
	ID                int64                    `json:"id"`
	Name              string                   `json:"name"`
	EstimatedMinutes  int                      `json:"estimated_minutes"`
	DefaultMaterial   string                   `json:"default_material"`
	ColorRequirements map[int]ColorRequirement `json:"color_requirements"` // slot index -> requirement
	ThumbnailPath     string                   `json:"thumbnail_path,omitempty"`
	ArtifactID        int64                    `json:"artifact_id"` // 0 = none
	CreatedAt         time.Time                `json:"created_at"`
}

// ArtifactFilament is one filament usage entry parsed from a sliced file.
type ArtifactFilament struct {
	Slot       int     `json:"slot"`
	Material   string  `json:"material"`
	ColorHex   string  `json:"color_hex"`
	UsedGrams  float64 `json:"used_grams"`
	UsedMeters float64 `json:"used_meters"`
}

// PrintArtifact is an uploaded sliced file plus its parsed metadata.
type PrintArtifact struct {
	ID          int64  `json:"id"`
	FileID      string `json:"file_id"` // uuid used in the stored filename
	FileName    string `json:"file_name"`
	StoredPath  string `json:"stored_path"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentHash string `json:"content_hash"` // sha256, duplicate detection
	Kind        string `json:"kind"`         // 3mf, gcode, bgcode

	EstimatedSeconds int                `json:"estimated_seconds"`
	TotalGrams       float64            `json:"total_grams"`
	Filaments        []ArtifactFilament `json:"filaments,omitempty"`
	ThumbnailPath    string             `json:"thumbnail_path,omitempty"`
	PrinterModels    []string           `json:"printer_models,omitempty"` // compatibility tags
	BedType          string             `json:"bed_type,omitempty"`
	BedWidthMM       int                `json:"bed_width_mm"`
	BedDepthMM       int                `json:"bed_depth_mm"`
	SupportsUsed     bool               `json:"supports_used"`

	ModelID   int64     `json:"model_id"` // 0 = standalone
	CreatedAt time.Time `json:"created_at"`
}

// JobStatus is the scheduling state of a job.
type JobStatus string

const (
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusPending   JobStatus = "pending"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusPrinting  JobStatus = "printing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusRejected  JobStatus = "rejected"
)

// IsTerminal reports whether a job in this status can never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusRejected:
		return true
	}
	return false
}

// jobTransitions is the allowed state machine. Transitions not listed
// here are rejected by UpdateJobStatus.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusSubmitted: {JobStatusPending, JobStatusRejected},
	JobStatusPending:   {JobStatusScheduled, JobStatusCancelled},
	JobStatusScheduled: {JobStatusPrinting, JobStatusPending, JobStatusFailed, JobStatusCancelled},
	JobStatusPrinting:  {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailReason is the closed set of reasons a print can fail.
type FailReason string

const (
	FailReasonSpaghetti      FailReason = "spaghetti"
	FailReasonAdhesion       FailReason = "adhesion"
	FailReasonClog           FailReason = "clog"
	FailReasonLayerShift     FailReason = "layer_shift"
	FailReasonStringing      FailReason = "stringing"
	FailReasonWarping        FailReason = "warping"
	FailReasonFilamentRunout FailReason = "filament_runout"
	FailReasonFilamentTangle FailReason = "filament_tangle"
	FailReasonPowerLoss      FailReason = "power_loss"
	FailReasonFirmwareError  FailReason = "firmware_error"
	FailReasonUserCancelled  FailReason = "user_cancelled"
	FailReasonOther          FailReason = "other"
)

// Job is the core scheduling unit.
type Job struct {
	ID         int64 `json:"id"`
	ModelID    int64 `json:"model_id"`    // 0 = none
	ArtifactID int64 `json:"artifact_id"` // 0 = none

	ItemName        string                   `json:"item_name"`
	Quantity        int                      `json:"quantity"`
	Priority        int                      `json:"priority"` // 1..5, lower = higher
	DurationMinutes int                      `json:"duration_minutes"`
	ColorReqs       map[int]ColorRequirement `json:"color_requirements"`
	MaterialType    string                   `json:"material_type"`
	Hold            bool                     `json:"hold"`
	DueDate         *time.Time               `json:"due_date,omitempty"`

	Status         JobStatus  `json:"status"`
	PrinterID      int64      `json:"printer_id"` // 0 = unassigned
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`
	Locked         bool       `json:"is_locked"`

	// Frozen at create time.
	EstimatedCost  float64 `json:"estimated_cost"`
	SuggestedPrice float64 `json:"suggested_price"`

	FailReason FailReason `json:"fail_reason,omitempty"`
	FailNotes  string     `json:"fail_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveDurationMinutes returns the planning duration; jobs with no
// estimate are planned as one 30-minute block.
func (j *Job) EffectiveDurationMinutes() int {
	if j.DurationMinutes <= 0 {
		return 30
	}
	return j.DurationMinutes
}

// SchedulerRun is the audit record of one batch planning pass.
type SchedulerRun struct {
	ID             int64     `json:"id"`
	RunAt          time.Time `json:"run_at"`
	CandidateCount int       `json:"candidate_count"`
	ScheduledCount int       `json:"scheduled_count"`
	SkippedCount   int       `json:"skipped_count"`
	SetupBlocks    int       `json:"setup_blocks"`
	Notes          string    `json:"notes,omitempty"`
}

// PrintRecordStatus is the observed state of a print on hardware.
type PrintRecordStatus string

const (
	PrintRecordRunning   PrintRecordStatus = "running"
	PrintRecordCompleted PrintRecordStatus = "completed"
	PrintRecordFailed    PrintRecordStatus = "failed"
	PrintRecordCancelled PrintRecordStatus = "cancelled"
)

// PrintRecord is live print telemetry, independent of any Job. A record
// with JobID == 0 is a print started outside the control plane; linking
// it to a job is a later admin action.
type PrintRecord struct {
	ID               int64             `json:"id"`
	PrinterID        int64             `json:"printer_id"`
	JobID            int64             `json:"job_id"` // 0 = unlinked
	FileName         string            `json:"file_name"`
	ProgressPct      float64           `json:"progress_pct"`
	RemainingMinutes int               `json:"remaining_minutes"`
	CurrentLayer     int               `json:"current_layer"`
	TotalLayers      int               `json:"total_layers"`
	Status           PrintRecordStatus `json:"status"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          *time.Time        `json:"ended_at,omitempty"`
}

// SpoolUsage is one deduction applied to a spool for a completed job.
type SpoolUsage struct {
	ID         int64     `json:"id"`
	SpoolID    int64     `json:"spool_id"`
	JobID      int64     `json:"job_id"`
	SlotNumber int       `json:"slot_number"`
	Grams      float64   `json:"grams"`
	CreatedAt  time.Time `json:"created_at"`
}

// AlertSeverity ranks alerts.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// severityRank orders severities for threshold comparisons.
func severityRank(s AlertSeverity) int {
	switch s {
	case AlertSeverityCritical:
		return 2
	case AlertSeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above min.
func (s AlertSeverity) AtLeast(min AlertSeverity) bool {
	return severityRank(s) >= severityRank(min)
}

// Alert is an in-app notification record.
type Alert struct {
	ID        int64         `json:"id"`
	Kind      string        `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	UserID    int64         `json:"user_id"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Read      bool          `json:"read"`
	Dismissed bool          `json:"dismissed"`
	PrinterID int64         `json:"printer_id,omitempty"`
	JobID     int64         `json:"job_id,omitempty"`
	SpoolID   int64         `json:"spool_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// QuietMode selects what happens to notifications inside quiet hours.
type QuietMode string

const (
	QuietModeSuppress QuietMode = "suppress"
	QuietModeDigest   QuietMode = "digest"
)

// AlertPreference is one user's delivery configuration.
type AlertPreference struct {
	UserID       int64 `json:"user_id"`
	InAppEnabled bool  `json:"in_app_enabled"`
	EmailEnabled bool  `json:"email_enabled"`
	PushEnabled  bool  `json:"push_enabled"`

	EmailAddress     string `json:"email_address,omitempty"`
	PushSubscription string `json:"-"` // VAPID subscription JSON
	WebhookURL       string `json:"-"` // ciphertext at rest
	WebhookKind      string `json:"webhook_kind,omitempty"`

	// Minimum severity per alert kind; kinds absent from the map use
	// MinSeverity as the default.
	MinSeverity    AlertSeverity            `json:"min_severity"`
	KindThresholds map[string]AlertSeverity `json:"kind_thresholds,omitempty"`

	QuietStart string    `json:"quiet_start,omitempty"` // HH:MM local
	QuietEnd   string    `json:"quiet_end,omitempty"`
	QuietMode  QuietMode `json:"quiet_mode,omitempty"`
}

// AuditEntry is one append-only administrative action record.
type AuditEntry struct {
	ID         int64             `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Action     string            `json:"action"`
	EntityKind string            `json:"entity_kind"`
	EntityID   int64             `json:"entity_id"`
	Actor      string            `json:"actor"`
	SourceIP   string            `json:"source_ip,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}
