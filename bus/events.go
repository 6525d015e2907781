package bus

// Payload variants, one struct per topic family. The bus carries the
// variant; channel adapters in the alerts package format it for humans.

// PrinterEvent accompanies printer.connected, printer.disconnected,
// printer.error, printer.state_changed and printer.slots_reported.
type PrinterEvent struct {
	PrinterID   int64
	PrinterName string
	State       string // device state after the change
	Error       string // set for printer.error
}

// HMSEvent accompanies printer.hms_code.
type HMSEvent struct {
	PrinterID   int64
	PrinterName string
	Code        string // formatted device×module×class×sub-code id
	Message     string
	Severity    string
}

// JobEvent accompanies the job.* topics.
type JobEvent struct {
	JobID       int64
	ItemName    string
	PrinterID   int64
	PrinterName string
	Status      string
	FailReason  string // set for job.failed
}

// SpoolEvent accompanies inventory.spool_low and inventory.spool_empty.
type SpoolEvent struct {
	SpoolID        int64
	PrinterID      int64
	SlotNumber     int
	MaterialType   string
	ColorName      string
	RemainingGrams float64
	ThresholdGrams float64
}

// DetectionEvent accompanies vision.detection.
type DetectionEvent struct {
	PrinterID  int64
	JobID      int64
	Label      string // e.g. "spaghetti"
	Confidence float64
}

// BackupEvent accompanies system.backup_completed.
type BackupEvent struct {
	Path      string
	SizeBytes int64
}
