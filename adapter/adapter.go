// Package adapter abstracts vendor printer transports behind one
// contract. Three transports are implemented: a TLS message-bus pub/sub
// vendor, a JSON-over-HTTP polling vendor, and a session-cookie upload
// vendor. Dispatch is by the printer's api_type.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"printfarm/logger"
	"printfarm/storage"
)

// DeviceState is the hardware-reported print state.
type DeviceState string

const (
	StateIdle     DeviceState = "idle"
	StatePrepare  DeviceState = "prepare"
	StateRunning  DeviceState = "running"
	StatePaused   DeviceState = "paused"
	StateFailed   DeviceState = "failed"
	StateFinished DeviceState = "finished"
)

// IsPrinting reports whether the state counts as an active print.
func (s DeviceState) IsPrinting() bool {
	return s == StateRunning || s == StatePrepare
}

// IsTerminal reports whether the state ends a print.
func (s DeviceState) IsTerminal() bool {
	return s == StateFinished || s == StateFailed
}

// SlotReading is one AMS bay as reported by hardware.
type SlotReading struct {
	SlotNumber   int
	MaterialType string
	ColorHex     string
	RemainingPct *int   // nil = unknown
	RFIDTag      string // empty = no tag
}

// StatusFrame is one hardware status report. All numeric fields are
// pointers: nil means the vendor did not report the value.
type StatusFrame struct {
	PrinterID int64
	At        time.Time

	State DeviceState

	BedTemp          *float64
	BedTargetTemp    *float64
	NozzleTemp       *float64
	NozzleTargetTemp *float64
	FanSpeedPct      *int

	FileName         string
	ProgressPct      *float64
	RemainingMinutes *int
	CurrentLayer     *int
	TotalLayers      *int

	Slots []SlotReading

	// Vendor error codes, already formatted as structured ids.
	ErrorCodes []string
}

// Sink receives frames from an adapter in arrival order.
type Sink func(StatusFrame)

// StartOptions tunes StartPrint.
type StartOptions struct {
	BedLeveling  bool
	FlowCalibr   bool
	TimelapseOn  bool
	AMSMapping   []int // job slot -> hardware slot, empty = identity
	PlateNumber  int
	OverrideComp bool // skip the compatibility advisory
}

// Adapter is the uniform per-printer transport contract. Connect is
// idempotent and returns after the first status frame or a deadline.
// Control commands return when accepted, not when the hardware state
// changes; callers watch the frame stream for the effect.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error

	Upload(ctx context.Context, data []byte, remoteName string) error
	StartPrint(ctx context.Context, remoteName string, opts StartOptions) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	SetFanSpeed(ctx context.Context, pct int) error
	SetLights(ctx context.Context, on bool) error
	SkipObjects(ctx context.Context, objectIDs []int) error
}

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	ErrUnreachable  ErrorKind = "unreachable"
	ErrAuthRejected ErrorKind = "auth_rejected"
	ErrTimeout      ErrorKind = "timed_out"
	ErrProtocol     ErrorKind = "protocol_violation"
)

// Error is a typed transport failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the transport error kind, or "" for other errors.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// Config carries everything an adapter needs to reach one printer.
type Config struct {
	PrinterID   int64
	Host        string
	Credentials string // vendor-specific format, e.g. "serial|access_code"

	// ConnectTimeout bounds Connect's wait for the first frame.
	ConnectTimeout time.Duration
}

// New builds the adapter matching a printer's api_type. frames may be
// nil for command-only use (TestConnection paths).
func New(apiType storage.PrinterAPIType, cfg Config, frames Sink, log *logger.Logger) (Adapter, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	switch apiType {
	case storage.APITypeMsgBus:
		return newMsgBusAdapter(cfg, frames, log)
	case storage.APITypeHTTPPoll:
		return newHTTPPollAdapter(cfg, frames, log), nil
	case storage.APITypeFileSession:
		return newFileSessionAdapter(cfg, frames, log), nil
	default:
		return nil, fmt.Errorf("unknown printer api type %q", apiType)
	}
}

// TestConnection probes reachability without binding a session.
func TestConnection(ctx context.Context, apiType storage.PrinterAPIType, host, credentials string, log *logger.Logger) error {
	a, err := New(apiType, Config{Host: host, Credentials: credentials, ConnectTimeout: 10 * time.Second}, nil, log)
	if err != nil {
		return err
	}
	defer a.Disconnect()
	return a.Connect(ctx)
}
