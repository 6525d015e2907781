// Package dispatcher converts scheduled job assignments into hardware
// action: artifact upload, print start, and reconciliation of job state
// against what the printers actually report.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"printfarm/adapter"
	"printfarm/bus"
	"printfarm/fleet"
	"printfarm/logger"
	"printfarm/storage"
)

// Typed dispatch failures. Upload and start-timeout failures also move
// the job to failed; the others leave it untouched for the operator.
var (
	ErrNotReady     = errors.New("job is not in a dispatchable state")
	ErrNoArtifact   = errors.New("job has no print artifact")
	ErrIncompatible = errors.New("artifact is not compatible with the printer")
	ErrUploadFailed = errors.New("artifact upload failed after retries")
	ErrStartTimeout = errors.New("printer did not confirm the print start")
)

// AdapterProvider hands out the live transport for a connected printer.
// The session supervisor implements it.
type AdapterProvider interface {
	Adapter(printerID int64) (adapter.Adapter, error)
}

// Deducter runs filament accounting after a completed job.
type Deducter interface {
	DeductForJob(job *storage.Job) error
}

// Dispatcher drives the per-job dispatch sequence and reconciles
// printing jobs against observed hardware state.
type Dispatcher struct {
	store    *storage.Store
	fleet    *fleet.State
	adapters AdapterProvider
	deduct   Deducter
	events   *bus.Bus
	log      *logger.Logger

	uploadDelays []time.Duration
	startTimeout time.Duration
	pollInterval time.Duration

	mu          sync.Mutex
	inflight    map[int64]string // job id -> uploaded file name
	cancelling  map[int64]bool   // printing jobs awaiting idle confirmation
	dispatching map[int64]bool   // printer ids mid-dispatch

	wg sync.WaitGroup
}

// New wires a dispatcher. deduct may be nil to skip filament accounting.
func New(store *storage.Store, fl *fleet.State, adapters AdapterProvider, deduct Deducter, events *bus.Bus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		fleet:        fl,
		adapters:     adapters,
		deduct:       deduct,
		events:       events,
		log:          log,
		uploadDelays: []time.Duration{2 * time.Second, 6 * time.Second, 18 * time.Second},
		startTimeout: 30 * time.Second,
		pollInterval: 250 * time.Millisecond,
		inflight:     make(map[int64]string),
		cancelling:   make(map[int64]bool),
		dispatching:  make(map[int64]bool),
	}
}

// DispatchJob pushes one scheduled job onto its printer. override skips
// the compatibility advisory.
func (d *Dispatcher) DispatchJob(ctx context.Context, jobID int64, override bool) error {
	job, err := d.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != storage.JobStatusScheduled || job.PrinterID == 0 {
		return fmt.Errorf("job %d is %s with printer %d: %w",
			job.ID, job.Status, job.PrinterID, ErrNotReady)
	}
	printer, err := d.store.GetPrinter(job.PrinterID)
	if err != nil {
		return err
	}
	artifact, err := d.resolveArtifact(job)
	if err != nil {
		return err
	}
	if !override {
		if err := checkCompatibility(artifact, printer); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(artifact.StoredPath)
	if err != nil {
		return fmt.Errorf("artifact %d file unreadable: %v: %w", artifact.ID, err, ErrNoArtifact)
	}

	if !d.acquireDispatch(printer.ID) {
		return fmt.Errorf("printer %d already has a dispatch in flight: %w", printer.ID, ErrNotReady)
	}
	defer d.releaseDispatch(printer.ID)

	a, err := d.adapters.Adapter(printer.ID)
	if err != nil {
		return err
	}

	if err := d.uploadWithRetry(ctx, a, data, artifact.FileName, job); err != nil {
		return err
	}
	d.store.AppendAudit(&storage.AuditEntry{
		Action:     "upload_succeeded",
		EntityKind: "job",
		EntityID:   job.ID,
		Details:    map[string]string{"file": artifact.FileName, "printer": printer.Name},
	})

	// Watch for the confirming frame before sending the start command so
	// a fast printer cannot slip its state change past us.
	sub := d.events.Subscribe(fmt.Sprintf("dispatch-job-%d", job.ID), bus.TopicPrinterStateChanged)
	defer d.events.Unsubscribe(sub)

	if err := a.StartPrint(ctx, artifact.FileName, adapter.StartOptions{OverrideComp: override}); err != nil {
		return d.failJob(job, storage.FailReasonFirmwareError,
			fmt.Sprintf("start command rejected: %v", err), ErrStartTimeout)
	}
	if err := d.awaitStart(ctx, sub, printer.ID, artifact.FileName); err != nil {
		return d.failJob(job, storage.FailReasonFirmwareError,
			"printer never reported the print as running", err)
	}

	job, err = d.store.UpdateJobStatus(job.ID, storage.JobStatusPrinting, nil)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.inflight[job.ID] = artifact.FileName
	d.mu.Unlock()

	if err := d.store.CreatePrintRecord(&storage.PrintRecord{
		PrinterID: printer.ID,
		JobID:     job.ID,
		FileName:  artifact.FileName,
	}); err != nil {
		d.log.Warn("failed to open print record", "job", job.ID, "error", err)
	}

	d.events.Publish(bus.TopicJobStarted, bus.JobEvent{
		JobID:       job.ID,
		ItemName:    job.ItemName,
		PrinterID:   printer.ID,
		PrinterName: printer.Name,
		Status:      string(job.Status),
	})
	d.log.Info("job dispatched", "job", job.ID, "printer", printer.Name, "file", artifact.FileName)
	return nil
}

// resolveArtifact finds the sliced file for a job: direct link first,
// then the model's default artifact.
func (d *Dispatcher) resolveArtifact(job *storage.Job) (*storage.PrintArtifact, error) {
	id := job.ArtifactID
	if id == 0 && job.ModelID != 0 {
		m, err := d.store.GetModel(job.ModelID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if m != nil {
			id = m.ArtifactID
		}
	}
	if id == 0 {
		return nil, fmt.Errorf("job %d: %w", job.ID, ErrNoArtifact)
	}
	artifact, err := d.store.GetArtifact(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("job %d references artifact %d: %w", job.ID, id, ErrNoArtifact)
	}
	return artifact, err
}

// checkCompatibility enforces the model-family and bed-size advisory.
func checkCompatibility(artifact *storage.PrintArtifact, printer *storage.Printer) error {
	if len(artifact.PrinterModels) > 0 && printer.ModelFamily != "" {
		found := false
		for _, m := range artifact.PrinterModels {
			if strings.EqualFold(m, printer.ModelFamily) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("artifact targets %v, printer is %s: %w",
				artifact.PrinterModels, printer.ModelFamily, ErrIncompatible)
		}
	}
	if artifact.BedWidthMM > 0 && printer.BedWidthMM > 0 && artifact.BedWidthMM > printer.BedWidthMM {
		return fmt.Errorf("bed width %dmm exceeds printer's %dmm: %w",
			artifact.BedWidthMM, printer.BedWidthMM, ErrIncompatible)
	}
	if artifact.BedDepthMM > 0 && printer.BedDepthMM > 0 && artifact.BedDepthMM > printer.BedDepthMM {
		return fmt.Errorf("bed depth %dmm exceeds printer's %dmm: %w",
			artifact.BedDepthMM, printer.BedDepthMM, ErrIncompatible)
	}
	return nil
}

// uploadWithRetry attempts the upload once plus one retry per backoff
// step. Exhaustion moves the job to failed.
func (d *Dispatcher) uploadWithRetry(ctx context.Context, a adapter.Adapter, data []byte, name string, job *storage.Job) error {
	var lastErr error
	for attempt := 0; attempt <= len(d.uploadDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.uploadDelays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = a.Upload(ctx, data, name)
		if lastErr == nil {
			return nil
		}
		d.log.Warn("artifact upload failed",
			"job", job.ID, "attempt", attempt+1, "error", lastErr)
	}
	return d.failJob(job, storage.FailReasonOther,
		fmt.Sprintf("upload failed after %d attempts: %v", len(d.uploadDelays)+1, lastErr),
		ErrUploadFailed)
}

// failJob records a dispatch failure on the job and returns the typed
// error for the caller.
func (d *Dispatcher) failJob(job *storage.Job, reason storage.FailReason, notes string, dispatchErr error) error {
	if _, err := d.store.UpdateJobStatus(job.ID, storage.JobStatusFailed, &storage.JobStatusChange{
		FailReason: reason,
		FailNotes:  notes,
	}); err != nil {
		d.log.Error("failed to mark job failed", "job", job.ID, "error", err)
	}
	d.events.Publish(bus.TopicJobFailed, bus.JobEvent{
		JobID:      job.ID,
		ItemName:   job.ItemName,
		PrinterID:  job.PrinterID,
		Status:     string(storage.JobStatusFailed),
		FailReason: string(reason),
	})
	return fmt.Errorf("job %d: %s: %w", job.ID, notes, dispatchErr)
}

// awaitStart blocks until the printer reports the uploaded file as
// preparing or running, or the start timeout lapses.
func (d *Dispatcher) awaitStart(ctx context.Context, sub *bus.Subscription, printerID int64, fileName string) error {
	deadline := time.NewTimer(d.startTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(d.pollInterval)
	defer poll.Stop()

	for {
		if d.startConfirmed(printerID, fileName) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrStartTimeout
		case <-sub.C():
		case <-poll.C:
		}
	}
}

func (d *Dispatcher) startConfirmed(printerID int64, fileName string) bool {
	snap, ok := d.fleet.Get(printerID)
	if !ok || !snap.State.IsPrinting() || snap.CurrentPrint == nil {
		return false
	}
	return sameFile(snap.CurrentPrint.FileName, fileName)
}

// sameFile compares vendor-reported file names, which may carry device
// paths, against the uploaded name.
func sameFile(reported, uploaded string) bool {
	if reported == "" || uploaded == "" {
		return false
	}
	return strings.EqualFold(path.Base(reported), path.Base(uploaded))
}

// Cancel aborts a job. Pending and scheduled jobs cancel immediately;
// printing jobs get a hardware stop and finish cancelling when the
// printer confirms idle.
func (d *Dispatcher) Cancel(ctx context.Context, jobID int64) error {
	job, err := d.store.GetJob(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case storage.JobStatusPending, storage.JobStatusScheduled:
		_, err := d.store.UpdateJobStatus(jobID, storage.JobStatusCancelled, nil)
		return err
	case storage.JobStatusPrinting:
		a, err := d.adapters.Adapter(job.PrinterID)
		if err != nil {
			return err
		}
		if err := a.Stop(ctx); err != nil {
			return fmt.Errorf("stop command failed for job %d: %w", jobID, err)
		}
		d.mu.Lock()
		d.cancelling[jobID] = true
		d.mu.Unlock()
		d.log.Info("stop sent, awaiting idle confirmation", "job", jobID)
		return nil
	default:
		return fmt.Errorf("job %d is %s: %w", jobID, job.Status, ErrNotReady)
	}
}

// acquireDispatch claims a printer for one dispatch attempt. It fails
// when another dispatch to the same printer is mid-flight.
func (d *Dispatcher) acquireDispatch(printerID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatching[printerID] {
		return false
	}
	d.dispatching[printerID] = true
	return true
}

func (d *Dispatcher) releaseDispatch(printerID int64) {
	d.mu.Lock()
	delete(d.dispatching, printerID)
	d.mu.Unlock()
}

func (d *Dispatcher) isDispatching(printerID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatching[printerID]
}
