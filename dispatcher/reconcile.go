package dispatcher

import (
	"context"
	"errors"
	"time"

	"printfarm/adapter"
	"printfarm/bus"
	"printfarm/storage"
)

// Run starts the reconciliation subscriber: observed printer state
// transitions drive printing jobs to their terminal states and track
// prints started outside the control plane.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.events.Subscribe("dispatcher-reconcile", bus.TopicPrinterStateChanged)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.events.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if pe, ok := ev.Payload.(bus.PrinterEvent); ok {
					d.reconcile(pe)
				}
			}
		}
	}()
}

// Wait blocks until the reconciliation goroutine exits.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) reconcile(pe bus.PrinterEvent) {
	switch adapter.DeviceState(pe.State) {
	case adapter.StateFinished:
		d.observedTerminal(pe.PrinterID, true)
	case adapter.StateFailed:
		d.observedTerminal(pe.PrinterID, false)
	case adapter.StateIdle:
		d.confirmCancels(pe.PrinterID)
	case adapter.StateRunning, adapter.StatePrepare:
		d.trackForeign(pe.PrinterID)
	}
}

// observedTerminal matches a finished/failed hardware report to the
// printer's in-flight job. Matching is by the single in-flight job;
// with several candidates nothing is guessed.
func (d *Dispatcher) observedTerminal(printerID int64, success bool) {
	jobs, err := d.store.ListJobsForPrinter(printerID, storage.JobStatusPrinting)
	if err != nil {
		d.log.Error("failed to list printing jobs", "printer", printerID, "error", err)
		return
	}
	if len(jobs) == 0 {
		d.closeForeignRecord(printerID, success)
		return
	}
	if len(jobs) > 1 {
		d.log.Warn("multiple printing jobs on one printer, skipping reconciliation",
			"printer", printerID, "jobs", len(jobs))
		return
	}
	job := jobs[0]

	d.mu.Lock()
	wasCancelling := d.cancelling[job.ID]
	delete(d.cancelling, job.ID)
	delete(d.inflight, job.ID)
	d.mu.Unlock()

	switch {
	case success:
		d.completeJob(job)
	case wasCancelling:
		// The stop command surfaces as a failed state on some vendors;
		// the operator asked for this, so it is a cancellation.
		if _, err := d.store.UpdateJobStatus(job.ID, storage.JobStatusCancelled, nil); err != nil {
			d.log.Error("failed to cancel job", "job", job.ID, "error", err)
			return
		}
		d.closeJobRecord(job, storage.PrintRecordCancelled)
	default:
		d.failObservedJob(job)
	}
}

func (d *Dispatcher) completeJob(job *storage.Job) {
	updated, err := d.store.UpdateJobStatus(job.ID, storage.JobStatusCompleted, nil)
	if err != nil {
		d.log.Error("failed to complete job", "job", job.ID, "error", err)
		return
	}
	d.closeJobRecord(job, storage.PrintRecordCompleted)

	if updated.ActualStart != nil && updated.ActualEnd != nil {
		hours := updated.ActualEnd.Sub(*updated.ActualStart).Hours()
		if err := d.store.AddPrinterUsage(job.PrinterID, hours); err != nil {
			d.log.Warn("failed to add printer usage", "printer", job.PrinterID, "error", err)
		}
	}

	d.events.Publish(bus.TopicJobCompleted, bus.JobEvent{
		JobID:     updated.ID,
		ItemName:  updated.ItemName,
		PrinterID: updated.PrinterID,
		Status:    string(updated.Status),
	})

	// Accounting failures never block the completion itself.
	if d.deduct != nil {
		if err := d.deduct.DeductForJob(updated); err != nil {
			d.log.Warn("filament deduction failed", "job", updated.ID, "error", err)
		}
	}
}

// failObservedJob captures the fail reason from the printer's last
// reported error code, when there is one.
func (d *Dispatcher) failObservedJob(job *storage.Job) {
	reason := storage.FailReasonOther
	notes := ""
	if snap, ok := d.fleet.Get(job.PrinterID); ok && len(snap.ErrorCodes) > 0 {
		code := snap.ErrorCodes[len(snap.ErrorCodes)-1]
		decoded := adapter.DecodeHMS(code)
		reason = storage.FailReason(adapter.FailReasonForHMS(decoded))
		notes = decoded.Message
	}
	updated, err := d.store.UpdateJobStatus(job.ID, storage.JobStatusFailed, &storage.JobStatusChange{
		FailReason: reason,
		FailNotes:  notes,
	})
	if err != nil {
		d.log.Error("failed to fail job", "job", job.ID, "error", err)
		return
	}
	d.closeJobRecord(job, storage.PrintRecordFailed)
	d.events.Publish(bus.TopicJobFailed, bus.JobEvent{
		JobID:      updated.ID,
		ItemName:   updated.ItemName,
		PrinterID:  updated.PrinterID,
		Status:     string(updated.Status),
		FailReason: string(updated.FailReason),
	})
}

// confirmCancels finishes cancellations once the printer reports idle.
func (d *Dispatcher) confirmCancels(printerID int64) {
	jobs, err := d.store.ListJobsForPrinter(printerID, storage.JobStatusPrinting)
	if err != nil {
		return
	}
	for _, job := range jobs {
		d.mu.Lock()
		pending := d.cancelling[job.ID]
		if pending {
			delete(d.cancelling, job.ID)
			delete(d.inflight, job.ID)
		}
		d.mu.Unlock()
		if !pending {
			continue
		}
		if _, err := d.store.UpdateJobStatus(job.ID, storage.JobStatusCancelled, nil); err != nil {
			d.log.Error("failed to cancel job", "job", job.ID, "error", err)
			continue
		}
		d.closeJobRecord(job, storage.PrintRecordCancelled)
		d.log.Info("cancellation confirmed by hardware", "job", job.ID)
	}
}

// trackForeign opens an unlinked PrintRecord for a print this system
// did not start, so history stays complete.
func (d *Dispatcher) trackForeign(printerID int64) {
	if d.isDispatching(printerID) {
		return // our own start, mid-confirmation
	}
	jobs, err := d.store.ListJobsForPrinter(printerID, storage.JobStatusPrinting)
	if err != nil || len(jobs) > 0 {
		return
	}
	if _, err := d.store.GetRunningPrintRecord(printerID); err == nil {
		return // already tracked
	} else if !errors.Is(err, storage.ErrNotFound) {
		return
	}

	fileName := ""
	if snap, ok := d.fleet.Get(printerID); ok && snap.CurrentPrint != nil {
		fileName = snap.CurrentPrint.FileName
	}
	rec := &storage.PrintRecord{PrinterID: printerID, FileName: fileName, StartedAt: time.Now().UTC()}
	if err := d.store.CreatePrintRecord(rec); err != nil {
		d.log.Warn("failed to track foreign print", "printer", printerID, "error", err)
		return
	}
	d.log.Info("tracking print started outside the queue",
		"printer", printerID, "file", fileName, "record", rec.ID)
}

// closeJobRecord finishes the telemetry record tied to a job's print.
func (d *Dispatcher) closeJobRecord(job *storage.Job, status storage.PrintRecordStatus) {
	rec, err := d.store.GetRunningPrintRecord(job.PrinterID)
	if err != nil {
		return
	}
	if rec.JobID != job.ID && rec.JobID != 0 {
		return
	}
	if err := d.store.ClosePrintRecord(rec.ID, status); err != nil {
		d.log.Warn("failed to close print record", "record", rec.ID, "error", err)
	}
}

// closeForeignRecord ends an unlinked record when its print terminates.
func (d *Dispatcher) closeForeignRecord(printerID int64, success bool) {
	rec, err := d.store.GetRunningPrintRecord(printerID)
	if err != nil || rec.JobID != 0 {
		return
	}
	status := storage.PrintRecordFailed
	if success {
		status = storage.PrintRecordCompleted
	}
	if err := d.store.ClosePrintRecord(rec.ID, status); err != nil {
		d.log.Warn("failed to close print record", "record", rec.ID, "error", err)
	}
}
