package filament

import (
	"errors"
	"fmt"

	"printfarm/bus"
	"printfarm/storage"
)

// DeductForJob applies consumption accounting after a job completes.
// Per-slot grams come from the linked model first, the artifact's
// parsed usage second; with neither, nothing is deducted and a warning
// is logged. The operation is idempotent per job: once any usage record
// exists for the job, repeat calls are no-ops.
func (a *Accountant) DeductForJob(job *storage.Job) error {
	if job.Status != storage.JobStatusCompleted {
		return fmt.Errorf("job %d is %s, deduction applies to completed jobs", job.ID, job.Status)
	}
	already, err := a.store.HasSpoolUsageForJob(job.ID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	perSlot, err := a.slotGrams(job)
	if err != nil {
		return err
	}
	if len(perSlot) == 0 {
		a.log.Warn("no grams information for completed job, skipping deduction",
			"job", job.ID, "item", job.ItemName)
		return nil
	}

	for slot, grams := range perSlot {
		if grams <= 0 {
			continue
		}
		if err := a.deductSlot(job, slot, grams); err != nil {
			a.log.Warn("spool deduction failed",
				"job", job.ID, "slot", slot, "grams", grams, "error", err)
		}
	}
	return nil
}

// slotGrams resolves the per-slot deduction amounts by precedence.
func (a *Accountant) slotGrams(job *storage.Job) (map[int]float64, error) {
	if job.ModelID != 0 {
		m, err := a.store.GetModel(job.ModelID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err == nil && len(m.ColorRequirements) > 0 {
			out := make(map[int]float64, len(m.ColorRequirements))
			for slot, req := range m.ColorRequirements {
				out[slot] = req.Grams * float64(job.Quantity)
			}
			return out, nil
		}
	}

	if job.ArtifactID != 0 {
		art, err := a.store.GetArtifact(job.ArtifactID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err == nil && len(art.Filaments) > 0 {
			out := make(map[int]float64, len(art.Filaments))
			for _, f := range art.Filaments {
				out[f.Slot] += f.UsedGrams * float64(job.Quantity)
			}
			return out, nil
		}
	}

	return nil, nil
}

// spoolColorName resolves a human color name for event text: the
// spool's library entry first, the slot's observed name otherwise.
func (a *Accountant) spoolColorName(sp *storage.Spool, printerID int64, slot int) string {
	if sp.FilamentID != 0 {
		if f, err := a.store.GetFilament(sp.FilamentID); err == nil && f.ColorName != "" {
			return f.ColorName
		}
	}
	slots, err := a.store.GetSlots(printerID)
	if err != nil {
		return ""
	}
	for _, sl := range slots {
		if sl.SlotNumber == slot {
			return sl.ColorName
		}
	}
	return ""
}

// deductSlot decrements the active spool at (printer, slot) and emits
// the threshold events. The per-spool lock serializes the full
// check-deduct-publish sequence so a crossing fires exactly once.
func (a *Accountant) deductSlot(job *storage.Job, slot int, grams float64) error {
	sp, err := a.store.GetSpoolAt(job.PrinterID, slot)
	if errors.Is(err, storage.ErrNotFound) {
		a.log.Warn("no active spool loaded at slot, deduction skipped",
			"job", job.ID, "printer", job.PrinterID, "slot", slot)
		return nil
	}
	if err != nil {
		return err
	}
	colorName := a.spoolColorName(sp, job.PrinterID, slot)

	return a.store.WithSpoolLock(sp.ID, func() error {
		before, err := a.store.GetSpool(sp.ID)
		if err != nil {
			return err
		}
		after, err := a.store.RecordSpoolUsage(&storage.SpoolUsage{
			SpoolID:    sp.ID,
			JobID:      job.ID,
			SlotNumber: slot,
			Grams:      grams,
		})
		if err != nil {
			return err
		}

		ev := bus.SpoolEvent{
			SpoolID:        after.ID,
			PrinterID:      job.PrinterID,
			SlotNumber:     slot,
			MaterialType:   job.MaterialType,
			ColorName:      colorName,
			RemainingGrams: after.RemainingGrams,
			ThresholdGrams: after.LowThreshold,
		}
		// Fire spool_low only on the downward crossing, not on every
		// deduction below the threshold.
		if before.RemainingGrams > after.LowThreshold && after.RemainingGrams <= after.LowThreshold && after.RemainingGrams > 0 {
			a.events.Publish(bus.TopicSpoolLow, ev)
		}
		if after.RemainingGrams == 0 && before.RemainingGrams > 0 {
			a.events.Publish(bus.TopicSpoolEmpty, ev)
		}
		return nil
	})
}
