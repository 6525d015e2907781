package filament

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"printfarm/adapter"
	"printfarm/bus"
	"printfarm/logger"
	"printfarm/storage"
)

// defaultSpoolGrams is assumed for auto-adopted spools whose true
// initial weight is unknown.
const defaultSpoolGrams = 1000.0

// Accountant drives slot/spool state from hardware observations and
// deducts consumption when jobs complete.
type Accountant struct {
	store   *storage.Store
	events  *bus.Bus
	catalog *Catalog
	log     *logger.Logger
}

// NewAccountant wires the accountant. catalog may be nil.
func NewAccountant(store *storage.Store, events *bus.Bus, catalog *Catalog, log *logger.Logger) *Accountant {
	return &Accountant{store: store, events: events, catalog: catalog, log: log}
}

// Reconcile aligns a printer's persisted slots with one set of hardware
// slot readings. It is idempotent: applying the same readings twice
// yields identical slot and spool state.
func (a *Accountant) Reconcile(ctx context.Context, printerID int64, readings []adapter.SlotReading) error {
	slots, err := a.store.GetSlots(printerID)
	if err != nil {
		return fmt.Errorf("failed to load slots for printer %d: %w", printerID, err)
	}
	byNumber := make(map[int]*storage.FilamentSlot, len(slots))
	for _, sl := range slots {
		byNumber[sl.SlotNumber] = sl
	}

	for _, r := range readings {
		sl, ok := byNumber[r.SlotNumber]
		if !ok {
			// Hardware reports more bays than the printer is configured
			// with; ignore rather than invent slots.
			continue
		}
		if err := a.reconcileSlot(ctx, printerID, sl, r); err != nil {
			a.log.Warn("slot reconciliation failed",
				"printer", printerID, "slot", r.SlotNumber, "error", err)
		}
	}
	return nil
}

func (a *Accountant) reconcileSlot(ctx context.Context, printerID int64, sl *storage.FilamentSlot, r adapter.SlotReading) error {
	// Empty bay: clear the display attributes, release nothing.
	if r.MaterialType == "" && r.ColorHex == "" && r.RFIDTag == "" {
		if sl.MaterialType == "" && sl.ColorHex == "" && sl.AssignedSpoolID == 0 {
			return nil
		}
		sl.MaterialType = ""
		sl.ColorName = ""
		sl.ColorHex = ""
		sl.AssignedSpoolID = 0
		sl.SpoolConfirmed = false
		return a.store.UpdateSlot(sl)
	}

	if r.RFIDTag != "" {
		return a.reconcileByRFID(printerID, sl, r)
	}

	// Drift check before any rebinding: an assigned spool whose library
	// color has wandered from the observation loses its confirmation.
	if sl.AssignedSpoolID != 0 {
		if drifted, err := a.checkDrift(sl, r); err != nil {
			return err
		} else if drifted {
			return nil
		}
	}

	name, err := a.displayName(ctx, r)
	if err != nil {
		return err
	}
	if sl.MaterialType == r.MaterialType && sl.ColorHex == r.ColorHex && sl.ColorName == name {
		return nil // already aligned
	}
	sl.MaterialType = r.MaterialType
	sl.ColorHex = r.ColorHex
	sl.ColorName = name
	if sl.AssignedSpoolID == 0 {
		// Display-only match: nothing is bound, so nothing is confirmed.
		sl.SpoolConfirmed = false
	}
	return a.store.UpdateSlot(sl)
}

// reconcileByRFID handles steps 1 and 2: a tag either binds an existing
// spool or adopts a brand-new one.
func (a *Accountant) reconcileByRFID(printerID int64, sl *storage.FilamentSlot, r adapter.SlotReading) error {
	sp, err := a.store.GetSpoolByRFID(r.RFIDTag)
	if errors.Is(err, storage.ErrNotFound) {
		sp, err = a.adoptSpool(printerID, r)
		if err != nil {
			return fmt.Errorf("failed to adopt spool for tag %s: %w", r.RFIDTag, err)
		}
		a.log.Info("auto-adopted spool from rfid tag",
			"printer", printerID, "slot", r.SlotNumber, "spool", sp.ID, "qr", sp.QRCode)
	} else if err != nil {
		return err
	}

	// Track the spool's physical location and weight from the report.
	changed := false
	if sp.PrinterID != printerID || sp.SlotNumber != r.SlotNumber {
		sp.PrinterID = printerID
		sp.SlotNumber = r.SlotNumber
		sp.StorageLocation = ""
		changed = true
	}
	if r.RemainingPct != nil {
		reported := sp.InitialGrams * float64(*r.RemainingPct) / 100
		if reported != sp.RemainingGrams {
			sp.RemainingGrams = reported
			changed = true
		}
	}
	if changed {
		if err := a.store.UpdateSpool(sp); err != nil {
			return err
		}
	}

	name := sl.ColorName
	if r.ColorHex != sl.ColorHex || name == "" {
		name = NameForHex(r.ColorHex)
	}
	if sl.AssignedSpoolID == sp.ID && sl.SpoolConfirmed &&
		sl.MaterialType == r.MaterialType && sl.ColorHex == r.ColorHex && sl.ColorName == name {
		return nil
	}
	sl.AssignedSpoolID = sp.ID
	sl.SpoolConfirmed = true
	sl.MaterialType = r.MaterialType
	sl.ColorHex = r.ColorHex
	sl.ColorName = name
	return a.store.UpdateSlot(sl)
}

// adoptSpool creates a spool for a previously unseen RFID tag. The QR
// identifier is printed on a label later, so it gets the short
// SPL-xxxxxxxx form.
func (a *Accountant) adoptSpool(printerID int64, r adapter.SlotReading) (*storage.Spool, error) {
	sp := &storage.Spool{
		RFIDTag:      r.RFIDTag,
		QRCode:       NewSpoolQRCode(),
		InitialGrams: defaultSpoolGrams,
		PrinterID:    printerID,
		SlotNumber:   r.SlotNumber,
	}
	if r.RemainingPct != nil {
		sp.RemainingGrams = sp.InitialGrams * float64(*r.RemainingPct) / 100
	} else {
		sp.RemainingGrams = sp.InitialGrams
	}
	if f, err := a.store.FindFilament(r.MaterialType, r.ColorHex); err == nil {
		sp.FilamentID = f.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err := a.store.CreateSpool(sp); err != nil {
		return nil, err
	}
	return sp, nil
}

// NewSpoolQRCode mints a printable spool identifier.
func NewSpoolQRCode() string {
	return "SPL-" + strings.ToLower(uuid.New().String()[:8])
}

// checkDrift compares the reported color to the assigned spool's
// library color. Past the threshold (and with no RFID to overrule), the
// confirmation flag is cleared for operator review.
func (a *Accountant) checkDrift(sl *storage.FilamentSlot, r adapter.SlotReading) (bool, error) {
	sp, err := a.store.GetSpool(sl.AssignedSpoolID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sp.RFIDTag != "" {
		return false, nil
	}

	libHex := ""
	if sp.FilamentID != 0 {
		if f, err := a.store.GetFilament(sp.FilamentID); err == nil {
			libHex = f.ColorHex
		}
	}
	if libHex == "" || r.ColorHex == "" {
		return false, nil
	}

	want, err := ParseHex(libHex)
	if err != nil {
		return false, nil
	}
	got, err := ParseHex(r.ColorHex)
	if err != nil {
		return false, nil
	}
	if Distance(want, got) <= DriftThreshold {
		return false, nil
	}

	if !sl.SpoolConfirmed {
		return true, nil // already flagged
	}
	sl.SpoolConfirmed = false
	if err := a.store.UpdateSlot(sl); err != nil {
		return false, err
	}
	a.log.Warn("slot color drifted from assigned spool",
		"printer", sl.PrinterID, "slot", sl.SlotNumber,
		"spool", sp.ID, "expected", libHex, "reported", r.ColorHex)
	return true, nil
}

// displayName resolves steps 3-5 of the precedence: library match,
// catalog match, deterministic decode.
func (a *Accountant) displayName(ctx context.Context, r adapter.SlotReading) (string, error) {
	// Exact hex + material, then exact hex alone.
	if f, err := a.store.FindFilament(r.MaterialType, r.ColorHex); err == nil {
		return f.ColorName, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if f, err := a.store.FindFilamentByHex(r.ColorHex); err == nil && f.ColorName != "" {
		return f.ColorName, nil
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	if entry, err := a.catalog.Lookup(ctx, r.MaterialType, r.ColorHex); err != nil {
		a.log.Debug("catalog lookup failed", "hex", r.ColorHex, "error", err)
	} else if entry != nil && entry.ColorName != "" {
		return entry.ColorName, nil
	}

	return NameForHex(r.ColorHex), nil
}
