package filament

import (
	"context"
	"strings"
	"testing"
	"time"

	"printfarm/adapter"
	"printfarm/bus"
	"printfarm/logger"
	"printfarm/storage"
)

func testAccountant(t *testing.T) (*Accountant, *storage.Store, *bus.Bus) {
	t.Helper()
	store, err := storage.Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	events := bus.New(nil)
	t.Cleanup(func() { events.Shutdown(context.Background()) })
	log := logger.New(logger.ERROR, "", 16)
	log.SetConsoleOutput(false)
	return NewAccountant(store, events, nil, log), store, events
}

func testPrinter(t *testing.T, store *storage.Store) *storage.Printer {
	t.Helper()
	p := &storage.Printer{Name: "p-" + t.Name(), APIType: storage.APITypeMsgBus,
		Host: "h", SlotCount: 4, Active: true}
	if err := store.CreatePrinter(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func ip(v int) *int { return &v }

func TestReconcileBindsExistingRFIDSpool(t *testing.T) {
	t.Parallel()
	a, store, _ := testAccountant(t)
	p := testPrinter(t, store)

	sp := &storage.Spool{RFIDTag: "TAG-1", InitialGrams: 1000, RemainingGrams: 900}
	if err := store.CreateSpool(sp); err != nil {
		t.Fatal(err)
	}

	readings := []adapter.SlotReading{{
		SlotNumber: 1, MaterialType: "PLA", ColorHex: "#FF0000",
		RemainingPct: ip(75), RFIDTag: "TAG-1",
	}}
	if err := a.Reconcile(context.Background(), p.ID, readings); err != nil {
		t.Fatal(err)
	}

	slots, _ := store.GetSlots(p.ID)
	if slots[0].AssignedSpoolID != sp.ID || !slots[0].SpoolConfirmed {
		t.Errorf("slot not bound confirmed: %+v", slots[0])
	}
	got, _ := store.GetSpool(sp.ID)
	if got.RemainingGrams != 750 {
		t.Errorf("remaining = %v, want 750 from 75%%", got.RemainingGrams)
	}
	if got.PrinterID != p.ID || got.SlotNumber != 1 {
		t.Errorf("spool location = (%d, %d)", got.PrinterID, got.SlotNumber)
	}
}

func TestReconcileAutoAdoptsUnknownRFID(t *testing.T) {
	t.Parallel()
	a, store, _ := testAccountant(t)
	p := testPrinter(t, store)

	readings := []adapter.SlotReading{{
		SlotNumber: 2, MaterialType: "PLA", ColorHex: "#FF0000",
		RemainingPct: ip(80), RFIDTag: "TAG-ABC",
	}}
	if err := a.Reconcile(context.Background(), p.ID, readings); err != nil {
		t.Fatal(err)
	}

	sp, err := store.GetSpoolByRFID("TAG-ABC")
	if err != nil {
		t.Fatalf("adopted spool missing: %v", err)
	}
	if !strings.HasPrefix(sp.QRCode, "SPL-") || len(sp.QRCode) != 12 {
		t.Errorf("qr code = %q", sp.QRCode)
	}
	if sp.RemainingGrams != 800 {
		t.Errorf("remaining = %v, want 800", sp.RemainingGrams)
	}
	slots, _ := store.GetSlots(p.ID)
	if slots[1].AssignedSpoolID != sp.ID || !slots[1].SpoolConfirmed {
		t.Errorf("slot 2 not bound: %+v", slots[1])
	}
}

func TestReconcileLibraryMatchUnconfirmed(t *testing.T) {
	t.Parallel()
	a, store, _ := testAccountant(t)
	p := testPrinter(t, store)

	if err := store.CreateFilament(&storage.Filament{
		Brand: "Proto", Material: "PLA", ColorName: "Signal Red", ColorHex: "#FF0000",
	}); err != nil {
		t.Fatal(err)
	}

	readings := []adapter.SlotReading{{SlotNumber: 1, MaterialType: "PLA", ColorHex: "#FF0000"}}
	if err := a.Reconcile(context.Background(), p.ID, readings); err != nil {
		t.Fatal(err)
	}

	slots, _ := store.GetSlots(p.ID)
	if slots[0].ColorName != "Signal Red" {
		t.Errorf("color name = %q", slots[0].ColorName)
	}
	if slots[0].SpoolConfirmed {
		t.Error("library match must not confirm a spool binding")
	}
	if slots[0].AssignedSpoolID != 0 {
		t.Error("library match must not invent a spool")
	}
}

func TestReconcileDecoderFallback(t *testing.T) {
	t.Parallel()
	a, store, _ := testAccountant(t)
	p := testPrinter(t, store)

	readings := []adapter.SlotReading{{SlotNumber: 3, MaterialType: "PETG", ColorHex: "#101010"}}
	if err := a.Reconcile(context.Background(), p.ID, readings); err != nil {
		t.Fatal(err)
	}
	slots, _ := store.GetSlots(p.ID)
	if slots[2].ColorName != "Black" {
		t.Errorf("decoded name = %q", slots[2].ColorName)
	}
	if slots[2].ColorHex != "#101010" {
		t.Errorf("raw hex not stored: %q", slots[2].ColorHex)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	t.Parallel()
	a, store, _ := testAccountant(t)
	p := testPrinter(t, store)

	readings := []adapter.SlotReading{{
		SlotNumber: 1, MaterialType: "PLA", ColorHex: "#FF0000",
		RemainingPct: ip(60), RFIDTag: "TAG-X",
	}}
	if err := a.Reconcile(context.Background(), p.ID, readings); err != nil {
		t.Fatal(err)
	}
	slotsA, _ := store.GetSlots(p.ID)
	spoolsA, _ := store.ListSpools("")

	if err := a.Reconcile(context.Background(), p.ID, readings); err != nil {
		t.Fatal(err)
	}
	slotsB, _ := store.GetSlots(p.ID)
	spoolsB, _ := store.ListSpools("")

	if len(spoolsA) != 1 || len(spoolsB) != 1 {
		t.Fatalf("spool counts = %d, %d", len(spoolsA), len(spoolsB))
	}
	if spoolsA[0].ID != spoolsB[0].ID || spoolsA[0].RemainingGrams != spoolsB[0].RemainingGrams {
		t.Error("second pass changed spool state")
	}
	if slotsA[0].AssignedSpoolID != slotsB[0].AssignedSpoolID ||
		slotsA[0].SpoolConfirmed != slotsB[0].SpoolConfirmed ||
		slotsA[0].ColorName != slotsB[0].ColorName {
		t.Error("second pass changed slot state")
	}
}

func TestDriftClearsConfirmation(t *testing.T) {
	t.Parallel()
	a, store, _ := testAccountant(t)
	p := testPrinter(t, store)

	if err := store.CreateFilament(&storage.Filament{Material: "PLA", ColorName: "Red", ColorHex: "#FF0000"}); err != nil {
		t.Fatal(err)
	}
	filaments, _ := store.ListFilaments()
	sp := &storage.Spool{FilamentID: filaments[0].ID, InitialGrams: 1000}
	if err := store.CreateSpool(sp); err != nil {
		t.Fatal(err)
	}
	if err := store.AssignSpool(sp.ID, p.ID, 1); err != nil {
		t.Fatal(err)
	}

	// Reported color far from the library red: distance(#FF0000, #0000FF) >> 60.
	readings := []adapter.SlotReading{{SlotNumber: 1, MaterialType: "PLA", ColorHex: "#0000FF"}}
	if err := a.Reconcile(context.Background(), p.ID, readings); err != nil {
		t.Fatal(err)
	}

	slots, _ := store.GetSlots(p.ID)
	if slots[0].SpoolConfirmed {
		t.Error("confirmation not cleared on drift")
	}
	if slots[0].AssignedSpoolID != sp.ID {
		t.Error("drift must flag, not unbind")
	}

	// Small drift stays confirmed.
	if err := store.UpdateSlot(&storage.FilamentSlot{
		PrinterID: p.ID, SlotNumber: 1, AssignedSpoolID: sp.ID, SpoolConfirmed: true,
		MaterialType: "PLA", ColorHex: "#FF0000", ColorName: "Red",
	}); err != nil {
		t.Fatal(err)
	}
	readings[0].ColorHex = "#F50A05" // distance ~15
	if err := a.Reconcile(context.Background(), p.ID, readings); err != nil {
		t.Fatal(err)
	}
	slots, _ = store.GetSlots(p.ID)
	if !slots[0].SpoolConfirmed {
		t.Error("small drift cleared confirmation")
	}
}

func TestDeductionModelPrecedence(t *testing.T) {
	t.Parallel()
	a, store, events := testAccountant(t)
	p := testPrinter(t, store)
	sub := events.Subscribe("t", bus.TopicSpoolLow, bus.TopicSpoolEmpty)

	m := &storage.Model{Name: "clip", ColorRequirements: map[int]storage.ColorRequirement{
		1: {ColorHex: "#FF0000", Grams: 42.5},
	}}
	if err := store.CreateModel(m); err != nil {
		t.Fatal(err)
	}
	sp := &storage.Spool{InitialGrams: 1000, RemainingGrams: 500}
	if err := store.CreateSpool(sp); err != nil {
		t.Fatal(err)
	}
	if err := store.AssignSpool(sp.ID, p.ID, 1); err != nil {
		t.Fatal(err)
	}

	job := completedJob(t, store, p.ID, m.ID, 0)
	if err := a.DeductForJob(job); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetSpool(sp.ID)
	if got.RemainingGrams != 457.5 {
		t.Errorf("remaining = %v, want 457.5", got.RemainingGrams)
	}
	usage, _ := store.ListSpoolUsage(sp.ID)
	if len(usage) != 1 || usage[0].Grams != 42.5 || usage[0].JobID != job.ID {
		t.Errorf("usage = %+v", usage)
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected inventory event %s", ev.Topic)
	default:
	}
}

func TestDeductionIdempotentAndThresholds(t *testing.T) {
	t.Parallel()
	a, store, events := testAccountant(t)
	p := testPrinter(t, store)
	sub := events.Subscribe("t", bus.TopicSpoolLow)

	m := &storage.Model{Name: "big", ColorRequirements: map[int]storage.ColorRequirement{
		1: {ColorHex: "#FF0000", Grams: 50},
	}}
	if err := store.CreateModel(m); err != nil {
		t.Fatal(err)
	}
	// 150 g remaining, threshold 100: one deduction of 50 lands exactly
	// on the threshold and must fire spool_low once.
	sp := &storage.Spool{InitialGrams: 1000, RemainingGrams: 150}
	if err := store.CreateSpool(sp); err != nil {
		t.Fatal(err)
	}
	if err := store.AssignSpool(sp.ID, p.ID, 1); err != nil {
		t.Fatal(err)
	}

	job := completedJob(t, store, p.ID, m.ID, 0)
	if err := a.DeductForJob(job); err != nil {
		t.Fatal(err)
	}
	// Completing again is a no-op.
	if err := a.DeductForJob(job); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetSpool(sp.ID)
	if got.RemainingGrams != 100 {
		t.Errorf("remaining = %v, want 100 (no double deduction)", got.RemainingGrams)
	}
	select {
	case ev := <-sub.C():
		if ev.Payload.(bus.SpoolEvent).RemainingGrams != 100 {
			t.Errorf("spool_low payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("spool_low not emitted on crossing")
	}
	select {
	case <-sub.C():
		t.Fatal("spool_low emitted more than once")
	default:
	}
}

func TestDeductionEventNamesColor(t *testing.T) {
	t.Parallel()
	a, store, events := testAccountant(t)
	p := testPrinter(t, store)
	sub := events.Subscribe("t", bus.TopicSpoolLow)

	if err := store.CreateFilament(&storage.Filament{
		Material: "PLA", ColorName: "Signal Red", ColorHex: "#FF0000",
	}); err != nil {
		t.Fatal(err)
	}
	filaments, _ := store.ListFilaments()

	m := &storage.Model{Name: "big", ColorRequirements: map[int]storage.ColorRequirement{
		1: {ColorHex: "#FF0000", Grams: 60},
	}}
	if err := store.CreateModel(m); err != nil {
		t.Fatal(err)
	}
	sp := &storage.Spool{FilamentID: filaments[0].ID, InitialGrams: 1000, RemainingGrams: 150}
	if err := store.CreateSpool(sp); err != nil {
		t.Fatal(err)
	}
	if err := store.AssignSpool(sp.ID, p.ID, 1); err != nil {
		t.Fatal(err)
	}

	job := completedJob(t, store, p.ID, m.ID, 0)
	if err := a.DeductForJob(job); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.C():
		se := ev.Payload.(bus.SpoolEvent)
		if se.ColorName != "Signal Red" {
			t.Errorf("color name = %q, want Signal Red", se.ColorName)
		}
	case <-time.After(time.Second):
		t.Fatal("spool_low not emitted")
	}
}

func TestDeductionArtifactFallbackAndEmpty(t *testing.T) {
	t.Parallel()
	a, store, events := testAccountant(t)
	p := testPrinter(t, store)
	sub := events.Subscribe("t", bus.TopicSpoolEmpty)

	art := &storage.PrintArtifact{FileID: "f1", FileName: "a.3mf", StoredPath: "x",
		ContentHash: "h", Kind: "3mf",
		Filaments: []storage.ArtifactFilament{{Slot: 1, Material: "PLA", UsedGrams: 30}}}
	if err := store.CreateArtifact(art); err != nil {
		t.Fatal(err)
	}
	sp := &storage.Spool{InitialGrams: 1000, RemainingGrams: 20}
	if err := store.CreateSpool(sp); err != nil {
		t.Fatal(err)
	}
	if err := store.AssignSpool(sp.ID, p.ID, 1); err != nil {
		t.Fatal(err)
	}

	job := completedJob(t, store, p.ID, 0, art.ID)
	if err := a.DeductForJob(job); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetSpool(sp.ID)
	if got.RemainingGrams != 0 || got.Status != storage.SpoolStatusEmpty {
		t.Errorf("spool = %v g, %s", got.RemainingGrams, got.Status)
	}
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("spool_empty not emitted")
	}
}

func TestDeductionNoGramsInfoWarnsOnly(t *testing.T) {
	t.Parallel()
	a, store, _ := testAccountant(t)
	p := testPrinter(t, store)

	sp := &storage.Spool{InitialGrams: 1000, RemainingGrams: 500}
	if err := store.CreateSpool(sp); err != nil {
		t.Fatal(err)
	}
	if err := store.AssignSpool(sp.ID, p.ID, 1); err != nil {
		t.Fatal(err)
	}

	job := completedJob(t, store, p.ID, 0, 0)
	if err := a.DeductForJob(job); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetSpool(sp.ID)
	if got.RemainingGrams != 500 {
		t.Errorf("deduction happened with no grams info: %v", got.RemainingGrams)
	}
}

// completedJob builds a job and walks it to completed on the printer.
func completedJob(t *testing.T, store *storage.Store, printerID, modelID, artifactID int64) *storage.Job {
	t.Helper()
	j := &storage.Job{ItemName: "item", ModelID: modelID, ArtifactID: artifactID, MaterialType: "PLA"}
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateJobStatus(j.ID, storage.JobStatusPending, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateJobStatus(j.ID, storage.JobStatusScheduled,
		&storage.JobStatusChange{PrinterID: printerID}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateJobStatus(j.ID, storage.JobStatusPrinting, nil); err != nil {
		t.Fatal(err)
	}
	j2, err := store.UpdateJobStatus(j.ID, storage.JobStatusCompleted, nil)
	if err != nil {
		t.Fatal(err)
	}
	return j2
}
