package alerts

import (
	"context"
	"testing"
	"time"

	"printfarm/bus"
	"printfarm/logger"
	"printfarm/storage"
)

func testDispatcher(t *testing.T, cfg Config) (*Dispatcher, *storage.Store, *bus.Bus) {
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
	return New(store, events, log, cfg), store, events
}

func savePref(t *testing.T, store *storage.Store, pref *storage.AlertPreference) {
	t.Helper()
	if err := store.SaveAlertPreference(pref); err != nil {
		t.Fatal(err)
	}
}

func TestDraftForEvents(t *testing.T) {
	t.Parallel()
	cases := []struct {
		topic    bus.Topic
		payload  interface{}
		kind     string
		severity storage.AlertSeverity
	}{
		{bus.TopicPrinterDisconnected, bus.PrinterEvent{PrinterID: 1, PrinterName: "a1"},
			"printer_offline", storage.AlertSeverityWarning},
		{bus.TopicPrinterHMSCode, bus.HMSEvent{PrinterID: 1, Severity: "fatal"},
			"printer_fault", storage.AlertSeverityCritical},
		{bus.TopicJobCompleted, bus.JobEvent{JobID: 2, ItemName: "cube"},
			"job_completed", storage.AlertSeverityInfo},
		{bus.TopicJobFailed, bus.JobEvent{JobID: 2, ItemName: "cube", FailReason: "clog"},
			"job_failed", storage.AlertSeverityCritical},
		{bus.TopicSpoolLow, bus.SpoolEvent{SpoolID: 3, RemainingGrams: 90},
			"spool_low", storage.AlertSeverityWarning},
		{bus.TopicSpoolEmpty, bus.SpoolEvent{SpoolID: 3},
			"spool_empty", storage.AlertSeverityWarning},
		{bus.TopicVisionDetection, bus.DetectionEvent{PrinterID: 1, Label: "spaghetti", Confidence: 0.93},
			"print_issue", storage.AlertSeverityCritical},
		{bus.TopicBackupCompleted, bus.BackupEvent{Path: "/tmp/b.db"},
			"backup_completed", storage.AlertSeverityInfo},
	}
	for _, tc := range cases {
		draft, ok := draftFor(bus.Event{Topic: tc.topic, Payload: tc.payload})
		if !ok {
			t.Errorf("%s: no draft produced", tc.topic)
			continue
		}
		if draft.Kind != tc.kind || draft.Severity != tc.severity {
			t.Errorf("%s: draft = (%s, %s), want (%s, %s)",
				tc.topic, draft.Kind, draft.Severity, tc.kind, tc.severity)
		}
	}

	// State changes alone never alert.
	if _, ok := draftFor(bus.Event{Topic: bus.TopicPrinterStateChanged,
		Payload: bus.PrinterEvent{State: "running"}}); ok {
		t.Error("state change should not produce an alert")
	}
}

func TestSeverityThresholdFiltering(t *testing.T) {
	t.Parallel()
	d, store, _ := testDispatcher(t, Config{})
	pref := storage.AlertPreference{UserID: 7, InAppEnabled: true,
		MinSeverity: storage.AlertSeverityWarning}

	d.deliverTo(pref, storage.Alert{Kind: "job_completed",
		Severity: storage.AlertSeverityInfo, Title: "done"})
	d.deliverTo(pref, storage.Alert{Kind: "job_failed",
		Severity: storage.AlertSeverityCritical, Title: "failed"})

	alerts, err := store.ListAlerts(7, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Kind != "job_failed" {
		t.Errorf("alerts = %+v, want only job_failed", alerts)
	}
}

func TestPerKindThresholdOverridesDefault(t *testing.T) {
	t.Parallel()
	d, store, _ := testDispatcher(t, Config{})
	pref := storage.AlertPreference{UserID: 8, InAppEnabled: true,
		MinSeverity: storage.AlertSeverityCritical,
		KindThresholds: map[string]storage.AlertSeverity{
			"spool_low": storage.AlertSeverityInfo,
		}}

	d.deliverTo(pref, storage.Alert{Kind: "spool_low",
		Severity: storage.AlertSeverityWarning, Title: "low"})
	d.deliverTo(pref, storage.Alert{Kind: "printer_offline",
		Severity: storage.AlertSeverityWarning, Title: "offline"})

	alerts, _ := store.ListAlerts(8, false, 0)
	if len(alerts) != 1 || alerts[0].Kind != "spool_low" {
		t.Errorf("alerts = %+v, want only spool_low", alerts)
	}
}

func TestQuietHoursSuppressAndDigest(t *testing.T) {
	t.Parallel()
	d, store, _ := testDispatcher(t, Config{})
	inside := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	d.now = func() time.Time { return inside }

	suppress := storage.AlertPreference{UserID: 1, InAppEnabled: true,
		EmailEnabled: true, EmailAddress: "op@example.com",
		QuietStart: "22:00", QuietEnd: "07:00", QuietMode: storage.QuietModeSuppress}
	digest := storage.AlertPreference{UserID: 2, InAppEnabled: true,
		EmailEnabled: true, EmailAddress: "op2@example.com",
		QuietStart: "22:00", QuietEnd: "07:00", QuietMode: storage.QuietModeDigest}
	savePref(t, store, &digest)

	alert := storage.Alert{Kind: "job_failed",
		Severity: storage.AlertSeverityCritical, Title: "failed"}
	d.deliverTo(suppress, alert)
	d.deliverTo(digest, alert)
	d.deliverTo(digest, storage.Alert{Kind: "spool_low",
		Severity: storage.AlertSeverityWarning, Title: "low"})

	// In-app rows land regardless of quiet hours.
	for _, userID := range []int64{1, 2} {
		rows, _ := store.ListAlerts(userID, false, 0)
		if len(rows) == 0 {
			t.Errorf("user %d has no in-app alerts", userID)
		}
	}
	// Nothing reaches the external queue while quiet.
	select {
	case dl := <-d.queue:
		t.Fatalf("external delivery queued during quiet hours: %+v", dl)
	default:
	}

	// After quiet hours the digest user gets one rolled-up delivery.
	d.now = func() time.Time { return time.Date(2026, 3, 3, 7, 30, 0, 0, time.UTC) }
	d.flushDigests()

	select {
	case dl := <-d.queue:
		if dl.pref.UserID != 2 || dl.alert.Kind != "digest" {
			t.Fatalf("delivery = %+v", dl)
		}
		if dl.alert.Severity != storage.AlertSeverityCritical {
			t.Errorf("digest severity = %s, want critical (worst buffered)", dl.alert.Severity)
		}
	default:
		t.Fatal("digest delivery not queued")
	}
	select {
	case dl := <-d.queue:
		t.Fatalf("extra delivery queued: %+v", dl)
	default:
	}
}

func TestInQuietHoursWrapsMidnight(t *testing.T) {
	t.Parallel()
	d, _, _ := testDispatcher(t, Config{})
	pref := storage.AlertPreference{QuietStart: "22:00", QuietEnd: "07:00"}

	cases := map[string]bool{
		"23:00": true,
		"03:00": true,
		"07:00": false, // end is exclusive
		"12:00": false,
		"22:00": true, // start is inclusive
	}
	for clock, want := range cases {
		minutes, err := parseClock(clock)
		if err != nil {
			t.Fatal(err)
		}
		d.now = func() time.Time {
			return time.Date(2026, 3, 2, minutes/60, minutes%60, 0, 0, time.UTC)
		}
		if got := d.inQuietHours(pref); got != want {
			t.Errorf("inQuietHours at %s = %v, want %v", clock, got, want)
		}
	}

	// No configured window means never quiet.
	d.now = time.Now
	if d.inQuietHours(storage.AlertPreference{}) {
		t.Error("empty quiet window should be inactive")
	}
}

func TestRunDeliversInAppFromBusEvent(t *testing.T) {
	t.Parallel()
	d, store, events := testDispatcher(t, Config{})
	savePref(t, store, &storage.AlertPreference{UserID: 5, InAppEnabled: true,
		MinSeverity: storage.AlertSeverityInfo})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Run(ctx)

	events.Publish(bus.TopicSpoolLow, bus.SpoolEvent{
		SpoolID: 9, PrinterID: 1, SlotNumber: 2,
		MaterialType: "PLA", ColorName: "Red",
		RemainingGrams: 80, ThresholdGrams: 100,
	})

	deadline := time.After(2 * time.Second)
	for {
		rows, err := store.ListAlerts(5, true, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) == 1 {
			if rows[0].Kind != "spool_low" || rows[0].SpoolID != 9 {
				t.Fatalf("alert = %+v", rows[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no in-app alert recorded from bus event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
