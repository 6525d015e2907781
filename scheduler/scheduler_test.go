package scheduler

import (
	"context"
	"testing"
	"time"

	"printfarm/bus"
	"printfarm/logger"
	"printfarm/storage"
)

func testScheduler(t *testing.T, now time.Time, cfg Config) (*Scheduler, *storage.Store, *bus.Bus) {
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

	s := New(store, events, log, cfg)
	s.now = func() time.Time { return now }
	return s, store, events
}

// addPrinter creates an active printer and loads the given slots.
// loadout maps slot number to "material|hex".
func addPrinter(t *testing.T, store *storage.Store, name string, slotCount int, loadout map[int][2]string) *storage.Printer {
	t.Helper()
	p := &storage.Printer{Name: name, APIType: storage.APITypeMsgBus, Host: "h",
		SlotCount: slotCount, Active: true}
	if err := store.CreatePrinter(p); err != nil {
		t.Fatal(err)
	}
	slots, err := store.GetSlots(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, sl := range slots {
		if mh, ok := loadout[sl.SlotNumber]; ok {
			sl.MaterialType = mh[0]
			sl.ColorHex = mh[1]
			if err := store.UpdateSlot(sl); err != nil {
				t.Fatal(err)
			}
		}
	}
	return p
}

// addJob creates a pending job requiring the given color hexes.
func addJob(t *testing.T, store *storage.Store, name string, minutes, priority int, hexes ...string) *storage.Job {
	t.Helper()
	reqs := make(map[int]storage.ColorRequirement, len(hexes))
	for i, hex := range hexes {
		reqs[i+1] = storage.ColorRequirement{ColorHex: hex, Grams: 10}
	}
	j := &storage.Job{ItemName: name, Quantity: 1, Priority: priority,
		DurationMinutes: minutes, MaterialType: "PLA", ColorReqs: reqs}
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}
	j, err := store.UpdateJobStatus(j.ID, storage.JobStatusPending, nil)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func at(t *testing.T, j *storage.Job, want string) {
	t.Helper()
	if j.ScheduledStart == nil {
		t.Fatalf("job %d has no scheduled start", j.ID)
	}
	if got := j.ScheduledStart.Format("2006-01-02 15:04"); got != want {
		t.Errorf("job %d start = %s, want %s", j.ID, got, want)
	}
}

func TestScheduleMatchingLoadoutStartsImmediately(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s, store, _ := testScheduler(t, now, Config{})

	p := addPrinter(t, store, "a1", 4, map[int][2]string{1: {"PLA", "#FF0000"}})
	j := addJob(t, store, "red-vase", 60, 3, "#FF0000")

	run, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.ScheduledCount != 1 || run.SkippedCount != 0 || run.SetupBlocks != 0 {
		t.Errorf("run = %+v", run)
	}

	j, _ = store.GetJob(j.ID)
	if j.Status != storage.JobStatusScheduled || j.PrinterID != p.ID {
		t.Fatalf("job = %+v", j)
	}
	at(t, j, "2026-03-02 10:00")
	if got := j.ScheduledEnd.Format("15:04"); got != "11:00" {
		t.Errorf("end = %s, want 11:00", got)
	}
}

func TestScheduleSwapAddsSetupBlock(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s, store, _ := testScheduler(t, now, Config{})

	addPrinter(t, store, "a1", 4, map[int][2]string{1: {"PLA", "#FF0000"}})
	j := addJob(t, store, "blue-vase", 60, 3, "#0000FF")

	run, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.SetupBlocks != 1 {
		t.Errorf("setup blocks = %d, want 1", run.SetupBlocks)
	}

	j, _ = store.GetJob(j.ID)
	at(t, j, "2026-03-02 12:00")
	if got := j.ScheduledEnd.Format("15:04"); got != "13:00" {
		t.Errorf("end = %s, want 13:00", got)
	}
}

func TestSchedulePushesPastBlackout(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 21, 30, 0, 0, time.UTC)
	s, store, _ := testScheduler(t, now, Config{BlackoutStart: "22:00", BlackoutEnd: "07:00"})

	addPrinter(t, store, "a1", 4, map[int][2]string{1: {"PLA", "#FF0000"}})
	j := addJob(t, store, "overnight", 120, 3, "#FF0000")

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 21:30 + 2h crosses into the 22:00-07:00 blackout, so the job lands
	// exactly at the next blackout end.
	j, _ = store.GetJob(j.ID)
	at(t, j, "2026-03-03 07:00")
	if got := j.ScheduledEnd.Format("15:04"); got != "09:00" {
		t.Errorf("end = %s, want 09:00", got)
	}
}

func TestScheduleEndingAtBlackoutStartIsValid(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	s, store, _ := testScheduler(t, now, Config{BlackoutStart: "22:00", BlackoutEnd: "07:00"})

	addPrinter(t, store, "a1", 4, map[int][2]string{1: {"PLA", "#FF0000"}})
	j := addJob(t, store, "evening", 120, 3, "#FF0000")

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	j, _ = store.GetJob(j.ID)
	at(t, j, "2026-03-02 20:00")
	if got := j.ScheduledEnd.Format("15:04"); got != "22:00" {
		t.Errorf("end = %s, want 22:00 (flush with blackout start)", got)
	}
}

func TestScheduleTooManyColorsStaysPending(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s, store, _ := testScheduler(t, now, Config{})

	addPrinter(t, store, "a1", 4, map[int][2]string{1: {"PLA", "#FF0000"}})
	j := addJob(t, store, "rainbow", 60, 3,
		"#FF0000", "#00FF00", "#0000FF", "#FFFF00", "#FF00FF")

	run, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.SkippedCount != 1 || run.ScheduledCount != 0 {
		t.Errorf("run = %+v", run)
	}
	if run.Notes == "" {
		t.Error("skip reason missing from run notes")
	}
	j, _ = store.GetJob(j.ID)
	if j.Status != storage.JobStatusPending {
		t.Errorf("status = %s, want pending", j.Status)
	}
}

func TestScheduleNoOverlapOnOnePrinter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s, store, _ := testScheduler(t, now, Config{})

	addPrinter(t, store, "a1", 4, map[int][2]string{1: {"PLA", "#FF0000"}})
	j1 := addJob(t, store, "first", 60, 1, "#FF0000")
	j2 := addJob(t, store, "second", 90, 2, "#FF0000")

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	j1, _ = store.GetJob(j1.ID)
	j2, _ = store.GetJob(j2.ID)
	at(t, j1, "2026-03-02 10:00")
	at(t, j2, "2026-03-02 11:00")
	if j2.ScheduledStart.Before(*j1.ScheduledEnd) {
		t.Error("second job overlaps the first")
	}
}

func TestSchedulePrefersHigherMatchScoreOnTie(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s, store, _ := testScheduler(t, now, Config{})

	// Both printers need a swap, so both offer the same start; the one
	// with more of the required colors already loaded wins even with the
	// higher id.
	addPrinter(t, store, "a1", 4, nil)
	p2 := addPrinter(t, store, "a2", 4, map[int][2]string{1: {"PLA", "#FF0000"}})
	j := addJob(t, store, "two-tone", 60, 3, "#FF0000", "#0000FF")

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	j, _ = store.GetJob(j.ID)
	if j.PrinterID != p2.ID {
		t.Errorf("assigned printer %d, want %d (partial loadout)", j.PrinterID, p2.ID)
	}
}

func TestScheduleDeterministic(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s, store, _ := testScheduler(t, now, Config{BlackoutStart: "22:00", BlackoutEnd: "07:00"})

	addPrinter(t, store, "a1", 4, map[int][2]string{1: {"PLA", "#FF0000"}})
	addPrinter(t, store, "a2", 4, map[int][2]string{1: {"PLA", "#0000FF"}})
	ids := []int64{
		addJob(t, store, "j1", 60, 3, "#FF0000").ID,
		addJob(t, store, "j2", 45, 3, "#0000FF").ID,
		addJob(t, store, "j3", 200, 2, "#00FF00").ID,
		addJob(t, store, "j4", 30, 3, "#FF0000", "#0000FF").ID,
	}

	type placement struct {
		printer int64
		start   time.Time
	}
	snapshot := func() map[int64]placement {
		out := make(map[int64]placement)
		for _, id := range ids {
			j, err := store.GetJob(id)
			if err != nil {
				t.Fatal(err)
			}
			if j.Status == storage.JobStatusScheduled {
				out[id] = placement{j.PrinterID, *j.ScheduledStart}
			}
		}
		return out
	}

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := snapshot()
	if len(first) == 0 {
		t.Fatal("nothing scheduled")
	}

	// Re-running reverts unlocked assignments and rebuilds the exact
	// same plan.
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := snapshot()

	if len(first) != len(second) {
		t.Fatalf("plan size changed: %d vs %d", len(first), len(second))
	}
	for id, a := range first {
		b, ok := second[id]
		if !ok || a.printer != b.printer || !a.start.Equal(b.start) {
			t.Errorf("job %d moved: %+v vs %+v", id, a, b)
		}
	}
}

func TestSchedulePublishesOneEventPerJob(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s, store, events := testScheduler(t, now, Config{})

	addPrinter(t, store, "a1", 4, map[int][2]string{1: {"PLA", "#FF0000"}})
	addJob(t, store, "j1", 60, 3, "#FF0000")
	addJob(t, store, "j2", 60, 3, "#FF0000")

	sub := events.Subscribe("test", bus.TopicJobScheduled)
	defer events.Unsubscribe(sub)

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := 0
	timeout := time.After(time.Second)
	for got < 2 {
		select {
		case <-sub.C():
			got++
		case <-timeout:
			t.Fatalf("saw %d scheduled events, want 2", got)
		}
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduleSkipsLockedJobs(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s, store, _ := testScheduler(t, now, Config{})

	p := addPrinter(t, store, "a1", 4, map[int][2]string{1: {"PLA", "#FF0000"}})

	// A printing job holds its printer until its projected end.
	running := addJob(t, store, "running", 120, 1, "#FF0000")
	start := now.Add(-30 * time.Minute)
	end := now.Add(90 * time.Minute)
	if _, err := store.UpdateJobStatus(running.ID, storage.JobStatusScheduled, &storage.JobStatusChange{
		PrinterID: p.ID, ScheduledStart: &start, ScheduledEnd: &end,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateJobStatus(running.ID, storage.JobStatusPrinting, &storage.JobStatusChange{
		ActualStart: &start,
	}); err != nil {
		t.Fatal(err)
	}

	next := addJob(t, store, "next", 60, 3, "#FF0000")

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetJob(running.ID)
	if got.Status != storage.JobStatusPrinting || !got.Locked {
		t.Fatalf("printing job disturbed: %+v", got)
	}
	next, _ = store.GetJob(next.ID)
	at(t, next, "2026-03-02 11:30")
}

func TestParseBlackout(t *testing.T) {
	t.Parallel()
	if b, err := parseBlackout("", ""); err != nil || b != nil {
		t.Errorf("empty = %+v, %v", b, err)
	}
	if _, err := parseBlackout("22:00", ""); err == nil {
		t.Error("half-configured window should fail")
	}
	if _, err := parseBlackout("25:00", "07:00"); err == nil {
		t.Error("out-of-range hour should fail")
	}
	if b, err := parseBlackout("08:00", "08:00"); err != nil || b != nil {
		t.Errorf("zero-width window should disable, got %+v, %v", b, err)
	}
}

func TestFirstFeasibleStartsAtBlackoutEnd(t *testing.T) {
	t.Parallel()
	b, err := parseBlackout("22:00", "07:00")
	if err != nil {
		t.Fatal(err)
	}

	// Inside the wrapped window (01:00) a job slides to 07:00.
	in := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	got := b.firstFeasible(in, time.Hour)
	want := time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("firstFeasible = %v, want %v", got, want)
	}

	// Starting exactly at the blackout end is valid.
	if got := b.firstFeasible(want, time.Hour); !got.Equal(want) {
		t.Errorf("start at blackout end moved to %v", got)
	}

	// Daytime window with daytime blackout does not wrap.
	day, err := parseBlackout("12:00", "13:00")
	if err != nil {
		t.Fatal(err)
	}
	morning := time.Date(2026, 3, 3, 11, 30, 0, 0, time.UTC)
	got = day.firstFeasible(morning, time.Hour)
	want = time.Date(2026, 3, 3, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("daytime firstFeasible = %v, want %v", got, want)
	}
	if got := day.firstFeasible(morning, 30*time.Minute); !got.Equal(morning) {
		t.Errorf("job ending at blackout start moved to %v", got)
	}
}
