package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"printfarm/adapter"
	"printfarm/bus"
	"printfarm/fleet"
	"printfarm/logger"
	"printfarm/storage"
)

func testSupervisor(t *testing.T) (*Supervisor, *storage.Store, *bus.Bus) {
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
	sv := New(store, fleet.New(), events, log)
	sv.ctx, sv.cancel = context.WithCancel(context.Background())
	t.Cleanup(sv.Shutdown)
	return sv, store, events
}

func testSession(t *testing.T, sv *Supervisor) *session {
	t.Helper()
	return newSession(sv, storage.Printer{ID: 1, Name: "p1", APIType: storage.APITypeMsgBus})
}

func fp(v float64) *float64 { return &v }

// drain empties the session queue in processing order.
func drain(se *session) []adapter.StatusFrame {
	var out []adapter.StatusFrame
	for {
		f, ok := se.nextFrame()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestEnqueueDropsOldestNonTerminal(t *testing.T) {
	t.Parallel()
	sv, _, _ := testSupervisor(t)
	se := testSession(t, sv)

	for i := 0; i < frameQueueSize+5; i++ {
		se.enqueue(adapter.StatusFrame{PrinterID: 1, State: adapter.StateRunning, ProgressPct: fp(float64(i))})
	}
	frames := drain(se)
	if len(frames) != frameQueueSize {
		t.Fatalf("queue length = %d", len(frames))
	}
	if *frames[0].ProgressPct != 5 {
		t.Errorf("oldest surviving frame = %v, want 5 (0..4 dropped)", *frames[0].ProgressPct)
	}
	if last := *frames[len(frames)-1].ProgressPct; last != float64(frameQueueSize+4) {
		t.Errorf("newest frame = %v, want %d", last, frameQueueSize+4)
	}
}

func TestEnqueueNeverDropsTerminalFrames(t *testing.T) {
	t.Parallel()
	sv, _, _ := testSupervisor(t)
	se := testSession(t, sv)

	se.enqueue(adapter.StatusFrame{PrinterID: 1, State: adapter.StateFinished})
	for i := 0; i < frameQueueSize+10; i++ {
		se.enqueue(adapter.StatusFrame{PrinterID: 1, State: adapter.StateRunning})
	}

	found := false
	for _, f := range drain(se) {
		if f.State == adapter.StateFinished {
			found = true
		}
	}
	if !found {
		t.Fatal("terminal frame was dropped under backpressure")
	}
}

func TestEnqueueKeepsArrivalOrderUnderBackpressure(t *testing.T) {
	t.Parallel()
	sv, _, _ := testSupervisor(t)
	se := testSession(t, sv)

	// A terminal frame arrives first, then the queue overflows with
	// progress updates. The terminal frame must stay at the front and
	// the victims must be the oldest non-terminal frames, never the
	// newcomers.
	se.enqueue(adapter.StatusFrame{PrinterID: 1, State: adapter.StateFinished})
	for i := 0; i < frameQueueSize+3; i++ {
		se.enqueue(adapter.StatusFrame{PrinterID: 1, State: adapter.StateRunning, ProgressPct: fp(float64(i))})
	}

	frames := drain(se)
	if len(frames) != frameQueueSize {
		t.Fatalf("queue length = %d", len(frames))
	}
	if frames[0].State != adapter.StateFinished {
		t.Fatalf("first processed frame is %s, terminal frame was reordered", frames[0].State)
	}
	if *frames[1].ProgressPct != 4 {
		t.Errorf("oldest surviving progress frame = %v, want 4 (0..3 dropped)", *frames[1].ProgressPct)
	}
	if last := *frames[len(frames)-1].ProgressPct; last != float64(frameQueueSize+2) {
		t.Errorf("newest frame = %v, want %d (newcomers must survive)", last, frameQueueSize+2)
	}
}

func TestProcessPublishesStateChangeOnce(t *testing.T) {
	t.Parallel()
	sv, _, events := testSupervisor(t)
	sub := events.Subscribe("t", bus.TopicPrinterStateChanged)
	se := testSession(t, sv)

	se.process(adapter.StatusFrame{PrinterID: 1, At: time.Now(), State: adapter.StateRunning})
	se.process(adapter.StatusFrame{PrinterID: 1, At: time.Now(), State: adapter.StateRunning})
	se.process(adapter.StatusFrame{PrinterID: 1, At: time.Now(), State: adapter.StateFinished})

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.C():
			got = append(got, ev.Payload.(bus.PrinterEvent).State)
		case <-timeout:
			t.Fatalf("only %d state changes seen", len(got))
		}
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
	if got[0] != "running" || got[1] != "finished" {
		t.Errorf("states = %v", got)
	}
}

func TestProcessPublishesSlotReadingsPerFrame(t *testing.T) {
	t.Parallel()
	sv, _, events := testSupervisor(t)
	sub := events.Subscribe("t", bus.TopicPrinterSlotsReported)
	se := testSession(t, sv)

	withSlots := adapter.StatusFrame{
		PrinterID: 1, At: time.Now(), State: adapter.StateRunning,
		Slots: []adapter.SlotReading{{SlotNumber: 1, MaterialType: "PLA", ColorHex: "#FF0000"}},
	}
	// Two identical frames in a steady state: the state change fires
	// once, the slot readings fire every time so a mid-print spool swap
	// or drift is reconciled without a transition.
	se.process(withSlots)
	se.process(withSlots)
	se.process(adapter.StatusFrame{PrinterID: 1, At: time.Now(), State: adapter.StateRunning})

	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C():
			if ev.Payload.(bus.PrinterEvent).PrinterID != 1 {
				t.Errorf("event %d = %+v", i, ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("slot event %d not published", i)
		}
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("slotless frame published %+v", ev)
	default:
	}
}

func TestProcessPublishesNewHMSCodesOnly(t *testing.T) {
	t.Parallel()
	sv, _, events := testSupervisor(t)
	sub := events.Subscribe("t", bus.TopicPrinterHMSCode)
	se := testSession(t, sv)

	frame := adapter.StatusFrame{
		PrinterID: 1, At: time.Now(), State: adapter.StateRunning,
		ErrorCodes: []string{"0700_0100_0001_0001"},
	}
	se.process(frame)
	se.process(frame) // repeat: same code, no new event

	select {
	case ev := <-sub.C():
		hms := ev.Payload.(bus.HMSEvent)
		if hms.Code != "0700_0100_0001_0001" || hms.Severity != "serious" {
			t.Errorf("hms event = %+v", hms)
		}
	case <-time.After(time.Second):
		t.Fatal("no hms event")
	}
	select {
	case <-sub.C():
		t.Fatal("repeated code re-published")
	default:
	}

	// Code clears, then returns: published again.
	se.process(adapter.StatusFrame{PrinterID: 1, At: time.Now(), State: adapter.StateRunning})
	se.process(frame)
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("returning code not re-published")
	}
}

func TestOnlineOfflineTransitions(t *testing.T) {
	t.Parallel()
	sv, store, events := testSupervisor(t)

	p := &storage.Printer{Name: "p1", APIType: storage.APITypeMsgBus, Host: "h",
		Credentials: "s|c", SlotCount: 1, Active: true}
	if err := store.CreatePrinter(p); err != nil {
		t.Fatal(err)
	}
	sub := events.Subscribe("t", bus.TopicPrinterConnected, bus.TopicPrinterDisconnected)
	se := newSession(sv, *p)

	se.setOnline()
	se.setOnline() // idempotent
	se.setOffline(context.DeadlineExceeded)
	se.setOffline(context.DeadlineExceeded)

	want := []bus.Topic{bus.TopicPrinterConnected, bus.TopicPrinterDisconnected}
	for i, topic := range want {
		select {
		case ev := <-sub.C():
			if ev.Topic != topic {
				t.Errorf("event %d = %s, want %s", i, ev.Topic, topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("duplicate transition event %+v", ev)
	default:
	}

	got, _ := store.GetPrinter(p.ID)
	if got.LastError == "" {
		t.Error("last error not persisted")
	}
}

func TestOfflinePublishesDistinctErrorsOnce(t *testing.T) {
	t.Parallel()
	sv, store, events := testSupervisor(t)

	p := &storage.Printer{Name: "flaky", APIType: storage.APITypeMsgBus, Host: "h",
		Credentials: "s|c", SlotCount: 1, Active: true}
	if err := store.CreatePrinter(p); err != nil {
		t.Fatal(err)
	}
	sub := events.Subscribe("t", bus.TopicPrinterError)
	se := newSession(sv, *p)

	se.setOffline(errors.New("dial tcp: refused"))
	se.setOffline(errors.New("dial tcp: refused")) // same cause, no repeat
	se.setOffline(errors.New("tls: handshake failure"))
	se.setOnline()
	se.setOffline(errors.New("dial tcp: refused")) // republished after recovery

	want := []string{"dial tcp: refused", "tls: handshake failure", "dial tcp: refused"}
	for i, msg := range want {
		select {
		case ev := <-sub.C():
			pe := ev.Payload.(bus.PrinterEvent)
			if pe.Error != msg {
				t.Errorf("error event %d = %q, want %q", i, pe.Error, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing error event %d", i)
		}
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected extra error event %+v", ev)
	default:
	}
}

func TestStopPrinterRemovesFleetEntry(t *testing.T) {
	t.Parallel()
	sv, store, _ := testSupervisor(t)

	p := &storage.Printer{Name: "gone", APIType: storage.APITypeHTTPPoll, Host: "h",
		SlotCount: 1, Active: true}
	if err := store.CreatePrinter(p); err != nil {
		t.Fatal(err)
	}
	sv.fleet.Apply(adapter.StatusFrame{PrinterID: p.ID, At: time.Now(), State: adapter.StateIdle})

	sv.StartPrinter(p)
	sv.StopPrinter(p.ID)
	if _, ok := sv.fleet.Get(p.ID); ok {
		t.Error("fleet entry survived StopPrinter")
	}
}
