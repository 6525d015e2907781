// Package session supervises one long-lived worker per active printer.
// The worker owns the printer's adapter, reconnects with exponential
// backoff, feeds frames into the fleet projection, and publishes
// lifecycle events on the bus.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"printfarm/adapter"
	"printfarm/bus"
	"printfarm/fleet"
	"printfarm/logger"
	"printfarm/storage"
)

// livenessWindow matches the fleet online window: a session with no
// frame for this long tears the transport down and reconnects.
const livenessWindow = fleet.OnlineWindow

// frameQueueSize bounds the per-session frame queue before drop-oldest
// backpressure applies.
const frameQueueSize = 32

// Supervisor owns all printer sessions.
type Supervisor struct {
	store  *storage.Store
	fleet  *fleet.State
	events *bus.Bus
	log    *logger.Logger

	mu       sync.Mutex
	sessions map[int64]*session
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a supervisor bound to the given store, projection and bus.
func New(store *storage.Store, fl *fleet.State, events *bus.Bus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		store:    store,
		fleet:    fl,
		events:   events,
		log:      log,
		sessions: make(map[int64]*session),
	}
}

// Start spawns a session for every active printer.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.ctx, sv.cancel = context.WithCancel(ctx)

	printers, err := sv.store.ListPrinters(true)
	if err != nil {
		return fmt.Errorf("failed to load printers: %w", err)
	}
	for _, p := range printers {
		sv.StartPrinter(p)
	}
	sv.log.Info("session supervisor started", "printers", len(printers))
	return nil
}

// StartPrinter spawns (or restarts) the session for one printer.
func (sv *Supervisor) StartPrinter(p *storage.Printer) {
	sv.mu.Lock()
	if old, ok := sv.sessions[p.ID]; ok {
		old.stop()
		delete(sv.sessions, p.ID)
	}
	se := newSession(sv, *p)
	sv.sessions[p.ID] = se
	sv.mu.Unlock()

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		se.run(sv.ctx)
	}()
}

// StopPrinter tears down one printer's session (deactivate/delete).
func (sv *Supervisor) StopPrinter(printerID int64) {
	sv.mu.Lock()
	se, ok := sv.sessions[printerID]
	if ok {
		delete(sv.sessions, printerID)
	}
	sv.mu.Unlock()
	if ok {
		se.stop()
		sv.fleet.Remove(printerID)
	}
}

// Restart tears down and re-spawns a session after a printer mutation
// (host or credential change).
func (sv *Supervisor) Restart(printerID int64) error {
	p, err := sv.store.GetPrinter(printerID)
	if err != nil {
		return err
	}
	if !p.Active {
		sv.StopPrinter(printerID)
		return nil
	}
	sv.StartPrinter(p)
	return nil
}

// Adapter returns the live transport for a connected printer. Commands
// (upload, start, stop) go through here so they share the session's
// authenticated connection.
func (sv *Supervisor) Adapter(printerID int64) (adapter.Adapter, error) {
	sv.mu.Lock()
	se, ok := sv.sessions[printerID]
	sv.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("printer %d has no session", printerID)
	}
	se.mu.Lock()
	a := se.adapter
	se.mu.Unlock()
	if a == nil {
		return nil, fmt.Errorf("printer %d is not connected", printerID)
	}
	return a, nil
}

// Shutdown stops all sessions and waits for their goroutines.
func (sv *Supervisor) Shutdown() {
	if sv.cancel != nil {
		sv.cancel()
	}
	sv.mu.Lock()
	for id, se := range sv.sessions {
		se.stop()
		delete(sv.sessions, id)
	}
	sv.mu.Unlock()
	sv.wg.Wait()
}

// session is one printer's supervised worker.
type session struct {
	sv      *Supervisor
	printer storage.Printer

	wake     chan struct{} // signals queued frames, buffered 1
	stopOnce sync.Once
	stopped  chan struct{}

	mu        sync.Mutex
	queue     []adapter.StatusFrame
	adapter   adapter.Adapter // live transport, nil while disconnected
	lastState adapter.DeviceState
	lastHMS   map[string]bool
	lastErr   string
	online    bool
}

func newSession(sv *Supervisor, p storage.Printer) *session {
	return &session{
		sv:      sv,
		printer: p,
		wake:    make(chan struct{}, 1),
		queue:   make([]adapter.StatusFrame, 0, frameQueueSize),
		stopped: make(chan struct{}),
		lastHMS: make(map[string]bool),
	}
}

func (se *session) stop() {
	se.stopOnce.Do(func() { close(se.stopped) })
}

// enqueue applies drop-oldest backpressure while preserving arrival
// order: when the queue is full the oldest non-terminal frame is
// discarded and every other frame keeps its position. Terminal frames
// are never the victim; a non-terminal newcomer drops itself when only
// terminal frames are queued.
func (se *session) enqueue(frame adapter.StatusFrame) {
	dropped := false
	se.mu.Lock()
	if len(se.queue) >= frameQueueSize {
		victim := -1
		for i, queued := range se.queue {
			if !queued.State.IsTerminal() {
				victim = i
				break
			}
		}
		switch {
		case victim >= 0:
			se.queue = append(se.queue[:victim], se.queue[victim+1:]...)
			dropped = true
		case !frame.State.IsTerminal():
			se.mu.Unlock()
			se.sv.log.WarnRateLimited(fmt.Sprintf("drop-%d", se.printer.ID),
				time.Minute, "dropping status frame under backpressure",
				"printer", se.printer.ID)
			return
			// A terminal newcomer behind an all-terminal queue is
			// appended regardless; terminal frames are never lost.
		}
	}
	se.queue = append(se.queue, frame)
	se.mu.Unlock()

	if dropped {
		se.sv.log.WarnRateLimited(fmt.Sprintf("drop-%d", se.printer.ID),
			time.Minute, "dropping status frame under backpressure",
			"printer", se.printer.ID)
	}
	select {
	case se.wake <- struct{}{}:
	default:
	}
}

// nextFrame pops the oldest queued frame.
func (se *session) nextFrame() (adapter.StatusFrame, bool) {
	se.mu.Lock()
	defer se.mu.Unlock()
	if len(se.queue) == 0 {
		return adapter.StatusFrame{}, false
	}
	frame := se.queue[0]
	se.queue = se.queue[1:]
	return frame, true
}

// run is the supervision loop: connect with backoff, process frames,
// reconnect on failure or liveness loss. It never gives up while the
// printer is active.
func (se *session) run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-ctx.Done():
			return
		case <-se.stopped:
			return
		default:
		}

		err := se.connectAndServe(ctx)
		if err == nil {
			return // clean stop
		}

		se.setOffline(err)
		wait := bo.NextBackOff()
		se.sv.log.WarnRateLimited(fmt.Sprintf("reconnect-%d", se.printer.ID), time.Minute,
			"printer session lost, reconnecting",
			"printer", se.printer.Name, "wait", wait.String(), "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-se.stopped:
			return
		}
	}
}

// connectAndServe runs one transport lifetime. A nil return means the
// session was told to stop; any error triggers reconnect.
func (se *session) connectAndServe(ctx context.Context) error {
	a, err := adapter.New(se.printer.APIType, adapter.Config{
		PrinterID:   se.printer.ID,
		Host:        se.printer.Host,
		Credentials: se.printer.Credentials,
	}, se.enqueue, se.sv.log)
	if err != nil {
		return err
	}
	defer a.Disconnect()

	connectCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	err = a.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	se.mu.Lock()
	se.adapter = a
	se.mu.Unlock()
	defer func() {
		se.mu.Lock()
		se.adapter = nil
		se.mu.Unlock()
	}()

	se.setOnline()

	liveness := time.NewTimer(livenessWindow)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-se.stopped:
			return nil
		case <-se.wake:
			for {
				frame, ok := se.nextFrame()
				if !ok {
					break
				}
				se.process(frame)
			}
			if !liveness.Stop() {
				select {
				case <-liveness.C:
				default:
				}
			}
			liveness.Reset(livenessWindow)
		case <-liveness.C:
			return fmt.Errorf("no status frame within %s", livenessWindow)
		}
	}
}

// process folds one frame into the projection and publishes the events
// it implies. Frames for one printer arrive here in order.
func (se *session) process(frame adapter.StatusFrame) {
	se.sv.fleet.Apply(frame)

	se.mu.Lock()
	stateChanged := frame.State != "" && frame.State != se.lastState
	if stateChanged {
		se.lastState = frame.State
	}
	var newCodes []string
	seen := make(map[string]bool, len(frame.ErrorCodes))
	for _, code := range frame.ErrorCodes {
		seen[code] = true
		if !se.lastHMS[code] {
			newCodes = append(newCodes, code)
		}
	}
	se.lastHMS = seen
	se.mu.Unlock()

	if stateChanged {
		se.sv.events.Publish(bus.TopicPrinterStateChanged, bus.PrinterEvent{
			PrinterID:   se.printer.ID,
			PrinterName: se.printer.Name,
			State:       string(frame.State),
		})
	}
	// Every frame carrying AMS slot readings drives spool reconciliation,
	// not just state transitions: swaps and drift happen mid-state.
	if len(frame.Slots) > 0 {
		se.sv.events.Publish(bus.TopicPrinterSlotsReported, bus.PrinterEvent{
			PrinterID:   se.printer.ID,
			PrinterName: se.printer.Name,
			State:       string(frame.State),
		})
	}
	for _, code := range newCodes {
		decoded := adapter.DecodeHMS(code)
		se.sv.events.Publish(bus.TopicPrinterHMSCode, bus.HMSEvent{
			PrinterID:   se.printer.ID,
			PrinterName: se.printer.Name,
			Code:        decoded.Code,
			Message:     decoded.Message,
			Severity:    string(decoded.Severity),
		})
	}
}

func (se *session) setOnline() {
	se.mu.Lock()
	was := se.online
	se.online = true
	se.lastErr = ""
	se.mu.Unlock()
	if !was {
		se.sv.store.SetPrinterLastError(se.printer.ID, "")
		se.sv.events.Publish(bus.TopicPrinterConnected, bus.PrinterEvent{
			PrinterID:   se.printer.ID,
			PrinterName: se.printer.Name,
		})
	}
}

func (se *session) setOffline(cause error) {
	se.mu.Lock()
	was := se.online
	se.online = false
	newErr := cause.Error() != se.lastErr
	se.lastErr = cause.Error()
	se.mu.Unlock()

	// Persist the last error for admin display regardless of prior
	// state; only the transition publishes an event.
	se.sv.store.SetPrinterLastError(se.printer.ID, cause.Error())
	if newErr {
		se.sv.events.Publish(bus.TopicPrinterError, bus.PrinterEvent{
			PrinterID:   se.printer.ID,
			PrinterName: se.printer.Name,
			Error:       cause.Error(),
		})
	}
	if was {
		se.sv.events.Publish(bus.TopicPrinterDisconnected, bus.PrinterEvent{
			PrinterID:   se.printer.ID,
			PrinterName: se.printer.Name,
			Error:       cause.Error(),
		})
	}
}
