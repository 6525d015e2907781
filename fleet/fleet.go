// Package fleet keeps the in-memory live projection of every enabled
// printer. Each printer has a single writer (its session goroutine);
// readers always get value snapshots, never pointers into live state.
package fleet

import (
	"sync"
	"time"

	"printfarm/adapter"
)

// OnlineWindow is how recently a frame must have arrived for a printer
// to count as online.
const OnlineWindow = 90 * time.Second

// CurrentPrint describes the active print on a printer.
type CurrentPrint struct {
	FileName         string
	ProgressPct      float64
	RemainingMinutes int
	CurrentLayer     int
	TotalLayers      int
}

// Snapshot is the projected state of one printer at a point in time.
type Snapshot struct {
	PrinterID   int64
	LastFrameAt time.Time
	State       adapter.DeviceState

	BedTemp          *float64
	BedTargetTemp    *float64
	NozzleTemp       *float64
	NozzleTargetTemp *float64
	FanSpeedPct      *int

	Slots      []adapter.SlotReading
	ErrorCodes []string

	// Derived at read time, frozen into the snapshot.
	IsOnline     bool
	IsPrinting   bool
	CurrentPrint *CurrentPrint
}

// State is the fleet-wide projection.
type State struct {
	mu       sync.RWMutex
	printers map[int64]*Snapshot
	now      func() time.Time // test hook
}

// New creates an empty fleet projection.
func New() *State {
	return &State{printers: make(map[int64]*Snapshot), now: time.Now}
}

// Apply folds a status frame into the printer's projection. Fields the
// frame does not carry keep their previous values, so a sparse frame
// never erases known state. Only the owning session calls Apply for a
// given printer.
func (s *State) Apply(frame adapter.StatusFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.printers[frame.PrinterID]
	if !ok {
		cur = &Snapshot{PrinterID: frame.PrinterID}
		s.printers[frame.PrinterID] = cur
	}

	cur.LastFrameAt = frame.At
	if frame.State != "" {
		cur.State = frame.State
	}
	if frame.BedTemp != nil {
		cur.BedTemp = frame.BedTemp
	}
	if frame.BedTargetTemp != nil {
		cur.BedTargetTemp = frame.BedTargetTemp
	}
	if frame.NozzleTemp != nil {
		cur.NozzleTemp = frame.NozzleTemp
	}
	if frame.NozzleTargetTemp != nil {
		cur.NozzleTargetTemp = frame.NozzleTargetTemp
	}
	if frame.FanSpeedPct != nil {
		cur.FanSpeedPct = frame.FanSpeedPct
	}
	if len(frame.Slots) > 0 {
		cur.Slots = append([]adapter.SlotReading(nil), frame.Slots...)
	}
	if len(frame.ErrorCodes) > 0 {
		cur.ErrorCodes = append([]string(nil), frame.ErrorCodes...)
	} else if frame.State == adapter.StateIdle || frame.State == adapter.StateFinished {
		cur.ErrorCodes = nil
	}

	if frame.State.IsPrinting() {
		cp := cur.CurrentPrint
		if cp == nil {
			cp = &CurrentPrint{}
			cur.CurrentPrint = cp
		}
		if frame.FileName != "" {
			cp.FileName = frame.FileName
		}
		if frame.ProgressPct != nil {
			cp.ProgressPct = *frame.ProgressPct
		}
		if frame.RemainingMinutes != nil {
			cp.RemainingMinutes = *frame.RemainingMinutes
		}
		if frame.CurrentLayer != nil {
			cp.CurrentLayer = *frame.CurrentLayer
		}
		if frame.TotalLayers != nil {
			cp.TotalLayers = *frame.TotalLayers
		}
	} else if frame.State != "" {
		cur.CurrentPrint = nil
	}
}

// Remove drops a printer from the projection (deactivate/delete).
func (s *State) Remove(printerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.printers, printerID)
}

// Get returns a consistent snapshot of one printer, or false when the
// printer has never reported.
func (s *State) Get(printerID int64) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.printers[printerID]
	if !ok {
		return Snapshot{}, false
	}
	return s.freeze(cur), true
}

// All returns snapshots for every known printer.
func (s *State) All() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.printers))
	for _, cur := range s.printers {
		out = append(out, s.freeze(cur))
	}
	return out
}

// freeze copies live state into an immutable snapshot and computes the
// derived fields. Caller holds at least the read lock.
func (s *State) freeze(cur *Snapshot) Snapshot {
	out := *cur
	out.Slots = append([]adapter.SlotReading(nil), cur.Slots...)
	out.ErrorCodes = append([]string(nil), cur.ErrorCodes...)
	if cur.CurrentPrint != nil {
		cp := *cur.CurrentPrint
		out.CurrentPrint = &cp
	}

	out.IsOnline = !cur.LastFrameAt.IsZero() && s.now().Sub(cur.LastFrameAt) < OnlineWindow
	out.IsPrinting = out.IsOnline && cur.State.IsPrinting()
	if !out.IsPrinting {
		out.CurrentPrint = nil
	}
	return out
}
