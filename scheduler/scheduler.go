// Package scheduler assigns pending jobs to printers in deterministic
// greedy batch passes, respecting blackout windows, filament setup
// blocks and the planning horizon.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"printfarm/bus"
	"printfarm/logger"
	"printfarm/storage"
)

// Config tunes one planning pass.
type Config struct {
	// BlackoutStart/End are "HH:MM" local wall-clock bounds of the
	// daily no-print window. The window may wrap midnight. Empty
	// strings disable the blackout.
	BlackoutStart string
	BlackoutEnd   string

	// HorizonDays bounds how far ahead jobs are placed.
	HorizonDays int

	// SetupMinutes is the time reserved ahead of a job that needs a
	// filament swap.
	SetupMinutes int
}

func (c Config) withDefaults() Config {
	if c.HorizonDays <= 0 {
		c.HorizonDays = 7
	}
	if c.SetupMinutes <= 0 {
		c.SetupMinutes = 120
	}
	return c
}

func (c Config) setupDuration() time.Duration {
	return time.Duration(c.SetupMinutes) * time.Minute
}

// Scheduler runs batch planning passes. Runs are mutually exclusive
// process-wide.
type Scheduler struct {
	store  *storage.Store
	events *bus.Bus
	log    *logger.Logger
	cfg    Config

	mu  sync.Mutex
	now func() time.Time // test hook
}

// New creates a scheduler.
func New(store *storage.Store, events *bus.Bus, log *logger.Logger, cfg Config) *Scheduler {
	return &Scheduler{store: store, events: events, log: log, cfg: cfg.withDefaults(), now: time.Now}
}

// timeline is one printer's planning state during a pass.
type timeline struct {
	printer *storage.Printer
	cursor  time.Time
	colors  map[string]bool // loaded color hexes, upper-case
	mats    map[string]bool // loaded material types
	empty   int             // unloaded slot count
}

// Run executes one batch pass: scheduled unlocked jobs revert to
// pending, then every candidate is placed greedily. The SchedulerRun
// audit row is written even for empty passes.
func (s *Scheduler) Run(ctx context.Context) (*storage.SchedulerRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Truncate(time.Minute)
	horizon := now.Add(time.Duration(s.cfg.HorizonDays) * 24 * time.Hour)
	blackout, err := parseBlackout(s.cfg.BlackoutStart, s.cfg.BlackoutEnd)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.ClearSchedule(); err != nil {
		return nil, err
	}
	jobs, err := s.store.ListSchedulableJobs()
	if err != nil {
		return nil, err
	}
	timelines, err := s.buildTimelines(now)
	if err != nil {
		return nil, err
	}

	run := &storage.SchedulerRun{RunAt: now, CandidateCount: len(jobs)}
	var notes []string
	var scheduled []*storage.Job

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		placed, reason := s.place(job, timelines, blackout, now, horizon, run)
		if placed != nil {
			scheduled = append(scheduled, placed)
			run.ScheduledCount++
		} else {
			run.SkippedCount++
			notes = append(notes, fmt.Sprintf("job %d: %s", job.ID, reason))
		}
	}
	run.Notes = strings.Join(notes, "; ")

	if err := s.store.RecordSchedulerRun(run); err != nil {
		return nil, err
	}
	for _, job := range scheduled {
		s.events.Publish(bus.TopicJobScheduled, bus.JobEvent{
			JobID:     job.ID,
			ItemName:  job.ItemName,
			PrinterID: job.PrinterID,
			Status:    string(job.Status),
		})
	}
	s.log.Info("scheduler pass finished",
		"candidates", run.CandidateCount, "scheduled", run.ScheduledCount,
		"skipped", run.SkippedCount, "setup_blocks", run.SetupBlocks)
	return run, nil
}

// buildTimelines seeds one timeline per active printer, with the cursor
// pushed past any currently printing job.
func (s *Scheduler) buildTimelines(now time.Time) ([]*timeline, error) {
	printers, err := s.store.ListPrinters(true)
	if err != nil {
		return nil, err
	}

	var out []*timeline
	for _, p := range printers {
		tl := &timeline{
			printer: p,
			cursor:  now,
			colors:  make(map[string]bool),
			mats:    make(map[string]bool),
		}

		slots, err := s.store.GetSlots(p.ID)
		if err != nil {
			return nil, err
		}
		for _, sl := range slots {
			if sl.ColorHex != "" {
				tl.colors[strings.ToUpper(sl.ColorHex)] = true
			}
			if sl.MaterialType != "" {
				tl.mats[sl.MaterialType] = true
			} else {
				tl.empty++
			}
		}

		printing, err := s.store.ListJobsForPrinter(p.ID, storage.JobStatusPrinting)
		if err != nil {
			return nil, err
		}
		for _, j := range printing {
			end := projectedEnd(j, now)
			if end.After(tl.cursor) {
				tl.cursor = end
			}
		}
		out = append(out, tl)
	}
	// Deterministic iteration: printer id ascending.
	sort.Slice(out, func(i, j int) bool { return out[i].printer.ID < out[j].printer.ID })
	return out, nil
}

// projectedEnd estimates when a printing job finishes.
func projectedEnd(j *storage.Job, now time.Time) time.Time {
	if j.ScheduledEnd != nil && j.ScheduledEnd.After(now) {
		return *j.ScheduledEnd
	}
	if j.ActualStart != nil {
		end := j.ActualStart.Add(time.Duration(j.EffectiveDurationMinutes()) * time.Minute)
		if end.After(now) {
			return end
		}
	}
	return now
}

// candidate scores one printer for one job.
type candidate struct {
	tl       *timeline
	start    time.Time
	score    int
	setup    bool
	duration time.Duration
}

// place finds the best printer for a job and commits the assignment.
// A nil return means the job stays pending; reason says why.
func (s *Scheduler) place(job *storage.Job, timelines []*timeline, bo *blackout, now, horizon time.Time, run *storage.SchedulerRun) (*storage.Job, string) {
	required := requiredColors(job)
	duration := time.Duration(job.EffectiveDurationMinutes()) * time.Minute

	slotCapable := false
	var best *candidate
	for _, tl := range timelines {
		if tl.printer.SlotCount < len(required) {
			continue
		}
		slotCapable = true
		if !materialMatches(job, tl) {
			continue
		}

		score := 0
		for hex := range required {
			if tl.colors[hex] {
				score++
			}
		}
		needsSetup := score < len(required)

		cursor := tl.cursor
		if needsSetup {
			cursor = cursor.Add(s.cfg.setupDuration())
		}
		start := bo.firstFeasible(cursor, duration)

		c := &candidate{tl: tl, start: start, score: score, setup: needsSetup, duration: duration}
		if best == nil || c.less(best) {
			best = c
		}
	}

	if !slotCapable {
		return nil, fmt.Sprintf("required colors (%d) exceed every printer's slot count", len(required))
	}
	if best == nil {
		return nil, fmt.Sprintf("no active printer matches material %q", job.MaterialType)
	}
	if best.start.Add(best.duration).After(horizon) {
		return nil, "not placeable within horizon"
	}

	end := best.start.Add(best.duration)
	updated, err := s.store.UpdateJobStatus(job.ID, storage.JobStatusScheduled, &storage.JobStatusChange{
		PrinterID:      best.tl.printer.ID,
		ScheduledStart: &best.start,
		ScheduledEnd:   &end,
	})
	if err != nil {
		return nil, fmt.Sprintf("schedule write failed: %v", err)
	}

	best.tl.cursor = end
	if best.setup {
		run.SetupBlocks++
		// A swap loads the job's colors; later jobs in this pass see
		// the new loadout.
		for hex := range required {
			best.tl.colors[hex] = true
		}
		if job.MaterialType != "" {
			best.tl.mats[job.MaterialType] = true
		}
	}
	return updated, ""
}

// less orders candidates by (earliest start, highest match score,
// lowest printer id).
func (c *candidate) less(o *candidate) bool {
	if !c.start.Equal(o.start) {
		return c.start.Before(o.start)
	}
	if c.score != o.score {
		return c.score > o.score
	}
	return c.tl.printer.ID < o.tl.printer.ID
}

// requiredColors is the distinct color-hex set a job needs, upper-case.
func requiredColors(job *storage.Job) map[string]bool {
	out := make(map[string]bool, len(job.ColorReqs))
	for _, req := range job.ColorReqs {
		if req.ColorHex != "" {
			out[strings.ToUpper(req.ColorHex)] = true
		}
	}
	return out
}

// materialMatches reports whether a printer can serve the job's
// material: direct loadout match, or an empty slot a swap can fill.
func materialMatches(job *storage.Job, tl *timeline) bool {
	if job.MaterialType == "" {
		return true
	}
	if tl.mats[job.MaterialType] {
		return true
	}
	return tl.empty > 0 || len(tl.mats) == 0
}
