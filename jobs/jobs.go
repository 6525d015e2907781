// Package jobs is the intake surface for print jobs: submission with
// cost estimates frozen at create time, then approval or rejection
// before the scheduler may touch them.
package jobs

import (
	"errors"
	"fmt"
	"math"
	"time"

	"printfarm/bus"
	"printfarm/logger"
	"printfarm/storage"
)

// Pricing fallbacks when the filament library has no match for a
// required color.
const (
	defaultCostPerGram = 0.03
	priceMarkup        = 3.0
)

// Service owns the submitted-state end of the job lifecycle.
type Service struct {
	store  *storage.Store
	events *bus.Bus
	log    *logger.Logger
}

func NewService(store *storage.Store, events *bus.Bus, log *logger.Logger) *Service {
	return &Service{store: store, events: events, log: log}
}

// SubmitRequest is one job submission. Model-derived fields are filled
// from the referenced model when left zero.
type SubmitRequest struct {
	ModelID         int64
	ArtifactID      int64
	ItemName        string
	Quantity        int
	Priority        int
	DurationMinutes int
	ColorReqs       map[int]storage.ColorRequirement
	MaterialType    string
	Hold            bool
	DueDate         *time.Time
	Actor           string
	SourceIP        string
}

// Submit creates a job in the submitted state. Estimated cost and
// suggested price are computed here and never recomputed.
func (s *Service) Submit(req SubmitRequest) (*storage.Job, error) {
	if req.ModelID != 0 {
		model, err := s.store.GetModel(req.ModelID)
		if err != nil {
			return nil, fmt.Errorf("model %d: %w", req.ModelID, err)
		}
		if req.ItemName == "" {
			req.ItemName = model.Name
		}
		if req.DurationMinutes == 0 {
			req.DurationMinutes = model.EstimatedMinutes
		}
		if len(req.ColorReqs) == 0 {
			req.ColorReqs = model.ColorRequirements
		}
		if req.MaterialType == "" {
			req.MaterialType = model.DefaultMaterial
		}
		if req.ArtifactID == 0 {
			req.ArtifactID = model.ArtifactID
		}
	}
	if req.DurationMinutes == 0 && req.ArtifactID != 0 {
		if a, err := s.store.GetArtifact(req.ArtifactID); err == nil {
			req.DurationMinutes = a.EstimatedSeconds / 60
		}
	}

	cost := s.estimateCost(req.MaterialType, req.ColorReqs)
	if req.Quantity > 1 {
		cost *= float64(req.Quantity)
	}

	job := &storage.Job{
		ModelID:         req.ModelID,
		ArtifactID:      req.ArtifactID,
		ItemName:        req.ItemName,
		Quantity:        req.Quantity,
		Priority:        req.Priority,
		DurationMinutes: req.DurationMinutes,
		ColorReqs:       req.ColorReqs,
		MaterialType:    req.MaterialType,
		Hold:            req.Hold,
		DueDate:         req.DueDate,
		EstimatedCost:   roundCents(cost),
		SuggestedPrice:  roundCents(cost * priceMarkup),
	}
	if err := s.store.CreateJob(job); err != nil {
		return nil, err
	}

	s.audit("job_submitted", job.ID, req.Actor, req.SourceIP, map[string]string{
		"item": job.ItemName, "quantity": fmt.Sprint(job.Quantity),
	})
	s.events.Publish(bus.TopicJobSubmitted, bus.JobEvent{
		JobID: job.ID, ItemName: job.ItemName, Status: string(job.Status),
	})
	s.log.Info("job submitted", "job", job.ID, "item", job.ItemName,
		"cost", job.EstimatedCost, "price", job.SuggestedPrice)
	return job, nil
}

// Approve moves a submitted job to pending, making it schedulable.
func (s *Service) Approve(jobID int64, actor, sourceIP string) (*storage.Job, error) {
	job, err := s.store.UpdateJobStatus(jobID, storage.JobStatusPending, nil)
	if err != nil {
		return nil, err
	}
	s.audit("job_approved", job.ID, actor, sourceIP, nil)
	s.events.Publish(bus.TopicJobApproved, bus.JobEvent{
		JobID: job.ID, ItemName: job.ItemName, Status: string(job.Status),
	})
	return job, nil
}

// Reject declines a submitted job. The reason lands in the audit trail
// and on the event, not on the job row.
func (s *Service) Reject(jobID int64, reason, actor, sourceIP string) (*storage.Job, error) {
	job, err := s.store.UpdateJobStatus(jobID, storage.JobStatusRejected, nil)
	if err != nil {
		return nil, err
	}
	s.audit("job_rejected", job.ID, actor, sourceIP, map[string]string{"reason": reason})
	s.events.Publish(bus.TopicJobRejected, bus.JobEvent{
		JobID: job.ID, ItemName: job.ItemName, Status: string(job.Status), FailReason: reason,
	})
	return job, nil
}

// SetHold flips the hold flag. Held jobs stay pending but the scheduler
// skips them.
func (s *Service) SetHold(jobID int64, hold bool, actor, sourceIP string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Hold == hold {
		return nil
	}
	job.Hold = hold
	if err := s.store.UpdateJob(job); err != nil {
		return err
	}
	action := "job_held"
	if !hold {
		action = "job_released"
	}
	s.audit(action, jobID, actor, sourceIP, nil)
	return nil
}

// estimateCost prices the color requirements against the filament
// library, falling back to a flat per-gram rate on misses.
func (s *Service) estimateCost(material string, reqs map[int]storage.ColorRequirement) float64 {
	var cost float64
	for _, req := range reqs {
		rate := defaultCostPerGram
		f, err := s.store.FindFilament(material, req.ColorHex)
		if err == nil && f.CostPerGram > 0 {
			rate = f.CostPerGram
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("filament lookup failed", "material", material, "hex", req.ColorHex, "error", err)
		}
		cost += req.Grams * rate
	}
	return cost
}

func (s *Service) audit(action string, jobID int64, actor, sourceIP string, details map[string]string) {
	err := s.store.AppendAudit(&storage.AuditEntry{
		Action:     action,
		EntityKind: "job",
		EntityID:   jobID,
		Actor:      actor,
		SourceIP:   sourceIP,
		Details:    details,
	})
	if err != nil {
		s.log.Warn("audit append failed", "action", action, "job", jobID, "error", err)
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
