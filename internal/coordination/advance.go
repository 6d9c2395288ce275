package coordination

import (
	"context"
	"fmt"
	"strings"

	"agentcoord/internal/models"
	"agentcoord/internal/pipeline"
	"agentcoord/internal/routing"
	"agentcoord/internal/store"

	"gorm.io/gorm"
)

// AdvanceRequest is an agent-driven pipeline step.
type AdvanceRequest struct {
	Stage          models.PipelineStage `json:"stage"`
	CompiledPrompt string               `json:"compiled_prompt,omitempty"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
}

// AdvancePipeline moves a task along the legal-transition table. Moving
// to routed picks the model through the router first, outside the row
// lock.
func (s *Service) AdvancePipeline(ctx context.Context, taskID string, req AdvanceRequest) (*models.Task, error) {
	if !req.Stage.Valid() {
		return nil, fmt.Errorf("%w: %q", pipeline.ErrUnknownStage, req.Stage)
	}

	var choice *routing.Choice
	if req.Stage == models.StageRouted && s.router != nil {
		current, err := store.GetTask(ctx, s.db, taskID)
		if err != nil {
			return nil, err
		}
		if current.PipelineStage != models.StageRouted {
			c, err := s.router.BestAvailableModel(ctx, current.UserID, current.RoutedModel)
			if err != nil {
				return nil, err
			}
			choice = &c
		}
	}

	var out *models.Task
	var oldStatus models.TaskStatus
	err := store.WithLockedTask(ctx, s.db, taskID, func(tx *gorm.DB, task *models.Task) error {
		oldStatus = task.Status

		step := pipeline.Step{
			To:       req.Stage,
			Metadata: make(map[string]any, len(req.Metadata)+2),
			Set:      map[string]interface{}{},
		}
		for k, v := range req.Metadata {
			step.Metadata[k] = v
		}
		if prompt := strings.TrimSpace(req.CompiledPrompt); prompt != "" {
			task.CompiledPrompt = req.CompiledPrompt
			step.Set["compiled_prompt"] = req.CompiledPrompt
		}
		if choice != nil {
			task.RoutedModel = choice.Model
			step.Set["routed_model"] = choice.Model
			step.Metadata["model"] = choice.Model
			if choice.Note != "" {
				step.Metadata["note"] = choice.Note
			}
		}

		if err := s.machine.AdvanceTx(tx, task, step); err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.broadcast(ctx, out, "pipeline_advanced", oldStatus)
	return out, nil
}

// Claim grants a lease on the task and tells board subscribers.
func (s *Service) Claim(ctx context.Context, taskID, agentName, source string) (*models.RunnerLease, error) {
	before, err := store.GetTask(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	l, err := s.leases.Claim(ctx, taskID, agentName, source)
	if err != nil {
		return nil, err
	}
	after, err := store.GetTask(ctx, s.db, taskID)
	if err != nil {
		s.bestEffort(ctx, "broadcast", err, "task_id", taskID)
		return l, nil
	}
	s.broadcast(ctx, after, "claimed", before.Status)
	return l, nil
}

// Heartbeat extends an agent's lease.
func (s *Service) Heartbeat(ctx context.Context, token string) (*models.RunnerLease, error) {
	return s.leases.Heartbeat(ctx, token)
}

// Release ends an agent's lease early.
func (s *Service) Release(ctx context.Context, token string) error {
	return s.leases.Release(ctx, token)
}
