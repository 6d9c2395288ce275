package coordination

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"agentcoord/internal/metrics"
	"agentcoord/internal/models"
	"agentcoord/internal/pipeline"
	"agentcoord/internal/runs"
	"agentcoord/internal/store"

	"gorm.io/gorm"
)

// OutcomeVersion is the only task_outcome contract version accepted.
const OutcomeVersion = "1"

// Reasons written to the pipeline log by outcome policy.
const (
	ReasonOutcome             = "outcome"
	ReasonRequeue             = "requeue"
	ReasonEscalated           = "escalated"
	ReasonEscalationExhausted = "escalation_exhausted"
	ReasonMaxRetries          = "max_retries"
)

var runIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{36}$`)

// OutcomePayload is the task_outcome webhook body produced by agents.
type OutcomePayload struct {
	Version           string     `json:"version"`
	RunID             string     `json:"run_id"`
	TaskID            string     `json:"task_id,omitempty"`
	SessionID         string     `json:"session_id,omitempty"`
	SessionKey        string     `json:"session_key,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	NeedsFollowUp     bool       `json:"needs_follow_up"`
	RecommendedAction string     `json:"recommended_action"`
	NextPrompt        string     `json:"next_prompt,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Achieved          []string   `json:"achieved,omitempty"`
	Evidence          []string   `json:"evidence,omitempty"`
	Remaining         []string   `json:"remaining,omitempty"`
	ModelUsed         string     `json:"model_used,omitempty"`

	// Raw is the request body as received; it is stored verbatim on the run.
	Raw []byte `json:"-"`
}

// Validate checks the payload contract.
func (p *OutcomePayload) Validate() error {
	if p.Version != OutcomeVersion {
		return &ValidationError{Field: "version", Reason: "unsupported_version"}
	}
	if !runIDPattern.MatchString(p.RunID) {
		return &ValidationError{Field: "run_id", Reason: "invalid_format"}
	}
	if !models.RecommendedAction(p.RecommendedAction).Valid() {
		return &ValidationError{Field: "recommended_action", Reason: "invalid_value"}
	}
	if p.NeedsFollowUp &&
		models.RecommendedAction(p.RecommendedAction) == models.ActionRequeueSameTask &&
		strings.TrimSpace(p.NextPrompt) == "" {
		return &ValidationError{Field: "next_prompt", Reason: "required"}
	}
	if p.TaskID == "" && p.SessionID == "" && p.SessionKey == "" {
		return &ValidationError{Field: "task_id", Reason: "required"}
	}
	return nil
}

// OutcomeResult is returned to the reporting agent.
type OutcomeResult struct {
	TaskID        string               `json:"task_id"`
	RunNumber     int                  `json:"run_number"`
	Idempotent    bool                 `json:"idempotent"`
	Status        models.TaskStatus    `json:"status"`
	PipelineStage models.PipelineStage `json:"pipeline_stage"`
	RoutedModel   string               `json:"routed_model,omitempty"`
	RunCount      int                  `json:"run_count"`
}

// HandleTaskOutcome authenticates, validates and records one completion
// report, then applies the retry and escalation policy to pipeline tasks.
// A replayed run id succeeds with Idempotent set and changes nothing.
func (s *Service) HandleTaskOutcome(ctx context.Context, hookToken string, p OutcomePayload) (*OutcomeResult, error) {
	if err := s.Authenticate(hookToken); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	task, err := s.findTask(ctx, p.TaskID, p.SessionID, p.SessionKey)
	if err != nil {
		return nil, err
	}
	oldStatus := task.Status
	log := s.logger(ctx).With("task_id", task.ID, "run_id", p.RunID)

	raw := p.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(p)
	}
	o := runs.Outcome{
		RunID:             strings.ToLower(p.RunID),
		NeedsFollowUp:     p.NeedsFollowUp,
		RecommendedAction: models.RecommendedAction(p.RecommendedAction),
		Summary:           p.Summary,
		Achieved:          p.Achieved,
		Evidence:          p.Evidence,
		Remaining:         p.Remaining,
		NextPrompt:        p.NextPrompt,
		ModelUsed:         p.ModelUsed,
		Raw:               raw,
	}
	if p.EndedAt != nil {
		o.EndedAt = *p.EndedAt
	}

	res, err := s.runs.RecordOutcome(ctx, task.ID, o, s.outcomePolicy(s.Policy()))
	if err != nil {
		return nil, err
	}

	if res.Idempotent {
		// Report the current state without touching anything.
		current, err := store.GetTask(ctx, s.db, task.ID)
		if err != nil {
			return nil, err
		}
		log.Info("task outcome replayed", "run_number", res.RunNumber)
		return newOutcomeResult(current, res), nil
	}

	s.broadcast(ctx, res.Task, "task_outcome", oldStatus)
	log.Info("task outcome handled",
		"run_number", res.RunNumber,
		"status", res.Task.Status,
		"pipeline_stage", res.Task.PipelineStage,
		"routed_model", res.Task.RoutedModel)
	return newOutcomeResult(res.Task, res), nil
}

func newOutcomeResult(task *models.Task, res *runs.Result) *OutcomeResult {
	return &OutcomeResult{
		TaskID:        task.ID,
		RunNumber:     res.RunNumber,
		Idempotent:    res.Idempotent,
		Status:        task.Status,
		PipelineStage: task.PipelineStage,
		RoutedModel:   task.RoutedModel,
		RunCount:      task.RunCount,
	}
}

// outcomePolicy returns the followup that moves a pipeline-active task
// after its run is recorded. It uses only tx: the row lock is held.
func (s *Service) outcomePolicy(policy Policy) runs.Followup {
	return func(tx *gorm.DB, task *models.Task, run *models.TaskRun) error {
		if !task.PipelineActive() {
			return nil
		}

		meta := map[string]any{
			"run_id":     run.RunID,
			"run_number": run.RunNumber,
			"action":     string(run.RecommendedAction),
		}

		switch run.RecommendedAction {
		case models.ActionRequeueSameTask:
			return s.requeue(tx, task, run, policy, meta)
		default:
			// in_review, split_into_subtasks and prompt_user all finish
			// this task's pipeline.
			if task.PipelineStage == models.StageCompleted {
				return nil
			}
			meta["reason"] = ReasonOutcome
			return s.machine.ApplyTx(tx, task, pipeline.Step{
				To:       models.StageCompleted,
				Metadata: meta,
			})
		}
	}
}

func (s *Service) requeue(tx *gorm.DB, task *models.Task, run *models.TaskRun, policy Policy, meta map[string]any) error {
	if task.RetryCount >= policy.MaxRetries {
		if policy.EscalateOnRetry {
			return s.escalateModelTier(tx, task, run, policy, meta)
		}
		meta["reason"] = ReasonMaxRetries
		meta["retries"] = task.RetryCount
		if err := s.machine.ApplyTx(tx, task, pipeline.Step{
			To:       models.StageFailed,
			Metadata: meta,
		}); err != nil {
			return err
		}
		metrics.Escalations.WithLabelValues("failed").Inc()
		return nil
	}

	task.RetryCount++
	meta["reason"] = ReasonRequeue
	meta["retry"] = task.RetryCount
	return s.machine.ApplyTx(tx, task, pipeline.Step{
		To:       models.StageContextReady,
		Metadata: meta,
		Set:      map[string]interface{}{"retry_count": task.RetryCount},
	})
}

// escalateModelTier moves the task to the first model of the fallback
// tier of the tier holding its current model. A model in no tier, or a
// tier without a usable fallback, exhausts the ladder.
func (s *Service) escalateModelTier(tx *gorm.DB, task *models.Task, run *models.TaskRun, policy Policy, meta map[string]any) error {
	current := task.RoutedModel
	if current == "" {
		current = run.ModelUsed
	}
	meta["from_model"] = current

	var next string
	if tier, ok := policy.tierOf(current); ok {
		meta["tier"] = tier.Name
		if fb, ok := policy.tier(tier.Fallback); ok && tier.Fallback != "" && len(fb.Models) > 0 {
			next = fb.Models[0]
			meta["to_tier"] = fb.Name
		}
	}

	if next == "" {
		meta["reason"] = ReasonEscalationExhausted
		if err := s.machine.ApplyTx(tx, task, pipeline.Step{
			To:       models.StageFailed,
			Metadata: meta,
		}); err != nil {
			return err
		}
		metrics.Escalations.WithLabelValues("exhausted").Inc()
		s.log.Warn("model escalation exhausted", "task_id", task.ID, "model", current)
		return nil
	}

	task.RoutedModel = next
	task.RetryCount = 0
	meta["reason"] = ReasonEscalated
	meta["to_model"] = next
	if err := s.machine.ApplyTx(tx, task, pipeline.Step{
		To:       models.StageContextReady,
		Metadata: meta,
		Set: map[string]interface{}{
			"routed_model": next,
			"retry_count":  0,
		},
	}); err != nil {
		return err
	}
	metrics.Escalations.WithLabelValues("escalated").Inc()
	s.log.Info("model tier escalated", "task_id", task.ID, "from", current, "to", next)
	return nil
}
