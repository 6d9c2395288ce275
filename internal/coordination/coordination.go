// Package coordination is the composition root behind the inbound agent
// webhooks. One callback releases the task's lease, records the run,
// moves the pipeline and may escalate the routed model, all under the
// task row lock. Collaborators (broadcast, job queue, transcripts,
// review) are best effort and never undo committed state.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentcoord/internal/auth"
	"agentcoord/internal/lease"
	"agentcoord/internal/logger"
	"agentcoord/internal/metrics"
	"agentcoord/internal/models"
	"agentcoord/internal/pipeline"
	"agentcoord/internal/review"
	"agentcoord/internal/routing"
	"agentcoord/internal/runs"
	"agentcoord/internal/storage"
	"agentcoord/internal/store"
	"agentcoord/internal/websocket"

	"gorm.io/gorm"
)

var (
	// ErrUnauthorized means the shared hook secret did not match.
	ErrUnauthorized = errors.New("invalid hook token")
	// ErrValidation wraps every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrTaskNotFound means no task matched the given identifiers.
	ErrTaskNotFound = store.ErrTaskNotFound
)

// ValidationError rejects a payload before any side effect. Reason is a
// stable code such as "required" or "invalid_format".
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Tier is one rung of the model escalation ladder.
type Tier struct {
	Name     string
	Models   []string
	Fallback string
}

// Policy drives what happens after a requeue.
type Policy struct {
	MaxRetries      int
	EscalateOnRetry bool
	Tiers           []Tier
}

func (p Policy) tier(name string) (Tier, bool) {
	for _, t := range p.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

func (p Policy) tierOf(model string) (Tier, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return Tier{}, false
	}
	for _, t := range p.Tiers {
		for _, m := range t.Models {
			if strings.ToLower(m) == model {
				return t, true
			}
		}
	}
	return Tier{}, false
}

// Enqueuer dispatches fire-and-forget background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args any) (*models.Job, error)
}

// Broadcaster pushes refresh events to board subscribers.
type Broadcaster interface {
	Broadcast(boardID string, event websocket.Event) error
}

// Transcripts reads and archives agent session logs.
type Transcripts interface {
	Read(ctx context.Context, path string) (*storage.Summary, error)
	Archive(ctx context.Context, taskID, path string, metadata map[string]any) (*models.TranscriptArchive, error)
}

// Deps are the components a Service composes. Queue, Broadcast,
// Transcripts and Reviewer may be nil.
type Deps struct {
	Leases      *lease.Manager
	Runs        *runs.Recorder
	Pipeline    *pipeline.Machine
	Router      *routing.Router
	Queue       Enqueuer
	Broadcast   Broadcaster
	Transcripts Transcripts
	Reviewer    review.Reviewer

	// Bounds the transcript fallback read in agent_complete.
	TranscriptTimeout time.Duration
}

type Service struct {
	db          *gorm.DB
	leases      *lease.Manager
	runs        *runs.Recorder
	machine     *pipeline.Machine
	router      *routing.Router
	queue       Enqueuer
	hub         Broadcaster
	transcripts Transcripts
	reviewer    review.Reviewer

	hookToken         string
	transcriptTimeout time.Duration

	mu     sync.RWMutex
	policy Policy

	log *slog.Logger
}

// New creates the coordination service.
func New(db *gorm.DB, deps Deps, policy Policy, hookToken string, log *slog.Logger) *Service {
	timeout := deps.TranscriptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	reviewer := deps.Reviewer
	if reviewer == nil {
		reviewer = review.RuleReviewer{}
	}
	return &Service{
		db:                db,
		leases:            deps.Leases,
		runs:              deps.Runs,
		machine:           deps.Pipeline,
		router:            deps.Router,
		queue:             deps.Queue,
		hub:               deps.Broadcast,
		transcripts:       deps.Transcripts,
		reviewer:          reviewer,
		hookToken:         hookToken,
		transcriptTimeout: timeout,
		policy:            policy,
		log:               log,
	}
}

// SetPolicy replaces the retry and escalation policy for later callbacks.
func (s *Service) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// Policy returns the policy currently in force.
func (s *Service) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Authenticate checks the shared hook secret in constant time.
func (s *Service) Authenticate(token string) error {
	if !auth.CheckHookToken(token, s.hookToken) {
		return ErrUnauthorized
	}
	return nil
}

// bestEffort logs and counts a swallowed collaborator failure.
func (s *Service) bestEffort(ctx context.Context, op string, err error, attrs ...any) {
	if err == nil {
		return
	}
	metrics.CollaboratorFailures.WithLabelValues(op).Inc()
	s.logger(ctx).Warn("collaborator failed", append([]any{"op", op, "error", err}, attrs...)...)
}

func (s *Service) broadcast(ctx context.Context, task *models.Task, action string, oldStatus models.TaskStatus) {
	if s.hub == nil {
		return
	}
	err := s.hub.Broadcast(task.BoardID, websocket.Event{
		TaskID:    task.ID,
		Action:    action,
		OldStatus: string(oldStatus),
		NewStatus: string(task.Status),
	})
	s.bestEffort(ctx, "broadcast", err, "task_id", task.ID)
}

// findTask resolves a task id, falling back to the agent session it is
// bound to.
func (s *Service) findTask(ctx context.Context, taskID, sessionID, sessionKey string) (*models.Task, error) {
	if taskID != "" {
		return store.GetTask(ctx, s.db, taskID)
	}

	column, value := "agent_session_id", sessionID
	if value == "" {
		column, value = "agent_session_key", sessionKey
	}
	if value == "" {
		return nil, &ValidationError{Field: "task_id", Reason: "required"}
	}

	var found []models.Task
	err := s.db.WithContext(ctx).
		Where(column+" = ?", value).
		Order("updated_at DESC").
		Limit(1).
		Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up task by %s: %w", column, err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrTaskNotFound, column, value)
	}
	return &found[0], nil
}

func (s *Service) logger(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, s.log)
}
