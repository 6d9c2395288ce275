// Package lease grants workers exclusive, renewable, time-bounded claims
// on tasks. Expiry is computed from expires_at; reclamation of stale
// leases happens lazily on the next claim of the same task, with an
// optional periodic sweep.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentcoord/internal/metrics"
	"agentcoord/internal/models"
	"agentcoord/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultDuration is how long a claim or heartbeat keeps a lease alive.
const DefaultDuration = 15 * time.Minute

var (
	// ErrLeaseConflict means another worker holds an active lease on the task.
	ErrLeaseConflict = errors.New("task already has an active lease")
	// ErrLeaseNotActive means the lease expired or was released.
	ErrLeaseNotActive = errors.New("lease is no longer active")
	// ErrLeaseNotFound means no lease carries the given token.
	ErrLeaseNotFound = errors.New("lease not found")
)

// ConflictError describes the lease that blocked a claim.
type ConflictError struct {
	TaskID    string
	HeldBy    string
	ExpiresAt time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s is leased by %q until %s", e.TaskID, e.HeldBy, e.ExpiresAt.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrLeaseConflict
}

// Manager issues and tracks runner leases.
type Manager struct {
	db       *gorm.DB
	duration time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewManager creates a lease manager; a zero duration means DefaultDuration.
func NewManager(db *gorm.DB, duration time.Duration, log *slog.Logger) *Manager {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Manager{
		db:       db,
		duration: duration,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Claim grants a new lease on the task after reclaiming expired ones.
// It never waits: an active lease yields a *ConflictError.
func (m *Manager) Claim(ctx context.Context, taskID, agentName, source string) (*models.RunnerLease, error) {
	var granted *models.RunnerLease

	err := store.WithLockedTask(ctx, m.db, taskID, func(tx *gorm.DB, task *models.Task) error {
		now := m.now()

		var open []models.RunnerLease
		if err := tx.Where("task_id = ? AND released_at IS NULL", taskID).Find(&open).Error; err != nil {
			return fmt.Errorf("failed to load leases: %w", err)
		}

		for i := range open {
			l := &open[i]
			if l.ActiveAt(now) {
				return &ConflictError{TaskID: taskID, HeldBy: l.AgentName, ExpiresAt: l.ExpiresAt}
			}
			if err := tx.Model(l).Update("released_at", now).Error; err != nil {
				return fmt.Errorf("failed to reclaim lease: %w", err)
			}
			m.log.Info("reclaimed expired lease",
				"task_id", taskID,
				"lease_token", l.LeaseToken,
				"agent", l.AgentName,
				"expired_at", l.ExpiresAt)
		}

		granted = &models.RunnerLease{
			LeaseToken:      uuid.New().String(),
			TaskID:          taskID,
			AgentName:       agentName,
			Source:          source,
			StartedAt:       now,
			LastHeartbeatAt: now,
			ExpiresAt:       now.Add(m.duration),
			CreatedAt:       now,
		}
		if err := tx.Create(granted).Error; err != nil {
			return fmt.Errorf("failed to create lease: %w", err)
		}

		updates := map[string]interface{}{
			"claimed_at": now,
			"claimed_by": agentName,
			"updated_at": now,
		}
		if task.Status == models.StatusInbox || task.Status == models.StatusUpNext {
			updates["status"] = models.StatusInProgress
		}
		if err := tx.Model(task).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to mark task claimed: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLeaseConflict) {
			metrics.LeaseClaims.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}

	metrics.LeaseClaims.WithLabelValues("granted").Inc()
	m.log.Info("lease granted", "task_id", taskID, "lease_token", granted.LeaseToken, "agent", agentName, "source", source)
	return granted, nil
}

// Heartbeat extends an active lease. Heartbeating an expired or released
// lease fails with ErrLeaseNotActive so the caller learns it lost the task.
func (m *Manager) Heartbeat(ctx context.Context, token string) (*models.RunnerLease, error) {
	l, err := m.get(ctx, token)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if !l.ActiveAt(now) {
		return nil, fmt.Errorf("%w: %s", ErrLeaseNotActive, token)
	}

	expiresAt := now.Add(m.duration)
	res := m.db.WithContext(ctx).Model(&models.RunnerLease{}).
		Where("lease_token = ? AND released_at IS NULL", token).
		Updates(map[string]interface{}{
			"last_heartbeat_at": now,
			"expires_at":        expiresAt,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to extend lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Released between the read and the write.
		return nil, fmt.Errorf("%w: %s", ErrLeaseNotActive, token)
	}

	l.LastHeartbeatAt = now
	l.ExpiresAt = expiresAt
	return l, nil
}

// Release ends a lease. Releasing an already released lease is a no-op.
func (m *Manager) Release(ctx context.Context, token string) error {
	res := m.db.WithContext(ctx).Model(&models.RunnerLease{}).
		Where("lease_token = ? AND released_at IS NULL", token).
		Update("released_at", m.now())
	if res.Error != nil {
		return fmt.Errorf("failed to release lease: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		m.log.Info("lease released", "lease_token", token)
		return nil
	}

	// Nothing changed: either already released or unknown.
	if _, err := m.get(ctx, token); err != nil {
		return err
	}
	return nil
}

// Active returns the live lease for the task, or nil when it is unclaimed.
func (m *Manager) Active(ctx context.Context, taskID string) (*models.RunnerLease, error) {
	var open []models.RunnerLease
	if err := m.db.WithContext(ctx).Where("task_id = ? AND released_at IS NULL", taskID).Find(&open).Error; err != nil {
		return nil, fmt.Errorf("failed to load leases: %w", err)
	}
	now := m.now()
	for i := range open {
		if open[i].ActiveAt(now) {
			return &open[i], nil
		}
	}
	return nil, nil
}

// ReclaimExpired marks every expired, unreleased lease as released.
func (m *Manager) ReclaimExpired(ctx context.Context) (int64, error) {
	now := m.now()
	res := m.db.WithContext(ctx).Model(&models.RunnerLease{}).
		Where("released_at IS NULL AND expires_at <= ?", now).
		Update("released_at", now)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		m.log.Info("reclaimed expired leases", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// ReleaseAllTx releases every open lease of the task inside tx. Callers
// must already hold the task row lock.
func ReleaseAllTx(tx *gorm.DB, taskID string, now time.Time) (int64, error) {
	res := tx.Model(&models.RunnerLease{}).
		Where("task_id = ? AND released_at IS NULL", taskID).
		Update("released_at", now)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to release task leases: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (m *Manager) get(ctx context.Context, token string) (*models.RunnerLease, error) {
	var l models.RunnerLease
	if err := m.db.WithContext(ctx).First(&l, "lease_token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrLeaseNotFound, token)
		}
		return nil, fmt.Errorf("failed to load lease: %w", err)
	}
	return &l, nil
}
