package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentcoord/internal/metrics"
	"agentcoord/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultLimitWindow is how long a throttle is assumed to last when the
// error text names no reset time.
const DefaultLimitWindow = time.Hour

// ErrLimitNotFound is returned when resetting a limit that was never recorded.
var ErrLimitNotFound = errors.New("model limit not found")

// Ledger tracks per-user model throttles.
type Ledger struct {
	db     *gorm.DB
	log    *slog.Logger
	window time.Duration
	now    func() time.Time
}

// NewLedger creates an availability ledger. A zero window means
// DefaultLimitWindow.
func NewLedger(db *gorm.DB, window time.Duration, log *slog.Logger) *Ledger {
	if window <= 0 {
		window = DefaultLimitWindow
	}
	return &Ledger{
		db:     db,
		log:    log,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecordLimit marks model as throttled for userID. The reset time comes
// from the error text and falls back to now plus the ledger window, so a
// limited row always carries a reset time. Concurrent reports for the
// same pair are last-write-wins.
func (l *Ledger) RecordLimit(ctx context.Context, userID, model, errorMessage string) (*models.ModelLimit, error) {
	model = normalizeModel(model)
	if userID == "" || model == "" {
		return nil, fmt.Errorf("user and model are required")
	}

	now := l.now()
	resetsAt, ok := ParseResetTime(errorMessage, now)
	if !ok {
		resetsAt = now.Add(l.window)
	}
	resetsAt = resetsAt.UTC()

	limit := &models.ModelLimit{
		UserID:       userID,
		ModelName:    model,
		Limited:      true,
		ResetsAt:     &resetsAt,
		ErrorMessage: errorMessage,
		LastErrorAt:  &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "model_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"limited", "resets_at", "error_message", "last_error_at", "updated_at",
		}),
	}).Create(limit).Error
	if err != nil {
		return nil, fmt.Errorf("failed to record model limit: %w", err)
	}

	var stored models.ModelLimit
	if err := l.db.WithContext(ctx).
		Where("user_id = ? AND model_name = ?", userID, model).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to reload model limit: %w", err)
	}

	metrics.ModelLimits.Inc()
	l.log.Info("model limited",
		"user_id", userID,
		"model", model,
		"resets_at", resetsAt,
		"parsed", ok)
	return &stored, nil
}

// ClearExpiredLimits lifts every throttle whose reset time has passed.
func (l *Ledger) ClearExpiredLimits(ctx context.Context) (int64, error) {
	now := l.now()
	res := l.db.WithContext(ctx).Model(&models.ModelLimit{}).
		Where("limited = ? AND resets_at IS NOT NULL AND resets_at <= ?", true, now).
		Updates(map[string]interface{}{
			"limited":    false,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear expired limits: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		l.log.Info("cleared expired model limits", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Reset lifts the throttle on one model for a user.
func (l *Ledger) Reset(ctx context.Context, userID, model string) error {
	res := l.db.WithContext(ctx).Model(&models.ModelLimit{}).
		Where("user_id = ? AND model_name = ?", userID, normalizeModel(model)).
		Updates(map[string]interface{}{
			"limited":    false,
			"resets_at":  nil,
			"updated_at": l.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reset model limit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLimitNotFound
	}
	return nil
}

// Limits returns every ledger row for the user, active or not.
func (l *Ledger) Limits(ctx context.Context, userID string) ([]models.ModelLimit, error) {
	var limits []models.ModelLimit
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("model_name").Find(&limits).Error; err != nil {
		return nil, fmt.Errorf("failed to load model limits: %w", err)
	}
	return limits, nil
}

// active returns the limits that still apply, keyed by model name.
func (l *Ledger) active(ctx context.Context, userID string) (map[string]models.ModelLimit, error) {
	limits, err := l.Limits(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := make(map[string]models.ModelLimit, len(limits))
	for i := range limits {
		if limits[i].ActiveAt(now) {
			out[limits[i].ModelName] = limits[i]
		}
	}
	return out, nil
}
