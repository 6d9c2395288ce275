package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentcoord/internal/dbtest"
	"agentcoord/internal/logger"
	"agentcoord/internal/models"

	"gorm.io/gorm"
)

func newTestManager(t *testing.T) (*Manager, *gorm.DB) {
	db := dbtest.Open(t)
	return NewManager(db, 0, logger.Discard()), db
}

func countActive(t *testing.T, db *gorm.DB, taskID string, now time.Time) int {
	t.Helper()
	var leases []models.RunnerLease
	if err := db.Where("task_id = ?", taskID).Find(&leases).Error; err != nil {
		t.Fatal(err)
	}
	active := 0
	for i := range leases {
		if leases[i].ActiveAt(now) {
			active++
		}
	}
	return active
}

func TestClaim_GrantsLease(t *testing.T) {
	m, db := newTestManager(t)
	task := dbtest.CreateTask(t, db, func(task *models.Task) { task.Status = models.StatusUpNext })

	l, err := m.Claim(context.Background(), task.ID, "agent-a", "cli")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if l.LeaseToken == "" {
		t.Error("LeaseToken is empty")
	}
	if got := l.ExpiresAt.Sub(l.StartedAt); got != DefaultDuration {
		t.Errorf("lease duration = %v, want %v", got, DefaultDuration)
	}

	got := dbtest.ReloadTask(t, db, task.ID)
	if got.ClaimedAt == nil {
		t.Error("ClaimedAt not set")
	}
	if got.ClaimedBy != "agent-a" {
		t.Errorf("ClaimedBy = %q, want agent-a", got.ClaimedBy)
	}
	if got.Status != models.StatusInProgress {
		t.Errorf("Status = %q, want in_progress", got.Status)
	}
}

func TestClaim_ConflictWhileActive(t *testing.T) {
	m, db := newTestManager(t)
	task := dbtest.CreateTask(t, db, nil)

	if _, err := m.Claim(context.Background(), task.ID, "agent-a", "cli"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Claim(context.Background(), task.ID, "agent-b", "cli")
	if !errors.Is(err, ErrLeaseConflict) {
		t.Fatalf("second Claim err = %v, want ErrLeaseConflict", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err is not a *ConflictError: %T", err)
	}
	if conflict.HeldBy != "agent-a" {
		t.Errorf("HeldBy = %q, want agent-a", conflict.HeldBy)
	}
}

func TestClaim_ReclaimsExpiredLease(t *testing.T) {
	m, db := newTestManager(t)
	task := dbtest.CreateTask(t, db, nil)

	stale, err := m.Claim(context.Background(), task.ID, "crashed-agent", "cli")
	if err != nil {
		t.Fatal(err)
	}

	// Jump past the lease duration.
	later := time.Now().UTC().Add(DefaultDuration + time.Minute)
	m.now = func() time.Time { return later }

	fresh, err := m.Claim(context.Background(), task.ID, "agent-b", "cli")
	if err != nil {
		t.Fatalf("Claim after expiry failed: %v", err)
	}
	if fresh.LeaseToken == stale.LeaseToken {
		t.Error("expected a fresh lease token")
	}

	var reloaded models.RunnerLease
	if err := db.First(&reloaded, "lease_token = ?", stale.LeaseToken).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.ReleasedAt == nil {
		t.Error("stale lease ReleasedAt not set")
	}
	if n := countActive(t, db, task.ID, later); n != 1 {
		t.Errorf("active leases = %d, want 1", n)
	}
}

func TestClaim_UnknownTask(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Claim(context.Background(), "missing", "agent", "cli"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestClaim_ConcurrentClaimsGrantExactlyOne(t *testing.T) {
	m, db := newTestManager(t)
	task := dbtest.CreateTask(t, db, nil)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		granted   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Claim(context.Background(), task.ID, "agent", "race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, ErrLeaseConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("granted = %d, want 1", granted)
	}
	if conflicts != workers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, workers-1)
	}
	if n := countActive(t, db, task.ID, time.Now().UTC()); n != 1 {
		t.Errorf("active leases = %d, want 1", n)
	}
}

func TestHeartbeat_ExtendsExpiry(t *testing.T) {
	m, db := newTestManager(t)
	task := dbtest.CreateTask(t, db, nil)

	l, err := m.Claim(context.Background(), task.ID, "agent", "cli")
	if err != nil {
		t.Fatal(err)
	}

	later := l.StartedAt.Add(10 * time.Minute)
	m.now = func() time.Time { return later }

	extended, err := m.Heartbeat(context.Background(), l.LeaseToken)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if want := later.Add(DefaultDuration); !extended.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", extended.ExpiresAt, want)
	}
	if !extended.LastHeartbeatAt.Equal(later) {
		t.Errorf("LastHeartbeatAt = %v, want %v", extended.LastHeartbeatAt, later)
	}
}

func TestHeartbeat_ExpiredLeaseFails(t *testing.T) {
	m, db := newTestManager(t)
	task := dbtest.CreateTask(t, db, nil)

	l, err := m.Claim(context.Background(), task.ID, "agent", "cli")
	if err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return l.ExpiresAt.Add(time.Second) }

	if _, err := m.Heartbeat(context.Background(), l.LeaseToken); !errors.Is(err, ErrLeaseNotActive) {
		t.Errorf("Heartbeat err = %v, want ErrLeaseNotActive", err)
	}
}

func TestHeartbeat_ReleasedLeaseFails(t *testing.T) {
	m, db := newTestManager(t)
	task := dbtest.CreateTask(t, db, nil)

	l, err := m.Claim(context.Background(), task.ID, "agent", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Release(context.Background(), l.LeaseToken); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Heartbeat(context.Background(), l.LeaseToken); !errors.Is(err, ErrLeaseNotActive) {
		t.Errorf("Heartbeat err = %v, want ErrLeaseNotActive", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	m, db := newTestManager(t)
	task := dbtest.CreateTask(t, db, nil)

	l, err := m.Claim(context.Background(), task.ID, "agent", "cli")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Release(context.Background(), l.LeaseToken); err != nil {
			t.Fatalf("Release #%d failed: %v", i+1, err)
		}
	}

	active, err := m.Active(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Errorf("Active = %+v, want nil", active)
	}

	// The task is claimable again.
	if _, err := m.Claim(context.Background(), task.ID, "agent-2", "cli"); err != nil {
		t.Errorf("Claim after release failed: %v", err)
	}
}

func TestRelease_UnknownToken(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Release(context.Background(), "nope"); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("Release err = %v, want ErrLeaseNotFound", err)
	}
}

func TestReclaimExpired(t *testing.T) {
	m, db := newTestManager(t)
	a := dbtest.CreateTask(t, db, nil)
	b := dbtest.CreateTask(t, db, nil)

	if _, err := m.Claim(context.Background(), a.ID, "agent", "cli"); err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return time.Now().UTC().Add(-time.Hour) }
	if _, err := m.Claim(context.Background(), b.ID, "agent", "cli"); err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return time.Now().UTC() }

	n, err := m.ReclaimExpired(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reclaimed = %d, want 1", n)
	}

	active, err := m.Active(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil {
		t.Error("lease on task a should still be active")
	}
}
