package runs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"agentcoord/internal/dbtest"
	"agentcoord/internal/lease"
	"agentcoord/internal/logger"
	"agentcoord/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newTestRecorder(t *testing.T) (*Recorder, *gorm.DB) {
	db := dbtest.Open(t)
	return NewRecorder(db, logger.Discard()), db
}

func outcome(action models.RecommendedAction) Outcome {
	return Outcome{
		RunID:             uuid.New().String(),
		RecommendedAction: action,
		Summary:           "did the thing",
		Achieved:          []string{"wrote code"},
	}
}

func TestRecordOutcome_FirstRun(t *testing.T) {
	r, db := newTestRecorder(t)
	task := dbtest.CreateTask(t, db, nil)

	o := outcome(models.ActionInReview)
	res, err := r.RecordOutcome(context.Background(), task.ID, o, nil)
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if res.RunNumber != 1 || res.Idempotent {
		t.Errorf("result = %+v, want run 1, not idempotent", res)
	}

	got := dbtest.ReloadTask(t, db, task.ID)
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
	if got.LastRunID == nil || *got.LastRunID != o.RunID {
		t.Errorf("LastRunID = %v, want %s", got.LastRunID, o.RunID)
	}
	if got.LastOutcomeAt == nil {
		t.Error("LastOutcomeAt not set")
	}
	if got.LastRecommendedAction != string(models.ActionInReview) {
		t.Errorf("LastRecommendedAction = %q", got.LastRecommendedAction)
	}
	if got.Status != models.StatusInReview {
		t.Errorf("Status = %q, want in_review", got.Status)
	}

	var run models.TaskRun
	if err := db.First(&run, "run_id = ?", o.RunID).Error; err != nil {
		t.Fatal(err)
	}
	if len(run.Achieved) != 1 || run.Achieved[0] != "wrote code" {
		t.Errorf("Achieved = %v", run.Achieved)
	}
	if run.EndedAt.IsZero() {
		t.Error("EndedAt defaulted to zero")
	}
}

func TestRecordOutcome_RequeueSetsUpNext(t *testing.T) {
	r, db := newTestRecorder(t)
	task := dbtest.CreateTask(t, db, nil)

	if _, err := r.RecordOutcome(context.Background(), task.ID, outcome(models.ActionRequeueSameTask), nil); err != nil {
		t.Fatal(err)
	}
	if got := dbtest.ReloadTask(t, db, task.ID); got.Status != models.StatusUpNext {
		t.Errorf("Status = %q, want up_next", got.Status)
	}
}

func TestRecordOutcome_ReplayIsIdempotent(t *testing.T) {
	r, db := newTestRecorder(t)
	task := dbtest.CreateTask(t, db, nil)
	leases := lease.NewManager(db, 0, logger.Discard())
	ctx := context.Background()

	o := outcome(models.ActionInReview)
	first, err := r.RecordOutcome(ctx, task.ID, o, nil)
	if err != nil {
		t.Fatal(err)
	}

	// A lease taken after the first report must survive the replay.
	l, err := leases.Claim(ctx, task.ID, "agent", "cli")
	if err != nil {
		t.Fatal(err)
	}

	followups := 0
	second, err := r.RecordOutcome(ctx, task.ID, o, func(tx *gorm.DB, task *models.Task, run *models.TaskRun) error {
		followups++
		return nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.Idempotent {
		t.Error("Idempotent = false on replay")
	}
	if second.RunNumber != first.RunNumber {
		t.Errorf("RunNumber = %d, want %d", second.RunNumber, first.RunNumber)
	}
	if followups != 0 {
		t.Errorf("followup ran %d times on replay", followups)
	}

	var count int64
	db.Model(&models.TaskRun{}).Where("task_id = ?", task.ID).Count(&count)
	if count != 1 {
		t.Errorf("runs = %d, want 1", count)
	}
	if got := dbtest.ReloadTask(t, db, task.ID); got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
	active, err := leases.Active(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.LeaseToken != l.LeaseToken {
		t.Error("replay released the lease")
	}
}

func TestRecordOutcome_ReleasesLease(t *testing.T) {
	r, db := newTestRecorder(t)
	task := dbtest.CreateTask(t, db, nil)
	leases := lease.NewManager(db, 0, logger.Discard())
	ctx := context.Background()

	if _, err := leases.Claim(ctx, task.ID, "agent", "cli"); err != nil {
		t.Fatal(err)
	}
	res, err := r.RecordOutcome(ctx, task.ID, outcome(models.ActionInReview), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.LeasesReleased != 1 {
		t.Errorf("LeasesReleased = %d, want 1", res.LeasesReleased)
	}
	active, err := leases.Active(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Error("lease still active after outcome")
	}
}

func TestRecordOutcome_ConcurrentDistinctRunsAreContiguous(t *testing.T) {
	r, db := newTestRecorder(t)
	task := dbtest.CreateTask(t, db, nil)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RecordOutcome(context.Background(), task.ID, outcome(models.ActionInReview), nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RecordOutcome failed: %v", err)
	}

	history, err := r.Runs(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != n {
		t.Fatalf("runs = %d, want %d", len(history), n)
	}
	numbers := make([]int, 0, n)
	for _, run := range history {
		numbers = append(numbers, run.RunNumber)
	}
	sort.Ints(numbers)
	for i, num := range numbers {
		if num != i+1 {
			t.Errorf("run numbers = %v, want 1..%d", numbers, n)
			break
		}
	}
	if got := dbtest.ReloadTask(t, db, task.ID); got.RunCount != n {
		t.Errorf("RunCount = %d, want %d", got.RunCount, n)
	}
}

func TestRecordOutcome_ConcurrentSameRunCreatesOne(t *testing.T) {
	r, db := newTestRecorder(t)
	task := dbtest.CreateTask(t, db, nil)
	o := outcome(models.ActionInReview)

	const n = 6
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		idempotent int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.RecordOutcome(context.Background(), task.ID, o, nil)
			if err != nil {
				t.Errorf("RecordOutcome failed: %v", err)
				return
			}
			if res.RunNumber != 1 {
				t.Errorf("RunNumber = %d, want 1", res.RunNumber)
			}
			mu.Lock()
			if res.Idempotent {
				idempotent++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if idempotent != n-1 {
		t.Errorf("idempotent results = %d, want %d", idempotent, n-1)
	}
	var count int64
	db.Model(&models.TaskRun{}).Where("run_id = ?", o.RunID).Count(&count)
	if count != 1 {
		t.Errorf("runs = %d, want 1", count)
	}
}

func TestRecordOutcome_FailedFollowupKeepsRun(t *testing.T) {
	r, db := newTestRecorder(t)
	task := dbtest.CreateTask(t, db, nil)

	res, err := r.RecordOutcome(context.Background(), task.ID, outcome(models.ActionInReview),
		func(tx *gorm.DB, task *models.Task, run *models.TaskRun) error {
			if err := tx.Model(task).Update("routed_model", "haiku").Error; err != nil {
				return err
			}
			return errors.New("escalation blew up")
		})
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if res.RunNumber != 1 {
		t.Errorf("RunNumber = %d, want 1", res.RunNumber)
	}

	got := dbtest.ReloadTask(t, db, task.ID)
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
	if got.RoutedModel != "" {
		t.Errorf("RoutedModel = %q, followup write should have rolled back", got.RoutedModel)
	}
}

func TestRecordOutcome_UnknownTask(t *testing.T) {
	r, _ := newTestRecorder(t)
	if _, err := r.RecordOutcome(context.Background(), "missing", outcome(models.ActionInReview), nil); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestRecordOutcome_RunIDOfOtherTask(t *testing.T) {
	r, db := newTestRecorder(t)
	a := dbtest.CreateTask(t, db, nil)
	b := dbtest.CreateTask(t, db, nil)
	o := outcome(models.ActionInReview)

	if _, err := r.RecordOutcome(context.Background(), a.ID, o, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RecordOutcome(context.Background(), b.ID, o, nil); !errors.Is(err, ErrRunBelongsToOtherTask) {
		t.Errorf("err = %v, want ErrRunBelongsToOtherTask", err)
	}
}
