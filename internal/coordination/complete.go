package coordination

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentcoord/internal/models"
	"agentcoord/internal/queue"
	"agentcoord/internal/review"
	"agentcoord/internal/store"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OutputHeading introduces the agent's output in a task description.
const OutputHeading = "## Agent Output"

// CompletePayload is the agent_complete webhook body.
type CompletePayload struct {
	SessionID      string   `json:"session_id"`
	SessionKey     string   `json:"session_key"`
	TaskID         string   `json:"task_id"`
	Output         string   `json:"output"`
	Findings       string   `json:"findings"`
	OutputFiles    []string `json:"output_files"`
	TranscriptPath string   `json:"transcript_path"`
}

// CompleteResult reports what agent_complete did to the task.
type CompleteResult struct {
	TaskID      string            `json:"task_id"`
	OldStatus   models.TaskStatus `json:"old_status"`
	Status      models.TaskStatus `json:"status"`
	Decision    review.Decision   `json:"decision"`
	Reason      string            `json:"reason,omitempty"`
	OutputFiles []string          `json:"output_files"`
	DiffJobID   string            `json:"diff_job_id,omitempty"`
}

var reviewStatus = map[review.Decision]models.TaskStatus{
	review.DecisionDone:     models.StatusDone,
	review.DecisionRequeue:  models.StatusUpNext,
	review.DecisionInReview: models.StatusInReview,
}

// HandleAgentComplete merges an agent's output into its task, asks the
// reviewer where the task goes next and persists both in one write.
func (s *Service) HandleAgentComplete(ctx context.Context, hookToken string, p CompletePayload) (*CompleteResult, error) {
	if err := s.Authenticate(hookToken); err != nil {
		return nil, err
	}
	if p.TaskID == "" && p.SessionID == "" && p.SessionKey == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "required"}
	}

	task, err := s.findTask(ctx, p.TaskID, p.SessionID, p.SessionKey)
	if err != nil {
		return nil, err
	}
	log := s.logger(ctx).With("task_id", task.ID)

	output := strings.TrimSpace(p.Output)
	files := cleanFiles(p.OutputFiles)
	if output == "" && p.TranscriptPath != "" && s.transcripts != nil {
		rctx, cancel := context.WithTimeout(ctx, s.transcriptTimeout)
		summary, err := s.transcripts.Read(rctx, p.TranscriptPath)
		cancel()
		if err != nil {
			s.bestEffort(ctx, "transcript_read", err, "task_id", task.ID, "path", p.TranscriptPath)
		} else {
			output = strings.TrimSpace(summary.Summary)
			if len(files) == 0 {
				files = cleanFiles(summary.OutputFiles)
			}
		}
	}

	// Review runs before the row lock so a slow reviewer cannot hold it.
	verdict, err := s.reviewer.Review(ctx, review.Request{
		TaskID:      task.ID,
		Title:       task.Title,
		Description: task.Description,
		Output:      output,
		Findings:    p.Findings,
		OutputFiles: files,
	})
	if err != nil || !verdict.Decision.Valid() {
		if err == nil {
			err = fmt.Errorf("reviewer returned unknown decision %q", verdict.Decision)
		}
		s.bestEffort(ctx, "auto_review", err, "task_id", task.ID)
		verdict = review.Verdict{Decision: review.DecisionInReview, Reason: "review unavailable"}
	}

	result := &CompleteResult{
		TaskID:   task.ID,
		Decision: verdict.Decision,
		Reason:   verdict.Reason,
	}
	var filesChanged bool
	err = store.WithLockedTask(ctx, s.db, task.ID, func(tx *gorm.DB, locked *models.Task) error {
		result.OldStatus = locked.Status
		status := reviewStatus[verdict.Decision]
		now := time.Now().UTC()

		updates := map[string]interface{}{
			"description": MergeOutput(locked.Description, output),
			"status":      status,
			"updated_at":  now,
		}
		if len(files) > 0 {
			filesChanged = !sameFiles(locked.OutputFiles, files)
			updates["output_files"] = datatypes.JSONSlice[string](files)
		}
		if err := tx.Model(locked).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to save agent output: %w", err)
		}
		locked.Status = status
		task = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Status = task.Status
	result.OutputFiles = files
	if result.OutputFiles == nil {
		result.OutputFiles = []string{}
	}

	if filesChanged && s.queue != nil {
		job, err := s.queue.Enqueue(ctx, queue.JobGenerateDiff, queue.DiffArgs{TaskID: task.ID, Files: files})
		if err != nil {
			s.bestEffort(ctx, "enqueue", err, "task_id", task.ID, "job", queue.JobGenerateDiff)
		} else {
			result.DiffJobID = job.ID
		}
	}

	s.broadcast(ctx, task, "agent_complete", result.OldStatus)

	if p.TranscriptPath != "" && s.transcripts != nil {
		_, err := s.transcripts.Archive(ctx, task.ID, p.TranscriptPath, map[string]any{
			"session_id":  p.SessionID,
			"session_key": p.SessionKey,
			"decision":    string(verdict.Decision),
		})
		s.bestEffort(ctx, "transcript_archive", err, "task_id", task.ID, "path", p.TranscriptPath)
	}

	log.Info("agent completion handled",
		"decision", verdict.Decision,
		"old_status", result.OldStatus,
		"status", result.Status,
		"output_files", len(files))
	return result, nil
}

// MergeOutput places output under OutputHeading. An existing output
// section is replaced in place, up to the next "## " heading, and the
// sections after it are kept; otherwise the section is appended. Blank
// output leaves desc alone.
func MergeOutput(desc, output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return desc
	}
	section := OutputHeading + "\n\n" + output

	before, after := desc, ""
	if start, end, ok := outputSection(desc); ok {
		before = desc[:start]
		after = strings.TrimLeft(desc[end:], " \t\n")
	}
	before = strings.TrimRight(before, " \t\n")

	merged := section
	if before != "" {
		merged = before + "\n\n" + section
	}
	if after != "" {
		merged += "\n\n" + after
	}
	return merged
}

// outputSection finds the OutputHeading line and the start of the next
// level-two heading, or the end of desc.
func outputSection(desc string) (start, end int, ok bool) {
	for from := 0; ; {
		i := strings.Index(desc[from:], OutputHeading)
		if i < 0 {
			return 0, 0, false
		}
		i += from
		if i == 0 || desc[i-1] == '\n' {
			start = i
			break
		}
		from = i + len(OutputHeading)
	}

	body := start + len(OutputHeading)
	if j := strings.Index(desc[body:], "\n## "); j >= 0 {
		return start, body + j + 1, true
	}
	return start, len(desc), true
}

func cleanFiles(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, f := range in {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func sameFiles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
