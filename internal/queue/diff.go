package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"agentcoord/internal/models"
)

// JobGenerateDiff is the job name for diffs of files an agent changed.
const JobGenerateDiff = "generate_diff"

// DiffArgs are the arguments of a generate_diff job.
type DiffArgs struct {
	TaskID string   `json:"task_id"`
	Files  []string `json:"files"`
}

// maxDiffBytes bounds what is stored on the job row.
const maxDiffBytes = 1 << 20

// DiffHandler returns a handler running git diff for the job's files
// inside repoDir. The worker's timeout bounds the git process.
func DiffHandler(repoDir string) Handler {
	return func(ctx context.Context, job *models.Job) (string, error) {
		var args DiffArgs
		if err := json.Unmarshal(job.Args, &args); err != nil {
			return "", fmt.Errorf("invalid diff args: %w", err)
		}

		files := make([]string, 0, len(args.Files))
		for _, f := range args.Files {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if !filepath.IsAbs(f) && strings.HasPrefix(filepath.Clean(f), "..") {
				return "", fmt.Errorf("path escapes repository: %s", f)
			}
			files = append(files, f)
		}
		if len(files) == 0 {
			return "", nil
		}

		cmdArgs := append([]string{"diff", "--no-color", "--"}, files...)
		cmd := exec.CommandContext(ctx, "git", cmdArgs...)
		cmd.Dir = repoDir

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return "", fmt.Errorf("git diff exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
			}
			return "", fmt.Errorf("failed to run git diff: %w", err)
		}

		out := stdout.String()
		if len(out) > maxDiffBytes {
			out = out[:maxDiffBytes] + "\n[diff truncated]\n"
		}
		return out, nil
	}
}
