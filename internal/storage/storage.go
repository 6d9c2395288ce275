// Package storage reads and archives agent session transcripts.
package storage

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentcoord/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Summary is what a transcript says the agent did.
type Summary struct {
	Summary     string
	OutputFiles []string
}

// Transcripts handles session log files. Only files under dir are
// opened; archives are written under archiveDir.
type Transcripts struct {
	dir        string
	archiveDir string
	db         *gorm.DB
}

// NewTranscripts creates the transcript store. db may be nil, in which
// case archives are written to disk but not recorded.
func NewTranscripts(dir, archiveDir string, db *gorm.DB) (*Transcripts, error) {
	if archiveDir != "" {
		if err := os.MkdirAll(archiveDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	return &Transcripts{dir: dir, archiveDir: archiveDir, db: db}, nil
}

var (
	// ErrNoTranscriptDir means no transcript directory is configured, so
	// no session log can be opened.
	ErrNoTranscriptDir = errors.New("transcript directory not configured")
	// ErrOutsideTranscriptDir means a path escapes the transcript directory.
	ErrOutsideTranscriptDir = errors.New("transcript path outside transcript directory")
)

// resolve maps path into dir. Relative paths are joined to dir; absolute
// paths and symlink targets must stay inside it.
func (s *Transcripts) resolve(path string) (string, error) {
	if s.dir == "" {
		return "", ErrNoTranscriptDir
	}
	root, err := filepath.Abs(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve transcript directory: %w", err)
	}
	realRoot := root
	if r, err := filepath.EvalSymlinks(root); err == nil {
		realRoot = r
	}

	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	if !within(root, full) && !within(realRoot, full) {
		return "", fmt.Errorf("%w: %s", ErrOutsideTranscriptDir, path)
	}
	if r, err := filepath.EvalSymlinks(full); err == nil {
		if !within(realRoot, r) {
			return "", fmt.Errorf("%w: %s", ErrOutsideTranscriptDir, path)
		}
		full = r
	}
	return full, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Input struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
	} `json:"input"`
}

// Read extracts the summary and written files from a JSONL transcript.
// The summary is the text of the last assistant message; output files
// are the targets of write and edit tool calls. A missing file yields an
// empty summary, not an error.
func (s *Transcripts) Read(ctx context.Context, path string) (*Summary, error) {
	out := &Summary{}
	if path == "" {
		return out, nil
	}

	resolved, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue // partial trailing line or foreign record
		}
		if line.Type != "assistant" && line.Message.Role != "assistant" {
			continue
		}

		text, blocks := parseContent(line.Message.Content)
		if strings.TrimSpace(text) != "" {
			out.Summary = strings.TrimSpace(text)
		}
		for _, b := range blocks {
			if b.Type != "tool_use" || !writesFiles(b.Name) {
				continue
			}
			p := b.Input.FilePath
			if p == "" {
				p = b.Input.NotebookPath
			}
			if p != "" && !seen[p] {
				seen[p] = true
				out.OutputFiles = append(out.OutputFiles, p)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return out, nil
}

func parseContent(raw json.RawMessage) (string, []contentBlock) {
	if len(raw) == 0 {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), blocks
}

func writesFiles(tool string) bool {
	t := strings.ToLower(tool)
	return strings.Contains(t, "write") || strings.Contains(t, "edit")
}

// Archive copies the transcript into a date-partitioned directory next to
// a JSON metadata sidecar and records it against the task.
func (s *Transcripts) Archive(ctx context.Context, taskID, path string, metadata map[string]any) (*models.TranscriptArchive, error) {
	if s.archiveDir == "" {
		return nil, errors.New("transcript archive directory not configured")
	}

	resolved, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	src, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer src.Close()

	id := uuid.New().String()
	now := time.Now().UTC()
	dirPath := filepath.Join(s.archiveDir, now.Format("2006/01/02"))
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dstPath := filepath.Join(dirPath, id+".jsonl")
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}
	defer dst.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hasher), src)
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("failed to copy transcript: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	sidecar := map[string]any{
		"task_id":     taskID,
		"source_path": path,
		"sha256":      hash,
		"size":        size,
		"archived_at": now,
	}
	for k, v := range metadata {
		if _, reserved := sidecar[k]; !reserved {
			sidecar[k] = v
		}
	}
	meta, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dirPath, id+".meta.json"), meta, 0644); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	archive := &models.TranscriptArchive{
		ID:         id,
		TaskID:     taskID,
		SourcePath: path,
		Path:       dstPath,
		Size:       size,
		Hash:       hash,
		CreatedAt:  now,
	}
	if s.db != nil {
		if err := s.db.WithContext(ctx).Create(archive).Error; err != nil {
			return nil, fmt.Errorf("failed to record archive: %w", err)
		}
	}
	return archive, nil
}
