package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"agentcoord/internal/dbtest"
	"agentcoord/internal/models"
)

const sampleTranscript = `{"type":"user","message":{"role":"user","content":"build the login page"}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Starting."},{"type":"tool_use","name":"Write","input":{"file_path":"web/login.html"}}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Edit","input":{"file_path":"web/app.js"}},{"type":"tool_use","name":"Read","input":{"file_path":"README.md"}},{"type":"tool_use","name":"Write","input":{"file_path":"web/login.html"}}]}}
not json at all
{"type":"assistant","message":{"role":"assistant","content":"Login page done, tests pass."}}
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRead_ExtractsSummaryAndFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "session.jsonl", sampleTranscript)

	s, err := NewTranscripts(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Read(context.Background(), "session.jsonl")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Summary != "Login page done, tests pass." {
		t.Errorf("Summary = %q", got.Summary)
	}
	want := []string{"web/login.html", "web/app.js"}
	if !reflect.DeepEqual(got.OutputFiles, want) {
		t.Errorf("OutputFiles = %v, want %v", got.OutputFiles, want)
	}
}

func TestRead_MissingFileIsEmpty(t *testing.T) {
	s, err := NewTranscripts(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Read(context.Background(), "nope.jsonl")
	if err != nil {
		t.Fatalf("Read err = %v, want nil", err)
	}
	if got.Summary != "" || len(got.OutputFiles) != 0 {
		t.Errorf("Read = %+v, want empty", got)
	}
}

func TestRead_CanceledContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "session.jsonl", sampleTranscript)
	s, _ := NewTranscripts(dir, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Read(ctx, "session.jsonl"); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestArchive_CopiesWithHashAndSidecar(t *testing.T) {
	db := dbtest.Open(t)
	dir := t.TempDir()
	src := writeFile(t, dir, "session.jsonl", sampleTranscript)

	s, err := NewTranscripts(dir, filepath.Join(t.TempDir(), "archive"), db)
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Archive(context.Background(), "task-1", src, map[string]any{"session_id": "sess-9", "task_id": "spoofed"})
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	sum := sha256.Sum256([]byte(sampleTranscript))
	if a.Hash != hex.EncodeToString(sum[:]) {
		t.Errorf("Hash = %s", a.Hash)
	}
	if a.Size != int64(len(sampleTranscript)) {
		t.Errorf("Size = %d, want %d", a.Size, len(sampleTranscript))
	}
	copied, err := os.ReadFile(a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(copied) != sampleTranscript {
		t.Error("archived content differs from source")
	}

	metaPath := filepath.Join(filepath.Dir(a.Path), a.ID+".meta.json")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["session_id"] != "sess-9" {
		t.Errorf("sidecar session_id = %v", meta["session_id"])
	}
	if meta["task_id"] != "task-1" {
		t.Errorf("sidecar task_id = %v, caller metadata must not override it", meta["task_id"])
	}

	var stored models.TranscriptArchive
	if err := db.First(&stored, "id = ?", a.ID).Error; err != nil {
		t.Fatalf("archive row not recorded: %v", err)
	}
	if stored.TaskID != "task-1" {
		t.Errorf("TaskID = %q", stored.TaskID)
	}
}

func TestArchive_Unconfigured(t *testing.T) {
	s, _ := NewTranscripts(t.TempDir(), "", nil)
	if _, err := s.Archive(context.Background(), "task-1", "x.jsonl", nil); err == nil {
		t.Error("expected error without archive directory")
	}
}

func TestRead_ConfinedToDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "session.jsonl", sampleTranscript)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	outside := writeFile(t, t.TempDir(), "secret.jsonl", sampleTranscript)
	if err := os.Symlink(outside, filepath.Join(dir, "link.jsonl")); err != nil {
		t.Fatal(err)
	}

	s, err := NewTranscripts(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path    string
		blocked bool
	}{
		{"session.jsonl", false},
		{"sub/../session.jsonl", false},
		{filepath.Join(dir, "session.jsonl"), false},
		{"../secret.jsonl", true},
		{"sub/../../secret.jsonl", true},
		{outside, true},
		{"link.jsonl", true},
	}
	for _, tt := range tests {
		got, err := s.Read(context.Background(), tt.path)
		if tt.blocked {
			if !errors.Is(err, ErrOutsideTranscriptDir) {
				t.Errorf("Read(%q) err = %v, want ErrOutsideTranscriptDir", tt.path, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Read(%q) failed: %v", tt.path, err)
			continue
		}
		if got.Summary == "" {
			t.Errorf("Read(%q) returned an empty summary", tt.path)
		}
	}
}

func TestRead_NoDirConfigured(t *testing.T) {
	s, _ := NewTranscripts("", "", nil)
	if _, err := s.Read(context.Background(), "/etc/passwd"); !errors.Is(err, ErrNoTranscriptDir) {
		t.Errorf("Read err = %v, want ErrNoTranscriptDir", err)
	}
}

func TestArchive_RejectsOutsidePath(t *testing.T) {
	outside := writeFile(t, t.TempDir(), "secret.jsonl", sampleTranscript)
	s, err := NewTranscripts(t.TempDir(), filepath.Join(t.TempDir(), "archive"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Archive(context.Background(), "task-1", outside, nil); !errors.Is(err, ErrOutsideTranscriptDir) {
		t.Errorf("Archive err = %v, want ErrOutsideTranscriptDir", err)
	}
}
