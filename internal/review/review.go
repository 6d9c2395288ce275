// Package review decides what happens to a task once an agent reports it
// finished: mark it done, requeue it, or leave it for a human.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Decision is the review verdict.
type Decision string

const (
	DecisionDone     Decision = "done"
	DecisionRequeue  Decision = "requeue"
	DecisionInReview Decision = "in_review"
)

// Valid reports whether d is a known verdict.
func (d Decision) Valid() bool {
	return d == DecisionDone || d == DecisionRequeue || d == DecisionInReview
}

// Request is what the reviewer sees of a finished task.
type Request struct {
	TaskID      string   `json:"task_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Output      string   `json:"output"`
	Findings    string   `json:"findings"`
	OutputFiles []string `json:"output_files"`
}

// Verdict is a decision with its reason.
type Verdict struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// HTTPReviewer asks an external policy service for a verdict.
type HTTPReviewer struct {
	url        string
	httpClient *http.Client
}

// NewHTTPReviewer creates a reviewer posting to url with the given timeout.
func NewHTTPReviewer(url string, timeout time.Duration) *HTTPReviewer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPReviewer{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Review posts the request and decodes the verdict.
func (r *HTTPReviewer) Review(ctx context.Context, req Request) (Verdict, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Verdict{}, fmt.Errorf("review failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if !v.Decision.Valid() {
		return Verdict{}, fmt.Errorf("unknown review decision %q", v.Decision)
	}
	return v, nil
}

// failureMarkers in findings send the task back for another attempt.
var failureMarkers = []string{
	"fail",
	"error:",
	"panic:",
	"could not",
	"couldn't",
	"blocked",
	"not implemented",
}

// RuleReviewer is the local verdict used when no policy service is
// configured or it is unreachable. It requeues on obvious failure
// markers and otherwise leaves the task for a human.
type RuleReviewer struct{}

func (RuleReviewer) Review(_ context.Context, req Request) (Verdict, error) {
	findings := strings.ToLower(req.Findings)
	for _, m := range failureMarkers {
		if strings.Contains(findings, m) {
			return Verdict{Decision: DecisionRequeue, Reason: "findings report " + strings.TrimSuffix(m, ":")}, nil
		}
	}
	return Verdict{Decision: DecisionInReview, Reason: "awaiting human review"}, nil
}

// Reviewer is anything that can produce a verdict.
type Reviewer interface {
	Review(ctx context.Context, req Request) (Verdict, error)
}

// Fallback tries primary and falls back to secondary on any error.
type Fallback struct {
	primary   Reviewer
	secondary Reviewer
	log       *slog.Logger
}

// WithFallback wraps primary so its failures are answered by secondary.
func WithFallback(primary, secondary Reviewer, log *slog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, log: log}
}

func (f *Fallback) Review(ctx context.Context, req Request) (Verdict, error) {
	v, err := f.primary.Review(ctx, req)
	if err == nil {
		return v, nil
	}
	f.log.Warn("review service failed, using local rules", "task_id", req.TaskID, "error", err)
	return f.secondary.Review(ctx, req)
}

// New returns the reviewer for the configured url: an HTTP reviewer backed
// by local rules, or local rules alone when url is empty.
func New(url string, timeout time.Duration, log *slog.Logger) Reviewer {
	if url == "" {
		return RuleReviewer{}
	}
	return WithFallback(NewHTTPReviewer(url, timeout), RuleReviewer{}, log)
}
