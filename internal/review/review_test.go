package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentcoord/internal/logger"
)

func TestRuleReviewer(t *testing.T) {
	tests := []struct {
		findings string
		want     Decision
	}{
		{"", DecisionInReview},
		{"All 42 tests pass.", DecisionInReview},
		{"2 tests FAILED in auth package", DecisionRequeue},
		{"Error: cannot find module", DecisionRequeue},
		{"blocked on missing credentials", DecisionRequeue},
	}
	for _, tt := range tests {
		v, err := RuleReviewer{}.Review(context.Background(), Request{Findings: tt.findings})
		if err != nil {
			t.Fatal(err)
		}
		if v.Decision != tt.want {
			t.Errorf("Review(%q) = %s, want %s", tt.findings, v.Decision, tt.want)
		}
	}
}

func TestHTTPReviewer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(Verdict{Decision: DecisionDone, Reason: "reviewed " + req.TaskID})
	}))
	defer srv.Close()

	v, err := NewHTTPReviewer(srv.URL, time.Second).Review(context.Background(), Request{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if v.Decision != DecisionDone || v.Reason != "reviewed task-1" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestHTTPReviewer_RejectsUnknownDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"decision":"ship_it"}`))
	}))
	defer srv.Close()

	if _, err := NewHTTPReviewer(srv.URL, time.Second).Review(context.Background(), Request{}); err == nil {
		t.Error("expected error for unknown decision")
	}
}

func TestFallback_UsesRulesWhenServiceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := New(srv.URL, time.Second, logger.Discard())
	v, err := r.Review(context.Background(), Request{TaskID: "task-1", Findings: "tests failed"})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if v.Decision != DecisionRequeue {
		t.Errorf("Decision = %s, want requeue from local rules", v.Decision)
	}
}

func TestFallback_TimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	r := New(srv.URL, 50*time.Millisecond, logger.Discard())
	v, err := r.Review(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if v.Decision != DecisionInReview {
		t.Errorf("Decision = %s, want in_review", v.Decision)
	}
}

func TestNew_NoURLUsesRules(t *testing.T) {
	if _, ok := New("", 0, logger.Discard()).(RuleReviewer); !ok {
		t.Error("New without url should return RuleReviewer")
	}
}
