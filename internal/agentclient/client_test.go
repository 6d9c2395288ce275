package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestClaim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-1/claim" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer agent-jwt" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["agent_name"] != "agent-a" {
			t.Errorf("agent_name = %q", body["agent_name"])
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"lease_token": "lease-1",
			"task_id":     "task-1",
			"expires_at":  time.Now().Add(15 * time.Minute),
		})
	}))
	defer srv.Close()

	l, err := NewClient(srv.URL+"/", "agent-jwt", "").Claim(context.Background(), "task-1", "agent-a", "cli")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if l.LeaseToken != "lease-1" || l.ExpiresAt.IsZero() {
		t.Errorf("lease = %+v", l)
	}
}

func TestClaim_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"task t is leased","code":"lease_conflict"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok", "").Claim(context.Background(), "t", "a", "")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Errorf("err = %#v, want APIError 409", err)
	}
}

func TestReportOutcome_SetsVersionAndHookToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Hook-Token") != "hook" {
			t.Errorf("X-Hook-Token = %q", r.Header.Get("X-Hook-Token"))
		}
		var o Outcome
		json.NewDecoder(r.Body).Decode(&o)
		if o.Version != "1" || o.RecommendedAction != "in_review" {
			t.Errorf("outcome = %+v", o)
		}
		json.NewEncoder(w).Encode(OutcomeResult{TaskID: o.TaskID, RunNumber: 1})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "", "hook").ReportOutcome(context.Background(), Outcome{
		RunID:             "6f1d9a50-58d4-4c1e-9d7e-3b7c6b2f4a11",
		TaskID:            "task-1",
		RecommendedAction: "in_review",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.RunNumber != 1 || res.TaskID != "task-1" {
		t.Errorf("result = %+v", res)
	}
}

func TestKeepAlive_StopsOnLeaseLost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/heartbeat") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		switch calls.Add(1) {
		case 1:
			json.NewEncoder(w).Encode(map[string]any{"expires_at": time.Now().Add(time.Minute)})
		case 2:
			http.Error(w, "flaky", http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"lease is no longer active","code":"lease_lost"}`))
		}
	}))
	defer srv.Close()

	var transient atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := NewClient(srv.URL, "tok", "").KeepAlive(ctx, "lease-1", 10*time.Millisecond, func(error) {
		transient.Add(1)
	})
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("KeepAlive = %v, want ErrLeaseLost", err)
	}
	if calls.Load() != 3 || transient.Load() != 1 {
		t.Errorf("calls = %d, transient = %d, want 3 and 1", calls.Load(), transient.Load())
	}
}

func TestKeepAlive_ReturnsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"expires_at": time.Now()})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := NewClient(srv.URL, "tok", "").KeepAlive(ctx, "lease-1", 5*time.Millisecond, nil); err != nil {
		t.Errorf("KeepAlive = %v, want nil on cancel", err)
	}
}

func TestRelease(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = r.URL.Path == "/api/v1/leases/lease-1/release"
		w.Write([]byte(`{"released":true}`))
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, "tok", "").Release(context.Background(), "lease-1"); err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Error("release endpoint not called")
	}
}
