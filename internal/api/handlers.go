package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"agentcoord/internal/coordination"
	"agentcoord/internal/models"
	"agentcoord/internal/queue"
	"agentcoord/internal/routing"
	"agentcoord/internal/runs"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// maxHookBody bounds webhook payloads.
const maxHookBody = 1 << 20

// Handler contains API handlers
type Handler struct {
	db      *gorm.DB
	service *coordination.Service
	runs    *runs.Recorder
	ledger  *routing.Ledger
	router  *routing.Router
	queue   *queue.Queue
	log     *slog.Logger
}

// NewHandler creates a new API handler
func NewHandler(d Deps) *Handler {
	return &Handler{
		db:      d.DB,
		service: d.Service,
		runs:    d.Runs,
		ledger:  d.Ledger,
		router:  d.Router,
		queue:   d.Queue,
		log:     d.Log,
	}
}

// Health reports whether the database answers.
func (h *Handler) Health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// TaskOutcome handles the task_outcome webhook.
func (h *Handler) TaskOutcome(c *gin.Context) {
	token := c.GetHeader(headerHookToken)
	if err := h.service.Authenticate(token); err != nil {
		h.writeError(c, err)
		return
	}

	raw, err := readBody(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var p coordination.OutcomePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	p.Raw = raw

	res, err := h.service.HandleTaskOutcome(c.Request.Context(), token, p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AgentComplete handles the agent_complete webhook.
func (h *Handler) AgentComplete(c *gin.Context) {
	token := c.GetHeader(headerHookToken)
	if err := h.service.Authenticate(token); err != nil {
		h.writeError(c, err)
		return
	}

	raw, err := readBody(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var p coordination.CompletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.service.HandleAgentComplete(c.Request.Context(), token, p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func readBody(c *gin.Context) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxHookBody))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	return raw, nil
}

// ClaimRequest represents a lease claim
type ClaimRequest struct {
	AgentName string `json:"agent_name"`
	Source    string `json:"source"`
}

// ClaimTask grants a lease on a task.
func (h *Handler) ClaimTask(c *gin.Context) {
	var req ClaimRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.AgentName == "" {
		req.AgentName = c.GetString(agentKey)
	}
	if req.AgentName == "" {
		badRequest(c, "agent_name is required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	l, err := h.service.Claim(c.Request.Context(), c.Param("id"), req.AgentName, req.Source)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"lease_token": l.LeaseToken,
		"task_id":     l.TaskID,
		"expires_at":  l.ExpiresAt,
	})
}

// Heartbeat extends a lease.
func (h *Handler) Heartbeat(c *gin.Context) {
	l, err := h.service.Heartbeat(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lease_token": l.LeaseToken,
		"expires_at":  l.ExpiresAt,
	})
}

// ReleaseLease ends a lease; releasing twice is fine.
func (h *Handler) ReleaseLease(c *gin.Context) {
	if err := h.service.Release(c.Request.Context(), c.Param("token")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// AdvancePipeline applies an agent-driven stage change.
func (h *Handler) AdvancePipeline(c *gin.Context) {
	var req coordination.AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Stage == "" {
		badRequest(c, "stage is required")
		return
	}
	if agent := c.GetString(agentKey); agent != "" {
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata["agent"] = agent
	}

	task, err := h.service.AdvancePipeline(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListRuns returns a task's run history.
func (h *Handler) ListRuns(c *gin.Context) {
	list, err := h.runs.Runs(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": list, "total": len(list)})
}

// RecordLimitRequest reports a throttled model.
type RecordLimitRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	Model        string `json:"model" binding:"required"`
	ErrorMessage string `json:"error_message"`
}

// RecordLimit writes a rate-limit report to the availability ledger.
func (h *Handler) RecordLimit(c *gin.Context) {
	var req RecordLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	limit, err := h.ledger.RecordLimit(c.Request.Context(), req.UserID, req.Model, req.ErrorMessage)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, limit)
}

// ResetLimit lifts a throttle explicitly.
func (h *Handler) ResetLimit(c *gin.Context) {
	if err := h.ledger.Reset(c.Request.Context(), c.Param("user"), c.Param("model")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// ListLimits returns every ledger row for a user.
func (h *Handler) ListLimits(c *gin.Context) {
	limits, err := h.ledger.Limits(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	now := time.Now().UTC()
	type row struct {
		models.ModelLimit
		Active bool `json:"active"`
	}
	out := make([]row, 0, len(limits))
	for _, l := range limits {
		out = append(out, row{ModelLimit: l, Active: l.ActiveAt(now)})
	}
	c.JSON(http.StatusOK, gin.H{"limits": out})
}

// BestModel picks the best available model for a user.
func (h *Handler) BestModel(c *gin.Context) {
	choice, err := h.router.BestAvailableModel(c.Request.Context(), c.Param("id"), c.Query("requested"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, choice)
}

// ListJobs returns a list of jobs
func (h *Handler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	status := c.Query("status")

	jobs, total, err := h.queue.ListJobs(c.Request.Context(), limit, offset, status)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJob returns a single job
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.queue.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// JobStats counts jobs by status.
func (h *Handler) JobStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
